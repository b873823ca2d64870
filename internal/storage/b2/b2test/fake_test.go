package b2test

import (
	"net/http/httptest"
	"testing"
)

func TestEndpointFor(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/b2api/v2/b2_authorize_account", EndpointAuthorize},
		{"/b2api/v2/b2_list_buckets", EndpointListBuckets},
		{"/b2api/v2/b2_list_file_names", EndpointListFileNames},
		{"/b2api/v2/b2_get_upload_url", EndpointGetUploadURL},
		{"/b2api/v2/b2_delete_file_version", EndpointDeleteFileVersion},
		{"/b2api/v2/b2_copy_file", EndpointCopyFile},
		{"/upload/bucket-1/target-1", EndpointUpload},
		{"/file/photos/a.txt", EndpointDownload},
		{"/elsewhere", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			r := httptest.NewRequest("POST", tt.path, nil)
			if got := endpointFor(r); got != tt.want {
				t.Errorf("endpointFor(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}
