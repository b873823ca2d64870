package b2

import (
	"strconv"
	"time"
)

// Header names used by the upload and download endpoints.
const (
	headerFileName      = "X-Bz-File-Name"
	headerFileID        = "X-Bz-File-Id"
	headerContentSHA1   = "X-Bz-Content-Sha1"
	headerUploadTime    = "X-Bz-Upload-Timestamp"
	headerModTime       = "X-Bz-Info-src_last_modified_millis"
	headerRetryAfter    = "Retry-After"
	infoModTime         = "src_last_modified_millis"
	apiPrefix           = "/b2api/v2"
	actionUpload        = "upload"
	actionFolder        = "folder"
	metadataDirectiveCP = "COPY"
)

// apiError is the JSON body of every non-2xx response.
type apiError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Timestamp is milliseconds since the epoch on the wire.
type Timestamp time.Time

// MarshalJSON emits milliseconds.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(time.Time(t).UnixMilli(), 10)), nil
}

// UnmarshalJSON accepts milliseconds.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return err
	}
	*t = Timestamp(time.UnixMilli(ms).UTC())
	return nil
}

// File describes one listing entry or one stored file version.
type File struct {
	ID              string            `json:"fileId"`
	Name            string            `json:"fileName"`
	Action          string            `json:"action"`
	Size            int64             `json:"contentLength"`
	SHA1            string            `json:"contentSha1"`
	ContentType     string            `json:"contentType"`
	UploadTimestamp Timestamp         `json:"uploadTimestamp"`
	Info            map[string]string `json:"fileInfo"`
	BucketID        string            `json:"bucketId,omitempty"`
}

// ModTime prefers the client-supplied modification time over the upload time.
func (f *File) ModTime() time.Time {
	if v, ok := f.Info[infoModTime]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC()
		}
	}
	return time.Time(f.UploadTimestamp)
}

type storageAPIInfo struct {
	RecommendedPartSize     int64    `json:"recommendedPartSize"`
	AbsoluteMinimumPartSize int64    `json:"absoluteMinimumPartSize"`
	APIURL                  string   `json:"apiUrl"`
	DownloadURL             string   `json:"downloadUrl"`
	Capabilities            []string `json:"capabilities"`
	BucketID                string   `json:"bucketId"`
	BucketName              string   `json:"bucketName"`
}

type authorizeAccountResponse struct {
	AccountID          string `json:"accountId"`
	AuthorizationToken string `json:"authorizationToken"`
	APIInfo            struct {
		StorageAPI storageAPIInfo `json:"storageApi"`
	} `json:"apiInfo"`
}

type bucketInfo struct {
	ID   string `json:"bucketId"`
	Name string `json:"bucketName"`
	Type string `json:"bucketType"`
}

type listBucketsRequest struct {
	AccountID  string `json:"accountId"`
	BucketID   string `json:"bucketId,omitempty"`
	BucketName string `json:"bucketName,omitempty"`
}

type listBucketsResponse struct {
	Buckets []bucketInfo `json:"buckets"`
}

type listFileNamesRequest struct {
	BucketID      string `json:"bucketId"`
	StartFileName string `json:"startFileName,omitempty"`
	MaxFileCount  int    `json:"maxFileCount,omitempty"`
	Prefix        string `json:"prefix,omitempty"`
	Delimiter     string `json:"delimiter,omitempty"`
}

type listFileNamesResponse struct {
	Files        []File  `json:"files"`
	NextFileName *string `json:"nextFileName"`
}

type getUploadURLRequest struct {
	BucketID string `json:"bucketId"`
}

type getUploadURLResponse struct {
	BucketID           string `json:"bucketId"`
	UploadURL          string `json:"uploadUrl"`
	AuthorizationToken string `json:"authorizationToken"`
}

type deleteFileVersionRequest struct {
	Name string `json:"fileName"`
	ID   string `json:"fileId"`
}

type deleteFileVersionResponse struct {
	Name string `json:"fileName"`
	ID   string `json:"fileId"`
}

type copyFileRequest struct {
	SourceFileID        string `json:"sourceFileId"`
	DestinationBucketID string `json:"destinationBucketId,omitempty"`
	Name                string `json:"fileName"`
	MetadataDirective   string `json:"metadataDirective"`
}

// dontEncode is the set of bytes sent verbatim in file names.
const dontEncode = `abcdefghijklmnopqrstuvwxyz` +
	`ABCDEFGHIJKLMNOPQRSTUVWXYZ` +
	`0123456789` +
	`._-/~!$'()*;=:@`

var noNeedToEncode [256]bool

func init() {
	for i := 0; i < len(dontEncode); i++ {
		noNeedToEncode[dontEncode[i]] = true
	}
}

// encodeName percent-encodes a file name for headers and download URLs.
func encodeName(in string) string {
	const hex = "0123456789ABCDEF"
	out := make([]byte, 0, len(in))
	for i := 0; i < len(in); i++ {
		c := in[i]
		if noNeedToEncode[c] {
			out = append(out, c)
			continue
		}
		out = append(out, '%', hex[c>>4], hex[c&0x0f])
	}
	return string(out)
}
