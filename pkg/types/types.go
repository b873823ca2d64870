package types

import (
	"strings"
	"time"
)

// DirectoryContentType marks a zero-length object as an explicit directory.
const DirectoryContentType = "application/x-directory"

// PathSeparator separates key components.
const PathSeparator = "/"

// EntryKind is how a node came to exist in the flat namespace.
type EntryKind int

const (
	// KindFile is a regular object.
	KindFile EntryKind = iota
	// KindVirtualDir is a directory inferred from a common key prefix.
	KindVirtualDir
	// KindMarkerDir is a directory backed by a zero-length marker object.
	KindMarkerDir
)

// IsDir reports whether the kind is either directory form.
func (k EntryKind) IsDir() bool {
	return k == KindVirtualDir || k == KindMarkerDir
}

func (k EntryKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindVirtualDir:
		return "virtual-dir"
	case KindMarkerDir:
		return "marker-dir"
	default:
		return "unknown"
	}
}

// Entry represents one filesystem node.
type Entry struct {
	// Path is the full object key. Directories end in "/".
	Path        string    `json:"path"`
	BucketID    string    `json:"bucket_id"`
	Kind        EntryKind `json:"kind"`
	Size        int64     `json:"size"`
	ModTime     time.Time `json:"mod_time"`
	FileID      string    `json:"file_id,omitempty"`
	SHA1        string    `json:"sha1,omitempty"`
	ContentType string    `json:"content_type,omitempty"`

	// Pending is set while local writes have not been uploaded yet.
	Pending bool `json:"pending,omitempty"`
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool {
	return e.Kind.IsDir()
}

// Name returns the last path component without a trailing separator.
func (e Entry) Name() string {
	p := strings.TrimSuffix(e.Path, PathSeparator)
	if i := strings.LastIndex(p, PathSeparator); i >= 0 {
		return p[i+1:]
	}
	return p
}

// Session is one authorization snapshot.
type Session struct {
	AccountID   string `json:"account_id"`
	AuthToken   string `json:"-"`
	APIURL      string `json:"api_url"`
	DownloadURL string `json:"download_url"`

	RecommendedPartSize     int64 `json:"recommended_part_size"`
	AbsoluteMinimumPartSize int64 `json:"absolute_minimum_part_size"`

	Capabilities []string `json:"capabilities"`

	// AllowedBucketID and AllowedBucketName are set when the key is restricted to one bucket.
	AllowedBucketID   string `json:"allowed_bucket_id,omitempty"`
	AllowedBucketName string `json:"allowed_bucket_name,omitempty"`

	AuthorizedAt time.Time `json:"authorized_at"`
}

// HasCapability reports whether the authorized key carries capability.
func (s *Session) HasCapability(capability string) bool {
	for _, c := range s.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// UploadTarget is a short-lived upload endpoint and its own token.
type UploadTarget struct {
	BucketID  string `json:"bucket_id"`
	UploadURL string `json:"upload_url"`
	AuthToken string `json:"-"`
}

// Bucket identifies a remote bucket.
type Bucket struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	Items       int     `json:"items"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// Credentials is the account key pair supplied at mount time.
type Credentials struct {
	KeyID string
	Key   string
}

// String never includes the secret.
func (c Credentials) String() string {
	return "Credentials{KeyID:" + c.KeyID + ", Key:<redacted>}"
}
