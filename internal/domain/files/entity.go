package files

import "time"

// Content types used for analysis artifacts.
const (
	ContentTypeGzip = "application/gzip"
	ContentTypeCSV  = "text/csv"
	ContentTypeJSON = "application/json"
	ContentTypeText = "text/plain"
)

// Reference is a stored, typed, creator-attributed artifact. Key is the
// opaque handle of the blob in the BlobStore.
type Reference struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Creator     string    `json:"creator"`
	Key         string    `json:"-"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// Filter narrows a reference listing. Empty fields match everything.
type Filter struct {
	ContentType      string
	FilenameContains string
	Creator          string
	Limit            int
}
