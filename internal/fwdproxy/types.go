package fwdproxy

import "time"

// CachedEntry is a cache hit as handed to callers: the stored response bytes
// together with the index metadata that describes them.
type CachedEntry struct {
	URLKey       string
	ContentHash  string
	RawResponse  []byte
	ETag         string
	LastModified string
	StoredAt     time.Time
}

func (e CachedEntry) Validators() Validators {
	return Validators{ETag: e.ETag, LastModified: e.LastModified}
}

// IndexEntry is what the index persists per URL. The response itself lives in
// the blob file named Filename.
type IndexEntry struct {
	Filename     string    `json:"filename"`
	StoredAt     time.Time `json:"timestamp"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
}

type Validators struct {
	ETag         string
	LastModified string
}

func (v Validators) Any() bool { return v.ETag != "" || v.LastModified != "" }

// conditionalHeader builds the If-None-Match / If-Modified-Since fields for a
// revalidation request.
func (v Validators) conditionalHeader() Header {
	var h Header
	if v.ETag != "" {
		h = append(h, HeaderField{Name: "If-None-Match", Value: v.ETag})
	}
	if v.LastModified != "" {
		h = append(h, HeaderField{Name: "If-Modified-Since", Value: v.LastModified})
	}
	return h
}
