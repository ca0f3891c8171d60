package utils

import (
	"mime"
	"path"
	"strings"
	"time"
)

// TSNow returns the current UTC time truncated to seconds, the resolution
// the persistent store keeps.
func TSNow() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// MimeTypeByName infers a content type from the file name,
// falling back to application/octet-stream.
func MimeTypeByName(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if mt := mime.TypeByExtension(ext); mt != "" {
		return mt
	}
	return "application/octet-stream"
}

// DirMimeType is the synthetic content type used for directory entries.
const DirMimeType = "httpd/unix-directory"

// SplitExt splits a file name into stem and extension (with the dot).
func SplitExt(name string) (string, string) {
	ext := path.Ext(name)
	return strings.TrimSuffix(name, ext), ext
}
