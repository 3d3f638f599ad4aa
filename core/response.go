package core

import "net/http"

// Response renders itself to an http.ResponseWriter.
// Implementations set headers, status code, and write the body.
// Render errors are handled by the caller (typically logged and dropped,
// since headers are usually already written).
type Response interface {
	Render(w http.ResponseWriter, r *http.Request) error
}
