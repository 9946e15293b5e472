package httpserver

import (
	"fmt"
	"net/http"
)

// sseWriter sends Server-Sent Events to an http.ResponseWriter.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// newSSEWriter prepares w for an event stream. Returns nil if w doesn't
// support http.Flusher.
func newSSEWriter(w http.ResponseWriter) *sseWriter {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	return &sseWriter{w: w, flusher: flusher}
}

// sendComment writes an SSE comment line, used for keepalive pings.
func (s *sseWriter) sendComment(text string) {
	fmt.Fprintf(s.w, ": %s\n\n", text)
	s.flusher.Flush()
}
