package api

import (
	"net/http"
	"path"
	"time"
)

// handleMedia serves a stored image by handle.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	handle := r.PathValue("handle")
	rc, info, err := s.blobs.Open(r.Context(), handle)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", info.ContentType)
	w.Header().Set("Cache-Control", "public, max-age=86400, immutable")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(w, r, path.Base(info.Handle), time.Time{}, rc)
}
