package fwdproxy

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

type adminEntry struct {
	URL          string    `json:"url"`
	Blob         string    `json:"blob"`
	StoredAt     time.Time `json:"storedAt"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"lastModified,omitempty"`
}

// AdminHandler serves the operator API: stats, the cache listing and cache
// clearing. It is meant for a loopback address only.
func (s *Service) AdminHandler() http.Handler {
	r := chi.NewRouter()
	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, s.Stats())
	})
	r.Get("/cache", func(w http.ResponseWriter, r *http.Request) {
		entries := s.store.Entries()
		out := make([]adminEntry, 0, len(entries))
		for _, e := range entries {
			out = append(out, adminEntry{
				URL:          e.URLKey,
				Blob:         e.ContentHash,
				StoredAt:     e.StoredAt,
				ETag:         e.ETag,
				LastModified: e.LastModified,
			})
		}
		s.writeJSON(w, out)
	})
	r.Delete("/cache", func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Clear(); err != nil {
			s.log.Error().Err(err).Msg("Could not clear cache")
			http.Error(w, "could not clear cache", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

func (s *Service) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("Could not write admin response")
	}
}
