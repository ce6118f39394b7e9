package api

import (
	"net/http"

	"github.com/banshee-data/uwb.locator/internal/httputil"
	"github.com/banshee-data/uwb.locator/internal/version"
)

// listTags returns the same document the websocket pushes.
func (s *Server) listTags(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.store.Snapshot())
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	fields := httputil.Fields{
		"tags":    s.store.Len(),
		"anchors": len(s.store.Anchors()),
	}
	if s.pipeline != nil {
		fields["reports"] = s.pipeline.Stats()
	}
	if s.hub != nil {
		fields["websocket_clients"] = s.hub.Len()
		if snap, ok := s.hub.Latest(); ok {
			fields["last_publish"] = snap.ServerTimestamp
		}
	}
	for name, fn := range s.stats {
		fields[name] = fn()
	}
	httputil.WriteOK(w, fields)
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteOK(w, httputil.Fields{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}
