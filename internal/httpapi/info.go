package httpapi

import (
	"net/http"
	"runtime"
	"time"
)

// BuildInfo identifies the running binary on the /info endpoint.
type BuildInfo struct {
	Version  string
	Revision string
	BuiltAt  time.Time
}

type infoResponse struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	Revision  string `json:"revision"`
	BuiltAt   string `json:"built_at,omitempty"`
	Go        string `json:"go"`
	UptimeSec int64  `json:"uptime_seconds"`
}

// handleInfo reports the binary identity plus process uptime so an operator
// can tell which build is behind a hub without shelling into the host.
func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	resp := infoResponse{
		Service:   "stream-nexus",
		Version:   s.opts.Build.Version,
		Revision:  s.opts.Build.Revision,
		Go:        runtime.Version(),
		UptimeSec: int64(time.Since(s.started).Seconds()),
	}
	if built := s.opts.Build.BuiltAt; !built.IsZero() {
		resp.BuiltAt = built.UTC().Format(time.RFC3339)
	}
	writeJSON(w, resp)
}
