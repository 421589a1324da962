package api

import (
	"net/http"
)

func (s *Server) poolStats(w http.ResponseWriter, _ *http.Request) {
	if s.Pool == nil {
		writeError(w, http.StatusNotFound, "browser pool not enabled")
		return
	}
	writeJSON(w, http.StatusOK, s.Pool.Stats())
}

func (s *Server) breakerStats(w http.ResponseWriter, _ *http.Request) {
	if s.Breaker == nil {
		writeError(w, http.StatusNotFound, "breaker not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"domains": s.Breaker.Stats()})
}

func (s *Server) proxyUsage(w http.ResponseWriter, _ *http.Request) {
	if s.Proxies == nil {
		writeError(w, http.StatusNotFound, "no proxies configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proxies": s.Proxies.Usage()})
}
