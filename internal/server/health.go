package server

import "net/http"

// Pre-allocated response bodies, avoiding a []byte("ok") heap escape per
// call.
var okBody = []byte("ok")

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			writeText(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

// handleShutdown initiates graceful shutdown and acknowledges the request
// before the process actually exits.
func (s *server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
	go s.deps.Shutdown()
}
