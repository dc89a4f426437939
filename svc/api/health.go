package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"psst/svc/util"
)

const probeTimeout = 500 * time.Millisecond

// Probe is a named dependency checked by /ready.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Ready  bool              `json:"ready"`
	Checks map[string]string `json:"checks"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{Ready: true, Checks: make(map[string]string, len(s.probes))}
	for _, p := range s.probes {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		err := p.Check(ctx)
		cancel()
		if err != nil {
			util.Error().Err(err).Str("probe", p.Name).Msg("readiness check failed")
			resp.Checks[p.Name] = "down"
			resp.Ready = false
			continue
		}
		resp.Checks[p.Name] = "up"
	}
	w.Header().Set("Content-Type", "application/json")
	if !resp.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(resp)
}
