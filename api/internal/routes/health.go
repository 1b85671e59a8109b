package routes

import (
	"context"
	"net/http"
	"sort"

	"crm-event-pipeline/shared/config"
	"crm-event-pipeline/shared/httpx"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

type HealthDeps struct {
	Service  string
	Env      string
	Version  string
	Problems []config.Problem
	// Checks run on every /readyz call, keyed by dependency name.
	Checks map[string]func(context.Context) error
}

func RegisterHealth(mux *http.ServeMux, deps HealthDeps) {
	status := func(s string) statusResponse {
		return statusResponse{Status: s, Service: deps.Service, Env: deps.Env, Version: deps.Version}
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, status("ok"))
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(deps.Problems) > 0 {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": deps.Problems})
			return
		}
		names := make([]string, 0, len(deps.Checks))
		for name := range deps.Checks {
			names = append(names, name)
		}
		sort.Strings(names)
		var failed []string
		for _, name := range names {
			if err := deps.Checks[name](r.Context()); err != nil {
				failed = append(failed, name)
			}
		}
		if len(failed) > 0 {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
				"service not ready: dependency unavailable",
				map[string]any{"failed": failed})
			return
		}
		httpx.WriteJSON(w, http.StatusOK, status("ready"))
	})
}
