package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/nexus-trading/autotrader/internal/engine"
	"github.com/nexus-trading/autotrader/internal/execution"
	"github.com/nexus-trading/autotrader/internal/observability"
	"github.com/rs/zerolog/log"
)

// controller is the part of the engine the HTTP layer drives.
type controller interface {
	Status() engine.Status
	Pause()
	Resume()
	ClosePosition(ctx context.Context, token string) (execution.Result, error)
}

// statsSource returns a JSON-serializable stats snapshot.
type statsSource func() any

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("http: encode response")
	}
}

// newMux builds the status and control endpoints. health and ws may be nil.
func newMux(ctrl controller, health *observability.Health, stats map[string]statsSource, ws http.Handler, instanceID string) *http.ServeMux {
	mux := http.NewServeMux()

	// ── Health ──
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		st := ctrl.Status()
		body := map[string]any{
			"status":      observability.StatusHealthy,
			"instance_id": instanceID,
			"running":     st.Running,
			"paused":      st.Paused,
			"dry_run":     st.DryRun,
		}
		code := http.StatusOK
		if health != nil {
			sys := health.Check(r.Context())
			body["status"] = sys.Status
			body["components"] = sys.Components
			if sys.Status == observability.StatusUnhealthy {
				code = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, code, body)
	})

	// ── Stats ──
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		combined := make(map[string]any, len(stats)+1)
		for name, fn := range stats {
			combined[name] = fn()
		}
		combined["engine"] = ctrl.Status().Metrics
		writeJSON(w, http.StatusOK, combined)
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, ctrl.Status())
	})

	mux.HandleFunc("/positions", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, ctrl.Status().OpenPositions)
	})

	// ── Control Plane ──
	mux.HandleFunc("/control/pause", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		ctrl.Pause()
		writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
	})

	mux.HandleFunc("/control/resume", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		ctrl.Resume()
		writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
	})

	mux.HandleFunc("/control/close", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		token := r.URL.Query().Get("token")
		if token == "" {
			http.Error(w, "token required", http.StatusBadRequest)
			return
		}
		log.Warn().Str("token", token).Msg("http: manual close requested")

		// The sell itself is detached from the caller; this bounds the wait.
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Minute)
		defer cancel()
		res, err := ctrl.ClosePosition(ctx, token)
		switch {
		case errors.Is(err, engine.ErrNoPosition):
			http.Error(w, err.Error(), http.StatusNotFound)
		case err != nil:
			writeJSON(w, http.StatusBadGateway, res)
		default:
			writeJSON(w, http.StatusOK, res)
		}
	})

	if ws != nil {
		mux.Handle("/ws", ws)
	}
	return mux
}
