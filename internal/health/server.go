package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Checker supplies the probes served by the health endpoints. Nil probes are skipped.
type Checker struct {
	DBPing  func(ctx context.Context) error
	RPCPing func(ctx context.Context) error
	// State reports the subscription lifecycle state; the engine is ready once it returns Ready.
	State func() string
	Ready string
}

// Handler serves /healthz with store and node probes and /readyz with the lifecycle state.
func Handler(checker Checker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := map[string]string{"status": "ok"}
		code := http.StatusOK

		if checker.DBPing != nil {
			if err := checker.DBPing(ctx); err != nil {
				status["db"] = "fail"
				code = http.StatusServiceUnavailable
			} else {
				status["db"] = "ok"
			}
		}
		if checker.RPCPing != nil {
			if err := checker.RPCPing(ctx); err != nil {
				status["rpc"] = "fail"
				code = http.StatusServiceUnavailable
			} else {
				status["rpc"] = "ok"
			}
		}
		if checker.State != nil {
			status["state"] = checker.State()
		}

		writeJSON(w, code, status)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if checker.State == nil {
			writeJSON(w, http.StatusOK, map[string]string{"state": "unknown"})
			return
		}
		state := checker.State()
		code := http.StatusOK
		if state != checker.Ready {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]string{"state": state})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, code int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// Serve starts the health endpoints on addr.
func Serve(addr string, checker Checker) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(checker),
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

// Shutdown gracefully shuts down the health server.
func Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
