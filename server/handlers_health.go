package server

import (
	"fmt"
	"net/http"

	"github.com/onnwee/kickchat/realtime"
)

// HandleHealthz responds to liveness probe requests. With a database it also checks connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.opts.DB != nil {
		if err := h.opts.DB.PingContext(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type readinessCheck struct {
	name string
	fn   func() error
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	var checks []readinessCheck
	if h.opts.DB != nil {
		checks = append(checks, readinessCheck{"database", func() error { return h.opts.DB.PingContext(r.Context()) }})
	}
	if h.opts.Session != nil {
		st := h.opts.Session.Status()
		checks = append(checks,
			readinessCheck{"chat", func() error {
				if st.Transport != realtime.StateSubscribed.String() {
					return fmt.Errorf("chat transport %s", st.Transport)
				}
				return nil
			}},
			readinessCheck{"credentials", func() error {
				if !st.HasOAuth {
					return fmt.Errorf("missing OAuth tokens")
				}
				return nil
			}},
		)
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus returns the session summary.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.opts.Session == nil {
		writeJSON(w, http.StatusOK, map[string]string{"transport": realtime.StateIdle.String()})
		return
	}
	writeJSON(w, http.StatusOK, h.opts.Session.Status())
}
