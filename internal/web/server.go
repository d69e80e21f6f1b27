// Package web serves the daemon's HTTP status and control API.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sensorhub/internal/errcode"
	"sensorhub/internal/hub"
	"sensorhub/internal/sensor"
)

// Controller is the slice of the hub the API drives. Implementations must be
// safe for concurrent use.
type Controller interface {
	Snapshot() hub.Snapshot
	Enable(ctx context.Context, id sensor.ID, on bool) error
	SetInterval(ctx context.Context, id sensor.ID, d time.Duration) error
	ForceReset(ctx context.Context) bool
}

func Handler(ctl Controller, logs *LogBuffer) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, ctl.Snapshot())
	})

	mux.HandleFunc("/api/reset", func(w http.ResponseWriter, r *http.Request) {
		if !requirePost(w, r) {
			return
		}
		ran := ctl.ForceReset(r.Context())
		writeJSON(w, map[string]bool{"ok": true, "reset": ran})
	})

	mux.HandleFunc("/api/sensors/enable", func(w http.ResponseWriter, r *http.Request) {
		if !requirePost(w, r) {
			return
		}
		id, ok := sensorParam(w, r)
		if !ok {
			return
		}
		on, err := strconv.ParseBool(r.URL.Query().Get("on"))
		if err != nil {
			http.Error(w, "on must be a bool", http.StatusBadRequest)
			return
		}
		if err := ctl.Enable(r.Context(), id, on); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, map[string]bool{"ok": true})
	})

	mux.HandleFunc("/api/sensors/interval", func(w http.ResponseWriter, r *http.Request) {
		if !requirePost(w, r) {
			return
		}
		id, ok := sensorParam(w, r)
		if !ok {
			return
		}
		d, err := time.ParseDuration(r.URL.Query().Get("period"))
		if err != nil || d <= 0 {
			http.Error(w, "period must be a positive duration", http.StatusBadRequest)
			return
		}
		if err := ctl.SetInterval(r.Context(), id, d); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, map[string]bool{"ok": true})
	})

	if logs != nil {
		mux.Handle("/api/logs", logs.Handler())
	}
	return mux
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func sensorParam(w http.ResponseWriter, r *http.Request) (sensor.ID, bool) {
	id, err := sensor.Parse(strings.TrimSpace(r.URL.Query().Get("name")))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// statusFor maps a driver error code to an HTTP status.
func statusFor(err error) int {
	switch errcode.Of(err) {
	case errcode.InvalidArgument:
		return http.StatusBadRequest
	case errcode.Busy, errcode.NotConnected:
		return http.StatusConflict
	case errcode.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeErr(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(err))
	b, _ := json.Marshal(map[string]string{"error": err.Error(), "code": string(errcode.Of(err))})
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}
