package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	offlinegateway "github.com/always-cache/offline-gateway"
	"github.com/always-cache/offline-gateway/metrics"
	"github.com/always-cache/offline-gateway/pkg/notify"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

const eventsKeepalive = 30 * time.Second

// newRouter mounts the control surface next to the gateway itself.
// Everything outside /.ogw and /metrics is handled by the gateway.
func newRouter(gw *offlinegateway.Gateway, hub *notify.Hub, recorder *metrics.Recorder) http.Handler {
	r := chi.NewRouter()

	r.Get("/.ogw/status", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, gw.Status())
	})

	r.Post("/.ogw/activate", func(w http.ResponseWriter, req *http.Request) {
		gw.ForceActivateNow()
		writeJSON(w, http.StatusAccepted, gw.Status())
	})

	r.Post("/.ogw/sync", func(w http.ResponseWriter, req *http.Request) {
		delivered := gw.BroadcastSync()
		writeJSON(w, http.StatusOK, map[string]int{"delivered": delivered})
	})

	r.Post("/.ogw/refresh", func(w http.ResponseWriter, req *http.Request) {
		if err := gw.RefreshShell(req.Context()); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusAccepted, gw.Status())
	})

	r.Get("/.ogw/events", serveEvents(hub, recorder))

	r.Handle("/metrics", recorder.Handler())

	r.Handle("/*", gw)

	return r
}

// serveEvents streams hub messages to one instance as server-sent events.
// The instance stays attached for the lifetime of the connection; the
// last detach is what triggers a pending generation takeover.
func serveEvents(hub *notify.Hub, recorder *metrics.Recorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		instance := hub.Attach()
		recorder.SetInstances(hub.Instances())
		defer func() {
			hub.Detach(instance.ID)
			recorder.SetInstances(hub.Instances())
		}()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		fmt.Fprintf(w, "event: attached\ndata: {\"instance\":%q}\n\n", instance.ID)
		flusher.Flush()

		keepalive := time.NewTicker(eventsKeepalive)
		defer keepalive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case msg, open := <-instance.C:
				if !open {
					return
				}
				payload, err := json.Marshal(msg)
				if err != nil {
					log.Error().Err(err).Msg("Cannot encode hub message")
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", payload)
				flusher.Flush()
			case <-keepalive.C:
				fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Cannot encode response body")
	}
}
