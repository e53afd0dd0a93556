// Package httpserver is the outer HTTP surface: health probes, metrics,
// the auth endpoints and the WebSocket upgrade path.
package httpserver

import (
	"net/http"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatgram/internal/docstore"
	"chatgram/internal/identity"
	"chatgram/internal/ws"
)

func NewHandler(logger *slog.Logger, store *docstore.Store, ids *identity.Service, gateway *ws.Gateway) http.Handler {
	mux := http.NewServeMux()
	api := newV1API(logger, ids)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := store.Ready(r.Context()); err != nil {
			logger.Warn("ready check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/v1/ws", gateway.Handler())
	mux.HandleFunc("/v1/auth/", api.handleAuth)

	return chain(
		mux,
		recoverMiddleware(logger),
		requestLogMiddleware(logger),
		corsMiddleware(),
	)
}
