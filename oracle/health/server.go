package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/GPTx-global/inferd/oracle/log"
)

// StatusFunc returns a JSON-encodable snapshot of runtime counters.
type StatusFunc func() any

func NewRouter(checker *Checker, status StatusFunc) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		code := http.StatusOK
		if !checker.IsHealthy() {
			code = http.StatusServiceUnavailable
		}
		WriteJSON(w, code, map[string]any{
			"healthy": code == http.StatusOK,
			"checks":  checker.Status(),
		})
	}).Methods(http.MethodGet)

	router.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if status == nil {
			WriteJSON(w, http.StatusOK, map[string]any{})
			return
		}
		WriteJSON(w, http.StatusOK, status())
	}).Methods(http.MethodGet)

	return router
}

// WriteJSON writes v with the given status code.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("failed to write response: %v", err)
	}
}

// Serve runs the HTTP server until ctx is done, then shuts it down.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("health server listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
