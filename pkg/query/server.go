package query

import (
	"cmp"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Server is the read API: GET /pages?url= (or ?key=) and GET /healthz.
type Server struct {
	coord  *Coordinator
	logger *zap.Logger
}

func NewServer(coord *Coordinator, logger *zap.Logger) *Server {
	return &Server{coord: coord, logger: logger}
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /pages", s.handlePages)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// pageResponse wraps a read result for the wire. Record is the cached JSON
// value verbatim; it is absent for pending results.
type pageResponse struct {
	Key    string          `json:"key"`
	Status Status          `json:"status"`
	Source Source          `json:"source"`
	Record json.RawMessage `json:"record,omitempty"`
}

func (s *Server) handlePages(w http.ResponseWriter, r *http.Request) {
	var (
		res   Result
		err   error
		start = time.Now()
	)

	switch {
	case r.URL.Query().Get("url") != "":
		res, err = s.coord.ReadURL(r.Context(), r.URL.Query().Get("url"))
	case r.URL.Query().Get("key") != "":
		res, err = s.coord.Read(r.Context(), r.URL.Query().Get("key"))
	default:
		http.Error(w, "url or key query parameter required", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.logger.Error("page read failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	s.logger.Debug("page read",
		zap.String("key", res.Key),
		zap.String("status", string(res.Status)),
		zap.String("source", string(res.Source)),
		zap.Duration("took", time.Since(start)))

	status := http.StatusOK
	if res.Status == StatusPending {
		status = http.StatusAccepted
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(pageResponse{ //nolint:errcheck
		Key:    res.Key,
		Status: res.Status,
		Source: res.Source,
		Record: res.Value,
	})
}

// ServerOpts tunes the HTTP listener.
type ServerOpts struct {
	Addr              string
	ShutdownTimeout   time.Duration
	ReadHeaderTimeout time.Duration
}

// Start serves the API until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, wg *sync.WaitGroup, opts ServerOpts) {
	opts.Addr = cmp.Or(opts.Addr, ":8080")
	opts.ShutdownTimeout = cmp.Or(opts.ShutdownTimeout, 5*time.Second)
	opts.ReadHeaderTimeout = cmp.Or(opts.ReadHeaderTimeout, 3*time.Second)

	server := &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
	}

	serverClosed := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.logger.Info("starting query server", zap.String("addr", opts.Addr))
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("query server error", zap.Error(err))
		}
		close(serverClosed)
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("error shutting down query server", zap.Error(err))
		}

		select {
		case <-serverClosed:
			s.logger.Info("query server shutdown complete")
		case <-shutdownCtx.Done():
			s.logger.Warn("query server shutdown timed out")
		}
	}()
}
