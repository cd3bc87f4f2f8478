// Package server assembles the file server from configuration.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"patchd/internal/api"
	"patchd/internal/catalog"
	"patchd/internal/compress"
	"patchd/internal/config"
	"patchd/internal/fetch"
	"patchd/internal/inventory"
	"patchd/internal/logging"
	"patchd/internal/middleware"
	"patchd/internal/service"
	"patchd/internal/snapshot"
	"patchd/internal/watch"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-git/go-billy/v5/osfs"
	"go.uber.org/zap"
)

type Server struct {
	cfg       *config.Config
	logger    *logging.Logger
	db        *badger.DB
	root      string
	scanner   *inventory.Scanner
	publisher *snapshot.Publisher
	handler   http.Handler
}

// New opens the catalog and wires the service. Nothing is scanned until
// Run or Publish.
func New(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	root, err := filepath.Abs(cfg.Tree.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving root: %w", err)
	}

	db, err := catalog.Open(cfg.Database.Path, cfg.Database.InMemory)
	if err != nil {
		return nil, err
	}
	history := catalog.New(db)

	compressor, err := compress.NewManager(compress.Options{Level: cfg.Fetch.CompressionLevel})
	if err != nil {
		db.Close()
		return nil, err
	}
	fetcher, err := fetch.NewFetcher(compressor, fetch.Options{
		MaxChunkSize: cfg.Fetch.MaxChunkSize,
		CacheSize:    cfg.Fetch.CacheSize,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	source := fetch.NewFSSource(osfs.New(root))
	scanner := inventory.NewScanner(source.Filesystem(), inventory.ScanOptions{
		Ignore:  cfg.Tree.Ignore,
		Workers: cfg.Tree.Workers,
	}, logger.Component("scanner"))

	holder := &snapshot.Holder{}
	publisher := snapshot.NewPublisher(holder, scanner, history, root, logger.Component("publisher"))
	publisher.OnSwap(func(prev, next *snapshot.Snapshot) { fetcher.Purge() })
	svc := service.New(holder, source, fetcher, logger.Component("service"))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthCheck)
	api.NewFileServerHandler(svc, publisher, history).Register(mux)

	handler := middleware.Chain(
		mux,
		middleware.Recover(logger),
		middleware.Snapshot(func() string {
			if snap := holder.Current(); snap != nil {
				return snap.ID
			}
			return ""
		}),
		middleware.Logger(logger),
		middleware.RequestID,
	)

	return &Server{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		root:      root,
		scanner:   scanner,
		publisher: publisher,
		handler:   handler,
	}, nil
}

// Handler is the full HTTP handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Publish scans the root and installs a new snapshot.
func (s *Server) Publish(ctx context.Context) (*snapshot.Snapshot, error) {
	return s.publisher.Publish(ctx)
}

// Run publishes the first snapshot, starts the watcher if enabled, and
// serves HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if _, err := s.Publish(ctx); err != nil {
		return fmt.Errorf("initial snapshot: %w", err)
	}

	if s.cfg.Watch.Enabled {
		w, err := watch.New(s.root, s.cfg.Watch.Debounce, s.scanner.ShouldIgnore, s.publisher, s.logger.Component("watch"))
		if err != nil {
			return err
		}
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("watcher stopped", zap.Error(err))
			}
		}()
	}

	srv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server",
			zap.String("address", srv.Addr),
			zap.String("root", s.root),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("shutting down server")
		return srv.Shutdown(shutdownCtx)
	}
}

// Close releases the catalog database.
func (s *Server) Close() error {
	return s.db.Close()
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"healthy"}`))
}
