package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cgtelemetry/cg-ingest/internal/storage"
)

// BrokerStatus abstracts the MQTT connection-state check for testability.
type BrokerStatus interface {
	Connected() bool
}

// DBChecker abstracts the database health check for testability.
type DBChecker interface {
	Ping(ctx context.Context) error
}

// CatalogSnapshotter exposes the loaded register catalog for the debug dump.
type CatalogSnapshotter interface {
	Snapshot() []storage.CatalogEntry
}

type Server struct {
	srv       *http.Server
	dbChecker DBChecker
	broker    BrokerStatus
	catalog   CatalogSnapshotter
	logger    *zap.Logger

	zstdEncoder *zstd.Encoder
}

func NewServer(addr string, dbChecker DBChecker, broker BrokerStatus, cat CatalogSnapshotter, logger *zap.Logger) *Server {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		logger.Fatal("failed to build zstd encoder", zap.Error(err))
	}

	s := &Server{
		dbChecker:   dbChecker,
		broker:      broker,
		catalog:     cat,
		logger:      logger,
		zstdEncoder: enc,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/debug/catalog", s.handleDebugCatalog)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// handleDebugCatalog dumps the loaded register catalog as zstd-compressed
// JSON, mirroring how the teacher compresses bulk diagnostic payloads.
func (s *Server) handleDebugCatalog(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		http.Error(w, "catalog not available", http.StatusServiceUnavailable)
		return
	}
	body, err := json.Marshal(s.catalog.Snapshot())
	if err != nil {
		http.Error(w, "failed to marshal catalog", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/zstd")
	w.WriteHeader(http.StatusOK)
	w.Write(s.zstdEncoder.EncodeAll(body, nil))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	if s.dbChecker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.dbChecker.Ping(ctx); err != nil {
			checks["postgres"] = "error"
			allOK = false
		} else {
			checks["postgres"] = "ok"
		}
	} else {
		checks["postgres"] = "error"
		allOK = false
	}

	if s.broker != nil && s.broker.Connected() {
		checks["mqtt"] = "ok"
	} else {
		checks["mqtt"] = "disconnected"
		allOK = false
	}

	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}
