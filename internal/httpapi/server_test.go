package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/cgtelemetry/cg-ingest/internal/storage"
)

type mockBroker struct {
	connected bool
}

func (m *mockBroker) Connected() bool { return m.connected }

type mockDBChecker struct {
	err error
}

func (m *mockDBChecker) Ping(_ context.Context) error { return m.err }

type mockCatalog struct {
	entries []storage.CatalogEntry
}

func (m *mockCatalog) Snapshot() []storage.CatalogEntry { return m.entries }

func newTestServer(brokerConnected bool, db DBChecker) *Server {
	logger := zap.NewNop()
	return NewServer(":0", db, &mockBroker{connected: brokerConnected}, nil, logger)
}

func TestHealthz_AlwaysOK(t *testing.T) {
	s := newTestServer(false, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	s.handleHealthz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got '%s'", body["status"])
	}
}

func TestHealthz_ContentType(t *testing.T) {
	s := newTestServer(false, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	s.handleHealthz(w, req)

	ct := w.Header().Get("Content-Type")
	if ct != "application/json" {
		t.Errorf("expected Content-Type 'application/json', got '%s'", ct)
	}
}

func TestReadyz_NotReady_BrokerDisconnected(t *testing.T) {
	s := newTestServer(false, &mockDBChecker{})
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "not_ready" {
		t.Errorf("expected status 'not_ready', got '%v'", body["status"])
	}

	checks := body["checks"].(map[string]any)
	if checks["mqtt"] != "disconnected" {
		t.Errorf("expected mqtt 'disconnected', got '%v'", checks["mqtt"])
	}
}

func TestReadyz_BrokerConnectedButDBDown(t *testing.T) {
	s := newTestServer(true, nil)
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 (DB down), got %d", w.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	checks := body["checks"].(map[string]any)
	if checks["mqtt"] != "ok" {
		t.Errorf("expected mqtt 'ok', got '%v'", checks["mqtt"])
	}
	if checks["postgres"] != "error" {
		t.Errorf("expected postgres 'error', got '%v'", checks["postgres"])
	}
}

func TestReadyz_ContentType(t *testing.T) {
	s := newTestServer(false, nil)
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	ct := w.Header().Get("Content-Type")
	if ct != "application/json" {
		t.Errorf("expected Content-Type 'application/json', got '%s'", ct)
	}
}

func TestReadyz_AllHealthy(t *testing.T) {
	db := &mockDBChecker{err: nil}
	s := newTestServer(true, db)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ready" {
		t.Errorf("expected status 'ready', got '%v'", body["status"])
	}

	checks := body["checks"].(map[string]any)
	if checks["postgres"] != "ok" {
		t.Errorf("expected postgres 'ok', got '%v'", checks["postgres"])
	}
	if checks["mqtt"] != "ok" {
		t.Errorf("expected mqtt 'ok', got '%v'", checks["mqtt"])
	}
}

func TestDebugCatalog_NoCatalogConfiguredReturns503(t *testing.T) {
	s := newTestServer(false, nil)
	req := httptest.NewRequest(http.MethodGet, "/debug/catalog", nil)
	w := httptest.NewRecorder()

	s.handleDebugCatalog(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestDebugCatalog_ReturnsDecompressableJSON(t *testing.T) {
	logger := zap.NewNop()
	cat := &mockCatalog{entries: []storage.CatalogEntry{
		{EquipType: "1", Addr: 40001, NameDefault: "voltage", ValueKind: storage.ValueAnalog},
	}}
	s := NewServer(":0", nil, &mockBroker{}, cat, logger)

	req := httptest.NewRequest(http.MethodGet, "/debug/catalog", nil)
	w := httptest.NewRecorder()

	s.handleDebugCatalog(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/zstd" {
		t.Errorf("expected Content-Type 'application/zstd', got '%s'", ct)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatalf("failed to build zstd decoder: %v", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(w.Body.Bytes(), nil)
	if err != nil {
		t.Fatalf("failed to decompress body: %v", err)
	}

	var entries []storage.CatalogEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		t.Fatalf("failed to unmarshal decompressed body: %v", err)
	}
	if len(entries) != 1 || entries[0].NameDefault != "voltage" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}
