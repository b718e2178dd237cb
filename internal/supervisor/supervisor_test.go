package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cgtelemetry/cg-ingest/internal/catalog"
	"github.com/cgtelemetry/cg-ingest/internal/clock"
	"github.com/cgtelemetry/cg-ingest/internal/config"
	"github.com/cgtelemetry/cg-ingest/internal/gpsfilter"
	cgmqtt "github.com/cgtelemetry/cg-ingest/internal/mqtt"
	"github.com/cgtelemetry/cg-ingest/internal/router"
	"github.com/cgtelemetry/cg-ingest/internal/storage"
	"github.com/cgtelemetry/cg-ingest/internal/watchdog"
)

// fatalStore fails every UpsertObject call with a FatalError, as a schema
// or constraint violation would.
type fatalStore struct {
	storage.Port
}

func (f *fatalStore) UpsertObject(_ context.Context, _ string, _ time.Time) error {
	return &storage.FatalError{Op: "upsert_object", Err: context.Canceled}
}

func (f *fatalStore) LoadCatalog(_ context.Context) (map[storage.CatalogKey]storage.CatalogEntry, error) {
	return map[storage.CatalogKey]storage.CatalogEntry{}, nil
}

func newTestRouter(store storage.Port) *router.Router {
	cat := catalog.New(&fatalStore{}, config.HistoryPolicyConfig{})
	wd := watchdog.New(clock.Real{}, store, 300, 600, 30, zap.NewNop())
	return router.New(store, cat, gpsfilter.Config{}, config.EventsPolicyConfig{}, wd, zap.NewNop())
}

func TestWorker_FatalErrorSignalsShutdownAndStops(t *testing.T) {
	store := &fatalStore{}
	sup := New(&config.Config{Ingest: config.IngestConfig{OpTimeoutSec: 1, OpRetries: 0}}, store, &cgmqtt.Client{}, nil, nil, nil, zap.NewNop())

	r := newTestRouter(store)
	in := make(chan cgmqtt.Message, 1)
	in <- cgmqtt.Message{Topic: "cg/v1/telemetry/SN/R1", Payload: []byte(`{}`), ReceivedAt: time.Now()}
	close(in)

	sup.worker(context.Background(), r, in)

	select {
	case err := <-sup.fatal:
		var fatal *storage.FatalError
		if !errors.As(err, &fatal) {
			t.Fatalf("expected a FatalError on the fatal channel, got %v", err)
		}
	default:
		t.Fatal("expected worker to signal the fatal channel")
	}
}

func TestAwaitShutdown_FatalErrorCancelsContextAndSetsFatalErr(t *testing.T) {
	store := &fatalStore{}
	sup := New(&config.Config{Ingest: config.IngestConfig{OpTimeoutSec: 1, OpRetries: 0}}, store, &cgmqtt.Client{}, nil, nil, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sup.awaitShutdown(ctx, cancel)
	}()

	wantErr := &storage.FatalError{Op: "upsert_object", Err: context.Canceled}
	sup.fatal <- wantErr

	<-done
	if sup.FatalErr() != error(wantErr) {
		t.Fatalf("expected FatalErr() to return the signalled error, got %v", sup.FatalErr())
	}
	if ctx.Err() == nil {
		t.Fatal("expected ctx to be cancelled after a fatal error")
	}
}

func TestAwaitShutdown_ExternalCancelLeavesFatalErrNil(t *testing.T) {
	store := &fatalStore{}
	sup := New(&config.Config{}, store, &cgmqtt.Client{}, nil, nil, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sup.awaitShutdown(ctx, cancel)
	}()

	cancel()
	<-done

	if sup.FatalErr() != nil {
		t.Fatalf("expected no FatalErr on an external cancel, got %v", sup.FatalErr())
	}
}

func TestRouterSNFromTopic_GPSTopic(t *testing.T) {
	sn := routerSNFromTopic("cg/v1/telemetry/SN/ABC123")
	if sn != "ABC123" {
		t.Fatalf("expected ABC123, got %q", sn)
	}
}

func TestRouterSNFromTopic_DecodedTopic(t *testing.T) {
	sn := routerSNFromTopic("cg/v1/decoded/SN/ABC123/pcc/P1")
	if sn != "ABC123" {
		t.Fatalf("expected ABC123, got %q", sn)
	}
}

func TestRouterSNFromTopic_NoMarkerFallsBackToWholeTopic(t *testing.T) {
	sn := routerSNFromTopic("unrelated/topic")
	if sn != "unrelated/topic" {
		t.Fatalf("expected fallback to whole topic, got %q", sn)
	}
}

func TestFNVHash_SameInputSameHash(t *testing.T) {
	a := fnvHash("router-1")
	b := fnvHash("router-1")
	if a != b {
		t.Fatal("expected deterministic hash for identical input")
	}
}

func TestFNVHash_PartitioningIsStableAcrossCalls(t *testing.T) {
	const workers = 4
	sn := "router-42"
	first := int(fnvHash(sn) % workers)
	for i := 0; i < 10; i++ {
		if got := int(fnvHash(sn) % workers); got != first {
			t.Fatalf("expected stable partition assignment for %q, got %d want %d", sn, got, first)
		}
	}
}

func TestBackoff_CapsAtTwoSeconds(t *testing.T) {
	if d := backoff(100); d != 2*time.Second {
		t.Fatalf("expected backoff to cap at 2s, got %v", d)
	}
	if d := backoff(0); d != 200*time.Millisecond {
		t.Fatalf("expected first backoff of 200ms, got %v", d)
	}
}
