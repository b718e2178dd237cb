// Package supervisor owns the broker connection, the bounded ingest
// queue, the worker pool, the watchdog, the retention sweeper, and the
// reconnect loop — the single place holding the process's in-memory
// state, replacing the module-level globals the teacher's pipelines used.
package supervisor

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cgtelemetry/cg-ingest/internal/config"
	"github.com/cgtelemetry/cg-ingest/internal/metrics"
	cgmqtt "github.com/cgtelemetry/cg-ingest/internal/mqtt"
	"github.com/cgtelemetry/cg-ingest/internal/retention"
	"github.com/cgtelemetry/cg-ingest/internal/router"
	"github.com/cgtelemetry/cg-ingest/internal/storage"
	"github.com/cgtelemetry/cg-ingest/internal/watchdog"
)

type Supervisor struct {
	cfg      *config.Config
	store    storage.Port
	client   *cgmqtt.Client
	watchdog *watchdog.Watchdog
	sweeper  *retention.Sweeper
	logger   *zap.Logger

	routers []*router.Router // one per worker partition

	wg       sync.WaitGroup
	fatal    chan error
	fatalErr error
}

func New(cfg *config.Config, store storage.Port, client *cgmqtt.Client, wd *watchdog.Watchdog, sweeper *retention.Sweeper, routers []*router.Router, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		store:    store,
		client:   client,
		watchdog: wd,
		sweeper:  sweeper,
		routers:  routers,
		logger:   logger,
		fatal:    make(chan error, 1),
	}
}

// FatalErr returns the FatalError that caused Run to shut down, or nil if
// Run returned because ctx was cancelled from outside (an OS signal).
// Only valid to call after Run has returned.
func (s *Supervisor) FatalErr() error {
	return s.fatalErr
}

// Run starts the reconnect loop, the ingest workers, the watchdog, and
// the retention sweeper, and blocks until ctx is cancelled or a worker
// reports a FatalError from the persistence port — in which case Run
// calls cancel itself to unwind every other goroutine before returning.
// Each worker owns one partition's Router exclusively, so messages for
// the same router_sn are always handled by the same worker and in
// delivery order.
func (s *Supervisor) Run(ctx context.Context, cancel context.CancelFunc) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		cgmqtt.ReconnectLoop(ctx, s.client, s.cfg.MQTT.TopicGPS, s.cfg.MQTT.TopicDecoded, s.logger.Named("mqtt"))
	}()

	workerCount := len(s.routers)
	partitioned := make([]chan cgmqtt.Message, workerCount)
	for i := range partitioned {
		partitioned[i] = make(chan cgmqtt.Message, s.cfg.Ingest.QueueMax/workerCount+1)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatch(ctx, partitioned)
	}()

	for i := 0; i < workerCount; i++ {
		s.wg.Add(1)
		go func(idx int) {
			defer s.wg.Done()
			s.worker(ctx, s.routers[idx], partitioned[idx])
		}(i)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watchdog.Run(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweeper.Run(ctx)
	}()

	s.awaitShutdown(ctx, cancel)
}

// awaitShutdown blocks until ctx is cancelled from outside or a worker
// reports a FatalError; in the latter case it records the error and
// cancels ctx itself. Split out from Run so the shutdown-trigger logic
// can be exercised without spinning up the broker/watchdog/sweeper
// goroutines.
func (s *Supervisor) awaitShutdown(ctx context.Context, cancel context.CancelFunc) {
	select {
	case <-ctx.Done():
		s.logger.Info("supervisor: shutdown signal received, draining")
	case err := <-s.fatal:
		s.fatalErr = err
		s.logger.Error("supervisor: fatal persistence error, shutting down", zap.Error(err))
		cancel()
	}
}

// dispatch reads the client's single inbound queue and fans messages out
// to the per-worker partition by hash(router_sn) mod worker_count,
// preserving per-router_sn ordering.
func (s *Supervisor) dispatch(ctx context.Context, partitioned []chan cgmqtt.Message) {
	defer func() {
		for _, ch := range partitioned {
			close(ch)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.client.Messages():
			if !ok {
				return
			}
			sn := routerSNFromTopic(msg.Topic)
			idx := int(fnvHash(sn) % uint32(len(partitioned)))
			select {
			case partitioned[idx] <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Supervisor) worker(ctx context.Context, r *router.Router, in <-chan cgmqtt.Message) {
	for msg := range in {
		opCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.Ingest.OpTimeoutSec)*time.Second)
		err := s.handleWithRetries(opCtx, r, msg)
		cancel()
		if err == nil {
			continue
		}

		var fatal *storage.FatalError
		if errors.As(err, &fatal) {
			s.logger.Error("ingest worker: fatal persistence error, triggering shutdown",
				zap.String("topic", msg.Topic), zap.Error(err))
			select {
			case s.fatal <- err:
			default:
			}
			return
		}

		s.logger.Error("ingest worker: dropping message after exhausting retries",
			zap.String("topic", msg.Topic), zap.Error(err))
		metrics.MessagesDroppedTotal.WithLabelValues("persistence_exhausted").Inc()
	}
}

func (s *Supervisor) handleWithRetries(ctx context.Context, r *router.Router, msg cgmqtt.Message) error {
	var err error
	for attempt := 0; attempt <= s.cfg.Ingest.OpRetries; attempt++ {
		err = r.HandleMessage(ctx, msg.Topic, msg.Payload, msg.ReceivedAt)
		if err == nil {
			return nil
		}

		var transient *storage.TransientError
		if !errors.As(err, &transient) {
			return err // FatalError or unclassified: do not retry
		}

		if attempt == s.cfg.Ingest.OpRetries {
			break
		}
		metrics.DBRetriesTotal.WithLabelValues("ingest").Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(attempt)):
		}
	}
	return err
}

func backoff(attempt int) time.Duration {
	d := time.Duration(attempt+1) * 200 * time.Millisecond
	if d > 2*time.Second {
		return 2 * time.Second
	}
	return d
}

// Wait blocks until every spawned goroutine has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func routerSNFromTopic(topic string) string {
	// Both topic grammars place router_sn as the segment after "SN/".
	const marker = "/SN/"
	i := indexOf(topic, marker)
	if i < 0 {
		return topic
	}
	rest := topic[i+len(marker):]
	for j := 0; j < len(rest); j++ {
		if rest[j] == '/' {
			return rest[:j]
		}
	}
	return rest
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func fnvHash(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}
