// Package mqtt wraps paho.mqtt.golang with the callback -> bounded queue
// boundary the supervisor depends on, and the reconnect/backoff schedule
// from the concurrency model.
package mqtt

import (
	"context"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/cgtelemetry/cg-ingest/internal/config"
	"github.com/cgtelemetry/cg-ingest/internal/metrics"
)

// Message is one delivered broker message, timestamped at the callback.
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Client owns the paho handle and the connection-state bit the health
// endpoint reads. Messages are delivered via a bounded queue: on a full
// queue the callback either blocks or drops the oldest pending message,
// per ingest.drop_oldest.
type Client struct {
	opts   *paho.ClientOptions
	client paho.Client
	logger *zap.Logger

	queue      chan Message
	dropOldest bool

	connected atomic.Bool
}

var backoffSchedule = []time.Duration{
	1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second,
}

func New(cfg config.MQTTConfig, queueMax int, dropOldest bool, logger *zap.Logger) (*Client, error) {
	tlsCfg, err := cfg.BuildTLSConfig()
	if err != nil {
		return nil, err
	}

	c := &Client{
		logger:     logger,
		queue:      make(chan Message, queueMax),
		dropOldest: dropOldest,
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL()).
		SetClientID(cfg.ClientID).
		SetKeepAlive(time.Duration(cfg.KeepAliveSec) * time.Second).
		SetConnectTimeout(time.Duration(cfg.ConnectTimeoutSec) * time.Second).
		SetAutoReconnect(false). // the supervisor's reconnect loop owns backoff
		SetOnConnectHandler(func(paho.Client) {
			c.connected.Store(true)
			logger.Info("mqtt connected")
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.connected.Store(false)
			logger.Warn("mqtt connection lost", zap.Error(err))
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if tlsCfg != nil {
		opts.SetTLSConfig(tlsCfg)
	}

	c.opts = opts
	c.client = paho.NewClient(opts)
	return c, nil
}

// Connect blocks until the initial connection succeeds or ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	token := c.client.Connect()
	return waitToken(ctx, token)
}

// Subscribe wires topicGPS and topicDecoded onto the handler that enqueues
// onto Client's bounded queue; the handler runs on paho's own goroutine and
// must never block on anything but the queue send itself.
func (c *Client) Subscribe(ctx context.Context, topicGPS, topicDecoded string) error {
	handler := func(_ paho.Client, m paho.Message) {
		msg := Message{Topic: m.Topic(), Payload: m.Payload(), ReceivedAt: time.Now()}
		if c.dropOldest {
			select {
			case c.queue <- msg:
			default:
				select {
				case <-c.queue:
					metrics.QueueDroppedTotal.WithLabelValues("broker").Inc()
				default:
				}
				select {
				case c.queue <- msg:
				default:
				}
			}
			return
		}
		c.queue <- msg
	}

	for _, topic := range []string{topicGPS, topicDecoded} {
		token := c.client.Subscribe(topic, 1, handler)
		if err := waitToken(ctx, token); err != nil {
			return err
		}
	}
	return nil
}

// Messages returns the channel ingest workers range over.
func (c *Client) Messages() <-chan Message { return c.queue }

func (c *Client) Connected() bool { return c.connected.Load() }

func (c *Client) Disconnect(quiesceMs uint) {
	c.client.Disconnect(quiesceMs)
}

// ReconnectLoop retries Connect/Subscribe using the exponential backoff
// schedule (1s, 2s, 5s, 10s, 30s, capped) until ctx is cancelled.
func ReconnectLoop(ctx context.Context, c *Client, topicGPS, topicDecoded string, logger *zap.Logger) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if c.Connected() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}

		err := c.Connect(ctx)
		if err == nil {
			err = c.Subscribe(ctx, topicGPS, topicDecoded)
		}
		if err == nil {
			attempt = 0
			continue
		}

		delay := backoffSchedule[len(backoffSchedule)-1]
		if attempt < len(backoffSchedule) {
			delay = backoffSchedule[attempt]
		}
		logger.Warn("mqtt reconnect failed, backing off", zap.Error(err), zap.Duration("delay", delay))
		attempt++

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func waitToken(ctx context.Context, token paho.Token) error {
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-done:
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
