// Package bus carries action requests in and outcome reports out over NATS.
package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/remotelabz/remotelabz-worker-sub000/internal/dispatch"
	"github.com/remotelabz/remotelabz-worker-sub000/internal/models"
)

// Conn is the part of *nats.Conn the bus uses.
type Conn interface {
	Publish(subject string, data []byte) error
	ChanQueueSubscribe(subject, queue string, ch chan *nats.Msg) (*nats.Subscription, error)
}

// Handler processes one decoded request.
type Handler interface {
	Handle(ctx context.Context, req models.ActionRequest) error
}

// Config names the subjects and the consumer pool.
type Config struct {
	ActionSubject    string
	StateSubject     string
	HandshakeSubject string
	QueueGroup       string
	Workers          int
	WorkerName       string
	// Version is carried by the handshake.
	Version string
}

// Handshake is announced once the worker is ready for requests.
type Handshake struct {
	ID      string `json:"id"`
	Version string `json:"version,omitempty"`
}

// Bus publishes outcomes and feeds requests to a worker pool.
type Bus struct {
	conn    Conn
	cfg     Config
	logger  logrus.FieldLogger
	metrics *dispatch.Metrics
}

func New(conn Conn, cfg Config, logger logrus.FieldLogger, metrics *dispatch.Metrics) *Bus {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Bus{conn: conn, cfg: cfg, logger: logger, metrics: metrics}
}

// Connect dials NATS with unlimited reconnects, logging connection changes.
func Connect(url, name string, logger logrus.FieldLogger) (*nats.Conn, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.WithError(err).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("url", nc.ConnectedUrl()).Info("nats reconnected")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

// Publish sends an outcome report on the state subject.
func (b *Bus) Publish(ctx context.Context, report models.OutcomeReport) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	return b.conn.Publish(b.cfg.StateSubject, data)
}

// Announce publishes the handshake. An empty handshake subject disables it.
func (b *Bus) Announce(version string) error {
	if b.cfg.HandshakeSubject == "" {
		return nil
	}
	data, err := json.Marshal(Handshake{ID: b.cfg.WorkerName, Version: version})
	if err != nil {
		return fmt.Errorf("encode handshake: %w", err)
	}
	b.logger.WithField("id", b.cfg.WorkerName).Info("dispatching handshake")
	return b.conn.Publish(b.cfg.HandshakeSubject, data)
}

// Consume subscribes to the action subject in the queue group, announces
// the worker and hands each message to h from Workers goroutines. It blocks
// until ctx is done. Requests already being handled run to completion.
func (b *Bus) Consume(ctx context.Context, h Handler) error {
	ch := make(chan *nats.Msg, b.cfg.Workers*4)
	sub, err := b.conn.ChanQueueSubscribe(b.cfg.ActionSubject, b.cfg.QueueGroup, ch)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.cfg.ActionSubject, err)
	}
	b.logger.WithFields(logrus.Fields{
		"subject": b.cfg.ActionSubject,
		"queue":   b.cfg.QueueGroup,
		"workers": b.cfg.Workers,
	}).Info("consuming actions")
	if err := b.Announce(b.cfg.Version); err != nil {
		b.logger.WithError(err).Warn("handshake failed")
	}

	stop := make(chan struct{})
	hctx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for i := 0; i < b.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case msg := <-ch:
					b.handle(hctx, h, msg)
				case <-stop:
					b.drain(hctx, h, ch)
					return
				}
			}
		}()
	}

	<-ctx.Done()
	// No delivery lands in ch once the subscription is gone, so the
	// workers can empty it and stop.
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			b.logger.WithError(err).Warn("unsubscribe failed")
		}
	}
	close(stop)
	wg.Wait()
	return nil
}

// drain handles every message already delivered to ch.
func (b *Bus) drain(ctx context.Context, h Handler, ch <-chan *nats.Msg) {
	for {
		select {
		case msg := <-ch:
			b.handle(ctx, h, msg)
		default:
			return
		}
	}
}

func (b *Bus) handle(ctx context.Context, h Handler, msg *nats.Msg) {
	if msg == nil {
		return
	}
	req, err := Decode(msg.Data)
	if err != nil {
		b.metrics.IncDecodeFailure()
		b.logger.WithError(err).WithField("subject", msg.Subject).Error("dropping undecodable request")
		return
	}
	if err := h.Handle(ctx, req); err != nil {
		b.logger.WithFields(logrus.Fields{"uuid": req.UUID, "action": req.Action}).WithError(err).Error("handle request")
	}
}

// Decode parses one inbound request. A request with a missing or unknown
// action still decodes; the dispatcher answers it with an error outcome.
func Decode(data []byte) (models.ActionRequest, error) {
	if trimmed := bytes.TrimSpace(data); len(trimmed) == 0 || trimmed[0] != '{' {
		return models.ActionRequest{}, errors.New("decode request: not a JSON object")
	}
	var req models.ActionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return models.ActionRequest{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}
