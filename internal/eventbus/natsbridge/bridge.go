// Package natsbridge forwards in-process bus events to NATS so external
// tools can follow the pipeline. Subjects are "<prefix>.<event type>",
// e.g. "rentwatch.item.notified". Payloads are JSON envelopes and carry the
// trace context in message headers.
package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"rentwatch/internal/eventbus"
	logx "rentwatch/pkg/logx"
)

const (
	DefaultPrefix = "rentwatch"
	bufferSize    = 256
)

type Config struct {
	URL           string
	SubjectPrefix string
	// Name is the client connection name shown by the server.
	Name string
}

// Envelope is the published message body.
type Envelope struct {
	Type string          `json:"type"`
	Time time.Time       `json:"time"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Bridge struct {
	nc     *nats.Conn
	prefix string
	log    logx.Logger
	owned  bool
}

// Connect dials the server and returns a bridge that owns the connection.
func Connect(cfg Config, log logx.Logger) (*Bridge, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("natsbridge: url is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	name := cfg.Name
	if name == "" {
		name = "rentwatch"
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", logx.Err(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", logx.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, err
	}
	b := New(nc, cfg.SubjectPrefix, log)
	b.owned = true
	return b, nil
}

// New wraps an existing connection. Close does not close it.
func New(nc *nats.Conn, prefix string, log logx.Logger) *Bridge {
	if log.IsZero() {
		log = logx.Nop()
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Bridge{nc: nc, prefix: prefix, log: log}
}

// Subject returns the subject an event type is published on.
func (b *Bridge) Subject(eventType string) string {
	return b.prefix + "." + eventType
}

// Run forwards bus events until ctx is cancelled or the bus closes the
// subscription. Publish failures are logged and the event is dropped.
func (b *Bridge) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(bufferSize)
	defer unsub()
	b.log.Info("nats bridge started", logx.String("prefix", b.prefix))

	for {
		select {
		case <-ctx.Done():
			if err := b.nc.FlushTimeout(2 * time.Second); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				b.log.Debug("nats flush failed", logx.Err(err))
			}
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if err := b.Publish(ctx, e); err != nil {
				b.log.Warn("nats publish failed", logx.String("type", e.Type), logx.Err(err))
			}
		}
	}
}

// Publish sends one event.
func (b *Bridge) Publish(ctx context.Context, e eventbus.Event) error {
	env := Envelope{Type: e.Type, Time: e.Time}
	if e.Data != nil {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return err
		}
		env.Data = data
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	msg := &nats.Msg{Subject: b.Subject(e.Type), Data: body}
	otel.GetTextMapPropagator().Inject(ctx, (*headerCarrier)(msg))
	return b.nc.PublishMsg(msg)
}

// Close drains and closes the connection when the bridge owns it.
func (b *Bridge) Close() {
	if !b.owned || b.nc == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
}

// headerCarrier adapts nats.Msg headers for OTel propagation.
type headerCarrier nats.Msg

func (c *headerCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *headerCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *headerCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}
