// Package kafka publishes telemetry to Apache Kafka.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nugget/heatsync/internal/config"
	"github.com/nugget/heatsync/internal/payload"
)

// ErrNotConnected is returned by Publish before a successful Connect.
var ErrNotConnected = errors.New("kafka writer not connected")

// Settings configures the transport.
type Settings struct {
	Kafka config.KafkaConfig

	// DeviceID keys every message so one device's readings stay ordered
	// within a partition.
	DeviceID    string
	ContentType string
	Logger      *slog.Logger
}

// Transport writes each payload as one Kafka message.
type Transport struct {
	s      Settings
	logger *slog.Logger

	// probe checks one broker; replaceable in tests.
	probe func(ctx context.Context, broker string, tc *tls.Config) error

	mu     sync.Mutex
	writer messageWriter
	alive  atomic.Bool
}

// messageWriter is the subset of *kafka.Writer the transport uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// New creates a disconnected transport.
func New(s Settings) *Transport {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	return &Transport{s: s, logger: s.Logger, probe: probeBroker}
}

// TopicName maps a slash-separated topic to a legal Kafka topic name.
func TopicName(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
}

func probeBroker(ctx context.Context, broker string, tc *tls.Config) error {
	d := &kafka.Dialer{Timeout: 10 * time.Second, TLS: tc}
	conn, err := d.DialContext(ctx, "tcp", broker)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.Brokers(); err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	return nil
}

func (t *Transport) tlsConfig() (*tls.Config, error) {
	if !t.s.Kafka.TLS.Enabled {
		return nil, nil
	}
	host := ""
	if len(t.s.Kafka.Brokers) > 0 {
		host, _, _ = net.SplitHostPort(t.s.Kafka.Brokers[0])
	}
	return t.s.Kafka.TLS.ClientConfig(host)
}

// Connect succeeds when any configured broker answers a metadata
// request. kafka-go writers connect lazily, so this probe is what tells
// the supervisor the cluster is reachable.
func (t *Transport) Connect(ctx context.Context) error {
	t.closeWriter()

	tc, err := t.tlsConfig()
	if err != nil {
		return err
	}

	var errs []error
	reached := ""
	for _, b := range t.s.Kafka.Brokers {
		if err := t.probe(ctx, b, tc); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b, err))
			continue
		}
		reached = b
		break
	}
	if reached == "" {
		return fmt.Errorf("no kafka broker reachable: %w", errors.Join(errs...))
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(t.s.Kafka.Brokers...),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: t.s.Kafka.WriteTimeout,
		MaxAttempts:  1,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			t.logger.Debug("kafka writer error", "detail", fmt.Sprintf(msg, args...))
		}),
	}
	if tc != nil {
		w.Transport = &kafka.Transport{TLS: tc}
	}

	t.mu.Lock()
	t.writer = w
	t.mu.Unlock()
	t.alive.Store(true)

	t.logger.Info("kafka connected", "broker", reached)
	return nil
}

// Message builds the Kafka record for one payload.
func (t *Transport) Message(topic string, data []byte) kafka.Message {
	headers := []kafka.Header{{Key: "schema", Value: []byte(payload.SchemaVersion)}}
	if t.s.ContentType != "" {
		headers = append(headers, kafka.Header{Key: "content-type", Value: []byte(t.s.ContentType)})
	}
	return kafka.Message{
		Topic:   TopicName(topic),
		Key:     []byte(t.s.DeviceID),
		Value:   data,
		Headers: headers,
		Time:    time.Now(),
	}
}

// Publish writes one message and waits for all in-sync replicas.
func (t *Transport) Publish(ctx context.Context, topic string, data []byte) error {
	t.mu.Lock()
	w := t.writer
	t.mu.Unlock()
	if w == nil {
		return ErrNotConnected
	}

	if err := w.WriteMessages(ctx, t.Message(topic, data)); err != nil {
		t.alive.Store(false)
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// IsConnected reports whether the last probe or write succeeded.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writer != nil && t.alive.Load()
}

// Poll is a no-op; kafka-go has no session to service.
func (t *Transport) Poll() {}

// Close flushes and closes the writer.
func (t *Transport) Close(ctx context.Context) error {
	return t.closeWriter()
}

func (t *Transport) closeWriter() error {
	t.mu.Lock()
	w := t.writer
	t.writer = nil
	t.mu.Unlock()
	t.alive.Store(false)

	if w == nil {
		return nil
	}
	return w.Close()
}
