package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/eclipse/paho.golang/paho"
)

// V5 is an MQTT 5 transport.
type V5 struct {
	s Settings

	// dial is replaceable in tests.
	dial func(ctx context.Context, network, addr string, tc *tls.Config) (net.Conn, error)

	mu     sync.Mutex
	client *paho.Client
	alive  atomic.Bool
}

// NewV5 creates a disconnected MQTT 5 transport.
func NewV5(s Settings) *V5 {
	return &V5{s: s, dial: dialBroker}
}

func dialBroker(ctx context.Context, network, addr string, tc *tls.Config) (net.Conn, error) {
	if tc == nil {
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}
	d := tls.Dialer{Config: tc}
	return d.DialContext(ctx, network, addr)
}

// Connect dials the broker and performs one MQTT CONNECT exchange.
func (t *V5) Connect(ctx context.Context) error {
	t.closeClient()

	u, useTLS, err := parseBroker(t.s.MQTT)
	if err != nil {
		return err
	}
	var tc *tls.Config
	if useTLS {
		if tc, err = t.s.MQTT.TLS.ClientConfig(u.Hostname()); err != nil {
			return err
		}
	}

	conn, err := t.dial(ctx, "tcp", brokerAddress(u, useTLS), tc)
	if err != nil {
		return fmt.Errorf("dial mqtt broker: %w", err)
	}

	logger := t.s.logger()
	client := paho.NewClient(paho.ClientConfig{
		ClientID: t.s.clientID(),
		Conn:     conn,
		OnClientError: func(err error) {
			t.alive.Store(false)
			logger.Warn("mqtt client error", "error", err)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			t.alive.Store(false)
			reason := ""
			if d.Properties != nil {
				reason = d.Properties.ReasonString
			}
			logger.Warn("mqtt server disconnected",
				"reason_code", d.ReasonCode,
				"reason", reason,
			)
		},
	})

	will := t.s.availability(availabilityOffline)
	cp := &paho.Connect{
		ClientID:   t.s.clientID(),
		KeepAlive:  t.s.MQTT.KeepAliveSec,
		CleanStart: true,
		WillMessage: &paho.WillMessage{
			Topic:   will.topic,
			Payload: will.payload,
			QoS:     will.qos,
			Retain:  will.retain,
		},
	}
	if t.s.MQTT.Username != "" {
		cp.Username = t.s.MQTT.Username
		cp.UsernameFlag = true
	}
	if t.s.MQTT.Password != "" {
		cp.Password = []byte(t.s.MQTT.Password)
		cp.PasswordFlag = true
	}

	ca, err := client.Connect(ctx, cp)
	if ca != nil && ca.ReasonCode != 0 {
		conn.Close()
		detail := ""
		if ca.Properties != nil {
			detail = ca.Properties.ReasonString
		}
		return &RefusedError{Code: ca.ReasonCode, Detail: detail}
	}
	if err != nil {
		conn.Close()
		return fmt.Errorf("mqtt connect: %w", err)
	}

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()
	t.alive.Store(true)

	logger.Info("mqtt connected", "broker", t.s.MQTT.Broker, "protocol", 5, "client_id", t.s.clientID())
	return t.announce(ctx)
}

// announce publishes discovery and the birth message. A failure here
// means the session is not usable.
func (t *V5) announce(ctx context.Context) error {
	msgs, err := t.s.announcements()
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := t.publish(ctx, m, ""); err != nil {
			t.alive.Store(false)
			return fmt.Errorf("announce on %s: %w", m.topic, err)
		}
		t.s.logger().Debug("mqtt announcement published", "topic", m.topic)
	}
	return nil
}

func (t *V5) publish(ctx context.Context, m message, contentType string) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}

	pb := &paho.Publish{
		Topic:   m.topic,
		QoS:     m.qos,
		Retain:  m.retain,
		Payload: m.payload,
	}
	if contentType != "" {
		pb.Properties = &paho.PublishProperties{ContentType: contentType}
	}
	if _, err := client.Publish(ctx, pb); err != nil {
		return err
	}
	return nil
}

// Publish sends telemetry at the configured QoS with the payload
// content type attached.
func (t *V5) Publish(ctx context.Context, topic string, payload []byte) error {
	err := t.publish(ctx, message{topic: topic, payload: payload, qos: t.s.MQTT.QoS}, t.s.ContentType)
	if err != nil {
		t.alive.Store(false)
	}
	return err
}

// IsConnected reports whether the session is believed alive. Keepalive
// failures and server DISCONNECTs clear it asynchronously.
func (t *V5) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client != nil && t.alive.Load()
}

// Poll is a no-op; the paho client services keepalive on its own
// goroutines and reports failure through callbacks.
func (t *V5) Poll() {}

// AnnounceOffline publishes the retained "offline" availability.
func (t *V5) AnnounceOffline(ctx context.Context) error {
	return t.publish(ctx, t.s.availability(availabilityOffline), "")
}

// Close sends DISCONNECT and drops the session. Because the disconnect
// is clean the broker does not fire the will.
func (t *V5) Close(ctx context.Context) error {
	t.closeClient()
	return nil
}

func (t *V5) closeClient() {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()
	t.alive.Store(false)

	if client != nil {
		_ = client.Disconnect(&paho.Disconnect{ReasonCode: 0})
	}
}
