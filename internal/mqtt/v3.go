package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// disconnectQuiesce is how long Disconnect lets in-flight work finish,
// in milliseconds.
const disconnectQuiesce = 250

// V3 is an MQTT 3.1.1 transport.
type V3 struct {
	s Settings

	mu     sync.Mutex
	client pahomqtt.Client
}

// NewV3 creates a disconnected MQTT 3.1.1 transport.
func NewV3(s Settings) *V3 {
	return &V3{s: s}
}

func (t *V3) options() (*pahomqtt.ClientOptions, error) {
	u, useTLS, err := parseBroker(t.s.MQTT)
	if err != nil {
		return nil, err
	}

	scheme := "tcp"
	if useTLS {
		scheme = "ssl"
	}
	logger := t.s.logger()
	will := t.s.availability(availabilityOffline)

	opts := pahomqtt.NewClientOptions().
		AddBroker(scheme+"://"+brokerAddress(u, useTLS)).
		SetClientID(t.s.clientID()).
		SetProtocolVersion(4).
		SetCleanSession(true).
		SetKeepAlive(time.Duration(t.s.MQTT.KeepAliveSec)*time.Second).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetBinaryWill(will.topic, will.payload, will.qos, will.retain).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			logger.Warn("mqtt connection lost", "error", err)
		})

	if t.s.MQTT.Username != "" {
		opts.SetUsername(t.s.MQTT.Username)
	}
	if t.s.MQTT.Password != "" {
		opts.SetPassword(t.s.MQTT.Password)
	}
	if useTLS {
		tc, err := t.s.MQTT.TLS.ClientConfig(u.Hostname())
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tc)
	}
	return opts, nil
}

// Connect performs one connection attempt.
func (t *V3) Connect(ctx context.Context) error {
	t.closeClient()

	opts, err := t.options()
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts.SetConnectTimeout(time.Until(deadline))
	}

	client := pahomqtt.NewClient(opts)
	tok := client.Connect()
	if err := waitToken(ctx, tok); err != nil {
		abandon(client, tok)
		if ct, ok := tok.(*pahomqtt.ConnectToken); ok && ct.ReturnCode() != 0 {
			return &RefusedError{Code: ct.ReturnCode(), Detail: err.Error()}
		}
		return fmt.Errorf("mqtt connect: %w", err)
	}

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()

	t.s.logger().Info("mqtt connected", "broker", t.s.MQTT.Broker, "protocol", 3, "client_id", t.s.clientID())
	return t.announce(ctx)
}

func (t *V3) announce(ctx context.Context) error {
	msgs, err := t.s.announcements()
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := t.publish(ctx, m); err != nil {
			return fmt.Errorf("announce on %s: %w", m.topic, err)
		}
		t.s.logger().Debug("mqtt announcement published", "topic", m.topic)
	}
	return nil
}

func (t *V3) publish(ctx context.Context, m message) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}
	return waitToken(ctx, client.Publish(m.topic, m.qos, m.retain, m.payload))
}

// Publish sends telemetry at the configured QoS. MQTT 3.1.1 has no
// content type; consumers rely on the topic.
func (t *V3) Publish(ctx context.Context, topic string, payload []byte) error {
	return t.publish(ctx, message{topic: topic, payload: payload, qos: t.s.MQTT.QoS})
}

// IsConnected reports whether the underlying connection is open.
func (t *V3) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client != nil && t.client.IsConnectionOpen()
}

// Poll is a no-op; the paho client runs its own keepalive.
func (t *V3) Poll() {}

// AnnounceOffline publishes the retained "offline" availability.
func (t *V3) AnnounceOffline(ctx context.Context) error {
	return t.publish(ctx, t.s.availability(availabilityOffline))
}

// Close disconnects cleanly.
func (t *V3) Close(ctx context.Context) error {
	t.closeClient()
	return nil
}

func (t *V3) closeClient() {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(disconnectQuiesce)
	}
}

// abandon tears down a client whose connect attempt failed or was given
// up on. A handshake still in flight is disconnected once it completes
// so it cannot hold the client ID against the next attempt.
func abandon(client pahomqtt.Client, tok pahomqtt.Token) {
	client.Disconnect(0)
	go func() {
		<-tok.Done()
		if client.IsConnected() {
			client.Disconnect(0)
		}
	}()
}

// waitToken blocks until tok completes or ctx ends.
func waitToken(ctx context.Context, tok pahomqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
