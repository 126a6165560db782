package mqtt

import (
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/nugget/heatsync/internal/config"
)

// ErrNotConnected is returned by Publish on a transport without a live
// session.
var ErrNotConnected = errors.New("mqtt session not connected")

// RefusedError is a CONNACK with a non-success reason code.
type RefusedError struct {
	Code   byte
	Detail string
}

func (e *RefusedError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("broker refused connection: rc=%d (%s)", e.Code, e.Detail)
	}
	return fmt.Sprintf("broker refused connection: rc=%d", e.Code)
}

// Reason renders the CONNACK code as rc=N.
func (e *RefusedError) Reason() string {
	return fmt.Sprintf("rc=%d", e.Code)
}

// secureScheme reports whether the broker URL scheme implies TLS.
func secureScheme(scheme string) bool {
	switch scheme {
	case "mqtts", "ssl", "tls":
		return true
	}
	return false
}

// parseBroker returns the broker URL and whether TLS applies.
func parseBroker(cfg config.MQTTConfig) (*url.URL, bool, error) {
	u, err := url.Parse(cfg.Broker)
	if err != nil {
		return nil, false, fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	if u.Host == "" {
		return nil, false, fmt.Errorf("mqtt broker URL %q has no host", cfg.Broker)
	}
	return u, cfg.TLS.Enabled || secureScheme(u.Scheme), nil
}

// brokerAddress returns host:port, filling in the standard port.
func brokerAddress(u *url.URL, useTLS bool) string {
	if u.Port() != "" {
		return u.Host
	}
	port := "1883"
	if useTLS {
		port = "8883"
	}
	return net.JoinHostPort(u.Hostname(), port)
}
