// Package link reports whether the device's network association is up.
//
// On a Linux host the operating system (wpa_supplicant, NetworkManager,
// systemd-networkd) owns association and credentials. Connecting here
// means waiting until the chosen interface is up with a usable address
// and, optionally, an HTTP probe answers.
package link

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/nugget/heatsync/internal/httpkit"
	"github.com/nugget/heatsync/internal/supervisor"
)

// Reason codes attached to link errors.
const (
	ReasonNoInterface = "no_interface"
	ReasonDown        = "down"
	ReasonNoAddress   = "no_address"
	ReasonProbeFailed = "probe_failed"
)

// Error is a failed link check with a short reason code.
type Error struct {
	Interface string
	Code      string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("link %s: %s: %v", e.Interface, e.Code, e.Err)
	}
	return fmt.Sprintf("link %s: %s", e.Interface, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Reason returns the code for diagnostic logs.
func (e *Error) Reason() string { return e.Code }

// ifaceInfo is the subset of interface state the driver needs.
type ifaceInfo struct {
	up    bool
	addrs []net.IP
	hw    net.HardwareAddr
}

func lookupInterface(name string) (ifaceInfo, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return ifaceInfo{}, err
	}
	info := ifaceInfo{
		up: ifi.Flags&net.FlagUp != 0,
		hw: ifi.HardwareAddr,
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return info, err
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			info.addrs = append(info.addrs, ipn.IP)
		}
	}
	return info, nil
}

// InterfaceConfig configures an Interface link.
type InterfaceConfig struct {
	Name string

	// ProbeURL, when set, must answer 2xx before the link counts as
	// connected.
	ProbeURL     string
	ProbeTimeout time.Duration

	// InsecureProbe skips certificate checks on an https probe.
	InsecureProbe bool

	Logger *slog.Logger
}

// Interface watches a named network interface.
type Interface struct {
	name     string
	probeURL string
	prober   *httpkit.Prober
	logger   *slog.Logger
	lookup   func(string) (ifaceInfo, error)
}

// NewInterface creates an Interface link.
func NewInterface(cfg InterfaceConfig) *Interface {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}

	prober := httpkit.NewProber(httpkit.ProbeConfig{
		Timeout:    cfg.ProbeTimeout,
		Insecure:   cfg.InsecureProbe,
		Retries:    2,
		RetryDelay: 250 * time.Millisecond,
		Logger:     cfg.Logger,
	})

	return &Interface{
		name:     cfg.Name,
		probeURL: cfg.ProbeURL,
		prober:   prober,
		logger:   cfg.Logger,
		lookup:   lookupInterface,
	}
}

// Connect makes one attempt: the interface must exist, be up, carry a
// usable address, and pass the probe when one is configured.
func (l *Interface) Connect(ctx context.Context) error {
	info, err := l.check()
	if err != nil {
		return err
	}

	if l.probeURL != "" {
		if err := l.prober.Probe(ctx, l.probeURL); err != nil {
			return &Error{Interface: l.name, Code: ReasonProbeFailed, Err: err}
		}
	}

	l.logger.Debug("link check passed",
		"interface", l.name,
		"address", fmt.Sprint(preferredAddress(info.addrs)),
	)
	return nil
}

// Status is the cheap check: interface up with a usable address. The
// probe is only run by Connect.
func (l *Interface) Status() supervisor.State {
	if _, err := l.check(); err != nil {
		return supervisor.Disconnected
	}
	return supervisor.Connected
}

// LocalAddress returns the interface's preferred address, or nil.
func (l *Interface) LocalAddress() net.IP {
	info, err := l.lookup(l.name)
	if err != nil {
		return nil
	}
	return preferredAddress(info.addrs)
}

// HardwareAddr returns the interface MAC in upper-case colon form, or
// "" when the interface has none.
func (l *Interface) HardwareAddr() string {
	info, err := l.lookup(l.name)
	if err != nil || len(info.hw) == 0 {
		return ""
	}
	return strings.ToUpper(info.hw.String())
}

func (l *Interface) check() (ifaceInfo, error) {
	info, err := l.lookup(l.name)
	if err != nil {
		return info, &Error{Interface: l.name, Code: ReasonNoInterface, Err: err}
	}
	if !info.up {
		return info, &Error{Interface: l.name, Code: ReasonDown}
	}
	if preferredAddress(info.addrs) == nil {
		return info, &Error{Interface: l.name, Code: ReasonNoAddress}
	}
	return info, nil
}

// preferredAddress picks a routable IPv4 address, then any routable
// address. Loopback and link-local addresses do not count.
func preferredAddress(addrs []net.IP) net.IP {
	var fallback net.IP
	for _, ip := range addrs {
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || !ip.IsGlobalUnicast() {
			continue
		}
		if ip.To4() != nil {
			return ip
		}
		if fallback == nil {
			fallback = ip
		}
	}
	return fallback
}

// Static is a link that is always up, for wired hosts and for running
// off-device.
type Static struct {
	Addr net.IP
}

// Connect always succeeds.
func (Static) Connect(context.Context) error { return nil }

// Status always reports Connected.
func (Static) Status() supervisor.State { return supervisor.Connected }

// LocalAddress returns the configured address.
func (s Static) LocalAddress() net.IP { return s.Addr }
