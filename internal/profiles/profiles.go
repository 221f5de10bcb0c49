// Package profiles defines the host and port profiles that drive every scan
// cycle. Profiles are immutable values built once from configuration and
// shared read-only by the scheduler, the executor and the tracker.
package profiles

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/anstrom/portwatch/internal/errors"
)

const (
	// MinPort is the lowest valid port number.
	MinPort = 0
	// MaxPort is the highest valid port number.
	MaxPort = 65535
)

// ScanMode selects how the backend scans ports.
type ScanMode string

const (
	// ModeStealth runs a SYN scan without service detection.
	ModeStealth ScanMode = "stealth"
	// ModeVersion adds service version detection (-sV) to the default scan.
	ModeVersion ScanMode = "version"
)

// ParseScanMode maps a configuration string onto a ScanMode.
func ParseScanMode(s string) (ScanMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(ModeStealth):
		return ModeStealth, nil
	case string(ModeVersion):
		return ModeVersion, nil
	}
	return "", errors.ErrConfigInvalid("scan.mode", s)
}

// PortProfile describes the set of ports to scan on a host.
type PortProfile interface {
	// String returns the canonical port specification consumed by the backend.
	String() string
	// Validate reports whether the profile satisfies its invariants.
	Validate() error
	// Contains reports whether port is part of the profile.
	Contains(port int) bool
}

// PortRange is an inclusive range of ports.
type PortRange struct {
	Lower int `json:"lower" yaml:"lower"`
	Upper int `json:"upper" yaml:"upper"`
}

// String implements PortProfile.
func (r PortRange) String() string {
	return fmt.Sprintf("%d-%d", r.Lower, r.Upper)
}

// Validate implements PortProfile.
func (r PortRange) Validate() error {
	if !validPort(r.Lower) {
		return errors.ErrConfigInvalid("ports.lower", r.Lower)
	}
	if !validPort(r.Upper) {
		return errors.ErrConfigInvalid("ports.upper", r.Upper)
	}
	if r.Lower > r.Upper {
		return errors.NewConfigFieldError(errors.CodeValidation,
			fmt.Sprintf("port range lower bound %d exceeds upper bound %d", r.Lower, r.Upper),
			"ports", r.String())
	}
	return nil
}

// Contains implements PortProfile.
func (r PortRange) Contains(port int) bool {
	return port >= r.Lower && port <= r.Upper
}

// PortList is an explicit set of ports, kept sorted and free of duplicates.
type PortList struct {
	Ports []int `json:"list" yaml:"list"`
}

// NewPortList builds a PortList with set semantics.
func NewPortList(ports ...int) PortList {
	seen := make(map[int]struct{}, len(ports))
	out := make([]int, 0, len(ports))
	for _, p := range ports {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Ints(out)
	return PortList{Ports: out}
}

// String implements PortProfile. The output is canonical even for a
// literal PortList that was not built with NewPortList.
func (l PortList) String() string {
	ports := l.Ports
	if !l.canonical() {
		ports = NewPortList(l.Ports...).Ports
	}
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

// Validate implements PortProfile.
func (l PortList) Validate() error {
	if len(l.Ports) == 0 {
		return errors.ErrConfigMissing("ports.list")
	}
	for _, p := range l.Ports {
		if !validPort(p) {
			return errors.ErrConfigInvalid("ports.list", p)
		}
	}
	if !l.canonical() {
		return errors.NewConfigFieldError(errors.CodeValidation,
			"port list must be sorted ascending without duplicates", "ports.list", l.Ports)
	}
	return nil
}

// Contains implements PortProfile.
func (l PortList) Contains(port int) bool {
	if !l.canonical() {
		for _, p := range l.Ports {
			if p == port {
				return true
			}
		}
		return false
	}
	i := sort.SearchInts(l.Ports, port)
	return i < len(l.Ports) && l.Ports[i] == port
}

// canonical reports whether Ports is strictly ascending.
func (l PortList) canonical() bool {
	for i := 1; i < len(l.Ports); i++ {
		if l.Ports[i] <= l.Ports[i-1] {
			return false
		}
	}
	return true
}

func validPort(p int) bool {
	return p >= MinPort && p <= MaxPort
}

// HostProfile pairs a host identifier with the ports to scan on it.
type HostProfile struct {
	Host  string
	Ports PortProfile
}

// Validate checks the host identifier and its port profile.
func (h HostProfile) Validate() error {
	if strings.TrimSpace(h.Host) == "" {
		return errors.ErrConfigMissing("host")
	}
	if h.Ports == nil {
		return errors.ErrConfigMissing("ports")
	}
	if err := h.Ports.Validate(); err != nil {
		return err
	}
	return nil
}

// String renders the profile as host:ports.
func (h HostProfile) String() string {
	if h.Ports == nil {
		return h.Host
	}
	return h.Host + ":" + h.Ports.String()
}

// ValidateAll validates every profile and rejects duplicate hosts.
func ValidateAll(list []HostProfile) error {
	if len(list) == 0 {
		return errors.ErrConfigMissing("scan.hosts")
	}
	seen := make(map[string]struct{}, len(list))
	for i, p := range list {
		if err := p.Validate(); err != nil {
			return errors.WrapConfigError(errors.CodeValidation,
				fmt.Sprintf("invalid host profile %d", i), err)
		}
		if _, dup := seen[p.Host]; dup {
			return errors.NewConfigFieldError(errors.CodeValidation,
				"duplicate host in profile list", "scan.hosts", p.Host)
		}
		seen[p.Host] = struct{}{}
	}
	return nil
}
