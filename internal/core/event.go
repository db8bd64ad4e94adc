// Package core holds the entities shared across the engine: the login event
// and key canonicalisation helpers.
package core

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// LoginEvent is one authentication attempt as reported by a frontend.
// It is created on ingress and immutable afterwards.
type LoginEvent struct {
	Login        string              `json:"login"`
	PwHash       string              `json:"pwhash"`
	Remote       string              `json:"remote"`
	Time         float64             `json:"t"` // epoch seconds, fractional
	Success      bool                `json:"success"`
	PolicyReject bool                `json:"policy_reject"`
	Protocol     string              `json:"protocol"`
	TLS          bool                `json:"tls"`
	DeviceID     string              `json:"device_id"`
	DeviceAttrs  map[string]string   `json:"device_attrs,omitempty"`
	Attrs        map[string]string   `json:"attrs,omitempty"`
	AttrsMulti   map[string][]string `json:"attrs_mv,omitempty"`
}

// Fill completes fields the frontend may omit: the timestamp and, when
// device_attrs are absent, a best-effort parse of device_id.
func (e *LoginEvent) Fill(now time.Time) {
	if e.Time == 0 {
		e.Time = float64(now.UnixNano()) / 1e9
	}
	if e.DeviceAttrs == nil && e.DeviceID != "" {
		e.DeviceAttrs = ParseDeviceID(e.DeviceID, e.Protocol)
	}
}

// RemoteAddr parses the remote field. Mapped v4-in-v6 addresses are
// flattened to plain v4 so the same client always yields the same key.
func (e *LoginEvent) RemoteAddr() (netip.Addr, error) {
	return ParseAddr(e.Remote)
}

// ParseAddr parses an IP literal and normalises mapped v4 addresses.
func ParseAddr(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("bad IP literal %q: %w", s, err)
	}
	return addr.Unmap(), nil
}

// IPLoginKey builds the combined key for the ip:login key space. Both parts
// must already be canonical.
func IPLoginKey(ip, login string) string {
	return ip + ":" + login
}

// ParseDeviceID derives coarse device attributes from a raw device
// identifier. Full User-Agent parsing lives outside the core; IMAP-style
// "name version" IDs and HTTP UAs get a cheap split here so the policy can
// at least branch on brand and version.
func ParseDeviceID(deviceID, protocol string) map[string]string {
	attrs := map[string]string{
		"device.brand":   "",
		"device.family":  "",
		"os.family":      "",
		"device.version": "",
	}
	fields := strings.Fields(deviceID)
	if len(fields) == 0 {
		return attrs
	}
	switch {
	case strings.HasPrefix(protocol, "imap"), strings.HasPrefix(protocol, "pop"):
		attrs["device.family"] = fields[0]
		if len(fields) > 1 {
			attrs["device.version"] = fields[1]
		}
	case protocol == "mobileapi":
		// "<app>/<version> (<os>; ...)"
		if name, ver, ok := strings.Cut(fields[0], "/"); ok {
			attrs["device.family"] = name
			attrs["device.version"] = ver
		} else {
			attrs["device.family"] = fields[0]
		}
		if len(fields) > 1 {
			attrs["os.family"] = strings.Trim(fields[1], "(;)")
		}
	default:
		if name, ver, ok := strings.Cut(fields[0], "/"); ok {
			attrs["device.family"] = name
			attrs["device.version"] = ver
		} else {
			attrs["device.family"] = fields[0]
		}
	}
	return attrs
}
