// Package discovery finds scanners on the network (DNS-SD) and on the local
// host (SANE, TWAIN), validates network candidates and caches the result.
package discovery

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mzyy94/scanbridge/internal/escl"
	"github.com/mzyy94/scanbridge/internal/scanner"
)

// Service types browsed for network scanners.
var ServiceTypes = []string{"_uscan._tcp", "_uscans._tcp"}

// DiscoveredDevice is one discovery record. Local devices use the native
// device name as Host and port 0.
type DiscoveredDevice struct {
	Name         string
	Host         string
	Port         int
	Protocol     scanner.Protocol
	Service      string // DNS-SD service type, empty for local devices
	Secure       bool   // eSCL over TLS (_uscans)
	UUID         string
	Manufacturer string
	Model        string
	Serial       string
	Root         string
	DiscoveredAt time.Time
	LastSeen     time.Time
}

// Key is the deduplication identity of a device.
type Key struct {
	Host     string
	Port     int
	Protocol scanner.Protocol
}

// Key returns the (host, port, protocol) identity.
func (d DiscoveredDevice) Key() Key {
	return Key{Host: d.Host, Port: d.Port, Protocol: d.Protocol}
}

// Address returns host:port.
func (d DiscoveredDevice) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// Connection returns the connection string stored by device registrations:
// escl://host:port/root, escls://..., sane:name or twain:product.
func (d DiscoveredDevice) Connection() string {
	switch d.Protocol {
	case scanner.ProtocolSANE:
		return "sane:" + d.Host
	case scanner.ProtocolTWAIN:
		return "twain:" + d.Host
	}
	scheme := "escl"
	if d.Secure {
		scheme = "escls"
	}
	return scheme + "://" + d.Address() + "/" + strings.Trim(d.root(), "/")
}

func (d DiscoveredDevice) root() string {
	if d.Root == "" {
		return escl.DefaultRoot
	}
	return d.Root
}

// EventType distinguishes browse events.
type EventType int

const (
	Found EventType = iota
	Removed
)

// Event is one browse observation.
type Event struct {
	Type   EventType
	Device DiscoveredDevice
}

// Dedup collapses devices sharing a Key, keeping the record with the latest
// LastSeen. The earliest DiscoveredAt is preserved. Order follows first
// appearance.
func Dedup(devices []DiscoveredDevice) []DiscoveredDevice {
	index := make(map[Key]int, len(devices))
	out := make([]DiscoveredDevice, 0, len(devices))
	for _, d := range devices {
		i, ok := index[d.Key()]
		if !ok {
			index[d.Key()] = len(out)
			out = append(out, d)
			continue
		}
		prev := out[i]
		if d.LastSeen.After(prev.LastSeen) {
			if !prev.DiscoveredAt.IsZero() && prev.DiscoveredAt.Before(d.DiscoveredAt) {
				d.DiscoveredAt = prev.DiscoveredAt
			}
			out[i] = d
		}
	}
	return out
}

// parseTXT splits DNS-SD TXT strings into key/value pairs. Keys are
// case-insensitive per RFC 6763 and stored lower-case.
func parseTXT(records []string) map[string]string {
	txt := make(map[string]string, len(records))
	for _, r := range records {
		k, v, _ := strings.Cut(r, "=")
		if k == "" {
			continue
		}
		k = strings.ToLower(k)
		if _, dup := txt[k]; !dup {
			txt[k] = v
		}
	}
	return txt
}

// applyTXT fills identity fields from the eSCL TXT keys.
func (d *DiscoveredDevice) applyTXT(txt map[string]string) {
	first := func(keys ...string) string {
		for _, k := range keys {
			if v := strings.TrimSpace(txt[k]); v != "" {
				return v
			}
		}
		return ""
	}
	if rs, ok := txt["rs"]; ok {
		d.Root = strings.Trim(rs, "/")
		if d.Root == "" {
			d.Root = "/" // service at the server root
		}
	}
	d.UUID = first("uuid")
	d.Manufacturer = first("mfg", "usb_mfg")
	d.Model = first("mdl", "usb_mdl", "ty")
	d.Serial = first("serial", "sn")
	if d.Manufacturer == "" {
		if ty := first("ty"); ty != "" {
			d.Manufacturer, _, _ = strings.Cut(ty, " ")
		}
	}
}
