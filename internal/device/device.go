// Package device constructs the Scanner variant matching a discovery record
// or a stored registration.
package device

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/mzyy94/scanbridge/internal/discovery"
	"github.com/mzyy94/scanbridge/internal/escl"
	"github.com/mzyy94/scanbridge/internal/sane"
	"github.com/mzyy94/scanbridge/internal/scanerr"
	"github.com/mzyy94/scanbridge/internal/scanner"
	"github.com/mzyy94/scanbridge/internal/twain"
)

// Options carries the per-backend dependencies.
type Options struct {
	ESCL  escl.Config
	SANE  *sane.Runtime  // nil when no SANE library is configured
	TWAIN *twain.Runtime // nil when TWAIN is disabled
}

// Open returns a Scanner for a discovered device. The scanner is not
// connected; backends connect lazily.
func Open(d discovery.DiscoveredDevice, opts Options) (scanner.Scanner, error) {
	id := scanner.Identity{
		Name:         d.Name,
		Manufacturer: d.Manufacturer,
		Model:        d.Model,
		Serial:       d.Serial,
	}
	switch d.Protocol {
	case scanner.ProtocolESCL:
		scheme := "http"
		if d.Secure {
			scheme = "https"
		}
		s, err := escl.New(escl.BaseURL(scheme, d.Host, d.Port, d.Root), id, opts.ESCL)
		if err != nil {
			return nil, err
		}
		return s, nil
	case scanner.ProtocolSANE:
		if opts.SANE == nil {
			return nil, scanerr.Errorf(scanerr.KindBindingUnavailable, "device.open", "no SANE library configured for %s", d.Host)
		}
		return sane.NewScanner(opts.SANE, sane.Device{Name: d.Host, Vendor: d.Manufacturer, Model: d.Model}), nil
	case scanner.ProtocolTWAIN:
		if opts.TWAIN == nil {
			return nil, scanerr.Errorf(scanerr.KindBindingUnavailable, "device.open", "TWAIN is disabled for %s", d.Host)
		}
		return twain.New(d.Host, opts.TWAIN), nil
	}
	return nil, fmt.Errorf("open %s: unsupported protocol %s", d.Name, d.Protocol)
}

// FromConnection rebuilds a Scanner from a stored registration. connection
// is the form produced by DiscoveredDevice.Connection; plain http(s) eSCL
// URLs are accepted too.
func FromConnection(protocol, connection string, opts Options) (scanner.Scanner, error) {
	p, err := scanner.ParseProtocol(protocol)
	if err != nil {
		return nil, err
	}
	d, err := ParseConnection(p, connection)
	if err != nil {
		return nil, err
	}
	return Open(d, opts)
}

// ParseConnection decodes a connection string into a discovery record.
func ParseConnection(p scanner.Protocol, connection string) (discovery.DiscoveredDevice, error) {
	d := discovery.DiscoveredDevice{Protocol: p}
	switch p {
	case scanner.ProtocolSANE, scanner.ProtocolTWAIN:
		name, ok := strings.CutPrefix(connection, p.String()+":")
		if !ok || name == "" {
			return d, fmt.Errorf("invalid %s connection %q", p, connection)
		}
		d.Name, d.Host = name, name
		return d, nil
	case scanner.ProtocolESCL:
		u, err := url.Parse(connection)
		if err != nil {
			return d, fmt.Errorf("invalid eSCL connection %q: %w", connection, err)
		}
		switch u.Scheme {
		case "escl", "http":
		case "escls", "https":
			d.Secure = true
		default:
			return d, fmt.Errorf("invalid eSCL connection %q: scheme %q", connection, u.Scheme)
		}
		host, portStr := u.Hostname(), u.Port()
		if host == "" {
			return d, fmt.Errorf("invalid eSCL connection %q: missing host", connection)
		}
		port := 80
		if d.Secure {
			port = 443
		}
		if portStr != "" {
			if port, err = strconv.Atoi(portStr); err != nil {
				return d, fmt.Errorf("invalid eSCL connection %q: %w", connection, err)
			}
		}
		d.Host, d.Port = host, port
		d.Name = net.JoinHostPort(host, strconv.Itoa(port))
		d.Root = strings.Trim(u.Path, "/")
		if d.Root == "" && u.Path == "/" {
			d.Root = "/"
		}
		return d, nil
	}
	return d, fmt.Errorf("unsupported protocol %s", p)
}
