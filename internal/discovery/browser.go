package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/mzyy94/scanbridge/internal/scanner"
)

// Browser emits Found/Removed events for the given service types until ctx
// is done. It must not send on events after returning.
type Browser interface {
	Browse(ctx context.Context, services []string, events chan<- Event) error
}

// ZeroconfBrowser browses DNS-SD over multicast with grandcat/zeroconf.
type ZeroconfBrowser struct {
	Domain string // default "local."
	now    func() time.Time
}

// Browse runs one resolver per service type for the lifetime of ctx.
func (b *ZeroconfBrowser) Browse(ctx context.Context, services []string, events chan<- Event) error {
	domain := b.Domain
	if domain == "" {
		domain = "local."
	}
	now := b.now
	if now == nil {
		now = time.Now
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(services))
	for _, service := range services {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return fmt.Errorf("mDNS resolver: %w", err)
		}
		entries := make(chan *zeroconf.ServiceEntry, 16)
		if err := resolver.Browse(ctx, service, domain, entries); err != nil {
			errs <- fmt.Errorf("browse %s: %w", service, err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case entry, ok := <-entries:
					if !ok {
						return
					}
					d, ok := deviceFromEntry(service, entry, now())
					if !ok {
						continue
					}
					select {
					case events <- Event{Type: Found, Device: d}:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	// A service that failed to browse does not invalidate the others.
	var first error
	n := 0
	for err := range errs {
		slog.Warn("mDNS browse failed", "error", err)
		if first == nil {
			first = err
		}
		n++
	}
	if n == len(services) {
		return first
	}
	return nil
}

// esclService reports whether a DNS-SD service type advertises an eSCL
// endpoint.
func esclService(service string) bool {
	return strings.HasPrefix(service, "_uscan.") || strings.HasPrefix(service, "_uscans.")
}

// deviceFromEntry builds an eSCL discovery record. Entries of other service
// types, or without a port or address, are dropped.
func deviceFromEntry(service string, e *zeroconf.ServiceEntry, seen time.Time) (DiscoveredDevice, bool) {
	if e == nil || e.Port == 0 || !esclService(service) {
		return DiscoveredDevice{}, false
	}
	var host string
	switch {
	case len(e.AddrIPv4) > 0:
		host = e.AddrIPv4[0].String()
	case len(e.AddrIPv6) > 0:
		host = e.AddrIPv6[0].String()
	case e.HostName != "":
		host = strings.TrimSuffix(e.HostName, ".")
	default:
		return DiscoveredDevice{}, false
	}
	d := DiscoveredDevice{
		Name:         e.Instance,
		Host:         host,
		Port:         e.Port,
		Protocol:     scanner.ProtocolESCL,
		Service:      service,
		Secure:       strings.HasPrefix(service, "_uscans."),
		DiscoveredAt: seen,
		LastSeen:     seen,
	}
	d.applyTXT(parseTXT(e.Text))
	return d, true
}
