package discovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/mzyy94/scanbridge/internal/sane"
	"github.com/mzyy94/scanbridge/internal/scanerr"
	"github.com/mzyy94/scanbridge/internal/scanner"
	"github.com/mzyy94/scanbridge/internal/twain"
)

// LocalDiscoverer lists devices exposed by the host's native stacks. Either
// runtime may be nil.
type LocalDiscoverer struct {
	SANE  *sane.Runtime
	TWAIN *twain.Runtime

	now func() time.Time
}

// Discover enumerates SANE devices and TWAIN data sources. A stack that is
// not installed is skipped silently.
func (l *LocalDiscoverer) Discover(ctx context.Context) ([]DiscoveredDevice, error) {
	now := time.Now
	if l.now != nil {
		now = l.now
	}
	seen := now()

	var devices []DiscoveredDevice
	var errs *multierror.Error

	if l.SANE != nil {
		list, err := l.SANE.Devices(ctx)
		switch {
		case scanerr.KindOf(err) == scanerr.KindBindingUnavailable:
			slog.Debug("SANE not available", "error", err)
		case err != nil:
			errs = multierror.Append(errs, err)
		}
		for _, d := range list {
			devices = append(devices, DiscoveredDevice{
				Name:         d.Vendor + " " + d.Model,
				Host:         d.Name,
				Protocol:     scanner.ProtocolSANE,
				Manufacturer: d.Vendor,
				Model:        d.Model,
				DiscoveredAt: seen,
				LastSeen:     seen,
			})
		}
	}

	if l.TWAIN != nil {
		sources, err := l.TWAIN.Sources(ctx)
		switch {
		case scanerr.KindOf(err) == scanerr.KindBindingUnavailable:
			slog.Debug("TWAIN not available", "error", err)
		case err != nil:
			errs = multierror.Append(errs, err)
		}
		for _, id := range sources {
			devices = append(devices, DiscoveredDevice{
				Name:         id.ProductName,
				Host:         id.ProductName,
				Protocol:     scanner.ProtocolTWAIN,
				Manufacturer: id.Manufacturer,
				Model:        id.ProductFamily,
				DiscoveredAt: seen,
				LastSeen:     seen,
			})
		}
	}

	return Dedup(devices), errs.ErrorOrNil()
}
