package discovery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/OpenPrinting/go-mfp/transport"
	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"

	"github.com/mzyy94/scanbridge/internal/escl"
	"github.com/mzyy94/scanbridge/internal/metrics"
	"github.com/mzyy94/scanbridge/internal/scanerr"
)

// Config tunes network discovery and the result cache.
type Config struct {
	BrowseWindow      time.Duration
	Attempts          int
	BackoffBase       time.Duration
	ValidationTimeout time.Duration
	Concurrency       int
	CacheTTL          time.Duration
}

// DefaultConfig returns the stock discovery settings.
func DefaultConfig() Config {
	return Config{
		BrowseWindow:      8 * time.Second,
		Attempts:          3,
		BackoffBase:       time.Second,
		ValidationTimeout: 3 * time.Second,
		Concurrency:       8,
		CacheTTL:          5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BrowseWindow <= 0 {
		c.BrowseWindow = d.BrowseWindow
	}
	if c.Attempts <= 0 {
		c.Attempts = d.Attempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.ValidationTimeout <= 0 {
		c.ValidationTimeout = d.ValidationTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	return c
}

// Validator checks that a candidate answers on its capability endpoint.
type Validator interface {
	Validate(ctx context.Context, d DiscoveredDevice) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, d DiscoveredDevice) error

func (f ValidatorFunc) Validate(ctx context.Context, d DiscoveredDevice) error { return f(ctx, d) }

// ESCLValidator validates candidates with an eSCL ScannerCapabilities GET.
func ESCLValidator(tr *transport.Transport) Validator {
	return ValidatorFunc(func(ctx context.Context, d DiscoveredDevice) error {
		_, err := escl.Verify(ctx, tr, d.Host, d.Port, d.Root, d.Secure)
		return err
	})
}

var errNoCandidates = errors.New("no valid candidates")

// NetworkDiscoverer browses DNS-SD and returns only validated candidates.
type NetworkDiscoverer struct {
	Browser   Browser
	Validator Validator
	Services  []string
	Config    Config
}

// NewNetworkDiscoverer returns a discoverer using multicast DNS and eSCL
// validation.
func NewNetworkDiscoverer(cfg Config, tr *transport.Transport) *NetworkDiscoverer {
	return &NetworkDiscoverer{
		Browser:   &ZeroconfBrowser{},
		Validator: ESCLValidator(tr),
		Services:  ServiceTypes,
		Config:    cfg,
	}
}

// Discover runs browse-and-validate cycles until one yields a valid device
// or the attempts are exhausted. Finding nothing is not an error.
func (n *NetworkDiscoverer) Discover(ctx context.Context) ([]DiscoveredDevice, error) {
	cfg := n.Config.withDefaults()
	services := n.Services
	if len(services) == 0 {
		services = ServiceTypes
	}

	var found []DiscoveredDevice
	attempt := 0
	op := func() error {
		attempt++
		candidates, err := n.browseOnce(ctx, services, cfg.BrowseWindow)
		if err != nil {
			return err
		}
		found = n.validate(ctx, candidates, cfg)
		if len(found) == 0 {
			return errNoCandidates
		}
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.BackoffBase
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(cfg.Attempts-1)), ctx)

	err := backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		slog.Debug("retrying network discovery", "attempt", attempt, "wait", wait, "reason", err)
	})
	switch {
	case err == nil:
		return found, nil
	case errors.Is(err, errNoCandidates):
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, nil
	default:
		return nil, err
	}
}

// browseOnce collects events for one window and folds them into the current
// candidate set.
func (n *NetworkDiscoverer) browseOnce(ctx context.Context, services []string, window time.Duration) ([]DiscoveredDevice, error) {
	wctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	events := make(chan Event, 32)
	done := make(chan error, 1)
	go func() {
		done <- n.Browser.Browse(wctx, services, events)
	}()

	seen := make(map[Key]int)
	var candidates []DiscoveredDevice
	fold := func(ev Event) {
		k := ev.Device.Key()
		switch ev.Type {
		case Found:
			if i, ok := seen[k]; ok {
				merged := Dedup([]DiscoveredDevice{candidates[i], ev.Device})
				candidates[i] = merged[0]
				return
			}
			seen[k] = len(candidates)
			candidates = append(candidates, ev.Device)
		case Removed:
			if i, ok := seen[k]; ok {
				candidates = append(candidates[:i], candidates[i+1:]...)
				delete(seen, k)
				for key, j := range seen {
					if j > i {
						seen[key] = j - 1
					}
				}
			}
		}
	}

	for {
		select {
		case ev := <-events:
			fold(ev)
		case err := <-done:
			// Browse has returned and will not send again.
			for {
				select {
				case ev := <-events:
					fold(ev)
				default:
					if err != nil && ctx.Err() == nil {
						return candidates, err
					}
					return candidates, nil
				}
			}
		}
	}
}

// validate checks candidates with bounded concurrency. Failures drop the
// candidate and are never returned.
func (n *NetworkDiscoverer) validate(ctx context.Context, candidates []DiscoveredDevice, cfg Config) []DiscoveredDevice {
	ok := make([]bool, len(candidates))
	var g errgroup.Group
	g.SetLimit(cfg.Concurrency)
	for i, c := range candidates {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, cfg.ValidationTimeout)
			defer cancel()
			if err := n.Validator.Validate(pctx, c); err != nil {
				err = scanerr.New(scanerr.KindDiscoveryValidationFailed, "discovery.validate", err)
				slog.Debug("dropping discovery candidate", "name", c.Name, "address", c.Address(), "error", err)
				metrics.RecordValidationDrop(c.Service)
				return nil
			}
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	valid := make([]DiscoveredDevice, 0, len(candidates))
	for i, c := range candidates {
		if ok[i] {
			valid = append(valid, c)
		}
	}
	return valid
}
