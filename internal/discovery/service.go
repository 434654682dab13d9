package discovery

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/singleflight"

	"github.com/mzyy94/scanbridge/internal/metrics"
	"github.com/mzyy94/scanbridge/internal/telemetry"
)

// Strategy is one way of finding devices.
type Strategy interface {
	Discover(ctx context.Context) ([]DiscoveredDevice, error)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context) ([]DiscoveredDevice, error)

func (f StrategyFunc) Discover(ctx context.Context) ([]DiscoveredDevice, error) { return f(ctx) }

// Enricher fills identity fields of validated network devices.
type Enricher interface {
	Enrich(ctx context.Context, devices []DiscoveredDevice) []DiscoveredDevice
}

// Service combines network and local discovery. It owns the network result
// cache; overlapping callers share one in-flight browse.
type Service struct {
	Network  Strategy
	Local    Strategy
	Enricher Enricher

	cache *Cache
	group singleflight.Group
}

// NewService returns a service caching network results in cache. Either
// strategy may be nil.
func NewService(network, local Strategy, cache *Cache) *Service {
	return &Service{Network: network, Local: local, cache: cache}
}

// Invalidate drops cached network results.
func (s *Service) Invalidate() { s.cache.Invalidate() }

// GetScanners returns network and local devices. Results from a strategy
// that failed are missing; its error is returned alongside the devices
// found by the other.
func (s *Service) GetScanners(ctx context.Context, force bool) ([]DiscoveredDevice, error) {
	var (
		wg               sync.WaitGroup
		network, local   []DiscoveredDevice
		netErr, localErr error
	)
	if s.Network != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			network, netErr = s.network(ctx, force)
		}()
	}
	if s.Local != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local, localErr = s.run(ctx, "local", force, s.Local)
		}()
	}
	wg.Wait()

	var errs *multierror.Error
	if netErr != nil {
		slog.Warn("network discovery failed", "error", netErr)
		errs = multierror.Append(errs, netErr)
	}
	if localErr != nil {
		slog.Warn("local discovery failed", "error", localErr)
		errs = multierror.Append(errs, localErr)
	}
	all := make([]DiscoveredDevice, 0, len(network)+len(local))
	all = append(append(all, network...), local...)
	devices := Dedup(all)
	slog.Info("discovery finished", "network", len(network), "local", len(local), "force", force)
	return devices, errs.ErrorOrNil()
}

func (s *Service) network(ctx context.Context, force bool) ([]DiscoveredDevice, error) {
	if !force {
		if devices, ok := s.cache.Get(); ok {
			metrics.RecordCacheHit()
			return devices, nil
		}
	}
	ch := s.group.DoChan("network", func() (any, error) {
		// The browse outlives a caller that gives up so joined callers
		// still get a result.
		bctx := context.WithoutCancel(ctx)
		devices, err := s.run(bctx, "network", force, s.Network)
		if err != nil {
			return nil, err
		}
		if s.Enricher != nil {
			devices = s.Enricher.Enrich(bctx, devices)
		}
		s.cache.Put(devices)
		return devices, nil
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.([]DiscoveredDevice), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) run(ctx context.Context, strategy string, force bool, st Strategy) ([]DiscoveredDevice, error) {
	ctx, span := telemetry.StartDiscoverySpan(ctx, strategy, force)
	devices, err := st.Discover(ctx)
	telemetry.EndSpan(span, err)
	metrics.RecordDiscovery(strategy, err, len(devices))
	return devices, err
}
