package twain

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mzyy94/scanbridge/internal/worker"
)

// Loader loads the data source manager. LoadDSM is the platform loader.
type Loader func() (DSM, error)

// Runtime owns the data source manager and the worker thread that makes every
// call into it. One Runtime is shared by all TWAIN scanners and local
// discovery in a process, so the manager is opened once.
type Runtime struct {
	load Loader
	w    *worker.Worker

	mgr *Manager // touched on the worker only
}

// NewRuntime starts the worker. The manager is loaded lazily on first use; a
// nil load uses the platform DSM.
func NewRuntime(load Loader) *Runtime {
	if load == nil {
		load = LoadDSM
	}
	return &Runtime{load: load, w: worker.New("twain")}
}

// manager returns the open manager, loading it first if needed. It runs on
// the worker. A failed load is retried on the next call.
func (rt *Runtime) manager() (*Manager, error) {
	if rt.mgr != nil {
		return rt.mgr, nil
	}
	dsm, err := rt.load()
	if err != nil {
		return nil, err
	}
	m, err := OpenManager(dsm)
	if err != nil {
		return nil, err
	}
	rt.mgr = m
	return m, nil
}

// Sources lists the data sources installed on this host. Enumeration shares
// the worker with scans in progress and runs between their calls.
func (rt *Runtime) Sources(ctx context.Context) ([]Identity, error) {
	return worker.Call(ctx, rt.w, "enumerate", func() ([]Identity, error) {
		m, err := rt.manager()
		if err != nil {
			return nil, err
		}
		return m.Sources()
	})
}

func (rt *Runtime) openSource(ctx context.Context, product string) (*Session, error) {
	return worker.Call(ctx, rt.w, "connect", func() (*Session, error) {
		m, err := rt.manager()
		if err != nil {
			return nil, err
		}
		return m.OpenSource(product)
	})
}

// Close closes and unloads the manager and stops the worker. Scanners built
// on the runtime must be closed first.
func (rt *Runtime) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	err := worker.Run(ctx, rt.w, "close_dsm", func() error {
		if rt.mgr == nil {
			return nil
		}
		m := rt.mgr
		rt.mgr = nil
		return m.Close()
	})
	rt.w.Close()
	if errors.Is(err, worker.ErrStopped) {
		return nil
	}
	if err != nil {
		slog.Warn("close TWAIN manager", "error", err)
	}
	return err
}
