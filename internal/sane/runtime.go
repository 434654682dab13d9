package sane

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mzyy94/scanbridge/internal/worker"
)

// Runtime owns a Library and the worker that serializes every call into it.
// One Runtime is shared by all scanners and local discovery in a process.
type Runtime struct {
	lib Library
	w   *worker.Worker

	mu          sync.Mutex
	initialized bool
}

// NewRuntime starts the worker for lib. The library itself is initialized
// lazily on first use.
func NewRuntime(lib Library) *Runtime {
	return &Runtime{lib: lib, w: worker.New("sane")}
}

func (rt *Runtime) ensureInit(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.initialized {
		return nil
	}
	if err := worker.Run(ctx, rt.w, "init", func() error { return rt.lib.Init(ctx) }); err != nil {
		return classify("sane.init", err)
	}
	rt.initialized = true
	return nil
}

// Devices enumerates devices. Enumeration implies presence; no validation follows.
func (rt *Runtime) Devices(ctx context.Context) ([]Device, error) {
	if err := rt.ensureInit(ctx); err != nil {
		return nil, err
	}
	devices, err := worker.Call(ctx, rt.w, "get_devices", func() ([]Device, error) { return rt.lib.Devices(ctx) })
	if err != nil {
		return nil, classify("sane.get_devices", err)
	}
	return devices, nil
}

// Close shuts the library down and stops the worker.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	defer rt.w.Close()
	if !rt.initialized {
		return nil
	}
	rt.initialized = false
	err := worker.Run(context.Background(), rt.w, "exit", rt.lib.Exit)
	if err != nil {
		slog.Warn("SANE exit", "error", err)
	}
	return err
}
