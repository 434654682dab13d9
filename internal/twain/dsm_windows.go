//go:build windows

package twain

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/mzyy94/scanbridge/internal/scanerr"
)

var (
	kernel32         = windows.NewLazySystemDLL("kernel32.dll")
	procGlobalAlloc  = kernel32.NewProc("GlobalAlloc")
	procGlobalLock   = kernel32.NewProc("GlobalLock")
	procGlobalUnlock = kernel32.NewProc("GlobalUnlock")
	procGlobalFree   = kernel32.NewProc("GlobalFree")
	procGlobalSize   = kernel32.NewProc("GlobalSize")

	user32               = windows.NewLazySystemDLL("user32.dll")
	procGetDesktopWindow = user32.NewProc("GetDesktopWindow")
	procPeekMessageW     = user32.NewProc("PeekMessageW")
	procTranslateMessage = user32.NewProc("TranslateMessage")
	procDispatchMessageW = user32.NewProc("DispatchMessageW")
)

const (
	gmemMoveable = 0x0002
	gmemZeroInit = 0x0040
	pmRemove     = 0x0001
)

// Source messages arrive on the callback, which may run on any thread. They
// are queued per source identity Id.
var (
	callbackOnce sync.Once
	callbackPtr  uintptr

	eventsMu sync.Mutex
	events   = map[uint32][]uint16{}
)

const maxQueuedEvents = 16

func dsmCallback(origin, dest, dg, dat, msg, data uintptr) uintptr {
	if origin == 0 {
		return uintptr(RCSuccess)
	}
	// TW_IDENTITY begins with the source's Id.
	id := *(*uint32)(unsafe.Pointer(origin))
	eventsMu.Lock()
	if q := events[id]; len(q) < maxQueuedEvents {
		events[id] = append(q, uint16(msg))
	}
	eventsMu.Unlock()
	return uintptr(RCSuccess)
}

type winMsg struct {
	hwnd     uintptr
	message  uint32
	wParam   uintptr
	lParam   uintptr
	time     uint32
	ptX, ptY int32
	lPrivate uint32
}

type windowsDSM struct {
	dll    *windows.LazyDLL
	entry  *windows.LazyProc
	parent uintptr
}

// LoadDSM loads TWAINDSM.dll. It must be called on the thread that will make
// every subsequent call.
func LoadDSM() (DSM, error) {
	const op = "twain.load_dsm"
	dll := windows.NewLazyDLL("TWAINDSM.dll")
	if err := dll.Load(); err != nil {
		return nil, scanerr.New(scanerr.KindBindingUnavailable, op, err)
	}
	entry := dll.NewProc("DSM_Entry")
	if err := entry.Find(); err != nil {
		return nil, scanerr.New(scanerr.KindBindingUnavailable, op, err)
	}
	callbackOnce.Do(func() { callbackPtr = windows.NewCallback(dsmCallback) })
	parent, _, _ := procGetDesktopWindow.Call()
	return &windowsDSM{dll: dll, entry: entry, parent: parent}, nil
}

func ptr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

func (d *windowsDSM) Entry(origin, dest []byte, dg uint32, dat, msg uint16, data []byte) ReturnCode {
	rc, _, _ := d.entry.Call(ptr(origin), ptr(dest), uintptr(dg), uintptr(dat), uintptr(msg), ptr(data))
	return ReturnCode(uint16(rc))
}

func (d *windowsDSM) Alloc(size int) (Handle, error) {
	h, _, err := procGlobalAlloc.Call(gmemMoveable|gmemZeroInit, uintptr(size))
	if h == 0 {
		return 0, fmt.Errorf("GlobalAlloc(%d): %w", size, err)
	}
	return Handle(h), nil
}

func (d *windowsDSM) Read(h Handle, n int) ([]byte, error) {
	size, _, _ := procGlobalSize.Call(uintptr(h))
	if n <= 0 || n > int(size) {
		n = int(size)
	}
	p, _, err := procGlobalLock.Call(uintptr(h))
	if p == 0 {
		return nil, fmt.Errorf("GlobalLock: %w", err)
	}
	defer procGlobalUnlock.Call(uintptr(h))
	out := make([]byte, n)
	copy(out, unsafe.Slice((*byte)(unsafe.Pointer(p)), n))
	return out, nil
}

func (d *windowsDSM) Write(h Handle, b []byte) error {
	size, _, _ := procGlobalSize.Call(uintptr(h))
	if len(b) > int(size) {
		return fmt.Errorf("write %d bytes into %d byte block", len(b), size)
	}
	p, _, err := procGlobalLock.Call(uintptr(h))
	if p == 0 {
		return fmt.Errorf("GlobalLock: %w", err)
	}
	defer procGlobalUnlock.Call(uintptr(h))
	copy(unsafe.Slice((*byte)(unsafe.Pointer(p)), len(b)), b)
	return nil
}

func (d *windowsDSM) Free(h Handle) {
	if h != 0 {
		procGlobalFree.Call(uintptr(h))
	}
}

func (d *windowsDSM) Parent() uintptr { return d.parent }

func (d *windowsDSM) CallbackProc() uintptr { return callbackPtr }

// PollEvent pumps the thread's message queue once, then takes the oldest
// message the callback queued for source.
func (d *windowsDSM) PollEvent(source uint32) (uint16, bool) {
	var m winMsg
	for {
		ok, _, _ := procPeekMessageW.Call(uintptr(unsafe.Pointer(&m)), 0, 0, 0, pmRemove)
		if ok == 0 {
			break
		}
		procTranslateMessage.Call(uintptr(unsafe.Pointer(&m)))
		procDispatchMessageW.Call(uintptr(unsafe.Pointer(&m)))
	}
	eventsMu.Lock()
	defer eventsMu.Unlock()
	q := events[source]
	if len(q) == 0 {
		return 0, false
	}
	msg := q[0]
	if len(q) == 1 {
		delete(events, source)
	} else {
		events[source] = q[1:]
	}
	return msg, true
}

func (d *windowsDSM) DropEvents(source uint32) {
	eventsMu.Lock()
	defer eventsMu.Unlock()
	delete(events, source)
}

// Close is a no-op: the DLL stays mapped and a later LoadDSM reuses it.
func (d *windowsDSM) Close() error { return nil }
