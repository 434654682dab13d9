package sane

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/mzyy94/scanbridge/internal/scanerr"
)

// NetLibrary implements Library over the SANE network protocol. It keeps one
// control connection to saned; each START opens a short-lived data
// connection.
type NetLibrary struct {
	Addr     string // host:port of saned, DefaultPort if no port is given
	Username string
	Timeout  time.Duration // dial timeout

	mu   sync.Mutex // guards conn and serializes RPCs
	conn net.Conn
	rd   *wireReader
	host string
}

var _ Library = (*NetLibrary)(nil)

func (l *NetLibrary) dialer() *net.Dialer {
	t := l.Timeout
	if t <= 0 {
		t = 5 * time.Second
	}
	return &net.Dialer{Timeout: t}
}

// Init connects to saned and performs the INIT handshake.
func (l *NetLibrary) Init(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return nil
	}

	addr := l.Addr
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(DefaultPort))
	}
	host, _, _ := net.SplitHostPort(addr)
	conn, err := l.dialer().DialContext(ctx, "tcp", addr)
	if err != nil {
		return scanerr.New(scanerr.KindBindingUnavailable, "sane.init", fmt.Errorf("dial saned %s: %w", addr, err))
	}
	l.conn, l.rd, l.host = conn, newWireReader(conn), host

	var w wireWriter
	w.word(rpcInit)
	w.word(versionCode)
	w.str(l.Username)
	var version uint32
	err = l.call(ctx, w.buf, func(r *wireReader) error {
		statusErr := r.status("init")
		version = r.word()
		return statusErr
	})
	if err != nil {
		_ = l.closeLocked()
		return err
	}
	slog.Debug("saned connected", "addr", addr, "version", fmt.Sprintf("%d.%d.%d", version>>24, (version>>16)&0xff, version&0xffff))
	return nil
}

// Devices lists the devices saned exports.
func (l *NetLibrary) Devices(ctx context.Context) ([]Device, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var w wireWriter
	w.word(rpcGetDevices)
	var devices []Device
	err := l.call(ctx, w.buf, func(r *wireReader) error {
		if err := r.status("get_devices"); err != nil {
			return err
		}
		n := r.length()
		for range n {
			if r.isNull() {
				continue
			}
			devices = append(devices, r.device())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return devices, nil
}

// Open opens a device by name.
func (l *NetLibrary) Open(ctx context.Context, name string) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var w wireWriter
	w.word(rpcOpen)
	w.str(name)
	var handle uint32
	var resource string
	err := l.call(ctx, w.buf, func(r *wireReader) error {
		statusErr := r.status("open")
		handle = r.word()
		resource = r.str()
		return statusErr
	})
	if err != nil {
		return nil, err
	}
	if resource != "" {
		return nil, &StatusError{Op: "open " + name + " (authorization required)", Status: StatusAccessDenied}
	}
	return &netHandle{lib: l, id: handle, name: name}, nil
}

// Exit ends the session and closes the control connection.
func (l *NetLibrary) Exit() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	var w wireWriter
	w.word(rpcExit)
	if _, err := l.conn.Write(w.buf); err != nil {
		slog.Debug("send exit to saned", "error", err)
	}
	return l.closeLocked()
}

func (l *NetLibrary) closeLocked() error {
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn, l.rd = nil, nil
	return err
}

// call writes req and runs read on the reply while holding l.mu. The
// connection deadline follows ctx for the whole exchange.
func (l *NetLibrary) call(ctx context.Context, req []byte, read func(r *wireReader) error) error {
	if l.conn == nil {
		return fmt.Errorf("saned session not initialized")
	}
	conn := l.conn
	if d, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(d)
	} else {
		_ = conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	l.rd.err = nil
	if _, err := conn.Write(req); err != nil {
		return err
	}
	if err := read(l.rd); err != nil {
		return err
	}
	return l.rd.err
}

// ----------------------------------------------------------------------------

type netHandle struct {
	lib  *NetLibrary
	id   uint32
	name string

	dataMu    sync.Mutex
	port      int
	byteOrder uint32
	depth     int
}

func (h *netHandle) Options(ctx context.Context) ([]OptionDescriptor, error) {
	l := h.lib
	l.mu.Lock()
	defer l.mu.Unlock()

	var w wireWriter
	w.word(rpcGetOptionDescriptors)
	w.word(h.id)
	var opts []OptionDescriptor
	err := l.call(ctx, w.buf, func(r *wireReader) error {
		n := r.length()
		for range n {
			if r.isNull() {
				opts = append(opts, OptionDescriptor{})
				continue
			}
			opts = append(opts, r.optionDescriptor())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return opts, nil
}

func (h *netHandle) control(ctx context.Context, index int, action uint32, v Value, size int32) (Value, error) {
	l := h.lib
	l.mu.Lock()
	defer l.mu.Unlock()

	var w wireWriter
	w.word(rpcControlOption)
	w.word(h.id)
	w.word(uint32(index))
	w.word(action)
	w.word(uint32(v.Type))
	w.int(size)
	w.value(v, size)
	var out Value
	err := l.call(ctx, w.buf, func(r *wireReader) error {
		statusErr := r.status("control_option")
		_ = r.word() // info
		typ := ValueType(r.word())
		_ = r.word() // value size
		out = r.value(typ)
		_ = r.str() // resource
		if r.err != nil {
			return r.err
		}
		return statusErr
	})
	return out, err
}

func (h *netHandle) GetOption(ctx context.Context, index int, desc OptionDescriptor) (Value, error) {
	return h.control(ctx, index, actionGet, Value{Type: desc.Type}, desc.Size)
}

func (h *netHandle) SetOption(ctx context.Context, index int, v Value) error {
	size := int32(4 * len(v.Words))
	if v.Type == TypeString {
		size = int32(len(v.String) + 1)
	}
	_, err := h.control(ctx, index, actionSet, v, size)
	return err
}

func (h *netHandle) Start(ctx context.Context) error {
	l := h.lib
	l.mu.Lock()
	defer l.mu.Unlock()

	var w wireWriter
	w.word(rpcStart)
	w.word(h.id)
	var port, order uint32
	err := l.call(ctx, w.buf, func(r *wireReader) error {
		statusErr := r.status("start")
		port = r.word()
		order = r.word()
		_ = r.str() // resource
		if r.err != nil {
			return r.err
		}
		return statusErr
	})
	if err != nil {
		return err
	}
	h.dataMu.Lock()
	h.port, h.byteOrder = int(port), order
	h.dataMu.Unlock()
	return nil
}

func (h *netHandle) Parameters(ctx context.Context) (Parameters, error) {
	l := h.lib
	l.mu.Lock()
	defer l.mu.Unlock()

	var w wireWriter
	w.word(rpcGetParameters)
	w.word(h.id)
	var p Parameters
	err := l.call(ctx, w.buf, func(r *wireReader) error {
		statusErr := r.status("get_parameters")
		p = r.parameters()
		if r.err != nil {
			return r.err
		}
		return statusErr
	})
	if err != nil {
		return Parameters{}, err
	}
	h.dataMu.Lock()
	h.depth = p.Depth
	h.dataMu.Unlock()
	return p, nil
}

// Read connects to the data port announced by Start and reads one frame.
func (h *netHandle) Read(ctx context.Context) ([]byte, error) {
	h.dataMu.Lock()
	port, order, depth := h.port, h.byteOrder, h.depth
	h.port = 0
	h.dataMu.Unlock()
	if port == 0 {
		return nil, fmt.Errorf("read without start")
	}

	conn, err := h.lib.dialer().DialContext(ctx, "tcp", net.JoinHostPort(h.lib.host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("dial data port %d: %w", port, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	data, err := readRecords(conn)
	if err != nil {
		return nil, err
	}
	if depth == 16 && order == byteOrderLittle {
		swap16(data)
	}
	return data, nil
}

// Cancel may run while Read blocks; saned then closes the data connection.
func (h *netHandle) Cancel() error {
	l := h.lib
	l.mu.Lock()
	defer l.mu.Unlock()

	var w wireWriter
	w.word(rpcCancel)
	w.word(h.id)
	return l.call(context.Background(), w.buf, func(r *wireReader) error {
		_ = r.word() // dummy
		return nil
	})
}

func (h *netHandle) Close() error {
	l := h.lib
	l.mu.Lock()
	defer l.mu.Unlock()

	var w wireWriter
	w.word(rpcClose)
	w.word(h.id)
	return l.call(context.Background(), w.buf, func(r *wireReader) error {
		_ = r.word() // dummy
		return nil
	})
}

func swap16(b []byte) {
	for i := 0; i+1 < len(b); i += 2 {
		v := binary.LittleEndian.Uint16(b[i:])
		binary.BigEndian.PutUint16(b[i:], v)
	}
}
