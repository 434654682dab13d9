// Package scanner defines the protocol-independent Scanner abstraction that
// every backend (eSCL, SANE, TWAIN) implements.
package scanner

import (
	"context"
	"fmt"
	"strings"

	"github.com/mzyy94/scanbridge/internal/capability"
)

// Protocol identifies the backend family of a device.
type Protocol int

const (
	ProtocolUnknown Protocol = iota
	ProtocolESCL
	ProtocolSANE
	ProtocolTWAIN
)

func (p Protocol) String() string {
	switch p {
	case ProtocolESCL:
		return "escl"
	case ProtocolSANE:
		return "sane"
	case ProtocolTWAIN:
		return "twain"
	default:
		return "unknown"
	}
}

// ParseProtocol parses a protocol name as stored in device registrations.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "escl", "airscan":
		return ProtocolESCL, nil
	case "sane":
		return ProtocolSANE, nil
	case "twain":
		return ProtocolTWAIN, nil
	}
	return ProtocolUnknown, fmt.Errorf("unknown protocol %q", s)
}

// Identity describes the device a Scanner talks to.
type Identity struct {
	Protocol     Protocol
	Name         string
	Manufacturer string
	Model        string
	Serial       string
	Connection   string // protocol-specific address, e.g. "http://host:80/eSCL"
}

// State is the coarse device state reported by Status.
type State int

const (
	StateUnknown State = iota
	StateIdle
	StateProcessing
	StateStopped
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProcessing:
		return "processing"
	case StateStopped:
		return "stopped"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// ADFState is the document feeder state.
type ADFState int

const (
	ADFUnknown ADFState = iota
	ADFLoaded
	ADFEmpty
	ADFJam
)

func (a ADFState) String() string {
	switch a {
	case ADFLoaded:
		return "loaded"
	case ADFEmpty:
		return "empty"
	case ADFJam:
		return "jam"
	default:
		return "unknown"
	}
}

// StatusInfo is a point-in-time device status.
type StatusInfo struct {
	State     State
	ADF       ADFState
	JobActive bool
	Detail    string
}

// Scanner is one device session. Implementations serialize operations on a
// session: Capabilities, then Scan or ScanStream per job. CancelScan and Status
// may be called concurrently with an in-flight scan.
type Scanner interface {
	Identity() Identity
	IsAvailable(ctx context.Context) bool
	Capabilities(ctx context.Context) (capability.ScannerCapabilities, error)

	// Scan drives one job to completion. It never returns nil; failures are
	// reported inside the result together with any pages already captured.
	Scan(ctx context.Context, opts capability.ScanOptions) *ScanResult

	// ScanStream drives a new job and yields pages as they arrive.
	ScanStream(ctx context.Context, opts capability.ScanOptions) *Stream

	Status(ctx context.Context) StatusInfo

	// CancelScan interrupts the in-flight job. It reports whether a cancel
	// was actually delivered and never panics or blocks indefinitely.
	CancelScan(ctx context.Context) bool

	Preview(ctx context.Context) *ScanResult
	Close() error
}

// NoCancel can be embedded by backends whose protocol has no mid-job cancel.
type NoCancel struct{}

// CancelScan always reports false.
func (NoCancel) CancelScan(context.Context) bool { return false }

// DefaultPreview scans with capability.PreviewOptions derived from the
// device's own capabilities.
func DefaultPreview(ctx context.Context, s Scanner) *ScanResult {
	caps, err := s.Capabilities(ctx)
	if err != nil {
		r := NewResult(capability.FormatJPEG)
		r.Fail(err)
		return r.Done()
	}
	return s.Scan(ctx, capability.PreviewOptions(caps))
}
