// Package sane drives scanners exposed by the SANE library. The library is
// reached through the Library interface; NetLibrary implements it over the
// SANE network protocol spoken by saned.
package sane

import (
	"context"
	"errors"
	"fmt"

	"github.com/mzyy94/scanbridge/internal/capability"
	"github.com/mzyy94/scanbridge/internal/scanerr"
)

// Device is one entry of the library's device list.
type Device struct {
	Name   string // e.g. "fujitsu:fi-7160:12345"
	Vendor string
	Model  string
	Type   string // e.g. "flatbed scanner", "sheetfed scanner"
}

// ValueType is SANE_Value_Type.
type ValueType uint32

const (
	TypeBool ValueType = iota
	TypeInt
	TypeFixed
	TypeString
	TypeButton
	TypeGroup
)

// Unit is SANE_Unit.
type Unit uint32

const (
	UnitNone Unit = iota
	UnitPixel
	UnitBit
	UnitMM
	UnitDPI
	UnitPercent
	UnitMicrosecond
)

// ConstraintType is SANE_Constraint_Type.
type ConstraintType uint32

const (
	ConstraintNone ConstraintType = iota
	ConstraintRange
	ConstraintWordList
	ConstraintStringList
)

// Option capability bits (SANE_CAP_*).
const (
	CapSoftSelect = 1 << 0
	CapSoftDetect = 1 << 2
	CapInactive   = 1 << 5
)

// Range is SANE_Range. Values are raw words (fixed-point for TypeFixed).
type Range struct {
	Min, Max, Quant int32
}

// Constraint restricts the values an option accepts.
type Constraint struct {
	Type    ConstraintType
	Range   Range
	Words   []int32
	Strings []string
}

// OptionDescriptor is SANE_Option_Descriptor.
type OptionDescriptor struct {
	Name       string
	Title      string
	Desc       string
	Type       ValueType
	Unit       Unit
	Size       int32
	Cap        int32
	Constraint Constraint
}

// Active reports whether the option can currently be read.
func (d OptionDescriptor) Active() bool { return d.Cap&CapInactive == 0 }

// Settable reports whether software may set the option.
func (d OptionDescriptor) Settable() bool { return d.Cap&CapSoftSelect != 0 }

// Value is an option value: Words for bool/int/fixed options, String for
// string options.
type Value struct {
	Type   ValueType
	Words  []int32
	String string
}

// IntValue returns a single-word integer value.
func IntValue(v int) Value { return Value{Type: TypeInt, Words: []int32{int32(v)}} }

// FixedValue returns a single-word fixed-point value.
func FixedValue(v float64) Value {
	return Value{Type: TypeFixed, Words: []int32{capability.FloatToSANEFixed(v)}}
}

// BoolValue returns a boolean value.
func BoolValue(b bool) Value {
	v := Value{Type: TypeBool, Words: []int32{0}}
	if b {
		v.Words[0] = 1
	}
	return v
}

// StringValue returns a string value.
func StringValue(s string) Value { return Value{Type: TypeString, String: s} }

// FrameFormat is SANE_Frame.
type FrameFormat uint32

const (
	FrameGray FrameFormat = iota
	FrameRGB
	FrameRed
	FrameGreen
	FrameBlue
)

// Parameters is SANE_Parameters.
type Parameters struct {
	Format        FrameFormat
	LastFrame     bool
	BytesPerLine  int
	PixelsPerLine int
	Lines         int // -1 when unknown in advance
	Depth         int
}

// Library is the process-wide scanning library. Implementations are not
// reentrant; Runtime funnels every call through one worker goroutine.
type Library interface {
	Init(ctx context.Context) error
	Devices(ctx context.Context) ([]Device, error)
	Open(ctx context.Context, name string) (Handle, error)
	Exit() error
}

// Handle is an open device. Cancel may be called from any goroutine while
// Read blocks; every other method runs on the worker.
type Handle interface {
	Options(ctx context.Context) ([]OptionDescriptor, error)
	GetOption(ctx context.Context, index int, desc OptionDescriptor) (Value, error)
	SetOption(ctx context.Context, index int, v Value) error
	Start(ctx context.Context) error
	Parameters(ctx context.Context) (Parameters, error)
	// Read returns the whole current frame. 16-bit samples are big-endian.
	Read(ctx context.Context) ([]byte, error)
	Cancel() error
	Close() error
}

// ----------------------------------------------------------------------------
// Status codes

// Status is SANE_Status.
type Status uint32

const (
	StatusGood Status = iota
	StatusUnsupported
	StatusCancelled
	StatusDeviceBusy
	StatusInval
	StatusEOF
	StatusJammed
	StatusNoDocs
	StatusCoverOpen
	StatusIOError
	StatusNoMem
	StatusAccessDenied
)

var statusNames = [...]string{
	"Success",
	"Operation not supported",
	"Operation was cancelled",
	"Device busy",
	"Invalid argument",
	"End of file reached",
	"Document feeder jammed",
	"Document feeder out of documents",
	"Scanner cover is open",
	"Error during device I/O",
	"Out of memory",
	"Access to resource has been denied",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status %d", uint32(s))
}

// StatusError is a non-GOOD status returned by the library.
type StatusError struct {
	Op     string
	Status Status
}

func (e *StatusError) Error() string { return e.Op + ": " + e.Status.String() }

// classify normalizes library failures into the scanner error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if scanerr.KindOf(err) != scanerr.KindUnknown {
		return err
	}
	var se *StatusError
	if !errors.As(err, &se) {
		return scanerr.New(scanerr.KindTransport, op, err)
	}
	var kind scanerr.Kind
	switch se.Status {
	case StatusNoDocs:
		kind = scanerr.KindFeederEmpty
	case StatusCancelled:
		kind = scanerr.KindCanceled
	case StatusDeviceBusy, StatusJammed, StatusCoverOpen:
		kind = scanerr.KindDeviceBusy
	case StatusUnsupported:
		kind = scanerr.KindCapabilityMismatch
	case StatusIOError, StatusAccessDenied:
		kind = scanerr.KindTransport
	default:
		kind = scanerr.KindProtocol
	}
	return scanerr.New(kind, op, se)
}
