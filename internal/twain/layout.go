package twain

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Records exchanged with the data source manager. The TWAIN ABI packs every
// structure on 2-byte boundaries; the offsets below are that layout for
// 64-bit Windows and are written field by field, never by struct copy.
//
// Handles (TW_HANDLE, TW_MEMREF, TW_UINTPTR) are 8 bytes.

var le = binary.LittleEndian

// String fields are fixed TW_STR32 arrays: 33 characters plus NUL, padded
// to 34 bytes.
const str32Len = 34

func putStr32(b []byte, s string) {
	clear(b[:str32Len])
	if len(s) > str32Len-2 {
		s = s[:str32Len-2]
	}
	copy(b, s)
}

func getStr32(b []byte) string {
	b = b[:str32Len]
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func checkLen(name string, b []byte, size int) error {
	if len(b) < size {
		return fmt.Errorf("%s: %d bytes, want %d", name, len(b), size)
	}
	return nil
}

// ----------------------------------------------------------------------------
// TW_FIX32: Whole int16 @0, Frac uint16 @2.

// Fix32 is a TWAIN fixed-point number packed into its 4-byte wire form.
type Fix32 uint32

// Fix32FromFloat rounds v to 1/65536.
func Fix32FromFloat(v float64) Fix32 {
	n := int32(math.Round(v * 65536))
	whole := int16(n >> 16)
	frac := uint16(n & 0xffff)
	return Fix32(uint32(uint16(whole)) | uint32(frac)<<16)
}

// Float returns the value of f.
func (f Fix32) Float() float64 {
	whole := int16(uint16(f))
	frac := uint16(f >> 16)
	return float64(whole) + float64(frac)/65536
}

// ----------------------------------------------------------------------------
// TW_VERSION, 42 bytes:
//
//	MajorNum  uint16   @0
//	MinorNum  uint16   @2
//	Language  uint16   @4
//	Country   uint16   @6
//	Info      [34]byte @8
const versionSize = 42

// Version is TW_VERSION.
type Version struct {
	MajorNum uint16
	MinorNum uint16
	Language uint16
	Country  uint16
	Info     string
}

func (v Version) put(b []byte) {
	le.PutUint16(b[0:], v.MajorNum)
	le.PutUint16(b[2:], v.MinorNum)
	le.PutUint16(b[4:], v.Language)
	le.PutUint16(b[6:], v.Country)
	putStr32(b[8:], v.Info)
}

func getVersion(b []byte) Version {
	return Version{
		MajorNum: le.Uint16(b[0:]),
		MinorNum: le.Uint16(b[2:]),
		Language: le.Uint16(b[4:]),
		Country:  le.Uint16(b[6:]),
		Info:     getStr32(b[8:]),
	}
}

// ----------------------------------------------------------------------------
// TW_IDENTITY, 156 bytes:
//
//	Id              uint32     @0
//	Version         TW_VERSION @4
//	ProtocolMajor   uint16     @46
//	ProtocolMinor   uint16     @48
//	SupportedGroups uint32     @50
//	Manufacturer    [34]byte   @54
//	ProductFamily   [34]byte   @88
//	ProductName     [34]byte   @122
const identitySize = 156

// Identity is TW_IDENTITY. Id is assigned by the manager.
type Identity struct {
	ID              uint32
	Version         Version
	ProtocolMajor   uint16
	ProtocolMinor   uint16
	SupportedGroups uint32
	Manufacturer    string
	ProductFamily   string
	ProductName     string
}

// MarshalBinary encodes the identity in its native layout.
func (id Identity) MarshalBinary() ([]byte, error) {
	b := make([]byte, identitySize)
	le.PutUint32(b[0:], id.ID)
	id.Version.put(b[4:])
	le.PutUint16(b[46:], id.ProtocolMajor)
	le.PutUint16(b[48:], id.ProtocolMinor)
	le.PutUint32(b[50:], id.SupportedGroups)
	putStr32(b[54:], id.Manufacturer)
	putStr32(b[88:], id.ProductFamily)
	putStr32(b[122:], id.ProductName)
	return b, nil
}

// UnmarshalBinary decodes a native identity record.
func (id *Identity) UnmarshalBinary(b []byte) error {
	if err := checkLen("TW_IDENTITY", b, identitySize); err != nil {
		return err
	}
	*id = Identity{
		ID:              le.Uint32(b[0:]),
		Version:         getVersion(b[4:]),
		ProtocolMajor:   le.Uint16(b[46:]),
		ProtocolMinor:   le.Uint16(b[48:]),
		SupportedGroups: le.Uint32(b[50:]),
		Manufacturer:    getStr32(b[54:]),
		ProductFamily:   getStr32(b[88:]),
		ProductName:     getStr32(b[122:]),
	}
	return nil
}

// ----------------------------------------------------------------------------
// TW_USERINTERFACE, 12 bytes:
//
//	ShowUI  uint16    @0
//	ModalUI uint16    @2
//	hParent TW_HANDLE @4
const userInterfaceSize = 12

// UserInterface is TW_USERINTERFACE.
type UserInterface struct {
	ShowUI  bool
	ModalUI bool
	Parent  uintptr
}

// MarshalBinary encodes the record in its native layout.
func (u UserInterface) MarshalBinary() ([]byte, error) {
	b := make([]byte, userInterfaceSize)
	le.PutUint16(b[0:], boolWord(u.ShowUI))
	le.PutUint16(b[2:], boolWord(u.ModalUI))
	le.PutUint64(b[4:], uint64(u.Parent))
	return b, nil
}

func boolWord(v bool) uint16 {
	if v {
		return 1
	}
	return 0
}

// ----------------------------------------------------------------------------
// TW_STATUS, 4 bytes:
//
//	ConditionCode uint16 @0
//	Data          uint16 @2
const statusSize = 4

// Status is TW_STATUS.
type Status struct {
	ConditionCode ConditionCode
	Data          uint16
}

// UnmarshalBinary decodes a native status record.
func (s *Status) UnmarshalBinary(b []byte) error {
	if err := checkLen("TW_STATUS", b, statusSize); err != nil {
		return err
	}
	s.ConditionCode = ConditionCode(le.Uint16(b[0:]))
	s.Data = le.Uint16(b[2:])
	return nil
}

// ----------------------------------------------------------------------------
// TW_CAPABILITY, 12 bytes:
//
//	Cap        uint16    @0
//	ConType    uint16    @2
//	hContainer TW_HANDLE @4
const capabilitySize = 12

// Capability is TW_CAPABILITY. Container is a manager-allocated handle.
type Capability struct {
	Cap       CapID
	ConType   uint16
	Container Handle
}

// MarshalBinary encodes the record in its native layout.
func (c Capability) MarshalBinary() ([]byte, error) {
	b := make([]byte, capabilitySize)
	le.PutUint16(b[0:], uint16(c.Cap))
	le.PutUint16(b[2:], c.ConType)
	le.PutUint64(b[4:], uint64(c.Container))
	return b, nil
}

// UnmarshalBinary decodes a native capability record.
func (c *Capability) UnmarshalBinary(b []byte) error {
	if err := checkLen("TW_CAPABILITY", b, capabilitySize); err != nil {
		return err
	}
	c.Cap = CapID(le.Uint16(b[0:]))
	c.ConType = le.Uint16(b[2:])
	c.Container = Handle(le.Uint64(b[4:]))
	return nil
}

// ----------------------------------------------------------------------------
// Capability containers. Item values are widened to uint32.

// TW_ONEVALUE, 6 bytes:
//
//	ItemType uint16 @0
//	Item     uint32 @2
const oneValueSize = 6

// OneValue is TW_ONEVALUE.
type OneValue struct {
	ItemType ItemType
	Item     uint32
}

// MarshalBinary encodes the record in its native layout.
func (v OneValue) MarshalBinary() ([]byte, error) {
	b := make([]byte, oneValueSize)
	le.PutUint16(b[0:], uint16(v.ItemType))
	le.PutUint32(b[2:], v.Item)
	return b, nil
}

// UnmarshalBinary decodes a native one-value container.
func (v *OneValue) UnmarshalBinary(b []byte) error {
	if err := checkLen("TW_ONEVALUE", b, oneValueSize); err != nil {
		return err
	}
	v.ItemType = ItemType(le.Uint16(b[0:]))
	v.Item = le.Uint32(b[2:])
	return nil
}

// TW_ENUMERATION, 14 bytes plus items:
//
//	ItemType     uint16 @0
//	NumItems     uint32 @2
//	CurrentIndex uint32 @6
//	DefaultIndex uint32 @10
//	ItemList     []item @14
const enumerationHeader = 14

// Enumeration is TW_ENUMERATION.
type Enumeration struct {
	ItemType     ItemType
	CurrentIndex uint32
	DefaultIndex uint32
	Items        []uint32
}

// UnmarshalBinary decodes a native enumeration container.
func (e *Enumeration) UnmarshalBinary(b []byte) error {
	if err := checkLen("TW_ENUMERATION", b, enumerationHeader); err != nil {
		return err
	}
	e.ItemType = ItemType(le.Uint16(b[0:]))
	n := int(le.Uint32(b[2:]))
	e.CurrentIndex = le.Uint32(b[6:])
	e.DefaultIndex = le.Uint32(b[10:])
	size := e.ItemType.Size()
	if size == 0 {
		return fmt.Errorf("TW_ENUMERATION: unsupported item type %d", e.ItemType)
	}
	if err := checkLen("TW_ENUMERATION items", b, enumerationHeader+n*size); err != nil {
		return err
	}
	e.Items = make([]uint32, n)
	for i := range n {
		e.Items[i] = readItem(b[enumerationHeader+i*size:], size)
	}
	return nil
}

// TW_RANGE, 22 bytes:
//
//	ItemType     uint16 @0
//	MinValue     uint32 @2
//	MaxValue     uint32 @6
//	StepSize     uint32 @10
//	DefaultValue uint32 @14
//	CurrentValue uint32 @18
const rangeSize = 22

// RangeValue is TW_RANGE.
type RangeValue struct {
	ItemType ItemType
	Min      uint32
	Max      uint32
	Step     uint32
	Default  uint32
	Current  uint32
}

// UnmarshalBinary decodes a native range container.
func (r *RangeValue) UnmarshalBinary(b []byte) error {
	if err := checkLen("TW_RANGE", b, rangeSize); err != nil {
		return err
	}
	*r = RangeValue{
		ItemType: ItemType(le.Uint16(b[0:])),
		Min:      le.Uint32(b[2:]),
		Max:      le.Uint32(b[6:]),
		Step:     le.Uint32(b[10:]),
		Default:  le.Uint32(b[14:]),
		Current:  le.Uint32(b[18:]),
	}
	return nil
}

func readItem(b []byte, size int) uint32 {
	switch size {
	case 1:
		return uint32(b[0])
	case 2:
		return uint32(le.Uint16(b))
	default:
		return le.Uint32(b)
	}
}

// ----------------------------------------------------------------------------
// TW_PENDINGXFERS, 6 bytes:
//
//	Count    uint16 @0
//	EOJ      uint32 @2
const pendingXfersSize = 6

// PendingXfers is TW_PENDINGXFERS. Count is 0xFFFF when unknown.
type PendingXfers struct {
	Count uint16
	EOJ   uint32
}

// MarshalBinary encodes the record in its native layout.
func (p PendingXfers) MarshalBinary() ([]byte, error) {
	b := make([]byte, pendingXfersSize)
	le.PutUint16(b[0:], p.Count)
	le.PutUint32(b[2:], p.EOJ)
	return b, nil
}

// UnmarshalBinary decodes a native record.
func (p *PendingXfers) UnmarshalBinary(b []byte) error {
	if err := checkLen("TW_PENDINGXFERS", b, pendingXfersSize); err != nil {
		return err
	}
	p.Count = le.Uint16(b[0:])
	p.EOJ = le.Uint32(b[2:])
	return nil
}

// ----------------------------------------------------------------------------
// TW_CALLBACK2, 18 bytes:
//
//	CallBackProc TW_MEMREF  @0
//	RefCon       TW_UINTPTR @8
//	Message      int16      @16
const callback2Size = 18

// Callback2 is TW_CALLBACK2.
type Callback2 struct {
	Proc    uintptr
	RefCon  uintptr
	Message int16
}

// MarshalBinary encodes the record in its native layout.
func (c Callback2) MarshalBinary() ([]byte, error) {
	b := make([]byte, callback2Size)
	le.PutUint64(b[0:], uint64(c.Proc))
	le.PutUint64(b[8:], uint64(c.RefCon))
	le.PutUint16(b[16:], uint16(c.Message))
	return b, nil
}

// ----------------------------------------------------------------------------
// TW_IMAGELAYOUT, 28 bytes:
//
//	Frame.Left     TW_FIX32 @0
//	Frame.Top      TW_FIX32 @4
//	Frame.Right    TW_FIX32 @8
//	Frame.Bottom   TW_FIX32 @12
//	DocumentNumber uint32   @16
//	PageNumber     uint32   @20
//	FrameNumber    uint32   @24
const imageLayoutSize = 28

// ImageLayout is TW_IMAGELAYOUT with the frame in inches.
type ImageLayout struct {
	Left, Top, Right, Bottom float64
	DocumentNumber           uint32
	PageNumber               uint32
	FrameNumber              uint32
}

// MarshalBinary encodes the record in its native layout.
func (l ImageLayout) MarshalBinary() ([]byte, error) {
	b := make([]byte, imageLayoutSize)
	le.PutUint32(b[0:], uint32(Fix32FromFloat(l.Left)))
	le.PutUint32(b[4:], uint32(Fix32FromFloat(l.Top)))
	le.PutUint32(b[8:], uint32(Fix32FromFloat(l.Right)))
	le.PutUint32(b[12:], uint32(Fix32FromFloat(l.Bottom)))
	le.PutUint32(b[16:], l.DocumentNumber)
	le.PutUint32(b[20:], l.PageNumber)
	le.PutUint32(b[24:], l.FrameNumber)
	return b, nil
}

// UnmarshalBinary decodes a native record.
func (l *ImageLayout) UnmarshalBinary(b []byte) error {
	if err := checkLen("TW_IMAGELAYOUT", b, imageLayoutSize); err != nil {
		return err
	}
	*l = ImageLayout{
		Left:           Fix32(le.Uint32(b[0:])).Float(),
		Top:            Fix32(le.Uint32(b[4:])).Float(),
		Right:          Fix32(le.Uint32(b[8:])).Float(),
		Bottom:         Fix32(le.Uint32(b[12:])).Float(),
		DocumentNumber: le.Uint32(b[16:]),
		PageNumber:     le.Uint32(b[20:]),
		FrameNumber:    le.Uint32(b[24:]),
	}
	return nil
}
