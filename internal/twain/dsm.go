// Package twain drives TWAIN data sources through the data source manager
// (TWAINDSM). Every record crossing the manager boundary is encoded with an
// explicit byte layout; see layout.go.
package twain

import "fmt"

// Data groups.
const (
	DGControl uint32 = 0x0001
	DGImage   uint32 = 0x0002

	// DFApp2 marks an application that supports TWAIN 2 memory management
	// and callbacks.
	DFApp2 uint32 = 0x20000000
	// DFDSM2 is set by a TWAIN 2 manager in its own identity.
	DFDSM2 uint32 = 0x10000000
)

// Data argument types.
const (
	DATCapability      uint16 = 0x0001
	DATEvent           uint16 = 0x0002
	DATIdentity        uint16 = 0x0003
	DATParent          uint16 = 0x0004
	DATPendingXfers    uint16 = 0x0005
	DATStatus          uint16 = 0x0008
	DATUserInterface   uint16 = 0x0009
	DATCallback2       uint16 = 0x0012
	DATImageLayout     uint16 = 0x0102
	DATImageNativeXfer uint16 = 0x0104
)

// Messages.
const (
	MsgGet              uint16 = 0x0001
	MsgGetCurrent       uint16 = 0x0002
	MsgGetFirst         uint16 = 0x0004
	MsgGetNext          uint16 = 0x0005
	MsgSet              uint16 = 0x0006
	MsgReset            uint16 = 0x0007
	MsgXferReady        uint16 = 0x0101
	MsgCloseDSReq       uint16 = 0x0102
	MsgCloseDSOK        uint16 = 0x0103
	MsgDeviceEvent      uint16 = 0x0104
	MsgOpenDSM          uint16 = 0x0301
	MsgCloseDSM         uint16 = 0x0302
	MsgOpenDS           uint16 = 0x0401
	MsgCloseDS          uint16 = 0x0402
	MsgDisableDS        uint16 = 0x0501
	MsgEnableDS         uint16 = 0x0502
	MsgEndXfer          uint16 = 0x0701
	MsgRegisterCallback uint16 = 0x0902
)

// ReturnCode is TWRC_*.
type ReturnCode uint16

const (
	RCSuccess          ReturnCode = 0
	RCFailure          ReturnCode = 1
	RCCheckStatus      ReturnCode = 2
	RCCancel           ReturnCode = 3
	RCDSEvent          ReturnCode = 4
	RCNotDSEvent       ReturnCode = 5
	RCXferDone         ReturnCode = 6
	RCEndOfList        ReturnCode = 7
	RCInfoNotSupported ReturnCode = 8
	RCDataNotAvailable ReturnCode = 9
)

var returnCodeNames = map[ReturnCode]string{
	RCSuccess:          "success",
	RCFailure:          "failure",
	RCCheckStatus:      "check status",
	RCCancel:           "cancel",
	RCDSEvent:          "ds event",
	RCNotDSEvent:       "not ds event",
	RCXferDone:         "transfer done",
	RCEndOfList:        "end of list",
	RCInfoNotSupported: "info not supported",
	RCDataNotAvailable: "data not available",
}

func (rc ReturnCode) String() string {
	if s, ok := returnCodeNames[rc]; ok {
		return s
	}
	return fmt.Sprintf("TWRC %d", uint16(rc))
}

// ConditionCode is TWCC_*.
type ConditionCode uint16

const (
	CCSuccess           ConditionCode = 0
	CCBummer            ConditionCode = 1
	CCLowMemory         ConditionCode = 2
	CCNoDS              ConditionCode = 3
	CCMaxConnections    ConditionCode = 4
	CCOperationError    ConditionCode = 5
	CCBadCap            ConditionCode = 6
	CCBadProtocol       ConditionCode = 9
	CCBadValue          ConditionCode = 10
	CCSeqError          ConditionCode = 11
	CCBadDest           ConditionCode = 12
	CCCapUnsupported    ConditionCode = 13
	CCCapBadOperation   ConditionCode = 14
	CCCapSeqError       ConditionCode = 15
	CCDenied            ConditionCode = 16
	CCPaperJam          ConditionCode = 20
	CCPaperDoubleFeed   ConditionCode = 21
	CCCheckDeviceOnline ConditionCode = 23
	CCInterlock         ConditionCode = 24
	CCNoMedia           ConditionCode = 29
)

// CapID is a capability identifier (CAP_* / ICAP_*).
type CapID uint16

const (
	CapXferCount                 CapID = 0x0001
	ICapPixelType                CapID = 0x0101
	ICapUnits                    CapID = 0x0102
	ICapXferMech                 CapID = 0x0103
	CapFeederEnabled             CapID = 0x1002
	CapFeederLoaded              CapID = 0x1003
	CapAutoFeed                  CapID = 0x1007
	CapDeviceOnline              CapID = 0x100F
	CapDuplex                    CapID = 0x1012
	CapDuplexEnabled             CapID = 0x1013
	ICapBrightness               CapID = 0x1101
	ICapContrast                 CapID = 0x1103
	ICapPhysicalWidth            CapID = 0x1111
	ICapPhysicalHeight           CapID = 0x1112
	ICapXResolution              CapID = 0x1118
	ICapYResolution              CapID = 0x1119
	ICapAutoDiscardBlankPages    CapID = 0x1134
	ICapAutomaticBorderDetection CapID = 0x1150
	ICapAutomaticDeskew          CapID = 0x1151
)

// Container types (TWON_*).
const (
	ConArray       uint16 = 3
	ConEnumeration uint16 = 4
	ConOneValue    uint16 = 5
	ConRange       uint16 = 6
	ConDontCare    uint16 = 0xffff
)

// ItemType is TWTY_*.
type ItemType uint16

const (
	TyInt8   ItemType = 0
	TyInt16  ItemType = 1
	TyInt32  ItemType = 2
	TyUInt8  ItemType = 3
	TyUInt16 ItemType = 4
	TyUInt32 ItemType = 5
	TyBool   ItemType = 6
	TyFix32  ItemType = 7
)

// Size returns the in-list size of an item, 0 for unsupported types.
func (t ItemType) Size() int {
	switch t {
	case TyInt8, TyUInt8:
		return 1
	case TyInt16, TyUInt16, TyBool:
		return 2
	case TyInt32, TyUInt32, TyFix32:
		return 4
	}
	return 0
}

// Misc values.
const (
	twsxNative  = 0      // ICAP_XFERMECH native transfer
	twunInches  = 0      // ICAP_UNITS
	twdxNone    = 0      // CAP_DUPLEX
	twbpDisable = -2     // ICAP_AUTODISCARDBLANKPAGES
	twbpAuto    = -1     // ICAP_AUTODISCARDBLANKPAGES
	twlgEnglish = 13     // TWLG_ENGLISH_USA
	twcyUSA     = 1      // TWCY_USA
	countAll    = 0xffff // CAP_XFERCOUNT "as many as possible" as uint16
)

// Handle is manager-allocated memory (a Windows HGLOBAL).
type Handle uintptr

// DSM is the data source manager entry point plus the memory and event
// services a session needs. Implementations are not reentrant; every call
// happens on one locked worker thread.
type DSM interface {
	// Entry is DSM_Entry. dest is nil for messages addressed to the manager.
	// data points at the native record and is updated in place.
	Entry(origin, dest []byte, dg uint32, dat, msg uint16, data []byte) ReturnCode

	Alloc(size int) (Handle, error)
	// Read copies n bytes from h, or the whole block when n <= 0.
	Read(h Handle, n int) ([]byte, error)
	Write(h Handle, b []byte) error
	Free(h Handle)

	// Parent returns the window handle passed with MSG_OPENDSM.
	Parent() uintptr
	// CallbackProc returns the function pointer registered with
	// DAT_CALLBACK2, or 0 when callbacks are unsupported.
	CallbackProc() uintptr
	// PollEvent pumps pending platform events and returns the oldest message
	// (MSG_XFERREADY, MSG_CLOSEDSREQ) posted by the source with the given
	// identity Id. It never blocks.
	PollEvent(source uint32) (uint16, bool)
	// DropEvents discards the messages queued for a closed source.
	DropEvents(source uint32)

	Close() error
}
