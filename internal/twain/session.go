package twain

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/mzyy94/scanbridge/internal/scanerr"
)

// TWAIN states. Session.Close unwinds to stateDSMOpen, Manager.Close to
// stateLoaded and below.
const (
	stateLoaded    = 2 // manager library loaded
	stateDSMOpen   = 3
	stateDSOpen    = 4
	stateEnabled   = 5
	stateXferReady = 6
)

// Error is a failed DSM_Entry call together with the condition code read
// back through DAT_STATUS.
type Error struct {
	Op   string
	RC   ReturnCode
	Cond ConditionCode
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (condition %d)", e.Op, e.RC, e.Cond)
}

// Kind maps the failure onto the scanner error taxonomy.
func (e *Error) Kind() scanerr.Kind {
	if e.RC == RCCancel {
		return scanerr.KindCanceled
	}
	switch e.Cond {
	case CCNoMedia:
		return scanerr.KindFeederEmpty
	case CCPaperJam, CCPaperDoubleFeed, CCInterlock, CCMaxConnections, CCDenied:
		return scanerr.KindDeviceBusy
	case CCNoDS, CCCheckDeviceOnline:
		return scanerr.KindDeviceOffline
	case CCBadCap, CCBadValue, CCCapUnsupported, CCCapBadOperation:
		return scanerr.KindCapabilityMismatch
	case CCLowMemory, CCBummer, CCOperationError:
		return scanerr.KindTransport
	}
	return scanerr.KindProtocol
}

// classify wraps err in the scanner error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if scanerr.KindOf(err) != scanerr.KindUnknown {
		return err
	}
	var te *Error
	if errors.As(err, &te) {
		return scanerr.New(te.Kind(), op, te)
	}
	return scanerr.New(scanerr.KindProtocol, op, err)
}

// AppIdentity is the identity this process registers with the manager.
func AppIdentity() Identity {
	return Identity{
		Version: Version{
			MajorNum: 1,
			Language: twlgEnglish,
			Country:  twcyUSA,
			Info:     "scanbridge",
		},
		ProtocolMajor:   2,
		ProtocolMinor:   4,
		SupportedGroups: DGControl | DGImage | DFApp2,
		Manufacturer:    "mzyy94",
		ProductFamily:   "scanbridge",
		ProductName:     "scanbridge",
	}
}

// Manager is the application's connection to the data source manager. One
// Manager serves enumeration and every source opened in a process. It is
// confined to the worker thread that opened it.
type Manager struct {
	dsm    DSM
	app    []byte // TW_IDENTITY of the application, Id filled in by the manager
	parent []byte
	state  int
}

// OpenManager registers the application identity and opens the manager.
// On error the manager library is already released.
func OpenManager(dsm DSM) (*Manager, error) {
	app, _ := AppIdentity().MarshalBinary()
	m := &Manager{dsm: dsm, app: app, state: stateLoaded}
	m.parent = make([]byte, 8)
	le.PutUint64(m.parent, uint64(dsm.Parent()))

	if rc := dsm.Entry(m.app, nil, DGControl, DATParent, MsgOpenDSM, m.parent); rc != RCSuccess {
		err := m.fail("open manager", rc, nil)
		if cerr := m.Close(); cerr != nil {
			slog.Warn("release TWAIN manager", "error", cerr)
		}
		return nil, classify("twain.open_dsm", err)
	}
	m.state = stateDSMOpen
	return m, nil
}

// Sources lists the data sources known to the manager.
func (m *Manager) Sources() ([]Identity, error) {
	var out []Identity
	msg := MsgGetFirst
	for {
		buf := make([]byte, identitySize)
		rc := m.dsm.Entry(m.app, nil, DGControl, DATIdentity, msg, buf)
		switch rc {
		case RCSuccess:
		case RCEndOfList:
			return out, nil
		default:
			return out, classify("twain.sources", m.fail("enumerate sources", rc, nil))
		}
		var id Identity
		if err := id.UnmarshalBinary(buf); err != nil {
			return out, classify("twain.sources", err)
		}
		out = append(out, id)
		msg = MsgGetNext
	}
}

// OpenSource opens the source whose product name matches product
// (case-insensitively), or the first source when product is empty, and
// registers the event callback.
func (m *Manager) OpenSource(product string) (*Session, error) {
	const op = "twain.open_ds"
	sources, err := m.Sources()
	if err != nil {
		return nil, err
	}
	var chosen *Identity
	for i := range sources {
		if product == "" || strings.EqualFold(sources[i].ProductName, product) {
			chosen = &sources[i]
			break
		}
	}
	if chosen == nil {
		return nil, scanerr.Errorf(scanerr.KindDeviceOffline, op, "no data source named %q", product)
	}

	src, _ := chosen.MarshalBinary()
	if rc := m.dsm.Entry(m.app, nil, DGControl, DATIdentity, MsgOpenDS, src); rc != RCSuccess {
		return nil, classify(op, m.fail("open source "+chosen.ProductName, rc, nil))
	}
	s := &Session{m: m, src: src, state: stateDSOpen}
	if err := s.source.UnmarshalBinary(src); err != nil {
		return nil, classify(op, errors.Join(err, s.Close()))
	}

	if proc := m.dsm.CallbackProc(); proc != 0 {
		cb, _ := Callback2{Proc: proc}.MarshalBinary()
		if rc := m.dsm.Entry(m.app, s.src, DGControl, DATCallback2, MsgRegisterCallback, cb); rc != RCSuccess {
			slog.Warn("register TWAIN callback", "source", s.source.ProductName, "error", m.fail("register callback", rc, s.src))
		}
	}
	slog.Debug("TWAIN source opened", "source", s.source.ProductName, "id", s.source.ID)
	return s, nil
}

// Close closes the manager and unloads it. Sources must be closed first.
func (m *Manager) Close() error {
	var result *multierror.Error
	if m.state >= stateDSMOpen {
		if rc := m.dsm.Entry(m.app, nil, DGControl, DATParent, MsgCloseDSM, m.parent); rc != RCSuccess {
			err := m.fail("close manager", rc, nil)
			slog.Warn("TWAIN close step failed", "step", "close manager", "error", err)
			result = multierror.Append(result, fmt.Errorf("close manager: %w", err))
		}
		m.state = stateLoaded
	}
	if m.state >= stateLoaded {
		if err := m.dsm.Close(); err != nil {
			slog.Warn("TWAIN close step failed", "step", "unload manager", "error", err)
			result = multierror.Append(result, fmt.Errorf("unload manager: %w", err))
		}
		m.state = 0
	}
	return result.ErrorOrNil()
}

// fail reads the condition code for a failed call. dest is the source the
// call was addressed to, nil for the manager.
func (m *Manager) fail(op string, rc ReturnCode, dest []byte) *Error {
	e := &Error{Op: op, RC: rc}
	buf := make([]byte, statusSize)
	if m.dsm.Entry(m.app, dest, DGControl, DATStatus, MsgGet, buf) == RCSuccess {
		var st Status
		if st.UnmarshalBinary(buf) == nil {
			e.Cond = st.ConditionCode
		}
	}
	return e
}

// ----------------------------------------------------------------------------
// Source session

// Session is one open data source. Like its Manager it is confined to the
// worker thread.
type Session struct {
	m     *Manager
	src   []byte // TW_IDENTITY of the open source
	state int

	source Identity
}

// Source returns the identity of the open source.
func (s *Session) Source() Identity { return s.source }

func (s *Session) fail(op string, rc ReturnCode) *Error { return s.m.fail(op, rc, s.src) }

// Enable enables the source without its user interface.
func (s *Session) Enable() error {
	ui, _ := UserInterface{Parent: s.m.dsm.Parent()}.MarshalBinary()
	switch rc := s.m.dsm.Entry(s.m.app, s.src, DGControl, DATUserInterface, MsgEnableDS, ui); rc {
	case RCSuccess, RCCheckStatus:
		s.state = stateEnabled
		return nil
	default:
		return classify("twain.enable_ds", s.fail("enable source", rc))
	}
}

// Disable sends MSG_DISABLEDS. It is a no-op unless the source is enabled.
func (s *Session) Disable() error {
	if s.state < stateEnabled {
		return nil
	}
	if s.state >= stateXferReady {
		if err := s.ResetXfers(); err != nil {
			slog.Warn("reset TWAIN transfers", "error", err)
		}
	}
	ui, _ := UserInterface{Parent: s.m.dsm.Parent()}.MarshalBinary()
	if rc := s.m.dsm.Entry(s.m.app, s.src, DGControl, DATUserInterface, MsgDisableDS, ui); rc != RCSuccess {
		return classify("twain.disable_ds", s.fail("disable source", rc))
	}
	s.state = stateDSOpen
	return nil
}

// PollXferReady consumes the messages this source has posted and reports
// whether MSG_XFERREADY was among them. It never blocks.
func (s *Session) PollXferReady() (bool, error) {
	const op = "twain.wait"
	for {
		msg, ok := s.m.dsm.PollEvent(s.source.ID)
		if !ok {
			return false, nil
		}
		switch msg {
		case MsgXferReady:
			s.state = stateXferReady
			return true, nil
		case MsgCloseDSReq, MsgCloseDSOK:
			return false, scanerr.Errorf(scanerr.KindCanceled, op, "source requested close")
		default:
			slog.Debug("TWAIN event ignored", "source", s.source.ProductName, "msg", msg)
		}
	}
}

// NativeTransfer fetches the pending image as a DIB.
func (s *Session) NativeTransfer() ([]byte, error) {
	const op = "twain.native_xfer"
	buf := make([]byte, 8)
	switch rc := s.m.dsm.Entry(s.m.app, s.src, DGImage, DATImageNativeXfer, MsgGet, buf); rc {
	case RCXferDone:
	case RCCancel:
		return nil, classify(op, &Error{Op: "native transfer", RC: rc})
	default:
		return nil, classify(op, s.fail("native transfer", rc))
	}
	h := Handle(le.Uint64(buf))
	defer s.m.dsm.Free(h)
	dib, err := s.m.dsm.Read(h, 0)
	if err != nil {
		return nil, scanerr.New(scanerr.KindTransport, op, err)
	}
	return dib, nil
}

// EndXfer acknowledges the transfer and returns the number of images still
// pending; 0xFFFF means unknown but more.
func (s *Session) EndXfer() (uint16, error) {
	buf, _ := PendingXfers{}.MarshalBinary()
	if rc := s.m.dsm.Entry(s.m.app, s.src, DGControl, DATPendingXfers, MsgEndXfer, buf); rc != RCSuccess {
		return 0, classify("twain.end_xfer", s.fail("end transfer", rc))
	}
	var p PendingXfers
	_ = p.UnmarshalBinary(buf)
	if p.Count == 0 {
		s.state = stateEnabled
	}
	return p.Count, nil
}

// ResetXfers discards all pending transfers.
func (s *Session) ResetXfers() error {
	if s.state < stateXferReady {
		return nil
	}
	buf, _ := PendingXfers{}.MarshalBinary()
	if rc := s.m.dsm.Entry(s.m.app, s.src, DGControl, DATPendingXfers, MsgReset, buf); rc != RCSuccess {
		return classify("twain.reset_xfers", s.fail("reset transfers", rc))
	}
	s.state = stateEnabled
	return nil
}

// SetLayout sets the scan frame.
func (s *Session) SetLayout(l ImageLayout) error {
	buf, _ := l.MarshalBinary()
	switch rc := s.m.dsm.Entry(s.m.app, s.src, DGImage, DATImageLayout, MsgSet, buf); rc {
	case RCSuccess, RCCheckStatus:
		return nil
	default:
		return classify("twain.layout", s.fail("set layout", rc))
	}
}

// Close performs the mirror of the open sequence from the current state:
// reset transfers, disable, close the source, drop its queued messages.
// Every step runs; failures are logged and aggregated. The manager stays
// open.
func (s *Session) Close() error {
	var result *multierror.Error
	step := func(name string, err error) {
		if err != nil {
			slog.Warn("TWAIN close step failed", "step", name, "error", err)
			result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
		}
	}

	if s.state >= stateEnabled {
		step("disable source", s.Disable())
		s.state = stateDSOpen
	}
	if s.state >= stateDSOpen {
		if rc := s.m.dsm.Entry(s.m.app, nil, DGControl, DATIdentity, MsgCloseDS, s.src); rc != RCSuccess {
			step("close source", s.m.fail("close source", rc, nil))
		}
		s.m.dsm.DropEvents(s.source.ID)
		s.state = stateDSMOpen
	}
	return result.ErrorOrNil()
}
