package twain

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/mzyy94/scanbridge/internal/capability"
	"github.com/mzyy94/scanbridge/internal/scanerr"
)

// CapValue is a decoded capability container.
type CapValue struct {
	Container uint16 // ConOneValue, ConEnumeration or ConRange
	ItemType  ItemType
	Current   uint32
	Items     []uint32    // enumeration items
	Range     *RangeValue // range containers only
}

// Values lists the allowed values: enumeration items, or the current value
// of a one-value container.
func (v CapValue) Values() []uint32 {
	if v.Container == ConEnumeration {
		return v.Items
	}
	if v.Container == ConOneValue {
		return []uint32{v.Current}
	}
	return nil
}

// capSpec describes one entry of the capability table.
type capSpec struct {
	name string
	item ItemType
}

// capTable is the fixed set of capabilities this package queries or sets.
// Anything outside it is reported as unsupported without asking the source.
var capTable = map[CapID]capSpec{
	CapXferCount:                 {"CAP_XFERCOUNT", TyInt16},
	ICapPixelType:                {"ICAP_PIXELTYPE", TyUInt16},
	ICapUnits:                    {"ICAP_UNITS", TyUInt16},
	ICapXferMech:                 {"ICAP_XFERMECH", TyUInt16},
	CapFeederEnabled:             {"CAP_FEEDERENABLED", TyBool},
	CapFeederLoaded:              {"CAP_FEEDERLOADED", TyBool},
	CapDeviceOnline:              {"CAP_DEVICEONLINE", TyBool},
	CapDuplex:                    {"CAP_DUPLEX", TyUInt16},
	CapDuplexEnabled:             {"CAP_DUPLEXENABLED", TyBool},
	ICapBrightness:               {"ICAP_BRIGHTNESS", TyFix32},
	ICapContrast:                 {"ICAP_CONTRAST", TyFix32},
	ICapPhysicalWidth:            {"ICAP_PHYSICALWIDTH", TyFix32},
	ICapPhysicalHeight:           {"ICAP_PHYSICALHEIGHT", TyFix32},
	ICapXResolution:              {"ICAP_XRESOLUTION", TyFix32},
	ICapYResolution:              {"ICAP_YRESOLUTION", TyFix32},
	ICapAutoDiscardBlankPages:    {"ICAP_AUTODISCARDBLANKPAGES", TyInt32},
	ICapAutomaticBorderDetection: {"ICAP_AUTOMATICBORDERDETECTION", TyBool},
	ICapAutomaticDeskew:          {"ICAP_AUTOMATICDESKEW", TyBool},
}

func capName(id CapID) string {
	if spec, ok := capTable[id]; ok {
		return spec.name
	}
	return fmt.Sprintf("cap 0x%04x", uint16(id))
}

// GetCap reads a capability with MSG_GET.
func (s *Session) GetCap(id CapID) (CapValue, error) {
	op := "twain.get_cap"
	buf, _ := Capability{Cap: id, ConType: ConDontCare}.MarshalBinary()
	if rc := s.m.dsm.Entry(s.m.app, s.src, DGControl, DATCapability, MsgGet, buf); rc != RCSuccess {
		return CapValue{}, classify(op, s.fail("get "+capName(id), rc))
	}
	var c Capability
	if err := c.UnmarshalBinary(buf); err != nil {
		return CapValue{}, classify(op, err)
	}
	if c.Container == 0 {
		return CapValue{}, scanerr.Errorf(scanerr.KindProtocol, op, "%s: no container", capName(id))
	}
	defer s.m.dsm.Free(c.Container)
	data, err := s.m.dsm.Read(c.Container, 0)
	if err != nil {
		return CapValue{}, scanerr.New(scanerr.KindTransport, op, err)
	}
	v, err := decodeContainer(c.ConType, data)
	if err != nil {
		return CapValue{}, scanerr.New(scanerr.KindProtocol, op, fmt.Errorf("%s: %w", capName(id), err))
	}
	return v, nil
}

func decodeContainer(conType uint16, data []byte) (CapValue, error) {
	v := CapValue{Container: conType}
	switch conType {
	case ConOneValue:
		var one OneValue
		if err := one.UnmarshalBinary(data); err != nil {
			return v, err
		}
		v.ItemType, v.Current = one.ItemType, narrow(one.ItemType, one.Item)
	case ConEnumeration:
		var e Enumeration
		if err := e.UnmarshalBinary(data); err != nil {
			return v, err
		}
		v.ItemType, v.Items = e.ItemType, e.Items
		if int(e.CurrentIndex) < len(e.Items) {
			v.Current = e.Items[e.CurrentIndex]
		}
	case ConRange:
		var r RangeValue
		if err := r.UnmarshalBinary(data); err != nil {
			return v, err
		}
		v.ItemType, v.Current, v.Range = r.ItemType, r.Current, &r
	default:
		return v, fmt.Errorf("unsupported container type %d", conType)
	}
	return v, nil
}

// narrow drops the unused high bytes of a one-value item.
func narrow(t ItemType, item uint32) uint32 {
	switch t.Size() {
	case 1:
		return item & 0xff
	case 2:
		return item & 0xffff
	}
	return item
}

// SetCap sets a capability to a single value with MSG_SET. CheckStatus (the
// source rounded the value) counts as success.
func (s *Session) SetCap(id CapID, value uint32) error {
	op := "twain.set_cap"
	spec, ok := capTable[id]
	if !ok {
		return scanerr.Errorf(scanerr.KindCapabilityMismatch, op, "%s not in capability table", capName(id))
	}
	h, err := s.m.dsm.Alloc(oneValueSize)
	if err != nil {
		return scanerr.New(scanerr.KindTransport, op, err)
	}
	defer s.m.dsm.Free(h)
	one, _ := OneValue{ItemType: spec.item, Item: value}.MarshalBinary()
	if err := s.m.dsm.Write(h, one); err != nil {
		return scanerr.New(scanerr.KindTransport, op, err)
	}
	buf, _ := Capability{Cap: id, ConType: ConOneValue, Container: h}.MarshalBinary()
	switch rc := s.m.dsm.Entry(s.m.app, s.src, DGControl, DATCapability, MsgSet, buf); rc {
	case RCSuccess, RCCheckStatus:
		return nil
	default:
		return classify(op, s.fail("set "+spec.name, rc))
	}
}

// unsupported reports whether err means the source does not implement the
// capability at all, as opposed to rejecting the value.
func unsupported(err error) bool {
	var te *Error
	return errors.As(err, &te) && (te.Cond == CCCapUnsupported || te.Cond == CCBadCap)
}

// Query reads a table capability. Unsupported or failing capabilities
// report ok=false with an empty value instead of an error.
func (s *Session) Query(id CapID) (CapValue, bool) {
	if _, known := capTable[id]; !known {
		return CapValue{}, false
	}
	v, err := s.GetCap(id)
	if err != nil {
		return CapValue{}, false
	}
	return v, true
}

// ----------------------------------------------------------------------------
// Canonical mapping

// outputFormats are produced by encoding the transferred DIB.
var outputFormats = []capability.Format{
	capability.FormatJPEG,
	capability.FormatPNG,
	capability.FormatTIFF,
	capability.FormatBMP,
	capability.FormatPDF,
}

const mmPerInch = 25.4

// canonicalCapabilities maps the capability table onto the canonical model.
func canonicalCapabilities(query func(CapID) (CapValue, bool)) capability.ScannerCapabilities {
	caps := capability.ScannerCapabilities{Formats: slices.Clone(outputFormats)}

	if v, ok := query(ICapXResolution); ok {
		caps.Resolutions = resolutionSet(v)
	}
	if v, ok := query(ICapPixelType); ok {
		for _, pt := range v.Values() {
			if mode, ok := capability.ColorModeFromTWAIN(uint16(pt)); ok && !slices.Contains(caps.ColorModes, mode) {
				caps.ColorModes = append(caps.ColorModes, mode)
			}
		}
	}

	platen := true
	if v, ok := query(CapFeederEnabled); ok {
		caps.ADF.Present = true
		// A feeder that cannot be turned off means there is no flatbed.
		if v.Container == ConEnumeration && !slices.Contains(v.Items, 0) {
			platen = false
		}
	}
	if platen {
		caps.Sources = append(caps.Sources, capability.SourcePlaten)
	}
	if caps.ADF.Present {
		caps.Sources = append(caps.Sources, capability.SourceADF)
		if v, ok := query(CapDuplex); ok && v.Current != twdxNone {
			caps.ADF.Duplex = true
			caps.Sources = append(caps.Sources, capability.SourceADFDuplex)
		}
	}

	var area capability.ScanArea
	if v, ok := query(ICapPhysicalWidth); ok {
		area.MaxWidth = Fix32(v.Current).Float() * mmPerInch
	}
	if v, ok := query(ICapPhysicalHeight); ok {
		area.MaxHeight = Fix32(v.Current).Float() * mmPerInch
	}
	if platen {
		caps.PlatenArea = area
	}
	if caps.ADF.Present {
		caps.ADFArea = area
	}

	_, brightness := query(ICapBrightness)
	_, contrast := query(ICapContrast)
	_, border := query(ICapAutomaticBorderDetection)
	_, deskew := query(ICapAutomaticDeskew)
	_, blank := query(ICapAutoDiscardBlankPages)
	caps.Features = capability.Features{
		AutoCrop:           border,
		AutoDeskew:         deskew,
		BrightnessContrast: brightness || contrast,
		BlankPageRemoval:   blank,
	}
	return caps
}

func resolutionSet(v CapValue) capability.ResolutionSet {
	dpi := func(item uint32) int {
		if v.ItemType == TyFix32 {
			return int(math.Round(Fix32(item).Float()))
		}
		return int(item)
	}
	if v.Container == ConRange && v.Range != nil {
		return capability.ResolutionSet{Min: dpi(v.Range.Min), Max: dpi(v.Range.Max), Step: dpi(v.Range.Step)}
	}
	var set capability.ResolutionSet
	for _, item := range v.Values() {
		if d := dpi(item); d > 0 && !slices.Contains(set.Discrete, d) {
			set.Discrete = append(set.Discrete, d)
		}
	}
	slices.Sort(set.Discrete)
	return set
}
