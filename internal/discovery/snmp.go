package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gosnmp/gosnmp"
	"golang.org/x/sync/errgroup"
)

// Printer MIB / host resources objects read for identity.
const (
	oidSysDescr      = "1.3.6.1.2.1.1.1.0"
	oidHrDeviceDescr = "1.3.6.1.2.1.25.3.2.1.3.1"
	oidPrtSerial     = "1.3.6.1.2.1.43.5.1.1.17.1"
)

// snmpConn is the part of *gosnmp.GoSNMP used by the enricher.
type snmpConn interface {
	Get(oids []string) (*gosnmp.SnmpPacket, error)
	Close() error
}

type gosnmpConn struct{ *gosnmp.GoSNMP }

func (c gosnmpConn) Close() error { return c.Conn.Close() }

// SNMPEnricher fills missing manufacturer, model and serial of network
// devices from SNMP v2c. Devices that do not answer are returned unchanged.
type SNMPEnricher struct {
	Community string
	Port      uint16
	Timeout   time.Duration
	Retries   int

	dial func(ctx context.Context, host string) (snmpConn, error)
}

// NewSNMPEnricher returns an enricher using the given community string.
func NewSNMPEnricher(community string, timeout time.Duration) *SNMPEnricher {
	if community == "" {
		community = "public"
	}
	return &SNMPEnricher{Community: community, Port: 161, Timeout: timeout, Retries: 1}
}

func (e *SNMPEnricher) connect(ctx context.Context, host string) (snmpConn, error) {
	if e.dial != nil {
		return e.dial(ctx, host)
	}
	params := &gosnmp.GoSNMP{
		Target:    host,
		Port:      e.Port,
		Community: e.Community,
		Version:   gosnmp.Version2c,
		Timeout:   e.Timeout,
		Retries:   e.Retries,
		Context:   ctx,
	}
	if err := params.Connect(); err != nil {
		return nil, fmt.Errorf("snmp connect %s: %w", host, err)
	}
	return gosnmpConn{params}, nil
}

// Enrich queries every network device lacking identity fields.
func (e *SNMPEnricher) Enrich(ctx context.Context, devices []DiscoveredDevice) []DiscoveredDevice {
	out := make([]DiscoveredDevice, len(devices))
	copy(out, devices)
	var g errgroup.Group
	g.SetLimit(4)
	for i := range out {
		d := &out[i]
		if d.Port == 0 || (d.Manufacturer != "" && d.Model != "" && d.Serial != "") {
			continue
		}
		g.Go(func() error {
			if err := e.enrichOne(ctx, d); err != nil {
				slog.Debug("SNMP enrichment skipped", "host", d.Host, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (e *SNMPEnricher) enrichOne(ctx context.Context, d *DiscoveredDevice) error {
	conn, err := e.connect(ctx, d.Host)
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Debug("close SNMP connection", "host", d.Host, "error", err)
		}
	}()

	pkt, err := conn.Get([]string{oidSysDescr, oidHrDeviceDescr, oidPrtSerial})
	if err != nil {
		return fmt.Errorf("snmp get: %w", err)
	}
	if pkt.Error != gosnmp.NoError {
		return fmt.Errorf("snmp error %s", pkt.Error)
	}
	values := make(map[string]string, len(pkt.Variables))
	for _, v := range pkt.Variables {
		values[strings.TrimPrefix(v.Name, ".")] = pduString(v)
	}

	descr := values[oidHrDeviceDescr]
	if descr == "" {
		descr = values[oidSysDescr]
	}
	if d.Model == "" {
		d.Model = descr
	}
	if d.Manufacturer == "" && descr != "" {
		d.Manufacturer, _, _ = strings.Cut(descr, " ")
	}
	if d.Serial == "" {
		d.Serial = values[oidPrtSerial]
	}
	return nil
}

func pduString(v gosnmp.SnmpPDU) string {
	var s string
	switch val := v.Value.(type) {
	case string:
		s = val
	case []byte:
		if !utf8.Valid(val) {
			return ""
		}
		s = string(val)
	default:
		return ""
	}
	return strings.TrimSpace(strings.TrimRight(s, "\x00"))
}
