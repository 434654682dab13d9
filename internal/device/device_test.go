package device

import (
	"context"
	"testing"

	"github.com/mzyy94/scanbridge/internal/discovery"
	"github.com/mzyy94/scanbridge/internal/sane"
	"github.com/mzyy94/scanbridge/internal/scanerr"
	"github.com/mzyy94/scanbridge/internal/scanner"
	"github.com/mzyy94/scanbridge/internal/twain"
)

type nopLibrary struct{}

func (nopLibrary) Init(context.Context) error { return nil }
func (nopLibrary) Devices(context.Context) ([]sane.Device, error) { return nil, nil }
func (nopLibrary) Open(context.Context, string) (sane.Handle, error) {
	return nil, scanerr.ErrDeviceOffline
}
func (nopLibrary) Exit() error { return nil }

func TestParseConnection(t *testing.T) {
	tests := []struct {
		protocol   scanner.Protocol
		connection string
		want       discovery.DiscoveredDevice
		wantErr    bool
	}{
		{
			protocol:   scanner.ProtocolESCL,
			connection: "escl://192.168.1.20:8080/eSCL",
			want:       discovery.DiscoveredDevice{Name: "192.168.1.20:8080", Host: "192.168.1.20", Port: 8080, Protocol: scanner.ProtocolESCL, Root: "eSCL"},
		},
		{
			protocol:   scanner.ProtocolESCL,
			connection: "escls://scanner.local/scan/",
			want:       discovery.DiscoveredDevice{Name: "scanner.local:443", Host: "scanner.local", Port: 443, Protocol: scanner.ProtocolESCL, Secure: true, Root: "scan"},
		},
		{
			protocol:   scanner.ProtocolESCL,
			connection: "http://[fe80::1]:80/",
			want:       discovery.DiscoveredDevice{Name: "[fe80::1]:80", Host: "fe80::1", Port: 80, Protocol: scanner.ProtocolESCL, Root: "/"},
		},
		{
			protocol:   scanner.ProtocolSANE,
			connection: "sane:fujitsu:fi-7160:12345",
			want:       discovery.DiscoveredDevice{Name: "fujitsu:fi-7160:12345", Host: "fujitsu:fi-7160:12345", Protocol: scanner.ProtocolSANE},
		},
		{
			protocol:   scanner.ProtocolTWAIN,
			connection: "twain:fi-7160",
			want:       discovery.DiscoveredDevice{Name: "fi-7160", Host: "fi-7160", Protocol: scanner.ProtocolTWAIN},
		},
		{protocol: scanner.ProtocolESCL, connection: "ftp://host/eSCL", wantErr: true},
		{protocol: scanner.ProtocolESCL, connection: "escl:///eSCL", wantErr: true},
		{protocol: scanner.ProtocolESCL, connection: "escl://host:x/eSCL", wantErr: true},
		{protocol: scanner.ProtocolSANE, connection: "twain:fi-7160", wantErr: true},
		{protocol: scanner.ProtocolTWAIN, connection: "twain:", wantErr: true},
		{protocol: scanner.ProtocolUnknown, connection: "x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.connection, func(t *testing.T) {
			got, err := ParseConnection(tt.protocol, tt.connection)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseConnection(%q) succeeded: %+v", tt.connection, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseConnection: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v\nwant %+v", got, tt.want)
			}
		})
	}
}

func TestConnectionRoundTrip(t *testing.T) {
	devices := []discovery.DiscoveredDevice{
		{Host: "10.0.0.5", Port: 80, Protocol: scanner.ProtocolESCL, Root: "eSCL"},
		{Host: "10.0.0.5", Port: 443, Protocol: scanner.ProtocolESCL, Secure: true, Root: "/"},
		{Host: "genesys:libusb:001:004", Protocol: scanner.ProtocolSANE},
		{Host: "fi-7160", Protocol: scanner.ProtocolTWAIN},
	}
	for _, d := range devices {
		got, err := ParseConnection(d.Protocol, d.Connection())
		if err != nil {
			t.Fatalf("ParseConnection(%q): %v", d.Connection(), err)
		}
		if got.Key() != d.Key() || got.Root != d.Root || got.Secure != d.Secure {
			t.Errorf("%q parsed to %+v", d.Connection(), got)
		}
	}
}

func TestOpen(t *testing.T) {
	rt := sane.NewRuntime(nopLibrary{})
	defer rt.Close()
	twainRT := twain.NewRuntime(func() (twain.DSM, error) {
		return nil, scanerr.Errorf(scanerr.KindBindingUnavailable, "twain.load_dsm", "absent")
	})
	defer twainRT.Close()
	opts := Options{SANE: rt, TWAIN: twainRT}

	tests := []struct {
		protocol       string
		connection     string
		wantProtocol   scanner.Protocol
		wantConnection string
	}{
		{"escl", "escl://10.0.0.5:80/eSCL", scanner.ProtocolESCL, "http://10.0.0.5:80/eSCL"},
		{"airscan", "escls://10.0.0.5:443/", scanner.ProtocolESCL, "https://10.0.0.5:443"},
		{"sane", "sane:fujitsu:fi-7160:1", scanner.ProtocolSANE, "sane:fujitsu:fi-7160:1"},
		{"twain", "twain:fi-7160", scanner.ProtocolTWAIN, "twain:fi-7160"},
	}
	for _, tt := range tests {
		t.Run(tt.connection, func(t *testing.T) {
			s, err := FromConnection(tt.protocol, tt.connection, opts)
			if err != nil {
				t.Fatalf("FromConnection: %v", err)
			}
			defer s.Close()
			if got := s.Identity().Connection; got != tt.wantConnection {
				t.Errorf("Connection = %q, want %q", got, tt.wantConnection)
			}
			if got := s.Identity().Protocol; got != tt.wantProtocol {
				t.Errorf("Protocol = %s, want %s", got, tt.wantProtocol)
			}
		})
	}
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open(discovery.DiscoveredDevice{Host: "fujitsu:fi-7160", Protocol: scanner.ProtocolSANE}, Options{})
	if scanerr.KindOf(err) != scanerr.KindBindingUnavailable {
		t.Errorf("SANE without runtime: err = %v", err)
	}
	_, err = Open(discovery.DiscoveredDevice{Host: "fi-7160", Protocol: scanner.ProtocolTWAIN}, Options{})
	if scanerr.KindOf(err) != scanerr.KindBindingUnavailable {
		t.Errorf("TWAIN without runtime: err = %v", err)
	}
	if _, err := FromConnection("usb", "usb:1", Options{}); err == nil {
		t.Error("unknown protocol accepted")
	}
}

func TestOpen_TWAINUnavailableConnectsLazily(t *testing.T) {
	load := func() (twain.DSM, error) {
		return nil, scanerr.Errorf(scanerr.KindBindingUnavailable, "twain.load_dsm", "absent")
	}
	rt := twain.NewRuntime(load)
	defer rt.Close()
	s, err := Open(discovery.DiscoveredDevice{Name: "fi-7160", Host: "fi-7160", Protocol: scanner.ProtocolTWAIN}, Options{TWAIN: rt})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if s.IsAvailable(context.Background()) {
		t.Error("scanner without a DSM reports available")
	}
}
