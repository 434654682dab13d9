package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/OpenPrinting/go-mfp/proto/escl"
	"github.com/OpenPrinting/go-mfp/transport"
	"github.com/OpenPrinting/go-mfp/util/optional"
	"github.com/grandcat/zeroconf"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/mzyy94/scanbridge/internal/bridge"
	"github.com/mzyy94/scanbridge/internal/capability"
	"github.com/mzyy94/scanbridge/internal/config"
	"github.com/mzyy94/scanbridge/internal/device"
	"github.com/mzyy94/scanbridge/internal/discovery"
	"github.com/mzyy94/scanbridge/internal/sane"
	"github.com/mzyy94/scanbridge/internal/scanner"
	"github.com/mzyy94/scanbridge/internal/telemetry"
	"github.com/mzyy94/scanbridge/internal/twain"
	"github.com/mzyy94/scanbridge/internal/webui"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("SCANBRIDGE_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	exporter, err := telemetry.NewOTLPExporter(ctx, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("tracing setup failed", "err", err)
		os.Exit(1)
	}
	shutdownTracing := telemetry.InitTraceProvider(exporter, version)

	// Native backends
	var saneRT *sane.Runtime
	if cfg.SANE.Address != "" {
		saneRT = sane.NewRuntime(&sane.NetLibrary{
			Addr:     cfg.SANE.Address,
			Username: cfg.SANE.Username,
			Timeout:  5 * time.Second,
		})
		defer saneRT.Close()
	}
	var twainRT *twain.Runtime
	if cfg.TWAIN.Enabled {
		twainRT = twain.NewRuntime(twain.LoadDSM)
		defer twainRT.Close()
	}

	// Discovery and the served device share one eSCL transport
	esclTransport := transport.NewTransport(nil)
	network := discovery.NewNetworkDiscoverer(cfg.DiscoveryConfig(), esclTransport)
	local := &discovery.LocalDiscoverer{SANE: saneRT, TWAIN: twainRT}
	svc := discovery.NewService(network, local, discovery.NewCache(cfg.Discovery.CacheTTL, nil))
	if cfg.SNMP.Enabled {
		svc.Enricher = discovery.NewSNMPEnricher(cfg.SNMP.Community, cfg.SNMP.Timeout)
	}

	esclCfg := cfg.ESCLConfig()
	esclCfg.Transport = esclTransport
	devOpts := device.Options{ESCL: esclCfg, SANE: saneRT, TWAIN: twainRT}
	dev, err := selectDevice(ctx, cfg, svc, devOpts)
	if err != nil {
		slog.Error("no scanner to serve", "err", err)
		os.Exit(1)
	}

	settings := config.NewMemoryStore()
	saveDir := ""
	if cfg.DataDir != "" {
		settings, err = config.NewStore(cfg.DataDir)
		if err != nil {
			slog.Error("settings store", "dir", cfg.DataDir, "err", err)
			os.Exit(1)
		}
		saveDir = filepath.Join(cfg.DataDir, "scans")
	}

	adapter, err := bridge.NewAdapter(ctx, dev, settings)
	if err != nil {
		slog.Error("scanner setup failed", "err", err)
		dev.Close()
		os.Exit(1)
	}
	defer adapter.Close()

	deviceName := cfg.DeviceName
	if deviceName == "" {
		deviceName = dev.Identity().Name
	}
	if deviceName == "" {
		deviceName = "scanbridge"
	}

	// eSCL HTTP server (BasePath="" so it handles paths directly)
	esclServer := escl.NewAbstractServer(escl.AbstractServerOptions{
		Scanner:  adapter,
		BasePath: "",
		Hooks: escl.ServerHooks{
			OnScannerStatusResponse: func(_ *transport.ServerQuery, status *escl.ScannerStatus) *escl.ScannerStatus {
				qctx, qcancel := context.WithTimeout(ctx, 2*time.Second)
				defer qcancel()
				switch adapter.ADFState(qctx) {
				case scanner.ADFLoaded:
					status.ADFState = optional.New(escl.ScannerAdfLoaded)
				case scanner.ADFEmpty:
					status.ADFState = optional.New(escl.ScannerAdfEmpty)
				case scanner.ADFJam:
					status.ADFState = optional.New(escl.ScannerAdfJam)
				default:
					return nil
				}
				return status
			},
		},
	})

	hostPort := net.JoinHostPort(localIP(), strconv.Itoa(cfg.ListenPort))
	esclURL := fmt.Sprintf("http://%s/eSCL", hostPort)

	mux := http.NewServeMux()
	mux.Handle("/api/", webui.NewHandler(webui.Options{
		Adapter:   adapter,
		Discovery: svc,
		Settings:  settings,
		ESCLURL:   esclURL,
		SaveDir:   saveDir,
	}))
	mux.Handle("/metrics", promhttp.Handler())
	// Serve at /eSCL/ for clients using the rs TXT record (sane-airscan, macOS)
	mux.Handle("/eSCL/", http.StripPrefix("/eSCL", esclServer))
	// Also serve at root for clients that ignore rs (sane-escl)
	mux.Handle("/", esclServer)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ListenPort),
		Handler: logMiddleware(mux),
	}

	mdnsServer, err := zeroconf.Register(
		deviceName,
		"_uscan._tcp",
		"local.",
		cfg.ListenPort,
		txtRecords(deviceName, adapter),
		nil,
	)
	if err != nil {
		slog.Error("mDNS registration failed", "err", err)
		os.Exit(1)
	}
	defer mdnsServer.Shutdown()
	slog.Info("mDNS registered", "name", deviceName, "service", "_uscan._tcp")

	if spec := cfg.Discovery.Schedule; spec != "" {
		c := cron.New()
		if _, err := c.AddFunc(spec, func() { rediscover(ctx, svc) }); err != nil {
			slog.Error("invalid rediscovery schedule", "schedule", spec, "err", err)
			os.Exit(1)
		}
		c.Start()
		defer c.Stop()
		slog.Info("rediscovery scheduled", "schedule", spec)
	}

	go func() {
		slog.Info("eSCL server starting", "addr", httpServer.Addr, "url", esclURL, "device", dev.Identity().Connection)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown error", "err", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("tracing shutdown", "err", err)
	}

	slog.Info("shutdown complete")
}

// selectDevice opens the configured device, or the first discovered one.
func selectDevice(ctx context.Context, cfg config.Config, svc *discovery.Service, opts device.Options) (scanner.Scanner, error) {
	if cfg.Device.Connection != "" {
		return device.FromConnection(cfg.Device.Protocol, cfg.Device.Connection, opts)
	}
	slog.Info("discovering scanners...")
	devices, err := svc.GetScanners(ctx, false)
	if len(devices) == 0 {
		if err == nil {
			err = errors.New("no scanners found")
		}
		return nil, err
	}
	d := devices[0]
	slog.Info("scanner found", "name", d.Name, "protocol", d.Protocol, "connection", d.Connection(), "candidates", len(devices))
	return device.Open(d, opts)
}

func rediscover(ctx context.Context, svc *discovery.Service) {
	devices, err := svc.GetScanners(ctx, true)
	if err != nil {
		slog.Warn("scheduled discovery", "err", err, "devices", len(devices))
		return
	}
	slog.Debug("scheduled discovery", "devices", len(devices))
}

// txtRecords builds the _uscan._tcp TXT record from the served capabilities.
func txtRecords(name string, a *bridge.Adapter) []string {
	caps := a.DeviceCapabilities()

	var cs []string
	for _, m := range caps.ColorModes {
		switch m {
		case capability.ColorModeColor:
			cs = append(cs, "color")
		case capability.ColorModeGrayscale:
			cs = append(cs, "grayscale")
		case capability.ColorModeMonochrome:
			cs = append(cs, "binary")
		}
	}
	var is []string
	if slices.Contains(caps.Sources, capability.SourcePlaten) {
		is = append(is, "platen")
	}
	if caps.ADF.Present {
		is = append(is, "adf")
	}
	duplex := "F"
	if caps.ADF.Duplex {
		duplex = "T"
	}

	ec := a.Capabilities()
	return []string{
		"txtvers=1",
		"ty=" + name,
		"pdl=" + strings.Join(ec.DocumentFormats, ","),
		"cs=" + strings.Join(cs, ","),
		"is=" + strings.Join(is, ","),
		"duplex=" + duplex,
		fmt.Sprintf("uuid=%s", ec.UUID),
		"rs=eSCL",
	}
}

// localIP returns the address of the interface used for outbound traffic.
func localIP() string {
	conn, err := net.Dial("udp4", "224.0.0.1:80")
	if err != nil {
		return "0.0.0.0"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

// responseRecorder captures the status code for logging.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w, status: 200}
		start := time.Now()
		next.ServeHTTP(rec, r)
		slog.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"remote", r.RemoteAddr,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	})
}
