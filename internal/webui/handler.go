// Package webui serves the JSON API used to inspect and drive the bridge.
package webui

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mzyy94/scanbridge/internal/bridge"
	"github.com/mzyy94/scanbridge/internal/capability"
	"github.com/mzyy94/scanbridge/internal/config"
	"github.com/mzyy94/scanbridge/internal/discovery"
	"github.com/mzyy94/scanbridge/internal/scanner"
)

// Options configures the handler.
type Options struct {
	Adapter   *bridge.Adapter
	Discovery *discovery.Service // nil disables /api/devices
	Settings  *config.Store
	ESCLURL   string
	SaveDir   string // empty disables POST /api/scan
}

type handler struct {
	Options
}

// NewHandler creates an HTTP handler for the API.
func NewHandler(opts Options) http.Handler {
	if opts.Settings == nil {
		opts.Settings = config.NewMemoryStore()
	}
	h := &handler{Options: opts}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", h.handleStatus)
	mux.HandleFunc("GET /api/devices", h.handleDevices)
	mux.HandleFunc("GET /api/settings", h.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", h.handlePutSettings)
	mux.HandleFunc("POST /api/scan", h.handleScan)
	mux.HandleFunc("POST /api/scan/cancel", h.handleCancel)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- Status API ---

type statusResponse struct {
	Online    bool                `json:"online"`
	State     string              `json:"state"`
	ADF       string              `json:"adf,omitempty"`
	Device    deviceInfo          `json:"device"`
	Caps      capsInfo            `json:"capabilities"`
	Job       *bridge.JobSnapshot `json:"job"`
	ESCLUrl   string              `json:"esclUrl"`
	UpdatedAt string              `json:"updatedAt"`
}

type deviceInfo struct {
	Name         string `json:"name"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	Serial       string `json:"serial,omitempty"`
	Protocol     string `json:"protocol"`
	Connection   string `json:"connection"`
}

type capsInfo struct {
	Resolutions []int    `json:"resolutions"`
	ColorModes  []string `json:"colorModes"`
	Sources     []string `json:"sources"`
	Duplex      bool     `json:"duplex"`
	Formats     []string `json:"formats"`
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	dev := h.Adapter.Device()
	id := dev.Identity()
	st := dev.Status(r.Context())
	online := st.State != scanner.StateOffline && st.State != scanner.StateUnknown

	job := h.Adapter.Status.Snapshot()
	resp := statusResponse{
		Online: online,
		State:  st.State.String(),
		Device: deviceInfo{
			Name:         id.Name,
			Manufacturer: id.Manufacturer,
			Model:        id.Model,
			Serial:       id.Serial,
			Protocol:     id.Protocol.String(),
			Connection:   id.Connection,
		},
		Job:       &job,
		ESCLUrl:   h.ESCLURL,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if online {
		if adf := h.Adapter.ADFState(r.Context()); adf != scanner.ADFUnknown {
			resp.ADF = adf.String()
		}
	}

	caps := h.Adapter.DeviceCapabilities()
	resp.Caps = capsInfo{
		Resolutions: caps.Resolutions.Values(),
		Duplex:      caps.ADF.Duplex,
	}
	for _, m := range caps.ColorModes {
		resp.Caps.ColorModes = append(resp.Caps.ColorModes, m.String())
	}
	for _, s := range caps.Sources {
		resp.Caps.Sources = append(resp.Caps.Sources, s.String())
	}
	for _, f := range caps.Formats {
		resp.Caps.Formats = append(resp.Caps.Formats, f.MIME())
	}

	writeJSON(w, http.StatusOK, resp)
}

// --- Discovery API ---

type deviceEntry struct {
	deviceInfo
	Host     string    `json:"host"`
	Port     int       `json:"port,omitempty"`
	LastSeen time.Time `json:"lastSeen"`
}

func (h *handler) handleDevices(w http.ResponseWriter, r *http.Request) {
	if h.Discovery == nil {
		writeError(w, http.StatusNotFound, "discovery disabled")
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	devices, err := h.Discovery.GetScanners(r.Context(), force)
	if err != nil {
		if len(devices) == 0 {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		slog.Warn("device listing incomplete", "err", err, "devices", len(devices))
	}
	out := make([]deviceEntry, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceEntry{
			deviceInfo: deviceInfo{
				Name:         d.Name,
				Manufacturer: d.Manufacturer,
				Model:        d.Model,
				Serial:       d.Serial,
				Protocol:     d.Protocol.String(),
				Connection:   d.Connection(),
			},
			Host:     d.Host,
			Port:     d.Port,
			LastSeen: d.LastSeen,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// --- Settings API ---

func (h *handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Settings.Get())
}

func (h *handler) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var s config.Settings
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.Settings.Update(s); err != nil {
		slog.Warn("settings save failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to save settings")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// --- Scan API ---

type scanRequest struct {
	ColorMode  string `json:"colorMode"`
	Resolution int    `json:"resolution"`
	Source     string `json:"source"`
	Format     string `json:"format"` // MIME type
	Duplex     bool   `json:"duplex"`
}

func (req scanRequest) options() (capability.ScanOptions, error) {
	opts := capability.ScanOptions{Resolution: req.Resolution, Duplex: req.Duplex}
	var err error
	if req.ColorMode != "" {
		if opts.ColorMode, err = capability.ParseColorMode(req.ColorMode); err != nil {
			return opts, err
		}
	}
	if req.Source != "" {
		if opts.Source, err = capability.ParseInputSource(req.Source); err != nil {
			return opts, err
		}
	}
	if req.Format != "" {
		f, ok := capability.FormatFromMIME(req.Format)
		if !ok {
			return opts, errors.New("unknown format " + strconv.Quote(req.Format))
		}
		opts.Format = f
	}
	opts.BatchMode = opts.Source.IsFeeder()
	return opts, nil
}

func (h *handler) handleScan(w http.ResponseWriter, r *http.Request) {
	if h.SaveDir == "" {
		writeError(w, http.StatusNotFound, "saving scans is disabled")
		return
	}
	var req scanRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	opts, err := req.options()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.Adapter.StartSave(r.Context(), opts, h.SaveDir); err != nil {
		if errors.Is(err, bridge.ErrBusy) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (h *handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	delivered := h.Adapter.Cancel(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": delivered})
}
