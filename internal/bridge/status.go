package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mzyy94/scanbridge/internal/capability"
	"github.com/mzyy94/scanbridge/internal/imaging"
	"github.com/mzyy94/scanbridge/internal/scanner"
)

// ErrBusy is returned when a job is already running.
var ErrBusy = errors.New("a scan is already running")

// JobSnapshot is a point-in-time view of a JobStatus.
type JobSnapshot struct {
	Scanning  bool     `json:"scanning"`
	LastError string   `json:"lastError,omitempty"`
	LastScan  string   `json:"lastScan,omitempty"` // RFC3339
	Pages     int      `json:"pages"`
	Files     []string `json:"files,omitempty"`
}

// JobStatus tracks the state of the last bridge or save job. The zero value
// is idle.
type JobStatus struct {
	mu  sync.RWMutex
	cur JobSnapshot
}

// Snapshot returns a copy of the current status.
func (s *JobStatus) Snapshot() JobSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.cur
	snap.Files = append([]string(nil), s.cur.Files...)
	return snap
}

// TryStart marks a job as started unless one is running.
func (s *JobStatus) TryStart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur.Scanning {
		return false
	}
	s.cur.Scanning = true
	s.cur.LastError = ""
	s.cur.Files = nil
	return true
}

// SetResult records the outcome of a completed scan.
func (s *JobStatus) SetResult(err error, pages int, files ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Scanning = false
	s.cur.LastScan = time.Now().UTC().Format(time.RFC3339)
	s.cur.Pages = pages
	s.cur.Files = files
	s.cur.LastError = ""
	if err != nil {
		s.cur.LastError = err.Error()
	}
}

// StartSave runs a save job in the background using the stored defaults and
// the device's capabilities to complete opts. It returns ErrBusy when a job
// is running; done is closed once the job status is updated.
func (a *Adapter) StartSave(ctx context.Context, opts capability.ScanOptions, dir string) (done <-chan struct{}, err error) {
	if !a.Status.TryStart() {
		return nil, ErrBusy
	}
	if a.settings != nil {
		opts = a.settings.Get().Apply(opts)
	}
	want := opts.Format
	opts = a.fit(opts)
	if want == capability.FormatPDF {
		// Assembled locally, so the device need not offer PDF.
		opts.Format = want
	}

	ch := make(chan struct{})
	go func() {
		defer close(ch)
		files, pages, err := RunSaveJob(context.WithoutCancel(ctx), a.dev, opts, dir)
		if err != nil {
			slog.Error("save job failed", "err", err, "pages", pages)
		}
		a.Status.SetResult(err, pages, files...)
	}()
	return ch, nil
}

// RunSaveJob scans with opts and writes the result into dir, returning the
// files written and the number of pages captured. PDF output is scanned as
// JPEG (PNG for monochrome) and assembled into one document. Partial results
// are saved before the error is returned.
func RunSaveJob(ctx context.Context, dev scanner.Scanner, opts capability.ScanOptions, dir string) ([]string, int, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, 0, fmt.Errorf("create save directory: %w", err)
	}

	want := opts.Format
	if want == capability.FormatPDF {
		opts.Format = capability.FormatJPEG
		if opts.ColorMode == capability.ColorModeMonochrome {
			opts.Format = capability.FormatPNG
		}
	}

	slog.Info("save job starting", "device", dev.Identity().Name, "format", want, "dir", dir)
	res := dev.Scan(ctx, opts)
	if res.PageCount == 0 {
		if err := res.Err(); err != nil {
			return nil, 0, fmt.Errorf("scan: %w", err)
		}
		return nil, 0, ErrNoPages
	}

	timestamp := time.Now().Format("20060102_150405")
	var files []string
	if want == capability.FormatPDF {
		dpi := imaging.DetectDPI(res.Pages[0])
		if dpi == 0 {
			dpi = opts.Resolution
		}
		pdf, err := imaging.PDFFromPages(res.Pages, dpi)
		if err != nil {
			return nil, res.PageCount, fmt.Errorf("write PDF: %w", err)
		}
		path := filepath.Join(dir, fmt.Sprintf("scan_%s.pdf", timestamp))
		if err := writeFile(path, pdf); err != nil {
			return nil, res.PageCount, err
		}
		files = append(files, path)
	} else {
		for i, p := range res.Pages {
			path := filepath.Join(dir, fmt.Sprintf("scan_%s_%03d.%s", timestamp, i+1, want))
			if err := writeFile(path, p); err != nil {
				return files, res.PageCount, err
			}
			files = append(files, path)
		}
	}
	slog.Info("scan saved", "files", len(files), "pages", res.PageCount, "outcome", scanner.Classify(res))

	if err := res.Err(); err != nil {
		return files, res.PageCount, fmt.Errorf("scan: %w", err)
	}
	return files, res.PageCount, nil
}

func writeFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return os.Rename(tmp, path)
}
