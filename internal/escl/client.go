package escl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"

	mfp "github.com/OpenPrinting/go-mfp/proto/escl"
	"github.com/OpenPrinting/go-mfp/transport"

	"github.com/mzyy94/scanbridge/internal/scanerr"
)

// DefaultRoot is the resource root most devices advertise in the "rs" TXT
// record.
const DefaultRoot = "eSCL"

// maxDocumentSize bounds a single NextDocument body.
var maxDocumentSize int64 = 256 << 20

// Client talks to one eSCL endpoint.
type Client struct {
	base *url.URL
	tr   *transport.Transport
	esc  *mfp.Client
}

// NewClient creates a client for baseURL, e.g. "http://192.0.2.10:80/eSCL".
// A nil tr gets a private transport.
func NewClient(baseURL string, tr *transport.Transport) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse eSCL base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported eSCL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	if tr == nil {
		tr = transport.NewTransport(nil)
	}
	return &Client{base: u, tr: tr, esc: mfp.NewClient(u, tr)}, nil
}

// BaseURL builds the base URL for a discovered endpoint.
func BaseURL(scheme, host string, port int, root string) string {
	if root == "" {
		root = DefaultRoot
	}
	return (&url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/" + strings.Trim(root, "/"),
	}).String()
}

// BaseURL returns the endpoint root.
func (c *Client) BaseURL() string { return c.base.String() }

// Capabilities fetches ScannerCapabilities.
func (c *Client) Capabilities(ctx context.Context) (Capabilities, error) {
	caps, details, err := c.esc.GetScannerCapabilities(ctx)
	if err != nil {
		return Capabilities{}, classify(ctx, "escl.capabilities", details, err)
	}
	return fromScannerCapabilities(caps), nil
}

// Status fetches ScannerStatus.
func (c *Client) Status(ctx context.Context) (*mfp.ScannerStatus, error) {
	st, details, err := c.esc.GetScannerStatus(ctx)
	if err != nil {
		return nil, classify(ctx, "escl.status", details, err)
	}
	return st, nil
}

// CreateJob POSTs settings to ScanJobs and returns the job path taken from
// the Location header.
func (c *Client) CreateJob(ctx context.Context, settings mfp.ScanSettings) (string, error) {
	jobURL, details, err := c.esc.Scan(ctx, settings)
	if err != nil {
		return "", classify(ctx, "escl.create_job", details, err)
	}
	return jobURL, nil
}

// PollStatus reports the state of the job at jobURL as seen in ScannerStatus.
func (c *Client) PollStatus(ctx context.Context, jobURL string) (JobStatus, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return JobStatus{}, err
	}
	return jobStatus(st, jobURL), nil
}

// NextDocument fetches the next page of a job. It returns nil, "", nil when
// the device answers 404, which marks the end of the page sequence. A body
// larger than maxDocumentSize is a protocol error.
func (c *Client) NextDocument(ctx context.Context, jobURL string) ([]byte, string, error) {
	const op = "escl.next_document"
	body, details, err := c.esc.NextDocument(ctx, jobURL)
	if errors.Is(err, io.EOF) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", classify(ctx, op, details, err)
	}
	defer func() {
		if err := body.Close(); err != nil {
			slog.Debug("close eSCL document body", "job", jobURL, "error", err)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(body, maxDocumentSize+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", classify(ctx, op, details, err)
		}
		return nil, "", scanerr.New(scanerr.KindTransport, op, err)
	}
	if int64(len(data)) > maxDocumentSize {
		return nil, "", scanerr.Errorf(scanerr.KindProtocol, op, "document exceeds %d bytes", maxDocumentSize)
	}
	return data, details.ContentType, nil
}

// DeleteJob cancels the job at jobURL. A 404 means the device already
// discarded it and is not an error.
func (c *Client) DeleteJob(ctx context.Context, jobURL string) error {
	details, err := c.esc.Cancel(ctx, jobURL)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return classify(ctx, "escl.delete_job", details, err)
}

// Close drops idle connections held by the transport.
func (c *Client) Close() { c.tr.CloseIdleConnections() }
