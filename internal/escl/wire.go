// Package escl drives eSCL (AirScan) devices. The HTTP exchange and the XML
// documents come from go-mfp; this package maps them onto the canonical
// capability model and the scanner error kinds.
package escl

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	mfp "github.com/OpenPrinting/go-mfp/proto/escl"
	"github.com/OpenPrinting/go-mfp/util/optional"
	"github.com/OpenPrinting/go-mfp/util/xmldoc"

	"github.com/mzyy94/scanbridge/internal/scanerr"
)

// JobStatus is the device's view of one job.
type JobStatus struct {
	State            mfp.JobState
	ImagesToTransfer int
	Reasons          []string
}

// jobStatus finds the job at jobURL in st. A job the device no longer lists
// reports UnknownJobState.
func jobStatus(st *mfp.ScannerStatus, jobURL string) JobStatus {
	want := jobPath(jobURL)
	for _, j := range st.Jobs {
		uuid := optional.Get(j.JobUUID)
		if jobPath(j.JobURI) != want && (uuid == "" || !strings.HasSuffix(want, "/"+uuid)) {
			continue
		}
		js := JobStatus{State: j.JobState, ImagesToTransfer: optional.Get(j.ImagesToTransfer)}
		for _, r := range j.JobStateReasons {
			js.Reasons = append(js.Reasons, string(r))
		}
		return js
	}
	return JobStatus{State: mfp.UnknownJobState}
}

func jobPath(raw string) string {
	if u, err := url.Parse(raw); err == nil {
		raw = u.Path
	}
	return strings.TrimSuffix(raw, "/")
}

// decodeXML parses a raw eSCL document with the eSCL namespace map, so the
// prefixes a device chooses do not matter.
func decodeXML(op string, data []byte) (xmldoc.Element, error) {
	root, err := xmldoc.Decode(mfp.NsMap, bytes.NewReader(data))
	if err != nil {
		return root, scanerr.New(scanerr.KindProtocol, op, err)
	}
	return root, nil
}

// classify maps a go-mfp client error onto the error taxonomy. details is nil
// when no HTTP response was received.
func classify(ctx context.Context, op string, details *mfp.HTTPDetails, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return scanerr.New(scanerr.KindScanTimeout, op, err)
		}
		return scanerr.New(scanerr.KindCanceled, op, err)
	}
	if details == nil {
		return scanerr.New(scanerr.KindTransport, op, err)
	}
	switch details.StatusCode {
	case http.StatusServiceUnavailable, http.StatusConflict:
		return scanerr.New(scanerr.KindDeviceBusy, op, err)
	}
	return scanerr.New(scanerr.KindProtocol, op, err)
}
