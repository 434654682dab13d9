package escl

import (
	"context"

	"github.com/OpenPrinting/go-mfp/transport"

	"github.com/mzyy94/scanbridge/internal/telemetry"
)

// Verify checks a discovered endpoint by fetching its capability document.
// The caller bounds the request with ctx. A nil tr uses a private transport
// that is released afterwards.
func Verify(ctx context.Context, tr *transport.Transport, host string, port int, root string, secure bool) (Capabilities, error) {
	ctx, span := telemetry.StartValidateSpan(ctx, host, port)
	scheme := "http"
	if secure {
		scheme = "https"
	}
	client, err := NewClient(BaseURL(scheme, host, port, root), tr)
	if err != nil {
		telemetry.EndSpan(span, err)
		return Capabilities{}, err
	}
	if tr == nil {
		defer client.Close()
	}
	caps, err := client.Capabilities(ctx)
	telemetry.EndSpan(span, err)
	return caps, err
}
