// Package deliver implements outbox.Deliverer: posting a queued
// OutboundEnvelope back to the channel webhook it originated from. It is
// grounded on internal/ruriko/webhook.Proxy's forward-the-request-on via a
// shared *http.Client idiom, narrowed from a reverse-proxy forwarding an
// arbitrary inbound body to a fixed-shape JSON POST of one OutboundEnvelope
// per channel target.
package deliver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bdobrica/mu/common/retry"
	"github.com/bdobrica/mu/internal/controlplane/envelope"
	"github.com/bdobrica/mu/internal/controlplane/outbox"
)

// dialRetry bounds an in-process retry of the HTTP round trip itself, for
// the class of error that's gone before the next outbox drain tick even
// runs (a momentary DNS hiccup, a connection refused during a deploy) —
// distinct from outbox.Dispatcher's own backoffDelay, which spaces out
// attempts across drain cycles for failures that need real wall-clock time
// to resolve.
var dialRetry = retry.Config{
	MaxAttempts:  2,
	InitialDelay: 200 * time.Millisecond,
	MaxDelay:     200 * time.Millisecond,
}

// defaultTimeout bounds one delivery attempt, mirroring webhook.Proxy's
// own bounded httpClient.Timeout.
const defaultTimeout = 10 * time.Second

// HTTPDeliverer posts each OutboundEnvelope as JSON to the URL configured
// for its channel. Channels with no configured URL are treated as a
// permanent drop (spec §4.9's DeliverDrop), since there is nowhere to send
// the reply.
type HTTPDeliverer struct {
	client *http.Client
	urls   map[envelope.Channel]string
}

// New returns an HTTPDeliverer posting to urls, keyed by channel.
func New(urls map[envelope.Channel]string) *HTTPDeliverer {
	return &HTTPDeliverer{
		client: &http.Client{Timeout: defaultTimeout},
		urls:   urls,
	}
}

// Deliver implements outbox.Deliverer.
func (d *HTTPDeliverer) Deliver(ctx context.Context, env envelope.OutboundEnvelope) outbox.DeliverOutcome {
	url, ok := d.urls[env.Channel]
	if !ok || url == "" {
		return outbox.DeliverOutcome{Kind: outbox.DeliverDrop, DropReason: fmt.Sprintf("no delivery url configured for channel %s", env.Channel)}
	}

	body, err := json.Marshal(env)
	if err != nil {
		return outbox.DeliverOutcome{Kind: outbox.DeliverDrop, DropReason: fmt.Sprintf("marshal outbound envelope: %v", err)}
	}

	var resp *http.Response
	netErr := retry.Do(ctx, dialRetry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err = d.client.Do(req)
		return err
	})
	if netErr != nil {
		slog.Warn("deliver: outbound post failed", "channel", env.Channel, "err", netErr)
		return outbox.DeliverOutcome{Kind: outbox.DeliverRetry, Error: netErr.Error()}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return outbox.DeliverOutcome{Kind: outbox.DeliverSuccess}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// A client-side rejection (bad/expired webhook, 410 gone) will never
		// succeed on retry.
		return outbox.DeliverOutcome{Kind: outbox.DeliverDrop, DropReason: fmt.Sprintf("channel rejected delivery: %d", resp.StatusCode)}
	default:
		return outbox.DeliverOutcome{Kind: outbox.DeliverRetry, Error: fmt.Sprintf("channel returned %d", resp.StatusCode)}
	}
}
