package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-resty/resty/v2"

	"github.com/mayorista/pedidos/internal/services"
)

const (
	defaultTimeout    = 5 * time.Second
	defaultMaxRetries = 3
	eventHeader       = "X-Pedidos-Event"
	idempotencyHeader = "Idempotency-Key"
)

// WebhookNotifier posts order events to the configured notification endpoint, which fans them
// out to the client's email or messaging channel.
type WebhookNotifier struct {
	client     *resty.Client
	url        string
	token      string
	maxRetries int
	newBackOff func() backoff.BackOff
}

var _ services.OrderEventPublisher = (*WebhookNotifier)(nil)

// Option customises the notifier.
type Option func(*WebhookNotifier)

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(n *WebhookNotifier) {
		n.token = strings.TrimSpace(token)
	}
}

// WithTimeout sets the per-attempt HTTP timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(n *WebhookNotifier) {
		if timeout > 0 {
			n.client.SetTimeout(timeout)
		}
	}
}

// WithMaxRetries caps delivery attempts after the first one.
func WithMaxRetries(retries int) Option {
	return func(n *WebhookNotifier) {
		if retries >= 0 {
			n.maxRetries = retries
		}
	}
}

// WithBackOff replaces the retry schedule, mainly for tests.
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(n *WebhookNotifier) {
		if factory != nil {
			n.newBackOff = factory
		}
	}
}

// WithHTTPClient swaps the transport used by resty.
func WithHTTPClient(client *http.Client) Option {
	return func(n *WebhookNotifier) {
		if client != nil {
			n.client = resty.NewWithClient(client).SetTimeout(client.Timeout)
		}
	}
}

// NewWebhookNotifier validates the endpoint and builds the resty client.
func NewWebhookNotifier(url string, opts ...Option) (*WebhookNotifier, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("webhook notifier: url is required")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("webhook notifier: unsupported url %q", url)
	}
	n := &WebhookNotifier{
		client:     resty.New().SetTimeout(defaultTimeout),
		url:        url,
		maxRetries: defaultMaxRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	n.client.SetHeader("Content-Type", "application/json")
	return n, nil
}

// PublishOrderEvent delivers the event, retrying transport failures, 429 and 5xx responses.
// Other 4xx responses are permanent.
func (n *WebhookNotifier) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	key := idempotencyKey(event)
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		req := n.client.R().
			SetContext(ctx).
			SetHeader(eventHeader, event.Type).
			SetHeader(idempotencyHeader, key).
			SetBody(event)
		if n.token != "" {
			req.SetAuthToken(n.token)
		}

		resp, err := req.Post(n.url)
		if err != nil {
			if ctx.Err() != nil {
				return struct{}{}, backoff.Permanent(ctx.Err())
			}
			return struct{}{}, fmt.Errorf("webhook request: %w", err)
		}
		status := resp.StatusCode()
		switch {
		case status < 300:
			return struct{}{}, nil
		case status == http.StatusTooManyRequests:
			if seconds, convErr := strconv.Atoi(resp.Header().Get("Retry-After")); convErr == nil && seconds > 0 {
				return struct{}{}, backoff.RetryAfter(seconds)
			}
			return struct{}{}, fmt.Errorf("webhook throttled: status %d", status)
		case status >= 500:
			return struct{}{}, fmt.Errorf("webhook unavailable: status %d", status)
		default:
			return struct{}{}, backoff.Permanent(fmt.Errorf("webhook rejected event: status %d: %s", status, truncate(resp.String(), 200)))
		}
	},
		backoff.WithBackOff(n.newBackOff()),
		backoff.WithMaxTries(uint(n.maxRetries+1)),
	)
	return err
}

func idempotencyKey(event services.OrderEvent) string {
	return fmt.Sprintf("%s:%s:%d", event.OrderID, event.Type, event.OccurredAt.UnixNano())
}

func truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
