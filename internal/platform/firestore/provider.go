package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/cenkalti/backoff/v5"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/mayorista/pedidos/internal/platform/config"
)

const (
	emulatorHostEnv = "FIRESTORE_EMULATOR_HOST"

	defaultConnectTimeout  = 10 * time.Second
	defaultConnectAttempts = 3

	healthCollection = "_health"
	healthDocument   = "pedidos"
)

// ErrProviderClosed is returned by Client after Close.
var ErrProviderClosed = errors.New("firestore: provider is closed")

// Provider owns the process-wide Firestore client. The client is created on first use;
// creation failures are retried with backoff and are not memoised.
type Provider struct {
	projectID string
	emulator  string

	connectTimeout  time.Duration
	connectAttempts uint
	extraOpts       []option.ClientOption

	mu     sync.Mutex
	client *firestore.Client
	closed bool
}

// ProviderOption customises a Provider.
type ProviderOption func(*Provider)

// WithDialTimeout bounds the whole client creation, retries included.
func WithDialTimeout(timeout time.Duration) ProviderOption {
	return func(p *Provider) {
		if timeout > 0 {
			p.connectTimeout = timeout
		}
	}
}

// WithConnectAttempts sets how many times client creation is tried.
func WithConnectAttempts(attempts uint) ProviderOption {
	return func(p *Provider) {
		if attempts > 0 {
			p.connectAttempts = attempts
		}
	}
}

// WithClientOptions appends options passed to firestore.NewClient.
func WithClientOptions(opts ...option.ClientOption) ProviderOption {
	return func(p *Provider) {
		p.extraOpts = append(p.extraOpts, opts...)
	}
}

// NewProvider builds a Provider from the Firestore section of the service config. The
// emulator host falls back to FIRESTORE_EMULATOR_HOST.
func NewProvider(cfg config.FirestoreConfig, opts ...ProviderOption) *Provider {
	p := &Provider{
		projectID:       strings.TrimSpace(cfg.ProjectID),
		emulator:        strings.TrimSpace(cfg.EmulatorHost),
		connectTimeout:  defaultConnectTimeout,
		connectAttempts: defaultConnectAttempts,
	}
	if p.emulator == "" {
		p.emulator = strings.TrimSpace(os.Getenv(emulatorHostEnv))
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Client returns the shared client, creating it when needed.
func (p *Provider) Client(ctx context.Context) (*firestore.Client, error) {
	if ctx == nil {
		return nil, errors.New("firestore: context is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.closed:
		return nil, ErrProviderClosed
	case p.client != nil:
		return p.client, nil
	}
	if p.projectID == "" {
		return nil, errors.New("firestore: project id is required")
	}

	connectCtx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()
	client, err := backoff.Retry(connectCtx, func() (*firestore.Client, error) {
		return firestore.NewClient(connectCtx, p.projectID, p.clientOptions()...)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(p.connectAttempts),
	)
	if err != nil {
		return nil, fmt.Errorf("firestore: connect to project %s: %w", p.projectID, err)
	}
	p.client = client
	return client, nil
}

func (p *Provider) clientOptions() []option.ClientOption {
	opts := make([]option.ClientOption, 0, len(p.extraOpts)+3)
	opts = append(opts, p.extraOpts...)
	if p.emulator == "" {
		return opts
	}
	// The Go client only honours the emulator through the environment variable.
	if os.Getenv(emulatorHostEnv) == "" {
		_ = os.Setenv(emulatorHostEnv, p.emulator)
	}
	return append(opts,
		option.WithEndpoint(p.emulator),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
}

// Ping reads the health document; a missing document still proves connectivity.
func (p *Provider) Ping(ctx context.Context) error {
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	if _, err := client.Collection(healthCollection).Doc(healthDocument).Get(ctx); err != nil && !IsNotFound(err) {
		return WrapError("firestore.ping", err)
	}
	return nil
}

// RunTransaction runs fn in a transaction on the shared client.
func (p *Provider) RunTransaction(ctx context.Context, fn TxFunc, opts ...TxOption) error {
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	return RunTransaction(ctx, client, fn, opts...)
}

// Close releases the client. It returns early with ctx.Err() if ctx ends first.
func (p *Provider) Close(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	client := p.client
	alreadyClosed := p.closed
	p.client, p.closed = nil, true
	p.mu.Unlock()

	if alreadyClosed || client == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	result := make(chan error, 1)
	go func() { result <- client.Close() }()
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
