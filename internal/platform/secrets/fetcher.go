package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/cenkalti/backoff/v5"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultFallbackFile is read when Secret Manager cannot serve a reference.
	DefaultFallbackFile = ".secrets.local.yaml"

	refScheme      = "secret"
	latestVersion  = "latest"
	remoteAttempts = 3
	meterName      = "github.com/mayorista/pedidos/internal/platform/secrets"
)

var newSecretManagerClient = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

// SecretManagerClient is the single Secret Manager RPC the fetcher uses.
type SecretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret://NAME[?version=V&project=P] references from Secret Manager,
// memoising every value for the life of the process. When Secret Manager is unreachable or
// the caller lacks access, values come from a local YAML file mapping NAME (or NAME@V) to
// the secret.
type Fetcher struct {
	client     SecretManagerClient
	ownsClient bool
	project    string
	log        *zap.Logger

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string

	mu     sync.Mutex
	values map[string]string

	latency metric.Float64Histogram
}

type settings struct {
	log        *zap.Logger
	project    string
	fallback   string
	meter      metric.Meter
	client     SecretManagerClient
	clientOpts []option.ClientOption
}

// Option customises NewFetcher.
type Option func(*settings)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) { s.log = logger }
}

// WithDefaultProject sets the project used by references without ?project=.
func WithDefaultProject(projectID string) Option {
	return func(s *settings) { s.project = strings.TrimSpace(projectID) }
}

// WithFallbackFile overrides DefaultFallbackFile.
func WithFallbackFile(path string) Option {
	return func(s *settings) {
		if path = strings.TrimSpace(path); path != "" {
			s.fallback = path
		}
	}
}

// WithMeter sets the meter for the resolve latency histogram.
func WithMeter(m metric.Meter) Option {
	return func(s *settings) { s.meter = m }
}

// WithSecretManagerClient injects a client instead of dialling one.
func WithSecretManagerClient(client SecretManagerClient) Option {
	return func(s *settings) { s.client = client }
}

// WithClientOptions are used when dialling Secret Manager.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(s *settings) { s.clientOpts = append(s.clientOpts, opts...) }
}

// NewFetcher builds a Fetcher. Failing to dial Secret Manager only logs a warning; the
// fetcher then serves from the fallback file.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	s := settings{fallback: DefaultFallbackFile}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.meter == nil {
		s.meter = otel.GetMeterProvider().Meter(meterName)
	}

	f := &Fetcher{
		client:       s.client,
		project:      s.project,
		log:          s.log,
		fallbackPath: s.fallback,
		values:       make(map[string]string),
	}
	if hist, err := s.meter.Float64Histogram("secrets.resolve.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Time to resolve a secret reference by source")); err == nil {
		f.latency = hist
	} else {
		s.log.Warn("secrets: latency histogram unavailable", zap.Error(err))
	}

	if f.client == nil {
		client, err := newSecretManagerClient(ctx, s.clientOpts...)
		if err != nil {
			s.log.Warn("secrets: secret manager unavailable, using fallback file only",
				zap.String("fallback", s.fallback), zap.Error(err))
		} else {
			f.client, f.ownsClient = client, true
		}
	}
	return f, nil
}

// Close closes a Secret Manager client the fetcher dialled itself.
func (f *Fetcher) Close() error {
	if f == nil || !f.ownsClient || f.client == nil {
		return nil
	}
	return f.client.Close()
}

// ResolveSecret implements config.SecretResolver.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f.Resolve(ctx, ref)
}

// Resolve returns the value behind ref.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	started := time.Now()
	parsed, err := parseRef(ref)
	if err != nil {
		return "", err
	}
	if parsed.project == "" {
		parsed.project = f.project
	}
	key := parsed.key()

	f.mu.Lock()
	value, ok := f.values[key]
	f.mu.Unlock()
	if ok {
		f.observe(ctx, started, "cache")
		return value, nil
	}

	if f.client != nil && parsed.project != "" {
		value, err := f.accessRemote(ctx, parsed)
		switch {
		case err == nil:
			f.remember(key, value)
			f.observe(ctx, started, "secret_manager")
			return value, nil
		case !fallbackAllowed(err):
			f.observe(ctx, started, "error")
			return "", fmt.Errorf("secrets: %s: %w", parsed.name, err)
		}
		f.log.Debug("secrets: secret manager refused, trying fallback file",
			zap.String("secret", parsed.name), zap.Error(err))
	}

	value, ok = f.lookupFallback(parsed)
	if !ok {
		f.observe(ctx, started, "error")
		return "", fmt.Errorf("secrets: %s not found in secret manager or %s", parsed.name, f.fallbackPath)
	}
	f.remember(key, value)
	f.observe(ctx, started, "fallback")
	return value, nil
}

func (f *Fetcher) accessRemote(ctx context.Context, ref secretRef) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", ref.project, ref.name, ref.version)
	return backoff.Retry(ctx, func() (string, error) {
		resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
		if err != nil {
			if status.Code(err) == codes.Unavailable {
				return "", err
			}
			return "", backoff.Permanent(err)
		}
		if resp.GetPayload() == nil {
			return "", backoff.Permanent(fmt.Errorf("empty payload for %s", name))
		}
		return string(resp.GetPayload().GetData()), nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(remoteAttempts),
	)
}

func (f *Fetcher) lookupFallback(ref secretRef) (string, bool) {
	f.fallbackOnce.Do(f.loadFallback)
	if value, ok := f.fallback[ref.name+"@"+ref.version]; ok {
		return value, true
	}
	value, ok := f.fallback[ref.name]
	return value, ok
}

func (f *Fetcher) loadFallback() {
	f.fallback = map[string]string{}
	data, err := os.ReadFile(f.fallbackPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.log.Warn("secrets: fallback file unreadable", zap.String("path", f.fallbackPath), zap.Error(err))
		}
		return
	}
	if err := yaml.Unmarshal(data, &f.fallback); err != nil {
		f.log.Warn("secrets: fallback file is not a YAML map", zap.String("path", f.fallbackPath), zap.Error(err))
		f.fallback = map[string]string{}
	}
}

func (f *Fetcher) remember(key, value string) {
	f.mu.Lock()
	f.values[key] = value
	f.mu.Unlock()
}

func (f *Fetcher) observe(ctx context.Context, started time.Time, source string) {
	if f.latency == nil {
		return
	}
	f.latency.Record(ctx, float64(time.Since(started).Microseconds())/1000,
		metric.WithAttributes(attribute.String("source", source)))
}

type secretRef struct {
	name    string
	version string
	project string
}

func (r secretRef) key() string {
	return r.project + "/" + r.name + "@" + r.version
}

func parseRef(raw string) (secretRef, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return secretRef{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return secretRef{}, fmt.Errorf("secrets: invalid reference %q: %w", raw, err)
	}
	if u.Scheme != refScheme {
		return secretRef{}, fmt.Errorf("secrets: reference %q must use the %s:// scheme", raw, refScheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return secretRef{}, fmt.Errorf("secrets: reference %q has no secret name", raw)
	}
	query := u.Query()
	ref := secretRef{
		name:    name,
		version: strings.TrimSpace(query.Get("version")),
		project: strings.TrimSpace(query.Get("project")),
	}
	if ref.version == "" {
		ref.version = latestVersion
	}
	return ref, nil
}

// fallbackAllowed reports whether a Secret Manager failure may be served from the local
// file. A missing secret is a configuration error and is never masked.
func fallbackAllowed(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}
