package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix namespaces every variable Load reads.
const EnvPrefix = "PEDIDOS_"

const (
	defaultEnvFile         = ".env"
	defaultPort            = "8080"
	defaultEnvironment     = "local"
	defaultEventsTopic     = "order-lifecycle"
	defaultEditLockTTL     = 30 * time.Minute
	defaultReclaimInterval = time.Minute
	defaultReclaimBatch    = 100
	defaultMaxBodyBytes    = 256 << 10
	defaultNotifyTimeout   = 5 * time.Second
	defaultNotifyRetries   = 3
	defaultVerifyTimeout   = 5 * time.Second

	secretScheme = "secret://"
)

// Config is the API server configuration.
type Config struct {
	Environment   string
	Server        ServerConfig
	Firebase      FirebaseConfig
	Firestore     FirestoreConfig
	PubSub        PubSubConfig
	Orders        OrdersConfig
	Notifications NotificationConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	MaxBodyBytes int64
}

// FirebaseConfig selects the project whose ID tokens the API accepts.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
	VerifyTimeout   time.Duration
}

type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

type PubSubConfig struct {
	ProjectID    string
	EventsTopic  string
	EmulatorHost string
}

// OrdersConfig tunes edit locks and their reclamation.
type OrdersConfig struct {
	EditLockTTL     time.Duration
	ReclaimInterval time.Duration
	ReclaimBatch    int
}

// NotificationConfig configures the outbound webhook; an empty URL disables it.
type NotificationConfig struct {
	WebhookURL   string
	WebhookToken string
	Timeout      time.Duration
	MaxRetries   int
}

// SecretResolver turns a secret:// reference into its value.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

type SecretResolverFunc func(context.Context, string) (string, error)

func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError lists every field that is missing or malformed.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return "config: missing or invalid " + strings.Join(e.fields, ", ")
}

// Fields returns the offending fields in the order they were checked.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// SecretError wraps a failure to resolve the secret reference Ref.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("config: resolve %s: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("no secret resolver configured")

// Option customises Load and EnvironmentValues.
type Option func(*sources)

// sources are consulted in order: explicit map, process environment, dotenv file.
type sources struct {
	envFile  string
	explicit map[string]string
	osEnv    bool
	resolver SecretResolver
}

// WithEnvFile sets the dotenv file; an empty path disables it.
func WithEnvFile(path string) Option {
	return func(s *sources) { s.envFile = path }
}

// WithEnvMap supplies values that win over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(s *sources) { s.explicit = values }
}

func WithoutSystemEnv() Option {
	return func(s *sources) { s.osEnv = false }
}

func WithSecretResolver(resolver SecretResolver) Option {
	return func(s *sources) { s.resolver = resolver }
}

func newSources(opts []Option) sources {
	s := sources{envFile: defaultEnvFile, osEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}

// EnvironmentValues flattens every source into one map using Load's precedence. It lets
// main read bootstrap settings before a secret resolver exists.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	s := newSources(opts)
	dotenv, err := readDotEnv(s.envFile)
	if err != nil {
		return nil, err
	}
	values := make(map[string]string, len(dotenv))
	for k, v := range dotenv {
		values[k] = v
	}
	if s.osEnv {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
				values[k] = v
			}
		}
	}
	for k, v := range s.explicit {
		values[k] = v
	}
	return values, nil
}

// Load reads PEDIDOS_* settings, applies defaults, resolves secret:// values and validates
// the result. Unparseable numbers and durations are validation failures.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	s := newSources(opts)
	values, err := EnvironmentValues(opts...)
	if err != nil {
		return Config{}, err
	}
	r := reader{values: values}

	cfg := Config{
		Environment: strings.ToLower(r.str("ENVIRONMENT", defaultEnvironment)),
		Server: ServerConfig{
			Port:         r.str("SERVER_PORT", defaultPort),
			ReadTimeout:  r.duration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: r.duration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  r.duration("SERVER_IDLE_TIMEOUT", 2*time.Minute),
			MaxBodyBytes: int64(r.int("SERVER_MAX_BODY_BYTES", defaultMaxBodyBytes)),
		},
		Firebase: FirebaseConfig{
			ProjectID:       r.str("FIREBASE_PROJECT_ID", ""),
			CredentialsFile: r.str("FIREBASE_CREDENTIALS_FILE", ""),
			VerifyTimeout:   r.duration("FIREBASE_VERIFY_TIMEOUT", defaultVerifyTimeout),
		},
		Firestore: FirestoreConfig{
			ProjectID:    r.str("FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: r.str("FIRESTORE_EMULATOR_HOST", ""),
		},
		PubSub: PubSubConfig{
			ProjectID:    r.str("PUBSUB_PROJECT_ID", ""),
			EventsTopic:  r.str("PUBSUB_EVENTS_TOPIC", defaultEventsTopic),
			EmulatorHost: r.str("PUBSUB_EMULATOR_HOST", ""),
		},
		Orders: OrdersConfig{
			EditLockTTL:     r.duration("EDIT_LOCK_TTL", defaultEditLockTTL),
			ReclaimInterval: r.duration("RECLAIM_INTERVAL", defaultReclaimInterval),
			ReclaimBatch:    r.int("RECLAIM_BATCH", defaultReclaimBatch),
		},
		Notifications: NotificationConfig{
			WebhookURL:   r.str("NOTIFY_WEBHOOK_URL", ""),
			WebhookToken: r.str("NOTIFY_WEBHOOK_TOKEN", ""),
			Timeout:      r.duration("NOTIFY_TIMEOUT", defaultNotifyTimeout),
			MaxRetries:   r.int("NOTIFY_MAX_RETRIES", defaultNotifyRetries),
		},
	}
	// One project usually hosts everything: Firestore inherits Firebase, Pub/Sub inherits Firestore.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}

	if cfg.Notifications.WebhookToken, err = resolve(ctx, s.resolver, cfg.Notifications.WebhookToken); err != nil {
		return Config{}, err
	}
	if err := validate(cfg, r.malformed); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// reader looks up prefixed keys and records the ones it could not parse.
type reader struct {
	values    map[string]string
	malformed []string
}

func (r *reader) raw(name string) (string, bool) {
	value := strings.TrimSpace(r.values[EnvPrefix+name])
	return value, value != ""
}

func (r *reader) str(name, fallback string) string {
	if value, ok := r.raw(name); ok {
		return value
	}
	return fallback
}

func (r *reader) duration(name string, fallback time.Duration) time.Duration {
	value, ok := r.raw(name)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		r.malformed = append(r.malformed, EnvPrefix+name)
		return fallback
	}
	return d
}

func (r *reader) int(name string, fallback int) int {
	value, ok := r.raw(name)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		r.malformed = append(r.malformed, EnvPrefix+name)
		return fallback
	}
	return n
}

func resolve(ctx context.Context, resolver SecretResolver, value string) (string, error) {
	ref := strings.TrimSpace(value)
	if !strings.HasPrefix(ref, secretScheme) {
		return value, nil
	}
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validate(cfg Config, malformed []string) error {
	fields := append([]string(nil), malformed...)
	check := func(ok bool, field string) {
		if !ok {
			fields = append(fields, field)
		}
	}
	check(cfg.Server.Port != "", "Server.Port")
	check(cfg.Server.MaxBodyBytes > 0, "Server.MaxBodyBytes")
	check(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	check(cfg.PubSub.EventsTopic != "", "PubSub.EventsTopic")
	check(cfg.Orders.EditLockTTL > 0, "Orders.EditLockTTL")
	check(cfg.Orders.ReclaimInterval > 0, "Orders.ReclaimInterval")
	check(cfg.Orders.ReclaimBatch > 0, "Orders.ReclaimBatch")
	check(cfg.Notifications.WebhookURL == "" || cfg.Notifications.Timeout > 0, "Notifications.Timeout")
	check(cfg.Notifications.MaxRetries >= 0, "Notifications.MaxRetries")
	if len(fields) > 0 {
		return &ValidationError{fields: fields}
	}
	return nil
}

// readDotEnv parses KEY=VALUE lines, tolerating "export " prefixes, comments and quotes.
// A missing file is not an error.
func readDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	values := map[string]string{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		key, value, ok := strings.Cut(strings.TrimPrefix(line, "export "), "=")
		if key = strings.TrimSpace(key); !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), `"'`)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return values, nil
}
