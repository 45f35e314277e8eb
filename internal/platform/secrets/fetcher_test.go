package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type stubSecretManager struct {
	mu     sync.Mutex
	values map[string]string
	errs   map[string]error
	calls  map[string]int
	closed bool
}

func newStubSecretManager() *stubSecretManager {
	return &stubSecretManager{
		values: map[string]string{},
		errs:   map[string]error{},
		calls:  map[string]int{},
	}
}

func (s *stubSecretManager) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[req.GetName()]++
	if err, ok := s.errs[req.GetName()]; ok {
		return nil, err
	}
	value, ok := s.values[req.GetName()]
	if !ok {
		return nil, status.Error(codes.NotFound, "secret not found")
	}
	return &secretmanagerpb.AccessSecretVersionResponse{
		Name:    req.GetName(),
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
	}, nil
}

func (s *stubSecretManager) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *stubSecretManager) callsTo(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func writeFallback(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "secrets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestResolveMemoisesSecretManagerValues(t *testing.T) {
	ctx := context.Background()
	sm := newStubSecretManager()
	name := "projects/pedidos-dev/secrets/order-webhook-token/versions/latest"
	sm.values[name] = "s3cr3t"

	f, err := NewFetcher(ctx, WithSecretManagerClient(sm), WithDefaultProject("pedidos-dev"))
	require.NoError(t, err)

	for range 3 {
		got, err := f.Resolve(ctx, "secret://order-webhook-token")
		require.NoError(t, err)
		assert.Equal(t, "s3cr3t", got)
	}
	assert.Equal(t, 1, sm.callsTo(name))

	require.NoError(t, f.Close())
	assert.False(t, sm.closed, "injected clients belong to the caller")
}

func TestResolveUsesReferenceVersionAndProject(t *testing.T) {
	ctx := context.Background()
	sm := newStubSecretManager()
	sm.values["projects/shared/secrets/order-webhook-token/versions/7"] = "pinned"

	f, err := NewFetcher(ctx, WithSecretManagerClient(sm), WithDefaultProject("pedidos-dev"))
	require.NoError(t, err)

	got, err := f.ResolveSecret(ctx, "secret://order-webhook-token?version=7&project=shared")
	require.NoError(t, err)
	assert.Equal(t, "pinned", got)
}

func TestResolveFallsBackToYAMLFile(t *testing.T) {
	ctx := context.Background()
	sm := newStubSecretManager()
	sm.errs["projects/pedidos-dev/secrets/order-webhook-token/versions/latest"] = status.Error(codes.PermissionDenied, "denied")
	sm.errs["projects/pedidos-dev/secrets/order-webhook-token/versions/2"] = status.Error(codes.Unauthenticated, "no creds")

	path := writeFallback(t, "order-webhook-token: local-token\norder-webhook-token@2: local-v2\n")
	f, err := NewFetcher(ctx, WithSecretManagerClient(sm), WithDefaultProject("pedidos-dev"), WithFallbackFile(path))
	require.NoError(t, err)

	got, err := f.Resolve(ctx, "secret://order-webhook-token")
	require.NoError(t, err)
	assert.Equal(t, "local-token", got)

	got, err = f.Resolve(ctx, "secret://order-webhook-token?version=2")
	require.NoError(t, err)
	assert.Equal(t, "local-v2", got)
}

func TestResolveRetriesUnavailableBeforeFallingBack(t *testing.T) {
	ctx := context.Background()
	sm := newStubSecretManager()
	name := "projects/pedidos-dev/secrets/pubsub-key/versions/latest"
	sm.errs[name] = status.Error(codes.Unavailable, "try later")

	path := writeFallback(t, "pubsub-key: from-file\n")
	f, err := NewFetcher(ctx, WithSecretManagerClient(sm), WithDefaultProject("pedidos-dev"), WithFallbackFile(path))
	require.NoError(t, err)

	got, err := f.Resolve(ctx, "secret://pubsub-key")
	require.NoError(t, err)
	assert.Equal(t, "from-file", got)
	assert.Equal(t, remoteAttempts, sm.callsTo(name))
}

func TestResolveDoesNotMaskMissingSecret(t *testing.T) {
	ctx := context.Background()
	sm := newStubSecretManager()
	path := writeFallback(t, "missing: should-not-be-used\n")

	f, err := NewFetcher(ctx, WithSecretManagerClient(sm), WithDefaultProject("pedidos-dev"), WithFallbackFile(path))
	require.NoError(t, err)

	_, err = f.Resolve(ctx, "secret://missing")
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(errors.Unwrap(err)))
}

func TestNewFetcherServesFallbackWhenDialFails(t *testing.T) {
	previous := newSecretManagerClient
	newSecretManagerClient = func(context.Context, ...option.ClientOption) (*secretmanager.Client, error) {
		return nil, errors.New("no default credentials")
	}
	t.Cleanup(func() { newSecretManagerClient = previous })

	path := writeFallback(t, "firebase-key: offline\n")
	f, err := NewFetcher(context.Background(), WithDefaultProject("pedidos-dev"), WithFallbackFile(path))
	require.NoError(t, err)

	got, err := f.Resolve(context.Background(), "secret://firebase-key")
	require.NoError(t, err)
	assert.Equal(t, "offline", got)
	assert.NoError(t, f.Close())
}

func TestResolveReportsAbsentFallbackEntry(t *testing.T) {
	f, err := NewFetcher(context.Background(), WithSecretManagerClient(newStubSecretManager()),
		WithFallbackFile(filepath.Join(t.TempDir(), "absent.yaml")))
	require.NoError(t, err)

	// No project configured, so only the file is consulted.
	_, err = f.Resolve(context.Background(), "secret://anything")
	assert.ErrorContains(t, err, "anything not found")
}

func TestParseRef(t *testing.T) {
	cases := []struct {
		raw     string
		want    secretRef
		wantErr bool
	}{
		{raw: "secret://token", want: secretRef{name: "token", version: "latest"}},
		{raw: " secret://token?version=3&project=p ", want: secretRef{name: "token", version: "3", project: "p"}},
		{raw: "", wantErr: true},
		{raw: "sm://token", wantErr: true},
		{raw: "secret://", wantErr: true},
		{raw: "token", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := parseRef(tc.raw)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
