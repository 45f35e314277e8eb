package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"go.uber.org/zap"

	"github.com/mayorista/pedidos/internal/platform/httpx"
	"github.com/mayorista/pedidos/internal/platform/requestctx"
)

const defaultVerifyTimeout = 5 * time.Second

// Verifier errors that stub verifiers can return in place of Firebase's own.
var (
	ErrTokenExpired = errors.New("auth: id token expired")
	ErrTokenInvalid = errors.New("auth: id token invalid")
)

// TokenVerifier checks a Firebase ID token.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator guards the API with Firebase ID tokens.
type Authenticator struct {
	verifier TokenVerifier
	timeout  time.Duration
}

// Option customises an Authenticator.
type Option func(*Authenticator)

// WithVerificationTimeout bounds each token verification.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAuthenticator builds an Authenticator around verifier. A nil verifier rejects every request.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{verifier: verifier, timeout: defaultVerifyTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireFirebaseAuth rejects requests without a valid bearer token with 401 and otherwise
// puts the caller's Identity and request actor on the context.
func (a *Authenticator) RequireFirebaseAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			raw := bearerToken(r.Header.Get("Authorization"))
			switch {
			case raw == "":
				unauthorized(ctx, w, "unauthenticated", "authorization header missing or invalid")
				return
			case a == nil || a.verifier == nil:
				unauthorized(ctx, w, "unauthenticated", "authorization service unavailable")
				return
			}

			token, err := a.verify(ctx, raw)
			if err != nil {
				requestctx.Logger(ctx).Warn("auth: id token rejected", zap.Error(err))
				code, message := verificationFailure(err)
				unauthorized(ctx, w, code, message)
				return
			}
			identity, err := identityFromToken(token)
			if err != nil {
				unauthorized(ctx, w, "insufficient_role", "identity does not have a supported role")
				return
			}

			ctx = WithIdentity(ctx, identity)
			ctx = requestctx.WithActor(ctx, requestctx.Actor{ID: identity.UID, Type: identity.Role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Authenticator) verify(ctx context.Context, raw string) (*firebaseauth.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.verifier.VerifyIDToken(ctx, raw)
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func verificationFailure(err error) (code, message string) {
	switch {
	case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
		return "token_expired", "id token expired"
	case errors.Is(err, ErrTokenInvalid), firebaseauth.IsIDTokenInvalid(err):
		return "invalid_token", "id token invalid"
	}
	return "invalid_token", "id token verification failed"
}

func unauthorized(ctx context.Context, w http.ResponseWriter, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, http.StatusUnauthorized))
}
