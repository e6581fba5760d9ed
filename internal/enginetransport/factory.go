// Package enginetransport builds an authenticated gRPC transport to the
// workflow engine. Grounded on original_source/worker/auth.py's
// create_channel() three-mode factory and
// agent/internal/connection/manager.go's connect() dial pattern.
package enginetransport

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"

	"github.com/vladadzumka89-spec/camunda-processes/internal/config"
	"github.com/vladadzumka89-spec/camunda-processes/internal/enginepb"
)

// tokenExpiryGuard is the minimum remaining lifetime (seconds) the token
// cache guarantees before forcing a refresh — spec.md §8 invariant 3.
const tokenExpiryGuard = 60 * time.Second

// keepAlive parameters per spec.md §4.5: 60s ping interval, 20s ping
// timeout, pings allowed without active calls.
var keepAliveParams = keepalive.ClientParameters{
	Time:                60 * time.Second,
	Timeout:             20 * time.Second,
	PermitWithoutStream: true,
}

// TokenManager is a thread-safe singleton holding the current OAuth2
// access token and its expiry. Justified as process-wide because the
// engine transport is also process-wide and the token endpoint
// rate-limits refreshes (spec.md §9 Design Notes).
type TokenManager struct {
	mu       sync.Mutex
	cfg      config.EngineConfig
	http     httpDoer
	token    string
	expiry   time.Time
}

// httpDoer is the minimal surface TokenManager needs, letting tests
// substitute a fake token endpoint without a real network call.
type httpDoer interface {
	FetchToken(ctx context.Context, cfg config.EngineConfig) (accessToken string, expiresIn time.Duration, err error)
}

// NewTokenManager creates a TokenManager for the given engine config.
func NewTokenManager(cfg config.EngineConfig) *TokenManager {
	return &TokenManager{cfg: cfg, http: oauthClientCredentials{}}
}

// GetToken returns the cached token if it has more than 60s of remaining
// lifetime; otherwise it refreshes synchronously.
func (m *TokenManager) GetToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != "" && time.Until(m.expiry) > tokenExpiryGuard {
		return m.token, nil
	}
	return m.refreshLocked(ctx)
}

// RefreshToken forces a refresh regardless of the cached token's age.
func (m *TokenManager) RefreshToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshLocked(ctx)
}

func (m *TokenManager) refreshLocked(ctx context.Context) (string, error) {
	token, expiresIn, err := m.http.FetchToken(ctx, m.cfg)
	if err != nil {
		return "", fmt.Errorf("enginetransport: refreshing token: %w", err)
	}
	m.token = token
	m.expiry = time.Now().Add(expiresIn)
	return m.token, nil
}

// bearerCredentials implements grpc/credentials.PerRPCCredentials,
// attaching a freshly-fetched bearer token to every call.
type bearerCredentials struct {
	manager      *TokenManager
	requireTLS   bool
}

func (b bearerCredentials) GetRequestMetadata(ctx context.Context, _ ...string) (map[string]string, error) {
	token, err := b.manager.GetToken(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{"authorization": "Bearer " + token}, nil
}

func (b bearerCredentials) RequireTransportSecurity() bool { return b.requireTLS }

// Factory builds gRPC connections to the engine, refreshing the token as
// needed and choosing one of three transport modes based on config.
type Factory struct {
	cfg          config.EngineConfig
	tokenManager *TokenManager
}

// New creates a Factory. If cfg.UseOAuth() is true, a TokenManager is
// created and shared across reconnects; every call on a dialed
// connection fetches its token through GetToken, which refreshes it once
// fewer than 60s of its lifetime remain.
func New(cfg config.EngineConfig) *Factory {
	f := &Factory{cfg: cfg}
	if cfg.UseOAuth() {
		f.tokenManager = NewTokenManager(cfg)
	}
	return f
}

// TokenManager exposes the shared token manager, or nil if the engine is
// configured without OAuth2.
func (f *Factory) TokenManager() *TokenManager { return f.tokenManager }

// Dial builds a *grpc.ClientConn per the three modes in spec.md §4.5:
// insecure (no credentials), OAuth2-over-plaintext (internal network,
// interceptor-injected bearer header), or OAuth2-over-TLS (external,
// per-call credentials plus TLS transport credentials).
func (f *Factory) Dial(ctx context.Context) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{grpc.WithKeepaliveParams(keepAliveParams)}

	switch {
	case !f.cfg.UseOAuth():
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))

	case f.cfg.UseOAuth() && !f.cfg.UseTLS:
		opts = append(opts,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithUnaryInterceptor(f.bearerUnaryInterceptor),
			grpc.WithStreamInterceptor(f.bearerStreamInterceptor),
		)

	default: // OAuth2 over TLS
		tlsCreds := credentials.NewTLS(&tls.Config{})
		opts = append(opts,
			grpc.WithTransportCredentials(tlsCreds),
			grpc.WithPerRPCCredentials(bearerCredentials{manager: f.tokenManager, requireTLS: true}),
		)
	}

	conn, err := grpc.NewClient(f.cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("enginetransport: dialing %s: %w", f.cfg.Address, err)
	}
	return conn, nil
}

// bearerUnaryInterceptor injects a static authorization header computed
// from the token manager, used for the plaintext-internal-network mode
// where per-call credentials would otherwise require TLS.
func (f *Factory) bearerUnaryInterceptor(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	ctx, err := f.attachBearer(ctx)
	if err != nil {
		return err
	}
	return invoker(ctx, method, req, reply, cc, opts...)
}

func (f *Factory) bearerStreamInterceptor(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	ctx, err := f.attachBearer(ctx)
	if err != nil {
		return nil, err
	}
	return streamer(ctx, desc, cc, method, opts...)
}

func (f *Factory) attachBearer(ctx context.Context) (context.Context, error) {
	token, err := f.tokenManager.GetToken(ctx)
	if err != nil {
		return nil, err
	}
	return metadata.NewOutgoingContext(ctx, metadata.Pairs("authorization", "Bearer "+token)), nil
}

// GatewayClient dials and wraps the connection in an enginepb.GatewayClient.
func (f *Factory) GatewayClient(ctx context.Context) (*enginepb.GatewayClient, *grpc.ClientConn, error) {
	conn, err := f.Dial(ctx)
	if err != nil {
		return nil, nil, err
	}
	return enginepb.NewGatewayClient(conn), conn, nil
}
