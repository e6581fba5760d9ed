package enginetransport

import (
	"context"
	"testing"
	"time"

	"github.com/vladadzumka89-spec/camunda-processes/internal/config"
)

type fakeTokenFetcher struct {
	calls       int
	accessToken string
	expiresIn   time.Duration
}

func (f *fakeTokenFetcher) FetchToken(ctx context.Context, cfg config.EngineConfig) (string, time.Duration, error) {
	f.calls++
	return f.accessToken, f.expiresIn, nil
}

func TestTokenManager_CachesWhileFresh(t *testing.T) {
	fetcher := &fakeTokenFetcher{accessToken: "tok-1", expiresIn: 5 * time.Minute}
	mgr := &TokenManager{http: fetcher}

	tok, err := mgr.GetToken(context.Background())
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if tok != "tok-1" {
		t.Errorf("unexpected token: %s", tok)
	}

	tok2, err := mgr.GetToken(context.Background())
	if err != nil {
		t.Fatalf("GetToken (cached): %v", err)
	}
	if tok2 != "tok-1" || fetcher.calls != 1 {
		t.Errorf("expected cached token reused, calls=%d", fetcher.calls)
	}
}

func TestTokenManager_RefreshesWhenWithinExpiryGuard(t *testing.T) {
	// 59s is MUST trigger a refresh: invariant 3 requires >60s remaining.
	fetcher := &fakeTokenFetcher{accessToken: "tok-1", expiresIn: 59 * time.Second}
	mgr := &TokenManager{http: fetcher}

	if _, err := mgr.GetToken(context.Background()); err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	fetcher.accessToken = "tok-2"

	tok, err := mgr.GetToken(context.Background())
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if tok != "tok-2" {
		t.Errorf("expected refresh to fetch a new token, got %s", tok)
	}
	if fetcher.calls != 2 {
		t.Errorf("expected 2 fetches, got %d", fetcher.calls)
	}
}

func TestTokenManager_RefreshTokenForcesRefresh(t *testing.T) {
	fetcher := &fakeTokenFetcher{accessToken: "tok-1", expiresIn: time.Hour}
	mgr := &TokenManager{http: fetcher}

	if _, err := mgr.GetToken(context.Background()); err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	fetcher.accessToken = "tok-2"

	tok, err := mgr.RefreshToken(context.Background())
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if tok != "tok-2" {
		t.Errorf("expected forced refresh to return new token, got %s", tok)
	}
}
