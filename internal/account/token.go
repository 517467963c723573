package account

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/nero-labs/kiro-relay/internal/config"
	"github.com/nero-labs/kiro-relay/internal/store"
)

// TransportProvider returns a per-identity HTTP transport (for refresh
// calls that must go out via the same proxy as the identity's regular
// traffic). Implemented by internal/transport.Manager.
type TransportProvider interface {
	GetHTTPTransport(i *Identity) *http.Transport
}

// TokenManager refreshes access tokens per identity, single-flight,
// dispatched by auth method. The authorization flow that first acquires
// a refresh token is out of scope; only refresh is implemented.
type TokenManager struct {
	store     store.Store
	identites *Store
	cfg       *config.Config
	client    *http.Client
	transport TransportProvider
}

func NewTokenManager(s store.Store, as *Store, cfg *config.Config, tp TransportProvider) *TokenManager {
	return &TokenManager{
		store:     s,
		identites: as,
		cfg:       cfg,
		client:    &http.Client{Timeout: 30 * time.Second},
		transport: tp,
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// EnsureValidToken returns a valid access token, refreshing first if the
// stored token is expired or within cfg.TokenRefreshAdvance of expiry.
func (tm *TokenManager) EnsureValidToken(ctx context.Context, identityID string) (string, error) {
	data, err := tm.store.GetIdentity(ctx, identityID)
	if err != nil {
		return "", fmt.Errorf("get identity: %w", err)
	}

	expiresAt := atoi64(data["expiresAt"], 0)
	now := time.Now().UnixMilli()

	if expiresAt > 0 && now < expiresAt-tm.cfg.TokenRefreshAdvance.Milliseconds() {
		token, err := tm.identites.GetDecryptedAccessToken(ctx, identityID)
		if err != nil {
			return "", fmt.Errorf("decrypt access token: %w", err)
		}
		if token != "" {
			return token, nil
		}
	}

	return tm.refresh(ctx, identityID)
}

// refresh acquires the identity's single-flight lock (a distributed-lock
// pattern, generalized to an in-process mutex) and performs the refresh,
// so concurrent requests against the same identity don't each fire their
// own refresh call.
func (tm *TokenManager) refresh(ctx context.Context, identityID string) (string, error) {
	lockID := uuid.New().String()

	acquired, err := tm.store.AcquireRefreshLock(ctx, identityID, lockID)
	if err != nil {
		return "", fmt.Errorf("acquire lock: %w", err)
	}

	if !acquired {
		slog.Info("token refresh locked, waiting", "identityId", identityID)
		time.Sleep(2 * time.Second)

		token, err := tm.identites.GetDecryptedAccessToken(ctx, identityID)
		if err != nil {
			return "", fmt.Errorf("get token after wait: %w", err)
		}
		if token != "" {
			data, _ := tm.store.GetIdentity(ctx, identityID)
			if exp := atoi64(data["expiresAt"], 0); exp > time.Now().UnixMilli() {
				return token, nil
			}
		}
		return "", fmt.Errorf("token refresh in progress by another request")
	}

	defer func() {
		if err := tm.store.ReleaseRefreshLock(ctx, identityID, lockID); err != nil {
			slog.Error("release refresh lock failed", "identityId", identityID, "error", err)
		}
	}()

	ident, err := tm.identites.Get(ctx, identityID)
	if err != nil || ident == nil {
		return "", fmt.Errorf("load identity: %w", err)
	}

	refreshToken, err := tm.identites.GetDecryptedRefreshToken(ctx, identityID)
	if err != nil {
		tm.markError(ctx, identityID, "decrypt refresh token: "+err.Error())
		return "", fmt.Errorf("decrypt refresh token: %w", err)
	}
	if refreshToken == "" {
		tm.markError(ctx, identityID, "empty refresh token")
		return "", fmt.Errorf("empty refresh token for identity %s", identityID)
	}

	slog.Info("refreshing token", "identityId", identityID, "authMethod", ident.AuthMethod)

	var resp *tokenResponse
	switch ident.AuthMethod {
	case AuthSocial:
		resp, err = tm.refreshSocial(ctx, ident, refreshToken)
	case AuthIDC:
		resp, err = tm.refreshIDC(ctx, ident, refreshToken)
	default:
		resp, err = tm.refreshDevice(ctx, ident, refreshToken)
	}
	if err != nil {
		tm.markError(ctx, identityID, err.Error())
		return "", fmt.Errorf("refresh (%s): %w", ident.AuthMethod, err)
	}

	if err := tm.identites.StoreTokens(ctx, identityID, resp.AccessToken, resp.RefreshToken, resp.ExpiresIn); err != nil {
		return "", fmt.Errorf("store tokens: %w", err)
	}

	slog.Info("token refreshed", "identityId", identityID, "expiresIn", resp.ExpiresIn)
	return resp.AccessToken, nil
}

// refreshDevice refreshes a device-code-originated credential against a
// fixed token URL with a CLI-shaped user agent.
func (tm *TokenManager) refreshDevice(ctx context.Context, ident *Identity, refreshToken string) (*tokenResponse, error) {
	body, _ := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     tm.cfg.OAuthClientID,
	})
	return tm.postOAuth(ctx, ident, tm.cfg.OAuthTokenURL, body, map[string]string{
		"User-Agent": "kiro-cli/1.0 (external, cli)",
		"Referer":    "https://kiro.dev/",
		"Origin":     "https://kiro.dev",
	})
}

// refreshSocial refreshes a credential minted through a third-party social
// login provider (e.g. Google) — same grant shape, different token host.
func (tm *TokenManager) refreshSocial(ctx context.Context, ident *Identity, refreshToken string) (*tokenResponse, error) {
	body, _ := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	})
	return tm.postOAuth(ctx, ident, tm.cfg.SocialOAuthTokenURL, body, map[string]string{
		"User-Agent": "kiro-cli/1.0 (external, cli)",
	})
}

// refreshIDC refreshes an AWS IAM Identity Center SSO credential: the
// grant carries client_id/client_secret pulled from the identity's
// ExtInfo (set at registration time, not mutated here).
func (tm *TokenManager) refreshIDC(ctx context.Context, ident *Identity, refreshToken string) (*tokenResponse, error) {
	clientID, _ := ident.ExtInfo["clientId"].(string)
	clientSecret, _ := ident.ExtInfo["clientSecret"].(string)
	body, _ := json.Marshal(map[string]string{
		"grantType":    "refresh_token",
		"refreshToken": refreshToken,
		"clientId":     clientID,
		"clientSecret": clientSecret,
	})
	return tm.postOAuth(ctx, ident, tm.cfg.IDCOAuthTokenURL, body, nil)
}

func (tm *TokenManager) postOAuth(ctx context.Context, ident *Identity, url string, body []byte, extraHeaders map[string]string) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	client := tm.client
	if tm.transport != nil && ident.Proxy != nil {
		client = &http.Client{Transport: tm.transport.GetHTTPTransport(ident), Timeout: 30 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oauth returned %d: %s", resp.StatusCode, string(respBody))
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(respBody, &tokenResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("empty access_token in response")
	}
	return &tokenResp, nil
}

func (tm *TokenManager) markError(ctx context.Context, identityID, msg string) {
	slog.Error("token refresh failed", "identityId", identityID, "error", msg)
	_ = tm.identites.Update(ctx, identityID, map[string]string{
		"status":       "unhealthy",
		"errorMessage": msg,
	})
}

// ForceRefresh triggers an immediate refresh, ignoring expiry — used
// after a 401 response signals the cached access token is no longer
// valid despite its recorded expiry.
func (tm *TokenManager) ForceRefresh(ctx context.Context, identityID string) (string, error) {
	return tm.refresh(ctx, identityID)
}
