package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"example.com/trainsync/internal/domain"
)

// refreshMargin is the safety window before expiry at which a token is
// refreshed proactively, so a token never expires mid-fetch.
const refreshMargin = 60 * time.Second

// ConnectionStore persists refreshed token triples.
type ConnectionStore interface {
	UpdateConnectionTokens(ctx context.Context, conn domain.ProviderConnection) error
}

// TokenManager owns the access/refresh pair of one athlete's provider
// connection and refreshes it on demand.
type TokenManager struct {
	client *Client
	store  ConnectionStore
	now    func() time.Time
}

// NewTokenManager constructs a TokenManager.
func NewTokenManager(client *Client, store ConnectionStore) *TokenManager {
	return &TokenManager{
		client: client,
		store:  store,
		now:    time.Now,
	}
}

// EnsureFreshToken returns a connection whose access token is valid for at
// least the refresh margin, refreshing and persisting a new triple when it is
// not. The stored scope is preserved when the refresh response omits one.
func (m *TokenManager) EnsureFreshToken(ctx context.Context, conn domain.ProviderConnection) (domain.ProviderConnection, error) {
	if !conn.ExpiresAt.IsZero() && conn.ExpiresAt.After(m.now().Add(refreshMargin)) {
		return conn, nil
	}

	if conn.RefreshToken == "" {
		return conn, fmt.Errorf("%w: no refresh token stored for athlete %s", domain.ErrTokenRefresh, conn.AthleteID)
	}

	payload, err := m.client.RefreshToken(ctx, conn.RefreshToken)
	if err != nil {
		return conn, err
	}

	conn.AccessToken = payload.AccessToken
	conn.ExpiresAt = payload.Expiry
	// Providers that do not rotate refresh tokens omit the field; writing the
	// empty value would wipe the stored token.
	if payload.RefreshToken != "" {
		conn.RefreshToken = payload.RefreshToken
	}
	if payload.Scope != "" {
		conn.Scope = payload.Scope
	}

	if err := m.store.UpdateConnectionTokens(ctx, conn); err != nil {
		return conn, fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}
	return conn, nil
}

// TokenPayload is the provider's refresh-endpoint response.
type TokenPayload struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        string
}

// RefreshToken exchanges a refresh token for a new access/refresh/expiry
// triple. Missing client credentials are a domain.ErrProviderConfig; any
// provider rejection is a domain.ErrTokenRefresh.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenPayload, error) {
	if c.cfg.ClientID == "" || c.cfg.ClientSecret == "" {
		return nil, fmt.Errorf("%w: %s client id/secret not configured", domain.ErrProviderConfig, c.cfg.Name)
	}

	data := url.Values{}
	data.Set("client_id", c.cfg.ClientID)
	data.Set("client_secret", c.cfg.ClientSecret)
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTokenRefresh, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: refresh returned status %d", domain.ErrTokenRefresh, resp.StatusCode)
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
		ExpiresAt    int64  `json:"expires_at"`
		Scope        string `json:"scope"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: failed to decode refresh response: %v", domain.ErrTokenRefresh, err)
	}
	if result.AccessToken == "" {
		return nil, fmt.Errorf("%w: refresh response missing access token", domain.ErrTokenRefresh)
	}

	expiry := time.Now().Add(time.Duration(result.ExpiresIn) * time.Second)
	if result.ExpiresAt != 0 {
		expiry = time.Unix(result.ExpiresAt, 0)
	}

	return &TokenPayload{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		Expiry:       expiry,
		Scope:        result.Scope,
	}, nil
}
