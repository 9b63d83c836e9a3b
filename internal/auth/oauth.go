// Package auth implements the Google OAuth token operations: refresh,
// authorization-code exchange, and userinfo lookup.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/poemonsense/antigravity-hub/internal/config"
	"github.com/poemonsense/antigravity-hub/internal/errors"
	"github.com/poemonsense/antigravity-hub/internal/utils"
)

// TokenResponse is the OAuth token endpoint response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// UserInfo is the Google userinfo response subset we use.
type UserInfo struct {
	Email      string `json:"email"`
	Name       string `json:"name,omitempty"`
	GivenName  string `json:"given_name,omitempty"`
	FamilyName string `json:"family_name,omitempty"`
	Picture    string `json:"picture,omitempty"`
}

// DisplayName returns the best available display name.
func (u *UserInfo) DisplayName() string {
	if strings.TrimSpace(u.Name) != "" {
		return u.Name
	}
	switch {
	case u.GivenName != "" && u.FamilyName != "":
		return u.GivenName + " " + u.FamilyName
	case u.GivenName != "":
		return u.GivenName
	case u.FamilyName != "":
		return u.FamilyName
	}
	return ""
}

// Client performs OAuth calls with a bounded timeout.
type Client struct {
	httpClient *http.Client
}

// NewClient creates an OAuth client. Token refresh and userinfo must
// finish within 15 seconds.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: config.OAuthTimeoutSeconds * time.Second,
		},
	}
}

// Refresh exchanges a refresh token for a fresh access token. An
// invalid_grant response is terminal: the refresh token is revoked and
// the owning account must be disabled.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{
		"client_id":     {config.OAuthConfig.ClientID},
		"client_secret": {config.OAuthConfig.ClientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}
	return c.postTokenForm(ctx, form)
}

// ExchangeCode trades an authorization code for tokens.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenResponse, error) {
	form := url.Values{
		"client_id":     {config.OAuthConfig.ClientID},
		"client_secret": {config.OAuthConfig.ClientSecret},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"grant_type":    {"authorization_code"},
	}
	return c.postTokenForm(ctx, form)
}

func (c *Client) postTokenForm(ctx context.Context, form url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		config.OAuthConfig.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.NewRefreshError(fmt.Sprintf("token endpoint unreachable: %v", err), "", false)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode != http.StatusOK {
		terminal := strings.Contains(string(body), "invalid_grant")
		utils.Warn("[OAuth] Token request failed: HTTP %d %s", resp.StatusCode, utils.TruncateBody(string(body)))
		return nil, errors.NewRefreshError(
			fmt.Sprintf("token request failed: HTTP %d: %s", resp.StatusCode, utils.TruncateBody(string(body))),
			"", terminal)
	}

	var token TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, errors.NewRefreshError(fmt.Sprintf("token response parse: %v", err), "", false)
	}
	if token.AccessToken == "" {
		return nil, errors.NewRefreshError("token response missing access_token", "", false)
	}
	return &token, nil
}

// FetchUserInfo resolves the account email behind an access token.
func (c *Client) FetchUserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, config.OAuthConfig.UserInfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo failed: HTTP %d: %s", resp.StatusCode, utils.TruncateBody(string(body)))
	}

	var info UserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("userinfo parse: %w", err)
	}
	return &info, nil
}

// BuildAuthURL constructs the Google consent URL for account import.
func BuildAuthURL(redirectURI string) string {
	params := url.Values{
		"client_id":              {config.OAuthConfig.ClientID},
		"redirect_uri":           {redirectURI},
		"response_type":          {"code"},
		"scope":                  {strings.Join(config.OAuthConfig.Scopes, " ")},
		"access_type":            {"offline"},
		"prompt":                 {"consent"},
		"include_granted_scopes": {"true"},
	}
	return config.OAuthConfig.AuthURL + "?" + params.Encode()
}
