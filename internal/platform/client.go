// Package platform wraps the streaming platform's REST API: listing top
// live channels, creating clips, and fetching clip metadata, with
// transparent credential refresh and retryable/permanent error
// classification.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"clipdetector/internal/apierr"
	"clipdetector/internal/types"
)

const requestTimeout = 30 * time.Second

// CredentialStore is the subset of *credential.Store the platform client
// depends on; platform client owns the only write path into it at
// runtime, via its refresh callback.
type CredentialStore interface {
	Load() (types.Credential, error)
	Save(access, refresh string) error
}

// Client is a typed wrapper over the platform's REST API.
type Client struct {
	baseURL      string
	authURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	creds        CredentialStore

	mu        sync.RWMutex
	appToken  string
	appExpiry time.Time
}

// NewClient builds a platform client. baseURL and authURL default to the
// production Twitch-shaped endpoints when empty, so tests can point them
// at an httptest server.
func NewClient(clientID, clientSecret, baseURL, authURL string, creds CredentialStore) *Client {
	if baseURL == "" {
		baseURL = "https://api.twitch.tv/helix"
	}
	if authURL == "" {
		authURL = "https://id.twitch.tv/oauth2/token"
	}
	return &Client{
		baseURL:      baseURL,
		authURL:      authURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: requestTimeout},
		creds:        creds,
	}
}

// ClipMeta is the metadata returned by GetClip.
type ClipMeta struct {
	EmbedURL     string
	ThumbnailURL string
}

// ListTopLive returns up to n currently live channels ordered by rank,
// using app-only authentication.
func (c *Client) ListTopLive(ctx context.Context, n int) ([]types.RankedChannel, error) {
	token, err := c.appAccessToken(ctx, false)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/streams?first="+strconv.Itoa(n), nil)
	if err != nil {
		return nil, apierr.Permanentf("build list_top_live request: %v", err)
	}
	c.authorize(req, token)

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		token, err = c.appAccessToken(ctx, true)
		if err != nil {
			return nil, err
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/streams?first="+strconv.Itoa(n), nil)
		if err != nil {
			return nil, apierr.Permanentf("rebuild list_top_live request: %v", err)
		}
		c.authorize(req, token)
		resp, err = c.do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, apierr.New(apierr.Permanent, resp.StatusCode, "list_top_live unauthorized after app token refresh", nil)
		}
	}

	if err := statusError(resp.StatusCode, "list_top_live"); err != nil {
		return nil, err
	}

	var body struct {
		Data []struct {
			UserID    string `json:"user_id"`
			UserLogin string `json:"user_login"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, apierr.Permanentf("decode list_top_live response: %v", err)
	}

	out := make([]types.RankedChannel, 0, len(body.Data))
	for i, d := range body.Data {
		id, err := strconv.ParseInt(d.UserID, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, types.RankedChannel{
			Channel: types.Channel{ChannelID: id, Login: strings.ToLower(d.UserLogin)},
			Rank:    i + 1,
		})
	}
	return out, nil
}

// CreateClip asks the platform to capture a clip for channelID, using
// the user credential. A single 401 triggers one refresh-token exchange
// and one retry of this same call; a second 401 is permanent.
func (c *Client) CreateClip(ctx context.Context, channelID int64) (string, error) {
	cred, err := c.creds.Load()
	if err != nil {
		return "", apierr.Permanentf("load user credential: %v", err)
	}

	clipID, status, err := c.createClipOnce(ctx, channelID, cred.AccessToken)
	if err == nil {
		return clipID, nil
	}
	if status != http.StatusUnauthorized {
		return "", err
	}

	newAccess, newRefresh, rerr := c.refreshUserToken(ctx, cred.RefreshToken)
	if rerr != nil {
		return "", apierr.New(apierr.Permanent, http.StatusUnauthorized, "refresh token exchange failed", rerr)
	}
	if err := c.creds.Save(newAccess, newRefresh); err != nil {
		return "", apierr.Permanentf("persist refreshed credential: %v", err)
	}

	clipID, status, err = c.createClipOnce(ctx, channelID, newAccess)
	if err != nil {
		if status == http.StatusUnauthorized {
			return "", apierr.New(apierr.Permanent, http.StatusUnauthorized, "create_clip unauthorized after refresh", nil)
		}
		return "", err
	}
	return clipID, nil
}

func (c *Client) createClipOnce(ctx context.Context, channelID int64, accessToken string) (clipID string, status int, err error) {
	q := url.Values{"broadcaster_id": []string{strconv.FormatInt(channelID, 10)}}
	req, buildErr := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/clips?"+q.Encode(), nil)
	if buildErr != nil {
		return "", 0, apierr.Permanentf("build create_clip request: %v", buildErr)
	}
	c.authorize(req, accessToken)

	resp, doErr := c.do(req)
	if doErr != nil {
		return "", 0, doErr
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return "", resp.StatusCode, apierr.New(apierr.Transient, resp.StatusCode, "create_clip unauthorized", nil)
	}
	if err := statusError(resp.StatusCode, "create_clip"); err != nil {
		return "", resp.StatusCode, err
	}

	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", resp.StatusCode, apierr.Permanentf("decode create_clip response: %v", err)
	}
	if len(body.Data) == 0 || body.Data[0].ID == "" {
		return "", resp.StatusCode, apierr.Permanentf("create_clip returned no clip id")
	}
	return body.Data[0].ID, resp.StatusCode, nil
}

// GetClip fetches clip metadata. It returns (nil, nil) when the clip has
// not materialized yet.
func (c *Client) GetClip(ctx context.Context, clipID string) (*ClipMeta, error) {
	token, err := c.appAccessToken(ctx, false)
	if err != nil {
		return nil, err
	}

	q := url.Values{"id": []string{clipID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/clips?"+q.Encode(), nil)
	if err != nil {
		return nil, apierr.Permanentf("build get_clip request: %v", err)
	}
	c.authorize(req, token)

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode, "get_clip"); err != nil {
		return nil, err
	}

	var body struct {
		Data []struct {
			EmbedURL     string `json:"embed_url"`
			ThumbnailURL string `json:"thumbnail_url"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, apierr.Permanentf("decode get_clip response: %v", err)
	}
	if len(body.Data) == 0 {
		return nil, nil
	}
	return &ClipMeta{EmbedURL: body.Data[0].EmbedURL, ThumbnailURL: body.Data[0].ThumbnailURL}, nil
}

func (c *Client) authorize(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Client-Id", c.clientID)
}

// do performs the request and classifies transport-level failures as
// Transient, never caching 4xx responses.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, apierr.New(apierr.Transient, 0, "request timed out", err)
		}
		return nil, apierr.New(apierr.Transient, 0, "request failed", err)
	}
	return resp, nil
}

func statusError(status int, op string) error {
	if status >= 200 && status < 300 {
		return nil
	}
	kind := apierr.ClassifyStatus(status)
	return apierr.New(kind, status, fmt.Sprintf("%s failed", op), nil)
}

// appAccessToken returns a cached app-only token, fetching a new one on
// first use, on expiry, or when force is set (e.g. after a 401).
func (c *Client) appAccessToken(ctx context.Context, force bool) (string, error) {
	c.mu.RLock()
	token, expiry := c.appToken, c.appExpiry
	c.mu.RUnlock()

	if !force && token != "" && time.Now().Before(expiry) {
		return token, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Re-check after acquiring the write lock: another goroutine may have
	// refreshed the token while we waited.
	if !force && c.appToken != "" && time.Now().Before(c.appExpiry) {
		return c.appToken, nil
	}

	form := url.Values{
		"client_id":     []string{c.clientID},
		"client_secret": []string{c.clientSecret},
		"grant_type":    []string{"client_credentials"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", apierr.Permanentf("build app token request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := statusError(resp.StatusCode, "app_token"); err != nil {
		return "", err
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", apierr.Permanentf("decode app token response: %v", err)
	}

	c.appToken = body.AccessToken
	c.appExpiry = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	return c.appToken, nil
}

// refreshUserToken exchanges a refresh token for a new access/refresh
// pair.
func (c *Client) refreshUserToken(ctx context.Context, refreshToken string) (access, refresh string, err error) {
	form := url.Values{
		"client_id":     []string{c.clientID},
		"client_secret": []string{c.clientSecret},
		"grant_type":    []string{"refresh_token"},
		"refresh_token": []string{refreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", "", fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", fmt.Errorf("refresh token exchange returned status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", "", fmt.Errorf("decode refresh response: %w", err)
	}
	return body.AccessToken, body.RefreshToken, nil
}
