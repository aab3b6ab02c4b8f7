// Command seed-credentials is the one-shot OAuth seeding tool that
// bootstraps the credential file the monitor daemon depends on at every
// restart, using the platform's device-code grant.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"clipdetector/internal/credential"
)

const (
	defaultDeviceURL = "https://id.twitch.tv/oauth2/device"
	defaultTokenURL  = "https://id.twitch.tv/oauth2/token"
	requiredScopes   = "chat:read clips:edit"
)

func main() {
	var (
		deviceURL string
		tokenURL  string
		tokenFile string
	)

	rootCmd := &cobra.Command{
		Use:   "seed-credentials",
		Short: "Seed the OAuth user credential the clip detector depends on",
		Long: `seed-credentials performs a device-code OAuth exchange against the
streaming platform and writes the resulting access/refresh token pair
and scopes to the credential file the monitor daemon loads at startup.

Required environment variables:
  TWITCH_CLIENT_ID
  TWITCH_CLIENT_SECRET`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(deviceURL, tokenURL, tokenFile)
		},
	}

	rootCmd.Flags().StringVar(&deviceURL, "device-url", defaultDeviceURL, "OAuth device-code authorization endpoint")
	rootCmd.Flags().StringVar(&tokenURL, "token-url", defaultTokenURL, "OAuth token exchange endpoint")
	rootCmd.Flags().StringVar(&tokenFile, "token-file", envOr("TWITCH_TOKEN_FILE", "secrets/twitch_user_tokens.json"), "destination credential file")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type deviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

type tokenResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	Scope        []string `json:"scope"`
	Error        string   `json:"error"`
}

func runSeed(deviceURL, tokenURL, tokenFile string) error {
	clientID := os.Getenv("TWITCH_CLIENT_ID")
	clientSecret := os.Getenv("TWITCH_CLIENT_SECRET")
	if clientID == "" || clientSecret == "" {
		return fmt.Errorf("TWITCH_CLIENT_ID and TWITCH_CLIENT_SECRET environment variables are required")
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}

	fmt.Println(strings.Repeat("=", 60))
	fmt.Println("Twitch OAuth Token Seeding Tool")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("\nClient ID: %s...\n", truncate(clientID, 8))
	fmt.Printf("Required scopes: %s\n\n", requiredScopes)

	device, err := requestDeviceCode(httpClient, deviceURL, clientID)
	if err != nil {
		return fmt.Errorf("request device code: %w", err)
	}

	fmt.Println(strings.Repeat("=", 60))
	fmt.Println("AUTHORIZATION REQUIRED")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("\n1. Open this URL in your browser:\n\n   %s\n", device.VerificationURI)
	fmt.Printf("\n2. Enter code: %s\n", device.UserCode)
	fmt.Println("3. Log in with your Twitch account and authorize the application")
	fmt.Println("\nWaiting for authorization to complete...")
	fmt.Println("(Press Ctrl+C to cancel)")

	access, refresh, scopes, err := pollForToken(httpClient, tokenURL, clientID, clientSecret, device)
	if err != nil {
		return fmt.Errorf("authorization failed: %w", err)
	}

	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Println("AUTHORIZATION SUCCESSFUL!")
	fmt.Println(strings.Repeat("=", 60))

	store := credential.NewStore(tokenFile)
	if err := store.Seed(access, refresh, scopes); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}

	fmt.Printf("\nTokens saved to: %s\n", tokenFile)
	fmt.Println("\nYou can now start the monitor daemon.")
	fmt.Println("Tokens will be refreshed automatically by the platform client.")
	return nil
}

func requestDeviceCode(httpClient *http.Client, deviceURL, clientID string) (deviceCodeResponse, error) {
	form := url.Values{
		"client_id": []string{clientID},
		"scopes":    []string{requiredScopes},
	}
	resp, err := httpClient.PostForm(deviceURL, form)
	if err != nil {
		return deviceCodeResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return deviceCodeResponse{}, fmt.Errorf("device code request returned status %d", resp.StatusCode)
	}

	var out deviceCodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return deviceCodeResponse{}, fmt.Errorf("decode device code response: %w", err)
	}
	if out.Interval <= 0 {
		out.Interval = 5
	}
	return out, nil
}

// pollForToken polls the token endpoint at the server-specified
// interval until the user completes authorization or the device code
// expires.
func pollForToken(httpClient *http.Client, tokenURL, clientID, clientSecret string, device deviceCodeResponse) (access, refresh string, scopes []string, err error) {
	deadline := time.Now().Add(time.Duration(device.ExpiresIn) * time.Second)
	interval := time.Duration(device.Interval) * time.Second

	for time.Now().Before(deadline) {
		time.Sleep(interval)

		form := url.Values{
			"client_id":     []string{clientID},
			"client_secret": []string{clientSecret},
			"device_code":   []string{device.DeviceCode},
			"grant_type":    []string{"urn:ietf:params:oauth:grant-type:device_code"},
		}
		resp, err := httpClient.PostForm(tokenURL, form)
		if err != nil {
			return "", "", nil, err
		}

		var body tokenResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if decodeErr != nil {
			return "", "", nil, fmt.Errorf("decode token response: %w", decodeErr)
		}

		switch {
		case resp.StatusCode == http.StatusOK && body.AccessToken != "":
			return body.AccessToken, body.RefreshToken, body.Scope, nil
		case body.Error == "authorization_pending":
			continue
		case body.Error == "slow_down":
			interval += time.Second
			continue
		case body.Error != "":
			return "", "", nil, fmt.Errorf("token endpoint error: %s", body.Error)
		}
	}
	return "", "", nil, fmt.Errorf("device code expired before authorization completed")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
