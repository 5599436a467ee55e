package google

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"
	googleauth "golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
)

// oauthClient builds the authenticated HTTP client from the OAuth app
// credentials and a previously obtained user token. Both API calls and the
// token refresh round trips run over a transport bounded by the connect and
// read deadlines, so a hung call cannot stall a sync cycle.
func oauthClient(ctx context.Context, credentialsFile, tokenFile string, connectTimeout, readTimeout time.Duration) (*http.Client, error) {
	creds, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}
	config, err := googleauth.ConfigFromJSON(creds, calendar.CalendarEventsScope)
	if err != nil {
		return nil, fmt.Errorf("parsing credentials file: %w", err)
	}

	token, err := tokenFromFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("loading token from %s (run the auth flow first): %w", tokenFile, err)
	}

	if connectTimeout == 0 {
		connectTimeout = 10 * time.Second
	}
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}
	dialer := &net.Dialer{Timeout: connectTimeout}
	base := &http.Client{
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   connectTimeout,
			ResponseHeaderTimeout: readTimeout,
			MaxIdleConnsPerHost:   8,
		},
		Timeout: connectTimeout + readTimeout,
	}

	// The oauth2 transport picks its underlying client out of the context.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	client := config.Client(ctx, token)
	client.Timeout = base.Timeout
	return client, nil
}

func tokenFromFile(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("decoding token: %w", err)
	}
	return tok, nil
}

// SaveToken persists a freshly exchanged token for later runs.
func SaveToken(path string, token *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating token file: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}
