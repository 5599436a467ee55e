package caldav

import (
	"net"
	"net/http"
	"time"

	"github.com/icholy/digest"
)

const userAgent = "calmend/1.0"

// basicAuthTransport injects Basic Auth credentials and the client identity
// into every request.
type basicAuthTransport struct {
	username string
	password string
	base     http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.username, t.password)
	req.Header.Set("User-Agent", userAgent)
	return t.base.RoundTrip(req)
}

// identTransport only sets the client identity, for unauthenticated servers
// and as the inner hop of the digest chain.
type identTransport struct {
	base http.RoundTripper
}

func (t *identTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", userAgent)
	return t.base.RoundTrip(req)
}

// newHTTPClient builds the authenticated client with separate connect and
// read deadlines. authMode is "none", "basic", or "digest"; an empty mode
// with credentials present means basic.
func newHTTPClient(authMode, username, password string, connectTimeout, readTimeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: connectTimeout}
	base := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: readTimeout,
		MaxIdleConnsPerHost:   8,
	}

	var rt http.RoundTripper
	switch {
	case authMode == "digest":
		rt = &digest.Transport{
			Username:  username,
			Password:  password,
			Transport: &identTransport{base: base},
		}
	case authMode == "none" || username == "":
		rt = &identTransport{base: base}
	default:
		rt = &basicAuthTransport{username: username, password: password, base: base}
	}

	return &http.Client{
		Transport: rt,
		Timeout:   connectTimeout + readTimeout,
	}
}
