package origin

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"time"
)

const defaultTimeout = 30 * time.Second

// NetworkError marks a fetch that did not produce a response: the origin
// could not be reached, or the attempt timed out.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("origin unreachable: %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Fetcher performs a network fetch for a fully formed outbound request.
// The request context bounds the attempt.
type Fetcher interface {
	Fetch(r *http.Request) (*http.Response, error)
}

// Success reports whether a response counts as a successful fetch.
// Anything outside the 2xx range is treated the same as an unreachable
// network when deciding whether to fall back to stored content.
func Success(res *http.Response) bool {
	return res != nil && res.StatusCode >= 200 && res.StatusCode < 300
}

type ClientConfig struct {
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Cap on a single fetch. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is the Fetcher used against real origins.
type Client struct {
	client http.Client
	host   string
}

func NewClient(config ClientConfig) *Client {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	c := &Client{host: config.OriginHost}
	c.client = http.Client{
		Timeout: timeout,
		// redirects are relayed to the client, not followed
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	if config.OriginHost != "" {
		c.client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName: config.OriginHost,
			},
		}
	}
	return c
}

func (c *Client) Fetch(r *http.Request) (*http.Response, error) {
	if c.host != "" {
		r.Host = c.host
	}
	res, err := c.client.Do(r)
	if err != nil {
		return nil, &NetworkError{URL: r.URL.String(), Err: err}
	}
	return res, nil
}
