package cachekey

import (
	"net/http"
	"net/url"
	"strings"
)

const methodSeparator = ":"

// Keyer normalizes requests into cache keys.
// A key is the request method plus the absolute URL of the resource,
// e.g. "GET:https://app.example.com/manifest.json".
// Only retrieval-safe requests are ever keyed; mutating requests do not
// enter the cache layer at all.
type Keyer struct {
	// Base URL that relative request URLs are resolved against.
	// Usually this is the application origin.
	Origin url.URL
}

func NewKeyer(origin url.URL) Keyer {
	return Keyer{Origin: origin}
}

// Resolve returns the absolute URL a request addresses.
// Requests already carrying an absolute URL keep it; everything else is
// resolved against the configured origin.
func (k Keyer) Resolve(r *http.Request) *url.URL {
	if r.URL.IsAbs() {
		return r.URL
	}
	base := k.Origin
	return base.ResolveReference(r.URL)
}

// Key returns the cache key for a request.
func (k Keyer) Key(r *http.Request) string {
	return r.Method + methodSeparator + k.Resolve(r).String()
}

// Method returns the method prefix of a cache key. A key without one
// reads as GET.
func Method(key string) string {
	if m, _, ok := strings.Cut(key, methodSeparator); ok && m != "" {
		return m
	}
	return http.MethodGet
}

// KeyForPath returns the cache key a GET of the given origin path would
// produce. It is used to address enumerated entries (manifest paths, the
// offline document) without a live request.
func (k Keyer) KeyForPath(path string) (string, error) {
	req, err := k.RequestForPath(path)
	if err != nil {
		return "", err
	}
	return k.Key(req), nil
}

// RequestForPath builds the GET request used to populate or refresh the
// entry identified by an origin path.
func (k Keyer) RequestForPath(path string) (*http.Request, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	base := k.Origin
	return http.NewRequest(http.MethodGet, base.ResolveReference(ref).String(), nil)
}
