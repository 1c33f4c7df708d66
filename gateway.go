// Package offlinegateway is an intercepting cache layer in front of a web
// application origin. It classifies every request, dispatches it to a
// caching strategy, and keeps the stored content in versioned generation
// pairs so a new deployment can be populated while the previous one still
// serves.
package offlinegateway

import (
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/always-cache/offline-gateway/cache"
	"github.com/always-cache/offline-gateway/metrics"
	cachekey "github.com/always-cache/offline-gateway/pkg/cache-key"
	"github.com/always-cache/offline-gateway/pkg/generation"
	"github.com/always-cache/offline-gateway/pkg/notify"
	"github.com/always-cache/offline-gateway/pkg/origin"
	"github.com/always-cache/offline-gateway/pkg/policy"
	serializer "github.com/always-cache/offline-gateway/pkg/response-serializer"
	servestatus "github.com/always-cache/offline-gateway/pkg/serve-status"

	"github.com/rs/zerolog"
)

type Config struct {
	// Storage for cache generations.
	Cache cache.Provider
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Version of the application deployment. Determines the generation
	// names: "shell-<version>" and "runtime-<version>".
	Version string
	// Paths stored in the shell generation at install time and classified
	// as shell resources.
	ShellManifest []string
	// Path of the application root document, "/" if empty.
	RootDocument string
	// Path of the offline fallback document. It should also be listed in
	// the shell manifest so it is stored ahead of need. Empty disables the
	// offline tier.
	OfflineDocument string
	// Origins passed through untouched (auth, storage, sync backends).
	BypassOrigins []string
	// Resource kinds classified as static assets; image, font and style
	// if empty.
	StaticKinds []string
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Metrics recorder, optional.
	Metrics *metrics.Recorder
	// Hub of attached foreground instances, optional. With a hub set, a
	// waiting version takes over as soon as the last instance detaches.
	Hub *notify.Hub
	// Cap on a single origin fetch.
	FetchTimeout time.Duration
	// Fetcher overrides the origin network client. Tests use this.
	Fetcher origin.Fetcher
}

// genPair is the two generation names serving one deployment version.
type genPair struct {
	shell   string
	runtime string
}

type Gateway struct {
	cache      cache.Provider
	gens       *generation.Manager
	classifier policy.Classifier
	keyer      cachekey.Keyer
	fetcher    origin.Fetcher
	log        zerolog.Logger
	metrics    *metrics.Recorder
	hub        *notify.Hub

	version    string
	manifest   []string
	offlineKey string

	// mu is the takeover barrier: requests snapshot the active pair under
	// the read lock, activation swaps it under the write lock.
	mu     sync.RWMutex
	active genPair
	state  State
}

// CreateGateway initializes the gateway around the given origin.
// The returned gateway serves requests against the configured version's
// generations right away; call Start to run the install and takeover flow.
func CreateGateway(config Config) *Gateway {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	version := config.Version
	if version == "" {
		version = "v1"
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Str("version", version).
		Logger()

	keyer := cachekey.NewKeyer(config.OriginURL)
	fetcher := config.Fetcher
	if fetcher == nil {
		fetcher = origin.NewClient(origin.ClientConfig{
			OriginHost: config.OriginHost,
			Timeout:    config.FetchTimeout,
		})
	}

	g := &Gateway{
		cache:   config.Cache,
		gens:    generation.NewManager(config.Cache, fetcher, keyer, &logger),
		keyer:   keyer,
		fetcher: fetcher,
		log:     logger,
		metrics: config.Metrics,
		hub:     config.Hub,
		classifier: policy.New(policy.Config{
			Origin:        config.OriginURL,
			ShellManifest: config.ShellManifest,
			RootDocument:  config.RootDocument,
			BypassOrigins: config.BypassOrigins,
			StaticKinds:   config.StaticKinds,
		}),
		version:  version,
		manifest: config.ShellManifest,
	}
	g.active = g.expectedPair()
	g.state = StateActive

	if config.OfflineDocument != "" {
		key, err := keyer.KeyForPath(config.OfflineDocument)
		if err != nil {
			logger.Error().Err(err).Str("path", config.OfflineDocument).
				Msg("Could not key offline document, offline tier disabled")
		} else {
			g.offlineKey = key
		}
	}

	return g
}

// ServeHTTP implements the http.Handler interface.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tag := g.classifier.Classify(r)

	if tag == policy.PassThrough {
		g.passThrough(w, r)
		g.metrics.ObserveDispatch(string(tag), "bypass", time.Since(start))
		return
	}

	gens := g.snapshot()
	res, status, err := g.dispatch(r, tag, gens)
	g.metrics.ObserveDispatch(string(tag), status.Source(), time.Since(start))
	if err != nil {
		g.fail(w, r, status)
		return
	}
	g.send(w, r, res, status)
}

// passThrough pipes a request to its destination untouched.
// The cache layer plays no part beyond annotating the response.
func (g *Gateway) passThrough(w http.ResponseWriter, r *http.Request) {
	cs := servestatus.Status{}
	if policy.RetrievalSafe(r.Method) {
		cs.Forward(servestatus.FwdReasonBypass)
	} else {
		cs.Forward(servestatus.FwdReasonMethod)
	}

	uri := g.keyer.Resolve(r).String()
	req, err := http.NewRequestWithContext(r.Context(), r.Method, uri, r.Body)
	if err != nil {
		g.log.Error().Err(err).Str("url", uri).Msg("Could not create upstream request")
		http.Error(w, "Bad gateway", http.StatusBadGateway)
		return
	}
	// the length is not inferable from a server-side body reader; without
	// it the transport re-frames the body as chunked
	req.ContentLength = r.ContentLength
	if r.ContentLength == 0 {
		// an inbound length of zero means a confirmed empty body
		req.Body = http.NoBody
	}
	copyHeader(req.Header, r.Header)
	res, err := g.fetcher.Fetch(req)
	if err != nil {
		g.log.Error().Err(err).Str("url", uri).Msg("Could not reach upstream")
		http.Error(w, "Bad gateway", http.StatusBadGateway)
		return
	}
	g.send(w, r, res, cs)
}

// fetch performs the origin fetch for an intercepted retrieval.
// Retrievals carry no body, so only method, URL and headers travel.
func (g *Gateway) fetch(r *http.Request) (*http.Response, error) {
	uri := g.keyer.Resolve(r).String()
	req, err := http.NewRequestWithContext(r.Context(), r.Method, uri, nil)
	if err != nil {
		return nil, &origin.NetworkError{URL: uri, Err: err}
	}
	copyHeader(req.Header, r.Header)
	return g.fetcher.Fetch(req)
}

// lookup loads a stored response from the named generation.
// Read errors count as misses: a degraded store must never take down
// serving. A corrupted entry is deleted on sight.
func (g *Gateway) lookup(r *http.Request, genName, key string) (*http.Response, bool) {
	ctx := r.Context()
	gen, err := g.gens.Open(ctx, genName)
	if err != nil {
		g.log.Error().Err(err).Str("generation", genName).Msg("Could not open generation")
		return nil, false
	}
	entry, ok, err := gen.Match(ctx, key)
	if err != nil {
		g.log.Error().Err(err).Str("key", key).Msg("Could not read from cache")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	sres, err := serializer.FromBytes(entry.Bytes, cachekey.Method(key))
	if err != nil {
		g.log.Error().Err(err).Str("key", key).Msg("Could not decode stored response, deleting entry")
		if derr := gen.Delete(ctx, key); derr != nil {
			g.log.Error().Err(derr).Str("key", key).Msg("Could not delete entry")
		}
		return nil, false
	}
	sres.Response.Request = r
	return sres.Response, true
}

// store writes a copy of the response into the named generation, leaving
// the response readable for the caller. Returns whether the write stuck.
func (g *Gateway) store(r *http.Request, genName, key string, res *http.Response) bool {
	ctx := r.Context()
	entry, err := generation.Capture(key, res)
	if err != nil {
		g.storeFailed(key, err)
		return false
	}
	gen, err := g.gens.Open(ctx, genName)
	if err != nil {
		g.storeFailed(key, err)
		return false
	}
	if err := gen.Put(ctx, entry); err != nil {
		g.storeFailed(key, err)
		return false
	}
	g.log.Trace().Str("key", key).Str("generation", genName).Msg("Stored response")
	return true
}

func (g *Gateway) storeFailed(key string, err error) {
	serr := &StoreError{Key: key, Err: err}
	g.log.Error().Err(serr).Msg("Could not write to cache")
	g.metrics.ObserveStoreFailure()
}

// offlineDoc loads the offline fallback document from the shell
// generation.
func (g *Gateway) offlineDoc(r *http.Request, shellGen string) (*http.Response, bool) {
	if g.offlineKey == "" {
		return nil, false
	}
	return g.lookup(r, shellGen, g.offlineKey)
}

func (g *Gateway) send(w http.ResponseWriter, r *http.Request, res *http.Response, cs servestatus.Status) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	w.Header().Add(servestatus.HeaderName, cs.String())
	w.WriteHeader(res.StatusCode)
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		g.log.Error().Err(err).Msg("Could not write response body to client")
	}
	g.logRequest(r, cs)
	g.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func (g *Gateway) fail(w http.ResponseWriter, r *http.Request, cs servestatus.Status) {
	w.Header().Add(servestatus.HeaderName, cs.String())
	http.Error(w, "No response available", http.StatusServiceUnavailable)
	g.logRequest(r, cs)
}

func (g *Gateway) logRequest(r *http.Request, cs servestatus.Status) {
	isHit := 0
	if cs.Status == servestatus.StatusHit {
		isHit = 1
	}
	g.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Str("source", cs.Source()).
		Bool("stored", cs.Stored).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	ip := ipAndPort[:portSepIdx]
	return ip
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a workaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
