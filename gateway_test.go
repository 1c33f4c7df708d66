package offlinegateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/offline-gateway/cache"
	"github.com/always-cache/offline-gateway/pkg/generation"
	"github.com/always-cache/offline-gateway/pkg/notify"
	"github.com/always-cache/offline-gateway/pkg/origin"
	serializer "github.com/always-cache/offline-gateway/pkg/response-serializer"
	servestatus "github.com/always-cache/offline-gateway/pkg/serve-status"
)

// countingFetcher wraps the real client and counts fetches per path.
type countingFetcher struct {
	inner origin.Fetcher
	mutex sync.Mutex
	calls map[string]int
}

func (f *countingFetcher) Fetch(r *http.Request) (*http.Response, error) {
	f.mutex.Lock()
	f.calls[r.URL.Path]++
	f.mutex.Unlock()
	return f.inner.Fetch(r)
}

func (f *countingFetcher) count(path string) int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.calls[path]
}

func newTestGateway(t *testing.T, originURL string, configure func(*Config)) (*Gateway, *countingFetcher) {
	t.Helper()
	u, err := url.Parse(originURL)
	if err != nil {
		t.Fatalf("Cannot parse origin URL: %v", err)
	}
	logger := zerolog.Nop()
	fetcher := &countingFetcher{
		inner: origin.NewClient(origin.ClientConfig{Timeout: 2 * time.Second}),
		calls: make(map[string]int),
	}
	config := Config{
		Cache:           cache.NewMemProvider(),
		OriginURL:       *u,
		ShellManifest:   []string{"/", "/manifest.json", "/offline.html"},
		OfflineDocument: "/offline.html",
		Logger:          &logger,
		Fetcher:         fetcher,
	}
	if configure != nil {
		configure(&config)
	}
	return CreateGateway(config), fetcher
}

func serveRequest(g *Gateway, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	g.ServeHTTP(w, r)
	return w
}

func get(g *Gateway, path string) *httptest.ResponseRecorder {
	return serveRequest(g, httptest.NewRequest(http.MethodGet, path, nil))
}

func generationKeys(t *testing.T, g *Gateway, name string) []string {
	t.Helper()
	gen, err := g.cache.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("Cannot open generation %s: %v", name, err)
	}
	keys, err := gen.Keys(context.Background())
	if err != nil {
		t.Fatalf("Cannot list keys of %s: %v", name, err)
	}
	return keys
}

// seedEntry stores a canned response under the given key, the way a
// previous deployment would have left it behind.
func seedEntry(t *testing.T, provider cache.Provider, genName, key, body string) {
	t.Helper()
	res := &http.Response{
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/html"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	entry, err := generation.Capture(key, res)
	if err != nil {
		t.Fatalf("Cannot capture response: %v", err)
	}
	gen, err := provider.Open(context.Background(), genName)
	if err != nil {
		t.Fatalf("Cannot open generation %s: %v", genName, err)
	}
	if err := gen.Put(context.Background(), entry); err != nil {
		t.Fatalf("Cannot store entry: %v", err)
	}
}

func TestShellServedFreshAndStored(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "index page")
	}))
	defer server.Close()

	g, _ := newTestGateway(t, server.URL, nil)

	w := get(g, "/")
	if w.Code != http.StatusOK {
		t.Fatalf("Status is %d", w.Code)
	}
	if body := w.Body.String(); body != "index page" {
		t.Fatalf("Body is %s", body)
	}
	cs := w.Header().Get(servestatus.HeaderName)
	if !strings.Contains(cs, "fwd=request") || !strings.Contains(cs, "stored") {
		t.Fatalf("Cache status is %s", cs)
	}

	gen, err := g.cache.Open(context.Background(), "shell-v1")
	if err != nil {
		t.Fatalf("Cannot open shell generation: %v", err)
	}
	entry, ok, err := gen.Match(context.Background(), "GET:"+server.URL+"/")
	if err != nil || !ok {
		t.Fatalf("Entry not stored (ok %v, err %v)", ok, err)
	}
	sres, err := serializer.FromBytes(entry.Bytes, http.MethodGet)
	if err != nil {
		t.Fatalf("Cannot decode stored entry: %v", err)
	}
	stored, _ := io.ReadAll(sres.Response.Body)
	if string(stored) != "index page" {
		t.Fatalf("Stored body is %s", stored)
	}
}

func TestShellFallbackWhenOriginDown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "shell from network")
	}))

	g, _ := newTestGateway(t, server.URL, nil)

	if w := get(g, "/"); w.Code != http.StatusOK {
		t.Fatalf("Priming request status is %d", w.Code)
	}
	server.Close()

	w := get(g, "/")
	if w.Code != http.StatusOK {
		t.Fatalf("Status is %d", w.Code)
	}
	if body := w.Body.String(); body != "shell from network" {
		t.Fatalf("Body is %s", body)
	}
	cs := w.Header().Get(servestatus.HeaderName)
	if !strings.Contains(cs, "hit") || !strings.Contains(cs, "detail=fallback") {
		t.Fatalf("Cache status is %s", cs)
	}
}

func TestFailedWhenAllTiersEmpty(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()

	g, _ := newTestGateway(t, server.URL, func(c *Config) {
		c.OfflineDocument = ""
	})

	w := get(g, "/")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Status is %d", w.Code)
	}
	cs := w.Header().Get(servestatus.HeaderName)
	if !strings.Contains(cs, "fwd=miss") || !strings.Contains(cs, "detail=exhausted") {
		t.Fatalf("Cache status is %s", cs)
	}
}

func TestStaticAssetServedWithoutNetwork(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		fmt.Fprint(w, "png bytes")
	}))
	defer server.Close()

	g, fetcher := newTestGateway(t, server.URL, nil)

	first := get(g, "/logo.png")
	if first.Code != http.StatusOK || first.Body.String() != "png bytes" {
		t.Fatalf("First response is %d %s", first.Code, first.Body.String())
	}
	if cs := first.Header().Get(servestatus.HeaderName); !strings.Contains(cs, "fwd=uri-miss") {
		t.Fatalf("Cache status is %s", cs)
	}
	if fetcher.count("/logo.png") != 1 {
		t.Fatalf("Fetch count is %d", fetcher.count("/logo.png"))
	}

	second := get(g, "/logo.png")
	if second.Body.String() != "png bytes" {
		t.Fatalf("Second body is %s", second.Body.String())
	}
	if ct := second.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("Content type is %s", ct)
	}
	if cs := second.Header().Get(servestatus.HeaderName); !strings.Contains(cs, "hit") {
		t.Fatalf("Cache status is %s", cs)
	}
	if fetcher.count("/logo.png") != 1 {
		t.Fatalf("Stored asset fetched %d times", fetcher.count("/logo.png"))
	}
}

func TestStoredHeadResponseKeepsDeclaredLength(t *testing.T) {
	g, _ := newTestGateway(t, "http://app.example.com", nil)
	ctx := context.Background()

	// a HEAD answer declares a length but carries no body bytes
	res := &http.Response{
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"application/pdf"}},
		ContentLength: 2048,
		Body:          http.NoBody,
		Request:       &http.Request{Method: http.MethodHead},
	}
	key := "HEAD:http://app.example.com/report.pdf"
	entry, err := generation.Capture(key, res)
	if err != nil {
		t.Fatalf("Cannot capture response: %v", err)
	}
	gen, err := g.cache.Open(ctx, "runtime-v1")
	if err != nil {
		t.Fatalf("Cannot open generation: %v", err)
	}
	if err := gen.Put(ctx, entry); err != nil {
		t.Fatalf("Cannot store entry: %v", err)
	}

	r := httptest.NewRequest(http.MethodHead, "/report.pdf", nil)
	got, ok := g.lookup(r, "runtime-v1", key)
	if !ok {
		t.Fatalf("Expected a stored response")
	}
	body, err := io.ReadAll(got.Body)
	if err != nil {
		t.Fatalf("Cannot read stored body: %v", err)
	}
	if len(body) != 0 {
		t.Fatalf("Body is %q", body)
	}
	if got.ContentLength != 2048 {
		t.Fatalf("Content length is %d", got.ContentLength)
	}
}

func TestMutatingMethodPassedThrough(t *testing.T) {
	received := ""
	var contentLength int64
	var transferEncoding []string
	var mutex sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mutex.Lock()
		received = string(body)
		contentLength = r.ContentLength
		transferEncoding = r.TransferEncoding
		mutex.Unlock()
		fmt.Fprint(w, "saved")
	}))
	defer server.Close()

	g, _ := newTestGateway(t, server.URL, nil)

	r := httptest.NewRequest(http.MethodPost, "/api/save", strings.NewReader("payload"))
	w := serveRequest(g, r)
	if w.Code != http.StatusOK || w.Body.String() != "saved" {
		t.Fatalf("Response is %d %s", w.Code, w.Body.String())
	}
	if cs := w.Header().Get(servestatus.HeaderName); !strings.Contains(cs, "fwd=method") {
		t.Fatalf("Cache status is %s", cs)
	}
	mutex.Lock()
	defer mutex.Unlock()
	if received != "payload" {
		t.Fatalf("Origin received %s", received)
	}
	// the client's framing travels as is: declared length, no re-framing
	if contentLength != int64(len("payload")) {
		t.Fatalf("Origin saw content length %d", contentLength)
	}
	if len(transferEncoding) != 0 {
		t.Fatalf("Origin saw transfer encoding %v", transferEncoding)
	}

	names, err := g.cache.Names(context.Background())
	if err != nil {
		t.Fatalf("Cannot list generations: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("Mutating request created generations: %v", names)
	}
}

func TestBypassOriginPassedThrough(t *testing.T) {
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "token")
	}))
	defer auth.Close()
	authURL, err := url.Parse(auth.URL)
	if err != nil {
		t.Fatalf("Cannot parse auth URL: %v", err)
	}

	g, _ := newTestGateway(t, "http://app.example.com", func(c *Config) {
		c.BypassOrigins = []string{authURL.Hostname()}
	})

	w := serveRequest(g, httptest.NewRequest(http.MethodGet, auth.URL+"/token", nil))
	if w.Code != http.StatusOK || w.Body.String() != "token" {
		t.Fatalf("Response is %d %s", w.Code, w.Body.String())
	}
	if cs := w.Header().Get(servestatus.HeaderName); !strings.Contains(cs, "fwd=bypass") {
		t.Fatalf("Cache status is %s", cs)
	}

	names, _ := g.cache.Names(context.Background())
	if len(names) != 0 {
		t.Fatalf("Bypassed request created generations: %v", names)
	}
}

func TestOfflineDocumentServedAsLastResort(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/offline.html" {
			fmt.Fprint(w, "you are offline")
			return
		}
		fmt.Fprint(w, "content of "+r.URL.Path)
	}))

	g, _ := newTestGateway(t, server.URL, nil)
	if err := g.Install(context.Background()); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	server.Close()

	// a dynamic path never seen before, nothing in the runtime generation
	w := get(g, "/reports/today")
	if w.Code != http.StatusOK {
		t.Fatalf("Status is %d", w.Code)
	}
	if body := w.Body.String(); body != "you are offline" {
		t.Fatalf("Body is %s", body)
	}
	if cs := w.Header().Get(servestatus.HeaderName); !strings.Contains(cs, "detail=offline") {
		t.Fatalf("Cache status is %s", cs)
	}
}

func TestDynamicFallsBackOnServerError(t *testing.T) {
	failing := false
	var mutex sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mutex.Lock()
		defer mutex.Unlock()
		if failing {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, "latest numbers")
	}))
	defer server.Close()

	g, _ := newTestGateway(t, server.URL, nil)

	if w := get(g, "/api/numbers"); w.Body.String() != "latest numbers" {
		t.Fatalf("Priming body is %s", w.Body.String())
	}

	mutex.Lock()
	failing = true
	mutex.Unlock()

	w := get(g, "/api/numbers")
	if w.Code != http.StatusOK {
		t.Fatalf("Status is %d", w.Code)
	}
	if body := w.Body.String(); body != "latest numbers" {
		t.Fatalf("Body is %s", body)
	}
	if cs := w.Header().Get(servestatus.HeaderName); !strings.Contains(cs, "detail=fallback") {
		t.Fatalf("Cache status is %s", cs)
	}
}

func TestErrorResponseRelayedWhenNothingStored(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such report", http.StatusNotFound)
	}))
	defer server.Close()

	g, _ := newTestGateway(t, server.URL, nil)

	w := get(g, "/reports/missing")
	if w.Code != http.StatusNotFound {
		t.Fatalf("Status is %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "no such report") {
		t.Fatalf("Body is %s", w.Body.String())
	}
	if keys := generationKeys(t, g, "runtime-v1"); len(keys) != 0 {
		t.Fatalf("Error response was stored: %v", keys)
	}
}

func TestStoreFailureDoesNotFailServing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "fresh")
	}))
	defer server.Close()

	g, _ := newTestGateway(t, server.URL, func(c *Config) {
		c.Cache = readOnlyProvider{cache.NewMemProvider()}
	})

	w := get(g, "/")
	if w.Code != http.StatusOK || w.Body.String() != "fresh" {
		t.Fatalf("Response is %d %s", w.Code, w.Body.String())
	}
	if cs := w.Header().Get(servestatus.HeaderName); strings.Contains(cs, "stored") {
		t.Fatalf("Cache status is %s", cs)
	}
}

type readOnlyProvider struct {
	cache.Provider
}

func (p readOnlyProvider) Open(ctx context.Context, name string) (cache.Generation, error) {
	gen, err := p.Provider.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return readOnlyGeneration{gen}, nil
}

type readOnlyGeneration struct {
	cache.Generation
}

func (g readOnlyGeneration) Put(ctx context.Context, entry cache.Entry) error {
	return errors.New("quota exceeded")
}

func TestInstallStoresManifest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "content of "+r.URL.Path)
	}))
	defer server.Close()

	g, _ := newTestGateway(t, server.URL, nil)
	if err := g.Install(context.Background()); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	keys := generationKeys(t, g, "shell-v1")
	want := []string{
		"GET:" + server.URL + "/",
		"GET:" + server.URL + "/manifest.json",
		"GET:" + server.URL + "/offline.html",
	}
	if !reflect.DeepEqual(keys, want) {
		t.Fatalf("Shell keys are %v", keys)
	}

	gen, err := g.cache.Open(context.Background(), "shell-v1")
	if err != nil {
		t.Fatalf("Cannot open shell generation: %v", err)
	}
	entry, ok, err := gen.Match(context.Background(), "GET:"+server.URL+"/manifest.json")
	if err != nil || !ok {
		t.Fatalf("Manifest entry missing (ok %v, err %v)", ok, err)
	}
	sres, err := serializer.FromBytes(entry.Bytes, http.MethodGet)
	if err != nil {
		t.Fatalf("Cannot decode entry: %v", err)
	}
	body, _ := io.ReadAll(sres.Response.Body)
	if string(body) != "content of /manifest.json" {
		t.Fatalf("Stored body is %s", body)
	}
}

func TestActivateReclaimsExactlyStale(t *testing.T) {
	g, _ := newTestGateway(t, "http://app.example.com", func(c *Config) {
		c.Version = "v2"
	})
	ctx := context.Background()
	for _, name := range []string{"shell-v2", "runtime-v2", "shell-v1"} {
		if _, err := g.cache.Open(ctx, name); err != nil {
			t.Fatalf("Cannot create generation %s: %v", name, err)
		}
	}

	if err := g.Activate(ctx); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	want := []string{"runtime-v2", "shell-v2"}
	names, _ := g.cache.Names(ctx)
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("Generations are %v", names)
	}

	if err := g.Activate(ctx); err != nil {
		t.Fatalf("Second activate failed: %v", err)
	}
	names, _ = g.cache.Names(ctx)
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("Generations after second activate are %v", names)
	}
}

func TestRefreshShellUpdatesStoredCopy(t *testing.T) {
	content := "first build"
	var mutex sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mutex.Lock()
		defer mutex.Unlock()
		fmt.Fprint(w, content)
	}))
	defer server.Close()

	g, _ := newTestGateway(t, server.URL, func(c *Config) {
		c.ShellManifest = []string{"/"}
		c.OfflineDocument = ""
	})
	ctx := context.Background()
	if err := g.Install(ctx); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	mutex.Lock()
	content = "second build"
	mutex.Unlock()
	if err := g.RefreshShell(ctx); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	server.Close()
	if w := get(g, "/"); w.Body.String() != "second build" {
		t.Fatalf("Body is %s", w.Body.String())
	}
}

func TestTakeoverWaitsForInstances(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "v2 content")
	}))
	defer server.Close()

	logger := zerolog.Nop()
	hub := notify.NewHub(&logger)
	provider := cache.NewMemProvider()
	ctx := context.Background()

	// previous deployment left a complete pair behind
	seedEntry(t, provider, "shell-v1", "GET:"+server.URL+"/", "v1 content")
	if _, err := provider.Open(ctx, "runtime-v1"); err != nil {
		t.Fatalf("Cannot create generation: %v", err)
	}

	g, _ := newTestGateway(t, server.URL, func(c *Config) {
		c.Cache = provider
		c.Hub = hub
		c.Version = "v2"
		c.ShellManifest = []string{"/"}
		c.OfflineDocument = ""
	})

	instance := hub.Attach()
	if err := g.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	status := g.Status()
	if status.State != StateWaiting || status.Shell != "shell-v1" {
		t.Fatalf("Status after start is %+v", status)
	}

	// requests keep being answered from the previous pair
	server.Close()
	if w := get(g, "/"); w.Body.String() != "v1 content" {
		t.Fatalf("Body while waiting is %s", w.Body.String())
	}

	hub.Detach(instance.ID)
	if state := g.Status().State; state != StateActive {
		t.Fatalf("State after last detach is %s", state)
	}
	names, _ := provider.Names(ctx)
	if !reflect.DeepEqual(names, []string{"runtime-v2", "shell-v2"}) {
		t.Fatalf("Generations are %v", names)
	}
	if w := get(g, "/"); w.Body.String() != "v2 content" {
		t.Fatalf("Body after takeover is %s", w.Body.String())
	}
}

func TestForceActivateNow(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "v2 content")
	}))
	defer server.Close()

	logger := zerolog.Nop()
	hub := notify.NewHub(&logger)
	provider := cache.NewMemProvider()
	ctx := context.Background()

	seedEntry(t, provider, "shell-v1", "GET:"+server.URL+"/", "v1 content")
	if _, err := provider.Open(ctx, "runtime-v1"); err != nil {
		t.Fatalf("Cannot create generation: %v", err)
	}

	g, _ := newTestGateway(t, server.URL, func(c *Config) {
		c.Cache = provider
		c.Hub = hub
		c.Version = "v2"
		c.ShellManifest = []string{"/"}
		c.OfflineDocument = ""
	})

	hub.Attach()
	if err := g.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if state := g.Status().State; state != StateWaiting {
		t.Fatalf("State after start is %s", state)
	}

	g.ForceActivateNow()

	status := g.Status()
	if status.State != StateActive || status.Instances != 1 {
		t.Fatalf("Status after forced activation is %+v", status)
	}
	names, _ := provider.Names(ctx)
	if !reflect.DeepEqual(names, []string{"runtime-v2", "shell-v2"}) {
		t.Fatalf("Generations are %v", names)
	}
}

func TestStartActivatesWithoutInstances(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "v2 content")
	}))
	defer server.Close()

	logger := zerolog.Nop()
	hub := notify.NewHub(&logger)
	provider := cache.NewMemProvider()
	ctx := context.Background()

	seedEntry(t, provider, "shell-v1", "GET:"+server.URL+"/", "v1 content")
	if _, err := provider.Open(ctx, "runtime-v1"); err != nil {
		t.Fatalf("Cannot create generation: %v", err)
	}

	g, _ := newTestGateway(t, server.URL, func(c *Config) {
		c.Cache = provider
		c.Hub = hub
		c.Version = "v2"
		c.ShellManifest = []string{"/"}
		c.OfflineDocument = ""
	})

	if err := g.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if state := g.Status().State; state != StateActive {
		t.Fatalf("State is %s", state)
	}
	names, _ := provider.Names(ctx)
	if !reflect.DeepEqual(names, []string{"runtime-v2", "shell-v2"}) {
		t.Fatalf("Generations are %v", names)
	}
}

func TestBroadcastSyncReachesAllInstances(t *testing.T) {
	logger := zerolog.Nop()
	hub := notify.NewHub(&logger)
	g, _ := newTestGateway(t, "http://app.example.com", func(c *Config) {
		c.Hub = hub
	})

	a := hub.Attach()
	b := hub.Attach()
	if n := g.BroadcastSync(); n != 2 {
		t.Fatalf("Delivered to %d instances", n)
	}
	for _, instance := range []notify.Instance{a, b} {
		select {
		case m := <-instance.C:
			if m.Type != "SYNC_NOW" {
				t.Fatalf("Message type is %s", m.Type)
			}
		default:
			t.Fatalf("Instance %s got no message", instance.ID)
		}
	}
}
