// Package policy classifies intercepted requests and assigns the caching
// strategy applied to each of them.
package policy

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Tag is the classification of an intercepted request.
type Tag string

const (
	// PassThrough requests are piped to their destination untouched and
	// never enter the cache layer.
	PassThrough Tag = "pass-through"
	// ShellResource requests address the enumerated critical-path assets
	// of the application.
	ShellResource Tag = "shell"
	// StaticAsset requests address content treated as immutable once
	// stored.
	StaticAsset Tag = "static"
	// DynamicResource is every other retrieval.
	DynamicResource Tag = "dynamic"
)

// Resource kinds treated as static assets unless configured otherwise.
var defaultStaticKinds = []string{"image", "font", "style"}

type Config struct {
	// The application origin. Relative requests belong to it.
	Origin url.URL
	// Paths classified as shell resources.
	ShellManifest []string
	// Path of the application root document, "/" if empty.
	RootDocument string
	// Hostnames whose requests are always passed through,
	// e.g. auth or sync backends with their own semantics.
	BypassOrigins []string
	// Resource kinds classified as static assets.
	StaticKinds []string
}

// Classifier assigns a Tag to every request using a fixed rule order:
// method, URL shape, bypass list, shell manifest, resource kind.
// The first matching rule wins, so a manifest path is a shell resource
// even if its kind would look static.
type Classifier struct {
	origin url.URL
	root   string
	shell  map[string]bool
	bypass map[string]bool
	static map[string]bool
}

func New(config Config) Classifier {
	c := Classifier{
		origin: config.Origin,
		root:   config.RootDocument,
		shell:  make(map[string]bool),
		bypass: make(map[string]bool),
		static: make(map[string]bool),
	}
	if c.root == "" {
		c.root = "/"
	}
	for _, p := range config.ShellManifest {
		c.shell[p] = true
	}
	for _, h := range config.BypassOrigins {
		c.bypass[strings.ToLower(hostname(h))] = true
	}
	kinds := config.StaticKinds
	if len(kinds) == 0 {
		kinds = defaultStaticKinds
	}
	for _, k := range kinds {
		c.static[strings.ToLower(k)] = true
	}
	return c
}

func (c Classifier) Classify(r *http.Request) Tag {
	if !RetrievalSafe(r.Method) {
		return PassThrough
	}
	// anything the gateway cannot make sense of is passed through untouched
	if r.URL == nil || (r.URL.Scheme != "" && r.URL.Scheme != "http" && r.URL.Scheme != "https") {
		return PassThrough
	}
	if c.bypass[requestHost(r)] {
		return PassThrough
	}
	if c.sameOrigin(r) && (c.shell[r.URL.Path] || r.URL.Path == c.root) {
		return ShellResource
	}
	if c.static[kind(r)] {
		return StaticAsset
	}
	return DynamicResource
}

// RetrievalSafe reports whether a method reads state without mutating it.
// Only retrieval-safe requests are ever served from storage.
func RetrievalSafe(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, "":
		return true
	}
	return false
}

func (c Classifier) sameOrigin(r *http.Request) bool {
	if !r.URL.IsAbs() {
		return true
	}
	return strings.EqualFold(r.URL.Hostname(), c.origin.Hostname())
}

// requestHost returns the lowercased hostname a request addresses,
// without any port.
func requestHost(r *http.Request) string {
	host := r.URL.Host
	if host == "" {
		host = r.Host
	}
	return strings.ToLower(hostname(host))
}

func hostname(host string) string {
	// bracketed ipv6 hosts keep their colons
	if strings.HasPrefix(host, "[") {
		if end := strings.Index(host, "]"); end >= 0 {
			return host[1:end]
		}
		return host
	}
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		return host[:idx]
	}
	return host
}

// kind returns the resource kind of a request. The declared kind from the
// Sec-Fetch-Dest header wins; without one the kind is inferred from the
// path extension.
func kind(r *http.Request) string {
	if dest := r.Header.Get("Sec-Fetch-Dest"); dest != "" {
		return strings.ToLower(dest)
	}
	switch strings.ToLower(path.Ext(r.URL.Path)) {
	case ".css":
		return "style"
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".avif", ".svg", ".ico":
		return "image"
	case ".woff", ".woff2", ".ttf", ".otf", ".eot":
		return "font"
	case ".js", ".mjs":
		return "script"
	}
	return ""
}
