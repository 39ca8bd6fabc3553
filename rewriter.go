package apishim

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// DefaultAPIPrefix is the path prefix every backend endpoint lives under.
const DefaultAPIPrefix = "/api"

var (
	// DefaultLegacyHosts are the loopback hosts the legacy development endpoint is reachable on.
	DefaultLegacyHosts = []string{"localhost", "127.0.0.1", "::1"}

	// DefaultLegacyPorts are the ports of the legacy development endpoint. A URL without a port always matches.
	DefaultLegacyPorts = []string{"3000", "3001"}
)

// ErrInvalidBaseURL is returned when the configured base URL is not an absolute http(s) URL
var ErrInvalidBaseURL = errors.New("base url must be an absolute http or https url")

var doubledSlashes = regexp.MustCompile(`/{2,}`)

// Rules holds everything the Rewriter needs to know about the API it targets.
type Rules struct {
	BaseURL     string   // Effective API base URL, e.g. https://api.example.com/api
	APIPrefix   string   // Prefix every backend path must start with (defaults to DefaultAPIPrefix)
	LegacyHosts []string // Loopback hosts of the legacy endpoint (defaults to DefaultLegacyHosts)
	LegacyPorts []string // Ports of the legacy endpoint (defaults to DefaultLegacyPorts)
}

// Rewriter rewrites outbound request targets so that calls aimed at the legacy
// local endpoint reach the configured API, and calls to the backend always carry
// the API prefix. A Rewriter is immutable and safe for concurrent use.
type Rewriter struct {
	baseURL     string
	target      *url.URL
	targetPath  string // escaped, without trailing slash
	backend     string
	prefix      string
	legacyHosts map[string]struct{}
	legacyPorts map[string]struct{}
}

// NewRewriter validates the rules and builds a Rewriter.
func NewRewriter(rules Rules) (*Rewriter, error) {
	target, ok := parseAbsolute(strings.TrimSpace(rules.BaseURL))
	if !ok || (target.Scheme != "http" && target.Scheme != "https") {
		return nil, fmt.Errorf("%w : %q", ErrInvalidBaseURL, rules.BaseURL)
	}

	prefix := normalizePrefix(rules.APIPrefix)
	if prefix == "" {
		prefix = DefaultAPIPrefix
	}

	backend, err := BackendOrigin(target.String(), prefix)
	if err != nil {
		return nil, fmt.Errorf("deriving backend origin : %w", err)
	}

	hosts := rules.LegacyHosts
	if len(hosts) == 0 {
		hosts = DefaultLegacyHosts
	}
	ports := rules.LegacyPorts
	if len(ports) == 0 {
		ports = DefaultLegacyPorts
	}

	rw := &Rewriter{
		baseURL:     target.String(),
		target:      target,
		targetPath:  strings.TrimRight(target.EscapedPath(), "/"),
		backend:     backend,
		prefix:      prefix,
		legacyHosts: make(map[string]struct{}, len(hosts)),
		legacyPorts: make(map[string]struct{}, len(ports)),
	}
	for _, host := range hosts {
		rw.legacyHosts[strings.Trim(strings.ToLower(host), "[]")] = struct{}{}
	}
	for _, port := range ports {
		rw.legacyPorts[port] = struct{}{}
	}
	return rw, nil
}

// BaseURL returns the base URL the legacy endpoint is rewritten to
func (rw *Rewriter) BaseURL() string {
	return rw.baseURL
}

// BackendOrigin returns the origin that receives the API prefix
func (rw *Rewriter) BackendOrigin() string {
	return rw.backend
}

// Rewrite applies the rewrite rules to a URL string. Input that is not an absolute
// URL, or that no rule applies to, is returned unchanged.
func (rw *Rewriter) Rewrite(raw string) string {
	u, ok := parseAbsolute(raw)
	if !ok {
		return raw
	}
	rewritten := rw.rewriteURL(u)
	if rewritten == nil {
		return raw
	}
	return rewritten.String()
}

// RewriteRequest returns a request targeting the rewritten URL. When no rule applies
// the original request is returned as is, so anything attached to it survives.
// The input request is never modified; method, headers and body are carried over.
func (rw *Rewriter) RewriteRequest(req *http.Request) *http.Request {
	if req == nil || req.URL == nil || !req.URL.IsAbs() || req.URL.Host == "" {
		return req
	}
	rewritten := rw.rewriteURL(req.URL)
	if rewritten == nil {
		return req
	}
	clone := req.Clone(req.Context())
	clone.URL = rewritten
	clone.Host = rewritten.Host
	return clone
}

// rewriteURL returns a rewritten copy of u, or nil when nothing changed.
// Only legacy and backend origin URLs are touched. Their doubled separators are collapsed
// before the prefix checks, so a prefix hidden behind "//" is not injected a second time.
func (rw *Rewriter) rewriteURL(u *url.URL) *url.URL {
	out := *u
	legacy := rw.isLegacy(u)
	if legacy {
		out.Scheme = rw.target.Scheme
		out.Host = rw.target.Host
	}
	if !legacy && origin(&out) != rw.backend {
		return nil
	}

	path := collapseSlashes(u.EscapedPath())
	if legacy {
		path = joinPathPrefix(rw.targetPath, path)
	}
	if origin(&out) == rw.backend {
		path = joinPathPrefix(rw.prefix, path)
	}
	if !setEscapedPath(&out, collapseSlashes(path)) {
		return nil
	}

	if out.String() == u.String() {
		return nil
	}
	return &out
}

func collapseSlashes(escapedPath string) string {
	if !strings.Contains(escapedPath, "//") {
		return escapedPath
	}
	return doubledSlashes.ReplaceAllString(escapedPath, "/")
}

// isLegacy reports whether u points at the legacy development endpoint.
// The base URL's own origin never counts, which keeps local setups pointing at loopback stable.
func (rw *Rewriter) isLegacy(u *url.URL) bool {
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if _, ok := rw.legacyHosts[strings.ToLower(u.Hostname())]; !ok {
		return false
	}
	if port := u.Port(); port != "" {
		if _, ok := rw.legacyPorts[port]; !ok {
			return false
		}
	}
	return origin(u) != origin(rw.target)
}

// parseAbsolute parses raw and reports whether it is an absolute URL with a host
func parseAbsolute(raw string) (*url.URL, bool) {
	if raw == "" {
		return nil, false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" || u.Opaque != "" {
		return nil, false
	}
	return u, true
}

// origin returns scheme://host[:port] in lower case with default ports removed
func origin(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return scheme + "://" + host
}

// hasPathPrefix reports whether path starts with the prefix on a segment boundary
func hasPathPrefix(path, prefix string) bool {
	if prefix == "" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// joinPathPrefix places prefix in front of path unless path already starts with it
func joinPathPrefix(prefix, path string) string {
	if hasPathPrefix(path, prefix) {
		return path
	}
	if path == "" {
		return prefix
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return prefix + path
}

// setEscapedPath sets both the decoded and the escaped path, it fails if escaped is not valid
func setEscapedPath(u *url.URL, escaped string) bool {
	decoded, err := url.PathUnescape(escaped)
	if err != nil {
		return false
	}
	u.Path = decoded
	u.RawPath = ""
	if escaped != (&url.URL{Path: decoded}).EscapedPath() {
		u.RawPath = escaped
	}
	return true
}

func normalizePrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return ""
	}
	return "/" + prefix
}
