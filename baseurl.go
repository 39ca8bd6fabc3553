package apishim

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/joho/godotenv"
)

const (
	// DefaultProductionBaseURL is used whenever the page is not served from a loopback host
	DefaultProductionBaseURL = "https://api.sharebox.app/api"

	// DefaultLocalBaseURL is the last resort for local development
	DefaultLocalBaseURL = "http://localhost:3001/api"

	// DotenvBaseURLKey is the key read from .env files by the build-time provider
	DotenvBaseURLKey = "API_BASE_URL"
)

// buildAPIBaseURL is set at link time:
//
//	go build -ldflags "-X github.com/sharebox/apishim.buildAPIBaseURL=https://api.example.com/api"
var buildAPIBaseURL string

// ErrNoOrigin is returned when a base URL has no scheme or host to derive an origin from
var ErrNoOrigin = errors.New("base url has no origin")

// BaseURLProvider returns a candidate API base URL and whether it has one.
type BaseURLProvider func() (string, bool)

// ResolveBaseURL walks the providers in order and returns the first non-blank value.
// Providers are evaluated on every call, so a value is never frozen before it is needed.
// It returns an empty string when no provider supplies a value.
func ResolveBaseURL(providers ...BaseURLProvider) string {
	for _, provider := range providers {
		if provider == nil {
			continue
		}
		if value, ok := provider(); ok {
			if value = strings.TrimSpace(value); value != "" {
				return value
			}
		}
	}
	return ""
}

// OverrideProvider supplies a value set at runtime by whoever hosts the application
func OverrideProvider(value string) BaseURLProvider {
	return func() (string, bool) {
		return value, strings.TrimSpace(value) != ""
	}
}

// BuildTimeProvider supplies the value injected with -ldflags at build time
func BuildTimeProvider() BaseURLProvider {
	return func() (string, bool) {
		return buildAPIBaseURL, strings.TrimSpace(buildAPIBaseURL) != ""
	}
}

// DotenvProvider reads key from the given .env files without touching the process environment.
// Missing or unreadable files mean no value.
func DotenvProvider(key string, filenames ...string) BaseURLProvider {
	return func() (string, bool) {
		if len(filenames) == 0 {
			return "", false
		}
		values, err := godotenv.Read(filenames...)
		if err != nil {
			return "", false
		}
		value, ok := values[key]
		return value, ok && strings.TrimSpace(value) != ""
	}
}

// HostDefaultProvider supplies productionURL whenever pageHost is not a loopback host
func HostDefaultProvider(pageHost string, productionURL string) BaseURLProvider {
	return func() (string, bool) {
		if IsLoopbackHost(pageHost) {
			return "", false
		}
		return productionURL, true
	}
}

// FallbackProvider always supplies value
func FallbackProvider(value string) BaseURLProvider {
	return func() (string, bool) {
		return value, true
	}
}

// DefaultProviders returns the providers in policy order: runtime override, build-time value
// (linker first, then the .env file), host based production default, local fallback.
func DefaultProviders(cfg *Config) []BaseURLProvider {
	production := cfg.ProductionBaseURL
	if production == "" {
		production = DefaultProductionBaseURL
	}
	local := cfg.LocalBaseURL
	if local == "" {
		local = DefaultLocalBaseURL
	}

	providers := []BaseURLProvider{
		OverrideProvider(cfg.APIBaseURL),
		BuildTimeProvider(),
	}
	if cfg.EnvFile != "" {
		providers = append(providers, DotenvProvider(DotenvBaseURLKey, cfg.EnvFile))
	}
	return append(providers,
		HostDefaultProvider(cfg.PageHost, production),
		FallbackProvider(local),
	)
}

// IsLoopbackHost reports whether host (optionally with a port) refers to the local machine.
// An empty host is treated as loopback.
func IsLoopbackHost(host string) bool {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.Trim(host, "[]"))
	if host == "" || host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// BackendOrigin strips suffix from the end of baseURL's path and returns the remaining
// scheme://host[:port]. Default ports are dropped.
func BackendOrigin(baseURL string, suffix string) (string, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if suffix = normalizePrefix(suffix); suffix != "" {
		trimmed = strings.TrimSuffix(trimmed, suffix)
	}
	u, ok := parseAbsolute(trimmed)
	if !ok {
		return "", fmt.Errorf("%w : %q", ErrNoOrigin, baseURL)
	}
	return origin(u), nil
}
