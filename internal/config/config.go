// Package config loads the daemon configuration from WANNA_CDN_* environment
// variables. Call LoadEnvFile(".env") before Load() to pick up a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ayadance/wanna-cdn/internal/safeurl"
)

// Upstream is one of the two origins the cache-miss proxy can fetch from.
// BaseURL is the address actually dialled; HostOverride is the Host header
// the origin expects (the origin is usually addressed by IP or an alternate
// DNS name, so the incoming Host cannot be forwarded as-is).
type Upstream struct {
	Name         string
	BaseURL      string
	HostOverride string
}

// Config holds edge, fetcher and forwarder settings.
type Config struct {
	// Listeners
	Listen        string // HTTP edge, e.g. ":8080"
	ForwardListen string // SNI forwarder; "" disables it

	// On-disk layout roots
	VideoRoot    string // {video_root}/{id}/video.mp4 + metadata.json
	OverrideRoot string // {override_root}/{id}.mp4 shadows canonical entries
	CacheRoot    string // in-flight downloads and derivatives

	// Signed delivery tokens
	TokenSecret string
	TokenValid  time.Duration
	NoAuth      bool // serve /v/ without token checks (test rigs only)

	// Audio-offset compensation; 0 disables it
	AudioOffset float64
	FFmpegPath  string

	// Cache-miss upstreams, selected by the incoming Host header
	UpstreamDomestic Upstream
	UpstreamOverseas Upstream
	DomesticHosts    []string // edge hostnames that route to the domestic upstream

	// Redirect targets when the cache misses on the gateway surfaces
	FallbackAya  string // /api/{v}/videos miss
	FallbackPypy string // /Api/Songs/play miss and the /api catch-all

	// Fetcher behaviour
	UASuffix            string // appended to the client's User-Agent upstream
	FetchConditional    bool   // forward If-None-Match / If-Modified-Since
	KeepOnDisconnectMax int64  // finish caching after client disconnect up to this many bytes
	FetchRate           float64
	FetchBurst          int

	// SNI forwarder
	SniRoutes       map[string][]string // host -> backend endpoints (round-robin)
	ForwardMaxConns int
	ForwardNoDelay  bool

	// Side state
	SweepInterval       time.Duration
	ReceiptTTL          time.Duration
	ReceiptMaxPerTarget int

	LogLevel string

	// carried from Load to Validate so a typo in the route table is fatal
	// at startup instead of a silently empty forwarder
	sniRouteErr error
}

// Load reads configuration from the environment. It never fails; bad values
// fall back to defaults and Validate reports anything unusable.
func Load() *Config {
	c := &Config{
		Listen:        getEnv("WANNA_CDN_LISTEN", ":8080"),
		ForwardListen: os.Getenv("WANNA_CDN_FORWARD_LISTEN"),

		VideoRoot:    getEnv("WANNA_CDN_VIDEO_ROOT", "./pypydance-song"),
		OverrideRoot: getEnv("WANNA_CDN_OVERRIDE_ROOT", "./wanna-override"),
		CacheRoot:    getEnv("WANNA_CDN_CACHE_ROOT", "./wanna-cache"),

		TokenSecret: os.Getenv("WANNA_CDN_TOKEN_SECRET"),
		TokenValid:  getEnvSeconds("WANNA_CDN_TOKEN_VALID_S", 10*time.Minute),
		NoAuth:      getEnvBool("WANNA_CDN_NO_AUTH", false),

		AudioOffset: getEnvFloat("WANNA_CDN_AUDIO_OFFSET", 0),
		FFmpegPath:  getEnv("WANNA_CDN_FFMPEG", "ffmpeg"),

		UpstreamDomestic: Upstream{
			Name:         "domestic",
			BaseURL:      os.Getenv("WANNA_CDN_UPSTREAM_DOMESTIC_URL"),
			HostOverride: os.Getenv("WANNA_CDN_UPSTREAM_DOMESTIC_HOST"),
		},
		UpstreamOverseas: Upstream{
			Name:         "overseas",
			BaseURL:      os.Getenv("WANNA_CDN_UPSTREAM_OVERSEAS_URL"),
			HostOverride: os.Getenv("WANNA_CDN_UPSTREAM_OVERSEAS_HOST"),
		},
		DomesticHosts: splitList(os.Getenv("WANNA_CDN_DOMESTIC_HOSTS")),

		FallbackAya:  getEnv("WANNA_CDN_FALLBACK_AYA", "https://api.udon.dance/Api/Songs/play"),
		FallbackPypy: getEnv("WANNA_CDN_FALLBACK_PYPY", "https://jd.pypy.moe"),

		UASuffix:            getEnv("WANNA_CDN_UA_SUFFIX", " wanna-cdn"),
		FetchConditional:    getEnvBool("WANNA_CDN_FETCH_CONDITIONAL", false),
		KeepOnDisconnectMax: getEnvInt64("WANNA_CDN_FETCH_KEEP_ON_DISCONNECT_MAX", 2<<30),
		FetchRate:           getEnvFloat("WANNA_CDN_FETCH_RATE", 4),
		FetchBurst:          getEnvInt("WANNA_CDN_FETCH_BURST", 8),

		ForwardMaxConns: getEnvInt("WANNA_CDN_FORWARD_MAX_CONNS", 512),
		ForwardNoDelay:  getEnvBool("WANNA_CDN_FORWARD_NODELAY", true),

		SweepInterval:       getEnvSeconds("WANNA_CDN_SWEEP_INTERVAL_S", time.Minute),
		ReceiptTTL:          getEnvSeconds("WANNA_CDN_RECEIPT_TTL_S", 10*time.Minute),
		ReceiptMaxPerTarget: getEnvInt("WANNA_CDN_RECEIPT_MAX_PER_TARGET", 5),

		LogLevel: getEnv("WANNA_CDN_LOG_LEVEL", "info"),
	}
	routes, err := ParseSniRoutes(os.Getenv("WANNA_CDN_SNI_ROUTES"))
	if err == nil {
		c.SniRoutes = routes
	} else {
		c.sniRouteErr = err
	}
	return c
}

// ParseSniRoutes parses "host=backend:port,host=backend:port" into a map of
// SNI host to backend endpoints. Repeating a host appends another endpoint;
// the forwarder round-robins among them.
func ParseSniRoutes(s string) (map[string][]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	routes := make(map[string][]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		host, backend, ok := strings.Cut(pair, "=")
		host = strings.TrimSpace(host)
		backend = strings.TrimSpace(backend)
		if !ok || host == "" || backend == "" {
			return nil, fmt.Errorf("sni route %q: want host=backend:port", pair)
		}
		if !strings.Contains(backend, ":") {
			return nil, fmt.Errorf("sni route %q: backend %q has no port", pair, backend)
		}
		routes[strings.ToLower(host)] = append(routes[strings.ToLower(host)], backend)
	}
	return routes, nil
}

// Validate reports the first unusable setting, or nil.
func (c *Config) Validate() error {
	if c.sniRouteErr != nil {
		return fmt.Errorf("WANNA_CDN_SNI_ROUTES: %w", c.sniRouteErr)
	}
	if c.Listen == "" {
		return fmt.Errorf("WANNA_CDN_LISTEN must not be empty")
	}
	if c.VideoRoot == "" || c.OverrideRoot == "" || c.CacheRoot == "" {
		return fmt.Errorf("video, override and cache roots must not be empty")
	}
	if !c.NoAuth && c.TokenSecret == "" {
		return fmt.Errorf("WANNA_CDN_TOKEN_SECRET is required unless WANNA_CDN_NO_AUTH=1")
	}
	if c.TokenValid <= 0 {
		return fmt.Errorf("WANNA_CDN_TOKEN_VALID_S must be positive")
	}
	for _, u := range []Upstream{c.UpstreamDomestic, c.UpstreamOverseas} {
		if u.BaseURL != "" && !safeurl.IsHTTPOrHTTPS(u.BaseURL) {
			return fmt.Errorf("upstream %s: %q is not an http(s) URL", u.Name, u.BaseURL)
		}
	}
	for _, u := range []string{c.FallbackAya, c.FallbackPypy} {
		if !safeurl.IsHTTPOrHTTPS(u) {
			return fmt.Errorf("fallback %q is not an http(s) URL", u)
		}
	}
	if c.ForwardListen != "" && len(c.SniRoutes) == 0 {
		return fmt.Errorf("WANNA_CDN_FORWARD_LISTEN is set but WANNA_CDN_SNI_ROUTES is empty")
	}
	return nil
}

// UpstreamFor picks the fetch upstream for an incoming Host header: hosts
// listed in WANNA_CDN_DOMESTIC_HOSTS go domestic, everything else overseas.
func (c *Config) UpstreamFor(host string) Upstream {
	h := strings.ToLower(host)
	if i := strings.LastIndex(h, ":"); i >= 0 {
		h = h[:i]
	}
	for _, d := range c.DomesticHosts {
		if h == strings.ToLower(d) {
			return c.UpstreamDomestic
		}
	}
	return c.UpstreamOverseas
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// getEnvSeconds reads a duration expressed as a (possibly fractional)
// number of seconds, matching the original service's *_S variables.
func getEnvSeconds(key string, defaultVal time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return defaultVal
	}
	return time.Duration(f * float64(time.Second))
}
