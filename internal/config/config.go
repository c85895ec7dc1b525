// Package config resolves the proxy configuration from explicit options and
// environment variables.
//
// Every field follows the same precedence: an explicit [Options] value wins,
// then the environment variable, then the default. Required settings:
//   - UNLEASH_URL: base URL of the upstream Unleash API.
//   - UNLEASH_API_TOKEN: credential sent upstream as the Authorization header.
//   - UNLEASH_PROXY_CLIENT_KEYS (or legacy UNLEASH_PROXY_SECRETS): comma
//     separated keys accepted from downstream clients.
//
// Optional variables are listed on [Resolve].
package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/matt-riley/flagz-proxy/internal/core"
)

const (
	defaultAppName              = "unleash-proxy"
	defaultClientKeysHeaderName = "authorization"
	defaultRefreshInterval      = 5000 * time.Millisecond
	defaultMetricsInterval      = 30000 * time.Millisecond
	defaultPort                 = 3000
	defaultCORSOrigin           = "*"
	defaultCORSMethods          = "GET, POST"
	defaultCORSExposedHeaders   = "ETag"
	defaultCORSMaxAge           = 172800
	defaultCORSSuccessStatus    = 204
	defaultTSStateDir           = "tsnet-state"
	defaultMaxJSONBodySize      = int64(1 << 20) // 1MB
)

var listSeparator = regexp.MustCompile(`,\s*`)

// Error reports a required setting that was not provided by either an
// explicit option or its environment variable.
type Error struct {
	Option string
	EnvVar string
}

func (e *Error) Error() string {
	return fmt.Sprintf("you must specify the %s option (%s)", e.Option, e.EnvVar)
}

// Tag is a name:value pair used to filter upstream feature definitions.
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (t Tag) String() string {
	return t.Name + ":" + t.Value
}

// CORS holds the cross-origin policy applied to every proxy route.
type CORS struct {
	Origins              []string
	Methods              []string
	AllowedHeaders       []string
	ExposedHeaders       []string
	Credentials          bool
	MaxAge               int
	PreflightContinue    bool
	OptionsSuccessStatus int
}

// Options are values set programmatically by an embedding program. Zero
// values mean "not set" and fall through to the environment.
type Options struct {
	UnleashURL           string
	UnleashAPIToken      string
	UnleashAppName       string
	UnleashInstanceID    string
	ClientKeys           []string
	ProxySecrets         []string
	ClientKeysHeaderName string
	RefreshInterval      time.Duration
	MetricsInterval      time.Duration
	MetricsJitter        time.Duration
	DisableMetrics       *bool
	Environment          string
	ProjectName          string
	NamePrefix           string
	Tags                 []Tag
	EnableAllEndpoint    *bool
	ProxyBasePath        *string
	TrustProxy           string
	CORS                 *CORS
	ServerSideTokens     []string
	BootstrapURL         string
	BootstrapAuth        string
	CustomStrategiesFile string
	RejectUnauthorized   *bool
	Port                 int

	// CustomStrategies are registered with the evaluation engine next to
	// the built-in strategies.
	CustomStrategies []core.Strategy
	// Enrichers run in order on every evaluation context.
	Enrichers []core.Enricher
	// UpstreamTransport decorates the round tripper used for every call to
	// the Unleash API.
	UpstreamTransport func(http.RoundTripper) http.RoundTripper
}

// Config is the resolved, immutable proxy configuration.
type Config struct {
	UnleashURL           string
	UnleashAPIToken      string
	UnleashAppName       string
	UnleashInstanceID    string
	ClientKeys           []string
	ClientKeysHeaderName string
	RefreshInterval      time.Duration
	MetricsInterval      time.Duration
	MetricsJitter        time.Duration
	DisableMetrics       bool
	Environment          string
	ProjectName          string
	NamePrefix           string
	Tags                 []Tag
	EnableAllEndpoint    bool
	ProxyBasePath        string
	TrustProxy           string
	CORS                 CORS
	ServerSideTokens     []string
	BootstrapURL         string
	BootstrapAuth        string
	CustomStrategiesFile string
	RejectUnauthorized   bool
	Port                 int
	CustomStrategies     []core.Strategy
	Enrichers            []core.Enricher
	UpstreamTransport    func(http.RoundTripper) http.RoundTripper

	LogLevel        string
	LogFormat       string
	AuthRateLimit   int
	MaxJSONBodySize int64
	AdminAddr       string
	AdminHostname   string
	AdminTokenHash  string
	TSAuthKey       string
	TSStateDir      string
}

// Load resolves opts against the process environment.
func Load(opts Options) (Config, error) {
	return Resolve(opts, processEnv(os.Getenv, os.Hostname))
}

// processEnv fills HOSTNAME from the system when the variable is unset.
func processEnv(getenv func(string) string, hostname func() (string, error)) func(string) string {
	return func(key string) string {
		v := getenv(key)
		if key == "HOSTNAME" && strings.TrimSpace(v) == "" {
			v, _ = hostname()
		}
		return v
	}
}

// Resolve merges opts with the variables returned by getenv. It is a pure
// function of its inputs.
//
// Optional variables:
//   - UNLEASH_APP_NAME (default "unleash-proxy"), UNLEASH_INSTANCE_ID
//     (default derived from the app name and HOSTNAME).
//   - CLIENT_KEY_HEADER_NAME (default "authorization").
//   - UNLEASH_FETCH_INTERVAL, UNLEASH_METRICS_INTERVAL, UNLEASH_METRICS_JITTER
//     in milliseconds (defaults 5000, 30000, 0); UNLEASH_DISABLE_METRICS.
//   - UNLEASH_ENVIRONMENT, UNLEASH_PROJECT_NAME, UNLEASH_NAME_PREFIX,
//     UNLEASH_TAGS ("name:value, name:value").
//   - ENABLE_ALL_ENDPOINT, PROXY_BASE_PATH, TRUST_PROXY, PORT or PROXY_PORT
//     (default 3000).
//   - CORS_ORIGIN, CORS_METHODS, CORS_ALLOWED_HEADERS, CORS_EXPOSED_HEADERS,
//     CORS_CREDENTIALS, CORS_MAX_AGE, CORS_PREFLIGHT_CONTINUE,
//     CORS_OPTIONS_SUCCESS_STATUS.
//   - EXP_SERVER_SIDE_SDK_CONFIG_TOKENS, EXP_BOOTSTRAP_URL,
//     EXP_BOOTSTRAP_AUTHORIZATION, UNLEASH_CUSTOM_STRATEGIES_FILE,
//     HTTP_OPTIONS_REJECT_UNAUTHORIZED (default true).
//   - LOG_LEVEL, LOG_FORMAT, AUTH_RATE_LIMIT, MAX_JSON_BODY_SIZE.
//   - ADMIN_ADDR, ADMIN_HOSTNAME, TS_AUTH_KEY, TS_STATE_DIR, ADMIN_TOKEN_HASH.
func Resolve(opts Options, getenv func(string) string) (Config, error) {
	env := func(key string) string { return strings.TrimSpace(getenv(key)) }

	unleashURL := firstNonEmpty(opts.UnleashURL, env("UNLEASH_URL"))
	if unleashURL == "" {
		return Config{}, &Error{Option: "unleashUrl", EnvVar: "UNLEASH_URL"}
	}

	unleashAPIToken := firstNonEmpty(opts.UnleashAPIToken, env("UNLEASH_API_TOKEN"))
	if unleashAPIToken == "" {
		return Config{}, &Error{Option: "unleashApiToken", EnvVar: "UNLEASH_API_TOKEN"}
	}

	clientKeys := firstNonEmptyList(
		opts.ClientKeys,
		SplitList(env("UNLEASH_PROXY_CLIENT_KEYS")),
		opts.ProxySecrets,
		SplitList(env("UNLEASH_PROXY_SECRETS")),
	)
	if len(clientKeys) == 0 {
		return Config{}, &Error{Option: "clientKeys", EnvVar: "UNLEASH_PROXY_CLIENT_KEYS"}
	}

	appName := firstNonEmpty(opts.UnleashAppName, env("UNLEASH_APP_NAME"), defaultAppName)

	instanceID := firstNonEmpty(opts.UnleashInstanceID, env("UNLEASH_INSTANCE_ID"))
	if instanceID == "" {
		instanceID = generateInstanceID(appName, env("HOSTNAME"))
	}

	basePath := env("PROXY_BASE_PATH")
	if opts.ProxyBasePath != nil {
		basePath = *opts.ProxyBasePath
	}

	tags := opts.Tags
	if len(tags) == 0 {
		tags = ParseTags(env("UNLEASH_TAGS"))
	}

	cors := resolveCORS(opts.CORS, env)

	authRateLimit := 0
	if v := env("AUTH_RATE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse AUTH_RATE_LIMIT: %w", err)
		}
		if n <= 0 {
			return Config{}, errors.New("AUTH_RATE_LIMIT must be > 0")
		}
		authRateLimit = n
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := env("MAX_JSON_BODY_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	adminAddr := env("ADMIN_ADDR")
	adminHostname := env("ADMIN_HOSTNAME")
	adminTokenHash := env("ADMIN_TOKEN_HASH")
	tsAuthKey := env("TS_AUTH_KEY")
	if (adminAddr != "" || adminHostname != "") && adminTokenHash == "" {
		return Config{}, errors.New("ADMIN_TOKEN_HASH is required when ADMIN_ADDR or ADMIN_HOSTNAME is set")
	}
	if adminHostname != "" && tsAuthKey == "" {
		return Config{}, errors.New("TS_AUTH_KEY is required when ADMIN_HOSTNAME is set")
	}

	port := opts.Port
	if port <= 0 {
		port = parseInt(firstNonEmpty(env("PORT"), env("PROXY_PORT")), defaultPort)
	}

	return Config{
		UnleashURL:           strings.TrimRight(unleashURL, "/"),
		UnleashAPIToken:      unleashAPIToken,
		UnleashAppName:       appName,
		UnleashInstanceID:    instanceID,
		ClientKeys:           clientKeys,
		ClientKeysHeaderName: firstNonEmpty(opts.ClientKeysHeaderName, env("CLIENT_KEY_HEADER_NAME"), defaultClientKeysHeaderName),
		RefreshInterval:      durationOr(opts.RefreshInterval, env("UNLEASH_FETCH_INTERVAL"), defaultRefreshInterval),
		MetricsInterval:      durationOr(opts.MetricsInterval, env("UNLEASH_METRICS_INTERVAL"), defaultMetricsInterval),
		MetricsJitter:        durationOr(opts.MetricsJitter, env("UNLEASH_METRICS_JITTER"), 0),
		DisableMetrics:       boolOr(opts.DisableMetrics, env("UNLEASH_DISABLE_METRICS"), false),
		Environment:          firstNonEmpty(opts.Environment, env("UNLEASH_ENVIRONMENT")),
		ProjectName:          firstNonEmpty(opts.ProjectName, env("UNLEASH_PROJECT_NAME")),
		NamePrefix:           firstNonEmpty(opts.NamePrefix, env("UNLEASH_NAME_PREFIX")),
		Tags:                 tags,
		EnableAllEndpoint:    boolOr(opts.EnableAllEndpoint, env("ENABLE_ALL_ENDPOINT"), false),
		ProxyBasePath:        SanitizeBasePath(basePath),
		TrustProxy:           firstNonEmpty(opts.TrustProxy, env("TRUST_PROXY"), "false"),
		CORS:                 cors,
		ServerSideTokens:     firstNonEmptyList(opts.ServerSideTokens, SplitList(env("EXP_SERVER_SIDE_SDK_CONFIG_TOKENS"))),
		BootstrapURL:         firstNonEmpty(opts.BootstrapURL, env("EXP_BOOTSTRAP_URL")),
		BootstrapAuth:        firstNonEmpty(opts.BootstrapAuth, env("EXP_BOOTSTRAP_AUTHORIZATION")),
		CustomStrategiesFile: firstNonEmpty(opts.CustomStrategiesFile, env("UNLEASH_CUSTOM_STRATEGIES_FILE")),
		RejectUnauthorized:   boolOr(opts.RejectUnauthorized, env("HTTP_OPTIONS_REJECT_UNAUTHORIZED"), true),
		Port:                 port,
		CustomStrategies:     opts.CustomStrategies,
		Enrichers:            opts.Enrichers,
		UpstreamTransport:    opts.UpstreamTransport,

		LogLevel:        firstNonEmpty(env("LOG_LEVEL"), "info"),
		LogFormat:       firstNonEmpty(env("LOG_FORMAT"), "json"),
		AuthRateLimit:   authRateLimit,
		MaxJSONBodySize: maxJSONBodySize,
		AdminAddr:       adminAddr,
		AdminHostname:   adminHostname,
		AdminTokenHash:  adminTokenHash,
		TSAuthKey:       tsAuthKey,
		TSStateDir:      firstNonEmpty(env("TS_STATE_DIR"), defaultTSStateDir),
	}, nil
}

// SanitizeBasePath trims whitespace and returns the path with exactly one
// leading slash and no trailing slash. Blank input mounts at the root.
func SanitizeBasePath(path string) string {
	path = strings.TrimFunc(path, func(r rune) bool { return r == '/' || unicode.IsSpace(r) })
	if path == "" {
		return ""
	}
	return "/" + path
}

// SplitList splits a comma separated value, dropping blank entries.
func SplitList(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := listSeparator.Split(value, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseTags parses "name:value, name:value". Entries without a colon are
// ignored.
func ParseTags(value string) []Tag {
	var tags []Tag
	for _, entry := range SplitList(value) {
		name, val, ok := strings.Cut(entry, ":")
		if !ok || name == "" {
			continue
		}
		tags = append(tags, Tag{Name: name, Value: val})
	}
	return tags
}

// ParseBool reports whether value is one of "true", "1" or "t".
func ParseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "t":
		return true
	default:
		return false
	}
}

func resolveCORS(opt *CORS, env func(string) string) CORS {
	if opt != nil {
		return *opt
	}
	methods := SplitList(firstNonEmpty(env("CORS_METHODS"), defaultCORSMethods))
	return CORS{
		Origins:              SplitList(firstNonEmpty(env("CORS_ORIGIN"), defaultCORSOrigin)),
		Methods:              methods,
		AllowedHeaders:       SplitList(env("CORS_ALLOWED_HEADERS")),
		ExposedHeaders:       SplitList(firstNonEmpty(env("CORS_EXPOSED_HEADERS"), defaultCORSExposedHeaders)),
		Credentials:          ParseBool(env("CORS_CREDENTIALS")),
		MaxAge:               parseInt(env("CORS_MAX_AGE"), defaultCORSMaxAge),
		PreflightContinue:    ParseBool(env("CORS_PREFLIGHT_CONTINUE")),
		OptionsSuccessStatus: parseInt(env("CORS_OPTIONS_SUCCESS_STATUS"), defaultCORSSuccessStatus),
	}
}

// generateInstanceID derives a stable identifier so restarts on the same host
// report under the same instance.
func generateInstanceID(appName, hostname string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(appName+"-"+hostname)).String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func firstNonEmptyList(lists ...[]string) []string {
	for _, l := range lists {
		if len(l) > 0 {
			return l
		}
	}
	return nil
}

// parseInt returns fallback when value is empty or not a number.
func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

func durationOr(opt time.Duration, envMillis string, fallback time.Duration) time.Duration {
	if opt > 0 {
		return opt
	}
	ms := parseInt(envMillis, 0)
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func boolOr(opt *bool, envValue string, fallback bool) bool {
	if opt != nil {
		return *opt
	}
	if envValue == "" {
		return fallback
	}
	return ParseBool(envValue)
}
