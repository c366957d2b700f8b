package config

import (
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/origin"
)

const (
	EnvListenAddr      = "AERO_WEBRTC_SIGNALING_RELAY_LISTEN_ADDR"
	EnvPublicBaseURL   = "AERO_WEBRTC_SIGNALING_RELAY_PUBLIC_BASE_URL"
	EnvAllowedOrigins  = "ALLOWED_ORIGINS"
	EnvLogFormat       = "AERO_WEBRTC_SIGNALING_RELAY_LOG_FORMAT"
	EnvLogLevel        = "AERO_WEBRTC_SIGNALING_RELAY_LOG_LEVEL"
	EnvShutdownTimeout = "AERO_WEBRTC_SIGNALING_RELAY_SHUTDOWN_TIMEOUT"
	EnvMode            = "AERO_WEBRTC_SIGNALING_RELAY_MODE"
	EnvBasePath        = "SIGNALING_BASE_PATH"

	// Connection lifecycle.
	EnvOfferTTL        = "SIGNALING_OFFER_TTL"
	EnvAnswerGrace     = "SIGNALING_ANSWER_GRACE"
	EnvSweepInterval   = "SIGNALING_SWEEP_INTERVAL"
	EnvQueueRetryAfter = "SIGNALING_QUEUE_RETRY_AFTER"

	// Quotas.
	EnvMaxConnections           = "MAX_CONNECTIONS"
	EnvMaxSignalingMessageBytes = "MAX_SIGNALING_MESSAGE_BYTES"
	EnvRequestsPerSecond        = "MAX_REQUESTS_PER_SECOND_PER_CLIENT"
	EnvRequestBurst             = "REQUEST_BURST_PER_CLIENT"

	EnvAuthMode = "AUTH_MODE"
	EnvAPIKey   = "API_KEY"

	// coturn TURN REST (ephemeral) credentials.
	EnvTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	EnvTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	EnvTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
	EnvTURNRESTRealm          = "TURN_REST_REALM"
)

const (
	DefaultListenAddr                        = "127.0.0.1:8080"
	DefaultShutdown                          = 15 * time.Second
	DefaultMode                     Mode     = ModeDev
	DefaultAuthMode                 AuthMode = AuthModeNone
	DefaultOfferTTL                          = 120 * time.Second
	DefaultAnswerGrace                       = 30 * time.Second
	DefaultSweepInterval                     = 5 * time.Second
	DefaultQueueRetryAfter                   = time.Second
	DefaultMaxSignalingMessageBytes          = int64(64 * 1024)

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "aero"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Realm          string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// BasePath prefixes every relay route. Empty, or a path beginning with "/"
	// and without a trailing slash (e.g. "/signaling/1.0").
	BasePath string

	// OfferTTL bounds how long a record that never received an answer is kept
	// after its last touch. AnswerGrace bounds how long an answered record is
	// kept waiting for the offerer to collect the answer.
	OfferTTL        time.Duration
	AnswerGrace     time.Duration
	SweepInterval   time.Duration
	QueueRetryAfter time.Duration

	// A value <= 0 means unlimited.
	MaxConnections           int
	MaxSignalingMessageBytes int64
	// RequestsPerSecond <= 0 disables per-client rate limiting.
	RequestsPerSecond float64
	RequestBurst      int

	AuthMode AuthMode
	APIKey   string

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	iceConfigErr error
}

// ICEConfigError reports an invalid ICE configuration. The relay still serves
// signaling in that case; only /webrtc/ice and /readyz report the problem.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeDefault := envOrDefault(lookup, EnvMode, string(DefaultMode))
	logFormatDefault := envOrDefault(lookup, EnvLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, EnvLogLevel, defaultLogLevelForMode(modeDefault))

	listenAddr := envOrDefault(lookup, EnvListenAddr, DefaultListenAddr)
	publicBaseURL := envOrDefault(lookup, EnvPublicBaseURL, "")
	allowedOriginsStr := envOrDefault(lookup, EnvAllowedOrigins, "")
	basePath := envOrDefault(lookup, EnvBasePath, "")
	authModeStr := envOrDefault(lookup, EnvAuthMode, string(DefaultAuthMode))
	apiKey := envOrDefault(lookup, EnvAPIKey, "")

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	turnRESTSharedSecret := envOrDefault(lookup, EnvTURNRESTSharedSecret, "")
	turnRESTUsernamePrefix := envOrDefault(lookup, EnvTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)
	turnRESTRealm := envOrDefault(lookup, EnvTURNRESTRealm, "")
	turnRESTTTLSeconds, err := envInt64OrDefault(lookup, EnvTURNRESTTTLSeconds, DefaultTURNRESTTTLSeconds)
	if err != nil {
		return Config{}, err
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, EnvShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	offerTTL, err := envDurationOrDefault(lookup, EnvOfferTTL, DefaultOfferTTL)
	if err != nil {
		return Config{}, err
	}
	answerGrace, err := envDurationOrDefault(lookup, EnvAnswerGrace, DefaultAnswerGrace)
	if err != nil {
		return Config{}, err
	}
	sweepInterval, err := envDurationOrDefault(lookup, EnvSweepInterval, DefaultSweepInterval)
	if err != nil {
		return Config{}, err
	}
	queueRetryAfter, err := envDurationOrDefault(lookup, EnvQueueRetryAfter, DefaultQueueRetryAfter)
	if err != nil {
		return Config{}, err
	}

	maxConnections, err := envIntOrDefault(lookup, EnvMaxConnections, 0)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessageBytes, err := envInt64OrDefault(lookup, EnvMaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	if err != nil {
		return Config{}, err
	}
	requestBurst, err := envIntOrDefault(lookup, EnvRequestBurst, 0)
	if err != nil {
		return Config{}, err
	}
	requestsPerSecond := 0.0
	if raw, ok := lookup(EnvRequestsPerSecond); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", EnvRequestsPerSecond, raw, err)
		}
		requestsPerSecond = v
	}

	var modeStr, logFormatStr, logLevelStr string

	fs := flag.NewFlagSet("aero-webrtc-signaling-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL (optional; used for logging)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+EnvAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&basePath, "base-path", basePath, "Path prefix for relay routes, e.g. /signaling/1.0 (env "+EnvBasePath+")")

	fs.DurationVar(&offerTTL, "offer-ttl", offerTTL, "Evict unanswered connections idle for this long (env "+EnvOfferTTL+")")
	fs.DurationVar(&answerGrace, "answer-grace", answerGrace, "Evict answered connections whose answer was not collected within this long (env "+EnvAnswerGrace+")")
	fs.DurationVar(&sweepInterval, "sweep-interval", sweepInterval, "Expiry sweep interval (env "+EnvSweepInterval+")")
	fs.DurationVar(&queueRetryAfter, "queue-retry-after", queueRetryAfter, "Retry hint returned to pollers when nothing is ready (env "+EnvQueueRetryAfter+")")

	fs.IntVar(&maxConnections, "max-connections", maxConnections, "Maximum live connection records (0 = unlimited)")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Maximum offer/answer body size (env "+EnvMaxSignalingMessageBytes+")")
	fs.Float64Var(&requestsPerSecond, "max-requests-per-second-per-client", requestsPerSecond, "Per-client request rate (0 = unlimited; env "+EnvRequestsPerSecond+")")
	fs.IntVar(&requestBurst, "request-burst-per-client", requestBurst, "Per-client request burst (0 = derived from rate; env "+EnvRequestBurst+")")

	fs.StringVar(&authModeStr, "auth-mode", authModeStr, "Relay API auth: none or api_key (env "+EnvAuthMode+")")
	fs.StringVar(&apiKey, "api-key", apiKey, "API key for auth-mode=api_key (env "+EnvAPIKey+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret ("+EnvTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds ("+EnvTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix ("+EnvTURNRESTUsernamePrefix+")")
	fs.StringVar(&turnRESTRealm, "turn-rest-realm", turnRESTRealm, "TURN realm (coturn config; "+EnvTURNRESTRealm+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	// A mode given only on the command line still picks the mode's log
	// defaults unless the format/level were set explicitly.
	if !flagWasSet(fs, "log-format") && envOrDefault(lookup, EnvLogFormat, "") == "" {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !flagWasSet(fs, "log-level") && envOrDefault(lookup, EnvLogLevel, "") == "" {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}
	if authMode == AuthModeAPIKey && strings.TrimSpace(apiKey) == "" {
		return Config{}, fmt.Errorf("%s=%s requires %s", EnvAuthMode, AuthModeAPIKey, EnvAPIKey)
	}
	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", EnvAllowedOrigins, err)
	}
	normalizedBasePath, err := normalizeBasePath(basePath)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s %q: %w", EnvBasePath, basePath, err)
	}

	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0 (got %s)", shutdownTimeout)
	}
	if offerTTL <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0 (got %s)", EnvOfferTTL, offerTTL)
	}
	if answerGrace <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0 (got %s)", EnvAnswerGrace, answerGrace)
	}
	if answerGrace > offerTTL {
		return Config{}, fmt.Errorf("%s (%s) must not exceed %s (%s)", EnvAnswerGrace, answerGrace, EnvOfferTTL, offerTTL)
	}
	if sweepInterval <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0 (got %s)", EnvSweepInterval, sweepInterval)
	}
	if queueRetryAfter <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0 (got %s)", EnvQueueRetryAfter, queueRetryAfter)
	}
	if maxConnections < 0 {
		return Config{}, fmt.Errorf("%s must be >= 0 (got %d)", EnvMaxConnections, maxConnections)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0 (got %d)", EnvMaxSignalingMessageBytes, maxSignalingMessageBytes)
	}
	if requestsPerSecond < 0 || math.IsNaN(requestsPerSecond) || math.IsInf(requestsPerSecond, 0) {
		return Config{}, fmt.Errorf("%s must be a finite value >= 0 (got %v)", EnvRequestsPerSecond, requestsPerSecond)
	}
	if requestBurst < 0 {
		return Config{}, fmt.Errorf("%s must be >= 0 (got %d)", EnvRequestBurst, requestBurst)
	}
	if requestsPerSecond > 0 && requestBurst == 0 {
		requestBurst = int(math.Ceil(requestsPerSecond))
	}
	if turnRESTSharedSecret != "" {
		if turnRESTTTLSeconds <= 0 {
			return Config{}, fmt.Errorf("%s must be > 0 (got %d)", EnvTURNRESTTTLSeconds, turnRESTTTLSeconds)
		}
		if turnRESTUsernamePrefix == "" || strings.Contains(turnRESTUsernamePrefix, ":") {
			return Config{}, fmt.Errorf("%s must be non-empty and must not contain ':' (got %q)", EnvTURNRESTUsernamePrefix, turnRESTUsernamePrefix)
		}
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		PublicBaseURL:   publicBaseURL,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,
		BasePath:        normalizedBasePath,

		OfferTTL:        offerTTL,
		AnswerGrace:     answerGrace,
		SweepInterval:   sweepInterval,
		QueueRetryAfter: queueRetryAfter,

		MaxConnections:           maxConnections,
		MaxSignalingMessageBytes: maxSignalingMessageBytes,
		RequestsPerSecond:        requestsPerSecond,
		RequestBurst:             requestBurst,

		AuthMode: authMode,
		APIKey:   apiKey,

		TURNREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
			Realm:          turnRESTRealm,
		},
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential, cfg.TURNREST.Enabled())
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func flagWasSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envInt64OrDefault(lookup func(string) (string, bool), key string, fallback int64) (int64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", EnvAuthMode, raw, AuthModeNone, AuthModeAPIKey)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		switch entry {
		case "":
			continue
		case "*":
			out = append(out, entry)
			continue
		}

		normalized, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}

func normalizeBasePath(raw string) (string, error) {
	p := strings.TrimSpace(raw)
	p = strings.TrimRight(p, "/")
	if p == "" {
		return "", nil
	}
	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("must start with /")
	}
	if strings.ContainsAny(p, "?#{} \t") || strings.Contains(p, "//") {
		return "", fmt.Errorf("must be a plain path")
	}
	return p, nil
}
