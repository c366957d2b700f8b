package main

import (
	"log/slog"
	"slices"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/config"
)

const (
	largeSignalingMessageBytes = 1 << 20
	longOfferTTL               = 10 * time.Minute
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none lets any client enqueue, claim and answer offers",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxConnections <= 0 {
		logger.Warn("startup security warning: MAX_CONNECTIONS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_connections_unlimited_in_prod",
			"max_connections", cfg.MaxConnections,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.RequestsPerSecond <= 0 {
		logger.Warn("startup security warning: per-client rate limiting is disabled while --mode=prod",
			"warning_code", "rate_limit_disabled_in_prod",
			"max_requests_per_second_per_client", cfg.RequestsPerSecond,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > largeSignalingMessageBytes {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (every live record may hold this much)",
			"warning_code", "signaling_message_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.OfferTTL > longOfferTTL {
		logger.Warn("startup security warning: SIGNALING_OFFER_TTL is very long (abandoned offers stay claimable)",
			"warning_code", "offer_ttl_long",
			"offer_ttl", cfg.OfferTTL,
			"mode", cfg.Mode,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("invalid ICE server configuration; /webrtc/ice will return 503",
			"warning_code", "ice_config_invalid",
			"err", err,
		)
	}
}
