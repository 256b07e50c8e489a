package config

import (
	"strings"
	"time"

	"callbridge-backend/pkg/env"
)

// CallConfig holds the call-session policy knobs enforced by the sweeper and
// the re-evaluation rules.
type CallConfig struct {
	// RingTimeout is how long invitees may ring before the call is marked
	// missed.
	RingTimeout time.Duration

	// DisconnectGrace is how long a disconnected participant may linger
	// before being force-left.
	DisconnectGrace time.Duration

	// SingleConnectedGrace keeps an active call alive with one connected
	// participant, giving the other side room to reconnect. When false the
	// call ends as soon as fewer than two participants are connected.
	SingleConnectedGrace bool

	// MaxParticipants caps the participant set per call.
	MaxParticipants int
}

// ServerConfig holds transport-level settings
type ServerConfig struct {
	Port string

	// MaxSignalingConnections caps concurrent WebSocket connections.
	MaxSignalingConnections int
}

// Config is the full call-service configuration
type Config struct {
	Call   CallConfig
	Server ServerConfig
}

// AllowedOrigins returns the browser origins accepted for CORS requests and
// WebSocket upgrades. Development origins are always allowed; production
// origins come from CORS_ALLOWED_ORIGINS (comma-separated).
func AllowedOrigins() map[string]bool {
	allowed := map[string]bool{
		"http://localhost:3000": true,
		"http://localhost:8080": true,
		"http://127.0.0.1:3000": true,
		"http://127.0.0.1:8080": true,
	}
	for _, origin := range strings.Split(env.GetString("CORS_ALLOWED_ORIGINS", ""), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			allowed[origin] = true
		}
	}
	return allowed
}

// Load reads configuration from the environment with production defaults
func Load() *Config {
	return &Config{
		Call: CallConfig{
			RingTimeout:          env.GetDuration("CALL_RING_TIMEOUT", 45*time.Second),
			DisconnectGrace:      env.GetDuration("CALL_DISCONNECT_GRACE", 30*time.Second),
			SingleConnectedGrace: env.GetBool("CALL_SINGLE_CONNECTED_GRACE", true),
			MaxParticipants:      env.GetInt("CALL_MAX_PARTICIPANTS", 8),
		},
		Server: ServerConfig{
			Port:                    env.GetString("PORT", "8083"),
			MaxSignalingConnections: env.GetInt("WS_MAX_SIGNALING_CONNECTIONS", 1000),
		},
	}
}
