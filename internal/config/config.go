package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"carecall/native/internal/domain"
	"carecall/native/internal/logging"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

const (
	DefaultNegotiationTimeout = 30 * time.Second
	DefaultReconnectTimeout   = 15 * time.Second
	DefaultServerAddr         = ":8080"
)

// Config holds the participant CLI configuration.
type Config struct {
	SignalURL          string
	SessionID          domain.SessionID
	Participant        domain.ParticipantID
	Remote             domain.ParticipantID
	Role               domain.Role
	Media              []domain.TrackKind
	ICEServers         []domain.ICEServer
	NegotiationTimeout time.Duration
	ReconnectTimeout   time.Duration
	LogLevel           zerolog.Level
}

// ServerConfig holds the signaling relay configuration.
type ServerConfig struct {
	Addr       string
	ICEServers []domain.ICEServer
	LogLevel   zerolog.Level
}

// iceFile is the TOML layout of an ICE server file:
//
//	[[ice_servers]]
//	urls = ["turn:turn.example.org:3478"]
//	username = "user"
//	credential = "secret"
type iceFile struct {
	ICEServers []domain.ICEServer `toml:"ice_servers"`
}

// Load reads configuration from a .env file (if present) and environment variables.
// Environment variables take precedence over .env values.
// Session and participant ids may be empty; the CLI asks for them.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	signalURL := os.Getenv("CARECALL_SIGNAL_URL")
	if signalURL == "" {
		return nil, fmt.Errorf("CARECALL_SIGNAL_URL environment variable is required")
	}

	cfg := &Config{
		SignalURL:   signalURL,
		SessionID:   domain.SessionID(os.Getenv("CARECALL_SESSION")),
		Participant: domain.ParticipantID(os.Getenv("CARECALL_PARTICIPANT")),
		Remote:      domain.ParticipantID(os.Getenv("CARECALL_REMOTE")),
	}

	switch role := os.Getenv("CARECALL_ROLE"); role {
	case "", "caller":
		cfg.Role = domain.RoleCaller
	case "callee":
		cfg.Role = domain.RoleCallee
	default:
		return nil, fmt.Errorf("CARECALL_ROLE must be caller or callee, got %q", role)
	}

	media, err := parseKinds(envOr("CARECALL_MEDIA", "audio,video"))
	if err != nil {
		return nil, fmt.Errorf("CARECALL_MEDIA: %w", err)
	}
	cfg.Media = media

	cfg.ICEServers, err = loadICE(os.Getenv("CARECALL_ICE_FILE"), os.Getenv("CARECALL_ICE_SERVERS"))
	if err != nil {
		return nil, err
	}

	if cfg.NegotiationTimeout, err = duration("CARECALL_NEGOTIATION_TIMEOUT", DefaultNegotiationTimeout); err != nil {
		return nil, err
	}
	if cfg.ReconnectTimeout, err = duration("CARECALL_RECONNECT_TIMEOUT", DefaultReconnectTimeout); err != nil {
		return nil, err
	}
	if cfg.LogLevel, err = logging.ParseLevel(os.Getenv("CARECALL_LOG_LEVEL")); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadServer reads the relay configuration the same way Load does.
func LoadServer() (*ServerConfig, error) {
	_ = godotenv.Load()

	ice, err := loadICE(os.Getenv("SIGNALD_ICE_FILE"), os.Getenv("SIGNALD_ICE_SERVERS"))
	if err != nil {
		return nil, err
	}
	lvl, err := logging.ParseLevel(os.Getenv("SIGNALD_LOG_LEVEL"))
	if err != nil {
		return nil, err
	}

	return &ServerConfig{
		Addr:       envOr("SIGNALD_ADDR", DefaultServerAddr),
		ICEServers: ice,
		LogLevel:   lvl,
	}, nil
}

func loadICE(path, urls string) ([]domain.ICEServer, error) {
	var servers []domain.ICEServer
	if path != "" {
		var f iceFile
		if _, err := toml.DecodeFile(path, &f); err != nil {
			return nil, fmt.Errorf("read ICE file %s: %w", path, err)
		}
		for i, s := range f.ICEServers {
			if len(s.URLs) == 0 {
				return nil, fmt.Errorf("ICE file %s: server %d has no urls", path, i)
			}
		}
		servers = append(servers, f.ICEServers...)
	}
	for _, u := range splitList(urls) {
		servers = append(servers, domain.ICEServer{URLs: []string{u}})
	}
	return servers, nil
}

func parseKinds(s string) ([]domain.TrackKind, error) {
	var kinds []domain.TrackKind
	for _, part := range splitList(s) {
		k, err := domain.ParseTrackKind(part)
		if err != nil {
			return nil, err
		}
		if k == domain.KindScreen {
			return nil, fmt.Errorf("screen is toggled during a call, not acquired at start")
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func duration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, v)
	}
	return d, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
