package app

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"flatchat/internal/storage"
)

// ServerConfig defines how the HTTP/WebSocket backend should run.
type ServerConfig struct {
	Addr             string        `env:"FLATCHAT_ADDR,default=:3001"`
	Path             string        `env:"FLATCHAT_JOIN_PATH,default=/socket"`
	Store            string        `env:"FLATCHAT_STORE,default=json"`
	DataPath         string        `env:"FLATCHAT_DATA_PATH"`
	UploadDir        string        `env:"FLATCHAT_UPLOAD_DIR,default=./uploads"`
	MaxUploadSize    int64         `env:"FLATCHAT_MAX_UPLOAD_BYTES,default=10485760"`
	UploadRateLimit  int           `env:"FLATCHAT_UPLOAD_RATE_LIMIT,default=10"`
	UploadRateWindow time.Duration `env:"FLATCHAT_UPLOAD_RATE_WINDOW,default=1m"`
	AllowedOrigin    string        `env:"FLATCHAT_CORS_ORIGIN,default=http://localhost:3000"`
	ShutdownTimeout  time.Duration `env:"FLATCHAT_SHUTDOWN_TIMEOUT,default=5s"`
	TrustProxy       bool          `env:"FLATCHAT_TRUST_PROXY,default=false"`
}

// ClientConfig defines the parameters the TUI client needs.
type ClientConfig struct {
	ServerURL     string        `env:"FLATCHAT_SERVER_URL,default=ws://localhost:3001/socket"`
	Username      string        `env:"FLATCHAT_USER"`
	TypingTimeout time.Duration `env:"FLATCHAT_TYPING_TIMEOUT,default=2s"`
}

// LogConfig selects verbosity and output format.
type LogConfig struct {
	Level  string `env:"FLATCHAT_LOG_LEVEL,default=info"`
	Format string `env:"FLATCHAT_LOG_FORMAT,default=auto"`
}

// LoadServerConfig reads .env (when present) and the environment.
func LoadServerConfig() (ServerConfig, error) {
	_ = godotenv.Load()
	var cfg ServerConfig
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return cfg, fmt.Errorf("server config: %w", err)
	}
	return cfg, nil
}

func LoadClientConfig() (ClientConfig, error) {
	_ = godotenv.Load()
	var cfg ClientConfig
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return cfg, fmt.Errorf("client config: %w", err)
	}
	if cfg.Username == "" {
		cfg.Username = os.Getenv("USER")
	}
	return cfg, nil
}

func LoadLogConfig() (LogConfig, error) {
	_ = godotenv.Load()
	var cfg LogConfig
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return cfg, fmt.Errorf("log config: %w", err)
	}
	return cfg, nil
}

// DefaultDataPath returns where a backend keeps its data when no path is set.
func DefaultDataPath(store string) string {
	switch store {
	case storage.BackendSQLite:
		return "data/messages.db"
	case storage.BackendPebble:
		return "data/messages.pebble"
	default:
		return "data/messages.json"
	}
}

// NormalizeJoinPath guarantees the websocket join path starts with '/' and
// falls back to /socket when empty.
func NormalizeJoinPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return "/socket"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}

// NewLogger builds the process logger. Format is "json", "console" or "auto",
// which picks console output when w is a terminal.
func NewLogger(cfg LogConfig, w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	switch strings.ToLower(cfg.Format) {
	case "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	case "json":
	case "", "auto":
		if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
		}
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}
