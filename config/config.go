// Package config builds the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendTables = "aztables"
	BackendMongo  = "mongo"

	AuthJWKS     = "jwks"
	AuthHS256    = "hs256"
	AuthFirebase = "firebase"
)

type Config struct {
	ListenAddr string
	Debug      bool
	LogFormat  string
	AppBaseURL string

	Store      StoreConfig
	Redis      RedisConfig
	Auth       AuthConfig
	Completion CompletionConfig
	Pipeline   PipelineConfig
	Dispatch   DispatchConfig
	Google     GoogleConfig
	Notion     NotionConfig
}

type StoreConfig struct {
	Backend            string
	ConnectionString   string
	TasksTable         string
	CredentialsTable   string
	ConversationsTable string
	SyncFailureQueue   string
	MongoURI           string
	MongoDatabase      string
}

type RedisConfig struct {
	ConnectionString string
	TasksCacheTTL    time.Duration
	DeduperTTL       time.Duration
}

type AuthConfig struct {
	Mode                   string
	Audience               string
	Domain                 string
	SharedSecret           string
	JWKSCacheTTL           time.Duration
	FirebaseServiceAccount string
}

type CompletionConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

type PipelineConfig struct {
	FallbackOnUpstreamError bool
}

type DispatchConfig struct {
	MaxMirrors    int
	Timeout       time.Duration
	EventDuration time.Duration
}

type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	CalendarID   string
}

type NotionConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	DatabaseID   string
}

// GoogleEnabled reports whether the calendar OAuth flow is configured.
func (c Config) GoogleEnabled() bool {
	return c.Google.ClientID != "" && c.Google.ClientSecret != ""
}

// NotionEnabled reports whether the notes OAuth flow is configured.
func (c Config) NotionEnabled() bool {
	return c.Notion.ClientID != "" && c.Notion.ClientSecret != ""
}

// Load reads a .env file when present and then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds the configuration from environment variables only.
func FromEnv() (Config, error) {
	r := reader{}
	cfg := Config{
		ListenAddr: listenAddr(),
		Debug:      r.bool("DEBUG", false),
		LogFormat:  strings.ToLower(os.Getenv("LOG_FORMAT")),
		AppBaseURL: strings.TrimRight(r.str("APP_BASE_URL", "http://localhost:3000"), "/"),
		Store: StoreConfig{
			Backend:            strings.ToLower(r.str("STORE_BACKEND", BackendTables)),
			ConnectionString:   os.Getenv("STORAGE_CONNECTION_STRING"),
			TasksTable:         r.str("TASKS_TABLE", "tasks"),
			CredentialsTable:   r.str("CREDENTIALS_TABLE", "credentials"),
			ConversationsTable: r.str("CONVERSATIONS_TABLE", "conversations"),
			SyncFailureQueue:   os.Getenv("SYNC_FAILURE_QUEUE"),
			MongoURI:           os.Getenv("MONGODB_URI"),
			MongoDatabase:      r.str("MONGODB_DATABASE", "talk2task"),
		},
		Redis: RedisConfig{
			ConnectionString: os.Getenv("REDIS_CONNECTION_STRING"),
			TasksCacheTTL:    r.duration("TASKS_CACHE_TTL", time.Minute),
			DeduperTTL:       r.duration("DEDUPER_TTL", 24*time.Hour),
		},
		Auth: AuthConfig{
			Mode:                   strings.ToLower(r.str("AUTH_MODE", AuthJWKS)),
			Audience:               os.Getenv("AUTH_AUDIENCE"),
			Domain:                 os.Getenv("AUTH_DOMAIN"),
			SharedSecret:           os.Getenv("AUTH_SHARED_SECRET"),
			JWKSCacheTTL:           r.duration("JWKS_CACHE_TTL", time.Hour),
			FirebaseServiceAccount: os.Getenv("FIREBASE_SERVICE_ACCOUNT"),
		},
		Completion: CompletionConfig{
			BaseURL: strings.TrimRight(r.str("COMPLETION_BASE_URL", "https://openrouter.ai/api/v1"), "/"),
			APIKey:  os.Getenv("COMPLETION_API_KEY"),
			Model:   r.str("COMPLETION_MODEL", "openai/gpt-4o-mini"),
			Timeout: r.duration("COMPLETION_TIMEOUT", 30*time.Second),
		},
		Pipeline: PipelineConfig{
			FallbackOnUpstreamError: r.bool("PIPELINE_FALLBACK_ON_UPSTREAM_ERROR", false),
		},
		Dispatch: DispatchConfig{
			MaxMirrors:    r.positiveInt("DISPATCH_MAX_MIRRORS", 1),
			Timeout:       r.duration("DISPATCH_TIMEOUT", 15*time.Second),
			EventDuration: r.duration("EVENT_DURATION", time.Hour),
		},
		Google: GoogleConfig{
			ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
			ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
			RedirectURL:  os.Getenv("GOOGLE_REDIRECT_URL"),
			CalendarID:   r.str("GOOGLE_CALENDAR_ID", "primary"),
		},
		Notion: NotionConfig{
			ClientID:     os.Getenv("NOTION_CLIENT_ID"),
			ClientSecret: os.Getenv("NOTION_CLIENT_SECRET"),
			RedirectURL:  os.Getenv("NOTION_REDIRECT_URL"),
			DatabaseID:   os.Getenv("NOTION_DATABASE_ID"),
		},
	}
	if r.err != nil {
		return Config{}, r.err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var missing []string
	switch c.Store.Backend {
	case BackendTables:
		if c.Store.ConnectionString == "" {
			missing = append(missing, "STORAGE_CONNECTION_STRING")
		}
	case BackendMongo:
		if c.Store.MongoURI == "" {
			missing = append(missing, "MONGODB_URI")
		}
	default:
		return fmt.Errorf("invalid STORE_BACKEND %q", c.Store.Backend)
	}
	if c.Redis.ConnectionString == "" {
		missing = append(missing, "REDIS_CONNECTION_STRING")
	}
	if c.Completion.APIKey == "" {
		missing = append(missing, "COMPLETION_API_KEY")
	}
	switch c.Auth.Mode {
	case AuthJWKS:
		if c.Auth.Audience == "" {
			missing = append(missing, "AUTH_AUDIENCE")
		}
		if c.Auth.Domain == "" {
			missing = append(missing, "AUTH_DOMAIN")
		}
	case AuthHS256:
		if c.Auth.SharedSecret == "" {
			missing = append(missing, "AUTH_SHARED_SECRET")
		}
	case AuthFirebase:
		if c.Auth.FirebaseServiceAccount == "" {
			missing = append(missing, "FIREBASE_SERVICE_ACCOUNT")
		}
	default:
		return fmt.Errorf("invalid AUTH_MODE %q", c.Auth.Mode)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing config: %s", strings.Join(missing, ", "))
	}
	return nil
}

func listenAddr() string {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		return v
	}
	if v, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok && v != "" {
		return ":" + v
	}
	return ":8080"
}

// reader keeps the first parse error so FromEnv can report it once.
type reader struct {
	err error
}

func (r *reader) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (r *reader) bool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return b
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	if d <= 0 {
		r.fail(fmt.Errorf("invalid %s: must be greater than zero", key))
		return def
	}
	return d
}

func (r *reader) positiveInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	if n <= 0 {
		r.fail(fmt.Errorf("invalid %s: must be greater than zero", key))
		return def
	}
	return n
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}
