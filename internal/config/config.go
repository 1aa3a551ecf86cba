package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Database drivers accepted in database.driver.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
	DriverMemory   = "memory"
)

// MaxAuthorizationTimeout caps a single entitlement check.
const MaxAuthorizationTimeout = 3 * time.Second

// Config represents the application configuration
type Config struct {
	Server struct {
		Port           int           `koanf:"port"`
		RequestTimeout time.Duration `koanf:"request_timeout"`
	} `koanf:"server"`

	Database struct {
		Driver string `koanf:"driver"`
		URL    string `koanf:"url"`
	} `koanf:"database"`

	Forum struct {
		URL        string  `koanf:"url"`
		APIKey     string  `koanf:"apikey"`
		SystemUser string  `koanf:"system_user"`
		TrustLevel int     `koanf:"trust_level"`
		Rate       float64 `koanf:"rate"`
		Burst      int     `koanf:"burst"`
	} `koanf:"forum"`

	Identity struct {
		URL string `koanf:"url"`
	} `koanf:"identity"`

	Auth struct {
		Secret      string `koanf:"secret"`
		HandleClaim string `koanf:"handle_claim"`
	} `koanf:"auth"`

	// Authorization maps a reference type to its entitlement endpoint. A
	// reference type without a route is open to any authenticated actor.
	Authorization struct {
		Routes  map[string]string `koanf:"routes"`
		Timeout time.Duration     `koanf:"timeout"`
	} `koanf:"authorization"`

	Redis struct {
		URL string `koanf:"url"`
	} `koanf:"redis"`

	Jobs struct {
		Enabled     bool `koanf:"enabled"`
		Workers     int  `koanf:"workers"`
		MaxAttempts int  `koanf:"max_attempts"`
	} `koanf:"jobs"`

	Log struct {
		Level  string `koanf:"level"`
		Format string `koanf:"format"`
	} `koanf:"log"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"server.port":            8888,
		"server.request_timeout": "30s",
		"database.driver":        DriverPostgres,
		"forum.system_user":      "system",
		"forum.rate":             10.0,
		"forum.burst":            20,
		"auth.handle_claim":      "handle",
		"authorization.timeout":  "3s",
		"jobs.enabled":           true,
		"jobs.workers":           2,
		"jobs.max_attempts":      10,
		"log.level":              "info",
		"log.format":             "console",
	}
}

// LoadConfig loads the configuration from a file
func LoadConfig(configPath string) (*Config, error) {
	var k = koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	// Load from TOML file if it exists
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	} else {
		defaultPaths := []string{"./topicbridge.toml", "$HOME/.topicbridge.toml"}
		for _, path := range defaultPaths {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	// Load from environment variables with prefix TOPICBRIDGE_
	// (TOPICBRIDGE_FORUM_APIKEY -> forum.apikey).
	if err := k.Load(env.Provider("TOPICBRIDGE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "TOPICBRIDGE_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	return &config, nil
}

// InitConfig initializes a new configuration file
func InitConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("configuration file already exists at %s", configPath)
	}

	sampleConfig := `# topicbridge configuration

[server]
port = 8888
request_timeout = "30s"

[database]
# postgres, sqlite3 or memory. For postgres an empty url falls back to
# DATABASE_URL, then to a .env file.
driver = "postgres"
url = ""

[forum]
url = "https://forum.example.com"
apikey = "your-forum-api-key"
system_user = "system"
# Promote newly provisioned users; 0 keeps the forum default.
trust_level = 0
rate = 10.0
burst = 20

[identity]
url = "https://platform.example.com/api/members"

[auth]
secret = "change-me"
handle_claim = "handle"

[authorization]
timeout = "3s"

# Reference types without a route are open to every authenticated user.
[authorization.routes]
project = "https://platform.example.com/api/projects/{id}/access"

[redis]
# Set to share the thread creation lock across replicas.
url = ""

[jobs]
enabled = true
workers = 2
max_attempts = 10

[log]
level = "info"
format = "console"
`

	return os.WriteFile(configPath, []byte(sampleConfig), 0644)
}

// Validate validates the configuration
func Validate(config *Config) error {
	if config.Forum.URL == "" {
		return fmt.Errorf("forum url is required")
	}
	if _, err := url.ParseRequestURI(config.Forum.URL); err != nil {
		return fmt.Errorf("forum url is invalid: %w", err)
	}
	if config.Forum.APIKey == "" {
		return fmt.Errorf("forum apikey is required")
	}
	if config.Forum.TrustLevel < 0 || config.Forum.TrustLevel > 4 {
		return fmt.Errorf("forum trust_level must be between 0 and 4, got %d", config.Forum.TrustLevel)
	}
	if config.Identity.URL == "" {
		return fmt.Errorf("identity url is required")
	}
	if config.Auth.Secret == "" {
		return fmt.Errorf("auth secret is required")
	}
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("server port %d is out of range", config.Server.Port)
	}
	if config.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server request_timeout must be positive")
	}

	switch config.Database.Driver {
	case DriverPostgres, DriverMemory:
	case DriverSQLite:
		if config.Database.URL == "" {
			return fmt.Errorf("database url is required for the sqlite3 driver")
		}
	default:
		return fmt.Errorf("unknown database driver %q", config.Database.Driver)
	}

	if config.Authorization.Timeout <= 0 || config.Authorization.Timeout > MaxAuthorizationTimeout {
		return fmt.Errorf("authorization timeout must be in (0, %s], got %s", MaxAuthorizationTimeout, config.Authorization.Timeout)
	}
	for referenceType, tmpl := range config.Authorization.Routes {
		if !strings.Contains(tmpl, "{id}") {
			return fmt.Errorf("authorization route for %s must contain {id}", referenceType)
		}
	}

	if config.Jobs.Enabled && config.Database.Driver == DriverPostgres && config.Jobs.Workers < 1 {
		return fmt.Errorf("jobs workers must be at least 1")
	}

	return nil
}
