package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "EDGEWAY"

// Platform profiles. Each one fixes the defaults for a class of device.
const (
	ProfileMCU    = "mcu"
	ProfileEdge   = "edge"
	ProfileServer = "server"
)

// Queue durability levels.
const (
	DurabilityMemory   = "memory"
	DurabilitySQLite   = "sqlite"
	DurabilityPostgres = "postgres"
)

// Config is centralized process configuration.
// Keep infra values here and pass typed config into builders.
type Config struct {
	ServiceName     string        `mapstructure:"service_name"`
	Profile         string        `mapstructure:"profile"`
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`

	HTTP struct {
		Addr              string        `mapstructure:"addr"`
		ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
		ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
		EnableSwagger     bool          `mapstructure:"enable_swagger"`
	} `mapstructure:"http"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Memory struct {
		BudgetBytes int64 `mapstructure:"budget_bytes"`
	} `mapstructure:"memory"`

	Queue struct {
		MaxEntries  int    `mapstructure:"max_entries"`
		Durability  string `mapstructure:"durability"`
		SQLitePath  string `mapstructure:"sqlite_path"`
		PostgresDSN string `mapstructure:"postgres_dsn"`
	} `mapstructure:"queue"`

	Drain struct {
		Interval    time.Duration `mapstructure:"interval"`
		BatchSize   int           `mapstructure:"batch_size"`
		Concurrency int           `mapstructure:"concurrency"`
	} `mapstructure:"drain"`

	Retry struct {
		MaxAttempts int           `mapstructure:"max_attempts"`
		BackoffBase time.Duration `mapstructure:"backoff_base"`
		BackoffMax  time.Duration `mapstructure:"backoff_max"`
		Multiplier  float64       `mapstructure:"multiplier"`
	} `mapstructure:"retry"`

	Breaker struct {
		FailureThreshold int           `mapstructure:"failure_threshold"`
		FailureWindow    time.Duration `mapstructure:"failure_window"`
		BaseCooldown     time.Duration `mapstructure:"base_cooldown"`
		MaxCooldown      time.Duration `mapstructure:"max_cooldown"`
	} `mapstructure:"breaker"`

	Selection struct {
		DeadlinePressure time.Duration `mapstructure:"deadline_pressure"`
	} `mapstructure:"selection"`

	Tracking struct {
		Retention           time.Duration `mapstructure:"retention"`
		DeadLetterRetention time.Duration `mapstructure:"dead_letter_retention"`
		MaxTerminal         int           `mapstructure:"max_terminal"`
	} `mapstructure:"tracking"`

	Sweep struct {
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"sweep"`

	Backends []Backend `mapstructure:"backends"`
}

// Backend declares one serving target.
type Backend struct {
	Name            string        `mapstructure:"name"`
	Kind            string        `mapstructure:"kind"`
	Endpoint        string        `mapstructure:"endpoint"`
	Model           string        `mapstructure:"model"`
	APIKey          string        `mapstructure:"api_key"`
	Capacity        int           `mapstructure:"capacity"`
	ExpectedLatency time.Duration `mapstructure:"expected_latency"`
	OfflineCapable  bool          `mapstructure:"offline_capable"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// Load reads an optional YAML file, applies the selected profile's
// defaults and lets EDGEWAY_* variables override any key. An empty path
// falls back to EDGEWAY_CONFIG.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(path) == "" {
		path = os.Getenv(envPrefix + "_CONFIG")
	}
	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	profile := strings.ToLower(strings.TrimSpace(v.GetString("profile")))
	if profile == "" {
		profile = ProfileEdge
	}
	if err := applyProfile(v, profile); err != nil {
		return Config{}, err
	}

	// Accept on/off and yes/no, which viper's bool decoding rejects.
	if name := envPrefix + "_HTTP_ENABLE_SWAGGER"; strings.TrimSpace(os.Getenv(name)) != "" {
		v.Set("http.enable_swagger", envBool(name, v.GetBool("http.enable_swagger")))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Profile = profile
	cfg.Backends = append(cfg.Backends, shortcutBackends()...)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var problems []string
	if c.Memory.BudgetBytes <= 0 {
		problems = append(problems, "memory.budget_bytes must be positive")
	}
	switch c.Queue.Durability {
	case DurabilityMemory:
	case DurabilitySQLite:
		if strings.TrimSpace(c.Queue.SQLitePath) == "" {
			problems = append(problems, "queue.sqlite_path is required for sqlite durability")
		}
	case DurabilityPostgres:
		if strings.TrimSpace(c.Queue.PostgresDSN) == "" {
			problems = append(problems, "queue.postgres_dsn is required for postgres durability")
		}
	default:
		problems = append(problems, fmt.Sprintf("queue.durability %q is not one of memory, sqlite, postgres", c.Queue.Durability))
	}
	seen := make(map[string]struct{}, len(c.Backends))
	for i, backend := range c.Backends {
		if strings.TrimSpace(backend.Name) == "" {
			problems = append(problems, fmt.Sprintf("backends[%d].name is required", i))
			continue
		}
		if _, dup := seen[backend.Name]; dup {
			problems = append(problems, fmt.Sprintf("backend %s is declared twice", backend.Name))
		}
		seen[backend.Name] = struct{}{}
		if strings.TrimSpace(backend.Endpoint) == "" {
			problems = append(problems, fmt.Sprintf("backend %s needs an endpoint", backend.Name))
		}
	}
	if len(problems) > 0 {
		return errors.New("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}

func applyProfile(v *viper.Viper, profile string) error {
	v.SetDefault("service_name", "edgeway")
	v.SetDefault("dispatch_timeout", 60*time.Second)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_header_timeout", 5*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("http.enable_swagger", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.backoff_base", 2*time.Second)
	v.SetDefault("retry.backoff_max", 5*time.Minute)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.failure_window", time.Minute)
	v.SetDefault("breaker.base_cooldown", 5*time.Second)
	v.SetDefault("breaker.max_cooldown", 5*time.Minute)
	v.SetDefault("selection.deadline_pressure", 10*time.Second)
	v.SetDefault("tracking.retention", 15*time.Minute)
	v.SetDefault("tracking.dead_letter_retention", 0)
	v.SetDefault("sweep.interval", 5*time.Second)
	v.SetDefault("queue.sqlite_path", "data/edgeway.db")
	v.SetDefault("queue.postgres_dsn", "")

	switch profile {
	case ProfileMCU:
		v.SetDefault("memory.budget_bytes", 4<<20)
		v.SetDefault("queue.max_entries", 64)
		v.SetDefault("queue.durability", DurabilityMemory)
		v.SetDefault("drain.interval", 2*time.Second)
		v.SetDefault("drain.batch_size", 4)
		v.SetDefault("drain.concurrency", 1)
		v.SetDefault("tracking.max_terminal", 256)
		v.SetDefault("http.enable_swagger", false)
	case ProfileEdge:
		v.SetDefault("memory.budget_bytes", 64<<20)
		v.SetDefault("queue.max_entries", 1024)
		v.SetDefault("queue.durability", DurabilitySQLite)
		v.SetDefault("drain.interval", time.Second)
		v.SetDefault("drain.batch_size", 16)
		v.SetDefault("drain.concurrency", 4)
		v.SetDefault("tracking.max_terminal", 10000)
	case ProfileServer:
		v.SetDefault("memory.budget_bytes", 512<<20)
		v.SetDefault("queue.max_entries", 16384)
		v.SetDefault("queue.durability", DurabilityPostgres)
		v.SetDefault("drain.interval", 500*time.Millisecond)
		v.SetDefault("drain.batch_size", 64)
		v.SetDefault("drain.concurrency", 32)
		v.SetDefault("tracking.max_terminal", 100000)
	default:
		return fmt.Errorf("unknown profile %q (want %s, %s or %s)", profile, ProfileMCU, ProfileEdge, ProfileServer)
	}
	return nil
}

// shortcutBackends turns the EDGEWAY_LOCAL_* and EDGEWAY_REMOTE_* variables
// into backend declarations, for deployments without a config file.
func shortcutBackends() []Backend {
	var out []Backend
	if endpoint := strings.TrimSpace(os.Getenv(envPrefix + "_LOCAL_ENDPOINT")); endpoint != "" {
		out = append(out, Backend{
			Name:            envString(envPrefix+"_LOCAL_NAME", "local"),
			Kind:            "local",
			Endpoint:        endpoint,
			Model:           os.Getenv(envPrefix + "_LOCAL_MODEL"),
			Capacity:        1,
			ExpectedLatency: 5 * time.Second,
			OfflineCapable:  true,
		})
	}
	if endpoint := strings.TrimSpace(os.Getenv(envPrefix + "_REMOTE_ENDPOINT")); endpoint != "" {
		out = append(out, Backend{
			Name:            envString(envPrefix+"_REMOTE_NAME", "remote"),
			Kind:            "remote",
			Endpoint:        endpoint,
			Model:           os.Getenv(envPrefix + "_REMOTE_MODEL"),
			APIKey:          os.Getenv(envPrefix + "_REMOTE_API_KEY"),
			Capacity:        8,
			ExpectedLatency: 2 * time.Second,
			OfflineCapable:  envBool(envPrefix+"_REMOTE_OFFLINE_CAPABLE", false),
		})
	}
	return out
}

func envString(name string, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func envBool(name string, fallback bool) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return fallback
	}
}
