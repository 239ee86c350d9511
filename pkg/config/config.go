package config

import (
	"fmt"
	"time"

	"github.com/jobs/durable/internal/yield"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Dev      DevConfig      `mapstructure:"dev"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Sources  []SourceConfig `mapstructure:"sources"`
}

type DatabaseConfig struct {
	Host                  string        `mapstructure:"host"`
	Port                  int           `mapstructure:"port"`
	Database              string        `mapstructure:"database"`
	User                  string        `mapstructure:"user"`
	Password              string        `mapstructure:"password"`
	MaxConnections        int           `mapstructure:"max_connections"`
	MaxIdleConnections    int           `mapstructure:"max_idle_connections"`
	ConnectionMaxLifetime time.Duration `mapstructure:"connection_max_lifetime"`
	LogLevel              string        `mapstructure:"log_level"`
	AutoMigrate           bool          `mapstructure:"auto_migrate"`
}

type ServerConfig struct {
	IP   string `mapstructure:"ip"`
	Port int    `mapstructure:"port"`
	// ReadTimeout bounds reading request headers only.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout also applies to hijacked websocket connections; 0 disables it.
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxHeaderBytes int           `mapstructure:"max_header_bytes"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.IP, s.Port)
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// APIKeyConfig is the environment an API key authenticates as.
type APIKeyConfig struct {
	EnvironmentID string `mapstructure:"environment_id"`
	Slug          string `mapstructure:"slug"`
	Type          string `mapstructure:"type"`
}

type DevConfig struct {
	// APIKeys are lowercased by viper.
	APIKeys           map[string]APIKeyConfig `mapstructure:"api_keys"`
	HeartbeatInterval time.Duration           `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration           `mapstructure:"heartbeat_timeout"`
	BalanceStrategy   string                  `mapstructure:"balance_strategy"`
	OriginPatterns    []string                `mapstructure:"origin_patterns"`
}

type EngineConfig struct {
	InstanceID string `mapstructure:"instance_id"`
	// WorkerID seeds the snowflake id generator and must differ per instance.
	WorkerID uint16 `mapstructure:"worker_id"`
	// RunChunkExecutionLimit in milliseconds; 0 disables the limit.
	RunChunkExecutionLimit int64         `mapstructure:"run_chunk_execution_limit"`
	Yield                  yield.Config  `mapstructure:"yield"`
	HTTPTimeout            time.Duration `mapstructure:"http_timeout"`
	RunLock                string        `mapstructure:"run_lock"`
}

// SourceConfig registers an HTTP source that emits Event for each request.
type SourceConfig struct {
	Key    string `mapstructure:"key"`
	Event  string `mapstructure:"event"`
	Secret string `mapstructure:"secret"`
}

// WorkerConfig configures the dev worker binary.
type WorkerConfig struct {
	URL         string `mapstructure:"url"`
	BaseURL     string `mapstructure:"base_url"`
	APIKey      string `mapstructure:"api_key"`
	Version     string `mapstructure:"version"`
	Concurrency int    `mapstructure:"concurrency"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// 设置默认值
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.max_connections", 20)
	v.SetDefault("database.max_idle_connections", 10)
	v.SetDefault("database.connection_max_lifetime", "1h")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.max_header_bytes", 1048576)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")

	// redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("dev.heartbeat_interval", "15s")
	v.SetDefault("dev.heartbeat_timeout", "60s")
	v.SetDefault("dev.balance_strategy", "round_robin")

	defaults := yield.DefaultConfig()
	v.SetDefault("engine.instance_id", "durable-001")
	v.SetDefault("engine.worker_id", 1)
	v.SetDefault("engine.run_chunk_execution_limit", 0)
	v.SetDefault("engine.yield.start_task_threshold", defaults.StartTaskThreshold)
	v.SetDefault("engine.yield.before_execute_task_threshold", defaults.BeforeExecuteTaskThreshold)
	v.SetDefault("engine.yield.before_complete_task_threshold", defaults.BeforeCompleteTaskThreshold)
	v.SetDefault("engine.yield.after_complete_task_threshold", defaults.AfterCompleteTaskThreshold)
	v.SetDefault("engine.http_timeout", "30s")
	v.SetDefault("engine.run_lock", "mysql")

	v.SetDefault("worker.url", "ws://localhost:8080/ws")
	v.SetDefault("worker.base_url", "http://localhost:8080")
	v.SetDefault("worker.version", "dev")
	v.SetDefault("worker.concurrency", 4)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Engine.RunLock {
	case "mysql", "memory":
	default:
		return fmt.Errorf("invalid engine.run_lock %q: want mysql or memory", c.Engine.RunLock)
	}
	if c.Dev.HeartbeatTimeout < c.Dev.HeartbeatInterval {
		return fmt.Errorf("dev.heartbeat_timeout %s is shorter than dev.heartbeat_interval %s",
			c.Dev.HeartbeatTimeout, c.Dev.HeartbeatInterval)
	}
	for key, env := range c.Dev.APIKeys {
		if env.EnvironmentID == "" {
			return fmt.Errorf("dev.api_keys.%s: environment_id is required", key)
		}
	}
	seen := make(map[string]bool, len(c.Sources))
	for i, src := range c.Sources {
		if src.Key == "" || src.Event == "" {
			return fmt.Errorf("sources[%d]: key and event are required", i)
		}
		if seen[src.Key] {
			return fmt.Errorf("sources[%d]: duplicate key %q", i, src.Key)
		}
		seen[src.Key] = true
	}
	return nil
}
