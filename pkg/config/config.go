package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Outbox    OutboxRelayConfig
	Inbox     InboxConfig
	Buffer    BufferConfig
	Retention RetentionConfig
	Auth      AuthConfig
	Logging   LoggingConfig
	Features  FeatureConfig
}

type ServerConfig struct {
	HTTPPort    int           `mapstructure:"http_port"`
	MetricsPort int           `mapstructure:"metrics_port"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Addresses   []string `mapstructure:"addresses"`
	Password    string   `mapstructure:"password"`
	DB          int      `mapstructure:"db"`
	PoolSize    int      `mapstructure:"pool_size"`
	ClusterMode bool     `mapstructure:"cluster_mode"`
}

type KafkaConfig struct {
	Brokers          []string `mapstructure:"brokers"`
	ClientID         string   `mapstructure:"client_id"`
	JobsCreatedTopic string   `mapstructure:"jobs_created_topic"`
	JobsResumedTopic string   `mapstructure:"jobs_resumed_topic"`
	StageEventsTopic string   `mapstructure:"stage_events_topic"`
	DLQTopic         string   `mapstructure:"dlq_topic"`
	WorkerGroup      string   `mapstructure:"worker_group"`
	EventGroup       string   `mapstructure:"event_group"`
	MaxAttempts      int      `mapstructure:"max_attempts"`
}

type OutboxRelayConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

type InboxConfig struct {
	StalenessWindow time.Duration `mapstructure:"staleness_window"`
	ReclaimInterval time.Duration `mapstructure:"reclaim_interval"`
}

type BufferConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type RetentionConfig struct {
	MessageRetention time.Duration `mapstructure:"message_retention"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type FeatureConfig struct {
	ResumeConsumer bool `mapstructure:"resume_consumer"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/reviewloop/")
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("REVIEWLOOP")
	viper.AutomaticEnv()

	viper.SetDefault("server.http_port", 8080)
	viper.SetDefault("server.metrics_port", 9091)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("redis.pool_size", 100)
	viper.SetDefault("kafka.client_id", "reviewloop")
	viper.SetDefault("kafka.jobs_created_topic", "workflow.jobs.created")
	viper.SetDefault("kafka.jobs_resumed_topic", "workflow.jobs.resumed")
	viper.SetDefault("kafka.stage_events_topic", "workflow.events")
	viper.SetDefault("kafka.dlq_topic", "workflow.jobs.dlq")
	viper.SetDefault("kafka.worker_group", "reviewloop-workers")
	viper.SetDefault("kafka.event_group", "reviewloop-event-handlers")
	viper.SetDefault("kafka.max_attempts", 5)
	viper.SetDefault("outbox.poll_interval", "1s")
	viper.SetDefault("outbox.batch_size", 100)
	viper.SetDefault("inbox.staleness_window", "5m")
	viper.SetDefault("inbox.reclaim_interval", "1m")
	viper.SetDefault("buffer.ttl", "10m")
	viper.SetDefault("retention.message_retention", "168h")
	viper.SetDefault("retention.sweep_interval", "24h")
	viper.SetDefault("auth.token_ttl", "24h")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("features.resume_consumer", true)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
