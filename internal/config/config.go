package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env            string `yaml:"env" env:"APP_ENV" env-default:"local"`
	HTTP           `yaml:"http"`
	Postgres       `yaml:"postgres"`
	Mongo          `yaml:"mongo"`
	Redis          `yaml:"redis"`
	Kafka          `yaml:"kafka"`
	Gateway        `yaml:"gateway"`
	Reconciliation `yaml:"reconciliation"`
	Log            `yaml:"log"`
	Tracing        `yaml:"tracing"`
}

type HTTP struct {
	Port               string        `yaml:"port" env:"HTTP_PORT" env-default:"8080"`
	RequestTimeout     time.Duration `yaml:"request_timeout" env:"HTTP_REQUEST_TIMEOUT" env-default:"30s"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"10s"`
	MaxRequestBodySize int64         `yaml:"max_request_body_size" env:"HTTP_MAX_REQUEST_BODY_SIZE" env-default:"1048576"`
}

type Postgres struct {
	Host           string `yaml:"host" env:"DB_HOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"DB_PORT" env-default:"5432"`
	User           string `yaml:"user" env:"DB_USER" env-default:"postgres"`
	Password       string `yaml:"password" env:"DB_PASSWORD" env-default:"postgres"`
	DBName         string `yaml:"db_name" env:"DB_NAME" env-default:"commerce"`
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"./internal/repository/migrations"`
}

type Mongo struct {
	URI            string        `yaml:"uri" env:"MONGO_URI" env-default:"mongodb://localhost:27017"`
	Database       string        `yaml:"database" env:"MONGO_DATABASE" env-default:"cart"`
	MaxPoolSize    uint64        `yaml:"max_pool_size" env:"MONGO_MAX_POOL_SIZE" env-default:"100"`
	MinPoolSize    uint64        `yaml:"min_pool_size" env:"MONGO_MIN_POOL_SIZE" env-default:"10"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"MONGO_CONNECT_TIMEOUT" env-default:"10s"`
}

type Redis struct {
	Addr     string        `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int           `yaml:"db" env:"REDIS_DB" env-default:"0"`
	CartTTL  time.Duration `yaml:"cart_ttl" env:"REDIS_CART_TTL" env-default:"15m"`
}

type Kafka struct {
	Brokers        []string      `yaml:"brokers" env:"KAFKA_BROKERS" env-default:"localhost:9092" env-separator:","`
	OutboxTopic    string        `yaml:"outbox_topic" env:"KAFKA_OUTBOX_TOPIC" env-default:"commerce-outbox"`
	CartGroupID    string        `yaml:"cart_group_id" env:"KAFKA_CART_GROUP_ID" env-default:"cart-cleanup-consumer"`
	PollInterval   time.Duration `yaml:"poll_interval" env:"OUTBOX_POLL_INTERVAL" env-default:"1s"`
	OutboxBatch    int           `yaml:"outbox_batch" env:"OUTBOX_BATCH_SIZE" env-default:"100"`
	PublishTimeout time.Duration `yaml:"publish_timeout" env:"OUTBOX_PUBLISH_TIMEOUT" env-default:"5s"`
}

type Gateway struct {
	BaseURL        string        `yaml:"base_url" env:"GATEWAY_BASE_URL" env-default:"https://api.tosspayments.com"`
	SecretKey      string        `yaml:"secret_key" env:"GATEWAY_SECRET_KEY"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout" env:"GATEWAY_CONFIRM_TIMEOUT" env-default:"10s"`
	Breaker        BreakerConfig `yaml:"breaker"`
}

type BreakerConfig struct {
	MaxRequests         uint32        `yaml:"max_requests" env:"GATEWAY_BREAKER_MAX_REQUESTS" env-default:"1"`
	Interval            time.Duration `yaml:"interval" env:"GATEWAY_BREAKER_INTERVAL" env-default:"60s"`
	Timeout             time.Duration `yaml:"timeout" env:"GATEWAY_BREAKER_TIMEOUT" env-default:"30s"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures" env:"GATEWAY_BREAKER_CONSECUTIVE_FAILURES" env-default:"5"`
}

type Reconciliation struct {
	OlderThan time.Duration `yaml:"older_than" env:"RECONCILE_OLDER_THAN" env-default:"10m"`
	Limit     int           `yaml:"limit" env:"RECONCILE_LIMIT" env-default:"100"`
	Retry     RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	Attempts uint          `yaml:"attempts" env:"RECONCILE_RETRY_ATTEMPTS" env-default:"3"`
	Delay    time.Duration `yaml:"delay" env:"RECONCILE_RETRY_DELAY" env-default:"200ms"`
	MaxDelay time.Duration `yaml:"max_delay" env:"RECONCILE_RETRY_MAX_DELAY" env-default:"2s"`
}

type Log struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

type Tracing struct {
	ServiceName    string  `yaml:"service_name" env:"TRACING_SERVICE_NAME" env-default:"course-commerce"`
	JaegerEndpoint string  `yaml:"jaeger_endpoint" env:"JAEGER_ENDPOINT"`
	SampleRatio    float64 `yaml:"sample_ratio" env:"TRACING_SAMPLE_RATIO" env-default:"1"`
}

// Load reads the YAML file at CONFIG_PATH when it is set and lets the
// environment override it; without CONFIG_PATH only the environment is used.
func Load() (*Config, error) {
	var cfg Config

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("read config from env: %w", err)
		}
		return &cfg, nil
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file %q does not exist", configPath)
	}
	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("read config %q: %w", configPath, err)
	}
	return &cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}
