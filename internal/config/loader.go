package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetConfigFile(configFile)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func bindEnvVariables() {
	viper.BindEnv("broker.kafka.brokers", "BROKER_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.group_id", "BROKER_KAFKA_GROUP_ID")
	viper.BindEnv("broker.kafka.inbound_topic", "BROKER_KAFKA_INBOUND_TOPIC")
	viper.BindEnv("broker.kafka.forward_topic", "BROKER_KAFKA_FORWARD_TOPIC")
	viper.BindEnv("broker.kafka.bounce_topic", "BROKER_KAFKA_BOUNCE_TOPIC")
	viper.BindEnv("broker.kafka.store_topic", "BROKER_KAFKA_STORE_TOPIC")
	viper.BindEnv("broker.kafka.notification_topic", "BROKER_KAFKA_NOTIFICATION_TOPIC")
	viper.BindEnv("broker.kafka.config_update_topic", "BROKER_KAFKA_CONFIG_UPDATE_TOPIC")
	viper.BindEnv("broker.kafka.dlq_topic", "BROKER_KAFKA_DLQ_TOPIC")

	viper.BindEnv("database.postgres.host", "DATABASE_POSTGRES_HOST")
	viper.BindEnv("database.postgres.port", "DATABASE_POSTGRES_PORT")
	viper.BindEnv("database.postgres.user", "DATABASE_POSTGRES_USER")
	viper.BindEnv("database.postgres.password", "DATABASE_POSTGRES_PASSWORD")
	viper.BindEnv("database.postgres.dbname", "DATABASE_POSTGRES_DBNAME")
	viper.BindEnv("database.postgres.sslmode", "DATABASE_POSTGRES_SSLMODE")

	viper.BindEnv("database.redis.host", "DATABASE_REDIS_HOST")
	viper.BindEnv("database.redis.port", "DATABASE_REDIS_PORT")
	viper.BindEnv("database.redis.password", "DATABASE_REDIS_PASSWORD")

	viper.BindEnv("database.mongodb.uri", "DATABASE_MONGODB_URI")
	viper.BindEnv("database.mongodb.database", "DATABASE_MONGODB_DATABASE")

	viper.BindEnv("payload_store.endpoint", "PAYLOAD_STORE_ENDPOINT")
	viper.BindEnv("payload_store.access_key", "PAYLOAD_STORE_ACCESS_KEY")
	viper.BindEnv("payload_store.secret_key", "PAYLOAD_STORE_SECRET_KEY")
	viper.BindEnv("payload_store.bucket", "PAYLOAD_STORE_BUCKET")

	viper.BindEnv("credentials.secret_store.base_url", "CREDENTIALS_SECRET_STORE_BASE_URL")
	viper.BindEnv("credentials.secret_store.auth_token", "CREDENTIALS_SECRET_STORE_AUTH_TOKEN")

	viper.BindEnv("delivery.endpoint", "DELIVERY_ENDPOINT")

	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("server.port", "SERVER_PORT")
}

func applyDefaults(cfg *Config) {
	if cfg.Broker.Type == "" {
		cfg.Broker.Type = "kafka"
	}
	if cfg.Database.MongoDB.Database == "" && cfg.Database.MongoDB.URI != "" {
		cfg.Database.MongoDB.Database = "courier"
	}
	if cfg.Database.RunMigrations && cfg.Database.MigrationsPath == "" {
		cfg.Database.MigrationsPath = "migrations/postgres"
	}
	if cfg.Queue.Parallelism <= 0 {
		cfg.Queue.Parallelism = 4
	}
	if cfg.Queue.DrainIntervalSeconds <= 0 {
		cfg.Queue.DrainIntervalSeconds = 300
	}
	if cfg.Credentials.ScanIntervalSeconds <= 0 {
		cfg.Credentials.ScanIntervalSeconds = 600
	}
	if cfg.Gate.OnError == "" {
		cfg.Gate.OnError = "deny"
	}
}
