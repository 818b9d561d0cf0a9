package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	ParcelBeat ParcelBeatConfig `yaml:"parcelbeat"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                       string `yaml:"host"`
	Port                       int    `yaml:"port"`
	ShipmentUpdatedTopicName   string `yaml:"shipment_updated_topic_name"`
	PollRequestedTopicName     string `yaml:"poll_requested_topic_name"`
	PollRequestedConsumerGroup string `yaml:"poll_requested_consumer_group"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type CarrierCredentials struct {
	BaseURL      string `yaml:"base_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"`
	UserID       string `yaml:"user_id"` // только Web Tools, без OAuth
}

type ParcelBeatConfig struct {
	HTTPAddr string `yaml:"http_addr"`

	ShipmentStatusTTLSeconds int `yaml:"shipment_status_ttl_seconds"`

	WorkerPollIntervalSeconds int `yaml:"worker_poll_interval_seconds"`
	WorkerBatchSize           int `yaml:"worker_batch_size"`
	WorkerConcurrency         int `yaml:"worker_concurrency"`
	WorkerLeaseSeconds        int `yaml:"worker_lease_seconds"`
	WorkerRateLimitPerMinute  int `yaml:"worker_rate_limit_per_minute"`

	WorkerRateLimitUPSPerMinute   int `yaml:"worker_rate_limit_ups_per_minute"`
	WorkerRateLimitFedExPerMinute int `yaml:"worker_rate_limit_fedex_per_minute"`
	WorkerRateLimitUSPSPerMinute  int `yaml:"worker_rate_limit_usps_per_minute"`

	UPS   CarrierCredentials `yaml:"ups"`
	FedEx CarrierCredentials `yaml:"fedex"`
	USPS  CarrierCredentials `yaml:"usps"`

	// When set, every shipment is tracked against the in-process emulator
	// instead of real carrier APIs. Handy for local runs and demos.
	UseFakeCarriers bool `yaml:"use_fake_carriers"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
