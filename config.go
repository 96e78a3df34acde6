package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"checkout-service/database"
	"checkout-service/pkg/aws"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all configuration for the checkout service.
type Config struct {
	Port     string
	Postgres database.PostgresConfig
	RedisURL string

	// Pricing policy. TaxRate is a fraction (0.14 = 14%); ShippingRate is
	// the flat per-order shipping cost.
	TaxRate      decimal.Decimal
	ShippingRate decimal.Decimal

	// SNS topics for domain events.
	PromotionSNSTopicARN string
	OrderSNSTopicARN     string
}

// LoadConfig reads configuration from environment variables with optional
// Secrets Manager override of the database credentials.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	taxRate, err := decimal.NewFromString(getEnv("TAX_RATE", "0.14"))
	if err != nil || taxRate.IsNegative() {
		return nil, fmt.Errorf("invalid TAX_RATE")
	}
	shippingRate, err := decimal.NewFromString(getEnv("SHIPPING_FLAT_RATE", "10.00"))
	if err != nil || shippingRate.IsNegative() {
		return nil, fmt.Errorf("invalid SHIPPING_FLAT_RATE")
	}

	cfg := &Config{
		Port: getEnv("PORT", "8085"),
		Postgres: database.PostgresConfig{
			Host:     os.Getenv("POSTGRES_HOST"),
			Port:     getEnv("POSTGRES_PORT", "5432"),
			User:     os.Getenv("POSTGRES_USER"),
			Password: os.Getenv("POSTGRES_PASSWORD"),
			DBName:   os.Getenv("POSTGRES_DB"),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
			TimeZone: getEnv("POSTGRES_TIMEZONE", "UTC"),
		},
		RedisURL:             os.Getenv("REDIS_URL"),
		TaxRate:              taxRate,
		ShippingRate:         shippingRate,
		PromotionSNSTopicARN: os.Getenv("PROMOTION_SNS_TOPIC_ARN"),
		OrderSNSTopicARN:     os.Getenv("ORDER_SNS_TOPIC_ARN"),
	}

	// Override DB credentials from Secrets Manager when running on AWS
	if os.Getenv("AWS_USE_SECRETS") == "true" {
		if awsCfg, err := aws.LoadAWSConfig(context.Background()); err == nil {
			sm := aws.NewSecretsClient(awsCfg)

			if dbjson, err := sm.GetSecret(context.Background(), "checkout/DB_CREDENTIALS"); err == nil && dbjson != "" {
				var m map[string]string
				if err := json.Unmarshal([]byte(dbjson), &m); err == nil {
					if v := m["POSTGRES_USER"]; v != "" {
						cfg.Postgres.User = v
					}
					if v := m["POSTGRES_PASSWORD"]; v != "" {
						cfg.Postgres.Password = v
					}
					if v := m["POSTGRES_DB"]; v != "" {
						cfg.Postgres.DBName = v
					}
					if v := m["POSTGRES_HOST"]; v != "" {
						cfg.Postgres.Host = v
					}
					if v := m["POSTGRES_PORT"]; v != "" {
						cfg.Postgres.Port = v
					}
				}
			}
		}
	}

	if cfg.Postgres.User == "" || cfg.Postgres.Password == "" || cfg.Postgres.DBName == "" || cfg.Postgres.Host == "" {
		return nil, fmt.Errorf("database config incomplete")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
