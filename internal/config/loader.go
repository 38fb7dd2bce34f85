package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from YAML and environment variables.
// An empty path yields defaults plus environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	if err := overrideWithEnv(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func overrideWithEnv(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		if fieldVal.Kind() == reflect.Struct {
			if err := overrideWithEnv(fieldVal); err != nil {
				return err
			}
			continue
		}

		envKey := field.Tag.Get("env")
		if envKey == "" {
			continue
		}
		envValue, exists := os.LookupEnv(envKey)
		if !exists {
			continue
		}

		switch {
		case field.Type == durationType:
			d, err := time.ParseDuration(envValue)
			if err != nil {
				return fmt.Errorf("invalid duration in %s: %w", envKey, err)
			}
			fieldVal.SetInt(int64(d))
		case fieldVal.Kind() == reflect.String:
			fieldVal.SetString(envValue)
		case fieldVal.Kind() == reflect.Int, fieldVal.Kind() == reflect.Int64:
			n, err := strconv.ParseInt(envValue, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer in %s: %w", envKey, err)
			}
			fieldVal.SetInt(n)
		case fieldVal.Kind() == reflect.Bool:
			b, err := strconv.ParseBool(envValue)
			if err != nil {
				return fmt.Errorf("invalid boolean in %s: %w", envKey, err)
			}
			fieldVal.SetBool(b)
		case fieldVal.Kind() == reflect.Slice && field.Type.Elem().Kind() == reflect.String:
			parts := strings.Split(envValue, ",")
			out := make([]string, 0, len(parts))
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			fieldVal.Set(reflect.ValueOf(out))
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	c.Env = nonEmpty(c.Env, "development")
	c.Logger.Level = nonEmpty(c.Logger.Level, "info")
	c.Logger.Encoding = nonEmpty(c.Logger.Encoding, "json")

	c.Timeouts.KV = orDefaultDur(c.Timeouts.KV, time.Second)
	c.Timeouts.StoreFetch = orDefaultDur(c.Timeouts.StoreFetch, 3*time.Second)
	c.Timeouts.VisitIncrement = orDefaultDur(c.Timeouts.VisitIncrement, 2*time.Second)
	c.Timeouts.Auth = orDefaultDur(c.Timeouts.Auth, 2*time.Second)
	c.Timeouts.Enqueue = orDefaultDur(c.Timeouts.Enqueue, 5*time.Second)
	c.Timeouts.Push = orDefaultDur(c.Timeouts.Push, 10*time.Second)
	c.Timeouts.WebhookStore = orDefaultDur(c.Timeouts.WebhookStore, 3*time.Second)
	c.Timeouts.Shutdown = orDefaultDur(c.Timeouts.Shutdown, 15*time.Second)
	c.Background.DrainTimeout = orDefaultDur(c.Background.DrainTimeout, 10*time.Second)

	if len(c.ClientIP.TrustedProxyIPHeaders) == 0 {
		c.ClientIP.TrustedProxyIPHeaders = []string{"CF-Connecting-IP", "X-Forwarded-For"}
	}

	c.Router.Port = orDefaultInt(c.Router.Port, 8080)
	c.Router.CacheTTL = orDefaultDur(c.Router.CacheTTL, 24*time.Hour)
	c.Router.AdminAuth.CacheTTL = orDefaultDur(c.Router.AdminAuth.CacheTTL, 5*time.Minute)

	c.Producer.Port = orDefaultInt(c.Producer.Port, 8081)
	if len(c.Producer.AllowedOrigins) == 0 {
		c.Producer.AllowedOrigins = append([]string(nil), DefaultAllowedOrigins...)
	}
	c.Producer.MaxBodyBytes = orDefaultInt64(c.Producer.MaxBodyBytes, 1<<20)
	c.Producer.RateLimit.Max = orDefaultInt(c.Producer.RateLimit.Max, 100)
	c.Producer.RateLimit.Window = orDefaultDur(c.Producer.RateLimit.Window, time.Minute)
	c.Producer.Kafka.Topic = nonEmpty(c.Producer.Kafka.Topic, "tracking-events")
	c.Producer.Kafka.BatchTimeout = orDefaultDur(c.Producer.Kafka.BatchTimeout, 10*time.Millisecond)
	c.Producer.Kafka.WriteTimeout = orDefaultDur(c.Producer.Kafka.WriteTimeout, 5*time.Second)
	c.Producer.Kafka.DialTimeout = orDefaultDur(c.Producer.Kafka.DialTimeout, 5*time.Second)
	c.Producer.Push.TTLSeconds = orDefaultInt(c.Producer.Push.TTLSeconds, 60)
	if len(c.Producer.Push.PurchaseEvents) == 0 {
		c.Producer.Push.PurchaseEvents = []string{"purchase"}
	}
	c.Producer.Push.Title = nonEmpty(c.Producer.Push.Title, "Nova Venda")
	c.Producer.Push.URL = nonEmpty(c.Producer.Push.URL, "/dashboard")
	c.Producer.Push.Locale = nonEmpty(c.Producer.Push.Locale, "pt-BR")
	c.Producer.Push.Currency = nonEmpty(c.Producer.Push.Currency, "BRL")

	c.Webhook.Port = orDefaultInt(c.Webhook.Port, 8082)
	c.Webhook.IdempotencyBucket = orDefaultDur(c.Webhook.IdempotencyBucket, time.Minute)
	c.Webhook.MaxBodyBytes = orDefaultInt64(c.Webhook.MaxBodyBytes, 1<<20)
	c.Webhook.RateLimit.Max = orDefaultInt(c.Webhook.RateLimit.Max, 60)
	c.Webhook.RateLimit.Window = orDefaultDur(c.Webhook.RateLimit.Window, time.Minute)
	c.Webhook.RateLimit.Block = orDefaultDur(c.Webhook.RateLimit.Block, 15*time.Minute)
}

func nonEmpty(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func orDefaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultInt64(v, def int64) int64 {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultDur(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
