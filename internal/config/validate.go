package config

import (
	"errors"
	"fmt"
)

// App names accepted by Validate.
const (
	AppRouter   = "router"
	AppProducer = "producer"
	AppWebhook  = "webhook"
)

// Validate checks the settings the given app cannot start without.
func (c *Config) Validate(app string) error {
	var errs []error
	switch app {
	case AppRouter:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("database_url is required"))
		}
		if c.RedisURL == "" {
			errs = append(errs, errors.New("redis_url is required"))
		}
		if c.Router.AdminAuth.JWTSecret == "" {
			errs = append(errs, errors.New("router.admin_auth.jwt_secret is required"))
		}
	case AppProducer:
		if c.Producer.GTMSecret == "" {
			errs = append(errs, errors.New("producer.gtm_secret is required"))
		}
		if len(c.Producer.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("producer.kafka.brokers is required"))
		}
		if c.Producer.Push.Enabled {
			if c.DatabaseURL == "" {
				errs = append(errs, errors.New("database_url is required when push is enabled"))
			}
			if c.Producer.Push.VAPIDPublicKey == "" || c.Producer.Push.VAPIDPrivateKey == "" {
				errs = append(errs, errors.New("producer.push VAPID keys are required when push is enabled"))
			}
		}
	case AppWebhook:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("database_url is required"))
		}
		if !c.Webhook.InsecureSkipVerify && c.Webhook.PublicKeyPEM == "" && c.Webhook.PublicKeyFile == "" {
			errs = append(errs, errors.New("webhook.public_key_pem or webhook.public_key_file is required"))
		}
	default:
		return fmt.Errorf("unknown app %q", app)
	}
	return errors.Join(errs...)
}
