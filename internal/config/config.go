package config

import "time"

type Config struct {
	Env         string `yaml:"env" env:"APP_ENV"`
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`
	RedisURL    string `yaml:"redis_url" env:"REDIS_URL"`

	Logger     LoggerConfig     `yaml:"logger"`
	Timeouts   TimeoutConfig    `yaml:"timeouts"`
	Background BackgroundConfig `yaml:"background"`
	ClientIP   ClientIPConfig   `yaml:"client_ip"`

	Router   RouterConfig   `yaml:"router"`
	Producer ProducerConfig `yaml:"producer"`
	Webhook  WebhookConfig  `yaml:"webhook"`
}

type LoggerConfig struct {
	Level    string `yaml:"level" env:"LOG_LEVEL"`
	Encoding string `yaml:"encoding" env:"LOG_ENCODING"`
	Output   string `yaml:"output"`
}

// TimeoutConfig bounds every suspension point. A timeout is handled like
// an explicit upstream error on the same path.
type TimeoutConfig struct {
	KV             time.Duration `yaml:"kv"`
	StoreFetch     time.Duration `yaml:"store_fetch"`
	VisitIncrement time.Duration `yaml:"visit_increment"`
	Auth           time.Duration `yaml:"auth"`
	Enqueue        time.Duration `yaml:"enqueue"`
	Push           time.Duration `yaml:"push"`
	WebhookStore   time.Duration `yaml:"webhook_store"`
	Shutdown       time.Duration `yaml:"shutdown"`
}

type BackgroundConfig struct {
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

type ClientIPConfig struct {
	TrustedProxyIPHeaders []string `yaml:"trusted_proxy_ip_headers"`
	TrustedProxyCIDRs     []string `yaml:"trusted_proxy_cidrs" env:"TRUSTED_PROXY_CIDRS"`
}

type RateLimitConfig struct {
	Max    int           `yaml:"max"`
	Window time.Duration `yaml:"window"`
	Block  time.Duration `yaml:"block"`
}

type RouterConfig struct {
	Port      int             `yaml:"port" env:"ROUTER_PORT"`
	CacheTTL  time.Duration   `yaml:"cache_ttl"`
	AdminAuth AdminAuthConfig `yaml:"admin_auth"`
}

type AdminAuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" env:"ADMIN_JWT_SECRET"`
	Issuer    string        `yaml:"issuer" env:"ADMIN_JWT_ISSUER"`
	Audience  string        `yaml:"audience"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

type ProducerConfig struct {
	Port           int             `yaml:"port" env:"PRODUCER_PORT"`
	AllowedOrigins []string        `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
	GTMSecret      string          `yaml:"gtm_secret" env:"GTM_SECRET"`
	MaxBodyBytes   int64           `yaml:"max_body_bytes"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	Kafka          KafkaConfig     `yaml:"kafka"`
	Push           PushConfig      `yaml:"push"`
}

type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers" env:"KAFKA_BROKERS"`
	Topic        string        `yaml:"topic" env:"KAFKA_TOPIC"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
}

type PushConfig struct {
	Enabled         bool     `yaml:"enabled" env:"PUSH_ENABLED"`
	VAPIDPublicKey  string   `yaml:"vapid_public_key" env:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string   `yaml:"vapid_private_key" env:"VAPID_PRIVATE_KEY"`
	Subject         string   `yaml:"subject" env:"VAPID_SUBJECT"`
	TTLSeconds      int      `yaml:"ttl_seconds"`
	PurchaseEvents  []string `yaml:"purchase_events"`
	Title           string   `yaml:"title"`
	URL             string   `yaml:"url"`
	Locale          string   `yaml:"locale"`
	Currency        string   `yaml:"currency"`
}

type WebhookConfig struct {
	Port               int             `yaml:"port" env:"WEBHOOK_PORT"`
	PublicKeyPEM       string          `yaml:"public_key_pem" env:"WEBHOOK_PUBLIC_KEY"`
	PublicKeyFile      string          `yaml:"public_key_file" env:"WEBHOOK_PUBLIC_KEY_FILE"`
	InsecureSkipVerify bool            `yaml:"insecure_skip_verify" env:"WEBHOOK_INSECURE_SKIP_VERIFY"`
	IdempotencyBucket  time.Duration   `yaml:"idempotency_bucket"`
	MaxBodyBytes       int64           `yaml:"max_body_bytes"`
	RateLimit          RateLimitConfig `yaml:"rate_limit"`
}

// DefaultAllowedOrigins are the hostnames the tracking pixel is served from.
var DefaultAllowedOrigins = []string{
	"douravita.com.br",
	"lovable.app",
	"lovableproject.com",
	"localhost",
}
