package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "edge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigExpandsAndOverrides(t *testing.T) {
	t.Setenv("EDGE_TEST_REDIS", "redis://cache:6379/0")
	t.Setenv("GTM_SECRET", "from-env")
	t.Setenv("ALLOWED_ORIGINS", "example.com, shop.example.com")

	path := writeConfig(t, `
env: staging
redis_url: ${EDGE_TEST_REDIS}
producer:
  gtm_secret: from-file
  rate_limit:
    max: 5
    window: 30s
router:
  cache_ttl: 1h
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Env)
	assert.Equal(t, "redis://cache:6379/0", cfg.RedisURL)
	assert.Equal(t, "from-env", cfg.Producer.GTMSecret)
	assert.Equal(t, []string{"example.com", "shop.example.com"}, cfg.Producer.AllowedOrigins)
	assert.Equal(t, 5, cfg.Producer.RateLimit.Max)
	assert.Equal(t, 30*time.Second, cfg.Producer.RateLimit.Window)
	assert.Equal(t, time.Hour, cfg.Router.CacheTTL)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "env: test\n"))
	require.NoError(t, err)

	assert.Equal(t, 24*time.Hour, cfg.Router.CacheTTL)
	assert.Equal(t, 5*time.Minute, cfg.Router.AdminAuth.CacheTTL)
	assert.Equal(t, time.Second, cfg.Timeouts.KV)
	assert.Equal(t, 3*time.Second, cfg.Timeouts.StoreFetch)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.VisitIncrement)
	assert.Equal(t, 60, cfg.Webhook.RateLimit.Max)
	assert.Equal(t, 15*time.Minute, cfg.Webhook.RateLimit.Block)
	assert.Equal(t, time.Minute, cfg.Webhook.IdempotencyBucket)
	assert.Equal(t, int64(1<<20), cfg.Webhook.MaxBodyBytes)
	assert.Equal(t, []string{"purchase"}, cfg.Producer.Push.PurchaseEvents)
	assert.Equal(t, "Nova Venda", cfg.Producer.Push.Title)
	assert.Contains(t, cfg.Producer.AllowedOrigins, "douravita.com.br")
	assert.Equal(t, []string{"CF-Connecting-IP", "X-Forwarded-For"}, cfg.ClientIP.TrustedProxyIPHeaders)
}

func TestLoadConfigRejectsBadEnvValue(t *testing.T) {
	t.Setenv("PUSH_ENABLED", "maybe")
	_, err := LoadConfig(writeConfig(t, "env: test\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PUSH_ENABLED")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

type fakeSecretsManager struct {
	values map[string]string
	binary map[string][]byte
	calls  int
}

func (f *fakeSecretsManager) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls++
	id := aws.ToString(in.SecretId)
	if b, ok := f.binary[id]; ok {
		return &secretsmanager.GetSecretValueOutput{SecretBinary: b}, nil
	}
	v, ok := f.values[id]
	if !ok {
		return nil, errors.New("ResourceNotFoundException")
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

type fakeSSM struct {
	values map[string]string
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	v, ok := f.values[aws.ToString(in.Name)]
	if !ok {
		return nil, errors.New("ParameterNotFound")
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Value: aws.String(v)}}, nil
}

func TestResolveSecrets(t *testing.T) {
	cfg := &Config{
		DatabaseURL: "secretsmanager:edge/database",
		Producer: ProducerConfig{
			GTMSecret: "ssm:/edge/gtm-secret",
			Push:      PushConfig{VAPIDPrivateKey: "ssm:/edge/vapid"},
		},
		Router: RouterConfig{AdminAuth: AdminAuthConfig{JWTSecret: "plain"}},
	}

	sm, ps := SecretReferences(cfg)
	assert.True(t, sm)
	assert.True(t, ps)

	err := ResolveSecrets(context.Background(), cfg, SecretSources{
		SecretsManager: NewSecretsManagerSourceWithClient(&fakeSecretsManager{values: map[string]string{
			"edge/database": "postgres://db/edge",
		}}),
		SSM: NewSSMSourceWithClient(&fakeSSM{values: map[string]string{
			"/edge/gtm-secret": "s3cret",
			"/edge/vapid":      "vapid-private",
		}}),
	})
	require.NoError(t, err)

	assert.Equal(t, "postgres://db/edge", cfg.DatabaseURL)
	assert.Equal(t, "s3cret", cfg.Producer.GTMSecret)
	assert.Equal(t, "vapid-private", cfg.Producer.Push.VAPIDPrivateKey)
	assert.Equal(t, "plain", cfg.Router.AdminAuth.JWTSecret)
}

func TestSecretsManagerJSONKeys(t *testing.T) {
	sm := &fakeSecretsManager{
		values: map[string]string{"edge/bundle": `{"gtm_secret":"s3cret","admin_jwt":"jwt-key","port":8080}`},
		binary: map[string][]byte{"edge/webhook-pem": []byte("-----BEGIN PUBLIC KEY-----")},
	}
	cfg := &Config{
		Producer: ProducerConfig{GTMSecret: "secretsmanager:edge/bundle#gtm_secret"},
		Router:   RouterConfig{AdminAuth: AdminAuthConfig{JWTSecret: "secretsmanager:edge/bundle#admin_jwt"}},
		Webhook:  WebhookConfig{PublicKeyPEM: "secretsmanager:edge/webhook-pem"},
	}

	require.NoError(t, ResolveSecrets(context.Background(), cfg, SecretSources{
		SecretsManager: NewSecretsManagerSourceWithClient(sm),
	}))
	assert.Equal(t, "s3cret", cfg.Producer.GTMSecret)
	assert.Equal(t, "jwt-key", cfg.Router.AdminAuth.JWTSecret)
	assert.Equal(t, "-----BEGIN PUBLIC KEY-----", cfg.Webhook.PublicKeyPEM)
	assert.Equal(t, 2, sm.calls, "the bundle is fetched once")

	src := NewSecretsManagerSourceWithClient(sm)
	_, err := src.Lookup(context.Background(), "edge/bundle#missing")
	assert.ErrorContains(t, err, `no key "missing"`)
	_, err = src.Lookup(context.Background(), "edge/bundle#port")
	assert.ErrorContains(t, err, "not a string")
	_, err = src.Lookup(context.Background(), "edge/webhook-pem#key")
	assert.ErrorContains(t, err, "not a JSON object")
}

func TestResolveSecretsWithoutLoader(t *testing.T) {
	cfg := &Config{Producer: ProducerConfig{GTMSecret: "ssm:/edge/gtm-secret"}}
	err := ResolveSecrets(context.Background(), cfg, SecretSources{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gtm_secret")
}

func TestValidate(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Error(t, cfg.Validate(AppRouter))
	assert.Error(t, cfg.Validate(AppProducer))
	assert.Error(t, cfg.Validate(AppWebhook))
	assert.Error(t, cfg.Validate("dashboard"))

	cfg.DatabaseURL = "postgres://localhost/edge"
	cfg.RedisURL = "redis://localhost:6379"
	cfg.Router.AdminAuth.JWTSecret = "secret"
	cfg.Producer.GTMSecret = "gtm"
	cfg.Producer.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Webhook.PublicKeyFile = "/etc/edge/webhook.pem"

	assert.NoError(t, cfg.Validate(AppRouter))
	assert.NoError(t, cfg.Validate(AppProducer))
	assert.NoError(t, cfg.Validate(AppWebhook))
}
