package config

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/ComUnity/edge-service/internal/util/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretsManagerClient defines a minimal interface for AWS Secrets Manager
type SecretsManagerClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerSource resolves "secretsmanager:<id>" references. A
// "<id>#<key>" reference picks one field of a JSON secret, so the edge apps
// can share a single bundle. Each secret id is fetched once.
type SecretsManagerSource struct {
	client SecretsManagerClient

	mu      sync.Mutex
	fetched map[string]string
}

func NewSecretsManagerSource(ctx context.Context) (*SecretsManagerSource, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSecretsManagerSourceWithClient(secretsmanager.NewFromConfig(cfg)), nil
}

func NewSecretsManagerSourceWithClient(client SecretsManagerClient) *SecretsManagerSource {
	return &SecretsManagerSource{client: client, fetched: make(map[string]string)}
}

func (s *SecretsManagerSource) Lookup(ctx context.Context, ref string) (string, error) {
	id, key, hasKey := strings.Cut(ref, "#")
	raw, err := s.secret(ctx, id)
	if err != nil {
		return "", err
	}
	if !hasKey {
		return raw, nil
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return "", fmt.Errorf("secret %s is not a JSON object, cannot select %q", id, key)
	}
	switch v := fields[key].(type) {
	case string:
		return v, nil
	case nil:
		return "", fmt.Errorf("secret %s has no key %q", id, key)
	default:
		return "", fmt.Errorf("secret %s key %q is not a string", id, key)
	}
}

func (s *SecretsManagerSource) secret(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.fetched[id]; ok {
		return v, nil
	}

	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(id),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", id, err)
	}
	var v string
	switch {
	case out.SecretString != nil:
		v = *out.SecretString
	case len(out.SecretBinary) > 0:
		v = string(out.SecretBinary)
	default:
		return "", fmt.Errorf("secret %s has no value", id)
	}

	logger.Debugf("resolved secret %s from secrets manager", id)
	s.fetched[id] = v
	return v, nil
}
