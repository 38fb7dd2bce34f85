package config

import (
	"context"
	"fmt"
	"sync"

	"github.com/ComUnity/edge-service/internal/util/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// SSMParameterStoreClient defines an interface for AWS SSM client
type SSMParameterStoreClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMSource resolves "ssm:<name>" references. SecureString parameters are
// decrypted; "<name>:<version>" pins a version.
type SSMSource struct {
	client SSMParameterStoreClient

	mu      sync.Mutex
	fetched map[string]string
}

func NewSSMSource(ctx context.Context) (*SSMSource, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSSMSourceWithClient(ssm.NewFromConfig(cfg)), nil
}

func NewSSMSourceWithClient(client SSMParameterStoreClient) *SSMSource {
	return &SSMSource{client: client, fetched: make(map[string]string)}
}

func (s *SSMSource) Lookup(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.fetched[name]; ok {
		return v, nil
	}

	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get parameter %s: %w", name, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s has no value", name)
	}

	logger.Debugf("resolved parameter %s from SSM", name)
	s.fetched[name] = *out.Parameter.Value
	return *out.Parameter.Value, nil
}
