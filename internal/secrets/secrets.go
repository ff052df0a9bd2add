// Package secrets resolves sensitive configuration values such as the
// submitter signing key and database credentials.
//
// References are plain strings with an optional scheme prefix:
//
//	aws:<secret-id>   AWS Secrets Manager
//	env:<var>         environment variable
//	file:<path>       file contents
//	<anything else>   the literal value itself
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

type awsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSProvider struct {
	client awsClient
}

func NewAWS(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return NewAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSWithClient(client awsClient) (*AWSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{client: client}, nil
}

func (p *AWSProvider) Get(ctx context.Context, key string) (string, error) {
	if p == nil || p.client == nil {
		return "", fmt.Errorf("%w: nil aws provider", ErrInvalidConfig)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty secret key", ErrInvalidConfig)
	}
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &key,
	})
	if err != nil {
		return "", fmt.Errorf("secrets: get secret %q: %w", key, err)
	}
	if out.SecretString != nil && strings.TrimSpace(*out.SecretString) != "" {
		return strings.TrimSpace(*out.SecretString), nil
	}
	if len(out.SecretBinary) > 0 {
		return string(out.SecretBinary), nil
	}
	return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, key)
}

type EnvProvider struct{}

func NewEnv() *EnvProvider {
	return &EnvProvider{}
}

func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	if p == nil {
		return "", fmt.Errorf("%w: nil env provider", ErrInvalidConfig)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty env key", ErrInvalidConfig)
	}
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, key)
	}
	return v, nil
}

// Resolver dereferences scheme-prefixed secret references. The aws provider
// is optional; aws: refs fail with ErrInvalidConfig when it is absent, so
// deployments without AWS credentials can still run on env/file refs.
type Resolver struct {
	aws Provider
	env Provider
}

func NewResolver(aws Provider) *Resolver {
	return &Resolver{aws: aws, env: NewEnv()}
}

func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	if r == nil {
		return "", fmt.Errorf("%w: nil resolver", ErrInvalidConfig)
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty secret ref", ErrInvalidConfig)
	}

	switch {
	case strings.HasPrefix(ref, "aws:"):
		if r.aws == nil {
			return "", fmt.Errorf("%w: aws ref %q but no aws provider configured", ErrInvalidConfig, ref)
		}
		return r.aws.Get(ctx, strings.TrimPrefix(ref, "aws:"))
	case strings.HasPrefix(ref, "env:"):
		return r.env.Get(ctx, strings.TrimPrefix(ref, "env:"))
	case strings.HasPrefix(ref, "file:"):
		path := strings.TrimSpace(strings.TrimPrefix(ref, "file:"))
		if path == "" {
			return "", fmt.Errorf("%w: empty file path", ErrInvalidConfig)
		}
		b, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return "", fmt.Errorf("%w: file %s", ErrNotFound, path)
			}
			return "", fmt.Errorf("secrets: read %s: %w", path, err)
		}
		v := strings.TrimSpace(string(b))
		if v == "" {
			return "", fmt.Errorf("%w: file %s is empty", ErrNotFound, path)
		}
		return v, nil
	default:
		return ref, nil
	}
}
