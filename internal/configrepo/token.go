package configrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// TokenEnv overrides every other token source when set.
const TokenEnv = "GITHUB_TOKEN"

// ErrNoToken is returned when no token source yields a value.
var ErrNoToken = errors.New("configrepo: no repository token available")

// SecretsAPI is the Secrets Manager read the token lookup needs.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// NewSecretsClient returns a Secrets Manager client for region using the
// default AWS credential chain.
func NewSecretsClient(ctx context.Context, region string) (*secretsmanager.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

// SecretsManagerToken reads a JSON secret and returns the string under key.
func SecretsManagerToken(ctx context.Context, api SecretsAPI, secretID, key string) (string, error) {
	out, err := api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", secretID, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", secretID)
	}

	var fields map[string]string
	if err := json.Unmarshal([]byte(*out.SecretString), &fields); err != nil {
		return "", fmt.Errorf("secret %s is not a JSON object: %w", secretID, err)
	}
	token := fields[key]
	if token == "" {
		return "", fmt.Errorf("%w: secret %s has no %q field", ErrNoToken, secretID, key)
	}
	return token, nil
}

// ResolveToken returns $GITHUB_TOKEN if set, otherwise reads the secret.
// api may be nil when no secret is configured.
func ResolveToken(ctx context.Context, api SecretsAPI, secretID, key string) (string, error) {
	if token := os.Getenv(TokenEnv); token != "" {
		return token, nil
	}
	if api == nil || secretID == "" {
		return "", ErrNoToken
	}
	return SecretsManagerToken(ctx, api, secretID, key)
}
