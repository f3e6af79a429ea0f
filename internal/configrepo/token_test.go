package configrepo

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type fakeSecrets struct {
	value  *string
	err    error
	lastID string
}

func (f *fakeSecrets) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.lastID = aws.ToString(params.SecretId)
	if f.err != nil {
		return nil, f.err
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: f.value}, nil
}

func TestSecretsManagerToken(t *testing.T) {
	const secretID = "RESPONS/DISHDevEx/openverso-charts/rw"

	tests := []struct {
		name    string
		secrets *fakeSecrets
		want    string
		wantErr bool
	}{
		{name: "token present", secrets: &fakeSecrets{value: aws.String(`{"token":"ghp_abc"}`)}, want: "ghp_abc"},
		{name: "key missing", secrets: &fakeSecrets{value: aws.String(`{"other":"x"}`)}, wantErr: true},
		{name: "not json", secrets: &fakeSecrets{value: aws.String("ghp_abc")}, wantErr: true},
		{name: "binary secret", secrets: &fakeSecrets{}, wantErr: true},
		{name: "api error", secrets: &fakeSecrets{err: errors.New("AccessDeniedException")}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SecretsManagerToken(context.Background(), tt.secrets, secretID, "token")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("token = %q, want %q", got, tt.want)
			}
			if tt.secrets.lastID != secretID {
				t.Errorf("secret id = %q", tt.secrets.lastID)
			}
		})
	}
}

func TestResolveToken(t *testing.T) {
	secrets := &fakeSecrets{value: aws.String(`{"token":"from-secret"}`)}

	t.Setenv(TokenEnv, "from-env")
	if got, err := ResolveToken(context.Background(), secrets, "id", "token"); err != nil || got != "from-env" {
		t.Errorf("env override: got %q, %v", got, err)
	}

	t.Setenv(TokenEnv, "")
	if got, err := ResolveToken(context.Background(), secrets, "id", "token"); err != nil || got != "from-secret" {
		t.Errorf("secret fallback: got %q, %v", got, err)
	}
	if _, err := ResolveToken(context.Background(), nil, "", "token"); !errors.Is(err, ErrNoToken) {
		t.Errorf("expected ErrNoToken, got %v", err)
	}
}
