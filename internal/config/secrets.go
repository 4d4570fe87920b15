package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// secretGetter is the subset of the Secrets Manager client used here.
type secretGetter interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// loadAWSSecrets exports the keys of the JSON secret named by
// AWS_SECRET_ID into the environment. It does nothing when the variable
// is unset.
func loadAWSSecrets(ctx context.Context) error {
	secretID := os.Getenv("AWS_SECRET_ID")
	if secretID == "" {
		return nil
	}

	var opts []func(*awsconfig.LoadOptions) error
	if region := os.Getenv("AWS_REGION"); region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("loading aws config: %w", err)
	}

	return applySecret(ctx, secretsmanager.NewFromConfig(awsCfg), secretID)
}

func applySecret(ctx context.Context, client secretGetter, secretID string) error {
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return fmt.Errorf("fetching secret %s: %w", secretID, err)
	}

	var payload []byte

	switch {
	case out.SecretString != nil:
		payload = []byte(*out.SecretString)
	case len(out.SecretBinary) > 0:
		payload = out.SecretBinary
	default:
		return fmt.Errorf("secret %s has no payload", secretID)
	}

	var kv map[string]any
	if err := json.Unmarshal(payload, &kv); err != nil {
		return fmt.Errorf("parsing secret %s as JSON: %w", secretID, err)
	}

	applied := 0

	for key, val := range kv {
		if _, set := os.LookupEnv(key); set {
			continue
		}

		if err := os.Setenv(key, fmt.Sprint(val)); err != nil {
			return fmt.Errorf("setting %s from secret: %w", key, err)
		}

		applied++
	}

	log.Printf("loaded %d variables from secret %s", applied, secretID)

	return nil
}
