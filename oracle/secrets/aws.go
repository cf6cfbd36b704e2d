package secrets

import (
	"context"
	"errors"
	"fmt"

	errorsmod "cosmossdk.io/errors"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"

	"github.com/GPTx-global/inferd/oracle/types"
)

const tagApplication = "Application"

// AWS stores secrets in AWS Secrets Manager.
type AWS struct {
	client secretsmanageriface.SecretsManagerAPI
}

func NewAWS(region string) (*AWS, error) {
	if region == "" {
		return nil, fmt.Errorf("aws region is required")
	}

	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create aws session: %w", err)
	}

	return NewAWSWithClient(secretsmanager.New(sess)), nil
}

func NewAWSWithClient(client secretsmanageriface.SecretsManagerAPI) *AWS {
	return &AWS{client: client}
}

func (a *AWS) Get(ctx context.Context, key string) (string, error) {
	out, err := a.client.GetSecretValueWithContext(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(key),
	})
	if isNotFound(err) {
		return "", errorsmod.Wrap(types.ErrSecretNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", key, err)
	}
	return aws.StringValue(out.SecretString), nil
}

func (a *AWS) Put(ctx context.Context, key, value string) error {
	_, err := a.client.CreateSecretWithContext(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(key),
		SecretString: aws.String(value),
		Description:  aws.String("inferd worker mnemonic"),
		Tags: []*secretsmanager.Tag{
			{Key: aws.String(tagApplication), Value: aws.String("inferd")},
		},
	})
	if err == nil {
		return nil
	}

	var aerr awserr.Error
	if !errors.As(err, &aerr) || aerr.Code() != secretsmanager.ErrCodeResourceExistsException {
		return fmt.Errorf("failed to create secret %s: %w", key, err)
	}

	_, err = a.client.PutSecretValueWithContext(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(key),
		SecretString: aws.String(value),
	})
	if err != nil {
		return fmt.Errorf("failed to update secret %s: %w", key, err)
	}
	return nil
}

// Delete removes the secret immediately, without a recovery window.
func (a *AWS) Delete(ctx context.Context, key string) error {
	_, err := a.client.DeleteSecretWithContext(ctx, &secretsmanager.DeleteSecretInput{
		SecretId:                   aws.String(key),
		ForceDeleteWithoutRecovery: aws.Bool(true),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete secret %s: %w", key, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == secretsmanager.ErrCodeResourceNotFoundException
}
