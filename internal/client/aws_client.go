package client

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"otp-service/internal/config"
	"otp-service/internal/util"
)

// NewKMSClient creates a KMS client for envelope encryption key operations.
func NewKMSClient(ctx context.Context, cfg *config.Config) (*kms.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.KMS.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	util.Info("KMS client initialized",
		zap.String("region", cfg.KMS.Region),
		zap.String("key_id", cfg.KMS.KeyID))

	return kms.NewFromConfig(awsCfg), nil
}

// NewSNSClient creates an SNS client for SMS delivery.
func NewSNSClient(ctx context.Context, cfg *config.Config) (*sns.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.SMS.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	util.Info("SNS client initialized", zap.String("region", cfg.SMS.Region))

	return sns.NewFromConfig(awsCfg), nil
}
