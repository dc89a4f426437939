package cfg

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/pkg/errors"
)

// AWSConfig loads the shared SDK configuration for the DynamoDB and S3 clients.
func (c *Cfg) AWSConfig(ctx context.Context) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if c.AWSRegion != "" {
		opts = append(opts, config.WithRegion(c.AWSRegion))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, errors.Wrap(err, "load aws config")
	}
	if c.AWSEndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(c.AWSEndpointURL)
	}
	return awsCfg, nil
}
