package backplane

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// AWSConfig holds optional overrides for AWS client construction. Empty
// fields inherit the shell's AWS setup (AWS_PROFILE, shared config, env, IMDS).
type AWSConfig struct {
	Profile string
	Region  string
	// Endpoint points the client at an S3-compatible service and switches to
	// path-style addressing.
	Endpoint string
}

// NewS3Client loads AWS SDK v2 config and builds an S3 client from it.
func NewS3Client(ctx context.Context, c AWSConfig) (*s3.Client, error) {
	var loadOpts []func(*config.LoadOptions) error
	if c.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(c.Profile))
	}
	if c.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(c.Region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	var optFns []func(*s3.Options)
	if c.Endpoint != "" {
		optFns = append(optFns, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(c.Endpoint)
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(cfg, optFns...), nil
}
