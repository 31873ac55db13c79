package sqsio

import (
	"errors"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/multierr"
)

// AWSConfig holds what NewService needs to build an SQS client with static
// credentials.
type AWSConfig struct {
	Region          string `envconfig:"REGION"`
	AccessKeyID     string `envconfig:"ACCESS_KEY_ID"`
	SecretAccessKey string `envconfig:"SECRET_ACCESS_KEY"`
	SessionToken    string `envconfig:"SESSION_TOKEN"`

	// Endpoint overrides the service endpoint, e.g. for a local SQS.
	Endpoint string `envconfig:"ENDPOINT"`
}

// NewService builds an SQS client from cfg.
func NewService(cfg AWSConfig) (*sqs.SQS, error) {
	var err error
	if cfg.Region == "" {
		err = multierr.Append(err, errors.New("region required"))
	}
	if cfg.AccessKeyID == "" {
		err = multierr.Append(err, errors.New("accessKeyId required"))
	}
	if cfg.SecretAccessKey == "" {
		err = multierr.Append(err, errors.New("secretAccessKey required"))
	}
	if err != nil {
		return nil, errorf(multierr.Append(ErrInvalidConfig, err), "invalid aws config")
	}

	awsCfg := aws.NewConfig().
		WithRegion(cfg.Region).
		WithCredentials(credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken))
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, errorf(err, "could not create aws session")
	}
	return sqs.New(sess), nil
}

// AWSConfigFromEnv loads an AWSConfig from <prefix>_REGION,
// <prefix>_ACCESS_KEY_ID and so on.
func AWSConfigFromEnv(prefix string) (AWSConfig, error) {
	var cfg AWSConfig
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return cfg, errorf(err, "could not load aws config from environment")
	}
	return cfg, nil
}
