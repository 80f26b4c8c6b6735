package aws

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
)

// Environment variables the adapter reads. The endpoint override points
// the adapter at a compatible private cloud or a local stub.
const (
	EnvAccessKeyID     = "AWS_ACCESS_KEY_ID"
	EnvSecretAccessKey = "AWS_SECRET_ACCESS_KEY"
	EnvEndpointURL     = "AWS_ENDPOINT_URL"
)

// Client implements cloud.API over EC2. Region-scoped SDK clients are
// built lazily and cached; the cache is safe for concurrent use.
type Client struct {
	cfg      aws.Config
	endpoint string

	mu      sync.Mutex
	clients map[string]*ec2.Client
}

// NewClient loads credentials and builds the adapter. Static env
// credentials take precedence; otherwise the default SDK chain applies.
func NewClient(ctx context.Context) (*Client, error) {
	var opts []func(*awsconfig.LoadOptions) error

	keyID := os.Getenv(EnvAccessKeyID)
	secret := os.Getenv(EnvSecretAccessKey)
	if keyID != "" && secret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(keyID, secret, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &Client{
		cfg:      cfg,
		endpoint: os.Getenv(EnvEndpointURL),
		clients:  make(map[string]*ec2.Client),
	}, nil
}

// Provider returns the provider name recorded in host specs
func (c *Client) Provider() string {
	return "aws"
}

// ec2For returns the cached EC2 client for a region
func (c *Client) ec2For(region string) *ec2.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[region]; ok {
		return client
	}

	client := ec2.NewFromConfig(c.cfg, func(o *ec2.Options) {
		o.Region = region
		if c.endpoint != "" {
			o.BaseEndpoint = &c.endpoint
		}
	})
	c.clients[region] = client
	return client
}
