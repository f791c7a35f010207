// Package sandbox builds AWS SDK clients pointed at a local cloud emulator
// and probes the emulator for readiness before any terraform work starts.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Default connection settings for a stock LocalStack container.
const (
	DefaultEndpoint  = "http://localhost:4566"
	DefaultRegion    = "us-east-1"
	DefaultAccessKey = "test"
	DefaultSecretKey = "test"
)

// Sandbox holds service clients bound to one emulator endpoint.
type Sandbox struct {
	Endpoint string
	Region   string

	EC2 *ec2.Client
	S3  *s3.Client
	IAM *iam.Client

	httpClient *http.Client
}

// Options configures a Sandbox. Zero values fall back to the LocalStack defaults.
type Options struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// New builds service clients against the emulator endpoint using static credentials.
func New(ctx context.Context, opts Options) (*Sandbox, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = fmt.Sprintf("http://%s", endpoint)
	}

	region := opts.Region
	if region == "" {
		region = DefaultRegion
	}
	accessKey := opts.AccessKey
	if accessKey == "" {
		accessKey = DefaultAccessKey
	}
	secretKey := opts.SecretKey
	if secretKey == "" {
		secretKey = DefaultSecretKey
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}

	cfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		awsconfig.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &Sandbox{
		Endpoint: endpoint,
		Region:   region,
		EC2: ec2.NewFromConfig(cfg, func(o *ec2.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		}),
		S3: s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.UsePathStyle = true
			o.BaseEndpoint = aws.String(endpoint)
		}),
		IAM: iam.NewFromConfig(cfg, func(o *iam.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		}),
		httpClient: httpClient,
	}, nil
}

// Health probes the emulator's health endpoint and reports an error when the
// emulator is unreachable or reports no running services.
func (s *Sandbox) Health(ctx context.Context) error {
	if s == nil {
		return errors.New("nil sandbox")
	}

	url := strings.TrimSuffix(s.Endpoint, "/") + "/_localstack/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("emulator unreachable at %s: %w", s.Endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("emulator health check returned %d", resp.StatusCode)
	}

	var body struct {
		Services map[string]string `json:"services"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}
	if len(body.Services) == 0 {
		return errors.New("emulator reports no services")
	}

	return nil
}
