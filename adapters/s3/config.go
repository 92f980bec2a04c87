package s3

import (
	"fmt"
	"strings"
	"time"

	"github.com/gostratum/overlayx"
)

// Config holds the S3 storage configuration
type Config struct {
	// Bucket is the storage bucket name
	Bucket string `mapstructure:"bucket" yaml:"bucket" validate:"required"`

	// KeyPrefix is prepended to every object key (e.g. "platform/prod")
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`

	// Region is the AWS region (e.g., "us-west-2")
	Region string `mapstructure:"region" yaml:"region" default:"us-east-1"`

	// Endpoint is the custom endpoint URL (for MinIO, etc.)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// UsePathStyle forces path-style addressing (true for MinIO)
	UsePathStyle bool `mapstructure:"use_path_style" yaml:"use_path_style" default:"false"`

	// AccessKey is the access key ID
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`

	// SecretKey is the secret access key
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`

	// SessionToken is the temporary session token (optional)
	SessionToken string `mapstructure:"session_token" yaml:"session_token"`

	// UseSDKDefaults lets the AWS SDK default credential chain (env, shared
	// config, instance profile) be used when explicit credentials are not
	// provided
	UseSDKDefaults bool `mapstructure:"use_sdk_defaults" yaml:"use_sdk_defaults" default:"false"`

	// RoleARN optionally specifies a role to assume via STS
	RoleARN string `mapstructure:"role_arn" yaml:"role_arn"`

	// ExternalID is passed to STS AssumeRole when RoleARN is used
	ExternalID string `mapstructure:"external_id" yaml:"external_id"`

	// AssumeRoleValidateCredentials resolves the source credentials at
	// startup before assuming RoleARN
	AssumeRoleValidateCredentials bool `mapstructure:"assume_role_validate_credentials" yaml:"assume_role_validate_credentials" default:"false"`

	// Profile selects a shared credentials/profile name
	Profile string `mapstructure:"profile" yaml:"profile"`

	// RequestTimeout is the timeout for individual requests
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout" default:"30s"`

	// MaxRetries is the maximum number of retry attempts
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries" default:"3"`

	// BackoffInitial is the initial backoff delay
	BackoffInitial time.Duration `mapstructure:"backoff_initial" yaml:"backoff_initial" default:"200ms"`

	// BackoffMax is the maximum backoff delay
	BackoffMax time.Duration `mapstructure:"backoff_max" yaml:"backoff_max" default:"5s"`

	// DisableSSL disables SSL for connections (development only)
	DisableSSL bool `mapstructure:"disable_ssl" yaml:"disable_ssl" default:"false"`

	// Mutable allows writes
	Mutable bool `mapstructure:"mutable" yaml:"mutable" default:"true"`

	// CreateBucket creates the bucket at startup when missing
	CreateBucket bool `mapstructure:"create_bucket" yaml:"create_bucket" default:"false"`
}

// GetEndpointURL returns the full endpoint URL
func (c *Config) GetEndpointURL() string {
	if c.Endpoint == "" {
		return ""
	}

	if strings.HasPrefix(c.Endpoint, "http://") || strings.HasPrefix(c.Endpoint, "https://") {
		return c.Endpoint
	}

	scheme := "https"
	if c.DisableSSL {
		scheme = "http"
	}

	return fmt.Sprintf("%s://%s", scheme, c.Endpoint)
}

// Validate performs the checks struct tags cannot express
func (c *Config) Validate() error {
	var errs []string

	if err := validateBucketName(c.Bucket); err != nil {
		errs = append(errs, fmt.Sprintf("invalid bucket name: %v", err))
	}

	if c.Region == "" && c.Endpoint == "" {
		errs = append(errs, "region is required when endpoint is not specified (AWS mode)")
	}

	if (c.AccessKey == "") != (c.SecretKey == "") {
		errs = append(errs, "both access_key and secret_key must be set together; do not provide only one")
	}

	// Custom endpoints rarely offer STS or an instance profile
	if c.AccessKey == "" && c.Endpoint != "" && c.RoleARN == "" && c.Profile == "" && !c.UseSDKDefaults {
		errs = append(errs, "credentials required for custom endpoint: provide access_key+secret_key, profile or enable use_sdk_defaults")
	}

	if c.RequestTimeout <= 0 {
		errs = append(errs, "request_timeout must be positive")
	}
	if c.RequestTimeout > 10*time.Minute {
		errs = append(errs, "request_timeout should not exceed 10 minutes")
	}

	if c.MaxRetries < 0 {
		errs = append(errs, "max_retries cannot be negative")
	}
	if c.MaxRetries > 10 {
		errs = append(errs, "max_retries should not exceed 10")
	}

	if c.BackoffInitial <= 0 {
		errs = append(errs, "backoff_initial must be positive")
	}
	if c.BackoffMax <= c.BackoffInitial {
		errs = append(errs, "backoff_max must be greater than backoff_initial")
	}

	if c.Endpoint != "" {
		if err := validateEndpoint(c.Endpoint); err != nil {
			errs = append(errs, fmt.Sprintf("invalid endpoint: %v", err))
		}
	}

	if c.KeyPrefix != "" {
		if _, err := overlayx.ParseStoragePath(strings.Trim(c.KeyPrefix, "/")); err != nil {
			errs = append(errs, fmt.Sprintf("invalid key_prefix: %v", err))
		}
	}

	if c.RoleARN != "" && !isPlausibleRoleARN(c.RoleARN) {
		errs = append(errs, "role_arn looks invalid: must be a valid IAM role ARN (e.g., arn:aws:iam::123456789012:role/RoleName)")
	}

	if len(errs) > 0 {
		return &overlayx.ValidationError{
			Field:   "s3",
			Message: strings.Join(errs, "; "),
		}
	}
	return nil
}

// isPlausibleRoleARN performs a light-weight validation of an IAM role ARN
func isPlausibleRoleARN(arn string) bool {
	// Expected form: arn:partition:service:region:account-id:resource
	parts := strings.SplitN(arn, ":", 6)
	if len(parts) != 6 || parts[0] != "arn" || parts[2] != "iam" {
		return false
	}
	if !isNumeric(parts[4]) {
		return false
	}
	return strings.HasPrefix(parts[5], "role/")
}

// validateBucketName validates S3 bucket naming rules
func validateBucketName(bucket string) error {
	if len(bucket) < 3 || len(bucket) > 63 {
		return fmt.Errorf("bucket name must be between 3 and 63 characters")
	}

	if strings.HasPrefix(bucket, "-") || strings.HasSuffix(bucket, "-") {
		return fmt.Errorf("bucket name cannot start or end with a hyphen")
	}

	if strings.HasPrefix(bucket, ".") || strings.HasSuffix(bucket, ".") {
		return fmt.Errorf("bucket name cannot start or end with a period")
	}

	if strings.Contains(bucket, "..") || strings.Contains(bucket, "--") {
		return fmt.Errorf("bucket name cannot contain consecutive periods or hyphens")
	}

	for _, char := range bucket {
		if !isValidBucketChar(char) {
			return fmt.Errorf("bucket name contains invalid character: %c", char)
		}
	}

	parts := strings.Split(bucket, ".")
	if len(parts) == 4 {
		allNumeric := true
		for _, part := range parts {
			if !isNumeric(part) {
				allNumeric = false
				break
			}
		}
		if allNumeric {
			return fmt.Errorf("bucket name cannot be formatted as an IP address")
		}
	}

	return nil
}

func isValidBucketChar(char rune) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= '0' && char <= '9') ||
		char == '-' || char == '.'
}

func isNumeric(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, char := range s {
		if char < '0' || char > '9' {
			return false
		}
	}
	return true
}

// validateEndpoint validates the endpoint URL format
func validateEndpoint(endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return nil
	}

	if strings.Contains(endpoint, "://") {
		return fmt.Errorf("endpoint protocol must be http or https")
	}

	if strings.Contains(endpoint, " ") {
		return fmt.Errorf("endpoint cannot contain spaces")
	}

	return nil
}
