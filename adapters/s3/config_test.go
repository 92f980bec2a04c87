package s3

import (
	"testing"
	"time"

	"github.com/creasty/defaults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gostratum/overlayx"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{}
	require.NoError(t, defaults.Set(cfg))
	cfg.Bucket = "platform-data"
	cfg.AccessKey = "A"
	cfg.SecretKey = "B"
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "short bucket", mutate: func(c *Config) { c.Bucket = "ab" }, wantErr: "between 3 and 63"},
		{name: "uppercase bucket", mutate: func(c *Config) { c.Bucket = "Platform" }, wantErr: "invalid character"},
		{name: "ip bucket", mutate: func(c *Config) { c.Bucket = "10.0.0.1" }, wantErr: "IP address"},
		{name: "half credentials", mutate: func(c *Config) { c.SecretKey = "" }, wantErr: "set together"},
		{
			name: "custom endpoint without credentials",
			mutate: func(c *Config) {
				c.AccessKey, c.SecretKey = "", ""
				c.Endpoint = "localhost:9000"
			},
			wantErr: "credentials required",
		},
		{name: "bad endpoint scheme", mutate: func(c *Config) { c.Endpoint = "ftp://minio" }, wantErr: "http or https"},
		{name: "zero timeout", mutate: func(c *Config) { c.RequestTimeout = 0 }, wantErr: "request_timeout"},
		{name: "too many retries", mutate: func(c *Config) { c.MaxRetries = 11 }, wantErr: "max_retries"},
		{name: "backoff order", mutate: func(c *Config) { c.BackoffMax = c.BackoffInitial }, wantErr: "backoff_max"},
		{name: "key prefix escape", mutate: func(c *Config) { c.KeyPrefix = "../other" }, wantErr: "key_prefix"},
		{name: "key prefix slashes", mutate: func(c *Config) { c.KeyPrefix = "/tenants/acme/" }},
		{name: "bad role arn", mutate: func(c *Config) { c.RoleARN = "arn:aws:s3:::bucket" }, wantErr: "role_arn"},
		{name: "good role arn", mutate: func(c *Config) { c.RoleARN = "arn:aws:iam::123456789012:role/Reader" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.ErrorIs(t, err, overlayx.ErrInvalidConfig)
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, defaults.Set(cfg))
	assert.Equal(t, "us-east-1", cfg.Region)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.True(t, cfg.Mutable)
	assert.False(t, cfg.CreateBucket)
}

func TestConfig_GetEndpointURL(t *testing.T) {
	cfg := &Config{}
	assert.Empty(t, cfg.GetEndpointURL())

	cfg.Endpoint = "minio:9000"
	assert.Equal(t, "https://minio:9000", cfg.GetEndpointURL())

	cfg.DisableSSL = true
	assert.Equal(t, "http://minio:9000", cfg.GetEndpointURL())

	cfg.Endpoint = "https://s3.example.com"
	assert.Equal(t, "https://s3.example.com", cfg.GetEndpointURL())
}
