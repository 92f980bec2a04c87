package overlayx_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gostratum/overlayx"
)

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		entries []overlayx.StorageEntry
		wantErr string
	}{
		{
			name:    "valid stack",
			entries: []overlayx.StorageEntry{{ID: "base", Type: "file"}, {ID: "ext", Type: "s3", Kinds: []string{"asset"}}},
		},
		{
			name:    "empty id",
			entries: []overlayx.StorageEntry{{ID: "", Type: "file"}},
			wantErr: "required",
		},
		{
			name:    "missing type",
			entries: []overlayx.StorageEntry{{ID: "base"}},
			wantErr: "required",
		},
		{
			name:    "slash in id",
			entries: []overlayx.StorageEntry{{ID: "base/legacy", Type: "file"}},
			wantErr: "excludesall",
		},
		{
			name:    "padded id",
			entries: []overlayx.StorageEntry{{ID: " base", Type: "file"}},
			wantErr: "surrounding spaces",
		},
		{
			name:    "unknown kind",
			entries: []overlayx.StorageEntry{{ID: "base", Type: "file", Kinds: []string{"widgets"}}},
			wantErr: "unknown kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := overlayx.DefaultConfig()
			cfg.Storages = tt.entries

			err := overlayx.ValidateConfig(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.ErrorIs(t, err, overlayx.ErrInvalidConfig)

			var ve *overlayx.ValidationError
			assert.True(t, errors.As(err, &ve))
		})
	}
}

func TestValidateConfig_Nil(t *testing.T) {
	err := overlayx.ValidateConfig(nil)
	var ve *overlayx.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "config", ve.Field)
}

func TestValidationError(t *testing.T) {
	err := &overlayx.ValidationError{Field: "bucket", Message: "bucket is required"}
	assert.Equal(t, `invalid config field "bucket": bucket is required`, err.Error())
	assert.ErrorIs(t, err, overlayx.ErrInvalidConfig)
}
