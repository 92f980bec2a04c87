package s3

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/gostratum/overlayx"
)

// MapS3Error converts S3 SDK errors to domain errors
func MapS3Error(err error, op string, kind overlayx.ObjectKind, id string) error {
	if err == nil {
		return nil
	}

	wrap := func(e error) error {
		return &overlayx.StorageError{Op: op, Kind: kind, ID: id, Err: e}
	}

	// Context errors stay recognizable with errors.Is
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return wrap(err)
	}

	var (
		noSuchKey    *types.NoSuchKey
		notFound     *types.NotFound
		noSuchBucket *types.NoSuchBucket
	)
	switch {
	case errors.As(err, &noSuchKey), errors.As(err, &notFound):
		return wrap(overlayx.ErrNotFound)
	case errors.As(err, &noSuchBucket):
		return wrap(fmt.Errorf("%w: bucket does not exist", overlayx.ErrInvalidConfig))
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if mapped := mapAPIErrorCode(apiErr.ErrorCode()); mapped != nil {
			return wrap(mapped)
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		if mapped := mapHTTPStatus(respErr.HTTPStatusCode()); mapped != nil {
			return wrap(mapped)
		}
	}

	if mapped := mapByErrorMessage(err); mapped != nil {
		return wrap(mapped)
	}

	return wrap(err)
}

// mapAPIErrorCode maps S3 API error codes to domain errors
func mapAPIErrorCode(code string) error {
	switch code {
	case "NoSuchKey", "NotFound":
		return overlayx.ErrNotFound
	case "NoSuchBucket", "InvalidBucketName", "AccessDenied", "InvalidAccessKeyId",
		"SignatureDoesNotMatch":
		return fmt.Errorf("%s: %w", code, overlayx.ErrInvalidConfig)
	}
	return nil
}

// mapHTTPStatus maps bare HTTP status codes, as returned for HEAD requests
func mapHTTPStatus(status int) error {
	switch status {
	case http.StatusNotFound:
		return overlayx.ErrNotFound
	case http.StatusForbidden:
		return fmt.Errorf("access denied: %w", overlayx.ErrInvalidConfig)
	}
	return nil
}

// mapByErrorMessage performs string-based error matching as a fallback
func mapByErrorMessage(err error) error {
	errStr := strings.ToLower(err.Error())

	for _, pattern := range []string{"nosuchkey", "no such key", "status code: 404"} {
		if strings.Contains(errStr, pattern) {
			return overlayx.ErrNotFound
		}
	}
	return nil
}
