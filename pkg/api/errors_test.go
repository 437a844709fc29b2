package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
)

func storageError(status int) error {
	return &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
		Err:      errors.New("api error"),
	}
}

func TestIsAuthError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"platform 401", &APIError{StatusCode: http.StatusUnauthorized}, true},
		{"platform 403", &APIError{StatusCode: http.StatusForbidden}, true},
		{"platform 500", &APIError{StatusCode: http.StatusInternalServerError}, false},
		{"wrapped platform 401", fmt.Errorf("login failed: %w", &APIError{StatusCode: http.StatusUnauthorized}), true},
		{"object storage 401", storageError(http.StatusUnauthorized), true},
		{"object storage 403", storageError(http.StatusForbidden), true},
		{"object storage 503", storageError(http.StatusServiceUnavailable), false},
		// The shape the uploader produces for an expired temporary
		// credential: a wrapped smithy response error.
		{"wrapped object storage 401", fmt.Errorf("failed to upload part %d: %w", 1, storageError(http.StatusUnauthorized)), true},
		{"plain error", errors.New("disk on fire"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsAuthError(tt.err))
		})
	}
}
