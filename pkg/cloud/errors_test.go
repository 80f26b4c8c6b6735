package cloud

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
		want  bool
	}{
		{"no stock", NewAPIError(ErrCodeNoStock, "RunInstances", "", nil), IsNoStock, true},
		{"initializing", NewAPIError(ErrCodeInitializing, "DeleteInstances", "", nil), IsInitializing, true},
		{"auth", NewAPIError(ErrCodeAuth, "RunInstances", "", nil), IsAuth, true},
		{"not found", NewAPIError(ErrCodeNotFound, "DescribeKeyPair", "", nil), IsNotFound, true},
		{"other is not no stock", NewAPIError(ErrCodeOther, "RunInstances", "", nil), IsNoStock, false},
		{"plain error", errors.New("boom"), IsNoStock, false},
		{"nil", nil, IsNoStock, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.check(tt.err))
		})
	}
}

// Classification survives fmt.Errorf wrapping along the call chain
func TestErrorClassificationThroughWrapping(t *testing.T) {
	err := NewAPIError(ErrCodeNoStock, "RunInstances", "no capacity", nil)
	wrapped := fmt.Errorf("launch in us-east-1/zA: %w", err)

	assert.True(t, IsNoStock(wrapped))
	assert.False(t, IsAuth(wrapped))
}

func TestAPIErrorMessage(t *testing.T) {
	err := NewAPIError(ErrCodeNoStock, "RunInstances", "no capacity for c5.xlarge", nil)
	assert.Contains(t, err.Error(), "RunInstances")
	assert.Contains(t, err.Error(), "NoStock")
	assert.Contains(t, err.Error(), "no capacity for c5.xlarge")
}

func TestAPIErrorUnwrap(t *testing.T) {
	inner := errors.New("sdk says no")
	err := NewAPIError(ErrCodeOther, "CreateVPC", "", inner)
	assert.ErrorIs(t, err, inner)
}
