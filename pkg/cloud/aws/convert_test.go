package aws

import (
	"errors"
	"fmt"
	"testing"

	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"

	"github.com/cuemby/burrow/pkg/cloud"
)

func sdkErr(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: "from sdk"}
}

func TestMapErr(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"capacity", sdkErr("InsufficientInstanceCapacity"), cloud.IsNoStock},
		{"spot price", sdkErr("SpotMaxPriceTooLow"), cloud.IsNoStock},
		{"spot count", sdkErr("MaxSpotInstanceCountExceeded"), cloud.IsNoStock},
		{"instance state", sdkErr("IncorrectInstanceState"), cloud.IsInitializing},
		{"auth", sdkErr("AuthFailure"), cloud.IsAuth},
		{"unauthorized", sdkErr("UnauthorizedOperation"), cloud.IsAuth},
		{"key pair missing", sdkErr("InvalidKeyPair.NotFound"), cloud.IsNotFound},
		{"instance missing", sdkErr("InvalidInstanceID.NotFound"), cloud.IsNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mapped := mapErr("op", tt.err)
			assert.True(t, tt.check(mapped), "got %v", mapped)
		})
	}
}

func TestMapErrPassthrough(t *testing.T) {
	assert.NoError(t, mapErr("op", nil))

	mapped := mapErr("op", errors.New("dial tcp: timeout"))
	assert.False(t, cloud.IsNoStock(mapped))
	assert.Error(t, mapped)
}

// Wrapped SDK errors still classify: operation wrappers keep the API error
// in the chain
func TestMapErrWrapped(t *testing.T) {
	wrapped := fmt.Errorf("operation RunInstances: %w", sdkErr("InsufficientInstanceCapacity"))
	assert.True(t, cloud.IsNoStock(mapErr("RunInstances", wrapped)))
}

func TestInstanceStatus(t *testing.T) {
	tests := []struct {
		state    ec2types.InstanceStateName
		expected string
	}{
		{ec2types.InstanceStateNamePending, "Pending"},
		{ec2types.InstanceStateNameRunning, "Running"},
		{ec2types.InstanceStateNameStopped, "Stopped"},
		{ec2types.InstanceStateNameTerminated, "Terminated"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, instanceStatus(&ec2types.InstanceState{Name: tt.state}))
	}
	assert.Empty(t, instanceStatus(nil))
}

func TestNormalizeFingerprint(t *testing.T) {
	assert.Equal(t, "deadbeef01", normalizeFingerprint("DE:AD:BE:EF:01"))
	assert.Equal(t, "abc123", normalizeFingerprint("abc123"))
}

func TestImageStatusTerminalStates(t *testing.T) {
	assert.Equal(t, cloud.StatusAvailable, imageStatus(ec2types.ImageStateAvailable))
	assert.Equal(t, cloud.StatusCreateFailed, imageStatus(ec2types.ImageStateFailed))
	assert.Equal(t, cloud.StatusCreating, imageStatus(ec2types.ImageStatePending))
}
