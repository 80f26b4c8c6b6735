package aws

import (
	"errors"
	"strings"

	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/cuemby/burrow/pkg/cloud"
)

// mapErr classifies an SDK error into the port's taxonomy
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return cloud.NewAPIError(cloud.ErrCodeOther, op, err.Error(), err)
	}

	code := apiErr.ErrorCode()
	switch {
	case code == "InsufficientInstanceCapacity" || code == "InsufficientCapacity" || code == "SpotMaxPriceTooLow" || code == "MaxSpotInstanceCountExceeded":
		return cloud.NewAPIError(cloud.ErrCodeNoStock, op, apiErr.ErrorMessage(), err)
	case code == "IncorrectInstanceState" || code == "IncorrectState":
		return cloud.NewAPIError(cloud.ErrCodeInitializing, op, apiErr.ErrorMessage(), err)
	case code == "AuthFailure" || code == "UnauthorizedOperation" || code == "InvalidClientTokenId" || code == "SignatureDoesNotMatch":
		return cloud.NewAPIError(cloud.ErrCodeAuth, op, apiErr.ErrorMessage(), err)
	case strings.HasSuffix(code, ".NotFound"):
		return cloud.NewAPIError(cloud.ErrCodeNotFound, op, apiErr.ErrorMessage(), err)
	default:
		return cloud.NewAPIError(cloud.ErrCodeOther, op, apiErr.ErrorMessage(), err)
	}
}

// nameTag extracts the Name tag value
func nameTag(tags []ec2types.Tag) string {
	for _, t := range tags {
		if deref(t.Key) == "Name" {
			return deref(t.Value)
		}
	}
	return ""
}

// tagMap converts SDK tags to a plain map
func tagMap(tags []ec2types.Tag) map[string]string {
	m := make(map[string]string, len(tags))
	for _, t := range tags {
		m[deref(t.Key)] = deref(t.Value)
	}
	return m
}

// tagSpec builds the tag specification attached at create time, with the
// resource name in the Name tag.
func tagSpec(resource ec2types.ResourceType, name string, tags map[string]string) []ec2types.TagSpecification {
	ec2Tags := make([]ec2types.Tag, 0, len(tags)+1)
	ec2Tags = append(ec2Tags, ec2types.Tag{Key: ptr("Name"), Value: ptr(name)})
	for k, v := range tags {
		ec2Tags = append(ec2Tags, ec2types.Tag{Key: ptr(k), Value: ptr(v)})
	}
	return []ec2types.TagSpecification{{
		ResourceType: resource,
		Tags:         ec2Tags,
	}}
}

// instanceStatus maps EC2 instance state names onto the port's lifecycle
// strings
func instanceStatus(state *ec2types.InstanceState) string {
	if state == nil {
		return ""
	}
	switch state.Name {
	case ec2types.InstanceStateNamePending:
		return "Pending"
	case ec2types.InstanceStateNameRunning:
		return "Running"
	case ec2types.InstanceStateNameStopping:
		return "Stopping"
	case ec2types.InstanceStateNameStopped:
		return "Stopped"
	case ec2types.InstanceStateNameShuttingDown:
		return "ShuttingDown"
	case ec2types.InstanceStateNameTerminated:
		return "Terminated"
	default:
		return string(state.Name)
	}
}

// vpcStatus maps VPC state onto the port's resource status
func vpcStatus(state ec2types.VpcState) cloud.ResourceStatus {
	if state == ec2types.VpcStateAvailable {
		return cloud.StatusAvailable
	}
	return cloud.StatusPending
}

// subnetStatus maps subnet state onto the port's resource status
func subnetStatus(state ec2types.SubnetState) cloud.ResourceStatus {
	if state == ec2types.SubnetStateAvailable {
		return cloud.StatusAvailable
	}
	return cloud.StatusPending
}

// imageStatus maps image state onto the port's resource status, preserving
// the terminal failure states the reconciler treats as fatal
func imageStatus(state ec2types.ImageState) cloud.ResourceStatus {
	switch state {
	case ec2types.ImageStateAvailable:
		return cloud.StatusAvailable
	case ec2types.ImageStateFailed:
		return cloud.StatusCreateFailed
	case ec2types.ImageStateInvalid:
		return cloud.StatusUnavailable
	case ec2types.ImageStateDeregistered:
		return cloud.StatusDeprecated
	case ec2types.ImageStatePending:
		return cloud.StatusCreating
	default:
		return cloud.StatusPending
	}
}

// normalizeFingerprint strips the colon grouping some providers add to
// MD5 fingerprints so comparisons are bit-for-bit against locally derived
// digests
func normalizeFingerprint(fp string) string {
	return strings.ToLower(strings.ReplaceAll(fp, ":", ""))
}

// deref dereferences an SDK string pointer
func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// derefInt32 dereferences an SDK int32 pointer
func derefInt32(v *int32) int32 {
	if v == nil {
		return 0
	}
	return *v
}

func ptr[T any](v T) *T {
	return &v
}
