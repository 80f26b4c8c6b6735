package cloud

import (
	"context"
)

// ResourceStatus is the provisioning state of a network resource or image
type ResourceStatus string

const (
	StatusAvailable    ResourceStatus = "Available"
	StatusPending      ResourceStatus = "Pending"
	StatusCreating     ResourceStatus = "Creating"
	StatusCreateFailed ResourceStatus = "CreateFailed"
	StatusUnavailable  ResourceStatus = "UnAvailable"
	StatusDeprecated   ResourceStatus = "Deprecated"
)

// VPC is the port-level view of a virtual private cloud
type VPC struct {
	ID     string
	Name   string
	CIDR   string
	Status ResourceStatus
}

// Subnet is the port-level view of a zone-scoped subnet
type Subnet struct {
	ID     string
	Name   string
	ZoneID string
	CIDR   string
	Status ResourceStatus
}

// SecurityGroup is the port-level view of a security group
type SecurityGroup struct {
	ID   string
	Name string
}

// IngressRule is one permitted inbound port range
type IngressRule struct {
	Protocol   string // "tcp" or "udp"
	FromPort   int
	ToPort     int
	SourceCIDR string
}

// KeyPair is the port-level view of an imported key pair
type KeyPair struct {
	Name        string
	Fingerprint string // MD5 over the OpenSSH public key bytes, hex
}

// Image is the port-level view of a machine image
type Image struct {
	ID     string
	Name   string
	Status ResourceStatus
}

// ChargingMode selects how a launched instance is billed
type ChargingMode string

const (
	ChargingOnDemand ChargingMode = "on-demand"
	ChargingSpot     ChargingMode = "spot"
)

// StopMode selects billing behavior of a stopped instance
type StopMode string

const (
	StopCharging StopMode = "StopCharging"
	KeepCharging StopMode = "KeepCharging"
)

// LaunchSpec is a single run-instances request
type LaunchSpec struct {
	Region          string
	Zone            string
	ImageID         string
	InstanceType    string
	SubnetID        string
	SecurityGroupID string
	KeyPairName     string
	Name            string
	Count           int
	// MinCount below Count accepts partial success; zero means Count
	MinCount    int
	Charging    ChargingMode
	DiskSizeGB  int
	BandwidthMB int
	Tags        map[string]string
}

// InstanceState is the observed state of one instance
type InstanceState struct {
	ID       string
	Name     string
	Status   string // provider lifecycle: Pending|Starting|Running|Stopped|...
	PublicIP string
	Tags     map[string]string
}

// API is the capability surface the provisioning engine needs from a cloud
// vendor. Adapters translate SDK shapes at this boundary; nothing above it
// sees vendor types.
type API interface {
	Provider() string

	DescribeRegions(ctx context.Context) ([]string, error)
	DescribeZones(ctx context.Context, region string) ([]string, error)

	DescribeVPCs(ctx context.Context, region string) ([]VPC, error)
	CreateVPC(ctx context.Context, region, name, cidr string, tags map[string]string) (string, error)
	DeleteVPC(ctx context.Context, region, vpcID string) error

	DescribeSubnets(ctx context.Context, region, vpcID string) ([]Subnet, error)
	CreateSubnet(ctx context.Context, region, vpcID, zoneID, name, cidr string, tags map[string]string) (string, error)
	DeleteSubnet(ctx context.Context, region, subnetID string) error

	DescribeSecurityGroups(ctx context.Context, region, vpcID string) ([]SecurityGroup, error)
	CreateSecurityGroup(ctx context.Context, region, vpcID, name string, tags map[string]string) (string, error)
	DescribeIngressRules(ctx context.Context, region, securityGroupID string) ([]IngressRule, error)
	AuthorizeIngress(ctx context.Context, region, securityGroupID string, rule IngressRule) error
	DeleteSecurityGroup(ctx context.Context, region, securityGroupID string) error

	DescribeKeyPair(ctx context.Context, region, name string) (*KeyPair, error)
	ImportKeyPair(ctx context.Context, region, name, publicKey string) error

	DescribeImages(ctx context.Context, region, name string) ([]Image, error)
	CopyImage(ctx context.Context, destRegion, srcRegion, srcImageID, name string) (string, error)
	CreateImage(ctx context.Context, region, instanceID, name string) (string, error)

	RunInstances(ctx context.Context, spec LaunchSpec) ([]string, error)
	DescribeInstances(ctx context.Context, region string, ids []string) ([]InstanceState, error)
	ListInstances(ctx context.Context, region string) ([]InstanceState, error)
	AllocatePublicIP(ctx context.Context, region, instanceID string) (string, error)
	StartInstance(ctx context.Context, region, instanceID string) error
	StopInstance(ctx context.Context, region, instanceID string, force bool, mode StopMode) error
	DeleteInstances(ctx context.Context, region string, ids []string) error
}
