package infra

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/cloud"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/waiter"
)

// Request describes the desired infrastructure of one region
type Request struct {
	Region string
	// Zones restricts provisioning to these zones, in preference order.
	// Empty means every zone the region exposes.
	Zones []string

	// InfraName is the shared name of the VPC, subnets, security group and
	// key pair ("burrow-<user_tag>")
	InfraName    string
	VPCCIDR      string
	SubnetPrefix int

	ImageName string
	// SearchRegions are sibling regions searched for a self-owned image to
	// copy when the image is missing here
	SearchRegions []string
	// Build configures building the image from scratch when no region has
	// it. Nil disables building.
	Build *BuildConfig

	Key         *LocalKey
	KeyPairName string

	// ExtraIngress is authorized in addition to TCP/22 (workload RPC ports)
	ExtraIngress []cloud.IngressRule

	// AllowCreate permits creating missing resources. When false any
	// missing resource is fatal for the region.
	AllowCreate bool

	Tags map[string]string
}

// Reconciler brings one region's supporting resources to the desired state
// using only lookup-by-name and create-if-missing operations. Running it
// twice yields the same resource IDs with no additional creates.
type Reconciler struct {
	api    cloud.API
	waiter *waiter.Waiter
	logger zerolog.Logger
}

// NewReconciler creates a reconciler over the given cloud API
func NewReconciler(api cloud.API) *Reconciler {
	return &Reconciler{
		api:    api,
		waiter: waiter.DefaultWaiter(),
		logger: log.WithComponent("infra"),
	}
}

// EnsureRegion reconciles every resource the launch planner needs and
// returns the resolved IDs
func (r *Reconciler) EnsureRegion(ctx context.Context, req Request) (*types.RegionInfo, error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.InfraEnsureDuration, req.Region)
	}()

	logger := r.logger.With().Str("region", req.Region).Logger()

	zoneIDs := req.Zones
	if len(zoneIDs) == 0 {
		ids, err := r.api.DescribeZones(ctx, req.Region)
		if err != nil {
			return nil, fmt.Errorf("describe zones in %s: %w", req.Region, err)
		}
		zoneIDs = ids
	}
	if len(zoneIDs) == 0 {
		return nil, fmt.Errorf("region %s exposes no zones", req.Region)
	}

	vpcID, err := r.ensureVPC(ctx, req, logger)
	if err != nil {
		return nil, err
	}

	sgID, err := r.ensureSecurityGroup(ctx, req, vpcID, logger)
	if err != nil {
		return nil, err
	}

	if err := r.ensureKeyPair(ctx, req, logger); err != nil {
		return nil, err
	}

	zones, err := r.ensureSubnets(ctx, req, vpcID, zoneIDs, logger)
	if err != nil {
		return nil, err
	}

	// Image last: a from-scratch build launches a builder instance into the
	// network just reconciled.
	imageID, err := r.ensureImage(ctx, req, netContext{
		sgID: sgID,
		zone: zones[zoneIDs[0]],
	}, logger)
	if err != nil {
		return nil, err
	}

	return &types.RegionInfo{
		Region:          req.Region,
		ImageID:         imageID,
		VPCID:           vpcID,
		SecurityGroupID: sgID,
		KeyPairName:     req.KeyPairName,
		KeyPath:         req.Key.Path,
		Zones:           zones,
		ZoneOrder:       zoneIDs,
	}, nil
}

// ensureVPC finds the VPC by name or creates it and waits until Available
func (r *Reconciler) ensureVPC(ctx context.Context, req Request, logger zerolog.Logger) (string, error) {
	vpcs, err := r.api.DescribeVPCs(ctx, req.Region)
	if err != nil {
		return "", fmt.Errorf("describe vpcs in %s: %w", req.Region, err)
	}

	for _, vpc := range vpcs {
		if vpc.Name == req.InfraName {
			logger.Info().Str("vpc_id", vpc.ID).Msg("Found VPC")
			return vpc.ID, nil
		}
	}

	if !req.AllowCreate {
		return "", fmt.Errorf("vpc %q not found in region %s and infra creation is disabled", req.InfraName, req.Region)
	}

	logger.Info().Str("name", req.InfraName).Msg("VPC not found, creating")
	vpcID, err := r.api.CreateVPC(ctx, req.Region, req.InfraName, req.VPCCIDR, req.Tags)
	if err != nil {
		return "", fmt.Errorf("create vpc %q in %s: %w", req.InfraName, req.Region, err)
	}

	err = r.waiter.WaitFor(ctx, func(ctx context.Context) (bool, error) {
		vpcs, err := r.api.DescribeVPCs(ctx, req.Region)
		if err != nil {
			return false, err
		}
		for _, vpc := range vpcs {
			if vpc.ID == vpcID {
				return vpc.Status == cloud.StatusAvailable, nil
			}
		}
		return false, nil
	}, fmt.Sprintf("vpc %s available", vpcID))
	if err != nil {
		return "", err
	}

	logger.Info().Str("vpc_id", vpcID).Msg("Created VPC")
	return vpcID, nil
}

// ensureSubnets ensures one subnet per zone with non-overlapping CIDRs
func (r *Reconciler) ensureSubnets(ctx context.Context, req Request, vpcID string, zoneIDs []string, logger zerolog.Logger) (map[string]types.ZoneInfo, error) {
	subnets, err := r.api.DescribeSubnets(ctx, req.Region, vpcID)
	if err != nil {
		return nil, fmt.Errorf("describe subnets in %s/%s: %w", req.Region, vpcID, err)
	}

	occupied := make([]string, 0, len(subnets))
	for _, s := range subnets {
		occupied = append(occupied, s.CIDR)
	}

	prefix := req.SubnetPrefix
	if prefix == 0 {
		prefix = DefaultSubnetPrefix
	}

	zones := make(map[string]types.ZoneInfo, len(zoneIDs))
	for _, zoneID := range zoneIDs {
		var existing *cloud.Subnet
		for i := range subnets {
			if subnets[i].Name == req.InfraName && subnets[i].ZoneID == zoneID {
				existing = &subnets[i]
				break
			}
		}

		if existing != nil {
			if existing.Status != cloud.StatusAvailable {
				return nil, fmt.Errorf("subnet %s in %s/%s has unexpected status %s", existing.ID, req.Region, zoneID, existing.Status)
			}
			logger.Info().Str("zone", zoneID).Str("subnet_id", existing.ID).Msg("Found subnet")
			zones[zoneID] = types.ZoneInfo{ZoneID: zoneID, SubnetID: existing.ID}
			continue
		}

		if !req.AllowCreate {
			return nil, fmt.Errorf("subnet %q not found in %s/%s and infra creation is disabled", req.InfraName, req.Region, zoneID)
		}

		cidr, err := AllocateCIDR(req.VPCCIDR, prefix, occupied)
		if err != nil {
			return nil, fmt.Errorf("allocate cidr in %s/%s: %w", req.Region, zoneID, err)
		}
		occupied = append(occupied, cidr)

		subnetID, err := r.api.CreateSubnet(ctx, req.Region, vpcID, zoneID, req.InfraName, cidr, req.Tags)
		if err != nil {
			return nil, fmt.Errorf("create subnet in %s/%s: %w", req.Region, zoneID, err)
		}

		err = r.waiter.WaitFor(ctx, func(ctx context.Context) (bool, error) {
			subnets, err := r.api.DescribeSubnets(ctx, req.Region, vpcID)
			if err != nil {
				return false, err
			}
			for _, s := range subnets {
				if s.ID == subnetID {
					return s.Status == cloud.StatusAvailable, nil
				}
			}
			return false, nil
		}, fmt.Sprintf("subnet %s available", subnetID))
		if err != nil {
			return nil, err
		}

		logger.Info().Str("zone", zoneID).Str("subnet_id", subnetID).Str("cidr", cidr).Msg("Created subnet")
		zones[zoneID] = types.ZoneInfo{ZoneID: zoneID, SubnetID: subnetID}
	}

	return zones, nil
}

// ensureSecurityGroup finds or creates the group, then authorizes the
// required ingress. Each authorize is check-before-add so repeated runs do
// not duplicate rules.
func (r *Reconciler) ensureSecurityGroup(ctx context.Context, req Request, vpcID string, logger zerolog.Logger) (string, error) {
	groups, err := r.api.DescribeSecurityGroups(ctx, req.Region, vpcID)
	if err != nil {
		return "", fmt.Errorf("describe security groups in %s/%s: %w", req.Region, vpcID, err)
	}

	var sgID string
	for _, sg := range groups {
		if sg.Name == req.InfraName {
			sgID = sg.ID
			logger.Info().Str("security_group_id", sgID).Msg("Found security group")
			break
		}
	}

	if sgID == "" {
		if !req.AllowCreate {
			return "", fmt.Errorf("security group %q not found in %s/%s and infra creation is disabled", req.InfraName, req.Region, vpcID)
		}
		sgID, err = r.api.CreateSecurityGroup(ctx, req.Region, vpcID, req.InfraName, req.Tags)
		if err != nil {
			return "", fmt.Errorf("create security group %q in %s: %w", req.InfraName, req.Region, err)
		}
		logger.Info().Str("security_group_id", sgID).Msg("Created security group")
	}

	wanted := append([]cloud.IngressRule{{
		Protocol:   "tcp",
		FromPort:   22,
		ToPort:     22,
		SourceCIDR: "0.0.0.0/0",
	}}, req.ExtraIngress...)

	existing, err := r.api.DescribeIngressRules(ctx, req.Region, sgID)
	if err != nil {
		return "", fmt.Errorf("describe ingress rules of %s: %w", sgID, err)
	}

	for _, rule := range wanted {
		if hasIngressRule(existing, rule) {
			continue
		}
		if err := r.api.AuthorizeIngress(ctx, req.Region, sgID, rule); err != nil {
			return "", fmt.Errorf("authorize %s %d-%d on %s: %w", rule.Protocol, rule.FromPort, rule.ToPort, sgID, err)
		}
		logger.Info().Str("security_group_id", sgID).Int("from", rule.FromPort).Int("to", rule.ToPort).Msg("Authorized ingress")
	}

	return sgID, nil
}

func hasIngressRule(rules []cloud.IngressRule, rule cloud.IngressRule) bool {
	for _, r := range rules {
		if r == rule {
			return true
		}
	}
	return false
}

// ensureKeyPair verifies the remote key pair matches the local key, or
// imports it. A fingerprint mismatch is fatal: silently rotating a key pair
// would strand instances launched with the old key.
func (r *Reconciler) ensureKeyPair(ctx context.Context, req Request, logger zerolog.Logger) error {
	remote, err := r.api.DescribeKeyPair(ctx, req.Region, req.KeyPairName)
	if err != nil && !cloud.IsNotFound(err) {
		return fmt.Errorf("describe key pair %q in %s: %w", req.KeyPairName, req.Region, err)
	}

	local := req.Key.Fingerprint()

	if remote != nil {
		if remote.Fingerprint != local {
			return fmt.Errorf("key pair %q in %s has fingerprint %s, local key %s has %s; refusing to rotate",
				req.KeyPairName, req.Region, remote.Fingerprint, req.Key.Path, local)
		}
		logger.Info().Str("key_pair", req.KeyPairName).Msg("Found key pair")
		return nil
	}

	if !req.AllowCreate {
		return fmt.Errorf("key pair %q not found in region %s and infra creation is disabled", req.KeyPairName, req.Region)
	}

	if err := r.api.ImportKeyPair(ctx, req.Region, req.KeyPairName, req.Key.PublicKeyBody()); err != nil {
		return fmt.Errorf("import key pair %q in %s: %w", req.KeyPairName, req.Region, err)
	}

	err = r.waiter.WaitFor(ctx, func(ctx context.Context) (bool, error) {
		remote, err := r.api.DescribeKeyPair(ctx, req.Region, req.KeyPairName)
		if err != nil {
			if cloud.IsNotFound(err) {
				return false, nil
			}
			return false, err
		}
		return remote != nil && remote.Fingerprint == local, nil
	}, fmt.Sprintf("key pair %s imported", req.KeyPairName))
	if err != nil {
		return err
	}

	logger.Info().Str("key_pair", req.KeyPairName).Msg("Imported key pair")
	return nil
}
