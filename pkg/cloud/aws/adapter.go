package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/cuemby/burrow/pkg/cloud"
)

// DescribeRegions lists every region enabled for the account
func (c *Client) DescribeRegions(ctx context.Context) ([]string, error) {
	out, err := c.ec2For(c.cfg.Region).DescribeRegions(ctx, &ec2.DescribeRegionsInput{})
	if err != nil {
		return nil, mapErr("DescribeRegions", err)
	}
	regions := make([]string, 0, len(out.Regions))
	for _, r := range out.Regions {
		regions = append(regions, deref(r.RegionName))
	}
	return regions, nil
}

// DescribeZones lists the availability zones of a region
func (c *Client) DescribeZones(ctx context.Context, region string) ([]string, error) {
	out, err := c.ec2For(region).DescribeAvailabilityZones(ctx, &ec2.DescribeAvailabilityZonesInput{})
	if err != nil {
		return nil, mapErr("DescribeZones", err)
	}
	zones := make([]string, 0, len(out.AvailabilityZones))
	for _, z := range out.AvailabilityZones {
		if z.State == ec2types.AvailabilityZoneStateAvailable {
			zones = append(zones, deref(z.ZoneName))
		}
	}
	return zones, nil
}

// DescribeVPCs lists the VPCs of a region
func (c *Client) DescribeVPCs(ctx context.Context, region string) ([]cloud.VPC, error) {
	var vpcs []cloud.VPC
	paginator := ec2.NewDescribeVpcsPaginator(c.ec2For(region), &ec2.DescribeVpcsInput{})
	for paginator.HasMorePages() {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapErr("DescribeVPCs", err)
		}
		for _, vpc := range out.Vpcs {
			vpcs = append(vpcs, cloud.VPC{
				ID:     deref(vpc.VpcId),
				Name:   nameTag(vpc.Tags),
				CIDR:   deref(vpc.CidrBlock),
				Status: vpcStatus(vpc.State),
			})
		}
	}
	return vpcs, nil
}

// CreateVPC creates a named VPC
func (c *Client) CreateVPC(ctx context.Context, region, name, cidr string, tags map[string]string) (string, error) {
	out, err := c.ec2For(region).CreateVpc(ctx, &ec2.CreateVpcInput{
		CidrBlock:         &cidr,
		TagSpecifications: tagSpec(ec2types.ResourceTypeVpc, name, tags),
	})
	if err != nil {
		return "", mapErr("CreateVPC", err)
	}
	return deref(out.Vpc.VpcId), nil
}

// DeleteVPC deletes a VPC
func (c *Client) DeleteVPC(ctx context.Context, region, vpcID string) error {
	_, err := c.ec2For(region).DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: &vpcID})
	return mapErr("DeleteVPC", err)
}

// DescribeSubnets lists the subnets of a VPC
func (c *Client) DescribeSubnets(ctx context.Context, region, vpcID string) ([]cloud.Subnet, error) {
	var subnets []cloud.Subnet
	paginator := ec2.NewDescribeSubnetsPaginator(c.ec2For(region), &ec2.DescribeSubnetsInput{
		Filters: []ec2types.Filter{{Name: ptr("vpc-id"), Values: []string{vpcID}}},
	})
	for paginator.HasMorePages() {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapErr("DescribeSubnets", err)
		}
		for _, subnet := range out.Subnets {
			subnets = append(subnets, cloud.Subnet{
				ID:     deref(subnet.SubnetId),
				Name:   nameTag(subnet.Tags),
				ZoneID: deref(subnet.AvailabilityZone),
				CIDR:   deref(subnet.CidrBlock),
				Status: subnetStatus(subnet.State),
			})
		}
	}
	return subnets, nil
}

// CreateSubnet creates a named subnet in a zone
func (c *Client) CreateSubnet(ctx context.Context, region, vpcID, zoneID, name, cidr string, tags map[string]string) (string, error) {
	out, err := c.ec2For(region).CreateSubnet(ctx, &ec2.CreateSubnetInput{
		VpcId:             &vpcID,
		AvailabilityZone:  &zoneID,
		CidrBlock:         &cidr,
		TagSpecifications: tagSpec(ec2types.ResourceTypeSubnet, name, tags),
	})
	if err != nil {
		return "", mapErr("CreateSubnet", err)
	}
	return deref(out.Subnet.SubnetId), nil
}

// DeleteSubnet deletes a subnet
func (c *Client) DeleteSubnet(ctx context.Context, region, subnetID string) error {
	_, err := c.ec2For(region).DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: &subnetID})
	return mapErr("DeleteSubnet", err)
}

// DescribeSecurityGroups lists the security groups of a VPC
func (c *Client) DescribeSecurityGroups(ctx context.Context, region, vpcID string) ([]cloud.SecurityGroup, error) {
	var groups []cloud.SecurityGroup
	paginator := ec2.NewDescribeSecurityGroupsPaginator(c.ec2For(region), &ec2.DescribeSecurityGroupsInput{
		Filters: []ec2types.Filter{{Name: ptr("vpc-id"), Values: []string{vpcID}}},
	})
	for paginator.HasMorePages() {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapErr("DescribeSecurityGroups", err)
		}
		for _, sg := range out.SecurityGroups {
			groups = append(groups, cloud.SecurityGroup{
				ID:   deref(sg.GroupId),
				Name: deref(sg.GroupName),
			})
		}
	}
	return groups, nil
}

// CreateSecurityGroup creates a named security group in a VPC
func (c *Client) CreateSecurityGroup(ctx context.Context, region, vpcID, name string, tags map[string]string) (string, error) {
	out, err := c.ec2For(region).CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		VpcId:             &vpcID,
		GroupName:         &name,
		Description:       ptr("burrow managed"),
		TagSpecifications: tagSpec(ec2types.ResourceTypeSecurityGroup, name, tags),
	})
	if err != nil {
		return "", mapErr("CreateSecurityGroup", err)
	}
	return deref(out.GroupId), nil
}

// DescribeIngressRules lists the inbound permissions of a security group
func (c *Client) DescribeIngressRules(ctx context.Context, region, securityGroupID string) ([]cloud.IngressRule, error) {
	out, err := c.ec2For(region).DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		GroupIds: []string{securityGroupID},
	})
	if err != nil {
		return nil, mapErr("DescribeIngressRules", err)
	}

	var rules []cloud.IngressRule
	for _, sg := range out.SecurityGroups {
		for _, perm := range sg.IpPermissions {
			for _, ipRange := range perm.IpRanges {
				rules = append(rules, cloud.IngressRule{
					Protocol:   deref(perm.IpProtocol),
					FromPort:   int(derefInt32(perm.FromPort)),
					ToPort:     int(derefInt32(perm.ToPort)),
					SourceCIDR: deref(ipRange.CidrIp),
				})
			}
		}
	}
	return rules, nil
}

// AuthorizeIngress adds one inbound permission to a security group
func (c *Client) AuthorizeIngress(ctx context.Context, region, securityGroupID string, rule cloud.IngressRule) error {
	_, err := c.ec2For(region).AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: &securityGroupID,
		IpPermissions: []ec2types.IpPermission{{
			IpProtocol: &rule.Protocol,
			FromPort:   ptr(int32(rule.FromPort)),
			ToPort:     ptr(int32(rule.ToPort)),
			IpRanges:   []ec2types.IpRange{{CidrIp: &rule.SourceCIDR}},
		}},
	})
	return mapErr("AuthorizeIngress", err)
}

// DeleteSecurityGroup deletes a security group
func (c *Client) DeleteSecurityGroup(ctx context.Context, region, securityGroupID string) error {
	_, err := c.ec2For(region).DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: &securityGroupID})
	return mapErr("DeleteSecurityGroup", err)
}

// DescribeKeyPair returns the named key pair, or a nil key pair with a
// NotFound error when it does not exist
func (c *Client) DescribeKeyPair(ctx context.Context, region, name string) (*cloud.KeyPair, error) {
	out, err := c.ec2For(region).DescribeKeyPairs(ctx, &ec2.DescribeKeyPairsInput{
		KeyNames: []string{name},
	})
	if err != nil {
		return nil, mapErr("DescribeKeyPair", err)
	}
	if len(out.KeyPairs) == 0 {
		return nil, cloud.NewAPIError(cloud.ErrCodeNotFound, "DescribeKeyPair", fmt.Sprintf("key pair %s not found", name), nil)
	}
	return &cloud.KeyPair{
		Name:        deref(out.KeyPairs[0].KeyName),
		Fingerprint: normalizeFingerprint(deref(out.KeyPairs[0].KeyFingerprint)),
	}, nil
}

// ImportKeyPair imports an OpenSSH public key under the given name
func (c *Client) ImportKeyPair(ctx context.Context, region, name, publicKey string) error {
	_, err := c.ec2For(region).ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
		KeyName:           &name,
		PublicKeyMaterial: []byte(publicKey),
	})
	return mapErr("ImportKeyPair", err)
}

// DescribeImages lists self-owned images, optionally filtered by name
func (c *Client) DescribeImages(ctx context.Context, region, name string) ([]cloud.Image, error) {
	input := &ec2.DescribeImagesInput{Owners: []string{"self"}}
	if name != "" {
		input.Filters = []ec2types.Filter{{Name: ptr("name"), Values: []string{name}}}
	}

	out, err := c.ec2For(region).DescribeImages(ctx, input)
	if err != nil {
		return nil, mapErr("DescribeImages", err)
	}

	images := make([]cloud.Image, 0, len(out.Images))
	for _, img := range out.Images {
		images = append(images, cloud.Image{
			ID:     deref(img.ImageId),
			Name:   deref(img.Name),
			Status: imageStatus(img.State),
		})
	}
	return images, nil
}

// CopyImage starts a cross-region image copy into destRegion
func (c *Client) CopyImage(ctx context.Context, destRegion, srcRegion, srcImageID, name string) (string, error) {
	out, err := c.ec2For(destRegion).CopyImage(ctx, &ec2.CopyImageInput{
		SourceRegion:  &srcRegion,
		SourceImageId: &srcImageID,
		Name:          &name,
	})
	if err != nil {
		return "", mapErr("CopyImage", err)
	}
	return deref(out.ImageId), nil
}

// CreateImage snapshots a stopped instance into a named image
func (c *Client) CreateImage(ctx context.Context, region, instanceID, name string) (string, error) {
	out, err := c.ec2For(region).CreateImage(ctx, &ec2.CreateImageInput{
		InstanceId: &instanceID,
		Name:       &name,
	})
	if err != nil {
		return "", mapErr("CreateImage", err)
	}
	return deref(out.ImageId), nil
}

// RunInstances launches instances per the launch spec. MinCount below Count lets
// the provider return fewer IDs than asked on constrained capacity.
func (c *Client) RunInstances(ctx context.Context, spec cloud.LaunchSpec) ([]string, error) {
	minCount := spec.MinCount
	if minCount == 0 {
		minCount = spec.Count
	}

	input := &ec2.RunInstancesInput{
		ImageId:      &spec.ImageID,
		InstanceType: ec2types.InstanceType(spec.InstanceType),
		MinCount:     ptr(int32(minCount)),
		MaxCount:     ptr(int32(spec.Count)),
		KeyName:      &spec.KeyPairName,
		Placement:    &ec2types.Placement{AvailabilityZone: &spec.Zone},
		NetworkInterfaces: []ec2types.InstanceNetworkInterfaceSpecification{{
			DeviceIndex:              ptr(int32(0)),
			SubnetId:                 &spec.SubnetID,
			Groups:                   []string{spec.SecurityGroupID},
			AssociatePublicIpAddress: ptr(true),
		}},
		TagSpecifications: tagSpec(ec2types.ResourceTypeInstance, spec.Name, spec.Tags),
	}

	if spec.DiskSizeGB > 0 {
		input.BlockDeviceMappings = []ec2types.BlockDeviceMapping{{
			DeviceName: ptr("/dev/sda1"),
			Ebs: &ec2types.EbsBlockDevice{
				VolumeSize:          ptr(int32(spec.DiskSizeGB)),
				VolumeType:          ec2types.VolumeTypeGp3,
				DeleteOnTermination: ptr(true),
			},
		}}
	}

	if spec.Charging == cloud.ChargingSpot {
		input.InstanceMarketOptions = &ec2types.InstanceMarketOptionsRequest{
			MarketType: ec2types.MarketTypeSpot,
			SpotOptions: &ec2types.SpotMarketOptions{
				SpotInstanceType:             ec2types.SpotInstanceTypeOneTime,
				InstanceInterruptionBehavior: ec2types.InstanceInterruptionBehaviorTerminate,
			},
		}
	}

	out, err := c.ec2For(spec.Region).RunInstances(ctx, input)
	if err != nil {
		return nil, mapErr("RunInstances", err)
	}

	ids := make([]string, 0, len(out.Instances))
	for _, inst := range out.Instances {
		ids = append(ids, deref(inst.InstanceId))
	}
	return ids, nil
}

// DescribeInstances returns the states of the given IDs. IDs the provider
// no longer knows are simply absent from the result.
func (c *Client) DescribeInstances(ctx context.Context, region string, ids []string) ([]cloud.InstanceState, error) {
	states, err := c.describeByIDs(ctx, region, ids)
	if err == nil {
		return states, nil
	}

	// A single unknown ID fails the whole batch; fall back to describing
	// one by one so the unknowns surface as absences instead of errors.
	if !cloud.IsNotFound(err) {
		return nil, err
	}
	var all []cloud.InstanceState
	for _, id := range ids {
		states, err := c.describeByIDs(ctx, region, []string{id})
		if err != nil {
			if cloud.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		all = append(all, states...)
	}
	return all, nil
}

func (c *Client) describeByIDs(ctx context.Context, region string, ids []string) ([]cloud.InstanceState, error) {
	var states []cloud.InstanceState
	paginator := ec2.NewDescribeInstancesPaginator(c.ec2For(region), &ec2.DescribeInstancesInput{
		InstanceIds: ids,
	})
	for paginator.HasMorePages() {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapErr("DescribeInstances", err)
		}
		states = append(states, flattenReservations(out.Reservations)...)
	}
	return states, nil
}

// ListInstances pages through every instance in a region
func (c *Client) ListInstances(ctx context.Context, region string) ([]cloud.InstanceState, error) {
	var states []cloud.InstanceState
	paginator := ec2.NewDescribeInstancesPaginator(c.ec2For(region), &ec2.DescribeInstancesInput{})
	for paginator.HasMorePages() {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapErr("ListInstances", err)
		}
		states = append(states, flattenReservations(out.Reservations)...)
	}
	return states, nil
}

func flattenReservations(reservations []ec2types.Reservation) []cloud.InstanceState {
	var states []cloud.InstanceState
	for _, res := range reservations {
		for _, inst := range res.Instances {
			states = append(states, cloud.InstanceState{
				ID:       deref(inst.InstanceId),
				Name:     nameTag(inst.Tags),
				Status:   instanceStatus(inst.State),
				PublicIP: deref(inst.PublicIpAddress),
				Tags:     tagMap(inst.Tags),
			})
		}
	}
	return states
}

// AllocatePublicIP associates an elastic IP with an instance that came up
// without a public address
func (c *Client) AllocatePublicIP(ctx context.Context, region, instanceID string) (string, error) {
	client := c.ec2For(region)

	alloc, err := client.AllocateAddress(ctx, &ec2.AllocateAddressInput{
		Domain: ec2types.DomainTypeVpc,
	})
	if err != nil {
		return "", mapErr("AllocatePublicIP", err)
	}

	_, err = client.AssociateAddress(ctx, &ec2.AssociateAddressInput{
		AllocationId: alloc.AllocationId,
		InstanceId:   &instanceID,
	})
	if err != nil {
		return "", mapErr("AllocatePublicIP", err)
	}
	return deref(alloc.PublicIp), nil
}

// StartInstance starts a stopped instance
func (c *Client) StartInstance(ctx context.Context, region, instanceID string) error {
	_, err := c.ec2For(region).StartInstances(ctx, &ec2.StartInstancesInput{
		InstanceIds: []string{instanceID},
	})
	return mapErr("StartInstance", err)
}

// StopInstance stops an instance. EC2 stops billing compute for stopped
// instances, so the stop mode needs no translation.
func (c *Client) StopInstance(ctx context.Context, region, instanceID string, force bool, _ cloud.StopMode) error {
	_, err := c.ec2For(region).StopInstances(ctx, &ec2.StopInstancesInput{
		InstanceIds: []string{instanceID},
		Force:       &force,
	})
	return mapErr("StopInstance", err)
}

// DeleteInstances terminates instances
func (c *Client) DeleteInstances(ctx context.Context, region string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := c.ec2For(region).TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: ids,
	})
	return mapErr("DeleteInstances", err)
}
