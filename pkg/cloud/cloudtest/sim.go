// Package cloudtest provides an in-memory cloud.API implementation for
// tests. Stock, instance lifecycle and error injection are scriptable so
// planner and manager behavior can be driven deterministically.
package cloudtest

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/cuemby/burrow/pkg/cloud"
)

// Sim is a scriptable in-memory cloud
type Sim struct {
	mu sync.Mutex

	regions map[string]*simRegion

	// stock maps region/zone/type to remaining launchable instances.
	// A missing key means unlimited.
	stock map[string]int

	// PublicIP is assigned to every instance that reaches Running.
	// Tests point this at a local listener.
	PublicIP string

	// AutoRun promotes Pending instances to Running on every describe
	AutoRun bool

	// deleteFailures injects Initializing errors into DeleteInstances
	deleteFailures int

	// counters per API op, for idempotency assertions
	calls map[string]int

	// launches records every RunInstances attempt as region/zone/type
	launches []string

	nextID int
}

type simRegion struct {
	zones     []string
	vpcs      []cloud.VPC
	subnets   []cloud.Subnet
	groups    []cloud.SecurityGroup
	rules     map[string][]cloud.IngressRule
	keyPairs  map[string]cloud.KeyPair
	images    []cloud.Image
	instances map[string]*simInstance
}

type simInstance struct {
	state cloud.InstanceState
	gone  bool
}

// New creates a sim with the given regions, each with the given zones
func New(regions map[string][]string) *Sim {
	s := &Sim{
		regions:  make(map[string]*simRegion),
		stock:    make(map[string]int),
		calls:    make(map[string]int),
		PublicIP: "127.0.0.1",
		AutoRun:  true,
	}
	for region, zones := range regions {
		s.regions[region] = &simRegion{
			zones:     zones,
			rules:     make(map[string][]cloud.IngressRule),
			keyPairs:  make(map[string]cloud.KeyPair),
			instances: make(map[string]*simInstance),
		}
	}
	return s
}

func stockKey(region, zone, instanceType string) string {
	return region + "/" + zone + "/" + instanceType
}

// SetStock limits how many instances a (region, zone, type) triple can
// still launch. Zero means NoStock.
func (s *Sim) SetStock(region, zone, instanceType string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stock[stockKey(region, zone, instanceType)] = n
}

// AddImage registers a self-owned image
func (s *Sim) AddImage(region string, img cloud.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regions[region].images = append(s.regions[region].images, img)
}

// AddKeyPair registers an imported key pair
func (s *Sim) AddKeyPair(region, name, fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regions[region].keyPairs[name] = cloud.KeyPair{Name: name, Fingerprint: fingerprint}
}

// MarkGone makes an instance disappear from describe responses
func (s *Sim) MarkGone(region, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.regions[region].instances[id]; ok {
		inst.gone = true
	}
}

// SetStatus overrides an instance's reported status
func (s *Sim) SetStatus(region, id, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.regions[region].instances[id]; ok {
		inst.state.Status = status
	}
}

// FailDeletes injects Initializing errors into the next n DeleteInstances
// calls
func (s *Sim) FailDeletes(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteFailures = n
}

// Launches returns every RunInstances attempt in order, as
// region/zone/type keys
func (s *Sim) Launches() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.launches...)
}

// Calls returns how many times an op was invoked
func (s *Sim) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Instances returns the IDs of all live instances in a region
func (s *Sim) Instances(region string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.regions[region].instances))
	for id, inst := range s.regions[region].instances {
		if !inst.gone {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Sim) count(op string) {
	s.calls[op]++
}

func (s *Sim) region(name string) (*simRegion, error) {
	r, ok := s.regions[name]
	if !ok {
		return nil, cloud.NewAPIError(cloud.ErrCodeNotFound, "region", fmt.Sprintf("unknown region %s", name), nil)
	}
	return r, nil
}

// Provider implements cloud.API
func (s *Sim) Provider() string { return "sim" }

func (s *Sim) DescribeRegions(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("DescribeRegions")
	regions := make([]string, 0, len(s.regions))
	for name := range s.regions {
		regions = append(regions, name)
	}
	return regions, nil
}

func (s *Sim) DescribeZones(_ context.Context, region string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("DescribeZones")
	r, err := s.region(region)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), r.zones...), nil
}

func (s *Sim) DescribeVPCs(_ context.Context, region string) ([]cloud.VPC, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("DescribeVPCs")
	r, err := s.region(region)
	if err != nil {
		return nil, err
	}
	return append([]cloud.VPC(nil), r.vpcs...), nil
}

func (s *Sim) CreateVPC(_ context.Context, region, name, cidr string, _ map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("CreateVPC")
	r, err := s.region(region)
	if err != nil {
		return "", err
	}
	id := s.id("vpc")
	r.vpcs = append(r.vpcs, cloud.VPC{ID: id, Name: name, CIDR: cidr, Status: cloud.StatusAvailable})
	return id, nil
}

func (s *Sim) DeleteVPC(_ context.Context, region, vpcID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("DeleteVPC")
	r, err := s.region(region)
	if err != nil {
		return err
	}
	for i, vpc := range r.vpcs {
		if vpc.ID == vpcID {
			r.vpcs = append(r.vpcs[:i], r.vpcs[i+1:]...)
			return nil
		}
	}
	return cloud.NewAPIError(cloud.ErrCodeNotFound, "DeleteVPC", vpcID, nil)
}

func (s *Sim) DescribeSubnets(_ context.Context, region, vpcID string) ([]cloud.Subnet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("DescribeSubnets")
	r, err := s.region(region)
	if err != nil {
		return nil, err
	}
	return append([]cloud.Subnet(nil), r.subnets...), nil
}

func (s *Sim) CreateSubnet(_ context.Context, region, vpcID, zoneID, name, cidr string, _ map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("CreateSubnet")
	r, err := s.region(region)
	if err != nil {
		return "", err
	}
	id := s.id("subnet")
	r.subnets = append(r.subnets, cloud.Subnet{ID: id, Name: name, ZoneID: zoneID, CIDR: cidr, Status: cloud.StatusAvailable})
	return id, nil
}

func (s *Sim) DeleteSubnet(_ context.Context, region, subnetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("DeleteSubnet")
	r, err := s.region(region)
	if err != nil {
		return err
	}
	for i, subnet := range r.subnets {
		if subnet.ID == subnetID {
			r.subnets = append(r.subnets[:i], r.subnets[i+1:]...)
			return nil
		}
	}
	return cloud.NewAPIError(cloud.ErrCodeNotFound, "DeleteSubnet", subnetID, nil)
}

func (s *Sim) DescribeSecurityGroups(_ context.Context, region, vpcID string) ([]cloud.SecurityGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("DescribeSecurityGroups")
	r, err := s.region(region)
	if err != nil {
		return nil, err
	}
	return append([]cloud.SecurityGroup(nil), r.groups...), nil
}

func (s *Sim) CreateSecurityGroup(_ context.Context, region, vpcID, name string, _ map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("CreateSecurityGroup")
	r, err := s.region(region)
	if err != nil {
		return "", err
	}
	id := s.id("sg")
	r.groups = append(r.groups, cloud.SecurityGroup{ID: id, Name: name})
	return id, nil
}

func (s *Sim) DescribeIngressRules(_ context.Context, region, sgID string) ([]cloud.IngressRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("DescribeIngressRules")
	r, err := s.region(region)
	if err != nil {
		return nil, err
	}
	return append([]cloud.IngressRule(nil), r.rules[sgID]...), nil
}

func (s *Sim) AuthorizeIngress(_ context.Context, region, sgID string, rule cloud.IngressRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("AuthorizeIngress")
	r, err := s.region(region)
	if err != nil {
		return err
	}
	r.rules[sgID] = append(r.rules[sgID], rule)
	return nil
}

func (s *Sim) DeleteSecurityGroup(_ context.Context, region, sgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("DeleteSecurityGroup")
	r, err := s.region(region)
	if err != nil {
		return err
	}
	for i, sg := range r.groups {
		if sg.ID == sgID {
			r.groups = append(r.groups[:i], r.groups[i+1:]...)
			delete(r.rules, sgID)
			return nil
		}
	}
	return cloud.NewAPIError(cloud.ErrCodeNotFound, "DeleteSecurityGroup", sgID, nil)
}

func (s *Sim) DescribeKeyPair(_ context.Context, region, name string) (*cloud.KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("DescribeKeyPair")
	r, err := s.region(region)
	if err != nil {
		return nil, err
	}
	kp, ok := r.keyPairs[name]
	if !ok {
		return nil, cloud.NewAPIError(cloud.ErrCodeNotFound, "DescribeKeyPair", name, nil)
	}
	return &kp, nil
}

func (s *Sim) ImportKeyPair(_ context.Context, region, name, publicKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("ImportKeyPair")
	r, err := s.region(region)
	if err != nil {
		return err
	}
	r.keyPairs[name] = cloud.KeyPair{Name: name, Fingerprint: fingerprintOf(publicKey)}
	return nil
}

func (s *Sim) DescribeImages(_ context.Context, region, name string) ([]cloud.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("DescribeImages")
	r, err := s.region(region)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return append([]cloud.Image(nil), r.images...), nil
	}
	var images []cloud.Image
	for _, img := range r.images {
		if img.Name == name {
			images = append(images, img)
		}
	}
	return images, nil
}

func (s *Sim) CopyImage(_ context.Context, destRegion, srcRegion, srcImageID, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("CopyImage")
	dest, err := s.region(destRegion)
	if err != nil {
		return "", err
	}
	src, err := s.region(srcRegion)
	if err != nil {
		return "", err
	}
	for _, img := range src.images {
		if img.ID == srcImageID {
			id := s.id("img")
			dest.images = append(dest.images, cloud.Image{ID: id, Name: name, Status: cloud.StatusAvailable})
			return id, nil
		}
	}
	return "", cloud.NewAPIError(cloud.ErrCodeNotFound, "CopyImage", srcImageID, nil)
}

func (s *Sim) CreateImage(_ context.Context, region, instanceID, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("CreateImage")
	r, err := s.region(region)
	if err != nil {
		return "", err
	}
	id := s.id("img")
	r.images = append(r.images, cloud.Image{ID: id, Name: name, Status: cloud.StatusAvailable})
	return id, nil
}

// RunInstances honors the stock table: launching fewer than MinCount
// available returns NoStock, otherwise up to Count instances launch.
func (s *Sim) RunInstances(_ context.Context, spec cloud.LaunchSpec) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("RunInstances")
	s.launches = append(s.launches, stockKey(spec.Region, spec.Zone, spec.InstanceType))
	r, err := s.region(spec.Region)
	if err != nil {
		return nil, err
	}

	minCount := spec.MinCount
	if minCount == 0 {
		minCount = spec.Count
	}

	grant := spec.Count
	key := stockKey(spec.Region, spec.Zone, spec.InstanceType)
	if avail, limited := s.stock[key]; limited {
		if avail < minCount {
			return nil, cloud.NewAPIError(cloud.ErrCodeNoStock, "RunInstances",
				fmt.Sprintf("no stock for %s", key), nil)
		}
		if grant > avail {
			grant = avail
		}
		s.stock[key] = avail - grant
	}

	ids := make([]string, 0, grant)
	for i := 0; i < grant; i++ {
		id := s.id("i")
		r.instances[id] = &simInstance{state: cloud.InstanceState{
			ID:     id,
			Name:   spec.Name,
			Status: "Pending",
			Tags:   spec.Tags,
		}}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Sim) DescribeInstances(_ context.Context, region string, ids []string) ([]cloud.InstanceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("DescribeInstances")
	r, err := s.region(region)
	if err != nil {
		return nil, err
	}

	var states []cloud.InstanceState
	for _, id := range ids {
		inst, ok := r.instances[id]
		if !ok || inst.gone {
			continue
		}
		s.tick(inst)
		states = append(states, inst.state)
	}
	return states, nil
}

func (s *Sim) ListInstances(_ context.Context, region string) ([]cloud.InstanceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("ListInstances")
	r, err := s.region(region)
	if err != nil {
		return nil, err
	}

	states := make([]cloud.InstanceState, 0, len(r.instances))
	for _, inst := range r.instances {
		if inst.gone {
			continue
		}
		states = append(states, inst.state)
	}
	return states, nil
}

// tick advances the simulated lifecycle of one instance
func (s *Sim) tick(inst *simInstance) {
	if s.AutoRun && inst.state.Status == "Pending" {
		inst.state.Status = "Running"
		inst.state.PublicIP = s.PublicIP
	}
}

func (s *Sim) AllocatePublicIP(_ context.Context, region, instanceID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("AllocatePublicIP")
	r, err := s.region(region)
	if err != nil {
		return "", err
	}
	inst, ok := r.instances[instanceID]
	if !ok {
		return "", cloud.NewAPIError(cloud.ErrCodeNotFound, "AllocatePublicIP", instanceID, nil)
	}
	inst.state.PublicIP = s.PublicIP
	return s.PublicIP, nil
}

func (s *Sim) StartInstance(_ context.Context, region, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("StartInstance")
	r, err := s.region(region)
	if err != nil {
		return err
	}
	if inst, ok := r.instances[instanceID]; ok {
		inst.state.Status = "Pending"
	}
	return nil
}

func (s *Sim) StopInstance(_ context.Context, region, instanceID string, _ bool, _ cloud.StopMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("StopInstance")
	r, err := s.region(region)
	if err != nil {
		return err
	}
	if inst, ok := r.instances[instanceID]; ok {
		inst.state.Status = "Stopped"
	}
	return nil
}

func (s *Sim) DeleteInstances(_ context.Context, region string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("DeleteInstances")
	if s.deleteFailures > 0 {
		s.deleteFailures--
		return cloud.NewAPIError(cloud.ErrCodeInitializing, "DeleteInstances", "instance is initializing", nil)
	}
	r, err := s.region(region)
	if err != nil {
		return err
	}
	for _, id := range ids {
		delete(r.instances, id)
	}
	return nil
}

func (s *Sim) id(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s-%06d", prefix, s.nextID)
}

// fingerprintOf computes the MD5 fingerprint providers report for an
// imported OpenSSH public key: the digest over the base64-decoded key body
func fingerprintOf(publicKey string) string {
	fields := strings.Fields(publicKey)
	if len(fields) < 2 {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(fields[1])
	if err != nil {
		return ""
	}
	sum := md5.Sum(raw)
	return hex.EncodeToString(sum[:])
}
