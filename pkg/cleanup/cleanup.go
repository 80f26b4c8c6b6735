package cleanup

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/cloud"
	"github.com/cuemby/burrow/pkg/inventory"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/waiter"
)

const (
	deleteBatchSize    = 100
	defaultConcurrency = 10
)

// Options scopes a cleanup sweep
type Options struct {
	// Regions to sweep; empty means every region the provider exposes
	Regions []string

	CommonTagKey   string
	CommonTagValue string
	UserTagKey     string
	UserTagValue   string

	// DeleteNetwork also removes the VPCs whose name carries the sweep
	// prefix, together with their subnets. Security groups with the prefix
	// are swept either way.
	DeleteNetwork bool

	Concurrency int
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.CommonTagKey == "" {
		opts.CommonTagKey = types.CommonTagKey
	}
	if opts.CommonTagValue == "" {
		opts.CommonTagValue = types.CommonTagValue
	}
	if opts.UserTagKey == "" {
		opts.UserTagKey = types.UserTagKey
	}
	if opts.Concurrency == 0 {
		opts.Concurrency = defaultConcurrency
	}
	return opts
}

// prefix is the resource name prefix shared by the sweep's infra resources
func (o Options) prefix() string {
	return fmt.Sprintf("%s-%s", o.CommonTagKey, o.UserTagValue)
}

// matches reports whether an instance carries both tag pairs
func (o Options) matches(tags map[string]string) bool {
	return tags[o.CommonTagKey] == o.CommonTagValue && tags[o.UserTagKey] == o.UserTagValue
}

// Sweeper deletes burrow-tagged resources across regions
type Sweeper struct {
	api    cloud.API
	waiter *waiter.Waiter
	logger zerolog.Logger

	// RetryDelay paces delete retries on Initializing
	RetryDelay time.Duration
}

// NewSweeper creates a sweeper over the given cloud API
func NewSweeper(api cloud.API) *Sweeper {
	return &Sweeper{
		api:        api,
		waiter:     waiter.DefaultWaiter(),
		logger:     log.WithComponent("cleanup"),
		RetryDelay: 5 * time.Second,
	}
}

// Run sweeps every matching instance (and optionally network resource) in
// the configured regions. Region failures are logged and do not stop the
// sweep of other regions.
func (s *Sweeper) Run(ctx context.Context, opts Options) error {
	opts = opts.withDefaults()

	regions := opts.Regions
	if len(regions) == 0 {
		all, err := s.api.DescribeRegions(ctx)
		if err != nil {
			return fmt.Errorf("describe regions: %w", err)
		}
		regions = all
	}

	var (
		wg   sync.WaitGroup
		sem  = make(chan struct{}, opts.Concurrency)
		mu   sync.Mutex
		errs []error
	)

	for _, region := range regions {
		wg.Add(1)
		go func(region string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if err := s.sweepRegion(ctx, region, opts); err != nil {
				s.logger.Warn().Err(err).Str("region", region).Msg("Region sweep failed")
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(region)
	}
	wg.Wait()

	if len(errs) == len(regions) && len(regions) > 0 {
		return fmt.Errorf("cleanup failed in all %d regions: %v", len(regions), errs[0])
	}
	return nil
}

// FromInventory deletes exactly the instances recorded in a prior run's
// inventory file
func (s *Sweeper) FromInventory(ctx context.Context, inv *inventory.Inventory) error {
	byRegion := make(map[string][]string)
	for _, h := range inv.Hosts {
		byRegion[h.Region] = append(byRegion[h.Region], h.InstanceID)
	}

	for region, ids := range byRegion {
		logger := s.logger.With().Str("region", region).Logger()
		states, err := s.api.DescribeInstances(ctx, region, ids)
		if err != nil {
			return fmt.Errorf("describe instances in %s: %w", region, err)
		}
		if err := s.deleteInstances(ctx, region, states, logger); err != nil {
			return err
		}
	}
	return nil
}

// sweepRegion lists, stops and deletes every tagged instance in one region
func (s *Sweeper) sweepRegion(ctx context.Context, region string, opts Options) error {
	logger := s.logger.With().Str("region", region).Logger()
	logger.Info().Msg("Sweeping region")

	instances, err := s.api.ListInstances(ctx, region)
	if err != nil {
		return fmt.Errorf("list instances in %s: %w", region, err)
	}

	matched := make([]cloud.InstanceState, 0, len(instances))
	for _, inst := range instances {
		if opts.matches(inst.Tags) {
			matched = append(matched, inst)
		}
	}

	if len(matched) > 0 {
		logger.Info().Int("count", len(matched)).Msg("Deleting tagged instances")
		if err := s.deleteInstances(ctx, region, matched, logger); err != nil {
			return err
		}
	}

	s.sweepSecurityGroups(ctx, region, opts, logger)

	if opts.DeleteNetwork {
		s.sweepNetworks(ctx, region, opts, logger)
	}

	logger.Info().Msg("Region sweep done")
	return nil
}

// deleteInstances stops running instances, waits for Stopped and deletes in
// batches. Deletes hitting Initializing are retried up to five attempts at
// a fixed delay.
func (s *Sweeper) deleteInstances(ctx context.Context, region string, instances []cloud.InstanceState, logger zerolog.Logger) error {
	stopped := 0
	for _, inst := range instances {
		if types.InstanceStatus(inst.Status) == types.InstanceStatusStopped {
			continue
		}
		if err := s.api.StopInstance(ctx, region, inst.ID, true, cloud.StopCharging); err != nil {
			logger.Warn().Err(err).Str("instance_id", inst.ID).Msg("Stop failed, delete will retry")
			continue
		}
		stopped++
	}

	ids := make([]string, 0, len(instances))
	for _, inst := range instances {
		ids = append(ids, inst.ID)
	}

	if stopped > 0 {
		err := s.waiter.WaitFor(ctx, func(ctx context.Context) (bool, error) {
			states, err := s.api.DescribeInstances(ctx, region, ids)
			if err != nil {
				return false, err
			}
			for _, st := range states {
				if types.InstanceStatus(st.Status) != types.InstanceStatusStopped {
					return false, nil
				}
			}
			return true, nil
		}, fmt.Sprintf("%d instances stopped in %s", stopped, region))
		if err != nil {
			// Force delete below still has the Initializing retry
			logger.Warn().Err(err).Msg("Not all instances reached Stopped")
		}
	}

	for start := 0; start < len(ids); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		err := retry.Do(
			func() error {
				return s.api.DeleteInstances(ctx, region, batch)
			},
			retry.RetryIf(cloud.IsInitializing),
			retry.Attempts(5),
			retry.Delay(s.RetryDelay),
			retry.DelayType(retry.FixedDelay),
			retry.Context(ctx),
		)
		if err != nil {
			return fmt.Errorf("delete instances in %s: %w", region, err)
		}
		metrics.InstancesDeleted.WithLabelValues(region).Add(float64(len(batch)))
		logger.Info().Strs("instance_ids", batch).Msg("Deleted instances")
	}
	return nil
}

// sweepSecurityGroups best-effort deletes groups named with the sweep
// prefix. Failures (still-attached instances) are logged, not fatal.
func (s *Sweeper) sweepSecurityGroups(ctx context.Context, region string, opts Options, logger zerolog.Logger) {
	vpcs, err := s.api.DescribeVPCs(ctx, region)
	if err != nil {
		logger.Warn().Err(err).Msg("Describe VPCs failed")
		return
	}

	for _, vpc := range vpcs {
		groups, err := s.api.DescribeSecurityGroups(ctx, region, vpc.ID)
		if err != nil {
			logger.Warn().Err(err).Str("vpc_id", vpc.ID).Msg("Describe security groups failed")
			continue
		}
		for _, sg := range groups {
			if !strings.HasPrefix(sg.Name, opts.prefix()) {
				continue
			}
			if err := s.api.DeleteSecurityGroup(ctx, region, sg.ID); err != nil {
				logger.Warn().Err(err).Str("security_group_id", sg.ID).Msg("Delete security group failed")
				continue
			}
			logger.Info().Str("security_group_id", sg.ID).Msg("Deleted security group")
		}
	}
}

// sweepNetworks deletes prefixed VPCs together with all of their subnets.
// Ordered: subnets first, a VPC with subnets cannot be deleted.
func (s *Sweeper) sweepNetworks(ctx context.Context, region string, opts Options, logger zerolog.Logger) {
	vpcs, err := s.api.DescribeVPCs(ctx, region)
	if err != nil {
		logger.Warn().Err(err).Msg("Describe VPCs failed")
		return
	}

	for _, vpc := range vpcs {
		if !strings.HasPrefix(vpc.Name, opts.prefix()) {
			continue
		}

		subnets, err := s.api.DescribeSubnets(ctx, region, vpc.ID)
		if err != nil {
			logger.Warn().Err(err).Str("vpc_id", vpc.ID).Msg("Describe subnets failed")
			continue
		}
		failed := false
		for _, subnet := range subnets {
			if err := s.api.DeleteSubnet(ctx, region, subnet.ID); err != nil {
				logger.Warn().Err(err).Str("subnet_id", subnet.ID).Msg("Delete subnet failed")
				failed = true
			}
		}
		if failed {
			continue
		}

		if err := s.api.DeleteVPC(ctx, region, vpc.ID); err != nil {
			logger.Warn().Err(err).Str("vpc_id", vpc.ID).Msg("Delete VPC failed")
			continue
		}
		logger.Info().Str("vpc_id", vpc.ID).Msg("Deleted VPC")
	}
}
