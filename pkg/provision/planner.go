package provision

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/cloud"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
)

// Planner drives run-instances calls for one region until the requested
// workload-node count is met or every (type, zone) combination is
// exhausted. State lives in the Manager; the planner only submits.
type Planner struct {
	api    cloud.API
	cfg    types.LaunchConfig
	logger zerolog.Logger
}

// NewPlanner creates a planner launching with the given config
func NewPlanner(api cloud.API, cfg types.LaunchConfig) *Planner {
	return &Planner{
		api:    api,
		cfg:    cfg,
		logger: log.WithComponent("planner"),
	}
}

// Launch provisions nodeCount workload nodes in the region and returns the
// host specs of every instance that became SSH-reachable. A shortfall is
// not an error: the caller reads it from the returned host count.
func (p *Planner) Launch(ctx context.Context, mgr *Manager, region *types.RegionInfo, candidates []types.InstanceType, nodeCount int) ([]types.HostSpec, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("region %s: no candidate instance types", region.Region)
	}

	logger := p.logger.With().Str("region", region.Region).Logger()
	zones := region.OrderedZones()
	if len(zones) == 0 {
		return nil, fmt.Errorf("region %s: no zones reconciled", region.Region)
	}

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.RegionProvisionDuration, region.Region)
	}()

	// Fast path: all nodes on the default type in a single zone
	defaultType := candidates[0]
	amount := ceilDiv(nodeCount, defaultType.Nodes)
	p.trySingleZone(ctx, mgr, region, zones, defaultType, amount, logger)

	// Row-major walk over every (type, zone) combination. The default
	// type stays in the walk: its stock may return.
	plan := newTupleIterator(candidates, zones)
	current, zone, ok := plan.next()

	for ok {
		rest, err := mgr.RestNodes(false)
		if err != nil {
			return p.hosts(mgr, region), err
		}
		if rest <= 0 {
			logger.Info().Msg("Launch complete")
			return p.hosts(mgr, region), nil
		}

		amount := ceilDiv(rest, current.Nodes)
		ids := p.launch(ctx, region, zone, current, amount, true, logger)
		if len(ids) > 0 {
			mgr.SubmitPending(ids, current, zone.ZoneID)
		}
		if len(ids) < amount {
			// This combination is exhausted for now, try the next
			current, zone, ok = plan.next()
		}
	}

	// Every combination exhausted: drain pending and report what we got
	rest, err := mgr.RestNodes(true)
	if err != nil {
		return p.hosts(mgr, region), err
	}
	if rest > 0 {
		logger.Error().Int("requested", nodeCount).Int("ready", mgr.ReadyNodes()).Msg("Could not launch enough nodes")
	}
	return p.hosts(mgr, region), nil
}

// trySingleZone attempts to place the full request in one zone with the
// default type, walking zones in preference order. The first zone that
// returns any IDs wins, even if the launch was partial.
func (p *Planner) trySingleZone(ctx context.Context, mgr *Manager, region *types.RegionInfo, zones []types.ZoneInfo, instanceType types.InstanceType, amount int, logger zerolog.Logger) {
	for _, zone := range zones {
		ids := p.launch(ctx, region, zone, instanceType, amount, false, logger)
		if len(ids) == 0 {
			continue
		}
		if len(ids) < amount {
			logger.Warn().Str("zone", zone.ZoneID).Int("requested", amount).Int("got", len(ids)).Msg("Single-zone launch partially succeeded")
		}
		mgr.SubmitPending(ids, instanceType, zone.ZoneID)
		return
	}
}

// launch performs one run-instances call. NoStock and other errors both
// return an empty slice; the distinction only matters for logging. With
// allowPartial the call asks the provider to accept any count from one up.
func (p *Planner) launch(ctx context.Context, region *types.RegionInfo, zone types.ZoneInfo, instanceType types.InstanceType, amount int, allowPartial bool, logger zerolog.Logger) []string {
	spec := cloud.LaunchSpec{
		Region:          region.Region,
		Zone:            zone.ZoneID,
		ImageID:         region.ImageID,
		InstanceType:    instanceType.Name,
		SubnetID:        zone.SubnetID,
		SecurityGroupID: region.SecurityGroupID,
		KeyPairName:     region.KeyPairName,
		Name:            fmt.Sprintf("%s-%d", p.cfg.NamePrefix, time.Now().Unix()),
		Count:           amount,
		Charging:        cloud.ChargingOnDemand,
		DiskSizeGB:      p.cfg.DiskSizeGB,
		BandwidthMB:     p.cfg.BandwidthMB,
		Tags:            p.cfg.Tags(),
	}
	if allowPartial {
		spec.MinCount = 1
	}

	// Spot first, on-demand when spot stock is gone
	if p.cfg.Spot {
		spec.Charging = cloud.ChargingSpot
		ids, err := p.runInstances(ctx, spec)
		if err == nil {
			logger.Info().Str("zone", zone.ZoneID).Str("type", instanceType.Name).Int("count", len(ids)).Msg("Launched spot instances")
			return ids
		}
		if !cloud.IsNoStock(err) {
			logger.Error().Err(err).Str("zone", zone.ZoneID).Str("type", instanceType.Name).Msg("Spot launch failed")
			return nil
		}
		spec.Charging = cloud.ChargingOnDemand
	}

	ids, err := p.runInstances(ctx, spec)
	if err != nil {
		if cloud.IsNoStock(err) {
			metrics.NoStockTotal.WithLabelValues(region.Region, instanceType.Name).Inc()
			logger.Warn().Str("zone", zone.ZoneID).Str("type", instanceType.Name).Int("amount", amount).Msg("No stock")
		} else {
			logger.Error().Err(err).Str("zone", zone.ZoneID).Str("type", instanceType.Name).Msg("Run instances failed")
		}
		return nil
	}

	logger.Info().Str("zone", zone.ZoneID).Str("type", instanceType.Name).Int("count", len(ids)).Strs("instance_ids", ids).Msg("Launched instances")
	return ids
}

// runInstances retries transient failures; NoStock and auth errors are
// classification outcomes, not transient faults, and pass through.
func (p *Planner) runInstances(ctx context.Context, spec cloud.LaunchSpec) ([]string, error) {
	var ids []string
	err := retry.Do(
		func() error {
			var err error
			ids, err = p.api.RunInstances(ctx, spec)
			return err
		},
		retry.RetryIf(func(err error) bool {
			return !cloud.IsNoStock(err) && !cloud.IsAuth(err)
		}),
		retry.Attempts(3),
		retry.Delay(2*time.Second),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// hosts converts the manager's ready set into inventory host specs
func (p *Planner) hosts(mgr *Manager, region *types.RegionInfo) []types.HostSpec {
	ready := mgr.CopyReady()
	hosts := make([]types.HostSpec, 0, len(ready))
	for _, h := range ready {
		hosts = append(hosts, types.HostSpec{
			IP:           h.IP,
			NodesPerHost: h.Instance.Type.Nodes,
			SSHUser:      p.cfg.SSHUser,
			SSHKeyPath:   region.KeyPath,
			Provider:     p.api.Provider(),
			Region:       region.Region,
			InstanceID:   h.Instance.ID,
		})
	}
	return hosts
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}
