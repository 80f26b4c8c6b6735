package provision

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/cloud"
	"github.com/cuemby/burrow/pkg/infra"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/probe"
	"github.com/cuemby/burrow/pkg/types"
)

const (
	defaultInfraConcurrency  = 5
	defaultLaunchConcurrency = 10
)

// RegionRequest is the node demand of one region
type RegionRequest struct {
	Region string
	Count  int
	// Zones restricts and orders the zones used; empty means all
	Zones []string
}

// Request is a full provisioning run across regions
type Request struct {
	Regions    []RegionRequest
	Candidates []types.InstanceType
	Launch     types.LaunchConfig

	InfraName    string
	VPCCIDR      string
	ImageName    string
	Key          *infra.LocalKey
	KeyPairName  string
	ExtraIngress []cloud.IngressRule
	Build        *infra.BuildConfig

	AllowCreate bool
	InfraOnly   bool
	// AdditionalNodes is over-provisioning slack per region
	AdditionalNodes int

	InfraConcurrency  int
	LaunchConcurrency int

	// Manager timing overrides, zero selects the defaults
	CheckInterval time.Duration
	StallTimeout  time.Duration
}

// Result aggregates the outcome of a provisioning run
type Result struct {
	Hosts []types.HostSpec
	// FailedRegions maps a region to its fatal error. A failed region
	// contributes whatever hosts it managed to ready before failing.
	FailedRegions map[string]error
	// Shortfall is the number of requested workload nodes not provisioned
	Shortfall int
}

// Orchestrator runs the infra reconciler and the launch controllers across
// all configured regions
type Orchestrator struct {
	api        cloud.API
	probes     *probe.Pool
	reconciler *infra.Reconciler
	logger     zerolog.Logger
}

// NewOrchestrator creates an orchestrator sharing one probe pool across
// all region managers
func NewOrchestrator(api cloud.API, probes *probe.Pool) *Orchestrator {
	return &Orchestrator{
		api:        api,
		probes:     probes,
		reconciler: infra.NewReconciler(api),
		logger:     log.WithComponent("orchestrator"),
	}
}

// Run reconciles infra in every region, then launches instances until each
// region's demand is met or exhausted. One region's failure never cancels
// its peers; the error return is non-nil only when every region failed.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	result := &Result{FailedRegions: make(map[string]error)}

	searchRegions := make([]string, 0, len(req.Regions))
	for _, r := range req.Regions {
		searchRegions = append(searchRegions, r.Region)
	}

	infos := o.ensureInfra(ctx, req, searchRegions, result)
	if len(infos) == 0 {
		return result, fmt.Errorf("infra reconciliation failed in all %d regions", len(req.Regions))
	}
	o.logger.Info().Int("regions", len(infos)).Msg("Infra check passed")

	if req.InfraOnly {
		return result, nil
	}

	o.launchAll(ctx, req, infos, result)

	for _, r := range req.Regions {
		ready := 0
		for _, h := range result.Hosts {
			if h.Region == r.Region {
				ready += h.NodesPerHost
			}
		}
		if ready < r.Count {
			result.Shortfall += r.Count - ready
		}
	}

	if len(result.FailedRegions) == len(req.Regions) {
		return result, fmt.Errorf("provisioning failed in all %d regions", len(req.Regions))
	}
	if result.Shortfall > 0 {
		o.logger.Warn().Int("shortfall", result.Shortfall).Msg("Provisioned fewer nodes than requested")
	}
	return result, nil
}

// ensureInfra reconciles every region with bounded concurrency and returns
// the successfully reconciled region infos
func (o *Orchestrator) ensureInfra(ctx context.Context, req Request, searchRegions []string, result *Result) map[string]*types.RegionInfo {
	concurrency := req.InfraConcurrency
	if concurrency == 0 {
		concurrency = defaultInfraConcurrency
	}

	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		sem   = make(chan struct{}, concurrency)
		infos = make(map[string]*types.RegionInfo)
	)

	for _, r := range req.Regions {
		wg.Add(1)
		go func(r RegionRequest) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			info, err := o.reconciler.EnsureRegion(ctx, infra.Request{
				Region:        r.Region,
				Zones:         r.Zones,
				InfraName:     req.InfraName,
				VPCCIDR:       req.VPCCIDR,
				ImageName:     req.ImageName,
				SearchRegions: searchRegions,
				Build:         req.Build,
				Key:           req.Key,
				KeyPairName:   req.KeyPairName,
				ExtraIngress:  req.ExtraIngress,
				AllowCreate:   req.AllowCreate,
				Tags:          req.Launch.Tags(),
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				o.logger.Error().Err(err).Str("region", r.Region).Msg("Infra reconciliation failed")
				result.FailedRegions[r.Region] = err
				return
			}
			infos[r.Region] = info
		}(r)
	}
	wg.Wait()

	return infos
}

// launchAll runs one manager+planner per reconciled region with bounded
// concurrency and merges host lists
func (o *Orchestrator) launchAll(ctx context.Context, req Request, infos map[string]*types.RegionInfo, result *Result) {
	concurrency := req.LaunchConcurrency
	if concurrency == 0 {
		concurrency = defaultLaunchConcurrency
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, concurrency)
	)

	for _, r := range req.Regions {
		info, ok := infos[r.Region]
		if !ok {
			continue
		}

		wg.Add(1)
		go func(r RegionRequest, info *types.RegionInfo) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			mgr := NewManager(ManagerConfig{
				Region:          r.Region,
				TargetNodes:     r.Count,
				AdditionalNodes: req.AdditionalNodes,
				CheckInterval:   req.CheckInterval,
				StallTimeout:    req.StallTimeout,
			}, o.api, o.probes)
			mgr.Start(ctx)
			defer mgr.Stop()

			planner := NewPlanner(o.api, req.Launch)
			hosts, err := planner.Launch(ctx, mgr, info, req.Candidates, r.Count)

			mu.Lock()
			defer mu.Unlock()
			result.Hosts = append(result.Hosts, hosts...)
			if err != nil {
				o.logger.Error().Err(err).Str("region", r.Region).Msg("Launch failed")
				result.FailedRegions[r.Region] = err
			}
		}(r, info)
	}
	wg.Wait()
}
