package provision

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/cloud"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/probe"
	"github.com/cuemby/burrow/pkg/types"
)

const (
	defaultCheckInterval = 3 * time.Second
	defaultStallTimeout  = 180 * time.Second
	defaultQueueSize     = 10000

	describeChunkSize = 100
)

// ErrRegionStalled is returned when a region makes no progress for the
// stall timeout while instances are still pending
var ErrRegionStalled = fmt.Errorf("region stalled: no state change before timeout")

// Manager tracks the instances of one region through the
// pending -> ready / lost lifecycle. The launch planner submits IDs, two
// background loops promote them: a describe loop polls the provider until
// an instance is Running with a public IP, an SSH loop probes TCP:22 until
// the host accepts connections.
//
// The three ID sets are disjoint; ready and lost are append-only.
type Manager struct {
	region       string
	targetNodes  int
	requestNodes int

	mu      sync.Mutex
	pending map[string]types.Instance
	ready   []types.ReadyHost
	lost    map[string]types.Instance

	// signal fires after every transition into ready or lost
	signal chan struct{}

	// runningQueue hands Running instances with IPs from the describe
	// loop to the SSH loop
	runningQueue chan map[string]string

	api    cloud.API
	probes *probe.Pool
	logger zerolog.Logger

	checkInterval time.Duration
	stallTimeout  time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	loopWG   sync.WaitGroup
}

// ManagerConfig configures a region manager
type ManagerConfig struct {
	Region      string
	TargetNodes int
	// AdditionalNodes allows over-provisioning beyond the target. The
	// request ceiling is TargetNodes + AdditionalNodes.
	AdditionalNodes int

	CheckInterval time.Duration
	StallTimeout  time.Duration
	QueueSize     int
}

// NewManager creates a manager for one region
func NewManager(cfg ManagerConfig, api cloud.API, probes *probe.Pool) *Manager {
	checkInterval := cfg.CheckInterval
	if checkInterval == 0 {
		checkInterval = defaultCheckInterval
	}
	stallTimeout := cfg.StallTimeout
	if stallTimeout == 0 {
		stallTimeout = defaultStallTimeout
	}
	queueSize := cfg.QueueSize
	if queueSize == 0 {
		queueSize = defaultQueueSize
	}

	return &Manager{
		region:        cfg.Region,
		targetNodes:   cfg.TargetNodes,
		requestNodes:  cfg.TargetNodes + cfg.AdditionalNodes,
		pending:       make(map[string]types.Instance),
		lost:          make(map[string]types.Instance),
		signal:        make(chan struct{}, 1),
		runningQueue:  make(chan map[string]string, queueSize),
		api:           api,
		probes:        probes,
		logger:        log.WithRegion(cfg.Region),
		checkInterval: checkInterval,
		stallTimeout:  stallTimeout,
		stopCh:        make(chan struct{}),
	}
}

// Start launches the describe and SSH loops
func (m *Manager) Start(ctx context.Context) {
	m.loopWG.Add(2)
	go m.describeLoop(ctx)
	go m.sshLoop(ctx)
}

// Stop terminates the background loops. Idempotent.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.loopWG.Wait()
}

// SubmitPending records launched instance IDs in the pending set
func (m *Manager) SubmitPending(ids []string, instanceType types.InstanceType, zone string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.pending[id] = types.Instance{ID: id, Type: instanceType, Zone: zone}
	}
	metrics.InstancesLaunched.WithLabelValues(m.region).Add(float64(len(ids)))
}

// ReadyNodes returns the workload-node capacity of the ready set
func (m *Manager) ReadyNodes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readyNodesLocked()
}

func (m *Manager) readyNodesLocked() int {
	total := 0
	for _, h := range m.ready {
		total += h.Instance.Type.Nodes
	}
	return total
}

func (m *Manager) pendingNodesLocked() int {
	total := 0
	for _, inst := range m.pending {
		total += inst.Type.Nodes
	}
	return total
}

// CopyReady returns a snapshot of the ready set
func (m *Manager) CopyReady() []types.ReadyHost {
	m.mu.Lock()
	defer m.mu.Unlock()
	hosts := make([]types.ReadyHost, len(m.ready))
	copy(hosts, m.ready)
	return hosts
}

// RestNodes returns how many more workload nodes the planner should try to
// launch. Zero means the target is satisfied. When the outcome depends on
// still-pending instances the call blocks until a state change; no state
// change within the stall timeout returns ErrRegionStalled.
//
// With waitForPendings the call only returns a shortfall once the pending
// set has fully drained, which makes it the planner's final accounting
// call after all candidates are exhausted.
func (m *Manager) RestNodes(waitForPendings bool) (int, error) {
	for {
		m.mu.Lock()
		readyNodes := m.readyNodesLocked()
		pendingNodes := m.pendingNodesLocked()

		if readyNodes >= m.targetNodes {
			m.mu.Unlock()
			return 0, nil
		}

		if readyNodes+pendingNodes < m.requestNodes && (!waitForPendings || pendingNodes == 0) {
			m.mu.Unlock()
			return m.requestNodes - readyNodes - pendingNodes, nil
		}
		m.mu.Unlock()

		select {
		case <-m.signal:
		case <-time.After(m.stallTimeout):
			return 0, fmt.Errorf("region %s: %w", m.region, ErrRegionStalled)
		}
	}
}

// fireSignal wakes a blocked RestNodes call without blocking the caller
func (m *Manager) fireSignal() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// describeLoop polls the provider for the pending set and classifies each
// instance: Running with an IP moves to the SSH loop's queue, transitional
// statuses stay pending, everything else (including absence from the
// response) is lost.
func (m *Manager) describeLoop(ctx context.Context) {
	defer m.loopWG.Done()

	// handedOff tracks IDs already enqueued for SSH probing so they are
	// not re-described every tick
	handedOff := make(map[string]struct{})

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		m.mu.Lock()
		toCheck := make([]string, 0, len(m.pending))
		for id := range m.pending {
			if _, ok := handedOff[id]; !ok {
				toCheck = append(toCheck, id)
			}
		}
		m.mu.Unlock()

		if len(toCheck) > 0 {
			m.describeOnce(ctx, toCheck, handedOff)
		}

		m.mu.Lock()
		done := m.readyNodesLocked() >= m.targetNodes
		m.mu.Unlock()
		if done {
			m.logger.Info().Msg("Target nodes reached, describe loop exiting")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// describeOnce performs one classification pass over the given IDs
func (m *Manager) describeOnce(ctx context.Context, toCheck []string, handedOff map[string]struct{}) {
	running := make(map[string]string)
	stillPending := make(map[string]struct{})

	for start := 0; start < len(toCheck); start += describeChunkSize {
		end := start + describeChunkSize
		if end > len(toCheck) {
			end = len(toCheck)
		}

		states, err := m.api.DescribeInstances(ctx, m.region, toCheck[start:end])
		if err != nil {
			// Read errors are transient; the next tick retries
			m.logger.Warn().Err(err).Msg("Describe instances failed")
			return
		}

		for _, state := range states {
			switch types.InstanceStatus(state.Status) {
			case types.InstanceStatusRunning:
				if state.PublicIP != "" {
					running[state.ID] = state.PublicIP
				} else {
					stillPending[state.ID] = struct{}{}
				}
			case types.InstanceStatusStarting, types.InstanceStatusPending, types.InstanceStatusStopped:
				// Providers may briefly report Stopped during early boot
				stillPending[state.ID] = struct{}{}
			}
		}
	}

	if len(running) > 0 {
		select {
		case m.runningQueue <- running:
			m.logger.Info().Int("count", len(running)).Msg("Instances running, queued for SSH probe")
			for id := range running {
				handedOff[id] = struct{}{}
			}
		default:
			// Queue full: leave unmarked, the next tick retries
			m.logger.Warn().Msg("Running queue full, deferring handoff")
			return
		}
	}

	// Anything neither running nor transitional is lost, including IDs
	// absent from the response entirely
	var lostIDs []string
	for _, id := range toCheck {
		if _, ok := running[id]; ok {
			continue
		}
		if _, ok := stillPending[id]; ok {
			continue
		}
		lostIDs = append(lostIDs, id)
	}

	if len(lostIDs) > 0 {
		m.mu.Lock()
		for _, id := range lostIDs {
			if inst, ok := m.pending[id]; ok {
				delete(m.pending, id)
				m.lost[id] = inst
			}
		}
		m.mu.Unlock()
		m.logger.Warn().Strs("instance_ids", lostIDs).Msg("Instances lost or stopped")
		metrics.InstancesLost.WithLabelValues(m.region, "terminated").Add(float64(len(lostIDs)))
		m.fireSignal()
	}
}

// sshLoop drains the running queue and submits each host to the shared
// probe pool. Probe results move instances to ready or lost.
func (m *Manager) sshLoop(ctx context.Context) {
	defer m.loopWG.Done()

	var probeWG sync.WaitGroup
	defer probeWG.Wait()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case batch := <-m.runningQueue:
			for id, ip := range batch {
				probeWG.Add(1)
				go func(id, ip string) {
					defer probeWG.Done()
					err := m.probes.WaitReachable(ctx, ip)
					m.finishProbe(id, ip, err)
				}(id, ip)
			}
		case <-ticker.C:
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		}

		m.mu.Lock()
		done := m.readyNodesLocked() >= m.targetNodes
		m.mu.Unlock()
		if done {
			m.logger.Info().Msg("Target nodes reached, SSH loop exiting")
			return
		}
	}
}

// finishProbe applies one probe result to the state sets
func (m *Manager) finishProbe(id, ip string, probeErr error) {
	m.mu.Lock()
	inst, ok := m.pending[id]
	if !ok {
		// Already moved by a concurrent transition
		m.mu.Unlock()
		return
	}
	delete(m.pending, id)

	if probeErr == nil {
		m.ready = append(m.ready, types.ReadyHost{Instance: inst, IP: ip, ReadyAt: time.Now()})
	} else {
		m.lost[id] = inst
	}
	m.mu.Unlock()

	if probeErr == nil {
		m.logger.Info().Str("instance_id", id).Str("ip", ip).Msg("SSH reachable")
		metrics.InstancesReady.WithLabelValues(m.region).Inc()
	} else {
		m.logger.Warn().Str("instance_id", id).Str("ip", ip).Err(probeErr).Msg("SSH probe failed")
		metrics.InstancesLost.WithLabelValues(m.region, "ssh_timeout").Inc()
	}
	m.fireSignal()
}
