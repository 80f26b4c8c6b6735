package provision

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/cloud"
	"github.com/cuemby/burrow/pkg/cloud/cloudtest"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/probe"
	"github.com/cuemby/burrow/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

var t1 = types.InstanceType{Name: "t1", Nodes: 1}

// sshListener opens a local TCP listener standing in for a host's SSH port
func sshListener(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

// closedPort returns a port nothing listens on
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, ln.Close())
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

// testPool builds a probe pool with short test timings aimed at the port
func testPool(port int) *probe.Pool {
	pool := probe.NewPool(100)
	pool.Port = port
	pool.DialTimeout = 200 * time.Millisecond
	pool.RetryInterval = 20 * time.Millisecond
	pool.Deadline = 500 * time.Millisecond
	return pool
}

func testManager(sim *cloudtest.Sim, pool *probe.Pool, target int) *Manager {
	return NewManager(ManagerConfig{
		Region:        "r1",
		TargetNodes:   target,
		CheckInterval: 10 * time.Millisecond,
		StallTimeout:  2 * time.Second,
	}, sim, pool)
}

func launchIDs(t *testing.T, sim *cloudtest.Sim, zone string, count int) []string {
	t.Helper()
	ids, err := sim.RunInstances(context.Background(), cloud.LaunchSpec{
		Region: "r1", Zone: zone, InstanceType: t1.Name, Count: count,
	})
	require.NoError(t, err)
	return ids
}

func TestManagerPromotesToReady(t *testing.T) {
	sim := cloudtest.New(map[string][]string{"r1": {"zA"}})
	mgr := testManager(sim, testPool(sshListener(t)), 3)

	mgr.Start(context.Background())
	defer mgr.Stop()

	mgr.SubmitPending(launchIDs(t, sim, "zA", 3), t1, "zA")

	assert.Eventually(t, func() bool {
		return mgr.ReadyNodes() >= 3
	}, 5*time.Second, 10*time.Millisecond)

	ready := mgr.CopyReady()
	require.Len(t, ready, 3)
	for _, h := range ready {
		assert.Equal(t, "127.0.0.1", h.IP)
		assert.Equal(t, t1, h.Instance.Type)
	}

	rest, err := mgr.RestNodes(false)
	require.NoError(t, err)
	assert.Zero(t, rest)
}

func TestManagerLostInstance(t *testing.T) {
	sim := cloudtest.New(map[string][]string{"r1": {"zA"}})
	mgr := testManager(sim, testPool(sshListener(t)), 2)

	ids := launchIDs(t, sim, "zA", 2)
	sim.MarkGone("r1", ids[1])

	mgr.Start(context.Background())
	defer mgr.Stop()
	mgr.SubmitPending(ids, t1, "zA")

	// The surviving instance becomes ready, the gone one is lost
	assert.Eventually(t, func() bool {
		mgr.mu.Lock()
		defer mgr.mu.Unlock()
		return len(mgr.ready) == 1 && len(mgr.lost) == 1 && len(mgr.pending) == 0
	}, 5*time.Second, 10*time.Millisecond)

	rest, err := mgr.RestNodes(true)
	require.NoError(t, err)
	assert.Equal(t, 1, rest)

	mgr.mu.Lock()
	_, lostTracked := mgr.lost[ids[1]]
	mgr.mu.Unlock()
	assert.True(t, lostTracked)
}

func TestManagerSSHFailureMovesToLost(t *testing.T) {
	sim := cloudtest.New(map[string][]string{"r1": {"zA"}})
	mgr := testManager(sim, testPool(closedPort(t)), 1)

	mgr.Start(context.Background())
	defer mgr.Stop()
	mgr.SubmitPending(launchIDs(t, sim, "zA", 1), t1, "zA")

	rest, err := mgr.RestNodes(true)
	require.NoError(t, err)
	assert.Equal(t, 1, rest)
	assert.Empty(t, mgr.CopyReady())
}

func TestManagerStallFatal(t *testing.T) {
	sim := cloudtest.New(map[string][]string{"r1": {"zA"}})
	sim.AutoRun = false // instances never leave Pending

	mgr := NewManager(ManagerConfig{
		Region:        "r1",
		TargetNodes:   1,
		CheckInterval: 10 * time.Millisecond,
		StallTimeout:  100 * time.Millisecond,
	}, sim, testPool(closedPort(t)))

	mgr.Start(context.Background())
	defer mgr.Stop()
	mgr.SubmitPending(launchIDs(t, sim, "zA", 1), t1, "zA")

	_, err := mgr.RestNodes(false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRegionStalled)
}

// TestManagerInvariants checks set disjointness and node accounting after
// a run mixing ready and lost outcomes
func TestManagerInvariants(t *testing.T) {
	sim := cloudtest.New(map[string][]string{"r1": {"zA"}})
	mgr := testManager(sim, testPool(sshListener(t)), 5)

	ids := launchIDs(t, sim, "zA", 5)
	sim.MarkGone("r1", ids[0])
	sim.MarkGone("r1", ids[3])

	mgr.Start(context.Background())
	defer mgr.Stop()
	mgr.SubmitPending(ids, t1, "zA")

	assert.Eventually(t, func() bool {
		mgr.mu.Lock()
		defer mgr.mu.Unlock()
		return len(mgr.pending) == 0
	}, 5*time.Second, 10*time.Millisecond)

	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	assert.Len(t, mgr.ready, 3)
	assert.Len(t, mgr.lost, 2)

	// Disjointness: no ID appears in two sets
	for _, h := range mgr.ready {
		_, inLost := mgr.lost[h.Instance.ID]
		assert.False(t, inLost, "instance %s both ready and lost", h.Instance.ID)
	}

	// Accounting: every submitted node is ready, pending or lost
	total := len(mgr.ready) + len(mgr.lost) + len(mgr.pending)
	assert.Equal(t, len(ids), total)
}

func TestManagerRestNodesCountsPending(t *testing.T) {
	sim := cloudtest.New(map[string][]string{"r1": {"zA"}})
	sim.AutoRun = false

	mgr := testManager(sim, testPool(closedPort(t)), 4)
	mgr.Start(context.Background())
	defer mgr.Stop()

	// No pending yet: the full request is outstanding
	rest, err := mgr.RestNodes(false)
	require.NoError(t, err)
	assert.Equal(t, 4, rest)

	mgr.SubmitPending(launchIDs(t, sim, "zA", 3), t1, "zA")

	rest, err = mgr.RestNodes(false)
	require.NoError(t, err)
	assert.Equal(t, 1, rest)
}
