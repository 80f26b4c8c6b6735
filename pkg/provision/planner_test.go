package provision

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/cloud/cloudtest"
	"github.com/cuemby/burrow/pkg/types"
)

func testRegionInfo(zones ...string) *types.RegionInfo {
	info := &types.RegionInfo{
		Region:          "r1",
		ImageID:         "img-1",
		VPCID:           "vpc-1",
		SecurityGroupID: "sg-1",
		KeyPairName:     "kp",
		KeyPath:         "/tmp/key",
		Zones:           make(map[string]types.ZoneInfo),
		ZoneOrder:       zones,
	}
	for _, z := range zones {
		info.Zones[z] = types.ZoneInfo{ZoneID: z, SubnetID: "subnet-" + z}
	}
	return info
}

func runPlanner(t *testing.T, sim *cloudtest.Sim, candidates []types.InstanceType, count int) []types.HostSpec {
	t.Helper()

	mgr := testManager(sim, testPool(sshListener(t)), count)
	mgr.Start(context.Background())
	defer mgr.Stop()

	planner := NewPlanner(sim, types.DefaultLaunchConfig("test"))
	hosts, err := planner.Launch(context.Background(), mgr, testRegionInfo("zA", "zB"), candidates, count)
	require.NoError(t, err)
	return hosts
}

// Happy path: one candidate type, everything in stock, all hosts ready
func TestPlannerHappyPath(t *testing.T) {
	sim := cloudtest.New(map[string][]string{"r1": {"zA", "zB"}})

	hosts := runPlanner(t, sim, []types.InstanceType{t1}, 3)

	require.Len(t, hosts, 3)
	for _, h := range hosts {
		assert.Equal(t, "127.0.0.1", h.IP)
		assert.Equal(t, 1, h.NodesPerHost)
		assert.Equal(t, "sim", h.Provider)
		assert.Equal(t, "r1", h.Region)
		assert.Equal(t, "root", h.SSHUser)
		assert.NotEmpty(t, h.InstanceID)
	}

	// The fast path placed everything with one call in the first zone
	assert.Equal(t, []string{"r1/zA/t1"}, sim.Launches())
}

// Stock fallback: the default type is exhausted in the first zone and
// partially available in the second; the walk continues with the next
// candidate until the node demand is met.
func TestPlannerStockFallback(t *testing.T) {
	sim := cloudtest.New(map[string][]string{"r1": {"zA", "zB"}})
	big := types.InstanceType{Name: "t1", Nodes: 2}
	small := types.InstanceType{Name: "t2", Nodes: 1}

	sim.SetStock("r1", "zA", "t1", 0)
	sim.SetStock("r1", "zB", "t1", 1)
	sim.SetStock("r1", "zA", "t2", 5)

	hosts := runPlanner(t, sim, []types.InstanceType{big, small}, 4)

	nodes := 0
	byType := map[string]int{}
	for _, h := range hosts {
		nodes += h.NodesPerHost
		if h.NodesPerHost == 2 {
			byType["t1"]++
		} else {
			byType["t2"]++
		}
	}
	assert.GreaterOrEqual(t, nodes, 4)
	assert.Equal(t, 1, byType["t1"])
	assert.Equal(t, 2, byType["t2"])

	// Fast path tries both zones with the default type, then the
	// row-major walk starts over at (t1, zA)
	assert.Equal(t, []string{
		"r1/zA/t1", // fast path, NoStock
		"r1/zB/t1", // fast path, 1 < 2 wanted: NoStock without min_amount
		"r1/zA/t1", // walk, still NoStock
		"r1/zB/t1", // walk with min_amount=1: partial success, 1 instance
		"r1/zA/t2", // next candidate covers the rest
	}, sim.Launches())
}

// Partial success: min_amount=1 accepts fewer instances than asked and the
// planner advances to the next combination for the remainder
func TestPlannerPartialSuccess(t *testing.T) {
	sim := cloudtest.New(map[string][]string{"r1": {"zA", "zB"}})
	t2 := types.InstanceType{Name: "t2", Nodes: 1}

	sim.SetStock("r1", "zA", "t1", 1)
	sim.SetStock("r1", "zB", "t1", 0)
	sim.SetStock("r1", "zA", "t2", 5)
	sim.SetStock("r1", "zB", "t2", 0)

	hosts := runPlanner(t, sim, []types.InstanceType{t1, t2}, 3)

	require.Len(t, hosts, 3)
	byType := map[int]int{}
	for _, h := range hosts {
		byType[h.NodesPerHost]++
	}
	assert.Equal(t, 3, byType[1])
}

// Exhaustion: every combination is NoStock; the planner terminates with an
// empty host list and no error (the shortfall is the caller's to report)
func TestPlannerExhaustion(t *testing.T) {
	sim := cloudtest.New(map[string][]string{"r1": {"zA", "zB"}})
	sim.SetStock("r1", "zA", "t1", 0)
	sim.SetStock("r1", "zB", "t1", 0)

	hosts := runPlanner(t, sim, []types.InstanceType{t1}, 3)
	assert.Empty(t, hosts)
}

// A lost instance leaves a shortfall the planner fills from remaining stock
func TestPlannerRelaunchesAfterLoss(t *testing.T) {
	sim := cloudtest.New(map[string][]string{"r1": {"zA", "zB"}})
	mgr := testManager(sim, testPool(sshListener(t)), 2)
	mgr.Start(context.Background())
	defer mgr.Stop()

	// The fast path launches both instances in zA; one of them immediately
	// disappears
	sim.SetStock("r1", "zA", "t1", 2)

	done := make(chan []types.HostSpec)
	go func() {
		planner := NewPlanner(sim, types.DefaultLaunchConfig("test"))
		hosts, err := planner.Launch(context.Background(), mgr, testRegionInfo("zA", "zB"), []types.InstanceType{t1}, 2)
		assert.NoError(t, err)
		done <- hosts
	}()

	// Kill one of the first batch as soon as it exists
	assert.Eventually(t, func() bool {
		ids := sim.Instances("r1")
		if len(ids) < 2 {
			return false
		}
		sim.MarkGone("r1", ids[0])
		return true
	}, 2*time.Second, 5*time.Millisecond)

	hosts := <-done
	nodes := 0
	for _, h := range hosts {
		nodes += h.NodesPerHost
	}
	assert.GreaterOrEqual(t, nodes, 2)
}

func TestPlannerNoCandidates(t *testing.T) {
	sim := cloudtest.New(map[string][]string{"r1": {"zA"}})
	mgr := testManager(sim, testPool(sshListener(t)), 1)
	mgr.Start(context.Background())
	defer mgr.Stop()

	planner := NewPlanner(sim, types.DefaultLaunchConfig("test"))
	_, err := planner.Launch(context.Background(), mgr, testRegionInfo("zA"), nil, 1)
	assert.Error(t, err)
}

func TestTupleIterator(t *testing.T) {
	it := newTupleIterator(
		[]types.InstanceType{{Name: "a"}, {Name: "b"}},
		[]types.ZoneInfo{{ZoneID: "z1"}, {ZoneID: "z2"}},
	)

	var seen []string
	for {
		ty, zone, ok := it.next()
		if !ok {
			break
		}
		seen = append(seen, ty.Name+"/"+zone.ZoneID)
	}
	assert.Equal(t, []string{"a/z1", "a/z2", "b/z1", "b/z2"}, seen)

	// Exhausted iterators stay exhausted
	_, _, ok := it.next()
	assert.False(t, ok)
}
