package provision

import (
	"github.com/cuemby/burrow/pkg/types"
)

// tupleIterator yields (instance type, zone) combinations in row-major
// order: every zone of the first candidate type, then every zone of the
// second, and so on. The planner holds the position explicitly so a retry
// after a blocking wait resumes at a well-defined tuple.
type tupleIterator struct {
	candidates []types.InstanceType
	zones      []types.ZoneInfo
	idx        int
}

func newTupleIterator(candidates []types.InstanceType, zones []types.ZoneInfo) *tupleIterator {
	return &tupleIterator{candidates: candidates, zones: zones}
}

// next returns the current tuple and advances. ok is false once the
// combinations are exhausted.
func (it *tupleIterator) next() (types.InstanceType, types.ZoneInfo, bool) {
	if it.idx >= len(it.candidates)*len(it.zones) {
		return types.InstanceType{}, types.ZoneInfo{}, false
	}
	t := it.candidates[it.idx/len(it.zones)]
	z := it.zones[it.idx%len(it.zones)]
	it.idx++
	return t, z, true
}
