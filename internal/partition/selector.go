// Package partition chooses the partition a publish lands on.
//
// Policy is round-robin per topic: a topic with N partitions visits every
// partition once in any N consecutive selections made from one goroutine.
// Counters are advanced with an atomic add, so concurrent callers never lose
// an increment, but no ordering is promised between them.
package partition

import (
	"sync/atomic"

	"eventgate/internal/domain"

	"github.com/alphadose/haxmap"
)

type Selector interface {
	Choose(topic domain.TopicName) domain.PartitionID
}

type RoundRobin struct {
	topology *Topology
	counters *haxmap.Map[string, *atomic.Uint64]
}

func NewRoundRobin(topology *Topology) *RoundRobin {
	if topology == nil {
		topology = NewTopology()
	}
	return &RoundRobin{topology: topology, counters: haxmap.New[string, *atomic.Uint64]()}
}

func (r *RoundRobin) Choose(topic domain.TopicName) domain.PartitionID {
	parts := r.topology.shared(topic)
	if len(parts) == 1 {
		return parts[0]
	}
	counter, _ := r.counters.GetOrCompute(string(topic), func() *atomic.Uint64 { return new(atomic.Uint64) })
	n := counter.Add(1) - 1
	return parts[n%uint64(len(parts))]
}
