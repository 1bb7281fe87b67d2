package socket

import (
	"hash/fnv"
	"strings"
)

const DefaultWorkerQueues = 16

// queueFor pins every event type to one worker queue so publishes of the same
// type from one connection are appended in the order they were read.
func queueFor(eventType string, queues int) int {
	if queues <= 1 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.TrimSpace(eventType)))
	return int(h.Sum64() % uint64(queues))
}

func requestQueue(req *SocketRequest, queues int) int {
	if req.Publish != nil {
		return queueFor(req.Publish.EventType, queues)
	}
	if req.Resolve != nil {
		return queueFor(req.Resolve.Name, queues)
	}
	return 0
}
