package batch

import (
	"fmt"
	"strings"
)

// OverflowPolicy selects what Enqueue does when the queue is full.
type OverflowPolicy string

const (
	// DropOldest evicts the oldest chunk of measurements and keeps accepting.
	DropOldest OverflowPolicy = "drop_oldest"
	// Block makes the producer wait until a flush frees space or its context ends.
	Block OverflowPolicy = "block"
	// SpillToDisk moves the oldest chunk to the spill queue and replays it on
	// later flushes.
	SpillToDisk OverflowPolicy = "spill"
)

// ParseOverflowPolicy maps a configuration string onto a policy. The empty
// string selects DropOldest.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", DropOldest:
		return DropOldest, nil
	case Block:
		return Block, nil
	case SpillToDisk:
		return SpillToDisk, nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q", s)
	}
}
