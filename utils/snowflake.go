package utils

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// IDGenerator hands out time-ordered 64-bit IDs unique per node.
type IDGenerator struct {
	node *snowflake.Node
}

// NewIDGenerator creates a generator for node (0..1023). Every running instance needs its own node number.
func NewIDGenerator(node int64) (*IDGenerator, error) {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", node, err)
	}
	return &IDGenerator{node: n}, nil
}

func (g *IDGenerator) Next() int64 {
	return g.node.Generate().Int64()
}
