package cpg

import (
	"context"
	"fmt"
)

type neighborFunc func(ctx context.Context, n NodeRef, dir Direction) ([]Neighbor, error)

// traceBFS walks breadth-first from the start node and returns, for every
// node reached within maxDepth edges, the first (shortest) path found to
// it. Paths are returned in discovery order. The walk checks ctx before
// every expansion so a cancelled caller stops it promptly.
func traceBFS(ctx context.Context, from NodeRef, dir Direction, maxDepth int, next neighborFunc) ([]Path, error) {
	if maxDepth <= 0 {
		return nil, nil
	}

	visited := map[NodeID]bool{from.ID: true}
	frontier := []Path{NewPath(from)}
	var out []Path

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var nextFrontier []Path
		for _, p := range frontier {
			if err := ctx.Err(); err != nil {
				return out, fmt.Errorf("trace interrupted: %w", err)
			}
			neighbors, err := next(ctx, p.Last(), dir)
			if err != nil {
				return out, err
			}
			for _, nb := range neighbors {
				if visited[nb.Node.ID] {
					continue
				}
				visited[nb.Node.ID] = true
				extended := p.Extend(nb)
				out = append(out, extended)
				nextFrontier = append(nextFrontier, extended)
			}
		}
		frontier = nextFrontier
	}
	return out, nil
}
