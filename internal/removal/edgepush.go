package removal

import (
	"sync"

	"chessgantry/internal/board"
	"chessgantry/internal/logging"
	"chessgantry/pkg/types"
)

// EdgeLocation is one slot along the board rim where a captured piece can be
// parked and then pushed off. The push square lies one step beyond the edge,
// outside the grid (rank 0, the '@' file, or one file/rank past the last).
type EdgeLocation struct {
	EdgeSquare string
	PushSquare string
	Direction  types.PushDirection
	Priority   int // corners 1, plain edges 2
	Occupied   bool
}

// EdgePushAllocator tracks rim squares used for pushing captured pieces off
// boards that have no storage area. Occupancy is double-checked: a location
// must be free in the allocator's own bookkeeping AND empty on the live
// board before it is handed out.
type EdgePushAllocator struct {
	mu        sync.RWMutex
	cfg       *types.BoardConfig
	locations []*EdgeLocation
	logger    *logging.Logger
}

// NewEdgePushAllocator enumerates every edge location for the board.
func NewEdgePushAllocator(cfg *types.BoardConfig) *EdgePushAllocator {
	a := &EdgePushAllocator{
		cfg:    cfg,
		logger: logging.GetLogger("removal"),
	}
	a.buildLocations()
	a.logger.Info("Edge push locations built", "count", len(a.locations))
	return a
}

func (a *EdgePushAllocator) buildLocations() {
	files, ranks := a.cfg.Files, a.cfg.Ranks

	// 上边沿：推出方向为北，推出点在棋盘上方一格
	for fileIdx := 0; fileIdx < files; fileIdx++ {
		priority := 2
		if fileIdx == 0 || fileIdx == files-1 {
			priority = 1
		}
		a.locations = append(a.locations, &EdgeLocation{
			EdgeSquare: types.SquareName(fileIdx, ranks-1),
			PushSquare: types.SquareName(fileIdx, ranks),
			Direction:  types.PushNorth,
			Priority:   priority,
		})
	}

	// 下边沿：推出点为 0 行
	for fileIdx := 0; fileIdx < files; fileIdx++ {
		priority := 2
		if fileIdx == 0 || fileIdx == files-1 {
			priority = 1
		}
		a.locations = append(a.locations, &EdgeLocation{
			EdgeSquare: types.SquareName(fileIdx, 0),
			PushSquare: types.SquareName(fileIdx, -1),
			Direction:  types.PushSouth,
			Priority:   priority,
		})
	}

	// 左右边沿跳过四角（上面两段已经覆盖）
	for rankIdx := 1; rankIdx < ranks-1; rankIdx++ {
		a.locations = append(a.locations, &EdgeLocation{
			EdgeSquare: types.SquareName(files-1, rankIdx),
			PushSquare: types.SquareName(files, rankIdx),
			Direction:  types.PushEast,
			Priority:   2,
		})
	}
	for rankIdx := 1; rankIdx < ranks-1; rankIdx++ {
		a.locations = append(a.locations, &EdgeLocation{
			EdgeSquare: types.SquareName(0, rankIdx),
			PushSquare: types.SquareName(-1, rankIdx), // '@' 列
			Direction:  types.PushWest,
			Priority:   2,
		})
	}
}

// Find returns the best available edge location for a piece captured on
// fromSquare: lowest priority number first, then shortest Manhattan distance,
// then square name for determinism. Returns nil when every location is taken.
func (a *EdgePushAllocator) Find(state *board.State, fromSquare string) *EdgeLocation {
	fromFile, fromRank, err := types.SquareCoords(fromSquare)
	if err != nil {
		return nil
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	var best *EdgeLocation
	bestDist := 0
	for _, loc := range a.locations {
		if loc.Occupied || state.Get(board.Virtual, loc.EdgeSquare) != nil {
			continue
		}
		f, r, err := types.SquareCoords(loc.EdgeSquare)
		if err != nil {
			continue
		}
		dist := absInt(f-fromFile) + absInt(r-fromRank)

		if best == nil ||
			loc.Priority < best.Priority ||
			(loc.Priority == best.Priority && dist < bestDist) ||
			(loc.Priority == best.Priority && dist == bestDist && loc.EdgeSquare < best.EdgeSquare) {
			c := *loc
			best = &c
			bestDist = dist
		}
	}
	return best
}

// MarkOccupied records that a piece sits on the given edge square.
func (a *EdgePushAllocator) MarkOccupied(edgeSquare string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, loc := range a.locations {
		if loc.EdgeSquare == edgeSquare {
			loc.Occupied = true
			return
		}
	}
}

// MarkEmpty frees the given edge square.
func (a *EdgePushAllocator) MarkEmpty(edgeSquare string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, loc := range a.locations {
		if loc.EdgeSquare == edgeSquare {
			loc.Occupied = false
			return
		}
	}
}

// Reset frees every edge location.
func (a *EdgePushAllocator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, loc := range a.locations {
		loc.Occupied = false
	}
}

// AvailableCount returns the number of free edge locations in the
// allocator's own bookkeeping (the live board is not consulted).
func (a *EdgePushAllocator) AvailableCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n := 0
	for _, loc := range a.locations {
		if !loc.Occupied {
			n++
		}
	}
	return n
}

// TotalCount returns the number of edge locations.
func (a *EdgePushAllocator) TotalCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.locations)
}

// Utilization returns the occupied percentage, 0-100.
func (a *EdgePushAllocator) Utilization() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.locations) == 0 {
		return 0
	}
	occupied := 0
	for _, loc := range a.locations {
		if loc.Occupied {
			occupied++
		}
	}
	return float64(occupied) / float64(len(a.locations)) * 100
}

// Lookup returns the location describing edgeSquare, or nil.
func (a *EdgePushAllocator) Lookup(edgeSquare string) *EdgeLocation {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, loc := range a.locations {
		if loc.EdgeSquare == edgeSquare {
			c := *loc
			return &c
		}
	}
	return nil
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
