package storage

import (
	"sort"
	"sync"

	"chessgantry/internal/board"
	"chessgantry/internal/logging"
	"chessgantry/pkg/types"
)

// Square is one storage square with its assignment metadata. Reservations
// are derived purely from (square, strategy, board config) and are rebuilt
// whenever the strategy changes.
type Square struct {
	Name            string
	FileIdx         int
	RankIdx         int
	Occupied        bool
	Piece           *types.Piece
	Priority        int // lower = assigned first
	ReservedColor   types.PieceColor
	ReservedType    types.PieceType
	hasColorReserve bool
	hasTypeReserve  bool
}

// Stats summarizes storage occupancy.
type Stats struct {
	TotalSquares int
	Occupied     int
	Available    int
	Utilization  float64 // percent
	PieceCounts  map[types.PieceColor]map[types.PieceType]int
	Strategy     types.StorageStrategy
}

// Allocator assigns storage squares to captured pieces. Storage squares are
// every board square outside the playing area; the assignment order is
// controlled by the active strategy.
type Allocator struct {
	mu       sync.RWMutex
	cfg      *types.BoardConfig
	strategy types.StorageStrategy
	squares  map[string]*Square
	logger   *logging.Logger
}

// NewAllocator builds the storage map from the board configuration. Boards
// whose layout is StorageNone produce an allocator with zero squares; every
// Assign call on it returns "" (storage exhausted).
func NewAllocator(cfg *types.BoardConfig, strategy types.StorageStrategy) *Allocator {
	a := &Allocator{
		cfg:      cfg,
		strategy: strategy,
		squares:  make(map[string]*Square),
		logger:   logging.GetLogger("storage"),
	}

	for fileIdx := 0; fileIdx < cfg.Files; fileIdx++ {
		for rankIdx := 0; rankIdx < cfg.Ranks; rankIdx++ {
			if cfg.IsPlayingSquare(fileIdx, rankIdx) {
				continue
			}
			sq := &Square{
				Name:     types.SquareName(fileIdx, rankIdx),
				FileIdx:  fileIdx,
				RankIdx:  rankIdx,
				Priority: a.priority(fileIdx, rankIdx),
			}
			a.applyReservation(sq)
			a.squares[sq.Name] = sq
		}
	}

	a.logger.Info("Storage map built",
		"layout", string(cfg.StorageLayout),
		"strategy", string(strategy),
		"squares", len(a.squares))
	return a
}

// priority computes the assignment priority for a storage square.
// Lower values are assigned first.
func (a *Allocator) priority(fileIdx, rankIdx int) int {
	switch a.cfg.StorageLayout {
	case types.StorageTop:
		// 优先靠近对弈区的低存储行，同行内优先中间列
		centerDist := fileIdx - a.cfg.Files/2
		if centerDist < 0 {
			centerDist = -centerDist
		}
		return rankIdx*100 + centerDist*10

	case types.StorageBottom:
		centerDist := fileIdx - a.cfg.Files/2
		if centerDist < 0 {
			centerDist = -centerDist
		}
		return (a.cfg.Ranks-rankIdx)*100 + centerDist*10

	case types.StoragePerimeter:
		isCorner := (fileIdx == 0 || fileIdx == a.cfg.Files-1) &&
			(rankIdx == 0 || rankIdx == a.cfg.Ranks-1)
		if isCorner {
			return 0
		}
		return 50

	default:
		return 100
	}
}

// applyReservation sets strategy-specific reservations on the square.
func (a *Allocator) applyReservation(sq *Square) {
	sq.hasColorReserve = false
	sq.hasTypeReserve = false

	switch a.strategy {
	case types.StrategyByColor:
		// 左半归白方，右半归黑方
		if sq.FileIdx < a.cfg.Files/2 {
			sq.ReservedColor = types.White
		} else {
			sq.ReservedColor = types.Black
		}
		sq.hasColorReserve = true

	case types.StrategyByType:
		switch a.cfg.StorageLayout {
		case types.StorageTop:
			if sq.RankIdx == a.cfg.Ranks-2 {
				sq.ReservedType = types.Pawn
				sq.hasTypeReserve = true
			}
		case types.StoragePerimeter:
			if sq.RankIdx == 0 {
				sq.ReservedType = types.Pawn
				sq.hasTypeReserve = true
			}
		}
	}
}

// Assign picks a storage square for a captured piece and returns its name.
// Returns "" when storage is full. Assign does NOT mark the square occupied;
// callers commit with MarkOccupied once the plan is accepted.
func (a *Allocator) Assign(piece types.Piece, fromSquare string) string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	available := a.availableLocked()
	if len(available) == 0 {
		return ""
	}

	switch a.strategy {
	case types.StrategyNearest:
		return assignNearest(available, fromSquare)
	case types.StrategyByColor:
		return assignReserved(available, func(sq *Square) bool {
			return sq.hasColorReserve && sq.ReservedColor == piece.Color
		})
	case types.StrategyByType:
		return assignReserved(available, func(sq *Square) bool {
			return sq.hasTypeReserve && sq.ReservedType == piece.Type
		})
	default: // chronological and anything unknown
		sortByPriority(available)
		return available[0].Name
	}
}

func (a *Allocator) availableLocked() []*Square {
	out := make([]*Square, 0, len(a.squares))
	for _, sq := range a.squares {
		if !sq.Occupied {
			out = append(out, sq)
		}
	}
	return out
}

// sortByPriority orders by (priority, name) so assignment is deterministic.
func sortByPriority(squares []*Square) {
	sort.Slice(squares, func(i, j int) bool {
		if squares[i].Priority != squares[j].Priority {
			return squares[i].Priority < squares[j].Priority
		}
		return squares[i].Name < squares[j].Name
	})
}

func assignNearest(available []*Square, fromSquare string) string {
	fromFile, fromRank, err := types.SquareCoords(fromSquare)
	if err != nil {
		sortByPriority(available)
		return available[0].Name
	}
	sort.Slice(available, func(i, j int) bool {
		di := manhattan(available[i], fromFile, fromRank)
		dj := manhattan(available[j], fromFile, fromRank)
		if di != dj {
			return di < dj
		}
		return available[i].Name < available[j].Name
	})
	return available[0].Name
}

func manhattan(sq *Square, fileIdx, rankIdx int) int {
	df := sq.FileIdx - fileIdx
	if df < 0 {
		df = -df
	}
	dr := sq.RankIdx - rankIdx
	if dr < 0 {
		dr = -dr
	}
	return df + dr
}

// assignReserved prefers squares matching the reservation predicate, falling
// back to any available square when none match.
func assignReserved(available []*Square, match func(*Square) bool) string {
	var reserved []*Square
	for _, sq := range available {
		if match(sq) {
			reserved = append(reserved, sq)
		}
	}
	if len(reserved) > 0 {
		sortByPriority(reserved)
		return reserved[0].Name
	}
	sortByPriority(available)
	return available[0].Name
}

// MarkOccupied records a piece on a storage square. Idempotent; unknown
// squares are ignored.
func (a *Allocator) MarkOccupied(square string, piece types.Piece) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if sq, ok := a.squares[square]; ok {
		sq.Occupied = true
		p := piece
		sq.Piece = &p
	}
}

// MarkEmpty clears a storage square. Idempotent; unknown squares are ignored.
func (a *Allocator) MarkEmpty(square string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if sq, ok := a.squares[square]; ok {
		sq.Occupied = false
		sq.Piece = nil
	}
}

// PieceAt returns the piece stored on square, or nil.
func (a *Allocator) PieceAt(square string) *types.Piece {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if sq, ok := a.squares[square]; ok && sq.Piece != nil {
		p := *sq.Piece
		return &p
	}
	return nil
}

// IsStorageSquare reports whether square belongs to the storage area.
func (a *Allocator) IsStorageSquare(square string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.squares[square]
	return ok
}

// FindPiece locates a stored piece of the given type and color, for
// retrieval during promotions. Scans in deterministic square-name order.
func (a *Allocator) FindPiece(pieceType types.PieceType, color types.PieceColor) string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	names := make([]string, 0, len(a.squares))
	for name := range a.squares {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		sq := a.squares[name]
		if sq.Occupied && sq.Piece != nil && sq.Piece.Type == pieceType && sq.Piece.Color == color {
			return name
		}
	}
	return ""
}

// SetStrategy switches the assignment strategy and rebuilds every square's
// reservation. Occupancy is untouched.
func (a *Allocator) SetStrategy(strategy types.StorageStrategy) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.strategy = strategy
	for _, sq := range a.squares {
		a.applyReservation(sq)
	}
	a.logger.Info("Storage strategy changed", "strategy", string(strategy))
}

// Strategy returns the active assignment strategy.
func (a *Allocator) Strategy() types.StorageStrategy {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.strategy
}

// GetStats returns current occupancy statistics.
func (a *Allocator) GetStats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := Stats{
		TotalSquares: len(a.squares),
		Strategy:     a.strategy,
		PieceCounts: map[types.PieceColor]map[types.PieceType]int{
			types.White: make(map[types.PieceType]int),
			types.Black: make(map[types.PieceType]int),
		},
	}
	for _, sq := range a.squares {
		if sq.Occupied {
			stats.Occupied++
			if sq.Piece != nil {
				stats.PieceCounts[sq.Piece.Color][sq.Piece.Type]++
			}
		} else {
			stats.Available++
		}
	}
	if stats.TotalSquares > 0 {
		stats.Utilization = float64(stats.Occupied) / float64(stats.TotalSquares) * 100
	}
	return stats
}

// SyncWithBoard overwrites storage occupancy from the board's virtual
// position, square by square.
func (a *Allocator) SyncWithBoard(state *board.State) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for name, sq := range a.squares {
		if piece := state.Get(board.Virtual, name); piece != nil {
			sq.Occupied = true
			sq.Piece = piece
		} else {
			sq.Occupied = false
			sq.Piece = nil
		}
	}
}

// Reset marks every storage square empty.
func (a *Allocator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, sq := range a.squares {
		sq.Occupied = false
		sq.Piece = nil
	}
	a.logger.Info("Storage map reset")
}
