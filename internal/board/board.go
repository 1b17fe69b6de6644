package board

import (
	"fmt"
	"strings"
	"sync"

	"chessgantry/internal/logging"
	"chessgantry/pkg/types"
)

// StartingFEN is the standard chess starting position.
const StartingFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// Side selects which of the two tracked positions an operation targets.
type Side int

const (
	// Virtual is the position the software believes the board should show.
	Virtual Side = iota
	// Physical is the position the hardware is believed to actually show.
	Physical
)

func (s Side) String() string {
	if s == Physical {
		return "physical"
	}
	return "virtual"
}

// State tracks piece placement on the machine, keeping the software's
// intended position (virtual) separate from the position the hardware is
// believed to hold (physical). The two drift apart while moves execute and
// are reconciled afterwards.
type State struct {
	mu       sync.RWMutex
	virtual  map[string]types.Piece
	physical map[string]types.Piece
	cfg      *types.BoardConfig
	logger   *logging.Logger
}

// NewState creates an empty board state. cfg may be nil, in which case FEN
// loading places pieces starting at a1 with no play-area offset.
func NewState(cfg *types.BoardConfig) *State {
	return &State{
		virtual:  make(map[string]types.Piece),
		physical: make(map[string]types.Piece),
		cfg:      cfg,
		logger:   logging.GetLogger("board"),
	}
}

// IsSynced reports whether the virtual and physical positions match exactly.
func (s *State) IsSynced() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.virtual) != len(s.physical) {
		return false
	}
	for square, piece := range s.virtual {
		if other, ok := s.physical[square]; !ok || other != piece {
			return false
		}
	}
	return true
}

// Differences returns the three disjoint sets of squares that separate the
// physical position from the virtual one: squares where a piece must be added,
// squares where one must be removed, and squares holding the wrong piece.
func (s *State) Differences() (toAdd, toRemove, toMove []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for square, piece := range s.virtual {
		other, ok := s.physical[square]
		switch {
		case !ok:
			toAdd = append(toAdd, square)
		case other != piece:
			toMove = append(toMove, square)
		}
	}
	for square := range s.physical {
		if _, ok := s.virtual[square]; !ok {
			toRemove = append(toRemove, square)
		}
	}
	return toAdd, toRemove, toMove
}

// Set places a piece on the given side, or removes one when piece is nil.
func (s *State) Set(side Side, square string, piece *types.Piece) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := s.position(side)
	if piece == nil {
		delete(pos, square)
	} else {
		pos[square] = *piece
	}
}

// Get returns the piece at square on the given side, or nil when empty.
func (s *State) Get(side Side, square string) *types.Piece {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if piece, ok := s.position(side)[square]; ok {
		p := piece
		return &p
	}
	return nil
}

// SyncPhysicalToVirtual overwrites the physical position with the virtual one.
func (s *State) SyncPhysicalToVirtual() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.physical = clonePosition(s.virtual)
}

// SyncVirtualToPhysical overwrites the virtual position with the physical one.
func (s *State) SyncVirtualToPhysical() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.virtual = clonePosition(s.physical)
}

// LoadFEN replaces the given side's position with the one described by fen.
// Only the placement field is read; trailing FEN fields are ignored. FEN
// always describes the 8x8 playing area, so on boards with extra storage
// files or ranks the pieces land at the configured play-area offset.
func (s *State) LoadFEN(side Side, fen string) error {
	fileOffset, rankOffset := 0, 0
	if s.cfg != nil {
		fileOffset, rankOffset = s.cfg.PlayingAreaOffset()
	}

	placement := strings.Fields(fen)
	if len(placement) == 0 {
		return fmt.Errorf("empty FEN string")
	}
	ranks := strings.Split(placement[0], "/")
	if len(ranks) != 8 {
		return fmt.Errorf("malformed FEN %q: expected 8 ranks, got %d", placement[0], len(ranks))
	}

	position := make(map[string]types.Piece)
	for rankIdx, rank := range ranks {
		fileIdx := 0
		for i := 0; i < len(rank); i++ {
			ch := rank[i]
			if ch >= '1' && ch <= '8' {
				fileIdx += int(ch - '0')
				continue
			}
			piece, err := types.PieceFromFEN(ch)
			if err != nil {
				return fmt.Errorf("malformed FEN %q: %w", placement[0], err)
			}
			// FEN rank 8 comes first; map it back to board coordinates
			square := types.SquareName(fileIdx+fileOffset, (7-rankIdx)+rankOffset)
			position[square] = piece
			fileIdx++
		}
		if fileIdx != 8 {
			return fmt.Errorf("malformed FEN rank %q: covers %d files", rank, fileIdx)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if side == Physical {
		s.physical = position
	} else {
		s.virtual = position
	}
	s.logger.Debug("Loaded FEN position", "side", side.String(), "pieces", len(position))
	return nil
}

// ToFEN exports the given side's playing-area position as the placement
// field of a FEN string. Pieces on storage squares are not included.
func (s *State) ToFEN(side Side) string {
	fileOffset, rankOffset := 0, 0
	if s.cfg != nil {
		fileOffset, rankOffset = s.cfg.PlayingAreaOffset()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	pos := s.position(side)
	var ranks []string
	for fenRank := 7; fenRank >= 0; fenRank-- {
		empty := 0
		var b strings.Builder
		for fenFile := 0; fenFile < 8; fenFile++ {
			square := types.SquareName(fenFile+fileOffset, fenRank+rankOffset)
			piece, ok := pos[square]
			if !ok {
				empty++
				continue
			}
			if empty > 0 {
				fmt.Fprintf(&b, "%d", empty)
				empty = 0
			}
			b.WriteString(piece.FEN())
		}
		if empty > 0 {
			fmt.Fprintf(&b, "%d", empty)
		}
		ranks = append(ranks, b.String())
	}
	return strings.Join(ranks, "/")
}

// Clear removes every piece from the given side.
func (s *State) Clear(side Side) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if side == Physical {
		s.physical = make(map[string]types.Piece)
	} else {
		s.virtual = make(map[string]types.Piece)
	}
}

// ResetStartingPosition loads the standard starting position onto the
// given side.
func (s *State) ResetStartingPosition(side Side) error {
	return s.LoadFEN(side, StartingFEN)
}

// PieceCount returns the number of pieces on the given side.
func (s *State) PieceCount(side Side) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.position(side))
}

// Snapshot returns a copy of the given side's square→piece map.
func (s *State) Snapshot(side Side) map[string]types.Piece {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clonePosition(s.position(side))
}

// position returns the underlying map for side. Callers must hold s.mu.
func (s *State) position(side Side) map[string]types.Piece {
	if side == Physical {
		return s.physical
	}
	return s.virtual
}

func clonePosition(pos map[string]types.Piece) map[string]types.Piece {
	out := make(map[string]types.Piece, len(pos))
	for k, v := range pos {
		out[k] = v
	}
	return out
}
