package removal

import (
	"fmt"
	"sync"

	"chessgantry/internal/logging"
	"chessgantry/pkg/types"
)

// Pusher tool defaults. The push feedrate is deliberately slow so the piece
// slides instead of toppling.
const (
	DefaultPusherWidthMM  = 50.0
	DefaultPusherLengthMM = 100.0
	DefaultGripOffsetMM   = 30.0
	DefaultPushOffsetMM   = 15.0

	ToolPickupFeedrate = 1000
	PushFeedrate       = 300
	ToolReturnFeedrate = 1500
)

// ToolConfig describes the pusher tool and where it is parked.
type ToolConfig struct {
	HolderSquare string  `yaml:"holder_square"`
	WidthMM      float64 `yaml:"width_mm"`
	LengthMM     float64 `yaml:"length_mm"`
	GripOffsetMM float64 `yaml:"grip_offset_mm"`
	PushOffsetMM float64 `yaml:"push_offset_mm"`
	Enabled      bool    `yaml:"enabled"`
}

// DefaultToolConfig builds the stock pusher configuration for a board. The
// holder square depends on the board size: 8x8 boards park the tool on a
// ninth-rank square, larger boards use an off-board square.
func DefaultToolConfig(cfg *types.BoardConfig, enabled bool) *ToolConfig {
	holder := "@0" // off-board bottom-left
	switch {
	case cfg.Files == 8 && cfg.Ranks == 8:
		holder = "a9"
	case cfg.Files == 10 && cfg.Ranks == 10:
		holder = "a0"
	}
	return &ToolConfig{
		HolderSquare: holder,
		WidthMM:      DefaultPusherWidthMM,
		LengthMM:     DefaultPusherLengthMM,
		GripOffsetMM: DefaultGripOffsetMM,
		PushOffsetMM: DefaultPushOffsetMM,
		Enabled:      enabled,
	}
}

// ToolPusher coordinates pickup, pushing and return of the pusher tool.
// A nil tool config means the machine has no tool fitted.
type ToolPusher struct {
	mu         sync.Mutex
	cfg        *types.BoardConfig
	tool       *ToolConfig
	toolInHand bool
	logger     *logging.Logger
}

// NewToolPusher creates a tool pusher manager. Pass tool == nil when the
// machine carries no pusher tool.
func NewToolPusher(cfg *types.BoardConfig, tool *ToolConfig) *ToolPusher {
	return &ToolPusher{
		cfg:    cfg,
		tool:   tool,
		logger: logging.GetLogger("removal"),
	}
}

// Available reports whether the pusher tool is fitted and enabled.
func (t *ToolPusher) Available() bool {
	return t.tool != nil && t.tool.Enabled
}

// HolderSquare returns where the tool is parked, or "" without a tool.
func (t *ToolPusher) HolderSquare() string {
	if t.tool == nil {
		return ""
	}
	return t.tool.HolderSquare
}

// PushPosition returns the machine coordinates where the tool must be placed
// to push the piece on pieceSquare in the given direction: the tool sits on
// the opposite side of the piece, offset by the configured push offset.
func (t *ToolPusher) PushPosition(pieceSquare string, direction types.PushDirection) (float64, float64, error) {
	if t.tool == nil {
		return 0, 0, fmt.Errorf("tool not configured")
	}

	px, py, err := t.cfg.SquareCenterXY(pieceSquare)
	if err != nil {
		return 0, 0, fmt.Errorf("push position for %s: %w", pieceSquare, err)
	}
	offset := t.tool.PushOffsetMM

	switch direction {
	case types.PushNorth:
		return px, py - offset, nil
	case types.PushSouth:
		return px, py + offset, nil
	case types.PushEast:
		return px - offset, py, nil
	case types.PushWest:
		return px + offset, py, nil
	}
	return 0, 0, fmt.Errorf("invalid push direction %q", string(direction))
}

// PushDistance returns how far to push so the piece clears the board:
// one square width plus a 20mm buffer.
func (t *ToolPusher) PushDistance() float64 {
	return t.cfg.SquareSizeX() + 20.0
}

// MarkPickedUp records that the tool is in the gripper.
func (t *ToolPusher) MarkPickedUp() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.toolInHand = true
	t.logger.Debug("Pusher tool picked up")
}

// MarkReturned records that the tool is back in its holder.
func (t *ToolPusher) MarkReturned() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.toolInHand = false
	t.logger.Debug("Pusher tool returned")
}

// InHand reports whether the tool is currently in the gripper.
func (t *ToolPusher) InHand() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.toolInHand
}
