package types

import (
	"fmt"
	"strings"
)

// ActionType types of primitive gantry actions.
type ActionType string

const (
	ActionMoveTo    ActionType = "move_to"    // Move gantry to a square
	ActionLiftUp    ActionType = "lift_up"    // Raise lift mechanism
	ActionLiftDown  ActionType = "lift_down"  // Lower lift mechanism
	ActionGripOpen  ActionType = "grip_open"  // Open gripper
	ActionGripClose ActionType = "grip_close" // Close gripper
	ActionWait      ActionType = "wait"       // Wait/pause
	ActionPush      ActionType = "push"       // Push piece (edge/tool removal)
)

// PushDirection direction to push a piece off the board.
type PushDirection string

const (
	PushNorth PushDirection = "north"
	PushSouth PushDirection = "south"
	PushEast  PushDirection = "east"
	PushWest  PushDirection = "west"
)

// GantryAction represents a single primitive gantry action. Immutable once
// created; produced only by the move planner.
type GantryAction struct {
	Type           ActionType
	Square         string        // target square for ActionMoveTo
	OffsetXMM      float64       // X offset from the square center for ActionMoveTo
	OffsetYMM      float64       // Y offset from the square center for ActionMoveTo
	DurationMS     int           // pause length for ActionWait
	PushDirection  PushDirection // direction for ActionPush
	PushDistanceMM float64       // distance for ActionPush
	Feedrate       int           // custom feedrate, 0 = planner default
	Description    string        // human-readable description for logs/UI
}

func (a GantryAction) String() string {
	switch a.Type {
	case ActionMoveTo:
		return fmt.Sprintf("Move to %s", a.Square)
	case ActionWait:
		return fmt.Sprintf("Wait %dms", a.DurationMS)
	case ActionPush:
		return fmt.Sprintf("Push %s %.1fmm", a.PushDirection, a.PushDistanceMM)
	default:
		words := strings.Split(string(a.Type), "_")
		for i, w := range words {
			if w != "" {
				words[i] = strings.ToUpper(w[:1]) + w[1:]
			}
		}
		return strings.Join(words, " ")
	}
}

// MoveAnalysis is the move metadata supplied by the external chess-rule
// engine for a validated move. The planner trusts this input and does not
// re-validate chess legality.
type MoveAnalysis struct {
	Move       string    // UCI notation, e.g. "e2e4"
	FromSquare string    // e.g. "e2"
	ToSquare   string    // e.g. "e4"
	PieceType  PieceType // the moving piece

	IsCapture      bool
	CapturedSquare string // where the captured piece sits (may differ from ToSquare)
	CapturedPiece  *Piece // identity of the captured piece, nil when no capture

	IsCastling       bool
	CastlingRookFrom string
	CastlingRookTo   string

	IsEnPassant            bool
	EnPassantCaptureSquare string // same file as destination, same rank as source

	IsPromotion    bool
	PromotionPiece PieceType
}
