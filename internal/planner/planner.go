package planner

import (
	"fmt"

	"github.com/google/uuid"

	"chessgantry/internal/board"
	"chessgantry/internal/logging"
	"chessgantry/internal/removal"
	"chessgantry/internal/storage"
	"chessgantry/pkg/types"
)

const (
	// gripSettleMS is how long the gripper gets to stabilize after closing.
	gripSettleMS = 200

	// edgePushDistanceMM is how far the bare gripper nudges a piece that is
	// already parked on an off-board push square.
	edgePushDistanceMM = 30.0
)

// Plan is a fully planned action sequence for one chess move. The ID ties
// log lines across planning and execution together.
type Plan struct {
	ID       string
	Analysis types.MoveAnalysis
	Actions  []types.GantryAction
}

// Planner converts analyzed chess moves into gantry action sequences.
// Planning is all-or-nothing: a plan either comes back complete with all
// allocator bookkeeping committed, or not at all with the bookkeeping
// untouched.
type Planner struct {
	cfg     *types.BoardConfig
	state   *board.State
	storage *storage.Allocator
	edge    *removal.EdgePushAllocator // nil when edge pushing is disabled
	tool    *removal.ToolPusher        // nil when no pusher tool is fitted
	logger  *logging.Logger
}

// New creates a move planner. edge and tool may be nil to disable the
// corresponding capture fallback.
func New(cfg *types.BoardConfig, state *board.State, alloc *storage.Allocator, edge *removal.EdgePushAllocator, tool *removal.ToolPusher) *Planner {
	return &Planner{
		cfg:     cfg,
		state:   state,
		storage: alloc,
		edge:    edge,
		tool:    tool,
		logger:  logging.GetLogger("planner"),
	}
}

// rollback collects undo closures for allocator bookkeeping performed while
// a plan is being assembled, so a late failure can unwind the early commits.
type rollback []func()

func (r rollback) run() {
	for i := len(r) - 1; i >= 0; i-- {
		r[i]()
	}
}

// PlanMove plans the action sequence for an analyzed move. On error no
// allocator state is left modified.
func (p *Planner) PlanMove(analysis types.MoveAnalysis) (*Plan, error) {
	var (
		actions []types.GantryAction
		undo    rollback
		err     error
	)

	switch {
	case analysis.IsCastling:
		actions, err = p.planCastling(analysis)
	case analysis.IsEnPassant:
		actions, undo, err = p.planEnPassant(analysis)
	case analysis.IsPromotion:
		actions, undo, err = p.planPromotionMove(analysis)
	case analysis.IsCapture:
		actions, undo, err = p.planCapture(analysis)
	default:
		actions = p.transfer(analysis.FromSquare, analysis.ToSquare, string(analysis.PieceType))
	}
	if err != nil {
		undo.run()
		return nil, fmt.Errorf("plan %s: %w", analysis.Move, err)
	}

	plan := &Plan{
		ID:       uuid.NewString(),
		Analysis: analysis,
		Actions:  actions,
	}
	p.logger.Info("Move planned",
		"plan_id", plan.ID,
		"move", analysis.Move,
		"actions", len(actions))
	return plan, nil
}

// transfer is the basic pick-and-place sequence used by every move kind:
// grab the piece on from, carry it to to, set it down.
func (p *Planner) transfer(from, to, pieceDesc string) []types.GantryAction {
	if pieceDesc == "" {
		pieceDesc = "piece"
	}
	return []types.GantryAction{
		{Type: types.ActionMoveTo, Square: from, Description: fmt.Sprintf("Move to %s (%s)", from, pieceDesc)},
		{Type: types.ActionLiftDown, Description: "Lower to grab piece"},
		{Type: types.ActionGripClose, Description: fmt.Sprintf("Grip %s", pieceDesc)},
		{Type: types.ActionWait, DurationMS: gripSettleMS, Description: "Stabilize grip"},
		{Type: types.ActionLiftUp, Description: "Lift piece"},
		{Type: types.ActionMoveTo, Square: to, Description: fmt.Sprintf("Travel to %s", to)},
		{Type: types.ActionLiftDown, Description: "Lower piece"},
		{Type: types.ActionGripOpen, Description: "Release piece"},
		{Type: types.ActionLiftUp, Description: "Raise gripper"},
	}
}

func (p *Planner) planCapture(analysis types.MoveAnalysis) ([]types.GantryAction, rollback, error) {
	if analysis.CapturedSquare == "" {
		return nil, nil, fmt.Errorf("%w: capture without captured square", ErrInvalidAnalysis)
	}

	captured, err := p.capturedPiece(analysis, analysis.CapturedSquare)
	if err != nil {
		return nil, nil, err
	}

	removalActions, undo, err := p.planRemoval(captured, analysis.CapturedSquare)
	if err != nil {
		return nil, undo, err
	}

	actions := append(removalActions, p.transfer(analysis.FromSquare, analysis.ToSquare, string(analysis.PieceType))...)
	return actions, undo, nil
}

func (p *Planner) planEnPassant(analysis types.MoveAnalysis) ([]types.GantryAction, rollback, error) {
	if analysis.EnPassantCaptureSquare == "" {
		return nil, nil, fmt.Errorf("%w: en passant without capture square", ErrInvalidAnalysis)
	}

	// 过路兵吃掉的一定是兵，颜色与走子方相反
	captured, err := p.capturedPiece(analysis, analysis.EnPassantCaptureSquare)
	if err != nil {
		if p.state != nil {
			if mover := p.state.Get(board.Virtual, analysis.FromSquare); mover != nil {
				captured = types.Piece{Type: types.Pawn, Color: mover.Color.Opposite()}
				err = nil
			}
		}
		if err != nil {
			return nil, nil, err
		}
	}

	removalActions, undo, err := p.planRemoval(captured, analysis.EnPassantCaptureSquare)
	if err != nil {
		return nil, undo, err
	}

	actions := append(removalActions, p.transfer(analysis.FromSquare, analysis.ToSquare, string(analysis.PieceType))...)
	return actions, undo, nil
}

func (p *Planner) planCastling(analysis types.MoveAnalysis) ([]types.GantryAction, error) {
	if analysis.CastlingRookFrom == "" || analysis.CastlingRookTo == "" {
		return nil, fmt.Errorf("%w: castling without rook move", ErrInvalidAnalysis)
	}

	// 先走王，再走车
	actions := p.transfer(analysis.FromSquare, analysis.ToSquare, "king")
	actions = append(actions, p.transfer(analysis.CastlingRookFrom, analysis.CastlingRookTo, "rook")...)
	return actions, nil
}

// planPromotionMove handles a promotion arriving through PlanMove: remove a
// captured piece first when the promotion is also a capture, then swap the
// pawn for the promoted piece.
func (p *Planner) planPromotionMove(analysis types.MoveAnalysis) ([]types.GantryAction, rollback, error) {
	if analysis.PromotionPiece == "" {
		return nil, nil, fmt.Errorf("%w: promotion without target piece", ErrInvalidAnalysis)
	}

	var (
		actions []types.GantryAction
		undo    rollback
	)

	if analysis.IsCapture {
		if analysis.CapturedSquare == "" {
			return nil, nil, fmt.Errorf("%w: capture without captured square", ErrInvalidAnalysis)
		}
		captured, err := p.capturedPiece(analysis, analysis.CapturedSquare)
		if err != nil {
			return nil, nil, err
		}
		removalActions, removalUndo, err := p.planRemoval(captured, analysis.CapturedSquare)
		if err != nil {
			return nil, removalUndo, err
		}
		actions = removalActions
		undo = removalUndo
	}

	color, err := p.promotingColor(analysis)
	if err != nil {
		return nil, undo, err
	}

	promoActions, promoUndo, err := p.promotionSwap(analysis.FromSquare, analysis.ToSquare, analysis.PromotionPiece, color)
	if err != nil {
		return nil, append(undo, promoUndo...), err
	}
	return append(actions, promoActions...), append(undo, promoUndo...), nil
}

// PlanPromotion plans a standalone pawn promotion: park the pawn in storage,
// fetch the promoted piece from storage, place it on the promotion square.
func (p *Planner) PlanPromotion(fromSquare, toSquare string, promoteTo types.PieceType, color types.PieceColor) (*Plan, error) {
	actions, undo, err := p.promotionSwap(fromSquare, toSquare, promoteTo, color)
	if err != nil {
		undo.run()
		return nil, fmt.Errorf("plan promotion %s%s: %w", fromSquare, toSquare, err)
	}

	plan := &Plan{
		ID: uuid.NewString(),
		Analysis: types.MoveAnalysis{
			Move:           fromSquare + toSquare,
			FromSquare:     fromSquare,
			ToSquare:       toSquare,
			IsPromotion:    true,
			PromotionPiece: promoteTo,
		},
		Actions: actions,
	}
	p.logger.Info("Promotion planned", "plan_id", plan.ID, "from", fromSquare, "to", toSquare, "piece", string(promoteTo))
	return plan, nil
}

func (p *Planner) promotionSwap(fromSquare, toSquare string, promoteTo types.PieceType, color types.PieceColor) ([]types.GantryAction, rollback, error) {
	promotedSquare := p.storage.FindPiece(promoteTo, color)
	if promotedSquare == "" {
		return nil, nil, fmt.Errorf("%w: no %s %s in storage", ErrPieceNotFound, color, promoteTo)
	}

	pawn := types.Piece{Type: types.Pawn, Color: color}
	pawnSquare := p.storage.Assign(pawn, toSquare)
	if pawnSquare == "" {
		return nil, nil, fmt.Errorf("%w: nowhere to park the pawn", ErrStorageExhausted)
	}

	var undo rollback
	promotedPiece := p.storage.PieceAt(promotedSquare)

	p.storage.MarkOccupied(pawnSquare, pawn)
	undo = append(undo, func() { p.storage.MarkEmpty(pawnSquare) })

	p.storage.MarkEmpty(promotedSquare)
	undo = append(undo, func() {
		if promotedPiece != nil {
			p.storage.MarkOccupied(promotedSquare, *promotedPiece)
		}
	})

	actions := p.transfer(fromSquare, pawnSquare, "pawn")
	actions = append(actions, p.transfer(promotedSquare, toSquare, string(promoteTo))...)
	return actions, undo, nil
}

// planRemoval resolves where a captured piece goes and plans getting it
// there. Strategy order: storage, then the pusher tool, then a bare-gripper
// edge push.
func (p *Planner) planRemoval(piece types.Piece, capturedSquare string) ([]types.GantryAction, rollback, error) {
	if storageSquare := p.storage.Assign(piece, capturedSquare); storageSquare != "" {
		p.storage.MarkOccupied(storageSquare, piece)
		undo := rollback{func() { p.storage.MarkEmpty(storageSquare) }}
		return p.transfer(capturedSquare, storageSquare, "captured "+string(piece.Type)), undo, nil
	}

	p.logger.Warn("Storage exhausted, trying removal fallbacks",
		"piece", piece.String(), "square", capturedSquare)

	if p.tool != nil && p.tool.Available() && !p.tool.InHand() && p.edge != nil {
		if loc := p.edge.Find(p.state, capturedSquare); loc != nil {
			actions, err := p.planToolPush(piece, capturedSquare, loc)
			if err == nil {
				return actions, nil, nil
			}
			p.logger.Warn("Tool push not plannable, falling back to edge push",
				"square", capturedSquare, "error", err)
		}
	}

	if p.edge != nil {
		if actions, undo := p.planEdgePush(piece, capturedSquare); actions != nil {
			return actions, undo, nil
		}
	}

	return nil, nil, ErrFallbackUnavailable
}

// planEdgePush carries the captured piece to a free rim square, then nudges
// it off the board with the lowered gripper.
func (p *Planner) planEdgePush(piece types.Piece, fromSquare string) ([]types.GantryAction, rollback) {
	loc := p.edge.Find(p.state, fromSquare)
	if loc == nil {
		return nil, nil
	}

	pieceDesc := "captured " + string(piece.Type)
	actions := []types.GantryAction{
		{Type: types.ActionMoveTo, Square: fromSquare, Description: fmt.Sprintf("Move to %s at %s", pieceDesc, fromSquare)},
		{Type: types.ActionLiftDown, Description: "Lower to grab captured piece"},
		{Type: types.ActionGripClose, Description: fmt.Sprintf("Grip %s", pieceDesc)},
		{Type: types.ActionWait, DurationMS: gripSettleMS, Description: "Stabilize grip"},
		{Type: types.ActionLiftUp, Description: "Lift captured piece"},

		{Type: types.ActionMoveTo, Square: loc.EdgeSquare, Description: fmt.Sprintf("Move to edge square %s", loc.EdgeSquare)},
		{Type: types.ActionLiftDown, Description: "Lower piece to edge"},
		{Type: types.ActionGripOpen, Description: "Release piece"},
		{Type: types.ActionLiftUp, Description: "Raise gripper"},

		{Type: types.ActionMoveTo, Square: loc.PushSquare, Description: fmt.Sprintf("Move to push position %s", loc.PushSquare)},
		{Type: types.ActionLiftDown, Description: "Lower gripper for push"},
		{Type: types.ActionPush, PushDirection: loc.Direction, PushDistanceMM: edgePushDistanceMM,
			Feedrate: removal.PushFeedrate, Description: fmt.Sprintf("Push piece %s off board", loc.Direction)},
		{Type: types.ActionLiftUp, Description: "Raise gripper"},
	}

	p.edge.MarkOccupied(loc.EdgeSquare)
	undo := rollback{func() { p.edge.MarkEmpty(loc.EdgeSquare) }}
	return actions, undo
}

// planToolPush removes the piece with the pusher tool: fetch the tool,
// approach the piece from the side opposite the push direction, push it off,
// put the tool back. The tool is marked in-hand for the span of the segment.
func (p *Planner) planToolPush(piece types.Piece, fromSquare string, loc *removal.EdgeLocation) ([]types.GantryAction, error) {
	holder := p.tool.HolderSquare()
	pieceDesc := "captured " + string(piece.Type)

	centerX, centerY, err := p.cfg.SquareCenterXY(fromSquare)
	if err != nil {
		return nil, fmt.Errorf("tool push from %s: %w", fromSquare, err)
	}
	pushX, pushY, err := p.tool.PushPosition(fromSquare, loc.Direction)
	if err != nil {
		return nil, fmt.Errorf("tool push from %s: %w", fromSquare, err)
	}

	p.tool.MarkPickedUp()
	actions := []types.GantryAction{
		{Type: types.ActionMoveTo, Square: holder, Feedrate: removal.ToolPickupFeedrate,
			Description: fmt.Sprintf("Move to tool holder at %s", holder)},
		{Type: types.ActionLiftDown, Description: "Lower to grab pusher tool"},
		{Type: types.ActionGripClose, Description: "Grip pusher tool"},
		{Type: types.ActionWait, DurationMS: gripSettleMS, Description: "Stabilize tool grip"},
		{Type: types.ActionLiftUp, Description: "Lift pusher tool"},

		{Type: types.ActionMoveTo, Square: fromSquare,
			OffsetXMM: pushX - centerX, OffsetYMM: pushY - centerY,
			Description: fmt.Sprintf("Position tool behind %s at %s", pieceDesc, fromSquare)},
		{Type: types.ActionLiftDown, Description: "Lower tool to push height"},
		{Type: types.ActionPush, PushDirection: loc.Direction, PushDistanceMM: p.tool.PushDistance(),
			Feedrate: removal.PushFeedrate, Description: fmt.Sprintf("Push piece %s with tool", loc.Direction)},
		{Type: types.ActionLiftUp, Description: "Raise tool"},

		{Type: types.ActionMoveTo, Square: holder, Feedrate: removal.ToolReturnFeedrate,
			Description: fmt.Sprintf("Return to tool holder at %s", holder)},
		{Type: types.ActionLiftDown, Description: "Lower tool to holder"},
		{Type: types.ActionGripOpen, Description: "Release pusher tool"},
		{Type: types.ActionLiftUp, Description: "Raise gripper"},
	}
	p.tool.MarkReturned()
	return actions, nil
}

// capturedPiece resolves which piece is being removed, preferring the
// analysis and falling back to the live board.
func (p *Planner) capturedPiece(analysis types.MoveAnalysis, square string) (types.Piece, error) {
	if analysis.CapturedPiece != nil {
		return *analysis.CapturedPiece, nil
	}
	if p.state != nil {
		if piece := p.state.Get(board.Virtual, square); piece != nil {
			return *piece, nil
		}
	}
	return types.Piece{}, fmt.Errorf("%w: captured piece on %s unknown", ErrInvalidAnalysis, square)
}

// promotingColor infers the promoting pawn's color from the analysis or
// from the pawn still standing on the source square.
func (p *Planner) promotingColor(analysis types.MoveAnalysis) (types.PieceColor, error) {
	if p.state != nil {
		if piece := p.state.Get(board.Virtual, analysis.FromSquare); piece != nil {
			return piece.Color, nil
		}
	}
	// 兵只会升变到对方底线
	_, rankIdx, err := types.SquareCoords(analysis.ToSquare)
	if err != nil {
		return "", fmt.Errorf("%w: bad promotion square %s", ErrInvalidAnalysis, analysis.ToSquare)
	}
	minRank := 0
	if p.cfg != nil && p.cfg.PlayArea != nil {
		minRank = p.cfg.PlayArea.MinRank
	}
	if rankIdx == minRank {
		return types.Black, nil
	}
	return types.White, nil
}

// ResetStorage empties all capture bookkeeping for a new game.
func (p *Planner) ResetStorage() {
	p.storage.Reset()
	if p.edge != nil {
		p.edge.Reset()
	}
	p.logger.Info("Capture bookkeeping reset")
}
