package executor

import (
	"context"
	"fmt"
	"time"

	"chessgantry/internal/logging"
	"chessgantry/internal/planner"
	"chessgantry/pkg/types"
)

// DefaultTravelFeedrate is used for moves that carry no explicit feedrate.
const DefaultTravelFeedrate = 2000

// MotionLink is the subset of the serial link the executor drives.
type MotionLink interface {
	RapidTo(x, y float64, feedMMMin int, z float64) error
	Send(cmd string) error
}

// ServoDriver actuates the lift and gripper. The physical servo control is
// out of scope here; callers inject whatever implementation their hardware
// needs.
type ServoDriver interface {
	LiftUp(ctx context.Context) error
	LiftDown(ctx context.Context) error
	GripOpen(ctx context.Context) error
	GripClose(ctx context.Context) error
}

// Executor runs a planned action sequence action by action, stopping at the
// first failure. Cancellation is checked between actions and honored inside
// waits.
type Executor struct {
	cfg    *types.BoardConfig
	link   MotionLink
	servo  ServoDriver
	logger *logging.Logger
}

// New creates an executor.
func New(cfg *types.BoardConfig, link MotionLink, servo ServoDriver) *Executor {
	return &Executor{
		cfg:    cfg,
		link:   link,
		servo:  servo,
		logger: logging.GetLogger("executor"),
	}
}

// RunPlan executes a plan produced by the move planner.
func (e *Executor) RunPlan(ctx context.Context, plan *planner.Plan) error {
	e.logger.Info("Executing plan", "plan_id", plan.ID, "move", plan.Analysis.Move, "actions", len(plan.Actions))
	if err := e.Run(ctx, plan.Actions); err != nil {
		return fmt.Errorf("plan %s: %w", plan.ID, err)
	}
	e.logger.Info("Plan complete", "plan_id", plan.ID)
	return nil
}

// Run executes a raw action sequence.
func (e *Executor) Run(ctx context.Context, actions []types.GantryAction) error {
	for i, action := range actions {
		select {
		case <-ctx.Done():
			return fmt.Errorf("action %d/%d aborted: %w", i+1, len(actions), ctx.Err())
		default:
		}

		e.logger.Debug("Action", "step", i+1, "total", len(actions), "action", action.String())
		if err := e.execute(ctx, action); err != nil {
			return fmt.Errorf("action %d/%d (%s): %w", i+1, len(actions), action.Type, err)
		}
	}
	return nil
}

func (e *Executor) execute(ctx context.Context, action types.GantryAction) error {
	switch action.Type {
	case types.ActionMoveTo:
		x, y, err := e.squareXY(action.Square)
		if err != nil {
			return err
		}
		feed := action.Feedrate
		if feed <= 0 {
			feed = DefaultTravelFeedrate
		}
		return e.link.RapidTo(x+action.OffsetXMM, y+action.OffsetYMM, feed, 0)

	case types.ActionPush:
		return e.push(action)

	case types.ActionWait:
		return sleepCtx(ctx, time.Duration(action.DurationMS)*time.Millisecond)

	case types.ActionLiftUp:
		return e.servo.LiftUp(ctx)
	case types.ActionLiftDown:
		return e.servo.LiftDown(ctx)
	case types.ActionGripOpen:
		return e.servo.GripOpen(ctx)
	case types.ActionGripClose:
		return e.servo.GripClose(ctx)
	}
	return fmt.Errorf("unknown action type %q", string(action.Type))
}

// push performs a relative jog in the push direction, then restores
// absolute positioning.
func (e *Executor) push(action types.GantryAction) error {
	var dx, dy float64
	switch action.PushDirection {
	case types.PushNorth:
		dy = action.PushDistanceMM
	case types.PushSouth:
		dy = -action.PushDistanceMM
	case types.PushEast:
		dx = action.PushDistanceMM
	case types.PushWest:
		dx = -action.PushDistanceMM
	default:
		return fmt.Errorf("unknown push direction %q", string(action.PushDirection))
	}

	feed := action.Feedrate
	if feed <= 0 {
		feed = DefaultTravelFeedrate
	}

	if err := e.link.Send("G91"); err != nil {
		return err
	}
	if err := e.link.Send(fmt.Sprintf("G0 X%.3f Y%.3f F%d", dx, dy, feed)); err != nil {
		return err
	}
	return e.link.Send("G90")
}

// squareXY maps a square to machine coordinates. Unlike the board config's
// bounds-checked lookup this also resolves off-board squares (push squares,
// off-board tool holders); the link's safety validation still has the final
// word against the machine envelope.
func (e *Executor) squareXY(square string) (float64, float64, error) {
	fileIdx, rankIdx, err := types.SquareCoords(square)
	if err != nil {
		return 0, 0, fmt.Errorf("square %s: %w", square, err)
	}
	x := e.cfg.OriginXMM + (float64(fileIdx)+0.5)*e.cfg.SquareSizeX()
	y := e.cfg.OriginYMM + (float64(rankIdx)+0.5)*e.cfg.SquareSizeY()
	return x, y, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
