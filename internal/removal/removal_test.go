package removal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chessgantry/internal/board"
	"chessgantry/pkg/types"
)

func boardConfig8x8() *types.BoardConfig {
	return &types.BoardConfig{
		Files:         8,
		Ranks:         8,
		WidthMM:       400,
		HeightMM:      400,
		StorageLayout: types.StorageNone,
	}
}

func TestEdgeLocationCount(t *testing.T) {
	a := NewEdgePushAllocator(boardConfig8x8())

	// 8 top + 8 bottom + 6 east + 6 west
	assert.Equal(t, 28, a.TotalCount())
	assert.Equal(t, 28, a.AvailableCount())
}

func TestEdgePushSquaresOffBoard(t *testing.T) {
	a := NewEdgePushAllocator(boardConfig8x8())

	tests := []struct {
		edge      string
		push      string
		direction types.PushDirection
	}{
		{"a8", "a9", types.PushNorth},
		{"a1", "a0", types.PushSouth},
		{"h4", "i4", types.PushEast},
		{"a4", "@4", types.PushWest},
	}
	for _, tt := range tests {
		loc := a.Lookup(tt.edge)
		require.NotNil(t, loc, "edge %s", tt.edge)
		assert.Equal(t, tt.push, loc.PushSquare)
		assert.Equal(t, tt.direction, loc.Direction)
	}
}

func TestCornerBeatsNearerEdge(t *testing.T) {
	cfg := boardConfig8x8()
	a := NewEdgePushAllocator(cfg)
	state := board.NewState(cfg)

	// capturing next to the middle of the top edge: d8 is one square away,
	// but corners still win on priority
	loc := a.Find(state, "d7")
	require.NotNil(t, loc)
	assert.Equal(t, 1, loc.Priority)
	assert.Equal(t, "a8", loc.EdgeSquare, "nearest corner wins")
}

func TestFindSkipsOccupiedBoardSquares(t *testing.T) {
	cfg := boardConfig8x8()
	a := NewEdgePushAllocator(cfg)
	state := board.NewState(cfg)

	// pieces physically sitting on the two near corners
	rook := types.Piece{Type: types.Rook, Color: types.White}
	state.Set(board.Virtual, "a8", &rook)
	state.Set(board.Virtual, "a1", &rook)

	loc := a.Find(state, "a4")
	require.NotNil(t, loc)
	assert.NotEqual(t, "a8", loc.EdgeSquare)
	assert.NotEqual(t, "a1", loc.EdgeSquare)
	assert.Equal(t, 1, loc.Priority, "still prefers a free corner")
}

func TestFindSkipsBookkeptOccupied(t *testing.T) {
	cfg := boardConfig8x8()
	a := NewEdgePushAllocator(cfg)
	state := board.NewState(cfg)

	for _, sq := range []string{"a1", "a8", "h1", "h8"} {
		a.MarkOccupied(sq)
	}

	loc := a.Find(state, "e4")
	require.NotNil(t, loc)
	assert.Equal(t, 2, loc.Priority, "corners all taken, falls to plain edge")

	a.MarkEmpty("h8")
	loc = a.Find(state, "e4")
	require.NotNil(t, loc)
	assert.Equal(t, "h8", loc.EdgeSquare)
}

func TestFindExhausted(t *testing.T) {
	cfg := boardConfig8x8()
	a := NewEdgePushAllocator(cfg)
	state := board.NewState(cfg)

	for _, loc := range a.locations {
		a.MarkOccupied(loc.EdgeSquare)
	}
	assert.Nil(t, a.Find(state, "e4"))
	assert.Equal(t, 100.0, a.Utilization())

	a.Reset()
	assert.Equal(t, 28, a.AvailableCount())
	assert.NotNil(t, a.Find(state, "e4"))
}

func TestToolPusherAvailability(t *testing.T) {
	cfg := boardConfig8x8()

	assert.False(t, NewToolPusher(cfg, nil).Available())
	assert.False(t, NewToolPusher(cfg, DefaultToolConfig(cfg, false)).Available())
	assert.True(t, NewToolPusher(cfg, DefaultToolConfig(cfg, true)).Available())
}

func TestDefaultToolHolderSquare(t *testing.T) {
	cfg8 := boardConfig8x8()
	assert.Equal(t, "a9", DefaultToolConfig(cfg8, true).HolderSquare)

	cfg10 := &types.BoardConfig{Files: 10, Ranks: 10, WidthMM: 500, HeightMM: 500}
	assert.Equal(t, "a0", DefaultToolConfig(cfg10, true).HolderSquare)

	cfg12 := &types.BoardConfig{Files: 12, Ranks: 8, WidthMM: 600, HeightMM: 400}
	assert.Equal(t, "@0", DefaultToolConfig(cfg12, true).HolderSquare)
}

func TestPushPosition(t *testing.T) {
	cfg := boardConfig8x8() // 50mm squares
	tp := NewToolPusher(cfg, DefaultToolConfig(cfg, true))

	// e4 center: x=(4+0.5)*50=225, y=(3+0.5)*50=175
	tests := []struct {
		direction types.PushDirection
		wantX     float64
		wantY     float64
	}{
		{types.PushNorth, 225, 160}, // tool below, pushes up
		{types.PushSouth, 225, 190},
		{types.PushEast, 210, 175},
		{types.PushWest, 240, 175},
	}
	for _, tt := range tests {
		x, y, err := tp.PushPosition("e4", tt.direction)
		require.NoError(t, err)
		assert.Equal(t, tt.wantX, x, "direction %s", tt.direction)
		assert.Equal(t, tt.wantY, y, "direction %s", tt.direction)
	}

	_, _, err := tp.PushPosition("e4", types.PushDirection("up"))
	assert.Error(t, err)
}

func TestPushDistance(t *testing.T) {
	cfg := boardConfig8x8()
	tp := NewToolPusher(cfg, DefaultToolConfig(cfg, true))
	assert.Equal(t, 70.0, tp.PushDistance()) // 50mm square + 20mm buffer
}

func TestToolInHandBookkeeping(t *testing.T) {
	cfg := boardConfig8x8()
	tp := NewToolPusher(cfg, DefaultToolConfig(cfg, true))

	assert.False(t, tp.InHand())
	tp.MarkPickedUp()
	assert.True(t, tp.InHand())
	tp.MarkReturned()
	assert.False(t, tp.InHand())
}
