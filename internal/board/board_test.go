package board

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chessgantry/pkg/types"
)

func standardConfig() *types.BoardConfig {
	return &types.BoardConfig{
		Files:         8,
		Ranks:         8,
		WidthMM:       400,
		HeightMM:      400,
		StorageLayout: types.StorageNone,
	}
}

// 10x8 board with two storage files on each side of an 8x8 playing area.
func perimeterlessWideConfig() *types.BoardConfig {
	return &types.BoardConfig{
		Files:         12,
		Ranks:         8,
		WidthMM:       600,
		HeightMM:      400,
		PlayArea:      &types.PlayArea{MinFile: 2, MaxFile: 9, MinRank: 0, MaxRank: 7},
		StorageLayout: types.StorageTop,
	}
}

func TestLoadFENStartingPosition(t *testing.T) {
	s := NewState(standardConfig())
	require.NoError(t, s.LoadFEN(Virtual, StartingFEN))

	assert.Equal(t, 32, s.PieceCount(Virtual))
	assert.Equal(t, 0, s.PieceCount(Physical))

	king := s.Get(Virtual, "e1")
	require.NotNil(t, king)
	assert.Equal(t, types.King, king.Type)
	assert.Equal(t, types.White, king.Color)

	pawn := s.Get(Virtual, "d7")
	require.NotNil(t, pawn)
	assert.Equal(t, types.Pawn, pawn.Type)
	assert.Equal(t, types.Black, pawn.Color)

	assert.Nil(t, s.Get(Virtual, "e4"))
}

func TestLoadFENWithPlayAreaOffset(t *testing.T) {
	s := NewState(perimeterlessWideConfig())
	require.NoError(t, s.LoadFEN(Virtual, StartingFEN))

	// FEN square e1 lands two files to the right, at g1
	king := s.Get(Virtual, "g1")
	require.NotNil(t, king)
	assert.Equal(t, types.King, king.Type)

	// Storage files stay empty
	assert.Nil(t, s.Get(Virtual, "a1"))
	assert.Nil(t, s.Get(Virtual, "b1"))
}

func TestLoadFENMalformed(t *testing.T) {
	s := NewState(standardConfig())

	assert.Error(t, s.LoadFEN(Virtual, ""))
	assert.Error(t, s.LoadFEN(Virtual, "rnbqkbnr/pppppppp/8/8"))
	assert.Error(t, s.LoadFEN(Virtual, "xxxxxxxx/8/8/8/8/8/8/8"))
	assert.Error(t, s.LoadFEN(Virtual, "rnbqkbnr/ppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR"))
}

func TestFENRoundTrip(t *testing.T) {
	fens := []string{
		"rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR",
		"r1bqkb1r/pppp1ppp/2n2n2/4p3/2B1P3/5N2/PPPP1PPP/RNBQK2R",
		"8/8/8/4k3/8/8/4K3/8",
	}

	for _, fen := range fens {
		s := NewState(standardConfig())
		require.NoError(t, s.LoadFEN(Virtual, fen))
		assert.Equal(t, fen, s.ToFEN(Virtual))
	}
}

func TestFENRoundTripWithOffset(t *testing.T) {
	s := NewState(perimeterlessWideConfig())
	fen := "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR"
	require.NoError(t, s.LoadFEN(Physical, fen))
	assert.Equal(t, fen, s.ToFEN(Physical))
}

func TestIsSynced(t *testing.T) {
	s := NewState(standardConfig())
	assert.True(t, s.IsSynced())

	require.NoError(t, s.LoadFEN(Virtual, StartingFEN))
	assert.False(t, s.IsSynced())

	s.SyncPhysicalToVirtual()
	assert.True(t, s.IsSynced())

	queen := types.Piece{Type: types.Queen, Color: types.White}
	s.Set(Physical, "d4", &queen)
	assert.False(t, s.IsSynced())
}

func TestDifferencesDisjoint(t *testing.T) {
	s := NewState(standardConfig())

	wp := types.Piece{Type: types.Pawn, Color: types.White}
	bp := types.Piece{Type: types.Pawn, Color: types.Black}
	wq := types.Piece{Type: types.Queen, Color: types.White}

	// e4: virtual only → add; d5: physical only → remove;
	// c3: wrong piece → move; a1: identical → no difference
	s.Set(Virtual, "e4", &wp)
	s.Set(Physical, "d5", &bp)
	s.Set(Virtual, "c3", &wp)
	s.Set(Physical, "c3", &wq)
	s.Set(Virtual, "a1", &wp)
	s.Set(Physical, "a1", &wp)

	toAdd, toRemove, toMove := s.Differences()
	assert.ElementsMatch(t, []string{"e4"}, toAdd)
	assert.ElementsMatch(t, []string{"d5"}, toRemove)
	assert.ElementsMatch(t, []string{"c3"}, toMove)

	seen := map[string]int{}
	for _, sq := range append(append(append([]string{}, toAdd...), toRemove...), toMove...) {
		seen[sq]++
	}
	for sq, n := range seen {
		assert.Equal(t, 1, n, "square %s appears in more than one set", sq)
	}
}

func TestSetNilRemoves(t *testing.T) {
	s := NewState(standardConfig())
	rook := types.Piece{Type: types.Rook, Color: types.Black}

	s.Set(Virtual, "h8", &rook)
	require.NotNil(t, s.Get(Virtual, "h8"))

	s.Set(Virtual, "h8", nil)
	assert.Nil(t, s.Get(Virtual, "h8"))

	// removing from an empty square is a no-op
	s.Set(Virtual, "h8", nil)
	assert.Nil(t, s.Get(Virtual, "h8"))
}

func TestClearAndReset(t *testing.T) {
	s := NewState(standardConfig())
	require.NoError(t, s.ResetStartingPosition(Virtual))
	require.NoError(t, s.ResetStartingPosition(Physical))
	assert.True(t, s.IsSynced())

	s.Clear(Physical)
	assert.Equal(t, 0, s.PieceCount(Physical))
	assert.Equal(t, 32, s.PieceCount(Virtual))

	toAdd, toRemove, _ := s.Differences()
	assert.Len(t, toAdd, 32)
	assert.Empty(t, toRemove)
}

func TestSnapshotIsCopy(t *testing.T) {
	s := NewState(standardConfig())
	require.NoError(t, s.LoadFEN(Virtual, StartingFEN))

	snap := s.Snapshot(Virtual)
	delete(snap, "e1")
	assert.NotNil(t, s.Get(Virtual, "e1"))
}
