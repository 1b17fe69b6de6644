// Package types defines the fundamental data structures shared across the
// chess gantry system. It includes machine positions, connection states,
// safety limits, board geometry, chess piece representations, and the gantry
// action vocabulary that forms the common language between system components.
package types

import (
	"fmt"
	"strings"
)

// ConnectionState GRBL连接状态
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
	StateAlarm
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateAlarm:
		return "alarm"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Position machine position in mm, as reported by GRBL status lines.
type Position struct {
	X float64
	Y float64
	Z float64
}

// SafetyLimits software safety limits in mm. Commands targeting coordinates
// outside these bounds are rejected before transmission.
type SafetyLimits struct {
	XMin float64 `yaml:"x_min"`
	XMax float64 `yaml:"x_max"`
	YMin float64 `yaml:"y_min"`
	YMax float64 `yaml:"y_max"`
	ZMin float64 `yaml:"z_min"`
	ZMax float64 `yaml:"z_max"`
}

// DefaultSafetyLimits returns the working envelope of the reference machine.
func DefaultSafetyLimits() SafetyLimits {
	return SafetyLimits{
		XMin: 0.0, XMax: 400.0,
		YMin: 0.0, YMax: 400.0,
		ZMin: 0.0, ZMax: 100.0,
	}
}

// SpeedLimits feedrate clamp range in mm/min.
type SpeedLimits struct {
	MinMMMin int  `yaml:"min_mm_min"`
	MaxMMMin int  `yaml:"max_mm_min"`
	Enabled  bool `yaml:"enabled"`
}

// DefaultSpeedLimits returns the default feedrate clamp range.
func DefaultSpeedLimits() SpeedLimits {
	return SpeedLimits{MinMMMin: 100, MaxMMMin: 5000, Enabled: true}
}

// PieceType chess piece types, valued as lowercase FEN characters.
type PieceType string

const (
	Pawn   PieceType = "p"
	Knight PieceType = "n"
	Bishop PieceType = "b"
	Rook   PieceType = "r"
	Queen  PieceType = "q"
	King   PieceType = "k"
)

// PieceColor piece colors.
type PieceColor string

const (
	White PieceColor = "w"
	Black PieceColor = "b"
)

// Opposite returns the other color.
func (c PieceColor) Opposite() PieceColor {
	if c == White {
		return Black
	}
	return White
}

// Piece represents a chess piece. Immutable value type.
type Piece struct {
	Type  PieceType
	Color PieceColor
}

// FEN returns the piece as a single FEN character
// (uppercase for white, lowercase for black).
func (p Piece) FEN() string {
	if p.Color == White {
		return strings.ToUpper(string(p.Type))
	}
	return string(p.Type)
}

func (p Piece) String() string {
	return p.FEN()
}

// PieceFromFEN creates a piece from a FEN character.
func PieceFromFEN(ch byte) (Piece, error) {
	color := Black
	if ch >= 'A' && ch <= 'Z' {
		color = White
		ch += 'a' - 'A'
	}
	switch PieceType(ch) {
	case Pawn, Knight, Bishop, Rook, Queen, King:
		return Piece{Type: PieceType(ch), Color: color}, nil
	}
	return Piece{}, fmt.Errorf("invalid FEN piece character %q", string(ch))
}

// StorageLayout defines where captured pieces are stored relative to the
// playing area.
type StorageLayout string

const (
	StorageNone      StorageLayout = "none"      // 整个棋盘都是对弈区
	StorageTop       StorageLayout = "top"       // 存储区位于对弈区上方
	StorageBottom    StorageLayout = "bottom"    // 存储区位于对弈区下方
	StoragePerimeter StorageLayout = "perimeter" // 存储区环绕四周一圈
)

// StorageStrategy strategy for organizing captured pieces in storage.
type StorageStrategy string

const (
	StrategyNearest       StorageStrategy = "nearest"       // 就近分配
	StrategyByColor       StorageStrategy = "by_color"      // 白左黑右
	StrategyByType        StorageStrategy = "by_type"       // 按棋子类型分组
	StrategyChronological StorageStrategy = "chronological" // 按吃子顺序
)

// PlayArea defines the actual playing area within a larger board grid.
// Indices are 0-based and inclusive.
type PlayArea struct {
	MinFile int `yaml:"min_file"`
	MaxFile int `yaml:"max_file"`
	MinRank int `yaml:"min_rank"`
	MaxRank int `yaml:"max_rank"`
}

// BoardConfig board geometry and the coordinate mapping from algebraic
// squares to machine millimeters. A nil PlayArea means the entire grid is
// playing area.
type BoardConfig struct {
	Files         int           `yaml:"files"`
	Ranks         int           `yaml:"ranks"`
	WidthMM       float64       `yaml:"width_mm"`
	HeightMM      float64       `yaml:"height_mm"`
	OriginXMM     float64       `yaml:"origin_x_mm"`
	OriginYMM     float64       `yaml:"origin_y_mm"`
	PlayArea      *PlayArea     `yaml:"play_area,omitempty"`
	StorageLayout StorageLayout `yaml:"storage_layout"`
}

// SquareSizeX returns the width of one square in mm.
func (bc *BoardConfig) SquareSizeX() float64 {
	return bc.WidthMM / float64(max(1, bc.Files))
}

// SquareSizeY returns the height of one square in mm.
func (bc *BoardConfig) SquareSizeY() float64 {
	return bc.HeightMM / float64(max(1, bc.Ranks))
}

// FileIndex converts a file character ('a'..) to a 0-based index,
// validating it against the board width.
func (bc *BoardConfig) FileIndex(fileChar byte) (int, error) {
	if fileChar >= 'A' && fileChar <= 'Z' {
		fileChar += 'a' - 'A'
	}
	if fileChar < 'a' || fileChar > 'z' {
		return 0, fmt.Errorf("invalid file character %q", string(fileChar))
	}
	idx := int(fileChar - 'a')
	if idx >= bc.Files {
		return 0, fmt.Errorf("file %q out of range for %d-file board", string(fileChar), bc.Files)
	}
	return idx, nil
}

// RankIndex converts a 1-based rank number to a 0-based index,
// validating it against the board height.
func (bc *BoardConfig) RankIndex(rankNum int) (int, error) {
	idx := rankNum - 1
	if idx < 0 || idx >= bc.Ranks {
		return 0, fmt.Errorf("rank %d out of range for %d-rank board", rankNum, bc.Ranks)
	}
	return idx, nil
}

// SquareCenterXY returns the machine coordinates of a square's center.
// Accepts algebraic notation like "e4" (files a.., ranks 1..).
func (bc *BoardConfig) SquareCenterXY(square string) (float64, float64, error) {
	fileIdx, rankIdx, err := SquareCoords(square)
	if err != nil {
		return 0, 0, err
	}
	if fileIdx < 0 || fileIdx >= bc.Files {
		return 0, 0, fmt.Errorf("square %s: file out of range", square)
	}
	if rankIdx < 0 || rankIdx >= bc.Ranks {
		return 0, 0, fmt.Errorf("square %s: rank out of range", square)
	}
	cx := bc.OriginXMM + (float64(fileIdx)+0.5)*bc.SquareSizeX()
	cy := bc.OriginYMM + (float64(rankIdx)+0.5)*bc.SquareSizeY()
	return cx, cy, nil
}

// IsPlayingSquare reports whether a square (0-indexed) is in the playing area.
func (bc *BoardConfig) IsPlayingSquare(fileIdx, rankIdx int) bool {
	if bc.PlayArea == nil {
		return true
	}
	return bc.PlayArea.MinFile <= fileIdx && fileIdx <= bc.PlayArea.MaxFile &&
		bc.PlayArea.MinRank <= rankIdx && rankIdx <= bc.PlayArea.MaxRank
}

// IsCapturedPieceSquare reports whether a square (0-indexed) is in the
// captured piece storage area. Exact complement of IsPlayingSquare.
func (bc *BoardConfig) IsCapturedPieceSquare(fileIdx, rankIdx int) bool {
	return !bc.IsPlayingSquare(fileIdx, rankIdx)
}

// HomeSquare returns the square notation of the machine origin (0,0).
func (bc *BoardConfig) HomeSquare() string {
	// 所有布局下机械原点都在左下角
	return "a1"
}

// PlayingAreaOffset returns the offset (in squares) from the board's (0,0)
// to the playing area's bottom-left corner.
func (bc *BoardConfig) PlayingAreaOffset() (int, int) {
	if bc.PlayArea == nil {
		return 0, 0
	}
	return bc.PlayArea.MinFile, bc.PlayArea.MinRank
}

// SquareName builds algebraic notation from 0-based indices. Off-board
// indices are representable: fileIdx -1 maps to '@' and rankIdx -1 maps to
// rank 0, which is how edge-push squares just beyond the grid are named.
func SquareName(fileIdx, rankIdx int) string {
	if fileIdx == -1 {
		return fmt.Sprintf("@%d", rankIdx+1)
	}
	return fmt.Sprintf("%c%d", byte('a'+fileIdx), rankIdx+1)
}

// SquareCoords parses algebraic notation into 0-based indices without bounds
// checking, so off-board push squares like "@4" or "a0" parse cleanly. The
// '@' file is the column one square west of file a.
func SquareCoords(square string) (fileIdx, rankIdx int, err error) {
	if len(square) < 2 {
		return 0, 0, fmt.Errorf("square must be like 'e4', got %q", square)
	}
	var rankNum int
	if _, err := fmt.Sscanf(square[1:], "%d", &rankNum); err != nil {
		return 0, 0, fmt.Errorf("square %q rank must be numeric", square)
	}
	fileIdx = int(square[0]) - 'a'
	if square[0] == '@' {
		fileIdx = -1
	}
	return fileIdx, rankNum - 1, nil
}

// ManhattanDistance returns the grid distance between two squares.
func ManhattanDistance(a, b string) (int, error) {
	af, ar, err := SquareCoords(a)
	if err != nil {
		return 0, err
	}
	bf, br, err := SquareCoords(b)
	if err != nil {
		return 0, err
	}
	return abs(af-bf) + abs(ar-br), nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
