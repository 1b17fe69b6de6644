package safety

import (
	"fmt"

	"chessgantry/pkg/types"
)

// Checker 安全检查器，对运动指令做边界与速度校验
// 所有校验都是纯函数式的：不持有状态，不产生副作用
type Checker struct {
	limits types.SafetyLimits
	speeds types.SpeedLimits
}

// NewChecker 创建安全检查器
func NewChecker(limits types.SafetyLimits, speeds types.SpeedLimits) *Checker {
	return &Checker{limits: limits, speeds: speeds}
}

// ValidatePosition 检查目标坐标是否在工作区边界内
func (c *Checker) ValidatePosition(pos types.Position) error {
	if pos.X < c.limits.XMin || pos.X > c.limits.XMax {
		return &LimitError{Axis: "X", Value: pos.X, Min: c.limits.XMin, Max: c.limits.XMax}
	}
	if pos.Y < c.limits.YMin || pos.Y > c.limits.YMax {
		return &LimitError{Axis: "Y", Value: pos.Y, Min: c.limits.YMin, Max: c.limits.YMax}
	}
	if pos.Z < c.limits.ZMin || pos.Z > c.limits.ZMax {
		return &LimitError{Axis: "Z", Value: pos.Z, Min: c.limits.ZMin, Max: c.limits.ZMax}
	}
	return nil
}

// ClampSpeed 将进给速度钳制到允许区间内
// 返回钳制后的速度和警告信息（无需钳制时警告为空）
// 速度限制关闭时原样放行
func (c *Checker) ClampSpeed(feedrate float64) (float64, string) {
	if !c.speeds.Enabled {
		return feedrate, ""
	}
	min := float64(c.speeds.MinMMMin)
	max := float64(c.speeds.MaxMMMin)
	if feedrate < min {
		return min, fmt.Sprintf("feedrate %.0f below minimum, clamped to %.0f mm/min", feedrate, min)
	}
	if feedrate > max {
		return max, fmt.Sprintf("feedrate %.0f above maximum, clamped to %.0f mm/min", feedrate, max)
	}
	return feedrate, ""
}

// Limits 返回当前边界配置
func (c *Checker) Limits() types.SafetyLimits {
	return c.limits
}

// LimitError 坐标越界错误
type LimitError struct {
	Axis  string
	Value float64
	Min   float64
	Max   float64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("position out of bounds: %s=%.2f not in [%.2f, %.2f]", e.Axis, e.Value, e.Min, e.Max)
}
