package link

import "errors"

var (
	// ErrNotConnected 链路未建立时拒绝普通指令
	ErrNotConnected = errors.New("not connected")

	// ErrEmergencyStop 急停标志置位期间拒绝所有普通指令
	ErrEmergencyStop = errors.New("emergency stop active")

	// ErrIllegalTransition 状态机不允许的状态迁移
	ErrIllegalTransition = errors.New("illegal connection state transition")

	// ErrPositionTimeout 等待状态报告超时
	ErrPositionTimeout = errors.New("timed out waiting for position report")

	// ErrReconnectExhausted 自动重连次数用尽
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)
