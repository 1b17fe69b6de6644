package link

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"chessgantry/internal/logging"
	"chessgantry/internal/safety"
	"chessgantry/pkg/types"
)

// stateEvent 状态机事件，所有状态迁移集中在 transitionLocked 处理
type stateEvent int

const (
	evConnectStart stateEvent = iota
	evConnectOK
	evConnectFail
	evAlarm
	evUnlock
	evIOFailure
	evDisconnect
)

func (e stateEvent) String() string {
	switch e {
	case evConnectStart:
		return "connect_start"
	case evConnectOK:
		return "connect_ok"
	case evConnectFail:
		return "connect_fail"
	case evAlarm:
		return "alarm"
	case evUnlock:
		return "unlock"
	case evIOFailure:
		return "io_failure"
	case evDisconnect:
		return "disconnect"
	}
	return "unknown"
}

// Supervisor 管理到 GRBL 运动控制器的串口链路：
// 持有连接、解析状态报告、监控链路健康并按需自动重连。
// 所有共享字段由同一把互斥锁保护，状态迁移集中校验。
type Supervisor struct {
	mu            sync.Mutex
	state         types.ConnectionState
	pos           *types.Position
	lastResponse  time.Time
	emergencyStop bool
	port          io.ReadWriteCloser
	stopChan      chan struct{}
	callbacks     []func(types.Position)

	cfg           Config
	autoReconnect bool
	wg            sync.WaitGroup

	// disconnectGen 每次显式 Disconnect 递增，
	// 自动重连用它区分用户主动断开与链路故障
	disconnectGen uint64

	// openPort 可替换以便测试注入内存端口
	openPort func(Config) (io.ReadWriteCloser, error)

	// reconnectGroup 保证同一时刻只有一个重连流程在跑
	reconnectGroup singleflight.Group

	checker *safety.Checker
	logger  *logging.Logger

	// rx 缓存完整响应行，供上层非阻塞读取
	rx chan string
}

// NewSupervisor 创建链路监督器
func NewSupervisor(cfg Config, checker *safety.Checker) *Supervisor {
	return &Supervisor{
		state:    types.StateDisconnected,
		cfg:      cfg,
		openPort: openSerialPort,
		checker:  checker,
		logger:   logging.GetLogger("link"),
		rx:       make(chan string, 64),
	}
}

// transitionLocked 按状态表执行迁移，非法迁移拒绝并记录。
// 调用方必须持有 s.mu。
func (s *Supervisor) transitionLocked(ev stateEvent) error {
	var next types.ConnectionState
	ok := true

	switch ev {
	case evConnectStart:
		ok = s.state == types.StateDisconnected || s.state == types.StateError
		next = types.StateConnecting
	case evConnectOK:
		ok = s.state == types.StateConnecting
		next = types.StateConnected
	case evConnectFail:
		ok = s.state == types.StateConnecting
		next = types.StateError
	case evAlarm:
		ok = s.state != types.StateDisconnected
		next = types.StateAlarm
	case evUnlock:
		ok = s.state == types.StateAlarm
		next = types.StateConnected
	case evIOFailure:
		ok = s.state == types.StateConnected || s.state == types.StateAlarm || s.state == types.StateConnecting
		next = types.StateError
	case evDisconnect:
		next = types.StateDisconnected
	}

	if !ok {
		s.logger.Error("Rejected state transition", "event", ev.String(), "state", s.state.String())
		return fmt.Errorf("%w: %s in state %s", ErrIllegalTransition, ev.String(), s.state.String())
	}
	if s.state != next {
		s.logger.Debug("State transition", "from", s.state.String(), "to", next.String(), "event", ev.String())
		s.state = next
	}
	return nil
}

// Connect 打开串口并启动后台循环。连接失败时状态落在 Error，绝不会是 Connected。
func (s *Supervisor) Connect(portName string, baud int, autoReconnect bool) error {
	s.teardown()

	s.mu.Lock()
	s.cfg.Port = portName
	if baud > 0 {
		s.cfg.BaudRate = baud
	}
	s.autoReconnect = autoReconnect
	s.emergencyStop = false
	if err := s.transitionLocked(evConnectStart); err != nil {
		s.mu.Unlock()
		return err
	}
	opener := s.openPort
	cfg := s.cfg
	s.mu.Unlock()

	port, err := opener(cfg)
	if err != nil {
		s.mu.Lock()
		s.transitionLocked(evConnectFail)
		s.mu.Unlock()
		return fmt.Errorf("connect %s: %w", portName, err)
	}

	// 等待 GRBL 上电复位完成
	if cfg.HandshakeDelayMS > 0 {
		time.Sleep(time.Duration(cfg.HandshakeDelayMS) * time.Millisecond)
	}

	stop := make(chan struct{})
	s.mu.Lock()
	s.port = port
	s.stopChan = stop
	s.lastResponse = time.Now()
	s.transitionLocked(evConnectOK)
	s.mu.Unlock()

	s.wg.Add(2)
	go s.readLoop(port, stop)
	go s.healthLoop(stop)
	if cfg.KeepAlive {
		s.wg.Add(1)
		go s.keepAliveLoop(stop)
	}

	s.logger.Info("Connected", "port", portName, "baud", cfg.BaudRate, "auto_reconnect", autoReconnect)
	return nil
}

// Disconnect 停止所有循环、关闭串口、清空缓存位置。幂等。
// 显式断开后正在进行的自动重连会在下一次尝试前放弃。
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	s.disconnectGen++
	s.mu.Unlock()
	s.teardown()
}

// teardown 收尾共用逻辑：Connect 重建链路和自动重连也会走这里，
// 但不会像显式 Disconnect 那样递增 disconnectGen
func (s *Supervisor) teardown() {
	s.mu.Lock()
	if s.stopChan != nil {
		close(s.stopChan)
		s.stopChan = nil
	}
	port := s.port
	s.port = nil
	keepAlive := s.cfg.KeepAlive
	s.autoReconnect = false
	s.pos = nil
	s.transitionLocked(evDisconnect)
	s.mu.Unlock()

	if port != nil {
		if keepAlive {
			// 断开前关闭激光，防止下游一直低功率点亮
			port.Write([]byte("M5\n"))
		}
		port.Close()
		s.logger.Info("Disconnected")
	}
	s.wg.Wait()
}

// State 返回当前连接状态
func (s *Supervisor) State() types.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Position 返回最近一次状态报告解析出的机器位置，未知时为 nil
func (s *Supervisor) Position() *types.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos == nil {
		return nil
	}
	p := *s.pos
	return &p
}

// RegisterPositionCallback 注册位置更新回调。
// 回调在读取循环的 goroutine 上执行，不得再调用会加锁的监督器方法。
func (s *Supervisor) RegisterPositionCallback(fn func(types.Position)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, fn)
}

// Send 发送一行普通指令。未连接或急停期间直接拒绝，不触碰硬件。
func (s *Supervisor) Send(cmd string) error {
	s.mu.Lock()
	if s.port == nil || (s.state != types.StateConnected && s.state != types.StateAlarm) {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if s.emergencyStop {
		s.mu.Unlock()
		return ErrEmergencyStop
	}
	port := s.port
	s.mu.Unlock()

	if _, err := port.Write([]byte(strings.TrimSpace(cmd) + "\n")); err != nil {
		s.mu.Lock()
		s.transitionLocked(evIOFailure)
		s.mu.Unlock()
		return fmt.Errorf("send %q: %w", cmd, err)
	}
	s.logger.Debug("Sent command", "cmd", cmd)
	return nil
}

// EmergencyStop 发送实时急停字节并强制进入 Alarm。
// 无论当前状态如何都会尝试写入，失败只记录。
func (s *Supervisor) EmergencyStop() {
	s.mu.Lock()
	s.emergencyStop = true
	port := s.port
	if s.state != types.StateDisconnected {
		s.transitionLocked(evAlarm)
	}
	s.mu.Unlock()

	s.logger.Warn("EMERGENCY STOP")
	if port != nil {
		if _, err := port.Write([]byte{'!'}); err != nil {
			s.logger.Error("Emergency stop write failed", "error", err)
		}
	}
}

// ResetEmergencyStop 仅清除急停标志，不改变连接状态
func (s *Supervisor) ResetEmergencyStop() {
	s.mu.Lock()
	s.emergencyStop = false
	s.mu.Unlock()
	s.logger.Info("Emergency stop cleared")
}

// Unlock 发送 $X 解除 GRBL 报警
func (s *Supervisor) Unlock() error {
	if err := s.Send("$X"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == types.StateAlarm {
		s.transitionLocked(evUnlock)
		s.logger.Info("Alarm unlocked")
	}
	return nil
}

// Home 执行回零（$H）
func (s *Supervisor) Home() error {
	return s.Send("$H")
}

// SetMMAbsolute 切换到毫米单位和绝对坐标模式
func (s *Supervisor) SetMMAbsolute() error {
	if err := s.Send("G21"); err != nil {
		return err
	}
	return s.Send("G90")
}

// RapidTo 安全校验后发送绝对快速移动指令。
// 坐标越界直接拒绝；速度越界钳制并告警，不会静默丢弃。
func (s *Supervisor) RapidTo(x, y float64, feedMMMin int, z float64) error {
	s.mu.Lock()
	estop := s.emergencyStop
	s.mu.Unlock()
	if estop {
		return ErrEmergencyStop
	}

	if err := s.checker.ValidatePosition(types.Position{X: x, Y: y, Z: z}); err != nil {
		s.logger.Warn("Move blocked", "error", err)
		return err
	}

	feed, warning := s.checker.ClampSpeed(float64(feedMMMin))
	if warning != "" {
		s.logger.Warn("Speed clamped", "warning", warning)
	}

	return s.Send(fmt.Sprintf("G0 X%.3f Y%.3f Z%.3f F%d", x, y, z, int(feed)))
}

// RequestStatus 发送实时状态查询字节（无换行，不排队）
func (s *Supervisor) RequestStatus() {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return
	}
	if _, err := port.Write([]byte{'?'}); err != nil {
		s.logger.Error("Status request failed", "error", err)
	}
}

// GetCurrentPositionBlocking 发出状态查询后轮询缓存位置直至超时
func (s *Supervisor) GetCurrentPositionBlocking(timeout time.Duration) (*types.Position, error) {
	s.mu.Lock()
	connected := s.port != nil
	s.mu.Unlock()
	if !connected {
		return nil, ErrNotConnected
	}

	s.RequestStatus()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if pos := s.Position(); pos != nil {
			return pos, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil, ErrPositionTimeout
}

// ReadLineNoWait 非阻塞读取一行响应
func (s *Supervisor) ReadLineNoWait() (string, bool) {
	select {
	case line := <-s.rx:
		return line, true
	default:
		return "", false
	}
}

// readLoop 持续读取串口数据并按行处理
func (s *Supervisor) readLoop(port io.ReadWriteCloser, stop chan struct{}) {
	defer s.wg.Done()

	buf := make([]byte, 1024)
	var pending []byte

	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := port.Read(buf)
		if err != nil {
			select {
			case <-stop:
				return // 主动断开，端口已关闭
			default:
			}
			if err == io.EOF {
				continue
			}
			s.logger.Error("Read error", "error", err)
			s.mu.Lock()
			s.transitionLocked(evIOFailure)
			reconnect := s.autoReconnect
			gen := s.disconnectGen
			s.mu.Unlock()
			if reconnect {
				go s.tryReconnect(gen)
			}
			return
		}
		if n == 0 {
			continue
		}

		s.mu.Lock()
		s.lastResponse = time.Now()
		s.mu.Unlock()

		pending = append(pending, buf[:n]...)
		for {
			idx := bytes.IndexByte(pending, '\n')
			if idx < 0 {
				break
			}
			line := strings.TrimSpace(string(pending[:idx]))
			pending = pending[idx+1:]
			if line != "" {
				s.handleLine(line)
			}
		}
	}
}

// handleLine 处理一行完整响应
func (s *Supervisor) handleLine(line string) {
	select {
	case s.rx <- line:
	default:
		// 缓冲满时丢弃，上层读取是尽力而为的
	}

	if strings.HasPrefix(line, "ALARM") {
		s.mu.Lock()
		s.transitionLocked(evAlarm)
		s.mu.Unlock()
		s.logger.Warn("ALARM reported", "line", line)
		return
	}

	if strings.HasPrefix(line, "<") {
		if pos, ok := parseStatusReport(line); ok {
			s.mu.Lock()
			s.pos = &pos
			callbacks := make([]func(types.Position), len(s.callbacks))
			copy(callbacks, s.callbacks)
			s.mu.Unlock()

			// 回调在锁外执行，防止回调再进监督器时死锁
			for _, fn := range callbacks {
				func() {
					defer func() {
						if r := recover(); r != nil {
							s.logger.Error("Position callback panic", "panic", r)
						}
					}()
					fn(pos)
				}()
			}
		}
	}
}

// parseStatusReport 从状态报告里解析机器位置。
// 格式: <Idle|MPos:0.000,0.000,0.000|FS:0,0>，字段顺序和精度不可依赖，
// 解析失败一律忽略。
func parseStatusReport(line string) (types.Position, bool) {
	idx := strings.Index(line, "MPos:")
	if idx < 0 {
		return types.Position{}, false
	}
	segment := line[idx+len("MPos:"):]
	if end := strings.IndexAny(segment, "|>"); end >= 0 {
		segment = segment[:end]
	}
	coords := strings.Split(segment, ",")
	if len(coords) < 3 {
		return types.Position{}, false
	}

	var vals [3]float64
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(coords[i]), 64)
		if err != nil {
			return types.Position{}, false
		}
		vals[i] = v
	}
	return types.Position{X: vals[0], Y: vals[1], Z: vals[2]}, true
}

// healthLoop 周期检查链路是否还在响应，长时间静默时主动探测
func (s *Supervisor) healthLoop(stop chan struct{}) {
	defer s.wg.Done()

	interval := time.Duration(s.cfg.HealthCheckIntervalMS) * time.Millisecond
	stale := time.Duration(s.cfg.StaleThresholdMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		elapsed := time.Since(s.lastResponse)
		connected := s.state == types.StateConnected
		port := s.port
		s.mu.Unlock()

		if !connected || elapsed <= stale || port == nil {
			continue
		}

		s.logger.Warn("No response from controller", "elapsed", elapsed.String())
		if _, err := port.Write([]byte{'?'}); err != nil {
			s.logger.Error("Health probe failed", "error", err)
			s.mu.Lock()
			s.transitionLocked(evIOFailure)
			reconnect := s.autoReconnect
			gen := s.disconnectGen
			s.mu.Unlock()
			if reconnect {
				go s.tryReconnect(gen)
			}
			return
		}
	}
}

// keepAliveLoop 周期发送 M3 S1（最低功率）防止激光电源轨 30 秒超时掉电
func (s *Supervisor) keepAliveLoop(stop chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Duration(s.cfg.KeepAliveIntervalMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		port := s.port
		connected := s.state == types.StateConnected
		s.mu.Unlock()

		if port == nil || !connected {
			continue
		}
		if _, err := port.Write([]byte("M3 S1\n")); err != nil {
			s.logger.Error("Keep-alive failed", "error", err)
		} else {
			s.logger.Debug("Keep-alive ping sent")
		}
	}
}

// tryReconnect 有界自动重连。singleflight 保证重连流程不会并发执行；
// gen 是检测到链路故障那一刻的 disconnectGen 快照，
// 之后任何显式 Disconnect 都会中止后续尝试；
// 次数用尽后链路停留在 Error，由调用方决定是否人工重连。
func (s *Supervisor) tryReconnect(gen uint64) {
	s.reconnectGroup.Do("reconnect", func() (interface{}, error) {
		s.mu.Lock()
		cfg := s.cfg
		s.mu.Unlock()

		attempts := cfg.MaxReconnectAttempts
		if attempts <= 0 {
			attempts = 1
		}
		pause := time.Duration(cfg.ReconnectPauseMS) * time.Millisecond

		for i := 1; i <= attempts; i++ {
			s.logger.Info("Auto-reconnect attempt", "attempt", i, "max", attempts)
			s.teardown()
			time.Sleep(pause)

			if s.userDisconnectedSince(gen) {
				s.logger.Info("Auto-reconnect aborted by explicit disconnect")
				return nil, nil
			}

			if err := s.Connect(cfg.Port, cfg.BaudRate, true); err != nil {
				s.logger.Error("Reconnect failed", "attempt", i, "error", err)
				continue
			}
			if s.userDisconnectedSince(gen) {
				// 握手期间用户断开了，撤销这次重连
				s.teardown()
			}
			return nil, nil
		}

		s.logger.Error("Reconnect attempts exhausted", "attempts", attempts)
		return nil, ErrReconnectExhausted
	})
}

// userDisconnectedSince 判断自 gen 快照以来是否发生过显式断开
func (s *Supervisor) userDisconnectedSince(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnectGen != gen
}
