// Command gantry runs the chess gantry control system: it supervises the GRBL
// serial link, tracks board state, plans captured-piece storage and executes
// move action sequences. The entry point wires every component from a single
// YAML profile and shuts the stack down gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chessgantry/internal/board"
	"chessgantry/internal/config"
	"chessgantry/internal/executor"
	"chessgantry/internal/link"
	"chessgantry/internal/logging"
	"chessgantry/internal/planner"
	"chessgantry/internal/removal"
	"chessgantry/internal/safety"
	"chessgantry/internal/storage"
	"chessgantry/pkg/types"
)

// 夹爪与升降通过 GRBL 主轴 PWM / Z 轴实现
const (
	liftUpZ       = 40.0
	liftDownZ     = 0.0
	liftFeedrate  = 1500
	gripOpenPWM   = 1000
	gripClosePWM  = 400
	servoSettleMS = 300
)

// GantrySystem 棋盘龙门架控制系统
type GantrySystem struct {
	configManager *config.Manager
	supervisor    *link.Supervisor
	boardState    *board.State
	allocator     *storage.Allocator
	planner       *planner.Planner
	executor      *executor.Executor

	cancel  context.CancelFunc
	running bool
	logger  *logging.Logger
}

func NewGantrySystem(configPath string) (*GantrySystem, error) {
	// 1. 加载配置，失败时落盘默认档案
	configManager := config.NewManager(configPath)
	if err := configManager.Load(""); err != nil {
		log.Printf("Warning: Failed to load config from %s: %v", configPath, err)
		log.Println("Creating default configuration...")
		if err := configManager.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	profile := configManager.Get()

	// 2. 日志先于其他组件初始化
	if err := logging.GetManager().UpdateConfig(&profile.Logging); err != nil {
		return nil, fmt.Errorf("failed to configure logging: %w", err)
	}

	// 3. 串口链路与安全校验
	checker := safety.NewChecker(profile.Safety, profile.Speed)
	linkCfg := profile.Link
	supervisor := link.NewSupervisor(linkCfg, checker)

	// 4. 棋盘状态与吃子存储
	boardState := board.NewState(&profile.Board)
	allocator := storage.NewAllocator(&profile.Board, profile.Storage.Strategy)

	// 5. 兜底移除方案：边缘推挤与推杆工具
	var edge *removal.EdgePushAllocator
	if profile.EdgePush.Enabled {
		edge = removal.NewEdgePushAllocator(&profile.Board)
	}
	var tool *removal.ToolPusher
	if profile.ToolPusher.Enabled {
		toolCfg := profile.ToolPusher
		tool = removal.NewToolPusher(&profile.Board, &toolCfg)
	}

	movePlanner := planner.New(&profile.Board, boardState, allocator, edge, tool)

	// 6. 执行器通过 GRBL 驱动升降与夹爪
	servo := &grblServo{link: supervisor}
	exec := executor.New(&profile.Board, supervisor, servo)

	return &GantrySystem{
		configManager: configManager,
		supervisor:    supervisor,
		boardState:    boardState,
		allocator:     allocator,
		planner:       movePlanner,
		executor:      exec,
		logger:        logging.GetLogger("system"),
	}, nil
}

func (gs *GantrySystem) Start() error {
	if gs.running {
		return fmt.Errorf("system is already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	gs.cancel = cancel

	profile := gs.configManager.Get()

	// 1. 连接 GRBL 控制器
	if profile.Link.Port != "" {
		if err := gs.supervisor.Connect(profile.Link.Port, profile.Link.BaudRate, profile.Link.AutoReconnect); err != nil {
			cancel()
			return fmt.Errorf("failed to connect to %s: %w", profile.Link.Port, err)
		}
	} else {
		gs.logger.Warn("No serial port configured, running without hardware", "available_ports", link.ListPorts())
	}

	// 2. 载入起始局面，虚拟与物理两侧一致
	if err := gs.boardState.ResetStartingPosition(board.Virtual); err != nil {
		gs.supervisor.Disconnect()
		cancel()
		return fmt.Errorf("failed to set up starting position: %w", err)
	}
	gs.boardState.SyncPhysicalToVirtual()
	gs.allocator.SyncWithBoard(gs.boardState)

	// 3. 配置热重载：日志级别与存储策略即时生效
	gs.configManager.WatchChanges(func(p config.Profile) {
		gs.logger.Info("Configuration changed, applying runtime updates")
		if err := logging.GetManager().UpdateConfig(&p.Logging); err != nil {
			gs.logger.Error("Failed to update logging config", "error", err)
		}
		if p.Storage.Strategy != gs.allocator.Strategy() {
			gs.allocator.SetStrategy(p.Storage.Strategy)
		}
	})
	if err := gs.configManager.StartWatching(ctx); err != nil {
		gs.supervisor.Disconnect()
		cancel()
		return fmt.Errorf("failed to start config watcher: %w", err)
	}

	gs.running = true
	gs.logger.Info("Gantry system started", "profile", profile.Name)
	gs.printSystemInfo()
	return nil
}

func (gs *GantrySystem) Stop() error {
	if !gs.running {
		return fmt.Errorf("system is not running")
	}

	gs.logger.Info("Stopping gantry system...")

	if gs.cancel != nil {
		gs.cancel()
	}

	// 停止顺序与启动相反: 配置监听 -> 串口链路
	if err := gs.configManager.StopWatching(); err != nil {
		gs.logger.Error("Error stopping config watcher", "error", err)
	}

	gs.supervisor.Disconnect()

	gs.running = false
	gs.logger.Info("Gantry system stopped")
	return nil
}

func (gs *GantrySystem) printSystemInfo() {
	profile := gs.configManager.Get()
	stats := gs.allocator.GetStats()

	fmt.Println("==========================================")
	fmt.Println("  Chess Gantry Control System")
	fmt.Println("==========================================")
	fmt.Printf("  Profile: %s\n", profile.Name)
	fmt.Printf("  Board: %dx%d (%.0fx%.0f mm)\n", profile.Board.Files, profile.Board.Ranks, profile.Board.WidthMM, profile.Board.HeightMM)
	fmt.Printf("  Storage: %s layout, %s strategy, %d squares\n", profile.Board.StorageLayout, stats.Strategy, stats.TotalSquares)
	fmt.Printf("  Edge push: %v, Tool pusher: %v\n", profile.EdgePush.Enabled, profile.ToolPusher.Enabled)
	if profile.Link.Port != "" {
		fmt.Printf("  Serial: %s @ %d baud (state: %s)\n", profile.Link.Port, profile.Link.BaudRate, gs.supervisor.State())
	} else {
		fmt.Println("  Serial: not configured")
	}
	fmt.Println("==========================================")
}

// grblServo drives the lift axis and gripper through the GRBL link. The lift
// is the Z axis, the gripper is a servo on the spindle PWM output.
type grblServo struct {
	link *link.Supervisor
}

func (g *grblServo) LiftUp(ctx context.Context) error {
	return g.zMove(ctx, liftUpZ)
}

func (g *grblServo) LiftDown(ctx context.Context) error {
	return g.zMove(ctx, liftDownZ)
}

func (g *grblServo) GripOpen(ctx context.Context) error {
	return g.pwm(ctx, gripOpenPWM)
}

func (g *grblServo) GripClose(ctx context.Context) error {
	return g.pwm(ctx, gripClosePWM)
}

func (g *grblServo) zMove(ctx context.Context, z float64) error {
	if err := g.link.Send(fmt.Sprintf("G0 Z%.3f F%d", z, liftFeedrate)); err != nil {
		return err
	}
	return settle(ctx)
}

func (g *grblServo) pwm(ctx context.Context, value int) error {
	if err := g.link.Send(fmt.Sprintf("M3 S%d", value)); err != nil {
		return err
	}
	return settle(ctx)
}

func settle(ctx context.Context) error {
	timer := time.NewTimer(servoSettleMS * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// runDemoMove plans and executes a single UCI move, used with -move for bench
// checks against a simulator.
func (gs *GantrySystem) runDemoMove(ctx context.Context, uci string) error {
	if len(uci) < 4 {
		return fmt.Errorf("invalid UCI move %q", uci)
	}
	from, to := uci[:2], uci[2:4]

	analysis := types.MoveAnalysis{
		Move:       uci,
		FromSquare: from,
		ToSquare:   to,
	}
	if piece := gs.boardState.Get(board.Virtual, to); piece != nil {
		analysis.IsCapture = true
		analysis.CapturedSquare = to
		analysis.CapturedPiece = piece
	}
	if piece := gs.boardState.Get(board.Virtual, from); piece != nil {
		analysis.PieceType = piece.Type
	}

	plan, err := gs.planner.PlanMove(analysis)
	if err != nil {
		return fmt.Errorf("failed to plan %s: %w", uci, err)
	}
	if err := gs.executor.RunPlan(ctx, plan); err != nil {
		return fmt.Errorf("failed to execute %s: %w", uci, err)
	}

	// 执行成功后更新双份棋盘状态
	piece := gs.boardState.Get(board.Virtual, from)
	gs.boardState.Set(board.Virtual, from, nil)
	gs.boardState.Set(board.Virtual, to, piece)
	gs.boardState.SyncPhysicalToVirtual()
	return nil
}

func main() {
	var (
		configPath = flag.String("config", "gantry.yaml", "Path to configuration file")
		listPorts  = flag.Bool("list-ports", false, "List candidate serial ports and exit")
		demoMove   = flag.String("move", "", "Plan and execute a single UCI move, then exit")
	)
	flag.Parse()

	if *listPorts {
		for _, p := range link.ListPorts() {
			fmt.Println(p)
		}
		return
	}

	fmt.Println("Chess Gantry Control System - Starting up...")

	system, err := NewGantrySystem(*configPath)
	if err != nil {
		log.Fatalf("Failed to create gantry system: %v", err)
	}

	if err := system.Start(); err != nil {
		log.Fatalf("Failed to start gantry system: %v", err)
	}

	if *demoMove != "" {
		if err := system.runDemoMove(context.Background(), *demoMove); err != nil {
			log.Printf("Move failed: %v", err)
		}
		if err := system.Stop(); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
		return
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan

	fmt.Println("\nReceived shutdown signal...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		if err := system.Stop(); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
		close(done)
	}()

	select {
	case <-done:
		fmt.Println("Chess Gantry Control System shutdown complete")
	case <-shutdownCtx.Done():
		log.Println("Shutdown timeout reached, forcing exit")
		os.Exit(1)
	}
}
