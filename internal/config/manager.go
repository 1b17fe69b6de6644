// Package config provides YAML-based profile management with hot reload.
// A profile bundles everything the gantry needs to run against one physical
// setup: board geometry, safety envelope, serial link settings, storage
// strategy and the removal fallbacks.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"chessgantry/internal/link"
	"chessgantry/internal/logging"
	"chessgantry/internal/removal"
	"chessgantry/pkg/types"
)

// reloadDebounce 编辑器保存配置文件时通常产生多个写事件，合并后只重载一次
const reloadDebounce = 200 * time.Millisecond

// Profile 单个硬件配置档案
type Profile struct {
	Name       string             `yaml:"name"`
	Board      types.BoardConfig  `yaml:"board"`
	Safety     types.SafetyLimits `yaml:"safety"`
	Speed      types.SpeedLimits  `yaml:"speed"`
	Link       link.Config        `yaml:"link"`
	Storage    StorageConfig      `yaml:"storage"`
	EdgePush   EdgePushConfig     `yaml:"edge_push"`
	ToolPusher removal.ToolConfig `yaml:"tool_pusher"`
	Logging    logging.Config     `yaml:"logging"`
}

// StorageConfig captured-piece storage settings.
type StorageConfig struct {
	Strategy types.StorageStrategy `yaml:"strategy"`
}

// EdgePushConfig edge-push removal fallback settings.
type EdgePushConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultProfile returns the stock 400x400mm 8x8 profile. Files loaded from
// disk are unmarshalled on top of it, so any omitted section keeps these
// values.
func DefaultProfile() Profile {
	board := types.BoardConfig{
		Files:         8,
		Ranks:         8,
		WidthMM:       400,
		HeightMM:      400,
		StorageLayout: types.StorageNone,
	}
	return Profile{
		Name:   "default",
		Board:  board,
		Safety: types.DefaultSafetyLimits(),
		Speed:  types.DefaultSpeedLimits(),
		Link:   link.DefaultConfig(),
		Storage: StorageConfig{
			Strategy: types.StrategyNearest,
		},
		EdgePush:   EdgePushConfig{Enabled: true},
		ToolPusher: *removal.DefaultToolConfig(&board, false),
		Logging:    *logging.DefaultConfig(),
	}
}

// Manager 配置管理器，负责加载、校验与热重载
type Manager struct {
	mu       sync.RWMutex
	profile  Profile
	path     string
	watchers []func(Profile)

	watching bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	logger *logging.Logger
}

func NewManager(path string) *Manager {
	return &Manager{
		path:    path,
		profile: DefaultProfile(),
		logger:  logging.GetLogger("config"),
	}
}

// Load 读取并校验配置文件，path 为空时使用已记录的路径
func (m *Manager) Load(path string) error {
	if path != "" {
		m.path = path
	}

	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	profile := DefaultProfile()
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := validateProfile(&profile); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	m.mu.Lock()
	m.profile = profile
	m.mu.Unlock()

	m.logger.Info("Configuration loaded", "config_path", m.path, "profile", profile.Name)
	return nil
}

func (m *Manager) Reload() error {
	return m.Load(m.path)
}

// Get 返回当前配置档案的副本
func (m *Manager) Get() Profile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.profile
}

func (m *Manager) Path() string {
	return m.path
}

// Save 将当前配置写回磁盘，用于首次启动时落盘默认档案
func (m *Manager) Save() error {
	m.mu.RLock()
	profile := m.profile
	m.mu.RUnlock()

	data, err := yaml.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	m.logger.Info("Configuration saved", "config_path", m.path)
	return nil
}

// WatchChanges 注册配置变更回调，热重载成功后逐个调用
func (m *Manager) WatchChanges(callback func(Profile)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers = append(m.watchers, callback)
}

// StartWatching 启动 fsnotify 监听协程。监听配置文件所在目录而不是文件本身，
// 编辑器原子替换（rename + create）时文件级 watch 会失效。
func (m *Manager) StartWatching(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.watching {
		return fmt.Errorf("config watcher is already running")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	dir := filepath.Dir(m.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config directory %s: %w", dir, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.watching = true

	m.wg.Add(1)
	go m.watchLoop(ctx, watcher)

	m.logger.Info("Started watching config file", "config_path", m.path)
	return nil
}

func (m *Manager) StopWatching() error {
	m.mu.Lock()
	if !m.watching {
		m.mu.Unlock()
		return fmt.Errorf("config watcher is not running")
	}
	cancel := m.cancel
	m.watching = false
	m.mu.Unlock()

	cancel()
	m.wg.Wait()

	m.logger.Info("Stopped watching config file")
	return nil
}

func (m *Manager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer m.wg.Done()
	defer watcher.Close()

	var debounce *time.Timer
	var fire <-chan time.Time

	target := filepath.Base(m.path)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(reloadDebounce)
			}
			fire = debounce.C

		case <-fire:
			fire = nil
			m.logger.Info("Config file modified, reloading...")
			if err := m.Reload(); err != nil {
				m.logger.Error("Failed to reload config", "error", err)
				continue
			}
			m.notifyWatchers()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("Config watcher error", "error", err)
		}
	}
}

func (m *Manager) notifyWatchers() {
	m.mu.RLock()
	watchers := make([]func(Profile), len(m.watchers))
	copy(watchers, m.watchers)
	profile := m.profile
	m.mu.RUnlock()

	for _, watcher := range watchers {
		watcher(profile)
	}
}

// validateProfile 校验并补全默认值，顺序与档案字段一致
func validateProfile(p *Profile) error {
	if p.Name == "" {
		p.Name = "default"
	}

	if p.Board.Files <= 0 || p.Board.Ranks <= 0 {
		return fmt.Errorf("board must have positive files and ranks, got %dx%d", p.Board.Files, p.Board.Ranks)
	}
	if p.Board.Files > 26 {
		return fmt.Errorf("board files %d exceeds the a-z file range", p.Board.Files)
	}
	if p.Board.WidthMM <= 0 || p.Board.HeightMM <= 0 {
		return fmt.Errorf("board must have positive width and height, got %.1fx%.1f mm", p.Board.WidthMM, p.Board.HeightMM)
	}

	switch p.Board.StorageLayout {
	case types.StorageNone, types.StorageTop, types.StorageBottom, types.StoragePerimeter:
	case "":
		p.Board.StorageLayout = types.StorageNone
	default:
		return fmt.Errorf("unknown storage layout %q", p.Board.StorageLayout)
	}

	if pa := p.Board.PlayArea; pa != nil {
		if pa.MinFile < 0 || pa.MinRank < 0 ||
			pa.MaxFile >= p.Board.Files || pa.MaxRank >= p.Board.Ranks {
			return fmt.Errorf("play area %+v is outside the %dx%d board", *pa, p.Board.Files, p.Board.Ranks)
		}
		if pa.MaxFile-pa.MinFile != 7 || pa.MaxRank-pa.MinRank != 7 {
			return fmt.Errorf("play area must cover exactly 8x8 squares, got %+v", *pa)
		}
	}

	if p.Safety == (types.SafetyLimits{}) {
		p.Safety = types.DefaultSafetyLimits()
	}
	if p.Safety.XMin >= p.Safety.XMax || p.Safety.YMin >= p.Safety.YMax || p.Safety.ZMin >= p.Safety.ZMax {
		return fmt.Errorf("safety limits must have min < max on every axis")
	}

	if p.Speed.MinMMMin <= 0 {
		p.Speed.MinMMMin = types.DefaultSpeedLimits().MinMMMin
	}
	if p.Speed.MaxMMMin <= 0 {
		p.Speed.MaxMMMin = types.DefaultSpeedLimits().MaxMMMin
	}
	if p.Speed.MinMMMin > p.Speed.MaxMMMin {
		return fmt.Errorf("speed limits min %d exceeds max %d", p.Speed.MinMMMin, p.Speed.MaxMMMin)
	}

	if p.Link.BaudRate <= 0 {
		p.Link.BaudRate = link.DefaultConfig().BaudRate
	}
	if p.Link.DataBits <= 0 {
		p.Link.DataBits = 8
	}
	if p.Link.StopBits <= 0 {
		p.Link.StopBits = 1
	}
	switch p.Link.Parity {
	case "N", "E", "O":
	case "":
		p.Link.Parity = "N"
	default:
		return fmt.Errorf("unknown parity %q, expected N, E or O", p.Link.Parity)
	}
	if p.Link.MaxReconnectAttempts <= 0 {
		p.Link.MaxReconnectAttempts = link.DefaultConfig().MaxReconnectAttempts
	}
	if p.Link.ReconnectPauseMS <= 0 {
		p.Link.ReconnectPauseMS = link.DefaultConfig().ReconnectPauseMS
	}

	switch p.Storage.Strategy {
	case types.StrategyNearest, types.StrategyByColor, types.StrategyByType, types.StrategyChronological:
	case "":
		p.Storage.Strategy = types.StrategyNearest
	default:
		return fmt.Errorf("unknown storage strategy %q", p.Storage.Strategy)
	}

	if p.ToolPusher.Enabled {
		if p.ToolPusher.HolderSquare == "" {
			p.ToolPusher.HolderSquare = removal.DefaultToolConfig(&p.Board, true).HolderSquare
		}
		if p.ToolPusher.WidthMM <= 0 {
			p.ToolPusher.WidthMM = removal.DefaultPusherWidthMM
		}
		if p.ToolPusher.LengthMM <= 0 {
			p.ToolPusher.LengthMM = removal.DefaultPusherLengthMM
		}
		if p.ToolPusher.PushOffsetMM <= 0 {
			p.ToolPusher.PushOffsetMM = removal.DefaultPushOffsetMM
		}
	}

	if p.Logging.Level == "" {
		p.Logging.Level = "info"
	}
	if p.Logging.Format == "" {
		p.Logging.Format = "text"
	}
	if p.Logging.Output == "" {
		p.Logging.Output = "stdout"
	}

	return nil
}
