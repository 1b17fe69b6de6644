package logging

import (
	"fmt"
	"sync"
)

var (
	// 全局日志管理器实例
	defaultManager *Manager
	once           sync.Once
)

// Manager 日志管理器，按名称维护各组件的日志器
type Manager struct {
	mu      sync.RWMutex
	loggers map[string]*Logger
	config  *Config
}

// NewManager 创建日志管理器
func NewManager(config *Config) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}

	m := &Manager{
		loggers: make(map[string]*Logger),
		config:  config,
	}

	defaultLogger, err := NewLogger(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create default logger: %w", err)
	}
	m.loggers["default"] = defaultLogger

	return m, nil
}

// GetManager 获取全局日志管理器实例
func GetManager() *Manager {
	once.Do(func() {
		defaultManager, _ = NewManager(DefaultConfig())
	})
	return defaultManager
}

// GetLogger 获取指定名称的日志器，不存在时创建
func (m *Manager) GetLogger(name string) (*Logger, error) {
	m.mu.RLock()
	logger, exists := m.loggers[name]
	m.mu.RUnlock()
	if exists {
		return logger, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// 再次检查，防止并发创建
	if logger, exists := m.loggers[name]; exists {
		return logger, nil
	}

	logger, err := NewLogger(m.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger %s: %w", name, err)
	}
	if name != "default" {
		logger = logger.With("module", name)
	}

	m.loggers[name] = logger
	return logger, nil
}

// UpdateConfig 更新所有日志器的配置
func (m *Manager) UpdateConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.config = config
	for _, logger := range m.loggers {
		logger.UpdateLevel(config.Level)
	}
	return nil
}

// GetLogger 便捷函数：使用全局管理器获取日志器
func GetLogger(name string) *Logger {
	m := GetManager()
	logger, err := m.GetLogger(name)
	if err != nil {
		logger, _ = m.GetLogger("default")
		logger.Error("Failed to get logger", "requested_name", name, "error", err)
	}
	return logger
}

// Default 便捷函数：获取默认日志器
func Default() *Logger {
	return GetLogger("default")
}
