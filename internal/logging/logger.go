// Package logging provides structured logging for the gantry system,
// built on log/slog with a named-logger registry so each component logs
// under its own module attribute.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Config 日志配置
type Config struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Format     string `yaml:"format"`      // json, text
	Output     string `yaml:"output"`      // stdout, stderr, file
	OutputPath string `yaml:"output_path"` // 文件输出路径
	AddSource  bool   `yaml:"add_source"`  // 是否记录源码位置
}

// Logger 封装的结构化日志器
type Logger struct {
	*slog.Logger
	config *Config
}

// DefaultConfig 返回默认日志配置
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "text",
		Output: "stdout",
	}
}

// NewLogger 创建新的日志器实例
func NewLogger(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	handler, err := newHandler(config)
	if err != nil {
		return nil, err
	}

	return &Logger{
		Logger: slog.New(handler),
		config: config,
	}, nil
}

// With 返回带有额外字段的日志器
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
		config: l.config,
	}
}

// UpdateLevel 动态更新日志级别
func (l *Logger) UpdateLevel(level string) {
	l.config.Level = level
	handler, err := newHandler(l.config)
	if err != nil {
		l.Error("Failed to update log level", "error", err)
		return
	}
	l.Logger = slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newHandler(config *Config) (slog.Handler, error) {
	var writer *os.File

	switch strings.ToLower(config.Output) {
	case "stderr":
		writer = os.Stderr
	case "file":
		if config.OutputPath == "" {
			config.OutputPath = "logs/gantry.log"
		}
		if err := os.MkdirAll("logs", 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(config.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		writer = f
	default:
		writer = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(config.Level),
		AddSource: config.AddSource,
	}

	if strings.ToLower(config.Format) == "json" {
		return slog.NewJSONHandler(writer, opts), nil
	}
	return slog.NewTextHandler(writer, opts), nil
}
