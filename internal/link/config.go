package link

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/jacobsa/go-serial/serial"
)

// Config 串口链路配置
type Config struct {
	Port     string `yaml:"port"`      // 串口名称，如 "/dev/ttyUSB0"
	BaudRate int    `yaml:"baud_rate"` // 波特率
	DataBits int    `yaml:"data_bits"` // 数据位，通常为8
	StopBits int    `yaml:"stop_bits"` // 停止位，通常为1
	Parity   string `yaml:"parity"`    // 校验位: "N"无校验, "E"偶校验, "O"奇校验

	// HandshakeDelayMS 打开串口后等待 GRBL 复位的时间
	HandshakeDelayMS int `yaml:"handshake_delay_ms"`

	AutoReconnect        bool `yaml:"auto_reconnect"`
	MaxReconnectAttempts int  `yaml:"max_reconnect_attempts"`
	ReconnectPauseMS     int  `yaml:"reconnect_pause_ms"`

	// KeepAlive 周期性发送 M3 S1 防止下游电源轨超时断电
	KeepAlive           bool `yaml:"keep_alive"`
	KeepAliveIntervalMS int  `yaml:"keep_alive_interval_ms"`

	HealthCheckIntervalMS int `yaml:"health_check_interval_ms"`
	StaleThresholdMS      int `yaml:"stale_threshold_ms"`
}

// DefaultConfig 返回默认链路配置
func DefaultConfig() Config {
	return Config{
		BaudRate:              115200,
		DataBits:              8,
		StopBits:              1,
		Parity:                "N",
		HandshakeDelayMS:      2000,
		AutoReconnect:         false,
		MaxReconnectAttempts:  3,
		ReconnectPauseMS:      1000,
		KeepAlive:             false,
		KeepAliveIntervalMS:   25000,
		HealthCheckIntervalMS: 2000,
		StaleThresholdMS:      5000,
	}
}

// openSerialPort 按配置打开物理串口
func openSerialPort(cfg Config) (io.ReadWriteCloser, error) {
	options := serial.OpenOptions{
		PortName:        cfg.Port,
		BaudRate:        uint(cfg.BaudRate),
		DataBits:        uint(cfg.DataBits),
		StopBits:        uint(cfg.StopBits),
		MinimumReadSize: 1,
	}

	switch cfg.Parity {
	case "E", "e":
		options.ParityMode = serial.PARITY_EVEN
	case "O", "o":
		options.ParityMode = serial.PARITY_ODD
	default:
		options.ParityMode = serial.PARITY_NONE
	}

	port, err := serial.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Port, err)
	}
	return port, nil
}

// ListPorts 扫描候选串口设备
func ListPorts() []string {
	var ports []string
	for _, pattern := range []string{
		"/dev/ttyUSB*",
		"/dev/ttyACM*",
		"/dev/tty.usbserial*",
		"/dev/tty.usbmodem*",
	} {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		ports = append(ports, matches...)
	}
	sort.Strings(ports)
	return ports
}
