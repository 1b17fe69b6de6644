// Command grblsim is a small GRBL simulator for bench-testing the gantry
// stack without hardware. It listens on TCP, greets with a GRBL banner,
// answers `ok` to G-code lines, tracks the machine position from motion
// commands and honors the real-time bytes `?` (status report) and `!`
// (alarm). Point the link supervisor at it through a TCP-to-PTY bridge such
// as socat.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
)

type machineState int

const (
	stateIdle machineState = iota
	stateAlarm
)

func (s machineState) String() string {
	if s == stateAlarm {
		return "Alarm"
	}
	return "Idle"
}

// Device 模拟单台 GRBL 控制器，多个连接共享同一份机器状态
type Device struct {
	mu       sync.Mutex
	x, y, z  float64
	state    machineState
	relative bool // G91 增量模式
}

func (d *Device) statusReport() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fmt.Sprintf("<%s|MPos:%.3f,%.3f,%.3f|FS:0,0>", d.state, d.x, d.y, d.z)
}

func (d *Device) alarm() {
	d.mu.Lock()
	d.state = stateAlarm
	d.mu.Unlock()
}

// handleCommand 处理一条完整的 G 代码行，返回要发回的响应行
func (d *Device) handleCommand(line string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}

	upper := strings.ToUpper(line)

	switch {
	case upper == "$X":
		d.state = stateIdle
		return "[MSG:Caution: Unlocked]\r\nok"

	case upper == "$H":
		if d.state == stateAlarm {
			return "error:Alarm lock"
		}
		d.x, d.y, d.z = 0, 0, 0
		return "ok"

	case strings.HasPrefix(upper, "$"):
		// 其余设置命令一律应答 ok
		return "ok"
	}

	if d.state == stateAlarm {
		return "error:Alarm lock"
	}

	for _, word := range strings.Fields(upper) {
		switch {
		case word == "G90":
			d.relative = false
		case word == "G91":
			d.relative = true
		case word == "G20", word == "G21", word == "M3", word == "M5":
			// 单位与主轴命令只需应答
		case strings.HasPrefix(word, "G0") || strings.HasPrefix(word, "G1"):
			// 轴坐标在后续词里处理
		case strings.HasPrefix(word, "X"):
			d.applyAxis(&d.x, word[1:])
		case strings.HasPrefix(word, "Y"):
			d.applyAxis(&d.y, word[1:])
		case strings.HasPrefix(word, "Z"):
			d.applyAxis(&d.z, word[1:])
		case strings.HasPrefix(word, "F"), strings.HasPrefix(word, "S"):
			// 进给与 PWM 数值不影响位置
		default:
			return fmt.Sprintf("error:Unsupported command [%s]", word)
		}
	}

	return "ok"
}

func (d *Device) applyAxis(axis *float64, value string) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return
	}
	if d.relative {
		*axis += v
	} else {
		*axis = v
	}
}

// serveConn 按字节读取：`?` 和 `!` 是实时命令，不等待换行
func serveConn(conn net.Conn, device *Device) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	log.Printf("Client connected: %s", remote)
	defer log.Printf("Client disconnected: %s", remote)

	if _, err := fmt.Fprintf(conn, "\r\nGrbl 1.1h ['$' for help]\r\n"); err != nil {
		return
	}

	reader := bufio.NewReader(conn)
	var pending []byte

	for {
		b, err := reader.ReadByte()
		if err != nil {
			if err != io.EOF {
				log.Printf("Read error from %s: %v", remote, err)
			}
			return
		}

		switch b {
		case '?':
			if _, err := fmt.Fprintf(conn, "%s\r\n", device.statusReport()); err != nil {
				return
			}

		case '!':
			device.alarm()
			if _, err := fmt.Fprintf(conn, "ALARM:1\r\n"); err != nil {
				return
			}

		case '\r':
			// 忽略，等 \n

		case '\n':
			response := device.handleCommand(string(pending))
			pending = pending[:0]
			if response == "" {
				continue
			}
			if _, err := fmt.Fprintf(conn, "%s\r\n", response); err != nil {
				return
			}

		default:
			pending = append(pending, b)
		}
	}
}

func main() {
	listen := flag.String("listen", "127.0.0.1:8600", "TCP listen address")
	flag.Parse()

	listener, err := net.Listen("tcp", *listen)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", *listen, err)
	}
	defer listener.Close()

	log.Printf("GRBL simulator listening on %s", *listen)

	device := &Device{}

	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Printf("Accept error: %v", err)
			continue
		}
		go serveConn(conn, device)
	}
}
