package main

import (
	"bufio"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleCommandTracksPosition(t *testing.T) {
	d := &Device{}

	assert.Equal(t, "ok", d.handleCommand("G21"))
	assert.Equal(t, "ok", d.handleCommand("G90"))
	assert.Equal(t, "ok", d.handleCommand("G0 X100 Y50.5 Z10 F2000"))
	assert.Equal(t, "<Idle|MPos:100.000,50.500,10.000|FS:0,0>", d.statusReport())

	// G91 增量模式
	assert.Equal(t, "ok", d.handleCommand("G91"))
	assert.Equal(t, "ok", d.handleCommand("G0 X-30"))
	assert.Equal(t, "ok", d.handleCommand("G90"))
	assert.Equal(t, "<Idle|MPos:70.000,50.500,10.000|FS:0,0>", d.statusReport())
}

func TestHandleCommandHoming(t *testing.T) {
	d := &Device{}
	require.Equal(t, "ok", d.handleCommand("G0 X200 Y200"))
	require.Equal(t, "ok", d.handleCommand("$H"))
	assert.Equal(t, "<Idle|MPos:0.000,0.000,0.000|FS:0,0>", d.statusReport())
}

func TestAlarmLocksOutMotion(t *testing.T) {
	d := &Device{}
	d.alarm()

	assert.Equal(t, "error:Alarm lock", d.handleCommand("G0 X10"))
	assert.Equal(t, "error:Alarm lock", d.handleCommand("$H"))
	assert.Contains(t, d.statusReport(), "<Alarm|")

	// $X 解锁后恢复
	assert.Equal(t, "[MSG:Caution: Unlocked]\r\nok", d.handleCommand("$X"))
	assert.Equal(t, "ok", d.handleCommand("G0 X10"))
}

func TestUnsupportedCommand(t *testing.T) {
	d := &Device{}
	assert.Contains(t, d.handleCommand("G2 X10 Y10 I5"), "error:Unsupported command")
}

func TestServeConnRealTimeBytes(t *testing.T) {
	client, server := net.Pipe()
	device := &Device{}
	go serveConn(server, device)
	defer client.Close()

	reader := bufio.NewReader(client)

	// 启动横幅
	readLine := func() string {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimSpace(line)
			if line != "" {
				return line
			}
		}
	}
	assert.Contains(t, readLine(), "Grbl 1.1h")

	_, err := client.Write([]byte("G0 X25 Y25\n"))
	require.NoError(t, err)
	assert.Equal(t, "ok", readLine())

	// `?` 不带换行也要立即应答
	_, err = client.Write([]byte("?"))
	require.NoError(t, err)
	assert.Equal(t, "<Idle|MPos:25.000,25.000,0.000|FS:0,0>", readLine())

	_, err = client.Write([]byte("!"))
	require.NoError(t, err)
	assert.Equal(t, "ALARM:1", readLine())
}
