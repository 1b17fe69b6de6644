package link

import (
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chessgantry/internal/safety"
	"chessgantry/pkg/types"
)

// fakePort is an in-memory serial port: Read blocks until test code feeds
// data, Write records everything sent.
type fakePort struct {
	mu         sync.Mutex
	written    []string
	failWrites bool
	closed     bool
	rx         chan []byte
}

func newFakePort() *fakePort {
	return &fakePort{rx: make(chan []byte, 16)}
}

func (p *fakePort) Read(b []byte) (int, error) {
	data, ok := <-p.rx
	if !ok {
		return 0, io.ErrClosedPipe
	}
	return copy(b, data), nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	if p.failWrites {
		return 0, errors.New("simulated write failure")
	}
	p.written = append(p.written, string(b))
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.rx)
	}
	return nil
}

func (p *fakePort) feed(s string) {
	p.rx <- []byte(s)
}

func (p *fakePort) sent() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.written))
	copy(out, p.written)
	return out
}

func (p *fakePort) sentContains(substr string) bool {
	for _, w := range p.sent() {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HandshakeDelayMS = 0
	cfg.HealthCheckIntervalMS = 20
	cfg.StaleThresholdMS = 100000 // keep the health probe quiet unless a test wants it
	cfg.ReconnectPauseMS = 1
	return cfg
}

func newTestSupervisor(t *testing.T, cfg Config) (*Supervisor, *fakePort) {
	t.Helper()
	port := newFakePort()
	s := NewSupervisor(cfg, safety.NewChecker(types.DefaultSafetyLimits(), types.DefaultSpeedLimits()))
	s.openPort = func(Config) (io.ReadWriteCloser, error) { return port, nil }
	return s, port
}

func TestConnectSuccess(t *testing.T) {
	s, _ := newTestSupervisor(t, testConfig())
	defer s.Disconnect()

	require.NoError(t, s.Connect("/dev/fake0", 115200, false))
	assert.Equal(t, types.StateConnected, s.State())
}

func TestConnectFailureNeverConnected(t *testing.T) {
	s := NewSupervisor(testConfig(), safety.NewChecker(types.DefaultSafetyLimits(), types.DefaultSpeedLimits()))
	s.openPort = func(Config) (io.ReadWriteCloser, error) {
		return nil, errors.New("no such device")
	}

	err := s.Connect("/dev/missing", 115200, false)
	require.Error(t, err)
	assert.Equal(t, types.StateError, s.State())
}

func TestDisconnectClearsPosition(t *testing.T) {
	s, port := newTestSupervisor(t, testConfig())
	require.NoError(t, s.Connect("/dev/fake0", 115200, false))

	port.feed("<Idle|MPos:10.000,20.000,5.000|FS:0,0>\n")
	require.Eventually(t, func() bool { return s.Position() != nil }, time.Second, 5*time.Millisecond)

	s.Disconnect()
	assert.Equal(t, types.StateDisconnected, s.State())
	assert.Nil(t, s.Position())

	// idempotent
	s.Disconnect()
	assert.Equal(t, types.StateDisconnected, s.State())
}

func TestParseStatusReport(t *testing.T) {
	tests := []struct {
		name string
		line string
		want *types.Position
	}{
		{"standard", "<Idle|MPos:1.000,2.500,-0.250|FS:0,0>", &types.Position{X: 1, Y: 2.5, Z: -0.25}},
		{"mpos last", "<Run|FS:500,0|MPos:10.0,20.0,30.0>", &types.Position{X: 10, Y: 20, Z: 30}},
		{"extra coords", "<Idle|MPos:1,2,3,4|FS:0,0>", &types.Position{X: 1, Y: 2, Z: 3}},
		{"no mpos", "<Idle|WPos:1.000,2.000,3.000>", nil},
		{"too few coords", "<Idle|MPos:1.000,2.000|FS:0,0>", nil},
		{"garbage floats", "<Idle|MPos:a,b,c|FS:0,0>", nil},
		{"empty", "<>", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos, ok := parseStatusReport(tt.line)
			if tt.want == nil {
				assert.False(t, ok)
			} else {
				require.True(t, ok)
				assert.Equal(t, *tt.want, pos)
			}
		})
	}
}

func TestAlarmThenUnlock(t *testing.T) {
	s, port := newTestSupervisor(t, testConfig())
	defer s.Disconnect()
	require.NoError(t, s.Connect("/dev/fake0", 115200, false))

	port.feed("ALARM:1\n")
	require.Eventually(t, func() bool { return s.State() == types.StateAlarm }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Unlock())
	assert.True(t, port.sentContains("$X"))
	assert.Equal(t, types.StateConnected, s.State())
}

func TestSendRequiresConnection(t *testing.T) {
	s, _ := newTestSupervisor(t, testConfig())
	assert.ErrorIs(t, s.Send("G90"), ErrNotConnected)
}

func TestEmergencyStop(t *testing.T) {
	s, port := newTestSupervisor(t, testConfig())
	defer s.Disconnect()
	require.NoError(t, s.Connect("/dev/fake0", 115200, false))

	s.EmergencyStop()
	assert.Equal(t, types.StateAlarm, s.State())
	assert.True(t, port.sentContains("!"))

	// normal commands are rejected without touching the port
	before := len(port.sent())
	assert.ErrorIs(t, s.Send("G0 X1 Y1"), ErrEmergencyStop)
	assert.ErrorIs(t, s.RapidTo(10, 10, 1000, 0), ErrEmergencyStop)
	assert.Len(t, port.sent(), before)

	// clearing the flag does not change the connection state
	s.ResetEmergencyStop()
	assert.Equal(t, types.StateAlarm, s.State())
	assert.NoError(t, s.Send("$X"))
}

func TestRapidToSafety(t *testing.T) {
	s, port := newTestSupervisor(t, testConfig())
	defer s.Disconnect()
	require.NoError(t, s.Connect("/dev/fake0", 115200, false))

	require.NoError(t, s.RapidTo(100, 200, 1500, 0))
	assert.True(t, port.sentContains("G0 X100.000 Y200.000 Z0.000 F1500"))

	// out of bounds: rejected before transmission
	before := len(port.sent())
	err := s.RapidTo(9999, 0, 1500, 0)
	require.Error(t, err)
	var limitErr *safety.LimitError
	assert.ErrorAs(t, err, &limitErr)
	assert.Len(t, port.sent(), before)

	// over-speed: clamped, not dropped
	require.NoError(t, s.RapidTo(50, 50, 99999, 0))
	assert.True(t, port.sentContains("F5000"))
}

func TestSetMMAbsolute(t *testing.T) {
	s, port := newTestSupervisor(t, testConfig())
	defer s.Disconnect()
	require.NoError(t, s.Connect("/dev/fake0", 115200, false))

	require.NoError(t, s.SetMMAbsolute())
	assert.True(t, port.sentContains("G21"))
	assert.True(t, port.sentContains("G90"))
}

func TestPositionCallback(t *testing.T) {
	s, port := newTestSupervisor(t, testConfig())
	defer s.Disconnect()

	var mu sync.Mutex
	var got []types.Position
	s.RegisterPositionCallback(func(p types.Position) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	})

	require.NoError(t, s.Connect("/dev/fake0", 115200, false))
	port.feed("<Idle|MPos:1.000,2.000,3.000|FS:0,0>\n")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, types.Position{X: 1, Y: 2, Z: 3}, got[0])
	mu.Unlock()
}

func TestGetCurrentPositionBlocking(t *testing.T) {
	s, port := newTestSupervisor(t, testConfig())
	defer s.Disconnect()
	require.NoError(t, s.Connect("/dev/fake0", 115200, false))

	// no status report arrives: timeout
	_, err := s.GetCurrentPositionBlocking(120 * time.Millisecond)
	assert.ErrorIs(t, err, ErrPositionTimeout)
	assert.True(t, port.sentContains("?"))

	// report arrives while polling
	go func() {
		time.Sleep(30 * time.Millisecond)
		port.feed("<Idle|MPos:5.000,6.000,0.000|FS:0,0>\n")
	}()
	pos, err := s.GetCurrentPositionBlocking(time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.Position{X: 5, Y: 6, Z: 0}, *pos)
}

func TestReadLineNoWait(t *testing.T) {
	s, port := newTestSupervisor(t, testConfig())
	defer s.Disconnect()
	require.NoError(t, s.Connect("/dev/fake0", 115200, false))

	_, ok := s.ReadLineNoWait()
	assert.False(t, ok)

	port.feed("ok\n")
	require.Eventually(t, func() bool {
		line, ok := s.ReadLineNoWait()
		return ok && line == "ok"
	}, time.Second, 5*time.Millisecond)
}

func TestSendFailureMovesToError(t *testing.T) {
	s, port := newTestSupervisor(t, testConfig())
	defer s.Disconnect()
	require.NoError(t, s.Connect("/dev/fake0", 115200, false))

	port.mu.Lock()
	port.failWrites = true
	port.mu.Unlock()

	require.Error(t, s.Send("G90"))
	assert.Equal(t, types.StateError, s.State())
}

func TestKeepAliveSendsPing(t *testing.T) {
	cfg := testConfig()
	cfg.KeepAlive = true
	cfg.KeepAliveIntervalMS = 20

	s, port := newTestSupervisor(t, cfg)
	require.NoError(t, s.Connect("/dev/fake0", 115200, false))

	require.Eventually(t, func() bool { return port.sentContains("M3 S1") }, time.Second, 5*time.Millisecond)

	// keep-alive links shut the laser off on disconnect
	s.Disconnect()
	assert.True(t, port.sentContains("M5"))
}

func TestAutoReconnectRestoresLink(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 3

	var mu sync.Mutex
	var ports []*fakePort
	s := NewSupervisor(cfg, safety.NewChecker(types.DefaultSafetyLimits(), types.DefaultSpeedLimits()))
	s.openPort = func(Config) (io.ReadWriteCloser, error) {
		mu.Lock()
		defer mu.Unlock()
		p := newFakePort()
		ports = append(ports, p)
		return p, nil
	}
	require.NoError(t, s.Connect("/dev/fake0", 115200, true))
	defer s.Disconnect()

	// kill the first port out from under the read loop
	mu.Lock()
	first := ports[0]
	mu.Unlock()
	first.Close()

	require.Eventually(t, func() bool { return s.State() == types.StateConnected }, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Len(t, ports, 2)
	mu.Unlock()
}

func TestDisconnectDuringReconnectWins(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectPauseMS = 300
	cfg.MaxReconnectAttempts = 5

	var mu sync.Mutex
	opens := 0
	port := newFakePort()
	s := NewSupervisor(cfg, safety.NewChecker(types.DefaultSafetyLimits(), types.DefaultSpeedLimits()))
	s.openPort = func(Config) (io.ReadWriteCloser, error) {
		mu.Lock()
		opens++
		mu.Unlock()
		return port, nil
	}
	require.NoError(t, s.Connect("/dev/fake0", 115200, true))

	// break the link so the reconnect loop starts
	port.Close()
	require.Eventually(t, func() bool { return s.State() != types.StateConnected }, time.Second, 5*time.Millisecond)

	// explicit disconnect lands during the reconnect pause: it must stick,
	// no further open attempts happen
	s.Disconnect()
	time.Sleep(700 * time.Millisecond)

	assert.Equal(t, types.StateDisconnected, s.State())
	mu.Lock()
	assert.Equal(t, 1, opens)
	mu.Unlock()
}

func TestHealthProbeAfterSilence(t *testing.T) {
	cfg := testConfig()
	cfg.StaleThresholdMS = 30

	s, port := newTestSupervisor(t, cfg)
	defer s.Disconnect()
	require.NoError(t, s.Connect("/dev/fake0", 115200, false))

	require.Eventually(t, func() bool { return port.sentContains("?") }, time.Second, 5*time.Millisecond)
}
