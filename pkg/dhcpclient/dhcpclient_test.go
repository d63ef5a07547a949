package dhcpclient

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockExecutor struct {
	calls       []string
	inputs      map[string]string
	errors      map[string]error
	outputs     map[string]string
	hasCommands map[string]bool
}

func (m *mockExecutor) record(cmd string, args ...string) (string, error) {
	full := strings.Join(append([]string{cmd}, args...), " ")
	m.calls = append(m.calls, full)
	if err, ok := m.errors[cmd]; ok {
		return "", err
	}
	return m.outputs[full], nil
}

func (m *mockExecutor) Execute(cmd string, args ...string) (string, error) {
	return m.record(cmd, args...)
}

func (m *mockExecutor) ExecuteContext(ctx context.Context, cmd string, args ...string) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		return "", errors.New("expected a deadline")
	}
	return m.record(cmd, args...)
}

func (m *mockExecutor) ExecuteWithTimeout(timeout time.Duration, cmd string, args ...string) (string, error) {
	return m.record(cmd, args...)
}

func (m *mockExecutor) ExecuteWithInput(cmd string, input string, args ...string) (string, error) {
	if m.inputs == nil {
		m.inputs = map[string]string{}
	}
	m.inputs[args[len(args)-1]] = input
	return m.record(cmd, args...)
}

func (m *mockExecutor) ExecuteWithInputContext(ctx context.Context, cmd string, input string, args ...string) (string, error) {
	return m.ExecuteWithInput(cmd, input, args...)
}

func (m *mockExecutor) HasCommand(cmd string) bool {
	return m.hasCommands[cmd]
}

func (m *mockExecutor) called(prefix string) bool {
	for _, c := range m.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, fields ...interface{}) {}
func (m *mockLogger) Info(msg string, fields ...interface{})  {}
func (m *mockLogger) Warn(msg string, fields ...interface{})  {}
func (m *mockLogger) Error(msg string, fields ...interface{}) {}

func TestAcquire_Udhcpc(t *testing.T) {
	executor := &mockExecutor{
		hasCommands: map[string]bool{"udhcpc": true},
		outputs: map[string]string{
			"ip addr show wlan0": "inet 192.168.4.10/24 brd 192.168.4.255 scope global wlan0",
		},
	}
	m := NewManager(executor, &mockLogger{}, 0)

	err := m.Acquire(context.Background(), "wlan0", "peerlink")
	require.NoError(t, err)
	assert.True(t, executor.called("udhcpc -i wlan0 -n -q -x hostname:peerlink"))
	assert.False(t, executor.called("timeout"))
}

func TestAcquire_DhclientFallback(t *testing.T) {
	executor := &mockExecutor{}
	m := NewManager(executor, &mockLogger{}, 4*time.Second)

	err := m.Acquire(context.Background(), "wlan0", "peer")
	require.NoError(t, err)
	assert.True(t, executor.called("timeout 4 dhclient -v -cf /run/peerlink/dhclient.wlan0.conf wlan0"))
	assert.Equal(t, "send host-name \"peer\";\n", executor.inputs["/run/peerlink/dhclient.wlan0.conf"])
}

func TestAcquire_Failure(t *testing.T) {
	executor := &mockExecutor{
		hasCommands: map[string]bool{"udhcpc": true},
		errors:      map[string]error{"udhcpc": errors.New("no lease")},
	}
	m := NewManager(executor, &mockLogger{}, 0)

	err := m.Acquire(context.Background(), "wlan0", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "udhcpc failed")
	assert.True(t, executor.called("pkill -9 -f udhcpc.*wlan0"))
}

func TestAcquire_UdhcpcFailsOverToDhclient(t *testing.T) {
	executor := &mockExecutor{
		hasCommands: map[string]bool{"udhcpc": true, "dhclient": true},
		errors:      map[string]error{"udhcpc": errors.New("no lease")},
	}
	m := NewManager(executor, &mockLogger{}, 4*time.Second)

	require.NoError(t, m.Acquire(context.Background(), "wlan0", ""))
	assert.True(t, executor.called("udhcpc -i wlan0 -n -q"))
	assert.True(t, executor.called("timeout 4 dhclient -v wlan0"))
}

func TestAcquire_InvalidInput(t *testing.T) {
	m := NewManager(&mockExecutor{}, &mockLogger{}, 0)

	assert.Error(t, m.Acquire(context.Background(), "wlan0; rm -rf /", ""))
	assert.Error(t, m.Acquire(context.Background(), "wlan0", "bad_host"))
}

func TestRelease(t *testing.T) {
	executor := &mockExecutor{}
	m := NewManager(executor, &mockLogger{}, 0)

	require.NoError(t, m.Release("wlan-0"))
	assert.True(t, executor.called("pkill -9 -f dhclient.*wlan-0"))
	assert.True(t, executor.called("rm -f /run/peerlink/dhclient.wlan-0.leases"))

	assert.Error(t, m.Release(""))
}
