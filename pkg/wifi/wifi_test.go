package wifi

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelfreak/peerlink/pkg/types"
)

// Mock implementations
type mockSystemExecutor struct {
	mu        sync.Mutex
	commands  map[string]string
	errors    map[string]error
	calls     []string
	blockWait bool // wait_event blocks until ctx is done
}

func newMockExecutor() *mockSystemExecutor {
	return &mockSystemExecutor{
		commands: map[string]string{
			"wpa_cli -i wlan0 wait_event CTRL-EVENT-CONNECTED CTRL-EVENT-ASSOC-REJECT CTRL-EVENT-DISCONNECTED CTRL-EVENT-TEMP-DISABLED CTRL-EVENT-AUTH-REJECT CTRL-EVENT-NETWORK-NOT-FOUND": "<3>CTRL-EVENT-CONNECTED - Connection to aa:bb:cc:dd:ee:ff completed",
		},
		errors: map[string]error{},
	}
}

func (m *mockSystemExecutor) set(cmd, output string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands[cmd] = output
	if err != nil {
		m.errors[cmd] = err
	}
}

func (m *mockSystemExecutor) Execute(cmd string, args ...string) (string, error) {
	fullCmd := strings.Join(append([]string{cmd}, args...), " ")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, fullCmd)
	if err, hasErr := m.errors[fullCmd]; hasErr {
		return m.commands[fullCmd], err
	}
	if output, ok := m.commands[fullCmd]; ok {
		return output, nil
	}
	return "", nil
}

func (m *mockSystemExecutor) ExecuteContext(ctx context.Context, cmd string, args ...string) (string, error) {
	m.mu.Lock()
	block := m.blockWait
	m.mu.Unlock()
	if block && len(args) > 2 && args[2] == "wait_event" {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return m.Execute(cmd, args...)
}

func (m *mockSystemExecutor) ExecuteWithTimeout(timeout time.Duration, cmd string, args ...string) (string, error) {
	return m.Execute(cmd, args...)
}

func (m *mockSystemExecutor) ExecuteWithInput(cmd string, input string, args ...string) (string, error) {
	return m.Execute(cmd, args...)
}

func (m *mockSystemExecutor) ExecuteWithInputContext(ctx context.Context, cmd string, input string, args ...string) (string, error) {
	return m.ExecuteWithInput(cmd, input, args...)
}

func (m *mockSystemExecutor) HasCommand(cmd string) bool {
	return true
}

func (m *mockSystemExecutor) called(cmd string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.calls {
		if c == cmd {
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

// mockDHCPClient implements types.DHCPClientManager for testing
type mockDHCPClient struct {
	mu         sync.Mutex
	acquireErr error
	acquired   int
	released   int
	hostname   string
}

func (m *mockDHCPClient) Acquire(ctx context.Context, iface string, hostname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquired++
	m.hostname = hostname
	return m.acquireErr
}

func (m *mockDHCPClient) Release(iface string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released++
	return nil
}

func (m *mockDHCPClient) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired, m.released
}

// fakeMonitor hands the onDown callback to the test
type fakeMonitor struct {
	mu      sync.Mutex
	onDown  func(string)
	watched chan struct{}
	err     error
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{watched: make(chan struct{}, 4)}
}

func (f *fakeMonitor) Watch(ctx context.Context, iface string, onDown func(string)) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.onDown = onDown
	f.mu.Unlock()
	f.watched <- struct{}{}
	return nil
}

func (f *fakeMonitor) fire(reason string) {
	f.mu.Lock()
	fn := f.onDown
	f.mu.Unlock()
	fn(reason)
}

type event struct {
	kind   string
	handle types.NetworkHandle
}

type recordingCallback struct {
	events chan event
}

func newRecordingCallback() *recordingCallback {
	return &recordingCallback{events: make(chan event, 8)}
}

func (c *recordingCallback) OnAvailable(h types.NetworkHandle) { c.events <- event{"available", h} }
func (c *recordingCallback) OnUnavailable()                    { c.events <- event{kind: "unavailable"} }
func (c *recordingCallback) OnLost(h types.NetworkHandle)      { c.events <- event{"lost", h} }

func (c *recordingCallback) next(t *testing.T) event {
	t.Helper()
	select {
	case e := <-c.events:
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("no callback delivered")
		return event{}
	}
}

func (c *recordingCallback) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case e := <-c.events:
		t.Fatalf("unexpected callback %q", e.kind)
	case <-time.After(wait):
	}
}

func wifiRequest(ssid, psk string) types.NetworkRequest {
	spec := types.NetworkSpecifier{SSID: ssid, Security: types.SecurityOpen}
	if psk != "" {
		spec.Security = types.SecurityWPA2
		spec.Passphrase = psk
	}
	return types.NetworkRequest{Transport: types.TransportWiFi, Specifier: spec}
}

func newTestRequester(t *testing.T, executor *mockSystemExecutor, dhcp *mockDHCPClient, monitor LinkMonitor, localAddr string) *Requester {
	t.Helper()
	r, err := NewRequester(executor, &mockLogger{}, dhcp, Options{
		Interface:          "wlan0",
		LocalAddr:          localAddr,
		AssociationTimeout: time.Second,
		Monitor:            monitor,
	})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestNewRequester(t *testing.T) {
	r := newTestRequester(t, newMockExecutor(), &mockDHCPClient{}, newFakeMonitor(), "")
	assert.Equal(t, "wlan0", r.iface)
	assert.Equal(t, time.Second, r.associationTimeout)

	_, err := NewRequester(newMockExecutor(), &mockLogger{}, &mockDHCPClient{}, Options{Interface: "bad iface"})
	assert.Error(t, err)

	_, err = NewRequester(newMockExecutor(), &mockLogger{}, &mockDHCPClient{}, Options{Interface: "wlan0", LocalAddr: "10.0.0.1"})
	assert.Error(t, err)
}

func TestRequestNetwork_SendsConfiguredHostname(t *testing.T) {
	dhcp := &mockDHCPClient{}
	r, err := NewRequester(newMockExecutor(), &mockLogger{}, dhcp, Options{
		Interface:          "wlan0",
		Hostname:           "peerlink-host",
		AssociationTimeout: time.Second,
		Monitor:            newFakeMonitor(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	cb := newRecordingCallback()

	_, err = r.RequestNetwork(wifiRequest("BioStim-AP", "password123"), cb)
	require.NoError(t, err)
	assert.Equal(t, "available", cb.next(t).kind)

	dhcp.mu.Lock()
	defer dhcp.mu.Unlock()
	assert.Equal(t, "peerlink-host", dhcp.hostname)
}

func TestRequestNetwork_AvailableThenLost(t *testing.T) {
	executor := newMockExecutor()
	dhcp := &mockDHCPClient{}
	monitor := newFakeMonitor()
	r := newTestRequester(t, executor, dhcp, monitor, "")
	cb := newRecordingCallback()

	id, err := r.RequestNetwork(wifiRequest("BioStim-AP", "password123"), cb)
	require.NoError(t, err)
	assert.Equal(t, types.RegistrationID(1), id)

	e := cb.next(t)
	assert.Equal(t, "available", e.kind)
	assert.Equal(t, types.NetworkHandle{ID: 1, Interface: "wlan0"}, e.handle)

	acquired, _ := dhcp.counts()
	assert.Equal(t, 1, acquired)
	assert.True(t, executor.called("wpa_supplicant -B -i wlan0 -c /run/peerlink/wpa_supplicant-wlan0.conf -C /run/wpa_supplicant"))
	assert.True(t, executor.called("ip link set wlan0 up"))

	<-monitor.watched
	monitor.fire("disassociated")
	monitor.fire("down")

	e = cb.next(t)
	assert.Equal(t, "lost", e.kind)
	assert.Equal(t, uint64(1), e.handle.ID)
	cb.none(t, 50*time.Millisecond)
}

func TestRequestNetwork_AssociationRejected(t *testing.T) {
	executor := newMockExecutor()
	executor.set("wpa_cli -i wlan0 wait_event CTRL-EVENT-CONNECTED CTRL-EVENT-ASSOC-REJECT CTRL-EVENT-DISCONNECTED CTRL-EVENT-TEMP-DISABLED CTRL-EVENT-AUTH-REJECT CTRL-EVENT-NETWORK-NOT-FOUND",
		"<3>CTRL-EVENT-TEMP-DISABLED id=0 ssid=\"BioStim-AP\" auth_failures=1 duration=10 reason=WRONG_KEY", nil)
	dhcp := &mockDHCPClient{}
	r := newTestRequester(t, executor, dhcp, newFakeMonitor(), "")
	cb := newRecordingCallback()

	_, err := r.RequestNetwork(wifiRequest("BioStim-AP", "wrongpass1"), cb)
	require.NoError(t, err)

	assert.Equal(t, "unavailable", cb.next(t).kind)
	acquired, _ := dhcp.counts()
	assert.Zero(t, acquired)
	cb.none(t, 50*time.Millisecond)
}

func TestRequestNetwork_PollingFallback(t *testing.T) {
	executor := newMockExecutor()
	executor.set("wpa_cli -i wlan0 wait_event CTRL-EVENT-CONNECTED CTRL-EVENT-ASSOC-REJECT CTRL-EVENT-DISCONNECTED CTRL-EVENT-TEMP-DISABLED CTRL-EVENT-AUTH-REJECT CTRL-EVENT-NETWORK-NOT-FOUND",
		"", errors.New("unknown command"))
	executor.set("wpa_cli -i wlan0 status", "bssid=aa:bb:cc:dd:ee:ff\nssid=BioStim-AP\nwpa_state=COMPLETED", nil)
	r := newTestRequester(t, executor, &mockDHCPClient{}, newFakeMonitor(), "")
	cb := newRecordingCallback()

	_, err := r.RequestNetwork(wifiRequest("BioStim-AP", ""), cb)
	require.NoError(t, err)
	assert.Equal(t, "available", cb.next(t).kind)
}

func TestRequestNetwork_AssociationTimeout(t *testing.T) {
	executor := newMockExecutor()
	executor.set("wpa_cli -i wlan0 wait_event CTRL-EVENT-CONNECTED CTRL-EVENT-ASSOC-REJECT CTRL-EVENT-DISCONNECTED CTRL-EVENT-TEMP-DISABLED CTRL-EVENT-AUTH-REJECT CTRL-EVENT-NETWORK-NOT-FOUND",
		"", errors.New("unknown command"))
	executor.set("wpa_cli -i wlan0 status", "wpa_state=SCANNING", nil)
	r := newTestRequester(t, executor, &mockDHCPClient{}, newFakeMonitor(), "")
	cb := newRecordingCallback()

	_, err := r.RequestNetwork(wifiRequest("BioStim-AP", ""), cb)
	require.NoError(t, err)
	assert.Equal(t, "unavailable", cb.next(t).kind)
}

func TestRequestNetwork_DHCPFailure(t *testing.T) {
	dhcp := &mockDHCPClient{acquireErr: errors.New("no lease")}
	r := newTestRequester(t, newMockExecutor(), dhcp, newFakeMonitor(), "")
	cb := newRecordingCallback()

	_, err := r.RequestNetwork(wifiRequest("BioStim-AP", ""), cb)
	require.NoError(t, err)
	assert.Equal(t, "unavailable", cb.next(t).kind)
}

func TestRequestNetwork_StaticAddress(t *testing.T) {
	executor := newMockExecutor()
	dhcp := &mockDHCPClient{}
	r := newTestRequester(t, executor, dhcp, newFakeMonitor(), "192.168.4.10/24")
	cb := newRecordingCallback()

	_, err := r.RequestNetwork(wifiRequest("BioStim-AP", ""), cb)
	require.NoError(t, err)
	assert.Equal(t, "available", cb.next(t).kind)

	assert.True(t, executor.called("ip addr add 192.168.4.10/24 dev wlan0"))
	acquired, _ := dhcp.counts()
	assert.Zero(t, acquired)
}

func TestRequestNetwork_MonitorUnavailable(t *testing.T) {
	monitor := newFakeMonitor()
	monitor.err = errors.New("netlink: operation not permitted")
	r := newTestRequester(t, newMockExecutor(), &mockDHCPClient{}, monitor, "")
	cb := newRecordingCallback()

	_, err := r.RequestNetwork(wifiRequest("BioStim-AP", ""), cb)
	require.NoError(t, err)
	assert.Equal(t, "available", cb.next(t).kind)
}

func TestRequestNetwork_Rejected(t *testing.T) {
	r := newTestRequester(t, newMockExecutor(), &mockDHCPClient{}, newFakeMonitor(), "")
	cb := newRecordingCallback()

	_, err := r.RequestNetwork(types.NetworkRequest{Transport: "cellular", Specifier: types.NetworkSpecifier{SSID: "x"}}, cb)
	assert.Error(t, err)

	_, err = r.RequestNetwork(wifiRequest("", ""), cb)
	assert.Error(t, err)

	_, err = r.RequestNetwork(wifiRequest("ap", "short"), cb)
	assert.Error(t, err)
}

func TestRequestNetwork_SupplicantFails(t *testing.T) {
	executor := newMockExecutor()
	executor.set("wpa_supplicant -B -i wlan0 -c /run/peerlink/wpa_supplicant-wlan0.conf -C /run/wpa_supplicant",
		"Could not read interface wlan0 flags", errors.New("exit status 255"))
	r := newTestRequester(t, executor, &mockDHCPClient{}, newFakeMonitor(), "")

	_, err := r.RequestNetwork(wifiRequest("BioStim-AP", ""), newRecordingCallback())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start wpa_supplicant")
}

func TestUnregister(t *testing.T) {
	executor := newMockExecutor()
	dhcp := &mockDHCPClient{}
	r := newTestRequester(t, executor, dhcp, newFakeMonitor(), "")

	err := r.Unregister(42)
	assert.True(t, errors.Is(err, types.ErrNotRegistered))

	cb := newRecordingCallback()
	id, err := r.RequestNetwork(wifiRequest("BioStim-AP", ""), cb)
	require.NoError(t, err)
	assert.Equal(t, "available", cb.next(t).kind)

	require.NoError(t, r.Unregister(id))
	assert.True(t, executor.called("wpa_cli -i wlan0 terminate"))
	assert.True(t, executor.called("ip addr flush dev wlan0"))
	_, released := dhcp.counts()
	assert.Equal(t, 1, released)

	// Second unregister is reported, not fatal
	assert.True(t, errors.Is(r.Unregister(id), types.ErrNotRegistered))
}

func TestUnregister_CancelsInFlightRequest(t *testing.T) {
	executor := newMockExecutor()
	executor.blockWait = true
	r, err := NewRequester(executor, &mockLogger{}, &mockDHCPClient{}, Options{
		Interface:          "wlan0",
		AssociationTimeout: 10 * time.Second,
		Monitor:            newFakeMonitor(),
	})
	require.NoError(t, err)
	defer r.Close()
	cb := newRecordingCallback()

	id, err := r.RequestNetwork(wifiRequest("BioStim-AP", ""), cb)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	require.NoError(t, r.Unregister(id))
	assert.Less(t, time.Since(start), 2*time.Second)

	// Nothing is delivered after unregister
	cb.none(t, 100*time.Millisecond)
}

func TestRequestNetwork_SupersedesPrevious(t *testing.T) {
	executor := newMockExecutor()
	r := newTestRequester(t, executor, &mockDHCPClient{}, newFakeMonitor(), "")

	first := newRecordingCallback()
	id1, err := r.RequestNetwork(wifiRequest("BioStim-AP", ""), first)
	require.NoError(t, err)
	first.next(t)

	second := newRecordingCallback()
	id2, err := r.RequestNetwork(wifiRequest("BioStim-AP", ""), second)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, "available", second.next(t).kind)

	assert.True(t, errors.Is(r.Unregister(id1), types.ErrNotRegistered))
	assert.NoError(t, r.Unregister(id2))
}

func TestGenerateWPAConfig(t *testing.T) {
	r := &Requester{}
	bssid, _ := net.ParseMAC("AA:BB:CC:DD:EE:FF")

	tests := []struct {
		name     string
		spec     types.NetworkSpecifier
		contains []string
		excludes []string
	}{
		{
			name:     "wpa2",
			spec:     types.NetworkSpecifier{SSID: "BioStim-AP", Security: types.SecurityWPA2, Passphrase: "password123"},
			contains: []string{"ctrl_interface=/run/wpa_supplicant", `ssid="BioStim-AP"`, `psk="password123"`, "key_mgmt=WPA-PSK", "proto=RSN"},
			excludes: []string{"key_mgmt=NONE", "scan_ssid", "bssid="},
		},
		{
			name:     "open",
			spec:     types.NetworkSpecifier{SSID: "open-ap", Security: types.SecurityOpen},
			contains: []string{`ssid="open-ap"`, "key_mgmt=NONE"},
			excludes: []string{"psk="},
		},
		{
			name:     "hidden and pinned",
			spec:     types.NetworkSpecifier{SSID: "hidden", Security: types.SecurityOpen, Hidden: true, BSSID: bssid},
			contains: []string{"scan_ssid=1", "bssid=aa:bb:cc:dd:ee:ff"},
		},
		{
			name:     "escaping",
			spec:     types.NetworkSpecifier{SSID: "evil\"\nnetwork={", Security: types.SecurityWPA2, Passphrase: `pa\ss"word`},
			contains: []string{`ssid="evil\"\nnetwork={"`, `psk="pa\\ss\"word"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := r.generateWPAConfig(tt.spec)
			for _, s := range tt.contains {
				assert.Contains(t, config, s)
			}
			for _, s := range tt.excludes {
				assert.NotContains(t, config, s)
			}
			assert.Equal(t, 1, strings.Count(config, "network={\n"))
		})
	}
}

func TestDecodeSSID(t *testing.T) {
	r := &Requester{}
	assert.Equal(t, "Café", r.decodeSSID(`Caf\xc3\xa9`))
	assert.Equal(t, "plain", r.decodeSSID("plain"))
	assert.Equal(t, `bad\xzz`, r.decodeSSID(`bad\xzz`))
	assert.Equal(t, "日本", r.decodeSSID(`\xe6\x97\xa5\xe6\x9c\xac`))
}

func TestIsAssociatedWpaCli_EscapedUTF8(t *testing.T) {
	executor := newMockExecutor()
	r := &Requester{executor: executor, iface: "wlan0", logger: &mockLogger{}}

	executor.set("wpa_cli -i wlan0 status", "ssid=Caf\\xc3\\xa9\nwpa_state=COMPLETED", nil)
	assert.True(t, r.isAssociatedWpaCli("Café"))
}

func TestIsAssociatedWpaCli(t *testing.T) {
	executor := newMockExecutor()
	r := &Requester{executor: executor, iface: "wlan0", logger: &mockLogger{}}

	executor.set("wpa_cli -i wlan0 status", "ssid=BioStim-AP\nwpa_state=COMPLETED", nil)
	assert.True(t, r.isAssociatedWpaCli("BioStim-AP"))
	assert.False(t, r.isAssociatedWpaCli("Other"))

	executor.set("wpa_cli -i wlan0 status", "ssid=BioStim-AP\nwpa_state=ASSOCIATING", nil)
	assert.False(t, r.isAssociatedWpaCli("BioStim-AP"))
}
