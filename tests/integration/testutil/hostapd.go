//go:build integration

package testutil

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

// TestAPConfig describes the peer access point hostapd brings up
type TestAPConfig struct {
	SSID    string
	PSK     string // empty for an open network
	Channel int    // default 1
	Hidden  bool
}

// TestAP is a running hostapd instance on a hwsim radio
type TestAP struct {
	Config    TestAPConfig
	Radio     *HWSimRadio
	Interface string

	cmd      *exec.Cmd
	exited   chan struct{}
	stopOnce sync.Once
}

// StartTestAP runs hostapd on radio and stops it when the test ends
func StartTestAP(t *testing.T, radio *HWSimRadio, cfg TestAPConfig) *TestAP {
	t.Helper()
	SkipIfNotRoot(t)
	SkipIfMissingCmd(t, "hostapd")

	if cfg.Channel == 0 {
		cfg.Channel = 1
	}
	if err := radio.SetMode("ap"); err != nil {
		// some drivers only accept the internal type name
		if err2 := radio.SetMode("__ap"); err2 != nil {
			t.Fatalf("failed to switch %s to AP mode: %v (__ap: %v)", radio.Interface, err, err2)
		}
	}

	conf := filepath.Join(t.TempDir(), "hostapd.conf")
	if err := os.WriteFile(conf, []byte(hostapdConfig(radio.Interface, cfg)), 0600); err != nil {
		t.Fatalf("failed to write hostapd config: %v", err)
	}

	ap := &TestAP{
		Config:    cfg,
		Radio:     radio,
		Interface: radio.Interface,
		cmd:       exec.Command("hostapd", conf),
		exited:    make(chan struct{}),
	}
	if err := ap.cmd.Start(); err != nil {
		t.Fatalf("failed to start hostapd: %v", err)
	}
	go func() {
		_ = ap.cmd.Wait()
		close(ap.exited)
	}()
	t.Cleanup(ap.Stop)

	select {
	case <-ap.exited:
		t.Fatalf("hostapd exited during startup")
	case <-time.After(time.Second):
	}
	t.Logf("Started test AP: SSID=%s, Interface=%s, Channel=%d", cfg.SSID, radio.Interface, cfg.Channel)
	return ap
}

func hostapdConfig(iface string, cfg TestAPConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "interface=%s\ndriver=nl80211\n", iface)
	fmt.Fprintf(&b, "ssid=%s\nhw_mode=g\nchannel=%d\n", cfg.SSID, cfg.Channel)
	b.WriteString("ieee80211n=1\nwmm_enabled=1\nauth_algs=1\n")
	if cfg.Hidden {
		b.WriteString("ignore_broadcast_ssid=1\n")
	}
	if cfg.PSK != "" {
		fmt.Fprintf(&b, "wpa=2\nwpa_key_mgmt=WPA-PSK\nrsn_pairwise=CCMP\nwpa_passphrase=%s\n", cfg.PSK)
	}
	return b.String()
}

// Stop kills hostapd and returns the radio to managed mode. Safe to call
// more than once; the station sees beacon loss.
func (ap *TestAP) Stop() {
	ap.stopOnce.Do(func() {
		if ap.cmd.Process != nil {
			_ = ap.cmd.Process.Kill()
			<-ap.exited
		}
		_ = ap.Radio.SetMode("managed")
	})
}

// IsRunning reports whether hostapd is still alive
func (ap *TestAP) IsRunning() bool {
	select {
	case <-ap.exited:
		return false
	default:
		return true
	}
}

// GetBSSID returns the access point's MAC address
func (ap *TestAP) GetBSSID() (string, error) {
	out, err := exec.Command("iw", "dev", ap.Interface, "info").CombinedOutput()
	if err != nil {
		return "", errors.Wrap(err, "failed to get AP info")
	}
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "addr" {
			return fields[1], nil
		}
	}
	return "", errors.Newf("no addr in iw output for %s", ap.Interface)
}
