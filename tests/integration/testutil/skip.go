//go:build integration

// Package testutil drives virtual radios and access points for the
// wpa_supplicant integration tests.
package testutil

import (
	"os"
	"os/exec"
	"testing"
)

// SkipIfNotRoot skips unless running as root; wpa_supplicant, hostapd and
// address changes all need CAP_NET_ADMIN.
func SkipIfNotRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("skipping: test requires root privileges")
	}
}

// SkipIfNoHWSim skips when mac80211_hwsim is neither loaded nor loadable
func SkipIfNoHWSim(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/sys/module/mac80211_hwsim"); err == nil {
		return
	}
	if err := exec.Command("modprobe", "-n", "mac80211_hwsim").Run(); err != nil {
		t.Skip("skipping: mac80211_hwsim kernel module not available")
	}
}

// SkipIfMissingCmd skips when cmd is not on PATH
func SkipIfMissingCmd(t *testing.T, cmd string) {
	t.Helper()
	if _, err := exec.LookPath(cmd); err != nil {
		t.Skipf("skipping: required command %q not found in PATH", cmd)
	}
}
