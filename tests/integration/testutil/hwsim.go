//go:build integration

package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	hwsimModule  = "mac80211_hwsim"
	ieee80211Dir = "/sys/class/ieee80211"
	netClassDir  = "/sys/class/net"
)

// HWSimRadio is one virtual radio and its station interface
type HWSimRadio struct {
	PHY       string
	Interface string
	Index     int
}

// LoadHWSim reloads mac80211_hwsim with n radios and unloads it when the
// test ends. Radios come back in phy order; the tests use the first as the
// peer's access point and the second as the station.
func LoadHWSim(t *testing.T, n int) []*HWSimRadio {
	t.Helper()
	SkipIfNotRoot(t)
	SkipIfNoHWSim(t)

	// start from a clean set of radios
	_ = exec.Command("modprobe", "-r", hwsimModule).Run()
	if out, err := exec.Command("modprobe", hwsimModule, "radios="+strconv.Itoa(n)).CombinedOutput(); err != nil {
		t.Fatalf("failed to load %s: %v: %s", hwsimModule, err, out)
	}
	t.Cleanup(func() { _ = exec.Command("modprobe", "-r", hwsimModule).Run() })

	var radios []*HWSimRadio
	deadline := time.Now().Add(3 * time.Second)
	for {
		var err error
		radios, err = hwsimRadios()
		if err == nil && len(radios) >= n {
			return radios[:n]
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d hwsim radios, found %d (%v)", n, len(radios), err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func hwsimRadios() ([]*HWSimRadio, error) {
	entries, err := os.ReadDir(ieee80211Dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", ieee80211Dir)
	}
	phys := make([]string, 0, len(entries))
	for _, e := range entries {
		driver, err := os.Readlink(filepath.Join(ieee80211Dir, e.Name(), "device", "driver"))
		if err == nil && !strings.Contains(driver, "hwsim") {
			continue
		}
		phys = append(phys, e.Name())
	}
	sort.Strings(phys)

	owners := interfacesByPhy()
	radios := make([]*HWSimRadio, 0, len(phys))
	for i, phy := range phys {
		iface, ok := owners[phy]
		if !ok {
			continue
		}
		radios = append(radios, &HWSimRadio{PHY: phy, Interface: iface, Index: i})
	}
	return radios, nil
}

// interfacesByPhy maps phy name to the netdev that sits on it
func interfacesByPhy() map[string]string {
	owners := make(map[string]string)
	entries, err := os.ReadDir(netClassDir)
	if err != nil {
		return owners
	}
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(netClassDir, e.Name(), "phy80211", "name"))
		if err != nil {
			continue
		}
		owners[strings.TrimSpace(string(data))] = e.Name()
	}
	return owners
}

// SetMode switches the radio's interface type (managed, ap, __ap)
func (r *HWSimRadio) SetMode(mode string) error {
	steps := [][]string{
		{"ip", "link", "set", r.Interface, "down"},
		{"iw", "dev", r.Interface, "set", "type", mode},
		{"ip", "link", "set", r.Interface, "up"},
	}
	for _, step := range steps {
		if out, err := exec.Command(step[0], step[1:]...).CombinedOutput(); err != nil {
			return errors.Wrapf(err, "%s: %s", strings.Join(step, " "), strings.TrimSpace(string(out)))
		}
	}
	return nil
}

// GetInfo returns "iw dev <iface> info". A station lists the SSID it is
// associated with.
func (r *HWSimRadio) GetInfo() (string, error) {
	out, err := exec.Command("iw", "dev", r.Interface, "info").CombinedOutput()
	return string(out), err
}
