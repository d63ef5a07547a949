package wifi

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

func TestLinkDownReason(t *testing.T) {
	tests := []struct {
		name    string
		msgType uint16
		attrs   netlink.LinkAttrs
		want    string
	}{
		{"up and associated", unix.RTM_NEWLINK, netlink.LinkAttrs{Flags: net.FlagUp, OperState: netlink.OperUp}, ""},
		{"up with unknown state", unix.RTM_NEWLINK, netlink.LinkAttrs{Flags: net.FlagUp, OperState: netlink.OperUnknown}, ""},
		{"removed", unix.RTM_DELLINK, netlink.LinkAttrs{Flags: net.FlagUp, OperState: netlink.OperUp}, "removed"},
		{"admin down", unix.RTM_NEWLINK, netlink.LinkAttrs{OperState: netlink.OperDown}, "down"},
		{"no carrier", unix.RTM_NEWLINK, netlink.LinkAttrs{Flags: net.FlagUp, OperState: netlink.OperDown}, "no carrier"},
		{"lower layer down", unix.RTM_NEWLINK, netlink.LinkAttrs{Flags: net.FlagUp, OperState: netlink.OperLowerLayerDown}, "no carrier"},
		{"disassociated", unix.RTM_NEWLINK, netlink.LinkAttrs{Flags: net.FlagUp, OperState: netlink.OperDormant}, "disassociated"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attrs := tt.attrs
			assert.Equal(t, tt.want, linkDownReason(tt.msgType, &attrs))
		})
	}
}

func TestNewNetlinkMonitor(t *testing.T) {
	m := NewNetlinkMonitor(&mockLogger{})
	assert.NotNil(t, m)
	var _ LinkMonitor = m
}
