package wifi

import (
	"context"
	"net"

	"github.com/cockroachdb/errors"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/angelfreak/peerlink/pkg/types"
)

// LinkMonitor reports when an interface stops carrying traffic
type LinkMonitor interface {
	// Watch calls onDown at most once, from its own goroutine, when iface
	// goes away. It stops when ctx is done.
	Watch(ctx context.Context, iface string, onDown func(reason string)) error
}

// NetlinkMonitor watches RTM_NEWLINK/RTM_DELLINK notifications
type NetlinkMonitor struct {
	logger types.Logger
}

// NewNetlinkMonitor creates a netlink-backed link monitor
func NewNetlinkMonitor(logger types.Logger) *NetlinkMonitor {
	return &NetlinkMonitor{logger: logger}
}

// Watch subscribes to link updates for iface
func (n *NetlinkMonitor) Watch(ctx context.Context, iface string, onDown func(reason string)) error {
	updates := make(chan netlink.LinkUpdate, 16)
	done := make(chan struct{})

	err := netlink.LinkSubscribeWithOptions(updates, done, netlink.LinkSubscribeOptions{
		ErrorCallback: func(err error) {
			n.logger.Debug("Link subscription error", "interface", iface, "error", err)
		},
	})
	if err != nil {
		close(done)
		return errors.Wrap(err, "failed to subscribe to link updates")
	}

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-updates:
				if !ok {
					return
				}
				if u.Link == nil || u.Attrs().Name != iface {
					continue
				}
				if reason := linkDownReason(u.Header.Type, u.Attrs()); reason != "" {
					onDown(reason)
					return
				}
			}
		}
	}()
	return nil
}

// linkDownReason classifies a link update; "" means the link is usable.
// A wireless link that loses its AP goes dormant rather than down.
func linkDownReason(msgType uint16, attrs *netlink.LinkAttrs) string {
	switch {
	case msgType == unix.RTM_DELLINK:
		return "removed"
	case attrs.Flags&net.FlagUp == 0:
		return "down"
	case attrs.OperState == netlink.OperDown, attrs.OperState == netlink.OperLowerLayerDown:
		return "no carrier"
	case attrs.OperState == netlink.OperDormant:
		return "disassociated"
	}
	return ""
}
