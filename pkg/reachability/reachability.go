// Package reachability probes the peer device over HTTP. Any HTTP answer
// counts as alive; only transport failures mean unreachable.
package reachability

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/angelfreak/peerlink/pkg/metrics"
	"github.com/angelfreak/peerlink/pkg/types"
)

// Dialer opens connections for the probe. binding.Binder implements it so
// the probe follows the process binding.
type Dialer interface {
	DialContext(ctx context.Context, timeout time.Duration, network, address string) (net.Conn, error)
}

type plainDialer struct{}

func (plainDialer) DialContext(ctx context.Context, timeout time.Duration, network, address string) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, network, address)
}

// Checker issues single-shot reachability probes
type Checker struct {
	dialer  Dialer
	logger  types.Logger
	metrics *metrics.Metrics
}

// NewChecker creates a checker. A nil dialer uses the OS default route.
func NewChecker(dialer Dialer, logger types.Logger, m *metrics.Metrics) *Checker {
	if dialer == nil {
		dialer = plainDialer{}
	}
	return &Checker{dialer: dialer, logger: logger, metrics: m}
}

// VerifyReachable sends one GET to http://<address>. Connect and read are
// each bounded by timeout. The error is reserved for a malformed address.
func (c *Checker) VerifyReachable(ctx context.Context, address string, timeout time.Duration) (bool, error) {
	if err := types.ValidatePeerAddress(address); err != nil {
		return false, err
	}
	if timeout <= 0 {
		timeout = types.DefaultVerifyTimeout
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+address, nil)
	if err != nil {
		return false, errors.Wrapf(err, "invalid peer address %q", address)
	}

	client := &http.Client{
		Transport: &http.Transport{
			Proxy: nil, // the peer is link-local, never proxied
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return c.dialer.DialContext(ctx, timeout, network, addr)
			},
			ResponseHeaderTimeout: timeout,
			DisableKeepAlives:     true,
		},
		// A redirect is already an answer
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		c.logger.Debug("Peer not reachable", "address", address, "error", err)
		c.metrics.ObserveReachability(false)
		return false, nil
	}
	resp.Body.Close()

	reachable := resp.StatusCode >= 200 && resp.StatusCode <= 599
	c.logger.Debug("Peer answered", "address", address, "status", resp.StatusCode,
		"elapsed", time.Since(start).String(), "reachable", reachable)
	c.metrics.ObserveReachability(reachable)
	return reachable, nil
}
