// Package session owns the single managed WiFi session: it issues the
// network request, turns the asynchronous available/unavailable/lost
// callbacks into one bounded Connect call, binds the process to the
// resulting network and guarantees the request is released exactly once.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"

	"github.com/angelfreak/peerlink/pkg/binding"
	"github.com/angelfreak/peerlink/pkg/metrics"
	"github.com/angelfreak/peerlink/pkg/types"
)

// ErrRequestFailed marks failures to build or register a network request
var ErrRequestFailed = errors.New("network request failed")

// State of the session state machine
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateBound
	StateFailed
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateBound:
		return "bound"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Status is a snapshot of the session
type Status struct {
	State  State
	Handle types.NetworkHandle
	Bound  bool
}

type nopSink struct{}

func (nopSink) Publish(types.SessionEvent) {}

// Manager runs one session at a time. All exported methods are safe for
// concurrent use, and callbacks may arrive on any goroutine.
type Manager struct {
	requester types.NetworkRequester
	binder    types.ProcessBinder
	sink      types.EventSink
	logger    types.Logger
	metrics   *metrics.Metrics
	attempts  atomic.Uint64

	mu     sync.Mutex
	state  State
	handle types.NetworkHandle
	bound  bool
	sub    *subscription
}

// NewManager creates an idle session manager. sink and m may be nil.
func NewManager(requester types.NetworkRequester, binder types.ProcessBinder, sink types.EventSink, logger types.Logger, m *metrics.Metrics) *Manager {
	if sink == nil {
		sink = nopSink{}
	}
	return &Manager{
		requester: requester,
		binder:    binder,
		sink:      sink,
		logger:    logger,
		metrics:   m,
	}
}

// subscription is the callback registration of one Connect call. Events
// for a subscription that is no longer current are dropped.
type subscription struct {
	m       *Manager
	attempt uint64
	promise *Promise[types.SessionOutcome]

	// guarded by m.mu
	id         types.RegistrationID
	registered bool
	released   bool
}

// Connect requests the network described by req and blocks until it is
// available, reported unavailable, lost, or req's timeout elapses.
// Cancelling ctx ends the wait the same way the timeout does. A returned
// error means the request could not be issued; a failed connection is a
// normal outcome. Any previous session is torn down first.
func (m *Manager) Connect(ctx context.Context, req types.ConnectionRequest) (types.SessionOutcome, error) {
	spec, err := buildSpecifier(req)
	if err != nil {
		return types.SessionOutcome{}, errors.Mark(err, ErrRequestFailed)
	}
	netReq := types.NetworkRequest{
		Transport:       types.TransportWiFi,
		RequireInternet: false, // the peer has no upstream
		Specifier:       spec,
	}

	if err := m.Disconnect(); err != nil {
		m.logger.Warn("Failed to tear down previous session", "error", err)
	}

	s := &subscription{
		m:       m,
		attempt: m.attempts.Inc(),
		promise: NewPromise[types.SessionOutcome](),
	}
	m.logger.Info("Requesting network", "ssid", spec.SSID, "security", spec.Security,
		"pinned", spec.BSSID != nil, "hidden", spec.Hidden, "attempt", s.attempt)

	m.mu.Lock()
	m.sub = s
	m.transition(StateRequesting)
	m.mu.Unlock()

	// the deadline covers issuing the request too
	start := time.Now()
	timer := time.NewTimer(req.GetTimeout())
	defer timer.Stop()

	issued := make(chan error, 1)
	go func() { issued <- m.issue(s, netReq) }()

wait:
	for {
		select {
		case err := <-issued:
			if err != nil {
				return types.SessionOutcome{}, errors.Mark(errors.Wrap(err, "failed to request network"), ErrRequestFailed)
			}
			issued = nil
		case <-s.promise.Done():
			break wait
		case <-timer.C:
			m.expire(s)
			break wait
		case <-ctx.Done():
			m.logger.Debug("Connect wait cancelled", "attempt", s.attempt, "error", ctx.Err())
			m.expire(s)
			break wait
		}
	}

	outcome, _ := s.promise.Value()
	if !outcome.Connected() {
		m.finish(s, outcome.Kind)
	}

	m.metrics.ObserveConnect(outcome.Kind, time.Since(start))
	m.publish(outcomeEvent(outcome))
	m.logger.Info("Connect finished", "outcome", outcome.Kind.String(), "attempt", s.attempt,
		"handle", outcome.Handle.String(), "bound", outcome.Bound)
	return outcome, nil
}

// Disconnect unbinds the process, forgets the held handle and releases the
// active request. It is idempotent; only an unbind failure is returned.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	s := m.sub
	held := !m.handle.IsZero()
	active := s != nil || held

	var unbindErr error
	if held {
		if m.bound {
			unbindErr = m.binder.Unbind()
		}
		m.handle = types.NetworkHandle{}
		m.bound = false
	}
	id, release := m.detach(s)
	if s != nil {
		// a Connect still waiting on this request must not hang
		s.promise.Complete(types.SessionOutcome{Kind: types.OutcomeUnavailable})
	}
	m.transition(StateIdle)
	m.mu.Unlock()

	if release {
		m.unregister(id)
	}
	if active {
		m.metrics.SetBound(false)
		m.publish(types.SessionEvent{Kind: types.EventDisconnected})
		m.logger.Info("Disconnected")
	}
	if unbindErr != nil {
		return errors.Wrap(unbindErr, "failed to unbind process")
	}
	return nil
}

// Close tears the session down. No registration survives it.
func (m *Manager) Close() error {
	return m.Disconnect()
}

// Status returns the current state and held handle
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{State: m.state, Handle: m.handle, Bound: m.bound}
}

// State returns the current state
func (m *Manager) State() State {
	return m.Status().State
}

// OnAvailable binds the process to the new network and resolves Connect.
func (s *subscription) OnAvailable(handle types.NetworkHandle) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.accepts(s, "available") {
		return
	}

	bound := false
	switch err := m.binder.Bind(handle); {
	case err == nil:
		bound = true
	case errors.Is(err, binding.ErrUnsupported):
		m.logger.Debug("Process binding unavailable, relying on default routing", "handle", handle.String())
	default:
		m.logger.Warn("Process binding failed, connected without guaranteed routing", "handle", handle.String(), "error", err)
	}

	m.handle = handle
	m.bound = bound
	m.transition(StateBound)
	m.metrics.SetBound(true)
	s.promise.Complete(types.SessionOutcome{Kind: types.OutcomeConnected, Handle: handle, Bound: bound})
}

// OnUnavailable resolves Connect as failed
func (s *subscription) OnUnavailable() {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.accepts(s, "unavailable") {
		return
	}
	s.promise.Complete(types.SessionOutcome{Kind: types.OutcomeUnavailable})
}

// OnLost resolves a pending Connect as lost, or tears down the held
// network when it is the one that went away.
func (s *subscription) OnLost(handle types.NetworkHandle) {
	m := s.m
	m.mu.Lock()

	if m.sub != s || s.released {
		m.mu.Unlock()
		m.logger.Debug("Dropping lost event for stale request", "attempt", s.attempt)
		return
	}

	if _, resolved := s.promise.Value(); !resolved {
		s.promise.Complete(types.SessionOutcome{Kind: types.OutcomeLost})
		m.mu.Unlock()
		return
	}

	if m.handle != handle {
		m.mu.Unlock()
		m.logger.Debug("Ignoring lost event for a handle not held", "handle", handle.String())
		return
	}

	var unbindErr error
	if m.bound {
		unbindErr = m.binder.Unbind()
	}
	m.handle = types.NetworkHandle{}
	m.bound = false
	id, release := m.detach(s)
	m.transition(StateIdle)
	m.mu.Unlock()

	if unbindErr != nil {
		m.logger.Warn("Failed to unbind after network loss", "error", unbindErr)
	}
	if release {
		m.unregister(id)
	}
	m.metrics.ObserveLost()
	m.metrics.SetBound(false)
	m.publish(types.SessionEvent{Kind: types.EventLost, Handle: handle.String()})
	m.logger.Warn("Network lost", "handle", handle.String())
}

// issue registers s with the requester. A registration that comes back
// after s was released is unregistered here.
func (m *Manager) issue(s *subscription, netReq types.NetworkRequest) error {
	id, err := m.requester.RequestNetwork(netReq, s)

	m.mu.Lock()
	if err != nil {
		s.released = true
		if m.sub == s {
			m.sub = nil
			m.transition(StateFailed)
			m.transition(StateIdle)
		}
		m.mu.Unlock()
		return err
	}
	s.id = id
	s.registered = true
	late := s.released
	m.mu.Unlock()

	if late {
		m.unregister(id)
	}
	return nil
}

// accepts reports whether a terminal event for s may still resolve it.
// Caller holds m.mu.
func (m *Manager) accepts(s *subscription, event string) bool {
	if m.sub != s || s.released {
		m.logger.Debug("Dropping event for stale request", "event", event, "attempt", s.attempt)
		return false
	}
	if _, resolved := s.promise.Value(); resolved {
		m.logger.Debug("Dropping event after outcome", "event", event, "attempt", s.attempt)
		return false
	}
	return true
}

// expire resolves s as timed out unless an event got there first
func (m *Manager) expire(s *subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.promise.Complete(types.SessionOutcome{Kind: types.OutcomeTimedOut}) {
		m.logger.Debug("Connect timed out waiting for network", "attempt", s.attempt)
	}
}

// finish releases a subscription that ended without a network
func (m *Manager) finish(s *subscription, kind types.OutcomeKind) {
	m.mu.Lock()
	current := m.sub == s
	id, release := m.detach(s)
	if current {
		if kind == types.OutcomeTimedOut {
			m.transition(StateTimedOut)
		} else {
			m.transition(StateFailed)
		}
		m.transition(StateIdle)
	}
	m.mu.Unlock()

	if release {
		m.unregister(id)
	}
}

// detach marks s released and reports whether the caller must unregister
// it. Caller holds m.mu.
func (m *Manager) detach(s *subscription) (types.RegistrationID, bool) {
	if s == nil || s.released {
		return 0, false
	}
	s.released = true
	if m.sub == s {
		m.sub = nil
	}
	return s.id, s.registered
}

func (m *Manager) unregister(id types.RegistrationID) {
	err := m.requester.Unregister(id)
	switch {
	case err == nil:
		m.logger.Debug("Network request released", "registration", uint64(id))
	case errors.Is(err, types.ErrNotRegistered):
		m.logger.Debug("Network request already released", "registration", uint64(id))
	default:
		m.logger.Warn("Failed to release network request", "registration", uint64(id), "error", err)
	}
}

// transition moves the state machine. Caller holds m.mu.
func (m *Manager) transition(to State) {
	if m.state == to {
		return
	}
	m.logger.Debug("Session state", "from", m.state.String(), "to", to.String())
	m.state = to
}

func (m *Manager) publish(event types.SessionEvent) {
	event.Time = time.Now()
	m.sink.Publish(event)
}

func outcomeEvent(o types.SessionOutcome) types.SessionEvent {
	switch o.Kind {
	case types.OutcomeConnected:
		return types.SessionEvent{Kind: types.EventAvailable, Handle: o.Handle.String(), Bound: o.Bound}
	case types.OutcomeLost:
		return types.SessionEvent{Kind: types.EventLost}
	case types.OutcomeTimedOut:
		return types.SessionEvent{Kind: types.EventTimedOut}
	default:
		return types.SessionEvent{Kind: types.EventUnavailable}
	}
}

// buildSpecifier maps a request onto a network specifier. A password
// selects WPA2, no password an open network.
func buildSpecifier(req types.ConnectionRequest) (types.NetworkSpecifier, error) {
	if err := types.ValidateSSID(req.SSID); err != nil {
		return types.NetworkSpecifier{}, err
	}
	if err := types.ValidateSSIDBytes(req.SSID); err != nil {
		return types.NetworkSpecifier{}, errors.Wrap(err, "invalid SSID")
	}
	bssid, err := types.ParseBSSID(req.BSSID)
	if err != nil {
		return types.NetworkSpecifier{}, err
	}
	spec := types.NetworkSpecifier{
		SSID:     req.SSID,
		Security: types.SecurityOpen,
		BSSID:    bssid,
		Hidden:   req.Hidden,
	}
	if req.Password != nil {
		if err := types.ValidatePassphrase(*req.Password); err != nil {
			return types.NetworkSpecifier{}, errors.Wrap(err, "invalid passphrase")
		}
		spec.Security = types.SecurityWPA2
		spec.Passphrase = *req.Password
	}
	return spec, nil
}
