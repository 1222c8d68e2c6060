// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/edgeo-scada/uabridge"
)

// BindingLifecycle is driven by the session manager as the session comes and goes.
type BindingLifecycle interface {
	// SubscribeAll establishes monitors for every pending binding.
	SubscribeAll(ctx context.Context)
	// UnsubscribeAll clears every monitor but keeps the bindings.
	UnsubscribeAll(ctx context.Context)
	// Reset drops every binding.
	Reset(ctx context.Context)
}

var transitions = map[uabridge.ConnectionState][]uabridge.ConnectionState{
	uabridge.StateDisconnected:       {uabridge.StateConnecting},
	uabridge.StateConnecting:         {uabridge.StateSessionActive, uabridge.StateClosing},
	uabridge.StateSessionActive:      {uabridge.StateSubscriptionActive, uabridge.StateClosing},
	uabridge.StateSubscriptionActive: {uabridge.StateClosing},
	uabridge.StateClosing:            {uabridge.StateDisconnected},
}

func canTransition(from, to uabridge.ConnectionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SessionManager owns the transport, session and subscription channel of a
// single endpoint and re-establishes them after failures.
type SessionManager struct {
	dialer  Dialer
	opts    *clientOptions
	logger  *slog.Logger
	metrics *Metrics

	mu        sync.Mutex
	state     uabridge.ConnectionState
	transport Transport
	session   Session
	channel   Channel
	connDone  chan struct{}
	gen       uint64
	connected bool
	timer     *time.Timer
	backoff   time.Duration
	runCtx    context.Context
	closed    bool
	bindings  BindingLifecycle

	wg sync.WaitGroup
}

// NewSessionManager creates a session manager for the configured endpoint.
func NewSessionManager(dialer Dialer, opts ...Option) *SessionManager {
	o := buildOptions(opts)
	return &SessionManager{
		dialer:  dialer,
		opts:    o,
		logger:  o.logger.With(slog.String("component", "session")),
		metrics: o.metrics,
		state:   uabridge.StateDisconnected,
		backoff: o.reconnectInterval,
		runCtx:  context.Background(),
	}
}

// Attach registers the bindings driven by this manager.
func (m *SessionManager) Attach(b BindingLifecycle) {
	m.mu.Lock()
	m.bindings = b
	m.mu.Unlock()
}

// State returns the current session state.
func (m *SessionManager) State() uabridge.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the connected event has been emitted and not
// yet followed by a disconnect.
func (m *SessionManager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Session returns the live session.
func (m *SessionManager) Session() (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || (m.state != uabridge.StateSessionActive && m.state != uabridge.StateSubscriptionActive) {
		return nil, uabridge.ErrNotConnected
	}
	return m.session, nil
}

// Channel returns the live subscription channel.
func (m *SessionManager) Channel() (Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channel == nil || m.state != uabridge.StateSubscriptionActive {
		return nil, uabridge.ErrNotConnected
	}
	return m.channel, nil
}

// Start makes the first connection attempt in the background. Failed
// attempts are retried until ctx is done or Close is called.
func (m *SessionManager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.runCtx = ctx
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		_ = m.Connect(ctx)
	}()
}

// Connect opens the transport, creates the session and the subscription
// channel, then subscribes every pending binding. On failure the partial
// connection is torn down and a reconnection is scheduled.
func (m *SessionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return uabridge.ErrClosed
	}
	m.stopTimerLocked()
	from := m.state
	if err := m.transitionLocked(uabridge.StateConnecting); err != nil {
		m.mu.Unlock()
		return err
	}
	gen := m.gen
	m.mu.Unlock()
	m.notifyState(from, uabridge.StateConnecting)

	m.logger.Debug("connecting", slog.String("endpoint", m.opts.endpoint.URL))

	if err := m.establish(ctx, gen); err != nil {
		m.metrics.ConnectErrors.Inc()
		m.logger.Warn("cannot connect",
			slog.String("endpoint", m.opts.endpoint.URL),
			slog.Any("error", err))
		m.abort(ctx, gen, err)
		return err
	}

	m.mu.Lock()
	m.backoff = m.opts.reconnectInterval
	b := m.bindings
	m.mu.Unlock()

	m.metrics.Connects.Inc()
	m.logger.Info("subscription started", slog.String("endpoint", m.opts.endpoint.URL))

	if b != nil {
		b.SubscribeAll(ctx)
	}

	m.mu.Lock()
	fire := m.gen == gen && m.state == uabridge.StateSubscriptionActive && !m.connected
	if fire {
		m.connected = true
	}
	m.mu.Unlock()
	if fire && m.opts.onConnect != nil {
		m.opts.onConnect()
	}
	return nil
}

func (m *SessionManager) establish(ctx context.Context, gen uint64) error {
	tr, err := m.dialer.Dial(ctx, m.opts.endpoint)
	if err != nil {
		return fmt.Errorf("dial %s: %w", m.opts.endpoint.URL, err)
	}

	m.mu.Lock()
	if m.gen != gen || m.closed {
		m.mu.Unlock()
		m.bestEffort(ctx, "close transport", tr.Close)
		return uabridge.ErrClosed
	}
	m.transport = tr
	done := make(chan struct{})
	m.connDone = done
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		select {
		case err := <-tr.Lost():
			m.handleLost(gen, err)
		case <-done:
		}
	}()

	sess, err := tr.CreateSession(ctx)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if err := m.install(gen, uabridge.StateSessionActive, func() { m.session = sess }); err != nil {
		m.bestEffort(ctx, "close session", sess.Close)
		return err
	}

	ch, err := sess.CreateChannel(ctx, m.opts.channel)
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	if err := m.install(gen, uabridge.StateSubscriptionActive, func() { m.channel = ch }); err != nil {
		m.bestEffort(ctx, "terminate subscription", ch.Terminate)
		return err
	}
	return nil
}

// install moves to state `to` and stores a resource, unless the connection
// attempt identified by gen has been torn down meanwhile.
func (m *SessionManager) install(gen uint64, to uabridge.ConnectionState, set func()) error {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return uabridge.ErrClosed
	}
	from := m.state
	if err := m.transitionLocked(to); err != nil {
		m.mu.Unlock()
		return err
	}
	set()
	m.mu.Unlock()
	m.notifyState(from, to)
	return nil
}

func (m *SessionManager) abort(ctx context.Context, gen uint64, cause error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	from := m.state
	if err := m.transitionLocked(uabridge.StateClosing); err != nil {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.notifyState(from, uabridge.StateClosing)
	m.teardown(ctx, true, cause)
}

func (m *SessionManager) handleLost(gen uint64, cause error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	from := m.state
	if err := m.transitionLocked(uabridge.StateClosing); err != nil {
		m.mu.Unlock()
		m.logger.Debug("ignoring connection loss", slog.String("state", from.String()))
		return
	}
	m.mu.Unlock()
	m.notifyState(from, uabridge.StateClosing)

	m.logger.Warn("connection lost",
		slog.String("endpoint", m.opts.endpoint.URL),
		slog.Any("error", cause))

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.endpoint.RequestTimeout)
	defer cancel()
	m.teardown(ctx, true, cause)
}

// Disconnect tears the connection down. With reconnect set, monitors are
// cleared but bindings kept, and a new attempt is scheduled; otherwise all
// bindings are dropped.
func (m *SessionManager) Disconnect(ctx context.Context, reconnect bool) error {
	m.mu.Lock()
	m.stopTimerLocked()
	if m.state == uabridge.StateDisconnected {
		if reconnect {
			m.scheduleLocked()
		}
		b := m.bindings
		m.mu.Unlock()
		if !reconnect && b != nil {
			b.Reset(ctx)
		}
		return nil
	}
	from := m.state
	if err := m.transitionLocked(uabridge.StateClosing); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()
	m.notifyState(from, uabridge.StateClosing)

	m.teardown(ctx, reconnect, nil)
	return nil
}

func (m *SessionManager) teardown(ctx context.Context, reconnect bool, cause error) {
	m.mu.Lock()
	b := m.bindings
	m.mu.Unlock()

	if b != nil {
		if reconnect {
			b.UnsubscribeAll(ctx)
		} else {
			b.Reset(ctx)
		}
	}

	m.mu.Lock()
	ch, sess, tr := m.channel, m.session, m.transport
	m.channel, m.session, m.transport = nil, nil, nil
	if m.connDone != nil {
		close(m.connDone)
		m.connDone = nil
	}
	m.gen++
	m.mu.Unlock()

	if ch != nil {
		m.bestEffort(ctx, "terminate subscription", ch.Terminate)
	}
	if sess != nil {
		m.bestEffort(ctx, "close session", sess.Close)
	}
	if tr != nil {
		m.bestEffort(ctx, "close transport", tr.Close)
	}

	m.mu.Lock()
	_ = m.transitionLocked(uabridge.StateDisconnected)
	fire := m.connected
	m.connected = false
	if reconnect {
		m.scheduleLocked()
	}
	m.mu.Unlock()
	m.notifyState(uabridge.StateClosing, uabridge.StateDisconnected)

	m.metrics.Disconnects.Inc()
	m.logger.Info("disconnected", slog.Bool("reconnect", reconnect))

	if fire && m.opts.onDisconnect != nil {
		m.opts.onDisconnect(cause)
	}
}

// bestEffort runs a teardown step. Errors and panics are logged and swallowed.
func (m *SessionManager) bestEffort(ctx context.Context, step string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("teardown step panicked", slog.String("step", step), slog.Any("panic", r))
		}
	}()
	if err := fn(ctx); err != nil {
		m.logger.Debug("teardown step failed", slog.String("step", step), slog.Any("error", err))
	}
}

func (m *SessionManager) scheduleLocked() {
	if m.closed || m.runCtx.Err() != nil || m.timer != nil {
		return
	}
	delay := m.backoff
	m.backoff *= 2
	if m.backoff > m.opts.maxReconnectInterval {
		m.backoff = m.opts.maxReconnectInterval
	}
	m.timer = time.AfterFunc(delay, m.reconnect)
	m.logger.Info("reconnect scheduled", slog.Duration("delay", delay))
}

func (m *SessionManager) reconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	ctx := m.runCtx
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	m.metrics.Reconnections.Inc()
	_ = m.Connect(ctx)
}

func (m *SessionManager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// ReconnectPending reports whether a reconnection timer is armed.
func (m *SessionManager) ReconnectPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer != nil
}

func (m *SessionManager) transitionLocked(to uabridge.ConnectionState) error {
	if !canTransition(m.state, to) {
		return fmt.Errorf("%w: %s -> %s", uabridge.ErrInvalidTransition, m.state, to)
	}
	m.state = to
	return nil
}

func (m *SessionManager) notifyState(from, to uabridge.ConnectionState) {
	m.logger.Debug("state changed", slog.String("from", from.String()), slog.String("to", to.String()))
	if m.opts.onStateChange != nil {
		m.opts.onStateChange(from, to)
	}
}

// Close cancels any pending reconnection and tears the connection down for
// good. Bindings are dropped.
func (m *SessionManager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.stopTimerLocked()
	b := m.bindings
	m.mu.Unlock()

	_ = m.Disconnect(ctx, false)
	m.wg.Wait()
	if b != nil {
		b.Reset(ctx)
	}
	return nil
}

// Probe opens a transport and a session once and closes them again. It never
// retries and gives up after the probe timeout.
func (m *SessionManager) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.probeTimeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		errc <- m.probe(ctx)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: connection test to %s", uabridge.ErrTimeout, m.opts.endpoint.URL)
	}
}

func (m *SessionManager) probe(ctx context.Context) error {
	if m.opts.endpoint.URL == "" {
		return uabridge.ErrInvalidEndpoint
	}
	tr, err := m.dialer.Dial(ctx, m.opts.endpoint)
	if err != nil {
		return fmt.Errorf("dial %s: %w", m.opts.endpoint.URL, err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), m.opts.probeTimeout)
		defer cancel()
		m.bestEffort(closeCtx, "close transport", tr.Close)
	}()

	sess, err := tr.CreateSession(ctx)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	m.bestEffort(ctx, "close session", sess.Close)
	return nil
}
