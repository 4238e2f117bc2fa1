// Package manager owns the lifecycle of transport sessions: creation
// and pairing, identity capture on connect, reconnection with backoff
// after transient closes, and explicit disconnect.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mvbarbosa/warelay/internal/bus"
	"github.com/mvbarbosa/warelay/internal/config"
	"github.com/mvbarbosa/warelay/internal/instance"
	"github.com/mvbarbosa/warelay/internal/store"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
)

// Ingestor receives message events for processing. Implemented by the
// pipeline engine.
type Ingestor interface {
	Ingest(ctx context.Context, instanceID string, evt *events.Message) error
}

// TransportFactory builds a transport for one instance. The production
// factory wraps wa.NewAdapter; tests substitute fakes.
type TransportFactory func(ctx context.Context, instanceID string) (Transport, error)

// Manager creates, restores, reconnects, and tears down sessions.
type Manager struct {
	registry *Registry
	factory  TransportFactory
	ingestor Ingestor
	db       *store.DB
	bus      *bus.Bus
	cfg      config.Reconnect
	dataDir  string
	logger   *zap.Logger

	mu      sync.Mutex
	retries map[string]int
	timers  map[string]*time.Timer
	closed  bool
}

// New creates a session manager.
func New(registry *Registry, factory TransportFactory, ingestor Ingestor, db *store.DB, b *bus.Bus, cfg config.Reconnect, dataDir string, logger *zap.Logger) *Manager {
	return &Manager{
		registry: registry,
		factory:  factory,
		ingestor: ingestor,
		db:       db,
		bus:      b,
		cfg:      cfg,
		dataDir:  dataDir,
		logger:   logger,
		retries:  make(map[string]int),
		timers:   make(map[string]*time.Timer),
	}
}

// Create starts a session for the instance. Idempotent: if a live
// session already exists it is left alone. When the instance has no
// stored credentials a pairing loop runs until the user scans the code
// or the transport gives up.
func (m *Manager) Create(ctx context.Context, instanceID string) error {
	return m.create(ctx, instanceID, false)
}

func (m *Manager) create(ctx context.Context, instanceID string, requireCredentials bool) error {
	if err := instance.ValidateID(instanceID); err != nil {
		return err
	}
	if m.registry.Get(instanceID) != nil {
		return nil
	}
	if err := instance.EnsureDir(m.dataDir, instanceID); err != nil {
		return fmt.Errorf("create instance dir: %w", err)
	}

	transport, err := m.factory(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	// A credential bundle can exist on disk without a paired device, for
	// example after a pairing that timed out. Restore must not turn such
	// a bundle into an unattended pairing loop.
	if requireCredentials && !transport.IsLoggedIn() {
		transport.Disconnect()
		m.logger.Info("skipping instance without stored credentials",
			zap.String("instance_id", instanceID))
		return nil
	}

	sess := newSession(instanceID, transport)
	if !m.registry.putIfAbsent(sess) {
		// Lost a Create race; the winner's session stands.
		transport.Disconnect()
		return nil
	}

	transport.RegisterEventHandler(func(evt interface{}) {
		m.handleEvent(sess, evt)
	})

	if transport.IsLoggedIn() {
		if err := transport.Connect(); err != nil {
			m.registry.remove(sess)
			_ = sess.transition(StateDisconnected)
			m.propagate(sess.Snapshot())
			return fmt.Errorf("connect: %w", err)
		}
		m.propagate(sess.Snapshot())
		return nil
	}

	// No credentials yet: the QR channel must be obtained before Connect.
	qrCh, err := transport.GetQRChannel(context.Background())
	if err != nil {
		m.registry.remove(sess)
		return fmt.Errorf("get qr channel: %w", err)
	}
	if err := transport.Connect(); err != nil {
		m.registry.remove(sess)
		_ = sess.transition(StateDisconnected)
		m.propagate(sess.Snapshot())
		return fmt.Errorf("connect: %w", err)
	}
	go m.qrLoop(sess, qrCh)
	m.propagate(sess.Snapshot())
	return nil
}

func (m *Manager) handleEvent(sess *Session, evt interface{}) {
	switch e := evt.(type) {
	case *events.Message:
		if err := m.ingestor.Ingest(context.Background(), sess.instanceID, e); err != nil {
			m.logger.Error("ingestion failed",
				zap.String("instance_id", sess.instanceID),
				zap.String("msg_id", e.Info.ID),
				zap.Error(err))
		}
	case *events.Connected:
		m.handleConnected(sess)
	case *events.LoggedOut:
		m.handleLoggedOut(sess)
	case *events.Disconnected:
		m.handleDisconnected(sess)
	case *events.StreamReplaced:
		// Another client took over the session stream. Same recovery as
		// a transient close.
		m.logger.Warn("stream replaced", zap.String("instance_id", sess.instanceID))
		m.handleDisconnected(sess)
	}
}

func (m *Manager) handleConnected(sess *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess.setIdentity(Identity{
		PhoneNumber: sess.transport.PhoneNumber(),
		DisplayName: sess.transport.DisplayName(),
		AvatarURL:   sess.transport.AvatarURL(ctx),
	})
	if err := sess.transition(StateConnected); err != nil {
		m.logger.Warn("state transition rejected",
			zap.String("instance_id", sess.instanceID), zap.Error(err))
		return
	}

	m.mu.Lock()
	delete(m.retries, sess.instanceID)
	m.mu.Unlock()

	m.logger.Info("session connected",
		zap.String("instance_id", sess.instanceID),
		zap.String("phone", sess.transport.PhoneNumber()))
	m.propagate(sess.Snapshot())
}

// handleLoggedOut handles a close whose reason is logout: the remote
// account unlinked this device. Terminal, no reconnect.
func (m *Manager) handleLoggedOut(sess *Session) {
	if !m.registry.remove(sess) {
		return
	}
	m.logger.Info("session logged out remotely",
		zap.String("instance_id", sess.instanceID))
	_ = sess.transition(StateDisconnected)
	sess.transport.Disconnect()

	m.mu.Lock()
	delete(m.retries, sess.instanceID)
	m.mu.Unlock()

	m.propagate(sess.Snapshot())
}

// handleDisconnected handles a transient close. The remove guard keeps a
// late close event from an already-torn-down transport from scheduling a
// reconnect on top of a newer session.
func (m *Manager) handleDisconnected(sess *Session) {
	if !m.registry.remove(sess) {
		return
	}
	m.logger.Warn("session disconnected",
		zap.String("instance_id", sess.instanceID))
	_ = sess.transition(StateDisconnected)
	sess.transport.Disconnect()
	m.propagate(sess.Snapshot())
	m.scheduleReconnect(sess.instanceID)
}

func (m *Manager) qrLoop(sess *Session, ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case "code":
			dataURI, err := EncodeQR(item.Code)
			if err != nil {
				m.logger.Error("qr encode failed",
					zap.String("instance_id", sess.instanceID), zap.Error(err))
				continue
			}
			// Transition first: a stale code arriving after the session
			// left Initializing must not attach a pairing payload.
			if err := sess.transition(StateInitializing); err != nil {
				return
			}
			sess.setQR(dataURI)
			m.logger.Info("pairing code issued",
				zap.String("instance_id", sess.instanceID))
			m.propagate(sess.Snapshot())
		case "success":
			// Pairing done; the Connected event carries the rest.
			return
		default:
			// Timeout or transport error while pairing.
			if !m.registry.remove(sess) {
				return
			}
			m.logger.Warn("pairing ended without login",
				zap.String("instance_id", sess.instanceID),
				zap.String("reason", item.Event),
				zap.Error(item.Error))
			if item.Error != nil {
				_ = sess.transition(StateFailure)
			} else {
				_ = sess.transition(StateDisconnected)
			}
			sess.transport.Disconnect()
			m.propagate(sess.Snapshot())
			return
		}
	}
}

// scheduleReconnect arms a one-shot timer that re-runs Create for the
// instance. Backoff doubles per consecutive attempt up to MaxBackoff;
// MaxRetries zero retries forever.
func (m *Manager) scheduleReconnect(instanceID string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if _, armed := m.timers[instanceID]; armed {
		m.mu.Unlock()
		return
	}
	m.retries[instanceID]++
	attempt := m.retries[instanceID]
	if m.cfg.MaxRetries > 0 && attempt > m.cfg.MaxRetries {
		delete(m.retries, instanceID)
		m.mu.Unlock()
		m.logger.Error("giving up on reconnect",
			zap.String("instance_id", instanceID),
			zap.Int("attempts", attempt-1))
		m.persistState(instanceID, StateFailure, "")
		return
	}
	backoff := m.backoff(attempt)
	m.timers[instanceID] = time.AfterFunc(backoff, func() {
		m.mu.Lock()
		delete(m.timers, instanceID)
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
		if err := m.Create(context.Background(), instanceID); err != nil {
			m.logger.Warn("reconnect attempt failed",
				zap.String("instance_id", instanceID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			m.scheduleReconnect(instanceID)
		}
	})
	m.mu.Unlock()
	m.logger.Info("reconnect scheduled",
		zap.String("instance_id", instanceID),
		zap.Int("attempt", attempt),
		zap.Duration("backoff", backoff))
}

func (m *Manager) backoff(attempt int) time.Duration {
	d := m.cfg.InitialBackoff.Std()
	if d <= 0 {
		d = time.Second
	}
	max := m.cfg.MaxBackoff.Std()
	for i := 1; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// Disconnect tears a session down on purpose: logout invalidates the
// stored credentials, then the session leaves the registry. No reconnect
// is scheduled. Removing the session first keeps the transport's own
// close event from racing in a reconnect.
func (m *Manager) Disconnect(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	if t, ok := m.timers[instanceID]; ok {
		t.Stop()
		delete(m.timers, instanceID)
	}
	delete(m.retries, instanceID)
	m.mu.Unlock()

	sess := m.registry.Get(instanceID)
	if sess == nil {
		return fmt.Errorf("no session for instance %q", instanceID)
	}
	m.registry.remove(sess)

	if err := sess.transport.Logout(ctx); err != nil {
		m.logger.Warn("logout failed, disconnecting anyway",
			zap.String("instance_id", instanceID), zap.Error(err))
	}
	sess.transport.Disconnect()
	_ = sess.transition(StateDisconnected)
	m.propagate(sess.Snapshot())
	return nil
}

// SendMessage sends a text message through a connected session and
// returns the server message id.
func (m *Manager) SendMessage(ctx context.Context, instanceID, to, text string) (string, error) {
	sess := m.registry.Get(instanceID)
	if sess == nil || sess.State() != StateConnected {
		return "", ErrNotConnected
	}
	return sess.transport.SendText(ctx, to, text)
}

// Status returns the live snapshot for an instance, falling back to the
// persisted snapshot when no session is running.
func (m *Manager) Status(instanceID string) (*Snapshot, error) {
	if sess := m.registry.Get(instanceID); sess != nil {
		snap := sess.Snapshot()
		return &snap, nil
	}
	in, err := m.db.GetInstance(instanceID)
	if err != nil {
		return nil, err
	}
	if in == nil {
		return nil, fmt.Errorf("unknown instance %q", instanceID)
	}
	snap := &Snapshot{InstanceID: in.InstanceID, State: State(in.State), QRCode: in.QRCode}
	if in.PhoneNumber != "" || in.DisplayName != "" || in.AvatarURL != "" {
		snap.Identity = &Identity{
			PhoneNumber: in.PhoneNumber,
			DisplayName: in.DisplayName,
			AvatarURL:   in.AvatarURL,
		}
	}
	return snap, nil
}

// RestoreAll re-creates a session for every instance with a credential
// bundle on disk; bundles that never completed pairing are skipped.
// Sequential with a throttle delay so a fleet of instances does not
// reconnect as a thundering herd. Individual failures are logged and
// skipped.
func (m *Manager) RestoreAll(ctx context.Context) error {
	ids, err := instance.List(m.dataDir)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}
	throttle := m.cfg.RestoreThrottle.Std()
	for i, id := range ids {
		if i > 0 && throttle > 0 {
			select {
			case <-time.After(throttle):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := m.create(ctx, id, true); err != nil {
			m.logger.Error("restore failed",
				zap.String("instance_id", id), zap.Error(err))
			m.scheduleReconnect(id)
		}
	}
	m.logger.Info("restore complete", zap.Int("instances", len(ids)))
	return nil
}

// Close stops all reconnect timers and disconnects every live session
// without logging out, so credentials survive a daemon restart.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()

	for _, snap := range m.registry.Snapshots() {
		sess := m.registry.Get(snap.InstanceID)
		if sess == nil {
			continue
		}
		m.registry.remove(sess)
		sess.transport.Disconnect()
	}
}

// propagate writes the snapshot to the store and announces it on the
// bus. The store write is best-effort: the in-memory state already
// moved, so a failed write only costs restart fidelity.
func (m *Manager) propagate(snap Snapshot) {
	in := &store.Instance{
		InstanceID: snap.InstanceID,
		State:      string(snap.State),
		QRCode:     snap.QRCode,
	}
	if snap.Identity != nil {
		in.PhoneNumber = snap.Identity.PhoneNumber
		in.DisplayName = snap.Identity.DisplayName
		in.AvatarURL = snap.Identity.AvatarURL
	}
	if err := m.db.UpsertInstanceState(in); err != nil {
		m.logger.Warn("instance state write failed",
			zap.String("instance_id", snap.InstanceID), zap.Error(err))
	}
	m.bus.Publish(bus.Event{
		Kind:       "session.state_changed",
		InstanceID: snap.InstanceID,
		Timestamp:  time.Now(),
		Payload:    snap,
	})
}

func (m *Manager) persistState(instanceID string, state State, qr string) {
	m.propagate(Snapshot{InstanceID: instanceID, State: state, QRCode: qr})
}
