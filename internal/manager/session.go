package manager

import (
	"context"
	"sync"

	"go.mau.fi/whatsmeow"
)

// Transport is what the manager needs from the chat-protocol library.
// Implemented by wa.Adapter; faked in tests.
type Transport interface {
	IsLoggedIn() bool
	Connect() error
	Disconnect()
	Logout(ctx context.Context) error
	SendText(ctx context.Context, to, text string) (string, error)
	GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error)
	RegisterEventHandler(handler whatsmeow.EventHandler)
	Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error)
	PhoneNumber() string
	DisplayName() string
	AvatarURL(ctx context.Context) string
}

// Identity is the connected account's reported identity.
type Identity struct {
	PhoneNumber string
	DisplayName string
	AvatarURL   string
}

// Session owns one transport connection. The connection handle is created
// on Create and destroyed when the session leaves the registry.
type Session struct {
	instanceID string
	transport  Transport

	mu       sync.RWMutex
	state    State
	qrCode   string
	identity *Identity
}

func newSession(instanceID string, transport Transport) *Session {
	return &Session{
		instanceID: instanceID,
		transport:  transport,
		state:      StateInitializing,
	}
}

// InstanceID returns the session's stable external identifier.
func (s *Session) InstanceID() string { return s.instanceID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkTransition(s.state, to); err != nil {
		return err
	}
	s.state = to
	return nil
}

func (s *Session) setQR(qr string) {
	s.mu.Lock()
	s.qrCode = qr
	s.mu.Unlock()
}

func (s *Session) setIdentity(id Identity) {
	s.mu.Lock()
	s.identity = &id
	s.qrCode = ""
	s.mu.Unlock()
}

// Snapshot is a consistent copy of a session's observable state.
type Snapshot struct {
	InstanceID string
	State      State
	QRCode     string
	Identity   *Identity
}

// Snapshot returns a consistent copy of the session's observable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		InstanceID: s.instanceID,
		State:      s.state,
		QRCode:     s.qrCode,
	}
	if s.identity != nil {
		id := *s.identity
		snap.Identity = &id
	}
	return snap
}
