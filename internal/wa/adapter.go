package wa

import (
	"context"
	"fmt"

	"github.com/mvbarbosa/warelay/internal/instance"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"
)

// Adapter wraps the whatsmeow client for one instance. The credential
// bundle lives in the instance's directory under the data dir; its
// presence is what makes the instance restorable at startup.
type Adapter struct {
	client     *whatsmeow.Client
	container  *sqlstore.Container
	logger     *zap.Logger
	instanceID string
}

// NewAdapter creates a WhatsApp adapter for the given instance.
func NewAdapter(ctx context.Context, dataDir, instanceID string, logger *zap.Logger) (*Adapter, error) {
	// Set device name shown on the phone's linked devices list.
	wastore.SetOSInfo("warelay", [3]uint32{0, 1, 0})

	dbPath := instance.CredentialDBPath(dataDir, instanceID)

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create credential store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, nil)

	return &Adapter{
		client:     client,
		container:  container,
		logger:     logger.With(zap.String("instance_id", instanceID)),
		instanceID: instanceID,
	}, nil
}

// IsLoggedIn returns whether the adapter has valid stored credentials.
func (a *Adapter) IsLoggedIn() bool {
	return a.client.Store.ID != nil
}

// Connect initiates the WhatsApp connection.
func (a *Adapter) Connect() error {
	a.logger.Info("connecting to WhatsApp")
	return a.client.Connect()
}

// Disconnect terminates the WhatsApp connection without invalidating
// credentials.
func (a *Adapter) Disconnect() {
	a.logger.Info("disconnecting from WhatsApp")
	a.client.Disconnect()
}

// Logout invalidates the session and removes credentials.
func (a *Adapter) Logout(ctx context.Context) error {
	return a.client.Logout(ctx)
}

// RegisterEventHandler adds a handler for whatsmeow events.
func (a *Adapter) RegisterEventHandler(handler whatsmeow.EventHandler) {
	a.client.AddEventHandler(handler)
}

// SendText sends a text message. The recipient may be a full JID or a
// bare phone number. Returns the server message ID.
func (a *Adapter) SendText(ctx context.Context, to string, text string) (string, error) {
	jid, err := ToJID(to)
	if err != nil {
		return "", err
	}
	resp, err := a.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return resp.ID, nil
}

// GetQRChannel returns the QR channel for pairing. Must be called before
// Connect.
func (a *Adapter) GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error) {
	if a.IsLoggedIn() {
		return nil, fmt.Errorf("already logged in")
	}
	ch, err := a.client.GetQRChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("get QR channel: %w", err)
	}
	return ch, nil
}

// Download fetches the raw bytes of a media message through the transport.
func (a *Adapter) Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error) {
	return a.client.Download(ctx, msg)
}

// PhoneNumber returns the phone number from the device store, or empty
// string when not paired.
func (a *Adapter) PhoneNumber() string {
	if a.client.Store.ID == nil {
		return ""
	}
	return a.client.Store.ID.User
}

// DisplayName returns the push name from the device store.
func (a *Adapter) DisplayName() string {
	return a.client.Store.PushName
}

// AvatarURL fetches the account's own profile picture URL. Best-effort:
// any failure yields an empty string.
func (a *Adapter) AvatarURL(ctx context.Context) string {
	if a.client.Store.ID == nil {
		return ""
	}
	info, err := a.client.GetProfilePictureInfo(ctx, a.client.Store.ID.ToNonAD(), &whatsmeow.GetProfilePictureParams{})
	if err != nil || info == nil {
		return ""
	}
	return info.URL
}
