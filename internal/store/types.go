package store

// Instance is the persisted best-effort snapshot of a session's state.
// The in-memory registry is authoritative while the daemon runs; this row
// is what external readers see, and it may lag the true connection state.
type Instance struct {
	InstanceID  string
	State       string
	QRCode      string
	PhoneNumber string
	DisplayName string
	AvatarURL   string
	WebhookURL  string
}

// Message is one immutable ingested message row.
type Message struct {
	ID            int64
	InstanceID    string
	ChatID        string
	MsgID         string
	Direction     string // "inbound" or "outbound"
	SenderName    string
	SenderPhone   string
	Body          string
	MessageType   string
	MediaURL      string
	MediaFileName string
	MediaMimeType string
	ViewOnce      bool
	RawMetadata   string // opaque JSON passthrough
	Timestamp     int64  // unix millis, UTC
}

// Chat is the denormalized per-chat rollup maintained alongside the
// message log.
type Chat struct {
	InstanceID         string
	ChatID             string
	Name               string
	IsGroup            bool
	LastMessagePreview string
	LastMessageAt      int64
	UnreadCount        int
	Archived           bool
	Pinned             bool
}

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)
