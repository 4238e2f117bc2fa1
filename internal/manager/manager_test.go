package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mvbarbosa/warelay/internal/bus"
	"github.com/mvbarbosa/warelay/internal/config"
	"github.com/mvbarbosa/warelay/internal/instance"
	"github.com/mvbarbosa/warelay/internal/store"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
)

// transportOpts configures the fake transports a fixture's factory
// builds, one per Create call.
type transportOpts struct {
	loggedIn   bool
	connectErr error
	qrItems    []whatsmeow.QRChannelItem
	sendID     string
	sendErr    error
}

type fakeTransport struct {
	transportOpts

	mu           sync.Mutex
	handler      whatsmeow.EventHandler
	connects     int
	disconnects  int
	logouts      int
	lastSendTo   string
	lastSendText string
}

func (f *fakeTransport) IsLoggedIn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loggedIn
}

func (f *fakeTransport) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
}

func (f *fakeTransport) Logout(ctx context.Context) error {
	f.mu.Lock()
	f.logouts++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SendText(ctx context.Context, to, text string) (string, error) {
	f.mu.Lock()
	f.lastSendTo = to
	f.lastSendText = text
	f.mu.Unlock()
	return f.sendID, f.sendErr
}

func (f *fakeTransport) GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error) {
	ch := make(chan whatsmeow.QRChannelItem, len(f.qrItems))
	for _, item := range f.qrItems {
		ch <- item
	}
	close(ch)
	return ch, nil
}

func (f *fakeTransport) RegisterEventHandler(handler whatsmeow.EventHandler) {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
}

func (f *fakeTransport) fire(evt interface{}) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(evt)
}

func (f *fakeTransport) Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeTransport) PhoneNumber() string        { return "5511999990000" }
func (f *fakeTransport) DisplayName() string        { return "Test Account" }
func (f *fakeTransport) AvatarURL(context.Context) string { return "" }

func (f *fakeTransport) counts() (connects, disconnects, logouts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects, f.logouts
}

type fakeIngestor struct {
	mu   sync.Mutex
	seen []string
}

func (f *fakeIngestor) Ingest(ctx context.Context, instanceID string, evt *events.Message) error {
	f.mu.Lock()
	f.seen = append(f.seen, evt.Info.ID)
	f.mu.Unlock()
	return nil
}

type fixture struct {
	mgr       *Manager
	registry  *Registry
	db        *store.DB
	ingestor  *fakeIngestor
	transport func() *fakeTransport

	mu      sync.Mutex
	created []*fakeTransport
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "warelay.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// newFixture wires a manager whose factory builds a fresh fake transport
// per Create call, so reconnects get fresh transports like production.
func newFixture(t *testing.T, opts transportOpts, cfg config.Reconnect) *fixture {
	t.Helper()
	f := &fixture{
		registry: NewRegistry(),
		db:       testDB(t),
		ingestor: &fakeIngestor{},
	}
	factory := func(ctx context.Context, instanceID string) (Transport, error) {
		ft := &fakeTransport{transportOpts: opts}
		f.mu.Lock()
		f.created = append(f.created, ft)
		f.mu.Unlock()
		return ft, nil
	}
	f.transport = func() *fakeTransport {
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.created) == 0 {
			t.Fatal("no transport created")
		}
		return f.created[len(f.created)-1]
	}
	f.mgr = New(f.registry, factory, f.ingestor, f.db, bus.New(), cfg, t.TempDir(), zap.NewNop())
	t.Cleanup(f.mgr.Close)
	return f
}

func (f *fixture) factoryCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func fastReconnect() config.Reconnect {
	return config.Reconnect{
		MaxRetries:     0,
		InitialBackoff: config.Duration(10 * time.Millisecond),
		MaxBackoff:     config.Duration(50 * time.Millisecond),
	}
}

func TestCreateIdempotent(t *testing.T) {
	f := newFixture(t, transportOpts{loggedIn: true}, fastReconnect())

	if err := f.mgr.Create(context.Background(), "acct1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.mgr.Create(context.Background(), "acct1"); err != nil {
		t.Fatalf("second create: %v", err)
	}
	if got := f.factoryCalls(); got != 1 {
		t.Errorf("factory called %d times, want 1", got)
	}
	if f.registry.Len() != 1 {
		t.Errorf("registry has %d sessions, want 1", f.registry.Len())
	}
}

func TestCreateRejectsBadID(t *testing.T) {
	f := newFixture(t, transportOpts{loggedIn: true}, fastReconnect())
	if err := f.mgr.Create(context.Background(), "../escape"); err == nil {
		t.Fatal("expected error for invalid instance id")
	}
}

func TestConnectedEventPopulatesIdentity(t *testing.T) {
	f := newFixture(t, transportOpts{loggedIn: true}, fastReconnect())
	if err := f.mgr.Create(context.Background(), "acct1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	f.transport().fire(&events.Connected{})

	sess := f.registry.Get("acct1")
	if sess == nil {
		t.Fatal("session missing after connect")
	}
	snap := sess.Snapshot()
	if snap.State != StateConnected {
		t.Errorf("state = %s, want Connected", snap.State)
	}
	if snap.Identity == nil || snap.Identity.PhoneNumber != "5511999990000" {
		t.Errorf("identity = %+v, want phone 5511999990000", snap.Identity)
	}
	if snap.QRCode != "" {
		t.Error("qr code should be cleared on connect")
	}

	in, err := f.db.GetInstance("acct1")
	if err != nil || in == nil {
		t.Fatalf("persisted instance: %v, %v", in, err)
	}
	if in.State != string(StateConnected) {
		t.Errorf("persisted state = %s, want Connected", in.State)
	}
}

func TestTransientCloseSchedulesReconnect(t *testing.T) {
	f := newFixture(t, transportOpts{loggedIn: true}, fastReconnect())
	if err := f.mgr.Create(context.Background(), "acct1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	f.transport().fire(&events.Connected{})
	first := f.transport()

	first.fire(&events.Disconnected{})

	waitFor(t, func() bool { return f.factoryCalls() >= 2 }, "reconnect")
	waitFor(t, func() bool { return f.registry.Get("acct1") != nil }, "new session")

	if f.transport() == first {
		t.Error("reconnect should build a fresh transport")
	}
}

func TestLoggedOutIsTerminal(t *testing.T) {
	f := newFixture(t, transportOpts{loggedIn: true}, fastReconnect())
	if err := f.mgr.Create(context.Background(), "acct1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	f.transport().fire(&events.Connected{})

	f.transport().fire(&events.LoggedOut{})

	if f.registry.Get("acct1") != nil {
		t.Fatal("session should leave the registry on logout")
	}
	// Long enough for a reconnect timer to have fired if one was armed.
	time.Sleep(100 * time.Millisecond)
	if got := f.factoryCalls(); got != 1 {
		t.Errorf("factory called %d times after logout, want 1 (no reconnect)", got)
	}

	in, err := f.db.GetInstance("acct1")
	if err != nil || in == nil {
		t.Fatalf("persisted instance: %v, %v", in, err)
	}
	if in.State != string(StateDisconnected) {
		t.Errorf("persisted state = %s, want Disconnected", in.State)
	}
}

func TestStaleCloseEventIgnored(t *testing.T) {
	f := newFixture(t, transportOpts{loggedIn: true}, fastReconnect())
	if err := f.mgr.Create(context.Background(), "acct1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	first := f.transport()
	first.fire(&events.Connected{})
	first.fire(&events.Disconnected{})

	waitFor(t, func() bool { return f.registry.Get("acct1") != nil }, "reconnected session")
	calls := f.factoryCalls()

	// A straggling close from the dead transport must not evict the
	// replacement session or arm another timer.
	first.fire(&events.Disconnected{})
	time.Sleep(50 * time.Millisecond)

	if f.registry.Get("acct1") == nil {
		t.Fatal("stale close evicted the live session")
	}
	if got := f.factoryCalls(); got != calls {
		t.Errorf("factory calls grew from %d to %d on stale close", calls, got)
	}
}

func TestDisconnectLogsOutAndStops(t *testing.T) {
	f := newFixture(t, transportOpts{loggedIn: true}, fastReconnect())
	if err := f.mgr.Create(context.Background(), "acct1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	f.transport().fire(&events.Connected{})

	if err := f.mgr.Disconnect(context.Background(), "acct1"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if f.registry.Get("acct1") != nil {
		t.Fatal("session should leave the registry on disconnect")
	}
	_, _, logouts := f.transport().counts()
	if logouts != 1 {
		t.Errorf("logouts = %d, want 1", logouts)
	}
	time.Sleep(100 * time.Millisecond)
	if got := f.factoryCalls(); got != 1 {
		t.Errorf("factory called %d times after disconnect, want 1", got)
	}
}

func TestSendMessageRequiresConnected(t *testing.T) {
	f := newFixture(t, transportOpts{loggedIn: true, sendID: "SRV1"}, fastReconnect())

	if _, err := f.mgr.SendMessage(context.Background(), "acct1", "+5511888", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}

	if err := f.mgr.Create(context.Background(), "acct1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Still Initializing until the Connected event.
	if _, err := f.mgr.SendMessage(context.Background(), "acct1", "+5511888", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected before connect", err)
	}

	f.transport().fire(&events.Connected{})
	id, err := f.mgr.SendMessage(context.Background(), "acct1", "+5511888", "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "SRV1" {
		t.Errorf("server id = %q, want SRV1", id)
	}
}

func TestQRPairingFlow(t *testing.T) {
	f := newFixture(t, transportOpts{
		loggedIn: false,
		qrItems: []whatsmeow.QRChannelItem{
			{Event: "code", Code: "pairing-payload-1"},
			{Event: "success"},
		},
	}, fastReconnect())

	if err := f.mgr.Create(context.Background(), "acct1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	waitFor(t, func() bool {
		sess := f.registry.Get("acct1")
		return sess != nil && sess.Snapshot().QRCode != ""
	}, "qr code")

	snap := f.registry.Get("acct1").Snapshot()
	if snap.State != StateInitializing {
		t.Errorf("state = %s, want Initializing while pairing", snap.State)
	}
	if want := "data:image/png;base64,"; len(snap.QRCode) <= len(want) || snap.QRCode[:len(want)] != want {
		t.Errorf("qr code is not a png data uri: %.40q", snap.QRCode)
	}

	f.transport().fire(&events.Connected{})
	snap = f.registry.Get("acct1").Snapshot()
	if snap.State != StateConnected || snap.QRCode != "" {
		t.Errorf("after pairing: state=%s qr=%q, want Connected with no qr", snap.State, snap.QRCode)
	}
}

func TestQRTimeoutRemovesSession(t *testing.T) {
	f := newFixture(t, transportOpts{
		loggedIn: false,
		qrItems:  []whatsmeow.QRChannelItem{{Event: "timeout"}},
	}, fastReconnect())

	if err := f.mgr.Create(context.Background(), "acct1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	waitFor(t, func() bool { return f.registry.Get("acct1") == nil }, "session removal")
	waitFor(t, func() bool {
		in, err := f.db.GetInstance("acct1")
		return err == nil && in != nil && in.State == string(StateDisconnected)
	}, "persisted Disconnected state")
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	m := &Manager{cfg: config.Reconnect{
		InitialBackoff: config.Duration(time.Second),
		MaxBackoff:     config.Duration(10 * time.Second),
	}}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{9, 10 * time.Second},
	}
	for _, tc := range cases {
		if got := m.backoff(tc.attempt); got != tc.want {
			t.Errorf("backoff(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestReconnectGivesUpAfterMaxRetries(t *testing.T) {
	cfg := fastReconnect()
	cfg.MaxRetries = 1
	f := newFixture(t, transportOpts{loggedIn: true, connectErr: errors.New("refused")}, cfg)

	// Create fails and the caller (restore path) schedules the retry.
	if err := f.mgr.Create(context.Background(), "acct1"); err == nil {
		t.Fatal("expected connect error")
	}
	f.mgr.scheduleReconnect("acct1")

	waitFor(t, func() bool {
		in, err := f.db.GetInstance("acct1")
		return err == nil && in != nil && in.State == string(StateFailure)
	}, "failure state after give-up")
}

func TestMessageEventReachesIngestor(t *testing.T) {
	f := newFixture(t, transportOpts{loggedIn: true}, fastReconnect())
	if err := f.mgr.Create(context.Background(), "acct1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	f.transport().fire(&events.Connected{})

	evt := &events.Message{}
	evt.Info.ID = "MSG1"
	f.transport().fire(evt)

	f.ingestor.mu.Lock()
	defer f.ingestor.mu.Unlock()
	if len(f.ingestor.seen) != 1 || f.ingestor.seen[0] != "MSG1" {
		t.Errorf("ingested = %v, want [MSG1]", f.ingestor.seen)
	}
}

func TestRestoreAllSkipsUnpairedDirs(t *testing.T) {
	f := newFixture(t, transportOpts{loggedIn: true}, fastReconnect())
	dataDir := f.mgr.dataDir

	for _, id := range []string{"paired1", "paired2"} {
		if err := instance.EnsureDir(dataDir, id); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(instance.CredentialDBPath(dataDir, id), []byte("x"), 0600); err != nil {
			t.Fatal(err)
		}
	}
	// Never finished pairing: directory without session.db.
	if err := instance.EnsureDir(dataDir, "halfway"); err != nil {
		t.Fatal(err)
	}

	cfg := f.mgr.cfg
	cfg.RestoreThrottle = 0
	f.mgr.cfg = cfg

	if err := f.mgr.RestoreAll(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if f.registry.Len() != 2 {
		t.Errorf("restored %d sessions, want 2", f.registry.Len())
	}
	if f.registry.Get("halfway") != nil {
		t.Error("unpaired instance should not be restored")
	}
}

// A credential bundle left behind by a timed-out pairing has a session.db
// but no paired device. Restore must skip it instead of starting an
// unattended pairing loop.
func TestRestoreAllSkipsDevicelessBundles(t *testing.T) {
	registry := NewRegistry()
	db := testDB(t)
	dataDir := t.TempDir()

	var mu sync.Mutex
	created := make(map[string]*fakeTransport)
	factory := func(ctx context.Context, instanceID string) (Transport, error) {
		ft := &fakeTransport{transportOpts: transportOpts{loggedIn: instanceID != "ghost"}}
		mu.Lock()
		created[instanceID] = ft
		mu.Unlock()
		return ft, nil
	}

	cfg := fastReconnect()
	cfg.RestoreThrottle = 0
	mgr := New(registry, factory, &fakeIngestor{}, db, bus.New(), cfg, dataDir, zap.NewNop())
	t.Cleanup(mgr.Close)

	for _, id := range []string{"paired", "ghost"} {
		if err := instance.EnsureDir(dataDir, id); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(instance.CredentialDBPath(dataDir, id), []byte("x"), 0600); err != nil {
			t.Fatal(err)
		}
	}

	if err := mgr.RestoreAll(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if registry.Get("paired") == nil {
		t.Error("paired instance should be restored")
	}
	if registry.Get("ghost") != nil {
		t.Fatal("deviceless bundle must not produce a session")
	}

	mu.Lock()
	ghost := created["ghost"]
	mu.Unlock()
	connects, disconnects, _ := ghost.counts()
	if connects != 0 {
		t.Errorf("deviceless transport connected %d times, want 0", connects)
	}
	if disconnects == 0 {
		t.Error("deviceless transport should be torn down")
	}
}

// A pairing code arriving after the session has connected is stale and
// must not attach a pairing payload to a Connected session.
func TestStaleQRCodeAfterConnectIgnored(t *testing.T) {
	f := newFixture(t, transportOpts{loggedIn: true}, fastReconnect())
	if err := f.mgr.Create(context.Background(), "acct1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	f.transport().fire(&events.Connected{})
	sess := f.registry.Get("acct1")

	ch := make(chan whatsmeow.QRChannelItem, 1)
	ch <- whatsmeow.QRChannelItem{Event: "code", Code: "stale-payload"}
	close(ch)
	f.mgr.qrLoop(sess, ch)

	snap := sess.Snapshot()
	if snap.State != StateConnected {
		t.Errorf("state = %s, want Connected", snap.State)
	}
	if snap.QRCode != "" {
		t.Errorf("qr code = %.40q, want empty on a Connected session", snap.QRCode)
	}
}

func TestCloseDisconnectsWithoutLogout(t *testing.T) {
	f := newFixture(t, transportOpts{loggedIn: true}, fastReconnect())
	if err := f.mgr.Create(context.Background(), "acct1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	f.transport().fire(&events.Connected{})

	f.mgr.Close()

	if f.registry.Len() != 0 {
		t.Errorf("registry has %d sessions after close, want 0", f.registry.Len())
	}
	_, disconnects, logouts := f.transport().counts()
	if disconnects == 0 {
		t.Error("close should disconnect the transport")
	}
	if logouts != 0 {
		t.Error("close must not invalidate credentials")
	}
}
