package ws

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"labassist/internal/auth"
	"labassist/internal/patch"
	"labassist/internal/store"
)

type fakeSessions struct {
	started chan string
	stopped chan string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		started: make(chan string, 4),
		stopped: make(chan string, 4),
	}
}

func (f *fakeSessions) Run(ctx context.Context, deviceID string) {
	f.started <- deviceID
	<-ctx.Done()
	f.stopped <- deviceID
}

type wsFixture struct {
	store    *store.Store
	hub      *Hub
	sessions *fakeSessions
	conn     *websocket.Conn
}

func newFixture(t *testing.T, authenticator *auth.Authenticator) *wsFixture {
	t.Helper()
	logger := log.New(io.Discard, "", 0)

	st, err := store.New(filepath.Join(t.TempDir(), "state.json"), logger)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	hub := NewHub(logger)
	sessions := newFakeSessions()
	handler := NewHandler(hub, st, sessions, authenticator, logger)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return &wsFixture{store: st, hub: hub, sessions: sessions, conn: conn}
}

func disabledAuth(t *testing.T) *auth.Authenticator {
	t.Helper()
	t.Setenv("AUTH_ENABLED", "false")
	return auth.NewAuthenticator()
}

func (f *wsFixture) send(t *testing.T, msg ClientMessage) {
	t.Helper()
	if err := f.conn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (f *wsFixture) read(t *testing.T) envelope {
	t.Helper()
	f.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env envelope
	if err := f.conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func (f *wsFixture) authenticate(t *testing.T, deviceID string) SnapshotPayload {
	t.Helper()
	f.send(t, ClientMessage{Event: EventAuthenticate, DeviceID: deviceID})
	env := f.read(t)
	if env.Event != EventAuthenticated {
		t.Fatalf("event = %q, data = %s", env.Event, env.Data)
	}
	var snap SnapshotPayload
	if err := json.Unmarshal(env.Data, &snap); err != nil {
		t.Fatalf("decoding snapshot: %v", err)
	}
	return snap
}

func TestAuthenticateJoinsRoom(t *testing.T) {
	f := newFixture(t, disabledAuth(t))
	f.store.AddVideo("d1", "a.mp4", "/x/a.mp4")

	snap := f.authenticate(t, "d1")
	if len(snap.Videos) != 1 || snap.Videos[0].FileName != "a.mp4" {
		t.Errorf("snapshot videos = %+v", snap.Videos)
	}

	select {
	case dev := <-f.sessions.started:
		if dev != "d1" {
			t.Errorf("session device = %q", dev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session never started")
	}

	if !f.hub.HasClients("d1") {
		t.Error("device room is empty after authenticate")
	}
}

func TestAuthenticateRequiresDeviceID(t *testing.T) {
	f := newFixture(t, disabledAuth(t))

	f.send(t, ClientMessage{Event: EventAuthenticate})
	env := f.read(t)
	if env.Event != EventMessage {
		t.Fatalf("event = %q", env.Event)
	}
	var msg MessagePayload
	json.Unmarshal(env.Data, &msg)
	if msg.Message != "device ID not provided" {
		t.Errorf("message = %q", msg.Message)
	}
}

func TestAuthenticateRejectsBadToken(t *testing.T) {
	t.Setenv("AUTH_ENABLED", "true")
	t.Setenv("DEVICE_REGISTRATION_KEY", "lab-secret")
	t.Setenv("JWT_SECRET", "test-signing-key")
	f := newFixture(t, auth.NewAuthenticator())

	f.send(t, ClientMessage{Event: EventAuthenticate, DeviceID: "d1", Token: "garbage"})
	env := f.read(t)
	if env.Event != EventMessage {
		t.Fatalf("event = %q", env.Event)
	}
	var msg MessagePayload
	json.Unmarshal(env.Data, &msg)
	if msg.Message != "authentication failed" {
		t.Errorf("message = %q", msg.Message)
	}
}

func TestAuthenticateAcceptsDeviceToken(t *testing.T) {
	t.Setenv("AUTH_ENABLED", "true")
	t.Setenv("DEVICE_REGISTRATION_KEY", "lab-secret")
	t.Setenv("JWT_SECRET", "test-signing-key")
	authenticator := auth.NewAuthenticator()
	f := newFixture(t, authenticator)

	token, _, err := authenticator.Authenticate("d1", "lab-secret")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	f.send(t, ClientMessage{Event: EventAuthenticate, DeviceID: "d1", Token: token})
	env := f.read(t)
	if env.Event != EventAuthenticated {
		t.Fatalf("event = %q, data = %s", env.Event, env.Data)
	}
}

func TestBroadcastReachesRoom(t *testing.T) {
	f := newFixture(t, disabledAuth(t))
	f.authenticate(t, "d1")

	p := patch.Patch{{Op: "add", Path: "/0", Value: map[string]any{"file_name": "a.mp4"}}}
	f.hub.EmitPatch("d1", p)

	env := f.read(t)
	if env.Event != EventPatch {
		t.Fatalf("event = %q", env.Event)
	}
	var got patch.Patch
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("decoding patch: %v", err)
	}
	if len(got) != 1 || got[0].Op != "add" || got[0].Path != "/0" {
		t.Errorf("patch = %+v", got)
	}
}

func TestSubmitPatch(t *testing.T) {
	f := newFixture(t, disabledAuth(t))
	f.store.AddVideo("d1", "a.mp4", "/x/a.mp4")
	f.authenticate(t, "d1")

	f.send(t, ClientMessage{
		Event:    EventSubmitPatch,
		DeviceID: "d1",
		Patch:    patch.Patch{{Op: "add", Path: "/0/status_list/-", Value: "watched"}},
	})

	env := f.read(t)
	if env.Event != EventUpdate {
		t.Fatalf("event = %q, data = %s", env.Event, env.Data)
	}
	var snap SnapshotPayload
	if err := json.Unmarshal(env.Data, &snap); err != nil {
		t.Fatalf("decoding snapshot: %v", err)
	}
	want := []string{"uploaded", "watched"}
	if len(snap.Videos) != 1 || len(snap.Videos[0].StatusList) != 2 ||
		snap.Videos[0].StatusList[1] != want[1] {
		t.Errorf("snapshot = %+v", snap.Videos)
	}

	// The store took the edit durably.
	v, err := f.store.GetVideo("d1", "a.mp4")
	if err != nil {
		t.Fatalf("GetVideo: %v", err)
	}
	if len(v.StatusList) != 2 || v.StatusList[1] != "watched" {
		t.Errorf("StatusList = %v", v.StatusList)
	}
}

func TestSubmitPatchRequiresAuthentication(t *testing.T) {
	t.Setenv("AUTH_ENABLED", "true")
	t.Setenv("DEVICE_REGISTRATION_KEY", "lab-secret")
	t.Setenv("JWT_SECRET", "test-signing-key")
	f := newFixture(t, auth.NewAuthenticator())
	f.store.AddVideo("d1", "a.mp4", "/x/a.mp4")

	// No authenticate exchange on this connection.
	f.send(t, ClientMessage{
		Event:    EventSubmitPatch,
		DeviceID: "d1",
		Patch:    patch.Patch{{Op: "remove", Path: "/0"}},
	})
	env := f.read(t)
	if env.Event != EventMessage {
		t.Fatalf("event = %q", env.Event)
	}
	var msg MessagePayload
	json.Unmarshal(env.Data, &msg)
	if msg.Message != "not authenticated" {
		t.Errorf("message = %q", msg.Message)
	}

	if videos := f.store.DeviceVideos("d1"); len(videos) != 1 {
		t.Errorf("videos = %+v, want the upload untouched", videos)
	}
}

func TestSubmitPatchDeviceMismatch(t *testing.T) {
	f := newFixture(t, disabledAuth(t))
	f.store.AddVideo("d1", "a.mp4", "/x/a.mp4")
	f.store.AddVideo("d2", "b.mp4", "/x/b.mp4")
	f.authenticate(t, "d1")

	f.send(t, ClientMessage{Event: EventSubmitPatch, DeviceID: "d2", Patch: patch.Patch{}})
	env := f.read(t)
	if env.Event != EventMessage {
		t.Fatalf("event = %q", env.Event)
	}
	var msg MessagePayload
	json.Unmarshal(env.Data, &msg)
	if msg.Message != "device ID mismatch" {
		t.Errorf("message = %q", msg.Message)
	}
}

func TestSubmitPatchThatDoesNotApply(t *testing.T) {
	f := newFixture(t, disabledAuth(t))
	f.store.AddVideo("d1", "a.mp4", "/x/a.mp4")
	f.authenticate(t, "d1")

	f.send(t, ClientMessage{
		Event:    EventSubmitPatch,
		DeviceID: "d1",
		Patch:    patch.Patch{{Op: "remove", Path: "/9"}},
	})
	env := f.read(t)
	if env.Event != EventMessage {
		t.Fatalf("event = %q", env.Event)
	}
	var msg MessagePayload
	json.Unmarshal(env.Data, &msg)
	if !strings.Contains(msg.Message, "patch does not apply") {
		t.Errorf("message = %q", msg.Message)
	}
}

func TestUnknownEvent(t *testing.T) {
	f := newFixture(t, disabledAuth(t))

	f.send(t, ClientMessage{Event: "telemetry"})
	env := f.read(t)
	if env.Event != EventMessage {
		t.Fatalf("event = %q", env.Event)
	}
}

func TestDisconnectStopsSession(t *testing.T) {
	f := newFixture(t, disabledAuth(t))
	f.authenticate(t, "d1")

	<-f.sessions.started
	f.conn.Close()

	select {
	case <-f.sessions.stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("session kept running after disconnect")
	}
}
