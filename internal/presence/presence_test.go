package presence

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

type fakeDirectory map[string][]string

func (d fakeDirectory) GuildsForUser(ctx context.Context, userID string) ([]string, error) {
	return d[userID], nil
}

type fakeMessages struct {
	byChannel map[string][]MissedMessage
}

func (f *fakeMessages) MissedMessages(ctx context.Context, channelID string, since time.Time, limit int) ([]MissedMessage, error) {
	var out []MissedMessage
	for _, m := range f.byChannel[channelID] {
		if m.CreatedAt.After(since) {
			out = append(out, m)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type testHub struct {
	state  *State
	server *httptest.Server
}

func newTestHub(t *testing.T, dir fakeDirectory, msgs *fakeMessages) *testHub {
	t.Helper()
	if msgs == nil {
		msgs = &fakeMessages{}
	}
	state := NewState(dir, msgs, NewMetrics(prometheus.NewRegistry()), nil)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		state.HandleConn(r.Context(), ws, r.URL.Query().Get("user"), "device-1")
	}))
	t.Cleanup(srv.Close)
	return &testHub{state: state, server: srv}
}

func (h *testHub) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "?user=" + userID
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial as %s: %v", userID, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) ServerFrame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f ServerFrame
	if err := ws.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func expectNoFrame(t *testing.T, ws *websocket.Conn, within time.Duration) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(within))
	var f ServerFrame
	if err := ws.ReadJSON(&f); err == nil {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func sendFrame(t *testing.T, ws *websocket.Conn, f ClientFrame) {
	t.Helper()
	if err := ws.WriteJSON(f); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func (h *testHub) channelSubscribers(channelID string) int {
	h.state.mu.RLock()
	defer h.state.mu.RUnlock()
	return len(h.state.channels[channelID])
}

func TestReplayOrdering(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	msgs := &fakeMessages{byChannel: map[string][]MissedMessage{}}
	for i := 0; i < 3; i++ {
		msgs.byChannel["chan-1"] = append(msgs.byChannel["chan-1"], MissedMessage{
			MessageID: fmt.Sprintf("msg-%d", i),
			ChannelID: "chan-1",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	hub := newTestHub(t, fakeDirectory{}, msgs)
	hub.state.lastSeen.Set(lastSeenKey("alice", "chan-1"), base.Add(-time.Minute), time.Hour)

	ws := hub.dial(t, "alice")
	sendFrame(t, ws, ClientFrame{Type: TypeSubscribe, ChannelID: "chan-1"})

	// Exactly the missed messages, ascending, then one ReplayComplete.
	for i := 0; i < 3; i++ {
		f := readFrame(t, ws)
		if f.Type != TypeMessageCreated || f.MessageID != fmt.Sprintf("msg-%d", i) {
			t.Fatalf("frame %d = %+v, want message_created msg-%d", i, f, i)
		}
	}
	if f := readFrame(t, ws); f.Type != TypeReplayComplete || f.ChannelID != "chan-1" {
		t.Fatalf("frame = %+v, want replay_complete", f)
	}
	expectNoFrame(t, ws, 200*time.Millisecond)

	// The watermark is consumed: a resubscribe replays nothing.
	if _, ok := hub.state.lastSeen.Get(lastSeenKey("alice", "chan-1")); ok {
		t.Fatal("last-seen key must be deleted after replay")
	}
}

func TestReplayRespectsWatermark(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	msgs := &fakeMessages{byChannel: map[string][]MissedMessage{
		"chan-1": {
			{MessageID: "old", ChannelID: "chan-1", CreatedAt: base.Add(-time.Hour)},
			{MessageID: "new", ChannelID: "chan-1", CreatedAt: base.Add(time.Minute)},
		},
	}}
	hub := newTestHub(t, fakeDirectory{}, msgs)
	hub.state.lastSeen.Set(lastSeenKey("alice", "chan-1"), base, time.Hour)

	ws := hub.dial(t, "alice")
	sendFrame(t, ws, ClientFrame{Type: TypeSubscribe, ChannelID: "chan-1"})

	if f := readFrame(t, ws); f.MessageID != "new" {
		t.Fatalf("frame = %+v, want only the message after the watermark", f)
	}
	if f := readFrame(t, ws); f.Type != TypeReplayComplete {
		t.Fatalf("frame = %+v, want replay_complete", f)
	}
}

func TestSubscribeWithoutWatermarkSkipsReplay(t *testing.T) {
	hub := newTestHub(t, fakeDirectory{}, nil)
	ws := hub.dial(t, "alice")
	sendFrame(t, ws, ClientFrame{Type: TypeSubscribe, ChannelID: "chan-1"})
	waitFor(t, func() bool { return hub.channelSubscribers("chan-1") == 1 })

	// No replay frames; the live stream works immediately.
	hub.state.NotifyMessageCreated("chan-1", "live-1")
	f := readFrame(t, ws)
	if f.Type != TypeMessageCreated || f.MessageID != "live-1" {
		t.Fatalf("frame = %+v, want live message_created", f)
	}
}

func TestPresenceBroadcastOnConnectAndDisconnect(t *testing.T) {
	dir := fakeDirectory{"alice": {"guild-1"}, "bob": {"guild-1"}}
	hub := newTestHub(t, dir, nil)

	aliceWS := hub.dial(t, "alice")
	waitFor(t, func() bool { return hub.state.ConnectionCount() == 1 })

	bobWS := hub.dial(t, "bob")
	f := readFrame(t, aliceWS)
	if f.Type != TypePresenceUpdate || f.UserID != "bob" || f.Status != StatusOnline {
		t.Fatalf("frame = %+v, want bob online", f)
	}

	bobWS.Close()
	f = readFrame(t, aliceWS)
	if f.Type != TypePresenceUpdate || f.UserID != "bob" || f.Status != StatusOffline {
		t.Fatalf("frame = %+v, want bob offline", f)
	}
	waitFor(t, func() bool { return hub.state.ConnectionCount() == 1 })
}

func TestSetPresenceFansOutToGuild(t *testing.T) {
	dir := fakeDirectory{"alice": {"guild-1"}, "bob": {"guild-1"}}
	hub := newTestHub(t, dir, nil)

	aliceWS := hub.dial(t, "alice")
	waitFor(t, func() bool { return hub.state.ConnectionCount() == 1 })
	bobWS := hub.dial(t, "bob")
	if f := readFrame(t, aliceWS); f.Type != TypePresenceUpdate {
		t.Fatalf("frame = %+v, want online presence", f)
	}

	sendFrame(t, bobWS, ClientFrame{Type: TypeSetPresence, Status: StatusAway})
	f := readFrame(t, aliceWS)
	if f.Type != TypePresenceUpdate || f.UserID != "bob" || f.Status != StatusAway {
		t.Fatalf("frame = %+v, want bob away", f)
	}
}

func TestTypingBroadcast(t *testing.T) {
	hub := newTestHub(t, fakeDirectory{}, nil)

	aliceWS := hub.dial(t, "alice")
	bobWS := hub.dial(t, "bob")
	sendFrame(t, aliceWS, ClientFrame{Type: TypeSubscribe, ChannelID: "chan-1"})
	sendFrame(t, bobWS, ClientFrame{Type: TypeSubscribe, ChannelID: "chan-1"})
	waitFor(t, func() bool { return hub.channelSubscribers("chan-1") == 2 })

	sendFrame(t, aliceWS, ClientFrame{Type: TypeStartTyping, ChannelID: "chan-1"})
	f := readFrame(t, bobWS)
	if f.Type != TypeTypingStarted || f.UserID != "alice" || f.ChannelID != "chan-1" {
		t.Fatalf("frame = %+v, want alice typing", f)
	}
	// The typer itself receives nothing.
	expectNoFrame(t, aliceWS, 200*time.Millisecond)

	// StopTyping disarms silently.
	sendFrame(t, aliceWS, ClientFrame{Type: TypeStopTyping, ChannelID: "chan-1"})
	waitFor(t, func() bool {
		hub.state.typingMu.Lock()
		defer hub.state.typingMu.Unlock()
		return len(hub.state.typing) == 0
	})
	expectNoFrame(t, bobWS, 200*time.Millisecond)
}

func TestDisconnectRecordsLastSeen(t *testing.T) {
	hub := newTestHub(t, fakeDirectory{}, nil)

	ws := hub.dial(t, "alice")
	sendFrame(t, ws, ClientFrame{Type: TypeSubscribe, ChannelID: "chan-1"})
	waitFor(t, func() bool { return hub.channelSubscribers("chan-1") == 1 })

	ws.Close()
	waitFor(t, func() bool {
		_, ok := hub.state.lastSeen.Get(lastSeenKey("alice", "chan-1"))
		return ok
	})
	// The empty channel's subscriber set is evicted.
	waitFor(t, func() bool { return hub.channelSubscribers("chan-1") == 0 })
}

func TestUnsubscribeRecordsLastSeen(t *testing.T) {
	hub := newTestHub(t, fakeDirectory{}, nil)

	ws := hub.dial(t, "alice")
	sendFrame(t, ws, ClientFrame{Type: TypeSubscribe, ChannelID: "chan-1"})
	waitFor(t, func() bool { return hub.channelSubscribers("chan-1") == 1 })

	sendFrame(t, ws, ClientFrame{Type: TypeUnsubscribe, ChannelID: "chan-1"})
	waitFor(t, func() bool { return hub.channelSubscribers("chan-1") == 0 })
	if _, ok := hub.state.lastSeen.Get(lastSeenKey("alice", "chan-1")); !ok {
		t.Fatal("unsubscribe must record a last-seen watermark")
	}

	// Messages sent while unsubscribed do not reach the connection.
	hub.state.NotifyMessageCreated("chan-1", "missed")
	expectNoFrame(t, ws, 200*time.Millisecond)
}

func TestMalformedFramesIgnored(t *testing.T) {
	hub := newTestHub(t, fakeDirectory{}, nil)
	ws := hub.dial(t, "alice")

	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The connection survives and still works.
	sendFrame(t, ws, ClientFrame{Type: TypeSubscribe, ChannelID: "chan-1"})
	waitFor(t, func() bool { return hub.channelSubscribers("chan-1") == 1 })
}

func TestDecodeClientFrame(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"subscribe", `{"type":"subscribe","channel":"c1"}`, true},
		{"subscribe no channel", `{"type":"subscribe"}`, false},
		{"set presence", `{"type":"set_presence","status":"away"}`, true},
		{"bad status", `{"type":"set_presence","status":"ghost"}`, false},
		{"typing", `{"type":"start_typing","channel":"c1"}`, true},
		{"unknown type", `{"type":"emote","channel":"c1"}`, false},
		{"garbage", `{{`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeClientFrame([]byte(tc.raw))
			if tc.ok && err != nil {
				t.Fatalf("decode(%s) = %v, want ok", tc.raw, err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("decode(%s) succeeded, want error", tc.raw)
			}
		})
	}
}
