package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/studio/internal/adapters/wsclient"
	"github.com/dkeye/studio/internal/app"
	"github.com/dkeye/studio/internal/app/mesh"
	"github.com/dkeye/studio/internal/app/orch"
	"github.com/dkeye/studio/internal/config"
	"github.com/dkeye/studio/internal/domain"
	"github.com/dkeye/studio/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type relay struct {
	srv   *httptest.Server
	wsURL string
}

func startRelay(t *testing.T) *relay {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    app.NewRoomManager(),
		Policy:   app.SimplePolicy{},
	}
	cfg := &config.Config{Mode: "test", Secret: "test-secret", ReadLimit: 65536}
	srv := httptest.NewServer(SetupRouter(ctx, cfg, o))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &relay{srv: srv, wsURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal"}
}

// participant collects every frame of the watched types.
type participant struct {
	c      *wsclient.Client
	frames map[protocol.EventType]chan json.RawMessage
}

func (r *relay) connect(t *testing.T) *participant {
	t.Helper()
	c, err := wsclient.Dial(context.Background(), r.wsURL)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	p := &participant{c: c, frames: make(map[protocol.EventType]chan json.RawMessage)}
	for _, et := range []protocol.EventType{
		protocol.EventCurrentMembers,
		protocol.EventParticipantJoined,
		protocol.EventOffer,
		protocol.EventLivenessResponse,
		protocol.EventSessionTerminated,
		protocol.EventError,
	} {
		ch := make(chan json.RawMessage, 8)
		p.frames[et] = ch
		c.On(et, func(payload json.RawMessage) { ch <- payload })
	}
	return p
}

func expect[T any](t *testing.T, p *participant, et protocol.EventType) T {
	t.Helper()
	var v T
	select {
	case raw := <-p.frames[et]:
		require.NoError(t, json.Unmarshal(raw, &v))
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s frame", et)
	}
	return v
}

func (r *relay) do(t *testing.T, method, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, r.srv.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestSignalingEndToEnd(t *testing.T) {
	r := startRelay(t)
	alice := r.connect(t)
	bob := r.connect(t)

	require.NoError(t, alice.c.Join("main", "alice", "Alice"))
	aliceAddr := expect[protocol.CurrentMembers](t, alice, protocol.EventCurrentMembers).Self
	require.NotEmpty(t, aliceAddr)

	require.NoError(t, bob.c.Join("main", "bob", ""))
	cm := expect[protocol.CurrentMembers](t, bob, protocol.EventCurrentMembers)
	require.Len(t, cm.Members, 1)
	assert.Equal(t, protocol.Member{Identity: "alice", Address: aliceAddr, Name: "Alice"}, cm.Members[0])

	pj := expect[protocol.ParticipantJoined](t, alice, protocol.EventParticipantJoined)
	assert.Equal(t, domain.Identity("bob"), pj.Identity)
	assert.Equal(t, cm.Self, pj.Address)

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	require.NoError(t, bob.c.Emit(protocol.EventOffer, protocol.Description{TargetAddress: aliceAddr, Description: offer}))
	got := expect[protocol.Description](t, alice, protocol.EventOffer)
	assert.Equal(t, cm.Self, got.SenderAddress)
	assert.Empty(t, got.TargetAddress)
	assert.Equal(t, offer, got.Description)

	require.NoError(t, bob.c.Emit(protocol.EventLivenessProbe, protocol.LivenessProbe{TargetAddress: "ghost", ProbeID: "p1"}))
	resp := expect[protocol.LivenessResponse](t, bob, protocol.EventLivenessResponse)
	assert.Equal(t, protocol.StatusUnreachable, resp.Status)
	assert.Equal(t, "p1", resp.ProbeID)
}

func TestJoinErrorsAreReported(t *testing.T) {
	r := startRelay(t)
	p := r.connect(t)

	require.NoError(t, p.c.Emit(protocol.EventJoin, protocol.Join{Identity: "alice"}))
	e := expect[protocol.Error](t, p, protocol.EventError)
	assert.NotEmpty(t, e.Error)

	require.NoError(t, p.c.Emit(protocol.EventOffer, protocol.Description{TargetAddress: "x"}))
	e = expect[protocol.Error](t, p, protocol.EventError)
	assert.Equal(t, "not_in_room", e.Error)
}

func TestRoomsAPI(t *testing.T) {
	r := startRelay(t)
	alice := r.connect(t)
	bob := r.connect(t)
	require.NoError(t, alice.c.Join("main", "alice", ""))
	expect[protocol.CurrentMembers](t, alice, protocol.EventCurrentMembers)
	require.NoError(t, bob.c.Join("main", "bob", ""))
	expect[protocol.CurrentMembers](t, bob, protocol.EventCurrentMembers)

	resp := r.do(t, http.MethodGet, "/api/rooms")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Rooms []struct {
			Name  string `json:"name"`
			Count int    `json:"client_count"`
		} `json:"rooms"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Rooms, 1)
	assert.Equal(t, "main", list.Rooms[0].Name)
	assert.Equal(t, 2, list.Rooms[0].Count)

	assert.Equal(t, http.StatusOK, r.do(t, http.MethodGet, "/api/rooms/main").StatusCode)
	assert.Equal(t, http.StatusNotFound, r.do(t, http.MethodGet, "/api/rooms/nope").StatusCode)

	assert.Equal(t, http.StatusNoContent, r.do(t, http.MethodDelete, "/api/rooms/main").StatusCode)
	for _, p := range []*participant{alice, bob} {
		st := expect[protocol.SessionTerminated](t, p, protocol.EventSessionTerminated)
		assert.Equal(t, protocol.ReasonRoomClosed, st.Reason)
	}
	assert.Equal(t, http.StatusNotFound, r.do(t, http.MethodDelete, "/api/rooms/main").StatusCode)
}

func TestHealth(t *testing.T) {
	r := startRelay(t)
	resp := r.do(t, http.MethodGet, "/api/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Cookies(), "client token session cookie")
}

type fakeSnapshotter struct {
	snap mesh.Snapshot
	err  error
}

func (f fakeSnapshotter) Snapshot(context.Context) (mesh.Snapshot, error) { return f.snap, f.err }

func TestDebugRouter(t *testing.T) {
	snap := mesh.Snapshot{
		Self:  "alice",
		Peers: []mesh.PeerInfo{{Identity: "bob", Address: "addr-b"}},
	}
	h := SetupDebugRouter("test", fakeSnapshotter{snap: snap})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug/peers", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var got mesh.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, domain.Identity("alice"), got.Self)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug/peers/bob", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"address":"addr-b"`)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug/peers/carol", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	closed := SetupDebugRouter("test", fakeSnapshotter{err: mesh.ErrClosed})
	w = httptest.NewRecorder()
	closed.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug/peers", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	broken := SetupDebugRouter("test", fakeSnapshotter{err: errors.New("boom")})
	w = httptest.NewRecorder()
	broken.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug/peers", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
