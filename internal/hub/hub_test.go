package hub

import (
	"encoding/json"
	"io"
	"log"
	"testing"
	"time"

	"voxellobby.io/internal/protocol"
)

type fakeStore struct {
	failInsert error
	failDelete error
	failMsg    error

	inserted []protocol.Block
	deleted  []protocol.BlockTarget
	msgs     []protocol.ChatMessage
}

func (f *fakeStore) InsertBlock(b protocol.Block, done func(error)) {
	if f.failInsert != nil {
		done(f.failInsert)
		return
	}
	f.inserted = append(f.inserted, b)
	done(nil)
}

func (f *fakeStore) DeleteBlock(t protocol.BlockTarget, done func(error)) {
	if f.failDelete != nil {
		done(f.failDelete)
		return
	}
	f.deleted = append(f.deleted, t)
	done(nil)
}

func (f *fakeStore) InsertMessage(m protocol.ChatMessage, done func(error)) {
	if f.failMsg != nil {
		done(f.failMsg)
		return
	}
	f.msgs = append(f.msgs, m)
	done(nil)
}

func newTestHub(t *testing.T, store Gateway) *Hub {
	t.Helper()
	h, err := New(Config{
		Store: store,
		Log:   log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

// runPending drains store continuations the way the Run loop would.
func runPending(h *Hub) {
	for {
		select {
		case fn := <-h.resume:
			fn()
		default:
			return
		}
	}
}

func attachConn(h *Hub, id string) chan []byte {
	out := make(chan []byte, 64)
	h.handleAttach(AttachRequest{ConnID: id, Out: out})
	return out
}

func recvEvent(t *testing.T, out chan []byte) protocol.Envelope {
	t.Helper()
	select {
	case b := <-out:
		env, err := protocol.DecodeBase(b)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return env
	default:
		t.Fatalf("no frame queued")
		return protocol.Envelope{}
	}
}

func wantNoFrames(t *testing.T, out chan []byte) {
	t.Helper()
	select {
	case b := <-out:
		env, _ := protocol.DecodeBase(b)
		t.Fatalf("unexpected frame %q", env.Event)
	default:
	}
}

func decodeData(t *testing.T, env protocol.Envelope, v any) {
	t.Helper()
	if err := json.Unmarshal(env.Data, v); err != nil {
		t.Fatalf("decode %s data: %v", env.Event, err)
	}
}

func join(t *testing.T, h *Hub, connID, name string) {
	t.Helper()
	h.handleJoin(connID, name)
}

func TestJoin_DuplicateNameRejected(t *testing.T) {
	h := newTestHub(t, &fakeStore{})
	a := attachConn(h, "A")
	b := attachConn(h, "B")

	join(t, h, "A", "Alice")
	if env := recvEvent(t, a); env.Event != protocol.EventJoinSuccess {
		t.Fatalf("event=%q want joinSuccess", env.Event)
	}
	// Drain the rest of A's join frames.
	for i := 0; i < 3; i++ {
		recvEvent(t, a)
	}
	// B saw the newPlayer broadcast.
	if env := recvEvent(t, b); env.Event != protocol.EventNewPlayer {
		t.Fatalf("event=%q want newPlayer", env.Event)
	}

	join(t, h, "B", "Alice")
	env := recvEvent(t, b)
	if env.Event != protocol.EventJoinError {
		t.Fatalf("event=%q want joinError", env.Event)
	}
	var je protocol.JoinError
	decodeData(t, env, &je)
	if je.Message != "Name is already taken" {
		t.Fatalf("message=%q", je.Message)
	}
	if len(h.players) != 1 {
		t.Fatalf("registry size=%d want 1", len(h.players))
	}
	// The rejected join must not broadcast newPlayer to A.
	wantNoFrames(t, a)
	wantNoFrames(t, b)
}

func TestJoin_SnapshotSequence(t *testing.T) {
	h := newTestHub(t, &fakeStore{})
	h.Prime(
		[]protocol.Block{{X: 1, Y: 2, Z: 3, Type: 5}},
		[]protocol.ChatMessage{{ID: 7, Text: "hi", Author: "Anonymous", Timestamp: 7}},
	)
	a := attachConn(h, "A")
	join(t, h, "A", "Alice")

	b := attachConn(h, "B")
	join(t, h, "B", "Bob")

	env := recvEvent(t, b)
	if env.Event != protocol.EventJoinSuccess {
		t.Fatalf("frame 1 event=%q want joinSuccess", env.Event)
	}
	var self protocol.PlayerInfo
	decodeData(t, env, &self)
	if self.ID != "B" || self.Name != "Bob" || self.X != 0 || self.Rotation != 0 {
		t.Fatalf("joinSuccess payload=%+v", self)
	}

	env = recvEvent(t, b)
	if env.Event != protocol.EventCurrentPlayers {
		t.Fatalf("frame 2 event=%q want currentPlayers", env.Event)
	}
	var current map[string]protocol.PlayerInfo
	decodeData(t, env, &current)
	if len(current) != 1 {
		t.Fatalf("currentPlayers size=%d want 1", len(current))
	}
	if current["A"].Name != "Alice" {
		t.Fatalf("currentPlayers[A]=%+v", current["A"])
	}
	if _, ok := current["B"]; ok {
		t.Fatalf("currentPlayers must exclude the requester")
	}

	env = recvEvent(t, b)
	if env.Event != protocol.EventInitialBlocks {
		t.Fatalf("frame 3 event=%q want initialBlocks", env.Event)
	}
	var blocks []protocol.Block
	decodeData(t, env, &blocks)
	if len(blocks) != 1 || blocks[0] != (protocol.Block{X: 1, Y: 2, Z: 3, Type: 5}) {
		t.Fatalf("initialBlocks=%+v", blocks)
	}

	env = recvEvent(t, b)
	if env.Event != protocol.EventChatUpdate {
		t.Fatalf("frame 4 event=%q want chatUpdate", env.Event)
	}
	var msgs []protocol.ChatMessage
	decodeData(t, env, &msgs)
	if len(msgs) != 1 || msgs[0].ID != 7 {
		t.Fatalf("chatUpdate=%+v", msgs)
	}

	// A hears about Bob.
	for {
		env = recvEvent(t, a)
		if env.Event == protocol.EventNewPlayer {
			break
		}
	}
	var np protocol.PlayerInfo
	decodeData(t, env, &np)
	if np.ID != "B" || np.Name != "Bob" {
		t.Fatalf("newPlayer=%+v", np)
	}
}

func TestMove_UnjoinedDropped(t *testing.T) {
	h := newTestHub(t, &fakeStore{})
	a := attachConn(h, "A")
	b := attachConn(h, "B")
	join(t, h, "B", "Bob")
	drain(a)
	drain(b)

	h.handleMove("A", protocol.PlayerMove{X: 9})
	wantNoFrames(t, a)
	wantNoFrames(t, b)
}

func TestMove_RelayLastWriteWins(t *testing.T) {
	h := newTestHub(t, &fakeStore{})
	a := attachConn(h, "A")
	b := attachConn(h, "B")
	join(t, h, "A", "Alice")
	join(t, h, "B", "Bob")
	drain(a)
	drain(b)

	h.handleMove("A", protocol.PlayerMove{X: 1.5, Y: -2, Z: 3, Rotation: 0.25})
	h.handleMove("A", protocol.PlayerMove{X: 4, Y: 5, Z: 6, Rotation: 0.5})

	p := h.players["A"]
	if p.X != 4 || p.Y != 5 || p.Z != 6 || p.Rotation != 0.5 {
		t.Fatalf("stored player=%+v", p)
	}

	// Sender gets nothing, the other connection gets both relays in order.
	wantNoFrames(t, a)
	env := recvEvent(t, b)
	if env.Event != protocol.EventPlayerMoved {
		t.Fatalf("event=%q want playerMoved", env.Event)
	}
	var mv protocol.PlayerMoved
	decodeData(t, env, &mv)
	if mv.ID != "A" || mv.X != 1.5 {
		t.Fatalf("playerMoved=%+v", mv)
	}
	env = recvEvent(t, b)
	decodeData(t, env, &mv)
	if mv.X != 4 || mv.Rotation != 0.5 {
		t.Fatalf("second playerMoved=%+v", mv)
	}
}

func TestPlace_WriteThrough(t *testing.T) {
	store := &fakeStore{}
	h := newTestHub(t, store)
	a := attachConn(h, "A")
	b := attachConn(h, "B")
	join(t, h, "A", "Alice")
	drain(a)
	drain(b)

	blk := protocol.Block{X: 1, Y: 2, Z: 3, Type: 5}
	h.handlePlace("A", blk)
	runPending(h)

	if len(store.inserted) != 1 || store.inserted[0] != blk {
		t.Fatalf("store rows=%+v", store.inserted)
	}
	if len(h.blocks) != 1 || h.blocks[0] != blk {
		t.Fatalf("in-memory blocks=%+v", h.blocks)
	}

	env := recvEvent(t, b)
	if env.Event != protocol.EventBlockPlaced {
		t.Fatalf("other got %q want blockPlaced", env.Event)
	}
	var placed protocol.Block
	decodeData(t, env, &placed)
	if placed != blk {
		t.Fatalf("blockPlaced=%+v", placed)
	}

	env = recvEvent(t, a)
	if env.Event != protocol.EventBlockSaveSuccess {
		t.Fatalf("sender got %q want blockSaveSuccess", env.Event)
	}
	var tgt protocol.BlockTarget
	decodeData(t, env, &tgt)
	if tgt != (protocol.BlockTarget{X: 1, Y: 2, Z: 3}) {
		t.Fatalf("blockSaveSuccess=%+v", tgt)
	}
	wantNoFrames(t, a)
}

func TestPlace_StoreFailure(t *testing.T) {
	store := &fakeStore{failInsert: errDB}
	h := newTestHub(t, store)
	a := attachConn(h, "A")
	b := attachConn(h, "B")
	join(t, h, "A", "Alice")
	drain(a)
	drain(b)

	h.handlePlace("A", protocol.Block{X: 1, Y: 2, Z: 3, Type: 5})
	runPending(h)

	if len(h.blocks) != 0 {
		t.Fatalf("in-memory store mutated on failure: %+v", h.blocks)
	}
	env := recvEvent(t, a)
	if env.Event != protocol.EventBlockSaveError {
		t.Fatalf("sender got %q want blockSaveError", env.Event)
	}
	var se protocol.BlockSaveError
	decodeData(t, env, &se)
	if se.Message != errDB.Error() {
		t.Fatalf("message=%q", se.Message)
	}
	wantNoFrames(t, b)
}

func TestRemove_EpsilonMatch(t *testing.T) {
	store := &fakeStore{}
	h := newTestHub(t, store)
	a := attachConn(h, "A")
	b := attachConn(h, "B")
	h.Prime([]protocol.Block{
		{X: 1, Y: 2, Z: 3, Type: 5},
		{X: 1, Y: 2, Z: 3, Type: 5},
	}, nil)

	target := protocol.BlockTarget{X: 1.0004, Y: 2, Z: 3}
	h.handleRemove("A", target)
	runPending(h)

	if len(h.blocks) != 1 {
		t.Fatalf("blocks left=%d want 1 (remove exactly one match)", len(h.blocks))
	}
	if len(store.deleted) != 1 || store.deleted[0] != target {
		t.Fatalf("store deletes=%+v", store.deleted)
	}

	env := recvEvent(t, b)
	if env.Event != protocol.EventBlockRemoved {
		t.Fatalf("event=%q want blockRemoved", env.Event)
	}
	var got protocol.BlockTarget
	decodeData(t, env, &got)
	if got != target {
		t.Fatalf("blockRemoved=%+v want the requested, unrounded coordinates", got)
	}
	wantNoFrames(t, a)
}

func TestRemove_ToleranceBoundary(t *testing.T) {
	h := newTestHub(t, &fakeStore{})
	h.Prime([]protocol.Block{{X: 1, Y: 2, Z: 3, Type: 5}}, nil)

	// 0.002 off on one axis: outside epsilon, nothing removed.
	if h.removeBlockNear(protocol.BlockTarget{X: 1.002, Y: 2, Z: 3}) {
		t.Fatalf("matched outside tolerance")
	}
	if !h.removeBlockNear(protocol.BlockTarget{X: 1.0009, Y: 2.0009, Z: 2.9991}) {
		t.Fatalf("per-axis tolerance should match")
	}
}

func TestRemove_NoMatchStillBroadcasts(t *testing.T) {
	h := newTestHub(t, &fakeStore{})
	b := attachConn(h, "B")

	h.handleRemove("A", protocol.BlockTarget{X: 9, Y: 9, Z: 9})
	runPending(h)

	if env := recvEvent(t, b); env.Event != protocol.EventBlockRemoved {
		t.Fatalf("event=%q want blockRemoved", env.Event)
	}
}

func TestRemove_DeleteFailureSilent(t *testing.T) {
	h := newTestHub(t, &fakeStore{failDelete: errDB})
	a := attachConn(h, "A")
	b := attachConn(h, "B")
	h.Prime([]protocol.Block{{X: 1, Y: 2, Z: 3, Type: 5}}, nil)

	h.handleRemove("A", protocol.BlockTarget{X: 1, Y: 2, Z: 3})
	runPending(h)

	if len(h.blocks) != 1 {
		t.Fatalf("in-memory store mutated on delete failure")
	}
	wantNoFrames(t, a)
	wantNoFrames(t, b)
}

func TestChat_RingAndBroadcast(t *testing.T) {
	store := &fakeStore{}
	h := newTestHub(t, store)
	a := attachConn(h, "A")
	b := attachConn(h, "B")

	for i := 0; i < 12; i++ {
		h.handleChat("A", protocol.ChatPost{Text: "m", Author: "Alice"})
		drain(a)
		drain(b)
	}

	h.handleChat("A", protocol.ChatPost{Text: "last"})
	envA := recvEvent(t, a)
	envB := recvEvent(t, b)
	if envA.Event != protocol.EventChatUpdate || envB.Event != protocol.EventChatUpdate {
		t.Fatalf("events=%q/%q want chatUpdate to all including sender", envA.Event, envB.Event)
	}

	var msgs []protocol.ChatMessage
	decodeData(t, envA, &msgs)
	if len(msgs) != 10 {
		t.Fatalf("board size=%d want 10", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].ID <= msgs[i-1].ID {
			t.Fatalf("ids not strictly increasing: %d then %d", msgs[i-1].ID, msgs[i].ID)
		}
	}
	last := msgs[len(msgs)-1]
	if last.Text != "last" || last.Author != "Anonymous" {
		t.Fatalf("last message=%+v (empty author must default to Anonymous)", last)
	}
	if len(store.msgs) != 13 {
		t.Fatalf("persisted=%d want 13 (eviction never truncates durable history)", len(store.msgs))
	}
}

func TestChat_MonotonicIDsWithFrozenClock(t *testing.T) {
	h := newTestHub(t, &fakeStore{})
	now := time.UnixMilli(1_700_000_000_000)
	h.now = func() time.Time { return now }

	a := h.nextMessageID()
	b := h.nextMessageID()
	c := h.nextMessageID()
	if a != 1_700_000_000_000 || b != a+1 || c != b+1 {
		t.Fatalf("ids=%d,%d,%d", a, b, c)
	}
}

func TestChat_PersistFailureKeepsBoard(t *testing.T) {
	h := newTestHub(t, &fakeStore{failMsg: errDB})
	a := attachConn(h, "A")

	h.handleChat("A", protocol.ChatPost{Text: "hello"})

	if env := recvEvent(t, a); env.Event != protocol.EventChatUpdate {
		t.Fatalf("event=%q want chatUpdate despite persist failure", env.Event)
	}
	if got := len(h.board.snapshot()); got != 1 {
		t.Fatalf("board size=%d want 1", got)
	}
}

func TestPing_PongToRequesterOnly(t *testing.T) {
	h := newTestHub(t, &fakeStore{})
	a := attachConn(h, "A")
	b := attachConn(h, "B")

	h.handleEvent(EventEnvelope{ConnID: "A", Event: protocol.EventPing})

	env := recvEvent(t, a)
	if env.Event != protocol.EventPong {
		t.Fatalf("event=%q want pong", env.Event)
	}
	if len(env.Data) != 0 {
		t.Fatalf("pong carries no payload, got %s", env.Data)
	}
	wantNoFrames(t, b)
}

func TestDetach_Idempotent(t *testing.T) {
	h := newTestHub(t, &fakeStore{})
	attachConn(h, "A")
	b := attachConn(h, "B")
	join(t, h, "A", "Alice")
	drain(b)

	h.handleDetach("A")
	h.handleDetach("A")

	if _, ok := h.players["A"]; ok {
		t.Fatalf("player still registered after detach")
	}
	env := recvEvent(t, b)
	if env.Event != protocol.EventPlayerDisconnected {
		t.Fatalf("event=%q want playerDisconnected", env.Event)
	}
	var pd protocol.PlayerDisconnected
	decodeData(t, env, &pd)
	if pd.ID != "A" {
		t.Fatalf("playerDisconnected=%+v", pd)
	}
	wantNoFrames(t, b)
}

func TestHandleEvent_MalformedPayloadDropped(t *testing.T) {
	h := newTestHub(t, &fakeStore{})
	a := attachConn(h, "A")

	h.handleEvent(EventEnvelope{ConnID: "A", Event: protocol.EventJoinGame, Data: []byte(`{"name":`)})
	wantNoFrames(t, a)
	if len(h.players) != 0 {
		t.Fatalf("registry mutated by malformed join")
	}
}

func drain(ch chan []byte) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

var errDB = errTest("db unavailable")

type errTest string

func (e errTest) Error() string { return string(e) }
