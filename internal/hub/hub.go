package hub

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"voxellobby.io/internal/persistence/journal"
	"voxellobby.io/internal/protocol"
)

// Epsilon is the per-axis tolerance for matching a stored block against
// removal coordinates. Applied independently per axis, not as a distance.
const Epsilon = 0.001

// DefaultBoardCap is how many chat messages the in-memory board retains.
const DefaultBoardCap = 10

// Gateway is the durable side of the hub. Writes are asynchronous: done fires
// on the store's goroutine once the operation has been executed, and may be
// called synchronously when the store rejects the request outright.
type Gateway interface {
	InsertBlock(b protocol.Block, done func(error))
	DeleteBlock(t protocol.BlockTarget, done func(error))
	InsertMessage(m protocol.ChatMessage, done func(error))
}

// Journal receives one entry per fan-out. Optional; failures are logged only.
type Journal interface {
	Write(e journal.Entry) error
}

// Player is the hub-owned state for one joined connection.
type Player struct {
	Name     string
	X        float64
	Y        float64
	Z        float64
	Rotation float64
}

// AttachRequest registers a connection with the hub. Out is the connection's
// write queue; sends to it never block (slow consumers drop frames).
type AttachRequest struct {
	ConnID string
	Out    chan []byte
}

// EventEnvelope is one inbound client event routed to the hub loop.
type EventEnvelope struct {
	ConnID string
	Event  string
	Data   []byte
}

type Config struct {
	Store    Gateway
	Journal  Journal
	BoardCap int
	Log      *log.Logger
}

// Hub owns the player registry, the in-memory world store, the message board,
// and the connection set. All of them are touched only from the Run goroutine;
// persistence completions re-enter it via the resume channel, so a slow store
// call delays only the placement or removal that issued it.
type Hub struct {
	cfg Config
	log *log.Logger

	players map[string]*Player
	blocks  []protocol.Block
	board   *board
	conns   map[string]chan []byte

	lastMsgID int64

	attach chan AttachRequest
	detach chan string
	inbox  chan EventEnvelope
	resume chan func()

	stop     chan struct{}
	stopOnce sync.Once

	now func() time.Time
}

func New(cfg Config) (*Hub, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("hub: nil store")
	}
	if cfg.Log == nil {
		return nil, fmt.Errorf("hub: nil logger")
	}
	if cfg.BoardCap <= 0 {
		cfg.BoardCap = DefaultBoardCap
	}
	return &Hub{
		cfg:     cfg,
		log:     cfg.Log,
		players: make(map[string]*Player),
		board:   newBoard(cfg.BoardCap),
		conns:   make(map[string]chan []byte),
		attach:  make(chan AttachRequest, 16),
		detach:  make(chan string, 16),
		inbox:   make(chan EventEnvelope, 256),
		resume:  make(chan func(), 256),
		stop:    make(chan struct{}),
		now:     time.Now,
	}, nil
}

// Prime seeds the in-memory caches from durable storage. Must be called
// before Run.
func (h *Hub) Prime(blocks []protocol.Block, msgs []protocol.ChatMessage) {
	h.blocks = append(h.blocks[:0], blocks...)
	for _, m := range msgs {
		h.board.push(m)
		if m.ID > h.lastMsgID {
			h.lastMsgID = m.ID
		}
	}
}

func (h *Hub) Attach() chan<- AttachRequest { return h.attach }
func (h *Hub) Detach() chan<- string        { return h.detach }
func (h *Hub) Inbox() chan<- EventEnvelope  { return h.inbox }

func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.stop:
			return nil
		case req := <-h.attach:
			h.handleAttach(req)
		case id := <-h.detach:
			h.handleDetach(id)
		case env := <-h.inbox:
			h.handleEvent(env)
		case fn := <-h.resume:
			fn()
		}
	}
}

func (h *Hub) Stop() { h.stopOnce.Do(func() { close(h.stop) }) }

// enqueue schedules fn on the hub loop. Called from store goroutines; blocks
// until the loop drains it rather than dropping a continuation.
func (h *Hub) enqueue(fn func()) {
	select {
	case h.resume <- fn:
	case <-h.stop:
	}
}

// send delivers one event to a single connection, best effort.
func (h *Hub) send(connID, event string, payload any) {
	out, ok := h.conns[connID]
	if !ok {
		return
	}
	b, err := protocol.Encode(event, payload)
	if err != nil {
		h.log.Printf("encode %s: %v", event, err)
		return
	}
	deliver(out, b)
}

// broadcast fans an event out to every connection except the one named. The
// connection set is only mutated on the loop goroutine, so iteration here sees
// exactly the connections present at broadcast start.
func (h *Hub) broadcast(except, event string, payload any) {
	b, err := protocol.Encode(event, payload)
	if err != nil {
		h.log.Printf("encode %s: %v", event, err)
		return
	}
	for id, out := range h.conns {
		if id == except {
			continue
		}
		deliver(out, b)
	}
	h.journal(event, except, b)
}

func (h *Hub) journal(event, connID string, frame []byte) {
	if h.cfg.Journal == nil {
		return
	}
	e := journal.Entry{
		At:     h.now().UTC().Format(time.RFC3339Nano),
		Event:  event,
		ConnID: connID,
		Data:   frame,
	}
	if err := h.cfg.Journal.Write(e); err != nil {
		h.log.Printf("journal %s: %v", event, err)
	}
}

func deliver(out chan []byte, b []byte) {
	select {
	case out <- b:
	default:
		// Best-effort delivery; a stalled connection loses frames instead of
		// stalling the hub.
	}
}

func (h *Hub) nextMessageID() int64 {
	id := h.now().UnixMilli()
	if id <= h.lastMsgID {
		id = h.lastMsgID + 1
	}
	h.lastMsgID = id
	return id
}
