package hub

import (
	"encoding/json"
	"math"

	"voxellobby.io/internal/protocol"
)

func (h *Hub) handleAttach(req AttachRequest) {
	if req.ConnID == "" || req.Out == nil {
		return
	}
	h.conns[req.ConnID] = req.Out
}

// handleDetach is idempotent: a second detach for the same connection finds
// nothing in the set and does not broadcast again.
func (h *Hub) handleDetach(connID string) {
	if _, ok := h.conns[connID]; !ok {
		return
	}
	delete(h.conns, connID)
	delete(h.players, connID)
	h.broadcast("", protocol.EventPlayerDisconnected, protocol.PlayerDisconnected{ID: connID})
}

func (h *Hub) handleEvent(env EventEnvelope) {
	switch env.Event {
	case protocol.EventJoinGame:
		var m protocol.JoinGame
		if !h.decode(env, &m) {
			return
		}
		h.handleJoin(env.ConnID, m.Name)
	case protocol.EventPlayerMove:
		var m protocol.PlayerMove
		if !h.decode(env, &m) {
			return
		}
		h.handleMove(env.ConnID, m)
	case protocol.EventBlockPlace:
		var m protocol.Block
		if !h.decode(env, &m) {
			return
		}
		h.handlePlace(env.ConnID, m)
	case protocol.EventBlockRemove:
		var m protocol.BlockTarget
		if !h.decode(env, &m) {
			return
		}
		h.handleRemove(env.ConnID, m)
	case protocol.EventChatMessage:
		var m protocol.ChatPost
		if !h.decode(env, &m) {
			return
		}
		h.handleChat(env.ConnID, m)
	case protocol.EventPing:
		h.send(env.ConnID, protocol.EventPong, nil)
	default:
		h.log.Printf("drop unknown event %q from %s", env.Event, env.ConnID)
	}
}

func (h *Hub) decode(env EventEnvelope, v any) bool {
	if err := json.Unmarshal(env.Data, v); err != nil {
		h.log.Printf("drop malformed %s from %s: %v", env.Event, env.ConnID, err)
		return false
	}
	return true
}

// handleJoin registers the player under its connection id after an exact,
// case-sensitive name-uniqueness check. Nothing mutates before that check
// passes.
func (h *Hub) handleJoin(connID, name string) {
	for _, p := range h.players {
		if p.Name == name {
			h.send(connID, protocol.EventJoinError, protocol.JoinError{Message: "Name is already taken"})
			return
		}
	}

	p := &Player{Name: name}
	h.players[connID] = p

	h.send(connID, protocol.EventJoinSuccess, playerInfo(connID, p))

	others := make(map[string]protocol.PlayerInfo, len(h.players)-1)
	for id, q := range h.players {
		if id == connID {
			continue
		}
		others[id] = playerInfo(id, q)
	}
	h.send(connID, protocol.EventCurrentPlayers, others)

	// World state comes from the in-memory cache, not a store read.
	blocks := make([]protocol.Block, len(h.blocks))
	copy(blocks, h.blocks)
	h.send(connID, protocol.EventInitialBlocks, blocks)
	h.send(connID, protocol.EventChatUpdate, h.board.snapshot())

	h.broadcast(connID, protocol.EventNewPlayer, playerInfo(connID, p))
}

// handleMove is a pure relay: any value the client sends replaces the stored
// record verbatim. Moves from connections that never joined are dropped.
func (h *Hub) handleMove(connID string, m protocol.PlayerMove) {
	p, ok := h.players[connID]
	if !ok {
		return
	}
	p.X, p.Y, p.Z, p.Rotation = m.X, m.Y, m.Z, m.Rotation
	h.broadcast(connID, protocol.EventPlayerMoved, protocol.PlayerMoved{
		ID: connID, X: m.X, Y: m.Y, Z: m.Z, Rotation: m.Rotation,
	})
}

// handlePlace is write-through: the in-memory store and the broadcast wait for
// the durable insert. On failure the cache stays consistent with the store and
// only the placer hears about it.
func (h *Hub) handlePlace(connID string, b protocol.Block) {
	h.cfg.Store.InsertBlock(b, func(err error) {
		h.enqueue(func() {
			if err != nil {
				h.log.Printf("save block (%g,%g,%g): %v", b.X, b.Y, b.Z, err)
				h.send(connID, protocol.EventBlockSaveError, protocol.BlockSaveError{Message: err.Error()})
				return
			}
			h.blocks = append(h.blocks, b)
			h.broadcast(connID, protocol.EventBlockPlaced, b)
			h.send(connID, protocol.EventBlockSaveSuccess, protocol.BlockTarget{X: b.X, Y: b.Y, Z: b.Z})
		})
	})
}

// handleRemove deletes by exact coordinates in the store, then drops the first
// in-memory block within Epsilon per axis. The broadcast carries the requested
// coordinates, not the matched ones, and delete failures reach the log only.
func (h *Hub) handleRemove(connID string, t protocol.BlockTarget) {
	h.cfg.Store.DeleteBlock(t, func(err error) {
		h.enqueue(func() {
			if err != nil {
				h.log.Printf("remove block (%g,%g,%g): %v", t.X, t.Y, t.Z, err)
				return
			}
			h.removeBlockNear(t)
			h.broadcast(connID, protocol.EventBlockRemoved, t)
		})
	})
}

// removeBlockNear removes the first stored block within Epsilon of the target
// on all three axes. Missing matches are a silent no-op.
func (h *Hub) removeBlockNear(t protocol.BlockTarget) bool {
	for i, b := range h.blocks {
		if math.Abs(b.X-t.X) < Epsilon && math.Abs(b.Y-t.Y) < Epsilon && math.Abs(b.Z-t.Z) < Epsilon {
			h.blocks = append(h.blocks[:i], h.blocks[i+1:]...)
			return true
		}
	}
	return false
}

// handleChat appends to the board, fans the whole board out to everyone
// including the sender, then persists fire-and-forget. A failed persist never
// rolls back the board or un-sends the broadcast.
func (h *Hub) handleChat(connID string, post protocol.ChatPost) {
	author := post.Author
	if author == "" {
		author = "Anonymous"
	}
	m := protocol.ChatMessage{
		ID:        h.nextMessageID(),
		Text:      post.Text,
		Author:    author,
		Timestamp: h.now().UnixMilli(),
	}
	h.board.push(m)
	h.broadcast("", protocol.EventChatUpdate, h.board.snapshot())
	h.cfg.Store.InsertMessage(m, func(err error) {
		if err != nil {
			h.log.Printf("persist chat message %d: %v", m.ID, err)
		}
	})
}

func playerInfo(id string, p *Player) protocol.PlayerInfo {
	return protocol.PlayerInfo{
		ID:       id,
		Name:     p.Name,
		X:        p.X,
		Y:        p.Y,
		Z:        p.Z,
		Rotation: p.Rotation,
	}
}
