package hub

import "voxellobby.io/internal/protocol"

// board is the bounded in-memory chat history, oldest first. Eviction is
// memory-only; durable history keeps everything.
type board struct {
	cap  int
	msgs []protocol.ChatMessage
}

func newBoard(cap int) *board {
	return &board{cap: cap}
}

func (b *board) push(m protocol.ChatMessage) {
	b.msgs = append(b.msgs, m)
	if len(b.msgs) > b.cap {
		b.msgs = append(b.msgs[:0], b.msgs[1:]...)
	}
}

func (b *board) snapshot() []protocol.ChatMessage {
	out := make([]protocol.ChatMessage, len(b.msgs))
	copy(out, b.msgs)
	return out
}
