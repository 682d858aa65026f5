package worlddb

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	_ "modernc.org/sqlite"

	"voxellobby.io/internal/protocol"
)

var ErrClosed = errors.New("worlddb: store closed")

// Store is the durable side of the world: block rows and chat message rows.
// All writes go through a single writer goroutine so the hub never blocks on
// sqlite; completion callbacks fire on that goroutine once the row is durable.
type Store struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

type reqKind int

const (
	reqInsertBlock reqKind = iota + 1
	reqDeleteBlock
	reqInsertMessage
)

type req struct {
	kind reqKind

	block  protocol.Block
	target protocol.BlockTarget
	msg    protocol.ChatMessage

	done func(error)
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := InitSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db: db,
		// Placement/chat bursts queue here instead of stalling the hub loop.
		ch: make(chan req, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-style write path; NORMAL is enough durability for
	// a world that is also held in memory.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

// InitSchema creates the two world tables. Exported for cmd/admin init.
func InitSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS blocks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			x REAL NOT NULL,
			y REAL NOT NULL,
			z REAL NOT NULL,
			type INTEGER NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_blocks_pos ON blocks(x, y, z);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY,
			text TEXT NOT NULL,
			author TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// InsertBlock appends a block row. done fires with the insert result once the
// writer goroutine has executed it; the row's created_at is assigned by the
// store.
func (s *Store) InsertBlock(b protocol.Block, done func(error)) {
	s.submit(req{kind: reqInsertBlock, block: b, done: done})
}

// DeleteBlock removes rows matching the exact coordinates. Zero affected rows
// is not an error.
func (s *Store) DeleteBlock(t protocol.BlockTarget, done func(error)) {
	s.submit(req{kind: reqDeleteBlock, target: t, done: done})
}

// InsertMessage persists a chat message under its hub-assigned id and
// timestamp. The table keeps full history; board eviction never deletes rows.
func (s *Store) InsertMessage(m protocol.ChatMessage, done func(error)) {
	s.submit(req{kind: reqInsertMessage, msg: m, done: done})
}

func (s *Store) submit(r req) {
	if s == nil || s.closed.Load() {
		if r.done != nil {
			r.done(ErrClosed)
		}
		return
	}
	select {
	case s.ch <- r:
	default:
		// A full queue is a write failure, not a stall.
		if r.done != nil {
			r.done(errors.New("worlddb: write queue full"))
		}
	}
}

// LoadBlocks reads every block row, oldest first. Called once at startup to
// prime the in-memory world store.
func (s *Store) LoadBlocks() ([]protocol.Block, error) {
	rows, err := s.db.Query(`SELECT x, y, z, type FROM blocks ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []protocol.Block
	for rows.Next() {
		var b protocol.Block
		if err := rows.Scan(&b.X, &b.Y, &b.Z, &b.Type); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// LoadMessages reads the newest limit messages, returned oldest-to-newest.
func (s *Store) LoadMessages(limit int) ([]protocol.ChatMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(`SELECT id, text, author, created_at FROM messages ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []protocol.ChatMessage
	for rows.Next() {
		var m protocol.ChatMessage
		if err := rows.Scan(&m.ID, &m.Text, &m.Author, &m.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) loop() {
	insertBlock, _ := s.db.Prepare(`INSERT INTO blocks(x, y, z, type) VALUES(?, ?, ?, ?)`)
	deleteBlock, _ := s.db.Prepare(`DELETE FROM blocks WHERE x = ? AND y = ? AND z = ?`)
	insertMessage, _ := s.db.Prepare(`INSERT OR REPLACE INTO messages(id, text, author, created_at) VALUES(?, ?, ?, ?)`)
	defer func() {
		if insertBlock != nil {
			_ = insertBlock.Close()
		}
		if deleteBlock != nil {
			_ = deleteBlock.Close()
		}
		if insertMessage != nil {
			_ = insertMessage.Close()
		}
	}()

	for r := range s.ch {
		var err error
		switch r.kind {
		case reqInsertBlock:
			if insertBlock == nil {
				err = errors.New("worlddb: insert statement unavailable")
				break
			}
			_, err = insertBlock.Exec(r.block.X, r.block.Y, r.block.Z, r.block.Type)
		case reqDeleteBlock:
			if deleteBlock == nil {
				err = errors.New("worlddb: delete statement unavailable")
				break
			}
			_, err = deleteBlock.Exec(r.target.X, r.target.Y, r.target.Z)
		case reqInsertMessage:
			if insertMessage == nil {
				err = errors.New("worlddb: insert statement unavailable")
				break
			}
			_, err = insertMessage.Exec(r.msg.ID, r.msg.Text, r.msg.Author, r.msg.Timestamp)
		}
		if r.done != nil {
			r.done(err)
		}
	}
}
