// Package store persists the append-only conversation log and its
// supporting tables: conversations, events, attachments, turn claims, and
// idempotency records.
//
// Appends are serialized per conversation. A global autoincrement column
// assigns seq, so seq is unique and strictly increasing across all
// conversations; (conversation, turn, event) is the stable address of an
// event within its log.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/confab/confab/internal/common/logger"
	"github.com/confab/confab/internal/db"
)

// Store is the conversation repository backed by SQLite or Postgres.
type Store struct {
	db  *sqlx.DB // writer: all INSERT/UPDATE/DELETE and transactions
	ro  *sqlx.DB // reader: concurrent SELECT pool
	log *logger.Logger

	// convLocks serializes appends per conversation so head state cannot
	// change between the read and the insert.
	convLocks sync.Map // int64 -> *sync.Mutex
}

// New creates a Store on the given pool and initializes the schema.
func New(pool *db.Pool, log *logger.Logger) (*Store, error) {
	s := &Store{
		db:  pool.Writer(),
		ro:  pool.Reader(),
		log: log,
	}
	if err := s.initSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("init conversation schema: %w", err)
	}
	return s, nil
}

// lockConversation acquires the append lock for a conversation. The returned
// function releases it.
func (s *Store) lockConversation(conversation int64) func() {
	muAny, _ := s.convLocks.LoadOrStore(conversation, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *Store) driver() string {
	return s.db.DriverName()
}
