package db

import "github.com/jmoiron/sqlx"

// Pool splits database access into a writer and a reader handle.
//
// On SQLite the writer is a single WAL-mode connection, so appends to
// the event log serialize through it while snapshot and page reads run
// on the reader pool. On Postgres the split is nominal: both handles
// wrap the same pgx pool.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool combines a writer and a reader handle into a Pool.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the handle for inserts, updates and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the handle for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both handles, tolerating the Postgres case where they
// are the same object.
func (p *Pool) Close() error {
	err := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && err == nil {
			err = rErr
		}
	}
	return err
}
