// Package store provides SQLite-backed persistence for nostr events.
//
// Events live in two tables: events keyed by id, and a tags index holding
// one row per single-letter tag so filters like #e/#p compile to an index
// join. Replaceable and addressable kinds are evicted on insert so at most
// one event per replacement key survives.
package store

import (
	"database/sql"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/teranos/beacon/errors"
)

// InsertResult describes the business outcome of an insert. A storage-engine
// failure is reported through the error return instead, and callers must
// treat the two differently: an error is fatal to the request, a Rejected
// result is a normal outcome.
type InsertResult int

const (
	// Accepted means the event is durably stored and should be broadcast.
	Accepted InsertResult = iota
	// Duplicate means the event was already present (or is ephemeral and
	// was never persisted). Not an error, but nothing new to broadcast.
	Duplicate
	// Rejected means the event was written but lost the replacement
	// tie-break inside the same transaction and is not effectively stored.
	Rejected
)

func (r InsertResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// InsertOptions tweak insert semantics for collaborators like bulk importers.
type InsertOptions struct {
	// PreserveEphemeral persists ephemeral-kind events instead of
	// short-circuiting them.
	PreserveEphemeral bool
	// PreserveReplaceable skips replacement eviction.
	PreserveReplaceable bool
}

// Store implements the event store over a SQLite database.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger

	listenerMu sync.RWMutex
	inserted   []func(nostr.Event)
	removed    []func(string)
}

// New creates a Store on an already-opened database. The schema is expected
// to be in place (db.Migrate).
func New(sqldb *sql.DB, logger *zap.SugaredLogger) *Store {
	return &Store{
		db:     sqldb,
		logger: logger,
	}
}

// OnInserted registers a listener fired after each durable insert commits,
// including inserts performed by other writers sharing the database handle.
func (s *Store) OnInserted(fn func(nostr.Event)) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.inserted = append(s.inserted, fn)
}

// OnRemoved registers a listener fired once per id actually deleted.
func (s *Store) OnRemoved(fn func(string)) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.removed = append(s.removed, fn)
}

func (s *Store) notifyInserted(event nostr.Event) {
	s.listenerMu.RLock()
	listeners := make([]func(nostr.Event), len(s.inserted))
	copy(listeners, s.inserted)
	s.listenerMu.RUnlock()

	for _, fn := range listeners {
		fn(event)
	}
}

func (s *Store) notifyRemoved(id string) {
	s.listenerMu.RLock()
	listeners := make([]func(string), len(s.removed))
	copy(listeners, s.removed)
	s.listenerMu.RUnlock()

	for _, fn := range listeners {
		fn(id)
	}
}

// Insert persists an event. Ephemeral kinds are not stored and report
// Duplicate, matching how the relay treats already-present events: no
// broadcast, OK reply. Duplicate ids are a no-op. A genuine insert writes the
// row and its tag-index entries and runs replacement eviction in one
// transaction; if the new event itself loses the eviction tie-break the
// result is Rejected even though the transaction committed.
func (s *Store) Insert(event *nostr.Event, opts InsertOptions) (InsertResult, error) {
	if !opts.PreserveEphemeral && nostr.IsEphemeralKind(event.Kind) {
		return Duplicate, nil
	}

	tagsJSON, err := json.Marshal(event.Tags)
	if err != nil {
		return Rejected, errors.Wrap(err, "marshal tags")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Rejected, errors.Wrap(err, "begin insert tx")
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT OR IGNORE INTO events (id, created_at, pubkey, sig, kind, content, tags)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		int64(event.CreatedAt),
		event.PubKey,
		event.Sig,
		event.Kind,
		event.Content,
		string(tagsJSON),
	)
	if err != nil {
		return Rejected, errors.Wrap(err, "insert event")
	}

	changes, err := res.RowsAffected()
	if err != nil {
		return Rejected, errors.Wrap(err, "rows affected")
	}
	if changes == 0 {
		if err := tx.Commit(); err != nil {
			return Rejected, errors.Wrap(err, "commit duplicate insert")
		}
		return Duplicate, nil
	}

	// Index single-letter tags
	for _, tag := range event.Tags {
		if len(tag) == 0 || len(tag[0]) != 1 {
			continue
		}
		value := ""
		if len(tag) > 1 {
			value = tag[1]
		}
		if _, err := tx.Exec(
			`INSERT INTO tags (e, t, v) VALUES (?, ?, ?)`,
			event.ID, tag[0], value,
		); err != nil {
			return Rejected, errors.Wrap(err, "index tag")
		}
	}

	result := Accepted
	if !opts.PreserveReplaceable {
		lost, err := s.evictReplaced(tx, event)
		if err != nil {
			return Rejected, err
		}
		if lost {
			result = Rejected
		}
	}

	if err := tx.Commit(); err != nil {
		return Rejected, errors.Wrap(err, "commit insert")
	}

	if result == Accepted {
		if s.logger != nil {
			s.logger.Debugw("Event inserted",
				"event_id", event.ID,
				"kind", event.Kind,
			)
		}
		s.notifyInserted(*event)
	}

	return result, nil
}

// evictReplaced enforces at-most-one semantics for replaceable and
// addressable kinds. Candidates sharing the replacement key are ordered by
// created_at descending, ties broken by ascending id, and everything past
// the first is deleted. Returns true when the just-inserted event is among
// the deleted rows.
func (s *Store) evictReplaced(tx *sql.Tx, event *nostr.Event) (bool, error) {
	var (
		rows *sql.Rows
		err  error
	)

	switch {
	case nostr.IsReplaceableKind(event.Kind):
		rows, err = tx.Query(
			`SELECT DISTINCT events.id, events.created_at FROM events
			 WHERE kind = ? AND pubkey = ?`,
			event.Kind, event.PubKey,
		)
	case nostr.IsAddressableKind(event.Kind):
		d := event.Tags.GetD()
		if d == "" {
			// No d tag: treated as regular for replacement purposes
			return false, nil
		}
		rows, err = tx.Query(
			`SELECT DISTINCT events.id, events.created_at FROM events
			 INNER JOIN tags ON events.id = tags.e
			 WHERE kind = ? AND pubkey = ? AND tags.t = 'd' AND tags.v = ?`,
			event.Kind, event.PubKey, d,
		)
	default:
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "select replacement candidates")
	}
	defer rows.Close()

	type candidate struct {
		id        string
		createdAt int64
	}
	var existing []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.createdAt); err != nil {
			return false, errors.Wrap(err, "scan replacement candidate")
		}
		existing = append(existing, c)
	}
	if err := rows.Err(); err != nil {
		return false, errors.Wrap(err, "iterate replacement candidates")
	}

	if len(existing) <= 1 {
		return false, nil
	}

	// Newest first; on identical timestamps the lexically lowest id is the
	// canonical survivor
	sort.Slice(existing, func(i, j int) bool {
		if existing[i].createdAt == existing[j].createdAt {
			return existing[i].id < existing[j].id
		}
		return existing[i].createdAt > existing[j].createdAt
	})

	removeIDs := make([]string, 0, len(existing)-1)
	for _, c := range existing[1:] {
		removeIDs = append(removeIDs, c.id)
	}

	if err := deleteEvents(tx, removeIDs); err != nil {
		return false, err
	}

	for _, id := range removeIDs {
		if id == event.ID {
			return true, nil
		}
	}
	return false, nil
}

// deleteEvents removes events and their tag-index rows.
func deleteEvents(tx *sql.Tx, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	in := placeholders(len(ids))

	if _, err := tx.Exec(`DELETE FROM tags WHERE e IN `+in, args...); err != nil {
		return errors.Wrap(err, "delete tag index rows")
	}
	if _, err := tx.Exec(`DELETE FROM events WHERE id IN `+in, args...); err != nil {
		return errors.Wrap(err, "delete events")
	}
	return nil
}

// Remove deletes the given event ids and their tag-index rows in one
// transaction, returning how many events were actually deleted. One removal
// notification fires per id deleted.
func (s *Store) Remove(ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, errors.Wrap(err, "begin remove tx")
	}
	defer tx.Rollback()

	var deleted []string
	for _, id := range ids {
		if _, err := tx.Exec(`DELETE FROM tags WHERE e = ?`, id); err != nil {
			return 0, errors.Wrap(err, "delete tag index rows")
		}
		res, err := tx.Exec(`DELETE FROM events WHERE id = ?`, id)
		if err != nil {
			return 0, errors.Wrap(err, "delete event")
		}
		changes, err := res.RowsAffected()
		if err != nil {
			return 0, errors.Wrap(err, "rows affected")
		}
		if changes > 0 {
			deleted = append(deleted, id)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit remove")
	}

	for _, id := range deleted {
		s.notifyRemoved(id)
	}

	return len(deleted), nil
}

// placeholders builds a parenthesized parameter list: (?, ?, ?)
func placeholders(n int) string {
	if n == 0 {
		return "()"
	}
	return "(?" + strings.Repeat(", ?", n-1) + ")"
}
