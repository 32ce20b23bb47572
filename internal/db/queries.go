package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/hpungsan/notefeed/internal/config"
	"github.com/hpungsan/notefeed/internal/errors"
	"github.com/hpungsan/notefeed/internal/note"
	"github.com/hpungsan/notefeed/internal/relay"
)

// insertChunk bounds rows per multi-row INSERT to stay well under SQLite's variable limit.
const insertChunk = 100

// Store implements store.Store on a SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open initializes the database under baseDir and wraps it in a Store.
func Open(baseDir string, cfg *config.Config) (*Store, error) {
	sqlDB, err := Init(baseDir)
	if err != nil {
		return nil, err
	}
	ConfigurePool(sqlDB, cfg)
	return New(sqlDB), nil
}

// New wraps an already-initialized database.
func New(sqlDB *sql.DB) *Store {
	return &Store{db: sqlDB, now: time.Now}
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// SaveEvents stores events and indexes them under feedType.
func (s *Store) SaveEvents(ctx context.Context, feedType string, events []*nostr.Event) (int64, error) {
	valid := make([]*nostr.Event, 0, len(events))
	for _, ev := range events {
		if ev != nil && ev.ID != "" {
			valid = append(valid, ev)
		}
	}
	if len(valid) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	defer tx.Rollback()

	storedAt := s.now().Unix()
	var indexed int64
	for start := 0; start < len(valid); start += insertChunk {
		end := min(start+insertChunk, len(valid))
		chunk := valid[start:end]

		if err := insertEvents(ctx, tx, chunk, storedAt); err != nil {
			return 0, err
		}
		n, err := insertFeedEvents(ctx, tx, feedType, chunk)
		if err != nil {
			return 0, err
		}
		indexed += n
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.NewInternal(err)
	}
	return indexed, nil
}

func insertEvents(ctx context.Context, tx *sql.Tx, chunk []*nostr.Event, storedAt int64) error {
	var b strings.Builder
	b.WriteString(`INSERT INTO events (id, pubkey, created_at, kind, tags_json, content, sig, stored_at) VALUES `)

	args := make([]any, 0, len(chunk)*8)
	for i, ev := range chunk {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(?, ?, ?, ?, ?, ?, ?, ?)")

		tags := ev.Tags
		if tags == nil {
			tags = nostr.Tags{}
		}
		tagsJSON, err := json.Marshal(tags)
		if err != nil {
			return errors.NewInternal(err)
		}
		args = append(args, ev.ID, ev.PubKey, int64(ev.CreatedAt), ev.Kind, string(tagsJSON), ev.Content, ev.Sig, storedAt)
	}
	b.WriteString(` ON CONFLICT (id) DO NOTHING`)

	if _, err := tx.ExecContext(ctx, b.String(), args...); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

func insertFeedEvents(ctx context.Context, tx *sql.Tx, feedType string, chunk []*nostr.Event) (int64, error) {
	var b strings.Builder
	b.WriteString(`INSERT INTO feed_events (feed_type, event_id, created_at) VALUES `)

	args := make([]any, 0, len(chunk)*3)
	for i, ev := range chunk {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(?, ?, ?)")
		args = append(args, feedType, ev.ID, int64(ev.CreatedAt))
	}
	b.WriteString(` ON CONFLICT (feed_type, event_id) DO NOTHING`)

	res, err := tx.ExecContext(ctx, b.String(), args...)
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return n, nil
}

// EventsBefore returns up to limit events of feedType older than before, newest first.
func (s *Store) EventsBefore(ctx context.Context, feedType string, before nostr.Timestamp, limit int) ([]*nostr.Event, error) {
	if limit <= 0 {
		return []*nostr.Event{}, nil
	}

	query := `
		SELECT e.id, e.pubkey, e.created_at, e.kind, e.tags_json, e.content, e.sig
		FROM feed_events f
		JOIN events e ON e.id = f.event_id
		WHERE f.feed_type = ? AND f.created_at < ?
		ORDER BY f.created_at DESC, f.event_id ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, feedType, int64(before), limit)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	events := make([]*nostr.Event, 0, limit)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return events, nil
}

// EventByID returns a stored event.
func (s *Store) EventByID(ctx context.Context, id string) (*nostr.Event, error) {
	query := `
		SELECT id, pubkey, created_at, kind, tags_json, content, sig
		FROM events
		WHERE id = ?
	`
	ev, err := scanEvent(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound(id)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return ev, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*nostr.Event, error) {
	var (
		ev        nostr.Event
		createdAt int64
		tagsJSON  string
	)
	if err := row.Scan(&ev.ID, &ev.PubKey, &createdAt, &ev.Kind, &tagsJSON, &ev.Content, &ev.Sig); err != nil {
		return nil, err
	}
	ev.CreatedAt = nostr.Timestamp(createdAt)
	if err := json.Unmarshal([]byte(tagsJSON), &ev.Tags); err != nil {
		return nil, fmt.Errorf("decode tags of %s: %w", ev.ID, err)
	}
	return &ev, nil
}

// SaveProfile upserts p, keeping whichever profile is newer.
func (s *Store) SaveProfile(ctx context.Context, p note.Profile) error {
	query := `
		INSERT INTO profiles (pubkey, name, display_name, about, picture, nip05, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (pubkey) DO UPDATE SET
			name = excluded.name,
			display_name = excluded.display_name,
			about = excluded.about,
			picture = excluded.picture,
			nip05 = excluded.nip05,
			updated_at = excluded.updated_at
		WHERE excluded.updated_at > profiles.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		p.PubKey, toNullString(p.Name), toNullString(p.DisplayName), toNullString(p.About),
		toNullString(p.Picture), toNullString(p.NIP05), p.UpdatedAt,
	)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// Profile returns the stored profile of pubkey.
func (s *Store) Profile(ctx context.Context, pubkey string) (note.Profile, error) {
	query := `
		SELECT pubkey, name, display_name, about, picture, nip05, updated_at
		FROM profiles
		WHERE pubkey = ?
	`
	var (
		p                                        note.Profile
		name, displayName, about, picture, nip05 sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, pubkey).Scan(&p.PubKey, &name, &displayName, &about, &picture, &nip05, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return note.Profile{}, errors.NewNotFound(pubkey)
	}
	if err != nil {
		return note.Profile{}, errors.NewInternal(err)
	}
	p.Name = name.String
	p.DisplayName = displayName.String
	p.About = about.String
	p.Picture = picture.String
	p.NIP05 = nip05.String
	return p, nil
}

// SaveRelayStats upserts the given relay health snapshots.
func (s *Store) SaveRelayStats(ctx context.Context, stats []relay.Stats) error {
	if len(stats) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewInternal(err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO relay_stats (url, successes, failures, avg_latency_ns, consecutive_failures, backoff_until)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (url) DO UPDATE SET
			successes = excluded.successes,
			failures = excluded.failures,
			avg_latency_ns = excluded.avg_latency_ns,
			consecutive_failures = excluded.consecutive_failures,
			backoff_until = excluded.backoff_until
	`
	for _, st := range stats {
		var backoffUntil sql.NullInt64
		if !st.BackoffUntil.IsZero() {
			backoffUntil = sql.NullInt64{Int64: st.BackoffUntil.UnixMilli(), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, query,
			st.URL, st.Successes, st.Failures, int64(st.AvgLatency), st.ConsecutiveFailures, backoffUntil,
		); err != nil {
			return errors.NewInternal(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// RelayStats returns every persisted relay snapshot ordered by URL.
func (s *Store) RelayStats(ctx context.Context) ([]relay.Stats, error) {
	query := `
		SELECT url, successes, failures, avg_latency_ns, consecutive_failures, backoff_until
		FROM relay_stats
		ORDER BY url
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	stats := []relay.Stats{}
	for rows.Next() {
		var (
			st           relay.Stats
			latency      int64
			backoffUntil sql.NullInt64
		)
		if err := rows.Scan(&st.URL, &st.Successes, &st.Failures, &latency, &st.ConsecutiveFailures, &backoffUntil); err != nil {
			return nil, errors.NewInternal(err)
		}
		st.AvgLatency = time.Duration(latency)
		if backoffUntil.Valid {
			st.BackoffUntil = time.UnixMilli(backoffUntil.Int64)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return stats, nil
}

// MarkSeen records ids under feedType. Already-recorded ids keep their first timestamp.
func (s *Store) MarkSeen(ctx context.Context, feedType string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewInternal(err)
	}
	defer tx.Rollback()

	seenAt := s.now().Unix()
	for start := 0; start < len(ids); start += insertChunk {
		end := min(start+insertChunk, len(ids))

		var b strings.Builder
		b.WriteString(`INSERT INTO seen_ids (feed_type, event_id, seen_at) VALUES `)
		args := make([]any, 0, (end-start)*3)
		for i, id := range ids[start:end] {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString("(?, ?, ?)")
			args = append(args, feedType, id, seenAt)
		}
		b.WriteString(` ON CONFLICT (feed_type, event_id) DO NOTHING`)

		if _, err := tx.ExecContext(ctx, b.String(), args...); err != nil {
			return errors.NewInternal(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// SeenIDs returns every id recorded under feedType.
func (s *Store) SeenIDs(ctx context.Context, feedType string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT event_id FROM seen_ids WHERE feed_type = ? ORDER BY event_id`, feedType)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.NewInternal(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return ids, nil
}

// Prune deletes events created before olderThan together with their feed index rows,
// and seen ids recorded before it.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	cutoff := olderThan.Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM feed_events WHERE created_at < ?`, cutoff); err != nil {
		return 0, errors.NewInternal(err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM seen_ids WHERE seen_at < ?`, cutoff); err != nil {
		return 0, errors.NewInternal(err)
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.NewInternal(err)
	}
	return deleted, nil
}

// toNullString converts empty strings to NULL.
func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
