package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/authflow"
	"github.com/MrEthical07/authflow/session"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ authflow.SessionStore = (*Store)(nil)

const selectColumns = `user_id, generation, claims, schema_version, created_at, expires_at`

// Store keeps sessions in the authflow_sessions table.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// New returns a Store using pool. The schema must already be applied.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// Open connects to dsn and pings the server.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", session.ErrUnavailable, err)
	}
	return pool, nil
}

// Save inserts or replaces sess.
func (s *Store) Save(ctx context.Context, sess *session.Session) error {
	if sess.ExpiresAt <= s.now().Unix() {
		return session.ErrExpired
	}

	_, err := s.pool.Exec(ctx, `
INSERT INTO authflow_sessions (session_id, user_id, generation, claims, schema_version, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (session_id) DO UPDATE SET
    user_id = EXCLUDED.user_id,
    generation = EXCLUDED.generation,
    claims = EXCLUDED.claims,
    schema_version = EXCLUDED.schema_version,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at`,
		sess.SessionID, sess.UserID, int64(sess.Generation), sess.Claims,
		int16(session.CurrentSchemaVersion), sess.CreatedAt, sess.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", session.ErrUnavailable, err)
	}
	return nil
}

// Get returns a live session. Expired rows read as not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*session.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM authflow_sessions WHERE session_id = $1`, sessionID)
	sess, err := scanSession(row, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Expired(s.now()) {
		if err := s.Delete(ctx, sessionID); err != nil {
			return nil, err
		}
		return nil, session.ErrNotFound
	}
	return sess, nil
}

// Rotate checks req.Expected against the stored generation under the row
// lock and advances it when req.Advance is set. A stale generation deletes
// the session and returns [session.ErrGenerationMismatch].
func (s *Store) Rotate(ctx context.Context, sessionID string, req session.RotateRequest) (*session.Session, error) {
	if req.Now.IsZero() {
		req.Now = s.now()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+selectColumns+` FROM authflow_sessions WHERE session_id = $1 FOR UPDATE`, sessionID)
	sess, err := scanSession(row, sessionID)
	if err != nil {
		return nil, err
	}

	var outcome error
	switch {
	case sess.Expired(req.Now):
		outcome = session.ErrExpired
	case sess.Generation != req.Expected:
		outcome = session.ErrGenerationMismatch
	case !req.Advance:
		return sess, nil
	}

	if outcome == nil {
		next := req.NextExpiry(sess.CreatedAt)
		if next <= req.Now.Unix() {
			outcome = session.ErrExpired
		} else {
			_, err := tx.Exec(ctx,
				`UPDATE authflow_sessions SET generation = $2, expires_at = $3 WHERE session_id = $1`,
				sessionID, int64(sess.Generation+1), next,
			)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", session.ErrUnavailable, err)
			}
			sess.Generation++
			sess.ExpiresAt = next
		}
	}

	if outcome != nil {
		if _, err := tx.Exec(ctx, `DELETE FROM authflow_sessions WHERE session_id = $1`, sessionID); err != nil {
			return nil, fmt.Errorf("%w: %v", session.ErrUnavailable, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrUnavailable, err)
	}
	if outcome != nil {
		return nil, outcome
	}
	return sess, nil
}

// Delete removes a session. Deleting a missing session is not an error.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM authflow_sessions WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("%w: %v", session.ErrUnavailable, err)
	}
	return nil
}

// DeleteAllForUser removes every session of userID in one statement.
func (s *Store) DeleteAllForUser(ctx context.Context, userID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM authflow_sessions WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("%w: %v", session.ErrUnavailable, err)
	}
	return nil
}

// ActiveSessionIDs returns the IDs of userID's unexpired sessions.
func (s *Store) ActiveSessionIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT session_id FROM authflow_sessions WHERE user_id = $1 AND expires_at > $2`,
		userID, s.now().Unix())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrUnavailable, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrUnavailable, err)
	}
	return ids, nil
}

// Ping checks the pool and reports the round trip.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.pool.Ping(ctx); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", session.ErrUnavailable, err)
	}
	return time.Since(start), nil
}

// Purge deletes rows past their refresh expiry and reports how many.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM authflow_sessions WHERE expires_at <= $1`, s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", session.ErrUnavailable, err)
	}
	return tag.RowsAffected(), nil
}

func scanSession(row pgx.Row, sessionID string) (*session.Session, error) {
	var (
		sess    = &session.Session{SessionID: sessionID}
		gen     int64
		version int16
	)
	err := row.Scan(&sess.UserID, &gen, &sess.Claims, &version, &sess.CreatedAt, &sess.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, session.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", session.ErrUnavailable, err)
	}
	sess.Generation = uint64(gen)
	sess.SchemaVersion = uint8(version)
	return sess, nil
}
