package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("document not found")
	ErrClosed   = errors.New("store closed")
)

// Store is a SQL-backed document store with live query subscriptions.
// Writes are serialized by the database; every committed write re-evaluates
// the registered subscriptions touching the same collection and pushes a
// full snapshot to each.
type Store struct {
	db     *sql.DB
	driver string
	logger *slog.Logger

	watchMu   sync.Mutex
	watches   map[uint64]*Subscription
	nextWatch uint64
	closed    bool

	timeMu     sync.Mutex
	lastTimeMs int64
}

// nextServerTime returns a strictly increasing millisecond timestamp, so
// that two writes landing in the same wall-clock millisecond still have a
// total order.
func (s *Store) nextServerTime() int64 {
	s.timeMu.Lock()
	defer s.timeMu.Unlock()
	now := time.Now().UnixMilli()
	if now <= s.lastTimeMs {
		now = s.lastTimeMs + 1
	}
	s.lastTimeMs = now
	return now
}

func Open(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	u, err := url.Parse(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}

	driverName, dsn, err := driverAndDSN(u, databaseURL)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}

	store := &Store{
		db:      db,
		driver:  driverName,
		logger:  logger,
		watches: make(map[uint64]*Subscription),
	}

	switch driverName {
	case "sqlite":
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ready(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := initSchema(pingCtx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	s.watchMu.Lock()
	s.closed = true
	subs := make([]*Subscription, 0, len(s.watches))
	for _, sub := range s.watches {
		subs = append(subs, sub)
	}
	s.watchMu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}

	return s.db.Close()
}

func (s *Store) Ready(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("db not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return err
	}
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return err
	}
	if one != 1 {
		return fmt.Errorf("unexpected SELECT 1 result: %d", one)
	}
	return nil
}

func driverAndDSN(u *url.URL, raw string) (driver string, dsn string, _ error) {
	switch strings.ToLower(u.Scheme) {
	case "sqlite":
		dsn, err := sqliteDSN(u, raw)
		if err != nil {
			return "", "", err
		}
		return "sqlite", dsn, nil
	case "postgres", "postgresql":
		return "pgx", raw, nil
	default:
		return "", "", fmt.Errorf("unsupported DATABASE_URL scheme %q (expected sqlite:// or postgres://)", u.Scheme)
	}
}

func sqliteDSN(u *url.URL, raw string) (string, error) {
	// Supported:
	// - sqlite:///absolute/path.db
	// - sqlite:relative/path.db
	// - sqlite::memory:
	switch {
	case u.Opaque != "":
		return u.Opaque, nil
	case u.Path != "":
		return u.Path, nil
	default:
		return "", fmt.Errorf("invalid sqlite DATABASE_URL %q", raw)
	}
}

func RedactedDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}

	switch strings.ToLower(u.Scheme) {
	case "sqlite":
		// For sqlite, path is not sensitive.
		if u.Opaque != "" {
			return "sqlite:" + u.Opaque
		}
		return "sqlite://" + u.Path
	case "postgres", "postgresql":
		redacted := *u
		if redacted.User != nil {
			user := redacted.User.Username()
			redacted.User = url.UserPassword(user, "***")
		}
		return redacted.String()
	default:
		return "<unknown>"
	}
}

func (s *Store) rebind(query string) string {
	if s.driver != "pgx" {
		return query
	}
	return rebindToPostgres(query)
}

func rebindToPostgres(query string) string {
	// Convert '?' placeholders into Postgres-style '$1, $2, ...'.
	// Intentionally minimal, only supports the SQL written in this package.
	var b strings.Builder
	b.Grow(len(query) + 8)

	inSingleQuotes := false
	argIndex := 1

	for i := 0; i < len(query); i++ {
		ch := query[i]

		if ch == '\'' {
			if inSingleQuotes && i+1 < len(query) && query[i+1] == '\'' {
				b.WriteByte('\'')
				b.WriteByte('\'')
				i++
				continue
			}
			inSingleQuotes = !inSingleQuotes
			b.WriteByte(ch)
			continue
		}

		if ch == '?' && !inSingleQuotes {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(argIndex))
			argIndex++
			continue
		}

		b.WriteByte(ch)
	}

	return b.String()
}

