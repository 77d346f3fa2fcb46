// Package archive mirrors each tick's reply set into an optional SQLite
// database, the way the teacher's internal/db package mirrors lidar
// observations: schema owned by golang-migrate migrations embedded into the
// binary, opened once at process start and left running for the process
// lifetime.
package archive

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/offworldlab/3lips/internal/messaging"
	"github.com/offworldlab/3lips/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the optional SQLite mirror of the NDJSON tick log. Callers that
// don't want persistence don't construct one and pass a nil *Store to the
// fusion engine, which then skips archiving.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path, applies the
// essential WAL pragmas, and runs every pending migration.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening archive database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrateUp() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}
	dbDriver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating sqlite migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveTick persists one tick's reply set: one `tick` row plus one `reply` row
// per QueryConfig, each carrying the full reply as JSON for later inspection
// alongside the queryable summary columns.
func (s *Store) SaveTick(now time.Time, replies []messaging.Reply) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning archive transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				monitoring.Logf("archive: rollback after failed tick save: %v", rbErr)
			}
		}
	}()

	var tickID int64
	res, err := tx.Exec(`INSERT INTO tick (unix_time, reply_count) VALUES (?, ?)`, float64(now.Unix()), len(replies))
	if err != nil {
		return fmt.Errorf("inserting tick row: %w", err)
	}
	tickID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading tick row id: %w", err)
	}

	for _, reply := range replies {
		payload, marshalErr := json.Marshal(reply)
		if marshalErr != nil {
			err = fmt.Errorf("marshalling reply %s: %w", reply.Hash, marshalErr)
			return err
		}
		_, err = tx.Exec(
			`INSERT INTO reply (tick_id, hash, associator, localisation, server_count, localised_count, system_track_count, time_spent, payload_json)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tickID, reply.Hash, reply.Associator, reply.Localisation,
			len(reply.Server), len(reply.DetectionsLocalised), len(reply.SystemTracks), reply.TimeSpent,
			string(payload),
		)
		if err != nil {
			return fmt.Errorf("inserting reply row for %s: %w", reply.Hash, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing archive transaction: %w", err)
	}
	return nil
}
