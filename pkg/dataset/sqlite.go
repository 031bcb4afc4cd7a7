package dataset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	_ "modernc.org/sqlite"

	"cryorefine/internal/models"
	"cryorefine/pkg/mrc"
)

const schema = `CREATE TABLE IF NOT EXISTS particles(
	id INTEGER PRIMARY KEY,
	stack TEXT NOT NULL,
	slot INTEGER NOT NULL,
	voltage REAL NOT NULL,
	defocusU REAL NOT NULL,
	defocusV REAL NOT NULL,
	defocusTheta REAL NOT NULL,
	cs REAL NOT NULL,
	grp INTEGER NOT NULL DEFAULT 0
)`

// SQLiteStore reads particle metadata from a SQLite database and images
// from the MRC stacks it references. Relative stack paths are resolved
// against the database directory.
type SQLiteStore struct {
	db   *sql.DB
	root string
}

// OpenSQLite opens or creates a particle database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if path == ":memory:" {
		// every pooled connection would see its own empty database
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema in %s: %w", path, err)
	}
	return &SQLiteStore{db: db, root: filepath.Dir(path)}, nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Insert adds particles in one transaction.
func (s *SQLiteStore) Insert(ctx context.Context, metas ...Meta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO particles
		(id, stack, slot, voltage, defocusU, defocusV, defocusTheta, cs, grp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()
	for _, m := range metas {
		c := m.CTF
		if _, err := stmt.ExecContext(ctx, m.ID, m.Stack, m.Slot, c.Voltage, c.DefocusU, c.DefocusV, c.DefocusTheta, c.Cs, m.Group); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting particle %d: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) IDs(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM particles ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("listing particles: %w", err)
	}
	defer rows.Close()
	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("listing particles: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Meta(ctx context.Context, id int) (Meta, error) {
	m := Meta{ID: id}
	c := &m.CTF
	err := s.db.QueryRowContext(ctx,
		"SELECT stack, slot, voltage, defocusU, defocusV, defocusTheta, cs, grp FROM particles WHERE id = ?", id).
		Scan(&m.Stack, &m.Slot, &c.Voltage, &c.DefocusU, &c.DefocusV, &c.DefocusTheta, &c.Cs, &m.Group)
	if errors.Is(err, sql.ErrNoRows) {
		return Meta{}, fmt.Errorf("particle %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Meta{}, fmt.Errorf("reading particle %d: %w", id, err)
	}
	return m, nil
}

func (s *SQLiteStore) Image(ctx context.Context, id int) (*models.Image, error) {
	m, err := s.Meta(ctx, id)
	if err != nil {
		return nil, err
	}
	path := m.Stack
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.root, path)
	}
	return mrc.ReadImage(path, m.Slot)
}

func (s *SQLiteStore) NGroup(ctx context.Context) (int, error) {
	var n sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(grp) FROM particles").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting groups: %w", err)
	}
	if !n.Valid {
		return 1, nil
	}
	return int(n.Int64) + 1, nil
}
