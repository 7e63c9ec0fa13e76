// Package sqlmirror implements a write-only SQL projection of the module
// table and class map (spec §4.7, domain addition D2): every register
// and unload the loader performs is mirrored into two tables so the
// registry's current state can be queried with plain SQL instead of the
// in-process registry.Table.
//
// Backend selection follows the teacher's sqlfs/sqlfs2 plugin's
// backend-switch: sqlite3 by default, mysql when a "mysql://"-style DSN
// is given.
package sqlmirror

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/c4pt0r/x3plugin/internal/registry"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

const (
	createModulesTable = `CREATE TABLE IF NOT EXISTS x3_modules (
		filename TEXT PRIMARY KEY,
		owned INTEGER NOT NULL,
		inited INTEGER NOT NULL
	)`
	createClsidsTable = `CREATE TABLE IF NOT EXISTS x3_clsids (
		clsid TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		class_name TEXT
	)`
)

// Mirror is a database/sql-backed RegistryMirror (the loader package's
// interface of the same shape).
type Mirror struct {
	db     *sql.DB
	driver string
}

// Open connects to dsn, picking the driver by its shape: a DSN starting
// with "mysql://" uses go-sql-driver/mysql (trimmed of the scheme, which
// database/sql drivers don't expect); anything else is treated as a
// mattn/go-sqlite3 file path.
func Open(dsn string) (*Mirror, error) {
	driver := "sqlite3"
	addr := dsn
	if strings.HasPrefix(dsn, "mysql://") {
		driver = "mysql"
		addr = strings.TrimPrefix(dsn, "mysql://")
	}

	db, err := sql.Open(driver, addr)
	if err != nil {
		return nil, fmt.Errorf("sqlmirror: open %s: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlmirror: ping %s: %w", driver, err)
	}

	if _, err := db.Exec(createModulesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlmirror: create x3_modules: %w", err)
	}
	if _, err := db.Exec(createClsidsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlmirror: create x3_clsids: %w", err)
	}

	log.Infof("sqlmirror: projecting registry state via %s", driver)
	return &Mirror{db: db, driver: driver}, nil
}

// upsertModuleSQL and upsertClsidSQL differ by dialect: sqlite3 speaks
// SQLite's "ON CONFLICT ... DO UPDATE", MySQL speaks "ON DUPLICATE KEY
// UPDATE". Both express the same upsert.
func (m *Mirror) upsertModuleSQL() string {
	if m.driver == "mysql" {
		return `INSERT INTO x3_modules (filename, owned, inited) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE owned = VALUES(owned), inited = VALUES(inited)`
	}
	return `INSERT INTO x3_modules (filename, owned, inited) VALUES (?, ?, ?)
		ON CONFLICT(filename) DO UPDATE SET owned = excluded.owned, inited = excluded.inited`
}

func (m *Mirror) upsertClsidSQL() string {
	if m.driver == "mysql" {
		return `INSERT INTO x3_clsids (clsid, filename, class_name) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE filename = VALUES(filename)`
	}
	return `INSERT INTO x3_clsids (clsid, filename, class_name) VALUES (?, ?, ?)
		ON CONFLICT(clsid) DO UPDATE SET filename = excluded.filename`
}

// SyncModule upserts rec's row and replaces its clsid rows wholesale,
// resolving each clsid's class name from t's class map (the module
// record alone only carries the clsid list, the way cache.BuildPluginCache
// also has to look the class name back up through the table rather than
// off the record). It is write-only: nothing in the loader ever reads
// this projection back.
func (m *Mirror) SyncModule(t *registry.Table, rec *registry.ModuleRecord) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlmirror: begin: %w", err)
	}
	defer tx.Rollback()

	owned, inited := 0, 0
	if rec.Owned {
		owned = 1
	}
	if rec.Inited {
		inited = 1
	}

	if _, err := tx.Exec(m.upsertModuleSQL(), rec.Filename, owned, inited); err != nil {
		return fmt.Errorf("sqlmirror: upsert module %s: %w", rec.Filename, err)
	}

	if _, err := tx.Exec(`DELETE FROM x3_clsids WHERE filename = ?`, rec.Filename); err != nil {
		return fmt.Errorf("sqlmirror: clear clsids for %s: %w", rec.Filename, err)
	}
	for _, id := range rec.CLSIDs {
		className := ""
		if _, desc, ok := t.Lookup(id); ok {
			className = desc.ClassName
		}
		if _, err := tx.Exec(m.upsertClsidSQL(), id.String(), rec.Filename, className); err != nil {
			return fmt.Errorf("sqlmirror: insert clsid %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// RemoveModule deletes filename's row and its clsid rows.
func (m *Mirror) RemoveModule(filename string) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlmirror: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM x3_clsids WHERE filename = ?`, filename); err != nil {
		return fmt.Errorf("sqlmirror: delete clsids for %s: %w", filename, err)
	}
	if _, err := tx.Exec(`DELETE FROM x3_modules WHERE filename = ?`, filename); err != nil {
		return fmt.Errorf("sqlmirror: delete module %s: %w", filename, err)
	}
	return tx.Commit()
}

// Close releases the underlying database handle.
func (m *Mirror) Close() error {
	return m.db.Close()
}
