// Package metadb is the local relational metadata store:
// inodes, contents, extents, and objects tables, opened via database/sql
// over modernc.org/sqlite (pure Go, cgo-free — see DESIGN.md). Exposes the
// row-level primitives original_source/src/s3ql/inode_cache.py and
// cli/fsck.py call against the original Python Connection wrapper
// (execute, get_row, get_list, rowid).
package metadb

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	s3qlerrors "github.com/s3ql-go/s3ql/pkg/errors"
)

const component = "metadb"

const schema = `
CREATE TABLE IF NOT EXISTS inodes (
	id       INTEGER PRIMARY KEY,
	mode     INTEGER NOT NULL,
	refcount INTEGER NOT NULL,
	uid      INTEGER NOT NULL,
	gid      INTEGER NOT NULL,
	size     INTEGER NOT NULL DEFAULT 0,
	locked   INTEGER NOT NULL DEFAULT 0,
	rdev     INTEGER NOT NULL DEFAULT 0,
	atime    INTEGER NOT NULL,
	mtime    INTEGER NOT NULL,
	ctime    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS contents (
	rowid        INTEGER PRIMARY KEY,
	name         BLOB NOT NULL,
	parent_inode INTEGER NOT NULL REFERENCES inodes(id),
	inode        INTEGER NOT NULL REFERENCES inodes(id),
	UNIQUE (parent_inode, name)
);

CREATE TABLE IF NOT EXISTS objects (
	id       INTEGER PRIMARY KEY,
	hash     BLOB UNIQUE NOT NULL,
	refcount INTEGER NOT NULL,
	size     INTEGER NOT NULL,
	compr_size INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS extents (
	inode   INTEGER NOT NULL REFERENCES inodes(id),
	blockno INTEGER NOT NULL,
	obj_id  INTEGER NOT NULL REFERENCES objects(id),
	PRIMARY KEY (inode, blockno)
);

CREATE INDEX IF NOT EXISTS ix_extents_obj_id ON extents(obj_id);
`

// ixContentsInode is created only in NFS-export mode, grounded on
// original_source/src/s3ql/cli/mount.py's --nfs branch.
const ixContentsInode = `CREATE INDEX IF NOT EXISTS ix_contents_inode ON contents(inode)`

// DB wraps a *sql.DB opened against a single SQLite file, owned
// exclusively by the running mount.
type DB struct {
	sqlDB *sql.DB
	path  string
}

// Open opens (creating if absent) the metadata database at path, applying
// PRAGMAs for crash tolerance without full fsync cost.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, s3qlerrors.Wrap(s3qlerrors.KindPermanent, component, "Open", err)
	}
	sqlDB.SetMaxOpenConns(1) // single-writer: SQLite file is owned by one mount

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, s3qlerrors.Wrap(s3qlerrors.KindPermanent, component, "Open", err)
		}
	}

	if _, err := sqlDB.Exec(schema); err != nil {
		sqlDB.Close()
		return nil, s3qlerrors.Wrap(s3qlerrors.KindPermanent, component, "Open", err)
	}

	return &DB{sqlDB: sqlDB, path: path}, nil
}

// Path returns the file path this DB was opened from.
func (db *DB) Path() string { return db.path }

// Close closes the underlying database handle.
func (db *DB) Close() error { return db.sqlDB.Close() }

// Execute runs a statement with no expected result rows.
func (db *DB) Execute(query string, args ...interface{}) error {
	if _, err := db.sqlDB.Exec(query, args...); err != nil {
		return s3qlerrors.Wrap(s3qlerrors.KindPermanent, component, "Execute", err)
	}
	return nil
}

// RowID executes an INSERT and returns the new row's id, mirroring
// db.rowid() in the original Python Connection wrapper.
func (db *DB) RowID(query string, args ...interface{}) (int64, error) {
	res, err := db.sqlDB.Exec(query, args...)
	if err != nil {
		return 0, s3qlerrors.Wrap(s3qlerrors.KindPermanent, component, "RowID", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, s3qlerrors.Wrap(s3qlerrors.KindPermanent, component, "RowID", err)
	}
	return id, nil
}

// GetRow runs a query expected to return exactly one row and scans its
// columns into dest, mirroring db.get_row(); returns a KindNoSuchObject
// error (wrapping sql.ErrNoRows) if the query returns nothing.
func (db *DB) GetRow(dest []interface{}, query string, args ...interface{}) error {
	row := db.sqlDB.QueryRow(query, args...)
	if err := row.Scan(dest...); err != nil {
		if err == sql.ErrNoRows {
			return s3qlerrors.New(s3qlerrors.KindNoSuchObject, component, "GetRow", query)
		}
		return s3qlerrors.Wrap(s3qlerrors.KindPermanent, component, "GetRow", err)
	}
	return nil
}

// GetList runs a query and returns every row's column values, mirroring
// db.get_list(). ncols must equal the number of selected columns.
func (db *DB) GetList(ncols int, query string, args ...interface{}) ([][]interface{}, error) {
	rows, err := db.sqlDB.Query(query, args...)
	if err != nil {
		return nil, s3qlerrors.Wrap(s3qlerrors.KindPermanent, component, "GetList", err)
	}
	defer rows.Close()

	var out [][]interface{}
	for rows.Next() {
		dest := make([]interface{}, ncols)
		ptrs := make([]interface{}, ncols)
		for i := range dest {
			ptrs[i] = &dest[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, s3qlerrors.Wrap(s3qlerrors.KindPermanent, component, "GetList", err)
		}
		out = append(out, dest)
	}
	if err := rows.Err(); err != nil {
		return nil, s3qlerrors.Wrap(s3qlerrors.KindPermanent, component, "GetList", err)
	}
	return out, nil
}

// EnableNFSIndex creates the ix_contents_inode index used in NFS-export
// mode.
func (db *DB) EnableNFSIndex() error {
	return db.Execute(ixContentsInode)
}

// DisableNFSIndex drops the ix_contents_inode index.
func (db *DB) DisableNFSIndex() error {
	return db.Execute("DROP INDEX IF EXISTS ix_contents_inode")
}

// IntegrityCheck runs PRAGMA integrity_check(20) and returns nil if it
// reports "ok", or a KindCorruption error listing every row returned
// otherwise.
func (db *DB) IntegrityCheck() error {
	rows, err := db.GetList(1, "PRAGMA integrity_check(20)")
	if err != nil {
		return err
	}
	if len(rows) == 1 {
		if s, ok := rows[0][0].(string); ok && s == "ok" {
			return nil
		}
	}
	var msgs []string
	for _, r := range rows {
		msgs = append(msgs, fmt.Sprintf("%v", r[0]))
	}
	return s3qlerrors.New(s3qlerrors.KindCorruption, component, "IntegrityCheck", fmt.Sprintf("%v", msgs))
}

// Analyze and Vacuum run the housekeeping PRAGMAs the original mount/fsck
// flow always runs on a clean exit (original_source/src/s3ql/cli/
// mount.py/fsck.py finally blocks).
func (db *DB) Analyze() error { return db.Execute("ANALYZE") }
func (db *DB) Vacuum() error  { return db.Execute("VACUUM") }
