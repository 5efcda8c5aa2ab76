package reconcile

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"

	_ "modernc.org/sqlite"

	"affilink/internal/fingerprint"
)

//go:embed schema.sql
var schemaSQL string

const (
	loadBatchSize = 10000
	sortIndexSQL  = "CREATE INDEX relationships_order ON relationships (document_id, author_ordinal, affiliation_ordinal, seq)"
	joinSQL       = `SELECT r.document_id, r.author_ordinal, r.affiliation_ordinal, r.fingerprint,
        r.author_name, r.given_name, r.family_name, r.affiliation, r.existing_org_id,
        m.organization_id
    FROM relationships r
    LEFT JOIN matches m ON m.fingerprint = r.fingerprint
    ORDER BY r.document_id, r.author_ordinal, r.affiliation_ordinal, r.seq`
)

// sqliteSource loads matches and relationships into a fresh database and
// streams their ordered join. The database is rebuilt on every run.
type sqliteSource struct {
	db      *sql.DB
	rows    *sql.Rows
	skipped int64
}

func openSQLite(ctx context.Context, dbPath, matchesPath, relationshipsPath string) (*sqliteSource, int, error) {
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(dbPath + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, 0, fmt.Errorf("remove stale database: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, 0, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous = OFF",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA temp_store = FILE",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, 0, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, 0, fmt.Errorf("create schema: %w", err)
	}

	s := &sqliteSource{db: db}
	loaded, err := s.loadMatches(ctx, matchesPath)
	if err != nil {
		_ = db.Close()
		return nil, 0, err
	}
	if err := s.loadRelationships(ctx, relationshipsPath); err != nil {
		_ = db.Close()
		return nil, 0, err
	}
	if _, err := db.ExecContext(ctx, sortIndexSQL); err != nil {
		_ = db.Close()
		return nil, 0, fmt.Errorf("index relationships: %w", err)
	}
	rows, err := db.QueryContext(ctx, joinSQL)
	if err != nil {
		_ = db.Close()
		return nil, 0, fmt.Errorf("query join: %w", err)
	}
	s.rows = rows
	return s, loaded, nil
}

// batchInserter commits every loadBatchSize rows.
type batchInserter struct {
	ctx   context.Context
	db    *sql.DB
	query string
	tx    *sql.Tx
	stmt  *sql.Stmt
	n     int
}

func (b *batchInserter) insert(args ...any) error {
	if b.tx == nil {
		tx, err := b.db.BeginTx(b.ctx, nil)
		if err != nil {
			return fmt.Errorf("begin load tx: %w", err)
		}
		stmt, err := tx.PrepareContext(b.ctx, b.query)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("prepare insert: %w", err)
		}
		b.tx, b.stmt = tx, stmt
	}
	if _, err := b.stmt.ExecContext(b.ctx, args...); err != nil {
		return fmt.Errorf("insert row: %w", err)
	}
	b.n++
	if b.n >= loadBatchSize {
		return b.commit()
	}
	return nil
}

func (b *batchInserter) commit() error {
	if b.tx == nil {
		return nil
	}
	_ = b.stmt.Close()
	err := b.tx.Commit()
	b.tx, b.stmt, b.n = nil, nil, 0
	if err != nil {
		return fmt.Errorf("commit load tx: %w", err)
	}
	return nil
}

func (b *batchInserter) abort() {
	if b.tx != nil {
		_ = b.stmt.Close()
		_ = b.tx.Rollback()
		b.tx, b.stmt, b.n = nil, nil, 0
	}
}

func (s *sqliteSource) loadMatches(ctx context.Context, path string) (int, error) {
	ins := &batchInserter{ctx: ctx, db: s.db, query: "INSERT OR IGNORE INTO matches (fingerprint, organization_id) VALUES (?, ?)"}
	loaded, err := readMatches(path, func(m matchLine) error {
		return ins.insert(m.Fingerprint.String(), m.OrganizationID)
	})
	if err != nil {
		ins.abort()
		return 0, err
	}
	return loaded, ins.commit()
}

func (s *sqliteSource) loadRelationships(ctx context.Context, path string) error {
	rels, err := openRelationships(path)
	if err != nil {
		return err
	}
	defer rels.Close()

	ins := &batchInserter{ctx: ctx, db: s.db, query: `INSERT INTO relationships (
            document_id, author_ordinal, affiliation_ordinal, fingerprint,
            author_name, given_name, family_name, affiliation, existing_org_id
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`}
	for {
		rel, err := rels.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			ins.abort()
			return err
		}
		err = ins.insert(rel.DocumentID, rel.AuthorOrdinal, rel.AffiliationOrdinal, rel.Fingerprint.String(),
			rel.AuthorName, nullableString(rel.GivenName), nullableString(rel.FamilyName),
			rel.Affiliation, nullableString(rel.ExistingOrgID))
		if err != nil {
			ins.abort()
			return err
		}
	}
	s.skipped = rels.skipped
	return ins.commit()
}

func (s *sqliteSource) Next() (row, error) {
	if !s.rows.Next() {
		if err := s.rows.Err(); err != nil {
			return row{}, fmt.Errorf("scan join: %w", err)
		}
		return row{}, io.EOF
	}
	var (
		r                                     row
		fp                                    string
		given, family, existing, organization sql.NullString
	)
	err := s.rows.Scan(&r.DocumentID, &r.AuthorOrdinal, &r.AffiliationOrdinal, &fp,
		&r.AuthorName, &given, &family, &r.Affiliation, &existing, &organization)
	if err != nil {
		return row{}, fmt.Errorf("scan join: %w", err)
	}
	if r.Fingerprint, err = fingerprint.Parse(fp); err != nil {
		return row{}, fmt.Errorf("scan join: %w", err)
	}
	r.GivenName = given.String
	r.FamilyName = family.String
	r.ExistingOrgID = existing.String
	r.OrganizationID = organization.String
	return r, nil
}

func (s *sqliteSource) Skipped() int64 { return s.skipped }

func (s *sqliteSource) Close() error {
	var rowsErr error
	if s.rows != nil {
		rowsErr = s.rows.Close()
	}
	if err := s.db.Close(); err != nil {
		return err
	}
	return rowsErr
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

var _ rowSource = (*sqliteSource)(nil)
var _ rowSource = (*memorySource)(nil)
