package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"aquachain/api/internal/revision"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	pgReader
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{pgReader: pgReader{q: db}, db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InTx runs fn in one transaction holding an advisory lock on scope, so
// writers of the same scope queue behind each other.
func (s *PostgresStore) InTx(ctx context.Context, scope string, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if _, err := sqlTx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, scope); err != nil {
		_ = sqlTx.Rollback()
		return fmt.Errorf("lock scope %s: %w", scope, err)
	}
	if err := fn(&pgTx{pgReader: pgReader{q: sqlTx}}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgReader struct {
	q querier
}

func notFound(what string, key any) error {
	return fmt.Errorf("%w: %s %v", revision.ErrNotFound, what, key)
}

func (r pgReader) GetRevision(ctx context.Context, key revision.ScopedKey) (RevisionRecord, error) {
	var (
		rec          RevisionRecord
		previousHash string
		kind         string
		leaves       []byte
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT previous_hash, kind, content_hash, nonce, local_timestamp, version, leaves
		FROM revisions
		WHERE scope=$1 AND hash=$2
	`, key.Scope, key.Hash).Scan(&previousHash, &kind, &rec.ContentHash, &rec.Nonce, &rec.LocalTimestamp, &rec.Version, &leaves)
	if errors.Is(err, sql.ErrNoRows) {
		return RevisionRecord{}, notFound("revision", key)
	}
	if err != nil {
		return RevisionRecord{}, fmt.Errorf("get revision %s: %w", key, err)
	}
	rec.Key = key
	rec.Kind = revision.Kind(kind)
	if previousHash != "" {
		rec.Previous = revision.NewScopedKey(key.Scope, previousHash)
	}
	if len(leaves) > 0 {
		if err := json.Unmarshal(leaves, &rec.Leaves); err != nil {
			return RevisionRecord{}, fmt.Errorf("decode leaves %s: %w", key, err)
		}
	}
	return rec, nil
}

func (r pgReader) HasRevision(ctx context.Context, key revision.ScopedKey) (bool, error) {
	var exists bool
	err := r.q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revisions WHERE scope=$1 AND hash=$2)`, key.Scope, key.Hash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check revision %s: %w", key, err)
	}
	return exists, nil
}

func (r pgReader) GetChildren(ctx context.Context, key revision.ScopedKey) ([]revision.ScopedKey, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT child_hash FROM revision_children
		WHERE scope=$1 AND parent_hash=$2
		ORDER BY child_hash
	`, key.Scope, key.Hash)
	if err != nil {
		return nil, fmt.Errorf("list children %s: %w", key, err)
	}
	defer rows.Close()

	children := make([]revision.ScopedKey, 0)
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("scan child: %w", err)
		}
		children = append(children, revision.NewScopedKey(key.Scope, hash))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate children: %w", err)
	}
	return children, nil
}

func (r pgReader) GetPayload(ctx context.Context, key revision.ScopedKey, kind revision.Kind) (revision.Payload, error) {
	switch kind {
	case revision.KindFile:
		return revision.FilePayload{}, nil
	case revision.KindForm:
		return r.getForm(ctx, key)
	case revision.KindSignature:
		return r.getSignature(ctx, key)
	case revision.KindWitness:
		return r.getWitness(ctx, key)
	case revision.KindLink:
		return r.getLink(ctx, key)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q for %s", revision.ErrMalformedTree, kind, key)
	}
}

func (r pgReader) getForm(ctx context.Context, key revision.ScopedKey) (revision.Payload, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT name, value, value_type FROM form_fields
		WHERE scope=$1 AND hash=$2
		ORDER BY position
	`, key.Scope, key.Hash)
	if err != nil {
		return nil, fmt.Errorf("list form fields %s: %w", key, err)
	}
	defer rows.Close()

	payload := revision.FormPayload{Fields: make([]revision.FormField, 0)}
	for rows.Next() {
		var f revision.FormField
		if err := rows.Scan(&f.Name, &f.Value, &f.Type); err != nil {
			return nil, fmt.Errorf("scan form field: %w", err)
		}
		payload.Fields = append(payload.Fields, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate form fields: %w", err)
	}
	return payload, nil
}

func (r pgReader) getSignature(ctx context.Context, key revision.ScopedKey) (revision.Payload, error) {
	var p revision.SignaturePayload
	err := r.q.QueryRowContext(ctx, `
		SELECT digest, public_key, wallet_address, signature_type
		FROM signatures WHERE scope=$1 AND hash=$2
	`, key.Scope, key.Hash).Scan(&p.Digest, &p.PublicKey, &p.WalletAddress, &p.Type)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("signature", key)
	}
	if err != nil {
		return nil, fmt.Errorf("get signature %s: %w", key, err)
	}
	return p, nil
}

func (r pgReader) getWitness(ctx context.Context, key revision.ScopedKey) (revision.Payload, error) {
	var p revision.WitnessPayload
	err := r.q.QueryRowContext(ctx, `
		SELECT e.merkle_root, e.witness_timestamp, e.network, e.contract_address, e.transaction_hash, e.sender_address
		FROM witnesses w
		JOIN witness_events e ON e.merkle_root = w.merkle_root
		WHERE w.scope=$1 AND w.hash=$2
	`, key.Scope, key.Hash).Scan(&p.MerkleRoot, &p.Timestamp, &p.Network, &p.ContractAddress, &p.TransactionHash, &p.SenderAddress)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("witness", key)
	}
	if err != nil {
		return nil, fmt.Errorf("get witness %s: %w", key, err)
	}
	return p, nil
}

func (r pgReader) getLink(ctx context.Context, key revision.ScopedKey) (revision.Payload, error) {
	var (
		p          revision.LinkPayload
		hashes     []byte
		fileHashes []byte
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT link_type, require_indepth_verification, verification_hashes, file_hashes
		FROM links WHERE scope=$1 AND hash=$2
	`, key.Scope, key.Hash).Scan(&p.Type, &p.RequireIndepthVerification, &hashes, &fileHashes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("link", key)
	}
	if err != nil {
		return nil, fmt.Errorf("get link %s: %w", key, err)
	}
	if err := json.Unmarshal(hashes, &p.VerificationHashes); err != nil {
		return nil, fmt.Errorf("decode link hashes %s: %w", key, err)
	}
	if err := json.Unmarshal(fileHashes, &p.FileHashes); err != nil {
		return nil, fmt.Errorf("decode link file hashes %s: %w", key, err)
	}
	return p, nil
}

func (r pgReader) GetFileRecord(ctx context.Context, contentHash string) (FileRecord, error) {
	rec := FileRecord{ContentHash: contentHash}
	err := r.q.QueryRowContext(ctx, `
		SELECT location, size, created_at FROM file_records WHERE content_hash=$1
	`, contentHash).Scan(&rec.Location, &rec.Size, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return FileRecord{}, notFound("file record", contentHash)
	}
	if err != nil {
		return FileRecord{}, fmt.Errorf("get file record %s: %w", contentHash, err)
	}
	return rec, nil
}

func (r pgReader) GetFileRefs(ctx context.Context, contentHash string) ([]revision.ScopedKey, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT scope, hash FROM file_index_refs
		WHERE content_hash=$1
		ORDER BY scope, hash
	`, contentHash)
	if err != nil {
		return nil, fmt.Errorf("list file refs %s: %w", contentHash, err)
	}
	defer rows.Close()

	refs := make([]revision.ScopedKey, 0)
	for rows.Next() {
		var key revision.ScopedKey
		if err := rows.Scan(&key.Scope, &key.Hash); err != nil {
			return nil, fmt.Errorf("scan file ref: %w", err)
		}
		refs = append(refs, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file refs: %w", err)
	}
	return refs, nil
}

func (r pgReader) FindContentHash(ctx context.Context, key revision.ScopedKey) (string, error) {
	var contentHash string
	err := r.q.QueryRowContext(ctx, `
		SELECT content_hash FROM file_index_refs
		WHERE scope=$1 AND hash=$2
		ORDER BY content_hash
		LIMIT 1
	`, key.Scope, key.Hash).Scan(&contentHash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", notFound("file index entry", key)
	}
	if err != nil {
		return "", fmt.Errorf("find file index entry %s: %w", key, err)
	}
	return contentHash, nil
}

func (r pgReader) GetFileName(ctx context.Context, key revision.ScopedKey) (string, error) {
	var name string
	err := r.q.QueryRowContext(ctx, `SELECT name FROM file_names WHERE scope=$1 AND hash=$2`, key.Scope, key.Hash).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", notFound("file name", key)
	}
	if err != nil {
		return "", fmt.Errorf("get file name %s: %w", key, err)
	}
	return name, nil
}

const latestColumns = `scope, tip_hash, template_id, is_workflow, name, created_at, updated_at`

func scanLatest(row interface{ Scan(dest ...any) error }) (Latest, error) {
	var l Latest
	err := row.Scan(&l.Tip.Scope, &l.Tip.Hash, &l.TemplateID, &l.IsWorkflow, &l.Name, &l.CreatedAt, &l.UpdatedAt)
	return l, err
}

func (r pgReader) GetLatest(ctx context.Context, tip revision.ScopedKey) (Latest, error) {
	l, err := scanLatest(r.q.QueryRowContext(ctx, `
		SELECT `+latestColumns+` FROM latest WHERE scope=$1 AND tip_hash=$2
	`, tip.Scope, tip.Hash))
	if errors.Is(err, sql.ErrNoRows) {
		return Latest{}, notFound("latest pointer", tip)
	}
	if err != nil {
		return Latest{}, fmt.Errorf("get latest %s: %w", tip, err)
	}
	return l, nil
}

func (r pgReader) ListLatest(ctx context.Context, scope string) ([]Latest, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+latestColumns+` FROM latest
		WHERE scope=$1
		ORDER BY updated_at DESC, id DESC
	`, scope)
	if err != nil {
		return nil, fmt.Errorf("list latest: %w", err)
	}
	defer rows.Close()

	items := make([]Latest, 0)
	for rows.Next() {
		item, err := scanLatest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan latest: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate latest: %w", err)
	}
	return items, nil
}

type pgTx struct {
	pgReader
}

func (t *pgTx) InsertRevision(ctx context.Context, rec RevisionRecord) (bool, error) {
	var leaves any
	if rec.Leaves != nil {
		encoded, err := json.Marshal(rec.Leaves)
		if err != nil {
			return false, fmt.Errorf("encode leaves %s: %w", rec.Key, err)
		}
		leaves = string(encoded)
	}
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO revisions (scope, hash, previous_hash, kind, content_hash, nonce, local_timestamp, version, leaves)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)
		ON CONFLICT (scope, hash) DO NOTHING
	`, rec.Key.Scope, rec.Key.Hash, rec.Previous.Hash, string(rec.Kind), rec.ContentHash, rec.Nonce, rec.LocalTimestamp, rec.Version, leaves)
	if err != nil {
		return false, fmt.Errorf("insert revision %s: %w", rec.Key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert revision %s: %w", rec.Key, err)
	}
	return affected == 1, nil
}

func (t *pgTx) AddChild(ctx context.Context, parent, child revision.ScopedKey) error {
	if parent.Scope != child.Scope {
		return fmt.Errorf("%w: child %s crosses scope of %s", revision.ErrBrokenLink, child, parent)
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO revision_children (scope, parent_hash, child_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, parent.Scope, parent.Hash, child.Hash)
	if err != nil {
		return fmt.Errorf("add child %s -> %s: %w", parent, child, err)
	}
	return nil
}

func (t *pgTx) PutPayload(ctx context.Context, key revision.ScopedKey, payload revision.Payload) error {
	switch p := payload.(type) {
	case nil, revision.FilePayload:
		return nil
	case revision.FormPayload:
		return t.putForm(ctx, key, p)
	case revision.SignaturePayload:
		_, err := t.q.ExecContext(ctx, `
			INSERT INTO signatures (scope, hash, digest, public_key, wallet_address, signature_type)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (scope, hash) DO NOTHING
		`, key.Scope, key.Hash, p.Digest, p.PublicKey, p.WalletAddress, p.Type)
		if err != nil {
			return fmt.Errorf("upsert signature %s: %w", key, err)
		}
		return nil
	case revision.WitnessPayload:
		return t.putWitness(ctx, key, p)
	case revision.LinkPayload:
		hashes, err := json.Marshal(nonNilStrings(p.VerificationHashes))
		if err != nil {
			return fmt.Errorf("encode link hashes %s: %w", key, err)
		}
		fileHashes, err := json.Marshal(nonNilStrings(p.FileHashes))
		if err != nil {
			return fmt.Errorf("encode link file hashes %s: %w", key, err)
		}
		_, err = t.q.ExecContext(ctx, `
			INSERT INTO links (scope, hash, link_type, require_indepth_verification, verification_hashes, file_hashes)
			VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb)
			ON CONFLICT (scope, hash) DO NOTHING
		`, key.Scope, key.Hash, p.Type, p.RequireIndepthVerification, string(hashes), string(fileHashes))
		if err != nil {
			return fmt.Errorf("insert link %s: %w", key, err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported payload %T", payload)
	}
}

func (t *pgTx) putForm(ctx context.Context, key revision.ScopedKey, p revision.FormPayload) error {
	for i, f := range p.Fields {
		_, err := t.q.ExecContext(ctx, `
			INSERT INTO form_fields (scope, hash, position, name, value, value_type)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (scope, hash, position) DO NOTHING
		`, key.Scope, key.Hash, i, f.Name, f.Value, f.Type)
		if err != nil {
			return fmt.Errorf("insert form field %s.%s: %w", key, f.Name, err)
		}
	}
	return nil
}

// putWitness records the on-chain event once per merkle root and joins the
// scoped revision to it. The event counts the witnesses pointing at it.
func (t *pgTx) putWitness(ctx context.Context, key revision.ScopedKey, p revision.WitnessPayload) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO witness_events (merkle_root, witness_timestamp, network, contract_address, transaction_hash, sender_address)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (merkle_root) DO NOTHING
	`, p.MerkleRoot, p.Timestamp, p.Network, p.ContractAddress, p.TransactionHash, p.SenderAddress)
	if err != nil {
		return fmt.Errorf("insert witness event %s: %w", p.MerkleRoot, err)
	}
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO witnesses (scope, hash, merkle_root) VALUES ($1, $2, $3)
		ON CONFLICT (scope, hash) DO NOTHING
	`, key.Scope, key.Hash, p.MerkleRoot)
	if err != nil {
		return fmt.Errorf("insert witness %s: %w", key, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil
	}
	if _, err := t.q.ExecContext(ctx, `
		UPDATE witness_events SET reference_count = reference_count + 1 WHERE merkle_root=$1
	`, p.MerkleRoot); err != nil {
		return fmt.Errorf("count witness event %s: %w", p.MerkleRoot, err)
	}
	return nil
}

func (t *pgTx) InsertFileRecord(ctx context.Context, rec FileRecord) (bool, error) {
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO file_records (content_hash, location, size)
		VALUES ($1, $2, $3)
		ON CONFLICT (content_hash) DO NOTHING
	`, rec.ContentHash, rec.Location, rec.Size)
	if err != nil {
		return false, fmt.Errorf("insert file record %s: %w", rec.ContentHash, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert file record %s: %w", rec.ContentHash, err)
	}
	return affected == 1, nil
}

func (t *pgTx) AddFileRef(ctx context.Context, contentHash string, key revision.ScopedKey) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO file_index_refs (content_hash, scope, hash)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, contentHash, key.Scope, key.Hash)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: no file record for %s", revision.ErrOrphanedContent, contentHash)
	}
	if err != nil {
		return fmt.Errorf("add file ref %s -> %s: %w", contentHash, key, err)
	}
	return nil
}

func (t *pgTx) PutFileName(ctx context.Context, key revision.ScopedKey, name string) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO file_names (scope, hash, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (scope, hash) DO UPDATE SET name = EXCLUDED.name
	`, key.Scope, key.Hash, name)
	if err != nil {
		return fmt.Errorf("put file name %s: %w", key, err)
	}
	return nil
}

func (t *pgTx) InsertLatest(ctx context.Context, latest Latest) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO latest (scope, tip_hash, template_id, is_workflow, name)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (scope, tip_hash) DO UPDATE SET
			template_id = CASE WHEN EXCLUDED.template_id <> '' THEN EXCLUDED.template_id ELSE latest.template_id END,
			updated_at = NOW()
	`, latest.Tip.Scope, latest.Tip.Hash, latest.TemplateID, latest.IsWorkflow, latest.Name)
	if err != nil {
		return fmt.Errorf("insert latest %s: %w", latest.Tip, err)
	}
	return nil
}

func (t *pgTx) RepointLatest(ctx context.Context, from, to revision.ScopedKey) error {
	if from == to {
		return nil
	}
	if from.Scope != to.Scope {
		return fmt.Errorf("%w: cannot repoint %s onto %s", revision.ErrBrokenLink, from, to)
	}
	if _, err := t.q.ExecContext(ctx, `DELETE FROM latest WHERE scope=$1 AND tip_hash=$2`, to.Scope, to.Hash); err != nil {
		return fmt.Errorf("clear latest %s: %w", to, err)
	}
	res, err := t.q.ExecContext(ctx, `
		UPDATE latest SET tip_hash=$3, updated_at=NOW()
		WHERE scope=$1 AND tip_hash=$2
	`, from.Scope, from.Hash, to.Hash)
	if err != nil {
		return fmt.Errorf("repoint latest %s -> %s: %w", from, to, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return notFound("latest pointer", from)
	}
	return nil
}

func (t *pgTx) SetWorkflow(ctx context.Context, tip revision.ScopedKey, isWorkflow bool) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE latest SET is_workflow=$3, updated_at=NOW()
		WHERE scope=$1 AND tip_hash=$2
	`, tip.Scope, tip.Hash, isWorkflow)
	if err != nil {
		return fmt.Errorf("set workflow %s: %w", tip, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return notFound("latest pointer", tip)
	}
	return nil
}

func (t *pgTx) PurgeScope(ctx context.Context, scope string) (PurgeResult, error) {
	var result PurgeResult

	contentHashes, err := t.collectStrings(ctx, `DELETE FROM file_index_refs WHERE scope=$1 RETURNING content_hash`, scope)
	if err != nil {
		return PurgeResult{}, fmt.Errorf("purge file refs: %w", err)
	}
	for _, contentHash := range dedupe(contentHashes) {
		rec := FileRecord{ContentHash: contentHash}
		err := t.q.QueryRowContext(ctx, `
			DELETE FROM file_records fr
			WHERE fr.content_hash=$1
				AND NOT EXISTS (SELECT 1 FROM file_index_refs r WHERE r.content_hash = fr.content_hash)
			RETURNING location, size, created_at
		`, contentHash).Scan(&rec.Location, &rec.Size, &rec.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return PurgeResult{}, fmt.Errorf("release file record %s: %w", contentHash, err)
		}
		result.ReleasedFiles = append(result.ReleasedFiles, rec)
	}

	if _, err := t.q.ExecContext(ctx, `
		WITH released AS (
			DELETE FROM witnesses WHERE scope=$1 RETURNING merkle_root
		), totals AS (
			SELECT merkle_root, COUNT(*) AS n FROM released GROUP BY merkle_root
		)
		UPDATE witness_events e SET reference_count = e.reference_count - totals.n
		FROM totals WHERE e.merkle_root = totals.merkle_root
	`, scope); err != nil {
		return PurgeResult{}, fmt.Errorf("purge witnesses: %w", err)
	}
	if _, err := t.q.ExecContext(ctx, `DELETE FROM witness_events WHERE reference_count <= 0`); err != nil {
		return PurgeResult{}, fmt.Errorf("purge witness events: %w", err)
	}

	for _, table := range []string{"form_fields", "signatures", "links", "file_names"} {
		if _, err := t.q.ExecContext(ctx, `DELETE FROM `+table+` WHERE scope=$1`, scope); err != nil {
			return PurgeResult{}, fmt.Errorf("purge %s: %w", table, err)
		}
	}
	if _, err := t.q.ExecContext(ctx, `DELETE FROM revision_children WHERE scope=$1`, scope); err != nil {
		return PurgeResult{}, fmt.Errorf("purge children: %w", err)
	}

	res, err := t.q.ExecContext(ctx, `DELETE FROM latest WHERE scope=$1`, scope)
	if err != nil {
		return PurgeResult{}, fmt.Errorf("purge latest: %w", err)
	}
	documents, _ := res.RowsAffected()
	result.Documents = int(documents)

	res, err = t.q.ExecContext(ctx, `DELETE FROM revisions WHERE scope=$1`, scope)
	if err != nil {
		return PurgeResult{}, fmt.Errorf("purge revisions: %w", err)
	}
	revisions, _ := res.RowsAffected()
	result.Revisions = int(revisions)
	return result, nil
}

func (t *pgTx) collectStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		out = append(out, value)
	}
	return out, rows.Err()
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
