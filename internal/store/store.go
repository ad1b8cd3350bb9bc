package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/yangwenmai/draftsync/internal/model"
	"github.com/yangwenmai/draftsync/internal/pipeline"
	"github.com/yangwenmai/draftsync/internal/retry"
)

// Verify at compile time that Store implements all interfaces.
var (
	_ ArtifactReader  = (*Store)(nil)
	_ ArtifactWriter  = (*Store)(nil)
	_ ArtifactClaimer = (*Store)(nil)
	_ ResearchStore   = (*Store)(nil)
)

// Store provides data access to the SQLite database.
type Store struct {
	db     *sql.DB
	budget retry.Budget
	now    func() time.Time
	hooks  []func(Change)

	// writeMu serializes read-modify-write cycles so versions stay monotonic.
	writeMu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithRegenerationLimit overrides retry.ImageRegenerationLimit.
func WithRegenerationLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.budget = retry.NewBudget(n)
		}
	}
}

// WithClock overrides time.Now for version stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithChangeHook registers fn to be called after every committed artifact
// write, in version order. fn must not write to the store.
func WithChangeHook(fn func(Change)) Option {
	return func(s *Store) { s.hooks = append(s.hooks, fn) }
}

// New creates a new Store and initialises the schema.
func New(db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{db: db, budget: retry.NewBudget(retry.ImageRegenerationLimit), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// currentSchemaVersion is bumped whenever the schema changes.
// Add a new migration function in the migrations slice below.
const currentSchemaVersion = 2

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema version: %w", err)
		}
		version = 0
	} else if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	// Index 0 = migration from v0 to v1, etc.
	migrations := []func() error{
		s.migrateV1, // v0 → v1: artifacts
		s.migrateV2, // v1 → v2: research items
	}

	for i := version; i < len(migrations); i++ {
		if err := migrations[i](); err != nil {
			return fmt.Errorf("migration v%d→v%d: %w", i, i+1, err)
		}
		if _, err := s.db.Exec(`UPDATE schema_version SET version = ?`, i+1); err != nil {
			return fmt.Errorf("update schema version to %d: %w", i+1, err)
		}
	}
	return nil
}

func (s *Store) migrateV1() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS artifacts (
		id                   TEXT PRIMARY KEY,
		type                 TEXT NOT NULL,
		status               TEXT NOT NULL,
		content              TEXT,
		skeleton             TEXT,
		tone                 TEXT NOT NULL,
		tags                 TEXT NOT NULL DEFAULT '[]',
		visuals              TEXT NOT NULL DEFAULT '{}',
		metadata             TEXT NOT NULL DEFAULT 'null',
		claimed_at           TEXT,
		created_at           TEXT NOT NULL,
		updated_at           TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_status ON artifacts(status, updated_at);
	`)
	return err
}

func (s *Store) migrateV2() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS research (
		id          TEXT PRIMARY KEY,
		artifact_id TEXT NOT NULL REFERENCES artifacts(id) ON DELETE CASCADE,
		source_url  TEXT NOT NULL,
		title       TEXT NOT NULL DEFAULT '',
		excerpt     TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_research_artifact ON research(artifact_id, created_at ASC);
	`)
	return err
}

// ---------------------------------------------------------------------------
// Artifacts
// ---------------------------------------------------------------------------

const artifactColumns = `id, type, status, content, skeleton, tone, tags, visuals, metadata, updated_at`

// CreateArtifact inserts a new artifact and stamps its first version.
func (s *Store) CreateArtifact(ctx context.Context, a model.Artifact) (Change, error) {
	if !a.Type.Valid() {
		return Change{}, fmt.Errorf("create artifact: unknown type %q", a.Type)
	}
	if !a.Status.Valid() {
		return Change{}, fmt.Errorf("create artifact: unknown status %q", a.Status)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	a.Tags = model.NormalizeTags(a.Tags)
	if a.Metadata.Meta == nil {
		a.Metadata.Meta = model.DefaultMetadata(a.Type)
	} else if a.Metadata.Meta.ArtifactType() != a.Type {
		return Change{}, fmt.Errorf("create artifact: %s metadata on a %s", a.Metadata.Meta.ArtifactType(), a.Type)
	}
	a.UpdatedAt = s.now().UTC()
	row, err := encodeArtifact(&a)
	if err != nil {
		return Change{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, type, status, content, skeleton, tone, tags, visuals, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Type, a.Status, a.Content, a.Skeleton, a.Tone, row.tags, row.visuals, row.metadata,
		row.updatedAt, row.updatedAt,
	)
	if err != nil {
		return Change{}, err
	}
	ch := Change{New: a.Clone()}
	s.notify(ch)
	return ch, nil
}

// GetArtifact returns one artifact. A missing id is a NotFound error that
// also matches sql.ErrNoRows.
func (s *Store) GetArtifact(ctx context.Context, id string) (*model.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, id)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NewError(model.KindNotFound, "get artifact "+id, err)
	}
	return a, err
}

// ListArtifacts returns artifacts matching f, most recently updated first.
func (s *Store) ListArtifacts(ctx context.Context, f ArtifactFilter) ([]model.Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts`
	var conditions []string
	var args []any

	if len(f.Status) > 0 {
		placeholders := make([]string, len(f.Status))
		for i, st := range f.Status {
			placeholders[i] = "?"
			args = append(args, st)
		}
		conditions = append(conditions, "status IN ("+strings.Join(placeholders, ",")+")")
	}
	if f.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, f.Type)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// UpdateArtifact runs fn on the current record inside a transaction and
// stores the result with a new version. fn must not change the status along
// an illegal edge.
func (s *Store) UpdateArtifact(ctx context.Context, id string, fn func(a *model.Artifact) error) (Change, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Change{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	old, err := scanArtifact(tx.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Change{}, model.NewError(model.KindNotFound, "update artifact "+id, err)
	}
	if err != nil {
		return Change{}, err
	}

	next := old.Clone()
	if err := fn(next); err != nil {
		return Change{}, err
	}
	if next.Status != old.Status {
		if err := pipeline.ValidateTransition(old.Status, next.Status); err != nil {
			return Change{}, err
		}
	}
	next.ID = old.ID
	next.Type = old.Type
	next.Tags = model.NormalizeTags(next.Tags)
	next.UpdatedAt = s.nextVersion(old.UpdatedAt)

	row, err := encodeArtifact(next)
	if err != nil {
		return Change{}, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE artifacts SET status = ?, content = ?, skeleton = ?, tone = ?, tags = ?, visuals = ?, metadata = ?, updated_at = ?
		WHERE id = ?`,
		next.Status, next.Content, next.Skeleton, next.Tone, row.tags, row.visuals, row.metadata, row.updatedAt, id,
	)
	if err != nil {
		return Change{}, err
	}
	if err := tx.Commit(); err != nil {
		return Change{}, err
	}
	ch := Change{Old: old, New: next}
	s.notify(ch)
	return ch, nil
}

// ApplyPatch applies a partial update from a client. Status changes follow
// the pipeline graph, except that leaving the approval gate requires
// ApproveFoundations.
func (s *Store) ApplyPatch(ctx context.Context, id string, p model.ArtifactPatch) (Change, error) {
	if p.Tone != nil && !p.Tone.Valid() {
		return Change{}, fmt.Errorf("invalid tone %q", *p.Tone)
	}
	return s.UpdateArtifact(ctx, id, func(a *model.Artifact) error {
		if p.Status != nil {
			if *p.Status == a.Status {
				return model.Errorf(model.KindInvalidTransition, "patch status", "artifact is already %s", a.Status)
			}
			if pipeline.IsApprovalGated(a.Status) {
				return model.Errorf(model.KindInvalidTransition, "patch status",
					"%s is released by approve-foundations", a.Status)
			}
			a.Status = *p.Status
		}
		if p.Content != nil {
			a.Content = model.StringPtr(*p.Content)
		}
		if p.Tone != nil {
			a.Tone = *p.Tone
		}
		if p.Tags != nil {
			a.Tags = *p.Tags
		}
		return nil
	})
}

// ApproveFoundations releases the foundations gate, storing the edited
// skeleton when one is given.
func (s *Store) ApproveFoundations(ctx context.Context, id string, skeleton *string) (Change, error) {
	return s.UpdateArtifact(ctx, id, func(a *model.Artifact) error {
		if a.Status != model.StatusFoundationsApproval {
			return model.Errorf(model.KindConflict, "approve foundations", "artifact is %s, not awaiting approval", a.Status)
		}
		if skeleton != nil {
			a.Skeleton = model.StringPtr(*skeleton)
		}
		a.Status = model.StatusWriting
		return nil
	})
}

// SetImageDecisions records approval and edited descriptions for image needs.
func (s *Store) SetImageDecisions(ctx context.Context, id string, decisions []model.ImageDecision) (Change, error) {
	return s.UpdateArtifact(ctx, id, func(a *model.Artifact) error {
		if a.Status != model.StatusCreatingVisuals && a.Status != model.StatusReady {
			return model.Errorf(model.KindInvalidTransition, "approve images", "artifact is %s", a.Status)
		}
		for _, d := range decisions {
			found := false
			for i := range a.Visuals.Needs {
				n := &a.Visuals.Needs[i]
				if n.ID != d.ID {
					continue
				}
				found = true
				n.Approved = d.Approved
				if d.Description != nil {
					n.Description = *d.Description
				}
			}
			if !found {
				return model.Errorf(model.KindNotFound, "approve images", "image need %q", d.ID)
			}
		}
		return nil
	})
}

// AddImage records a generated image. img.GenerationAttempts is assigned
// here: one more than the need's previous attempts, refused with
// BudgetExhausted once the regeneration limit is reached.
func (s *Store) AddImage(ctx context.Context, id string, img model.FinalImage) (Change, error) {
	return s.UpdateArtifact(ctx, id, func(a *model.Artifact) error {
		if _, ok := a.Visuals.Need(img.ImageNeedID); !ok {
			return model.Errorf(model.KindNotFound, "add image", "image need %q", img.ImageNeedID)
		}
		attempts, err := s.budget.TryConsume(a.Visuals.Attempts(img.ImageNeedID))
		if err != nil {
			return err
		}
		img.GenerationAttempts = attempts
		if img.CreatedAt.IsZero() {
			img.CreatedAt = s.now().UTC()
		}
		a.Visuals.Images = append(a.Visuals.Images, img)
		return nil
	})
}

// DeleteArtifact removes an artifact and its research items.
func (s *Store) DeleteArtifact(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM research WHERE artifact_id = ?`, id); err != nil {
		return fmt.Errorf("delete research: %w", err)
	}
	old, err := scanArtifact(tx.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.NewError(model.KindNotFound, "delete artifact "+id, err)
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM artifacts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.notify(Change{Old: old})
	return nil
}

// ---------------------------------------------------------------------------
// Claims
// ---------------------------------------------------------------------------

// ClaimNextProcessing atomically picks the least recently updated unclaimed
// artifact in a processing stage. Returns nil if none is available. An
// artifact at creating_visuals whose needs were proposed waits on the user
// and is not claimable. Claims do not change the version.
func (s *Store) ClaimNextProcessing(ctx context.Context) (*model.Artifact, error) {
	var processing []any
	var placeholders []string
	for _, st := range model.Statuses {
		if pipeline.IsProcessing(st) {
			processing = append(processing, st)
			placeholders = append(placeholders, "?")
		}
	}
	args := append([]any{formatTime(s.now().UTC())}, processing...)
	args = append(args, model.StatusCreatingVisuals)

	row := s.db.QueryRowContext(ctx, `
		UPDATE artifacts SET claimed_at = ?
		WHERE id = (
			SELECT id FROM artifacts
			WHERE claimed_at IS NULL AND status IN (`+strings.Join(placeholders, ",")+`)
			  AND NOT (status = ? AND COALESCE(json_array_length(visuals, '$.needs'), 0) > 0)
			ORDER BY updated_at ASC LIMIT 1
		)
		RETURNING `+artifactColumns, args...)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// ReleaseClaim makes an artifact claimable again.
func (s *Store) ReleaseClaim(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE artifacts SET claimed_at = NULL WHERE id = ?`, id)
	return err
}

// ResetStaleClaims releases every claim (for server restart).
func (s *Store) ResetStaleClaims(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE artifacts SET claimed_at = NULL WHERE claimed_at IS NOT NULL`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---------------------------------------------------------------------------
// Research
// ---------------------------------------------------------------------------

// ListResearch returns the research items of an artifact, oldest first.
func (s *Store) ListResearch(ctx context.Context, artifactID string) ([]model.ResearchItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, artifact_id, source_url, title, excerpt, created_at FROM research WHERE artifact_id = ? ORDER BY created_at ASC, id ASC`,
		artifactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []model.ResearchItem{}
	for rows.Next() {
		var r model.ResearchItem
		var created string
		if err := rows.Scan(&r.ID, &r.ArtifactID, &r.SourceURL, &r.Title, &r.Excerpt, &created); err != nil {
			return nil, err
		}
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

// AddResearch inserts a research item.
func (s *Store) AddResearch(ctx context.Context, item model.ResearchItem) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO research (id, artifact_id, source_url, title, excerpt, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		item.ID, item.ArtifactID, item.SourceURL, item.Title, item.Excerpt, formatTime(item.CreatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "FOREIGN KEY") {
		return model.NewError(model.KindNotFound, "add research", err)
	}
	return err
}

// UpdateResearchExcerpt stores the extracted title and excerpt.
func (s *Store) UpdateResearchExcerpt(ctx context.Context, id, title, excerpt string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE research SET title = CASE WHEN ? != '' THEN ? ELSE title END, excerpt = ? WHERE id = ?`,
		title, title, excerpt, id)
	return err
}

// DeleteResearch removes one research item of an artifact.
func (s *Store) DeleteResearch(ctx context.Context, artifactID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM research WHERE id = ? AND artifact_id = ?`, id, artifactID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NewError(model.KindNotFound, "delete research "+id, sql.ErrNoRows)
	}
	return nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func (s *Store) notify(ch Change) {
	for _, fn := range s.hooks {
		fn(Change{Old: ch.Old.Clone(), New: ch.New.Clone()})
	}
}

// nextVersion returns a version strictly after prev.
func (s *Store) nextVersion(prev time.Time) time.Time {
	now := s.now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}

// Versions are compared as strings by ORDER BY, so the layout is fixed-width.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

type encodedArtifact struct {
	tags, visuals, metadata, updatedAt string
}

func encodeArtifact(a *model.Artifact) (encodedArtifact, error) {
	tags := a.Tags
	if tags == nil {
		tags = []string{}
	}
	t, err := json.Marshal(tags)
	if err != nil {
		return encodedArtifact{}, fmt.Errorf("encode tags: %w", err)
	}
	v, err := json.Marshal(a.Visuals)
	if err != nil {
		return encodedArtifact{}, fmt.Errorf("encode visuals: %w", err)
	}
	m, err := json.Marshal(a.Metadata)
	if err != nil {
		return encodedArtifact{}, fmt.Errorf("encode metadata: %w", err)
	}
	return encodedArtifact{tags: string(t), visuals: string(v), metadata: string(m), updatedAt: formatTime(a.UpdatedAt)}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row scanner) (*model.Artifact, error) {
	var (
		a                                   model.Artifact
		content, skeleton                   sql.NullString
		tags, visuals, metadata, updatedAt string
	)
	err := row.Scan(&a.ID, &a.Type, &a.Status, &content, &skeleton, &a.Tone, &tags, &visuals, &metadata, &updatedAt)
	if err != nil {
		return nil, err
	}
	if content.Valid {
		a.Content = model.StringPtr(content.String)
	}
	if skeleton.Valid {
		a.Skeleton = model.StringPtr(skeleton.String)
	}
	if err := json.Unmarshal([]byte(tags), &a.Tags); err != nil {
		return nil, fmt.Errorf("decode tags of %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(visuals), &a.Visuals); err != nil {
		return nil, fmt.Errorf("decode visuals of %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(metadata), &a.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata of %s: %w", a.ID, err)
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("decode updated_at of %s: %w", a.ID, err)
	}
	return &a, nil
}
