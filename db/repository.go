// Package db is the Repository of spec.md §4.D: persistent CRUD and the
// filtered queries the core relies on, backed by a pure-Go SQLite
// driver (modernc.org/sqlite) exactly as boxer.go opens its database.
package db

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/vapiorc/vapiorc/vmtypes"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("db: not found")

// Repository wraps the sqlite connection backing golden images and VM instances.
type Repository struct {
	sqlDB *sql.DB
}

// Open opens (and, if necessary, creates) the sqlite database at dsn,
// enables WAL mode for concurrent readers, and applies the embedded
// schema idempotently. _txlock=immediate is appended to dsn so every
// sql.Tx opened against it (ClaimReadyHotSpare's, in particular) takes
// its write lock at BEGIN rather than at the first write statement.
func Open(dsn string) (*Repository, error) {
	sqlDB, err := sql.Open("sqlite", withTxLockImmediate(dsn))
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", dsn, err)
	}

	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("db: enable WAL mode: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA foreign_keys=ON"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("db: enable foreign keys: %w", err)
	}
	if _, err := sqlDB.Exec(schemaSQL); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("db: apply schema: %w", err)
	}

	return &Repository{sqlDB: sqlDB}, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.sqlDB.Close()
}

func withTxLockImmediate(dsn string) string {
	if strings.Contains(dsn, "_txlock=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_txlock=immediate"
}

// --- GoldenImage -----------------------------------------------------

// InsertGoldenImage creates a new GoldenImage record with a fresh UUID.
func (r *Repository) InsertGoldenImage(ctx context.Context, vmType, label string) (*vmtypes.GoldenImage, error) {
	now := time.Now().UTC()
	gi := &vmtypes.GoldenImage{
		ID:        uuid.NewString(),
		VMType:    vmType,
		Status:    vmtypes.GoldenImageCreating,
		Label:     label,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := r.sqlDB.ExecContext(ctx,
		`INSERT INTO golden_images (id, vm_type, status, label, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		gi.ID, gi.VMType, string(gi.Status), gi.Label, gi.CreatedAt, gi.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("db: insert golden image: %w", err)
	}
	return gi, nil
}

// GetGoldenImage fetches a GoldenImage by id.
func (r *Repository) GetGoldenImage(ctx context.Context, id string) (*vmtypes.GoldenImage, error) {
	row := r.sqlDB.QueryRowContext(ctx,
		`SELECT id, vm_type, status, label, created_at, updated_at FROM golden_images WHERE id = ?`, id)
	return scanGoldenImage(row)
}

// SetGoldenImageStatus updates the status (and updated_at) of a GoldenImage.
func (r *Repository) SetGoldenImageStatus(ctx context.Context, id string, status vmtypes.GoldenImageStatus) error {
	res, err := r.sqlDB.ExecContext(ctx,
		`UPDATE golden_images SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("db: set golden image status: %w", err)
	}
	return requireRowAffected(res, ErrNotFound)
}

// FindGoldenImage returns the most recently created GoldenImage matching
// vmType and status, per spec.md §4.D (status ∈ {ready, creating}).
func (r *Repository) FindGoldenImage(ctx context.Context, vmType string, status vmtypes.GoldenImageStatus) (*vmtypes.GoldenImage, error) {
	row := r.sqlDB.QueryRowContext(ctx,
		`SELECT id, vm_type, status, label, created_at, updated_at
		   FROM golden_images
		  WHERE vm_type = ? AND status = ?
		  ORDER BY created_at DESC
		  LIMIT 1`, vmType, string(status))
	return scanGoldenImage(row)
}

func scanGoldenImage(row *sql.Row) (*vmtypes.GoldenImage, error) {
	var gi vmtypes.GoldenImage
	var status string
	if err := row.Scan(&gi.ID, &gi.VMType, &status, &gi.Label, &gi.CreatedAt, &gi.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("db: scan golden image: %w", err)
	}
	gi.Status = vmtypes.GoldenImageStatus(status)
	return &gi, nil
}

// --- VMInstance --------------------------------------------------------

// InsertVMInstance creates a new VMInstance record in "starting" status.
func (r *Repository) InsertVMInstance(ctx context.Context, vmType string, isHotSpare bool, label string) (*vmtypes.VMInstance, error) {
	now := time.Now().UTC()
	vi := &vmtypes.VMInstance{
		ID:         uuid.NewString(),
		VMType:     vmType,
		Status:     vmtypes.InstanceStarting,
		IsHotSpare: isHotSpare,
		Label:      label,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err := r.sqlDB.ExecContext(ctx,
		`INSERT INTO vm_instances (id, container_id, vm_type, status, port, is_hot_spare, assigned_to, label, created_at, updated_at)
		 VALUES (?, '', ?, ?, 0, ?, NULL, ?, ?, ?)`,
		vi.ID, vi.VMType, string(vi.Status), boolToInt(vi.IsHotSpare), vi.Label, vi.CreatedAt, vi.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("db: insert vm instance: %w", err)
	}
	return vi, nil
}

// GetVMInstance fetches a VMInstance by id.
func (r *Repository) GetVMInstance(ctx context.Context, id string) (*vmtypes.VMInstance, error) {
	row := r.sqlDB.QueryRowContext(ctx, selectVMInstanceSQL+` WHERE id = ?`, id)
	return scanVMInstance(row)
}

// ListVMInstances returns every VMInstance record.
func (r *Repository) ListVMInstances(ctx context.Context) ([]*vmtypes.VMInstance, error) {
	rows, err := r.sqlDB.QueryContext(ctx, selectVMInstanceSQL+` ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("db: list vm instances: %w", err)
	}
	defer rows.Close()

	var out []*vmtypes.VMInstance
	for rows.Next() {
		vi, err := scanVMInstanceRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, vi)
	}
	return out, rows.Err()
}

// SetVMInstanceStatus updates only the status of a VMInstance.
func (r *Repository) SetVMInstanceStatus(ctx context.Context, id string, status vmtypes.InstanceStatus) error {
	res, err := r.sqlDB.ExecContext(ctx,
		`UPDATE vm_instances SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("db: set vm instance status: %w", err)
	}
	return requireRowAffected(res, ErrNotFound)
}

// TransitionVMInstanceStatus updates status only if the current status
// equals from, returning (changed=false, nil) when it did not — the
// idempotent compare-and-swap spec.md §4.J's webhook dispatch needs.
func (r *Repository) TransitionVMInstanceStatus(ctx context.Context, id string, from, to vmtypes.InstanceStatus) (bool, error) {
	res, err := r.sqlDB.ExecContext(ctx,
		`UPDATE vm_instances SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC(), id, string(from))
	if err != nil {
		return false, fmt.Errorf("db: transition vm instance status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("db: rows affected: %w", err)
	}
	return n > 0, nil
}

// SetVMInstanceLaunched records the container id and port assigned after launch.
func (r *Repository) SetVMInstanceLaunched(ctx context.Context, id, containerID string, port int) error {
	res, err := r.sqlDB.ExecContext(ctx,
		`UPDATE vm_instances SET container_id = ?, port = ?, updated_at = ? WHERE id = ?`,
		containerID, port, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("db: set vm instance launched: %w", err)
	}
	return requireRowAffected(res, ErrNotFound)
}

// DeleteVMInstance removes a VMInstance row. Deleting an absent row is a no-op.
func (r *Repository) DeleteVMInstance(ctx context.Context, id string) error {
	if _, err := r.sqlDB.ExecContext(ctx, `DELETE FROM vm_instances WHERE id = ?`, id); err != nil {
		return fmt.Errorf("db: delete vm instance: %w", err)
	}
	return nil
}

// CountReadyUnassignedHotSpares counts hot spares per spec.md §3's definition.
func (r *Repository) CountReadyUnassignedHotSpares(ctx context.Context, vmType string) (int, error) {
	var n int
	err := r.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vm_instances
		  WHERE vm_type = ? AND is_hot_spare = 1 AND status = ? AND assigned_to IS NULL`,
		vmType, string(vmtypes.InstanceReady)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("db: count ready unassigned hot spares: %w", err)
	}
	return n, nil
}

// ClaimReadyHotSpare atomically claims one hot spare for caller, or
// returns ErrNotFound if none is available. SQLite has no row-level
// locks, so the connection's _txlock=immediate DSN option (set by
// Open) takes the write lock at BEGIN rather than at the first write,
// the idiomatic single-file-database stand-in for spec.md §4.I's
// "SELECT ... FOR UPDATE": a second concurrent ClaimReadyHotSpare
// blocks (or fails with SQLITE_BUSY) until the first transaction
// commits or rolls back, so at most one caller observes any given
// spare as claimable.
func (r *Repository) ClaimReadyHotSpare(ctx context.Context, vmType, caller string) (*vmtypes.VMInstance, error) {
	tx, err := r.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("db: begin claim tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, selectVMInstanceSQL+`
		WHERE vm_type = ? AND is_hot_spare = 1 AND status = ? AND assigned_to IS NULL
		ORDER BY created_at ASC
		LIMIT 1`, vmType, string(vmtypes.InstanceReady))

	vi, err := scanVMInstance(row)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE vm_instances SET assigned_to = ?, is_hot_spare = 0, status = ?, updated_at = ? WHERE id = ?`,
		caller, string(vmtypes.InstanceBusy), time.Now().UTC(), vi.ID); err != nil {
		return nil, fmt.Errorf("db: claim hot spare: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("db: commit claim tx: %w", err)
	}

	vi.AssignedTo = &caller
	vi.IsHotSpare = false
	vi.Status = vmtypes.InstanceBusy
	return vi, nil
}

// AssignDirect transitions a freshly created (still "starting") instance
// straight to "busy", used by the assignment path when no hot spare was
// available (spec.md §4.I step 2).
func (r *Repository) AssignDirect(ctx context.Context, id, caller string) error {
	res, err := r.sqlDB.ExecContext(ctx,
		`UPDATE vm_instances SET assigned_to = ?, is_hot_spare = 0, status = ?, updated_at = ? WHERE id = ?`,
		caller, string(vmtypes.InstanceBusy), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("db: assign direct: %w", err)
	}
	return requireRowAffected(res, ErrNotFound)
}

const selectVMInstanceSQL = `
	SELECT id, container_id, vm_type, status, port, is_hot_spare, assigned_to, label, created_at, updated_at
	  FROM vm_instances`

func scanVMInstance(row *sql.Row) (*vmtypes.VMInstance, error) {
	var vi vmtypes.VMInstance
	var status string
	var isHotSpare int
	var assignedTo sql.NullString
	if err := row.Scan(&vi.ID, &vi.ContainerID, &vi.VMType, &status, &vi.Port, &isHotSpare, &assignedTo, &vi.Label, &vi.CreatedAt, &vi.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("db: scan vm instance: %w", err)
	}
	vi.Status = vmtypes.InstanceStatus(status)
	vi.IsHotSpare = isHotSpare != 0
	if assignedTo.Valid {
		vi.AssignedTo = &assignedTo.String
	}
	return &vi, nil
}

func scanVMInstanceRows(rows *sql.Rows) (*vmtypes.VMInstance, error) {
	var vi vmtypes.VMInstance
	var status string
	var isHotSpare int
	var assignedTo sql.NullString
	if err := rows.Scan(&vi.ID, &vi.ContainerID, &vi.VMType, &status, &vi.Port, &isHotSpare, &assignedTo, &vi.Label, &vi.CreatedAt, &vi.UpdatedAt); err != nil {
		return nil, fmt.Errorf("db: scan vm instance row: %w", err)
	}
	vi.Status = vmtypes.InstanceStatus(status)
	vi.IsHotSpare = isHotSpare != 0
	if assignedTo.Valid {
		vi.AssignedTo = &assignedTo.String
	}
	return &vi, nil
}

func requireRowAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db: rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
