// internal/storage/postgres.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"outreach-sequencer/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStaleWrite is returned when an optimistic update lost the race:
	// the row's updated_at no longer matches the token the caller read.
	ErrStaleWrite = errors.New("stale write: row changed since read")
)

type Storage struct {
	DB *sql.DB
}

func NewStorage(dsn string) (*Storage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to db: %w", err)
	}
	return &Storage{DB: db}, nil
}

// --- umbrellas ---

func (s *Storage) GetUmbrella(ctx context.Context, id uuid.UUID) (*model.Umbrella, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, name, type, concurrency_limit, current_concurrency, max_tenants, is_active, created_at
		FROM umbrellas WHERE id = $1`, id)

	var u model.Umbrella
	err := row.Scan(&u.ID, &u.Name, &u.Type, &u.ConcurrencyLimit, &u.CurrentConcurrency,
		&u.MaxTenants, &u.IsActive, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get umbrella: %w", err)
	}
	return &u, nil
}

func (s *Storage) ListUmbrellas(ctx context.Context) ([]model.Umbrella, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, name, type, concurrency_limit, current_concurrency, max_tenants, is_active, created_at
		FROM umbrellas ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list umbrellas: %w", err)
	}
	defer rows.Close()

	var out []model.Umbrella
	for rows.Next() {
		var u model.Umbrella
		if err := rows.Scan(&u.ID, &u.Name, &u.Type, &u.ConcurrencyLimit, &u.CurrentConcurrency,
			&u.MaxTenants, &u.IsActive, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan umbrella: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Storage) InsertUmbrella(ctx context.Context, u *model.Umbrella) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO umbrellas (id, name, type, concurrency_limit, current_concurrency, max_tenants, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, u.Name, u.Type, u.ConcurrencyLimit, u.CurrentConcurrency, u.MaxTenants, u.IsActive)
	return err
}

// UmbrellaLimit returns the concurrency limit of an active umbrella.
// Inactive umbrellas report a limit of zero so admission fails closed.
func (s *Storage) UmbrellaLimit(ctx context.Context, id uuid.UUID) (int, error) {
	var limit int
	var active bool
	err := s.DB.QueryRowContext(ctx,
		`SELECT concurrency_limit, is_active FROM umbrellas WHERE id = $1`, id).
		Scan(&limit, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("umbrella limit: %w", err)
	}
	if !active {
		return 0, nil
	}
	return limit, nil
}

// UpdateUmbrellaSnapshot persists the durable view of the live counter.
// The counter store stays authoritative for admission.
func (s *Storage) UpdateUmbrellaSnapshot(ctx context.Context, id uuid.UUID, current int) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE umbrellas SET current_concurrency = $1 WHERE id = $2`, current, id)
	return err
}

func (s *Storage) CountActiveTenants(ctx context.Context, umbrellaID uuid.UUID) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tenant_assignments WHERE umbrella_id = $1 AND is_active`, umbrellaID).
		Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active tenants: %w", err)
	}
	return n, nil
}

// --- tenant assignments ---

func (s *Storage) ActiveAssignment(ctx context.Context, tenantID uuid.UUID) (*model.TenantAssignment, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, tenant_id, umbrella_id, tenant_concurrency_cap, priority_weight, is_active, created_at
		FROM tenant_assignments WHERE tenant_id = $1 AND is_active`, tenantID)

	var a model.TenantAssignment
	err := row.Scan(&a.ID, &a.TenantID, &a.UmbrellaID, &a.TenantConcurrencyCap,
		&a.PriorityWeight, &a.IsActive, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("active assignment: %w", err)
	}
	return &a, nil
}

func (s *Storage) ListActiveAssignments(ctx context.Context) ([]model.TenantAssignment, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, tenant_id, umbrella_id, tenant_concurrency_cap, priority_weight, is_active, created_at
		FROM tenant_assignments WHERE is_active`)
	if err != nil {
		return nil, fmt.Errorf("list active assignments: %w", err)
	}
	defer rows.Close()

	var out []model.TenantAssignment
	for rows.Next() {
		var a model.TenantAssignment
		if err := rows.Scan(&a.ID, &a.TenantID, &a.UmbrellaID, &a.TenantConcurrencyCap,
			&a.PriorityWeight, &a.IsActive, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Storage) InsertAssignment(ctx context.Context, a *model.TenantAssignment) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO tenant_assignments (id, tenant_id, umbrella_id, tenant_concurrency_cap, priority_weight, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.TenantID, a.UmbrellaID, a.TenantConcurrencyCap, a.PriorityWeight, a.IsActive)
	return err
}

// TenantCap returns the tenant's concurrency cap within the given umbrella.
// A tenant without an active assignment on that umbrella gets a cap of zero.
func (s *Storage) TenantCap(ctx context.Context, umbrellaID, tenantID uuid.UUID) (int, error) {
	var tenantCap int
	err := s.DB.QueryRowContext(ctx, `
		SELECT tenant_concurrency_cap FROM tenant_assignments
		WHERE tenant_id = $1 AND umbrella_id = $2 AND is_active`, tenantID, umbrellaID).
		Scan(&tenantCap)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("tenant cap: %w", err)
	}
	return tenantCap, nil
}

// ListActiveTenantIDs returns the tenants currently assigned to an umbrella.
func (s *Storage) ListActiveTenantIDs(ctx context.Context, umbrellaID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT tenant_id FROM tenant_assignments WHERE umbrella_id = $1 AND is_active`, umbrellaID)
	if err != nil {
		return nil, fmt.Errorf("list active tenant ids: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tenant id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SwapAssignment deactivates the tenant's current assignment and activates a
// new one on the target umbrella in a single transaction, so concurrent
// schedulers never observe zero or two active rows.
func (s *Storage) SwapAssignment(ctx context.Context, tenantID, fromUmbrella, toUmbrella uuid.UUID, tenantCap, weight int) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin swap: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE tenant_assignments SET is_active = FALSE
		WHERE tenant_id = $1 AND umbrella_id = $2 AND is_active`, tenantID, fromUmbrella)
	if err != nil {
		return fmt.Errorf("deactivate assignment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate assignment: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tenant_assignments (id, tenant_id, umbrella_id, tenant_concurrency_cap, priority_weight, is_active)
		VALUES ($1, $2, $3, $4, $5, TRUE)`,
		uuid.New(), tenantID, toUmbrella, tenantCap, weight)
	if err != nil {
		return fmt.Errorf("activate assignment: %w", err)
	}

	return tx.Commit()
}

// --- contacts ---

func (s *Storage) InsertContact(ctx context.Context, c *model.Contact) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO contacts (id, tenant_id, address, name)
		VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		c.ID, c.TenantID, c.Address, c.Name)
	return err
}

func (s *Storage) ContactByAddress(ctx context.Context, tenantID uuid.UUID, address string) (*model.Contact, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, tenant_id, address, name FROM contacts
		WHERE tenant_id = $1 AND address = $2`, tenantID, address)

	var c model.Contact
	err := row.Scan(&c.ID, &c.TenantID, &c.Address, &c.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("contact by address: %w", err)
	}
	return &c, nil
}

func (s *Storage) ContactAddress(ctx context.Context, contactID uuid.UUID) (string, error) {
	var addr string
	err := s.DB.QueryRowContext(ctx,
		`SELECT address FROM contacts WHERE id = $1`, contactID).Scan(&addr)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("contact address: %w", err)
	}
	return addr, nil
}

// --- sequence steps ---

func (s *Storage) InsertStep(ctx context.Context, st *model.SequenceStep) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sequence_steps (id, sequence_id, step_order, channel, content, delay_minutes)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		st.ID, st.SequenceID, st.StepOrder, st.Channel, st.Content, st.DelayMinutes)
	return err
}

// StepAt returns the step at the given order within a sequence, or
// ErrNotFound past the end of the sequence.
func (s *Storage) StepAt(ctx context.Context, sequenceID uuid.UUID, order int) (*model.SequenceStep, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, sequence_id, step_order, channel, content, delay_minutes
		FROM sequence_steps WHERE sequence_id = $1 AND step_order = $2`, sequenceID, order)
	return scanStep(row)
}

func scanStep(row *sql.Row) (*model.SequenceStep, error) {
	var st model.SequenceStep
	err := row.Scan(&st.ID, &st.SequenceID, &st.StepOrder, &st.Channel, &st.Content, &st.DelayMinutes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan step: %w", err)
	}
	return &st, nil
}

// --- enrollments ---

func (s *Storage) InsertEnrollment(ctx context.Context, e *model.SequenceEnrollment) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sequence_enrollments (id, tenant_id, contact_id, sequence_id, status, current_step_order, next_step_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		e.ID, e.TenantID, e.ContactID, e.SequenceID, e.Status, e.CurrentStepOrder, e.NextStepAt)
	return err
}

func (s *Storage) GetEnrollment(ctx context.Context, id uuid.UUID) (*model.SequenceEnrollment, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, tenant_id, contact_id, sequence_id, status, current_step_order, next_step_at, updated_at
		FROM sequence_enrollments WHERE id = $1`, id)

	var e model.SequenceEnrollment
	err := row.Scan(&e.ID, &e.TenantID, &e.ContactID, &e.SequenceID, &e.Status,
		&e.CurrentStepOrder, &e.NextStepAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get enrollment: %w", err)
	}
	return &e, nil
}

// DueEnrollments returns active enrollments whose next step is due, oldest
// first, bounded by limit so a single tick never does unbounded work.
func (s *Storage) DueEnrollments(ctx context.Context, now time.Time, limit int) ([]model.SequenceEnrollment, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, tenant_id, contact_id, sequence_id, status, current_step_order, next_step_at, updated_at
		FROM sequence_enrollments
		WHERE status = 'active' AND next_step_at IS NOT NULL AND next_step_at <= $1
		ORDER BY next_step_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("due enrollments: %w", err)
	}
	defer rows.Close()

	var out []model.SequenceEnrollment
	for rows.Next() {
		var e model.SequenceEnrollment
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ContactID, &e.SequenceID, &e.Status,
			&e.CurrentStepOrder, &e.NextStepAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EnrollmentsForContact returns the contact's enrollments that can still be
// moved by an inbound signal (active or paused).
func (s *Storage) EnrollmentsForContact(ctx context.Context, contactID uuid.UUID) ([]model.SequenceEnrollment, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, tenant_id, contact_id, sequence_id, status, current_step_order, next_step_at, updated_at
		FROM sequence_enrollments
		WHERE contact_id = $1 AND status IN ('active', 'paused')`, contactID)
	if err != nil {
		return nil, fmt.Errorf("enrollments for contact: %w", err)
	}
	defer rows.Close()

	var out []model.SequenceEnrollment
	for rows.Next() {
		var e model.SequenceEnrollment
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ContactID, &e.SequenceID, &e.Status,
			&e.CurrentStepOrder, &e.NextStepAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateEnrollment applies a state transition with an optimistic precondition
// on updated_at. ErrStaleWrite means a concurrent writer got there first; the
// caller re-reads and decides whether to retry.
func (s *Storage) UpdateEnrollment(ctx context.Context, id uuid.UUID, status model.EnrollmentStatus, stepOrder int, nextStepAt *time.Time, expect time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE sequence_enrollments
		SET status = $2, current_step_order = $3, next_step_at = $4, updated_at = NOW()
		WHERE id = $1 AND updated_at = $5`,
		id, status, stepOrder, nextStepAt, expect)
	if err != nil {
		return fmt.Errorf("update enrollment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update enrollment: %w", err)
	}
	if n == 0 {
		return ErrStaleWrite
	}
	return nil
}

// --- execution log ---

func (s *Storage) InsertExecutionLog(ctx context.Context, e *model.ExecutionLogEntry) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO execution_log (id, enrollment_id, step_id, provider_message_id, status, error_message)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.EnrollmentID, e.StepID, e.ProviderMessageID, e.Status, e.ErrorMessage)
	return err
}

func (s *Storage) ExecutionLogByProviderID(ctx context.Context, providerMessageID string) (*model.ExecutionLogEntry, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, enrollment_id, step_id, provider_message_id, status, error_message, created_at, updated_at
		FROM execution_log WHERE provider_message_id = $1`, providerMessageID)

	var e model.ExecutionLogEntry
	err := row.Scan(&e.ID, &e.EnrollmentID, &e.StepID, &e.ProviderMessageID,
		&e.Status, &e.ErrorMessage, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("execution log by provider id: %w", err)
	}
	return &e, nil
}

// UpdateExecutionLogStatus updates the log row matched by provider message
// id and reports whether any row matched. An unmatched id is not an error.
func (s *Storage) UpdateExecutionLogStatus(ctx context.Context, providerMessageID string, status model.DispatchStatus, errorMessage string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE execution_log
		SET status = $2, error_message = $3, updated_at = NOW()
		WHERE provider_message_id = $1`,
		providerMessageID, status, errorMessage)
	if err != nil {
		return false, fmt.Errorf("update execution log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update execution log: %w", err)
	}
	return n > 0, nil
}

// --- migration records, contact events ---

func (s *Storage) InsertMigrationRecord(ctx context.Context, m *model.MigrationRecord) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO migration_records (id, tenant_id, from_umbrella_id, to_umbrella_id, reason, actor)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.TenantID, m.FromUmbrellaID, m.ToUmbrellaID, m.Reason, m.Actor)
	return err
}

func (s *Storage) InsertContactEvent(ctx context.Context, e *model.ContactEvent) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO contact_events (id, tenant_id, contact_address, direction, body, classified_as)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.TenantID, e.ContactAddress, e.Direction, e.Body, e.ClassifiedAs)
	return err
}
