// internal/storage/schema.go
package storage

import "context"

// Schema holds the DDL for all durable entities. Applied by EnsureSchema,
// used directly by the integration tests.
const Schema = `
CREATE TABLE IF NOT EXISTS umbrellas (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	concurrency_limit INT NOT NULL,
	current_concurrency INT NOT NULL DEFAULT 0,
	max_tenants INT NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS tenant_assignments (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	umbrella_id UUID NOT NULL REFERENCES umbrellas(id),
	tenant_concurrency_cap INT NOT NULL,
	priority_weight INT NOT NULL DEFAULT 0,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS one_active_assignment_per_tenant
	ON tenant_assignments (tenant_id) WHERE is_active;

CREATE TABLE IF NOT EXISTS contacts (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	address TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	UNIQUE (tenant_id, address)
);

CREATE TABLE IF NOT EXISTS sequence_steps (
	id UUID PRIMARY KEY,
	sequence_id UUID NOT NULL,
	step_order INT NOT NULL,
	channel TEXT NOT NULL,
	content TEXT NOT NULL,
	delay_minutes INT NOT NULL DEFAULT 0,
	UNIQUE (sequence_id, step_order)
);

CREATE TABLE IF NOT EXISTS sequence_enrollments (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	contact_id UUID NOT NULL REFERENCES contacts(id),
	sequence_id UUID NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	current_step_order INT NOT NULL DEFAULT 1,
	next_step_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS enrollments_due
	ON sequence_enrollments (next_step_at) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS execution_log (
	id UUID PRIMARY KEY,
	enrollment_id UUID NOT NULL REFERENCES sequence_enrollments(id),
	step_id UUID NOT NULL REFERENCES sequence_steps(id),
	provider_message_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS execution_log_provider_id
	ON execution_log (provider_message_id);

CREATE TABLE IF NOT EXISTS migration_records (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	from_umbrella_id UUID NOT NULL,
	to_umbrella_id UUID NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	actor TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS contact_events (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	contact_address TEXT NOT NULL,
	direction TEXT NOT NULL,
	body TEXT NOT NULL DEFAULT '',
	classified_as TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// EnsureSchema creates all tables if they do not exist.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, Schema)
	return err
}
