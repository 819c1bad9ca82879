package storage

import (
	"context"
	"fmt"
)

// SchemaVersion is written to schema_versions after a successful migration.
const SchemaVersion = 4

// schemaStatements is applied in order inside one transaction. Everything
// here is idempotent so the migrator can re-run safely.
//
// The triggers are the invariant kernel. Each raises an exception whose
// message starts with a stable "HX###:" code; hxerr.FromDB maps them back
// to structured errors. Timestamps come from the database clock (now()),
// never the application clock.
var schemaStatements = []string{
	// ------------------------------------------------------------------
	// Business tables
	// ------------------------------------------------------------------
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		email TEXT UNIQUE NOT NULL,
		role_hint TEXT NOT NULL DEFAULT 'worker',
		trust_tier TEXT NOT NULL DEFAULT 'ROOKIE',
		trust_hold BOOLEAN NOT NULL DEFAULT FALSE,
		trust_hold_reason TEXT,
		trust_hold_until TIMESTAMPTZ,
		payouts_locked BOOLEAN NOT NULL DEFAULT FALSE,
		payouts_locked_reason TEXT,
		payouts_locked_at TIMESTAMPTZ,
		plan TEXT NOT NULL DEFAULT 'free',
		plan_subscribed_at TIMESTAMPTZ,
		plan_expires_at TIMESTAMPTZ,
		recurring_task_limit INTEGER NOT NULL DEFAULT 2,
		phone_verified BOOLEAN NOT NULL DEFAULT FALSE,
		payment_method_verified BOOLEAN NOT NULL DEFAULT FALSE,
		id_verified BOOLEAN NOT NULL DEFAULT FALSE,
		security_deposit_locked BOOLEAN NOT NULL DEFAULT FALSE,
		xp_total BIGINT NOT NULL DEFAULT 0,
		streak_days INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id UUID PRIMARY KEY,
		poster_id UUID NOT NULL REFERENCES users(id),
		worker_id UUID REFERENCES users(id),
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		price BIGINT NOT NULL CHECK (price > 0),
		location TEXT,
		category TEXT,
		requires_proof BOOLEAN NOT NULL DEFAULT TRUE,
		risk_level TEXT NOT NULL DEFAULT 'TIER_0',
		mode TEXT NOT NULL DEFAULT 'STANDARD',
		instant_mode BOOLEAN NOT NULL DEFAULT FALSE,
		sensitive BOOLEAN NOT NULL DEFAULT FALSE,
		series_id UUID,
		due_by TIMESTAMPTZ,
		state TEXT NOT NULL DEFAULT 'OPEN',
		progress_state TEXT NOT NULL DEFAULT 'POSTED',
		version INTEGER NOT NULL DEFAULT 1,
		accepted_at TIMESTAMPTZ,
		proof_submitted_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		cancelled_at TIMESTAMPTZ,
		expired_at TIMESTAMPTZ,
		disputed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_poster ON tasks(poster_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_worker ON tasks(worker_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state)`,

	`CREATE TABLE IF NOT EXISTS task_series (
		id UUID PRIMARY KEY,
		owner_id UUID NOT NULL REFERENCES users(id),
		title TEXT NOT NULL,
		cadence TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS escrows (
		id UUID PRIMARY KEY,
		task_id UUID NOT NULL UNIQUE REFERENCES tasks(id),
		amount BIGINT NOT NULL CHECK (amount > 0),
		state TEXT NOT NULL DEFAULT 'PENDING',
		payment_intent_id TEXT,
		transfer_id TEXT,
		refund_id TEXT,
		refund_amount BIGINT,
		release_amount BIGINT,
		version INTEGER NOT NULL DEFAULT 1,
		funded_at TIMESTAMPTZ,
		released_at TIMESTAMPTZ,
		refunded_at TIMESTAMPTZ,
		locked_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT escrow_partial_sums CHECK (
			state <> 'REFUND_PARTIAL'
			OR (refund_amount IS NOT NULL AND release_amount IS NOT NULL
			    AND refund_amount + release_amount = amount)
		)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_escrows_intent ON escrows(payment_intent_id)`,

	`CREATE TABLE IF NOT EXISTS proofs (
		id UUID PRIMARY KEY,
		task_id UUID NOT NULL REFERENCES tasks(id),
		submitter_id UUID NOT NULL REFERENCES users(id),
		state TEXT NOT NULL DEFAULT 'PENDING',
		description TEXT NOT NULL DEFAULT '',
		media JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_proofs_task ON proofs(task_id)`,

	`CREATE TABLE IF NOT EXISTS disputes (
		id UUID PRIMARY KEY,
		task_id UUID NOT NULL REFERENCES tasks(id),
		escrow_id UUID NOT NULL REFERENCES escrows(id),
		initiated_by UUID NOT NULL REFERENCES users(id),
		poster_id UUID NOT NULL REFERENCES users(id),
		worker_id UUID NOT NULL REFERENCES users(id),
		reason TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'OPEN',
		version INTEGER NOT NULL DEFAULT 1,
		evidence JSONB NOT NULL DEFAULT '[]',
		outcome TEXT,
		refund_amount BIGINT,
		release_amount BIGINT,
		resolved_by UUID,
		resolved_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_disputes_task ON disputes(task_id)`,

	`CREATE TABLE IF NOT EXISTS admin_roles (
		user_id UUID PRIMARY KEY REFERENCES users(id),
		can_resolve_disputes BOOLEAN NOT NULL DEFAULT FALSE,
		granted_by UUID,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	// ------------------------------------------------------------------
	// Append-only ledgers
	// ------------------------------------------------------------------
	`CREATE TABLE IF NOT EXISTS xp_ledger (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id),
		task_id UUID NOT NULL REFERENCES tasks(id),
		escrow_id UUID NOT NULL REFERENCES escrows(id),
		base_xp BIGINT NOT NULL,
		effective_xp BIGINT NOT NULL,
		xp_before BIGINT NOT NULL,
		xp_after BIGINT NOT NULL,
		level_before INTEGER NOT NULL,
		level_after INTEGER NOT NULL,
		streak_at_award INTEGER NOT NULL,
		reason TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT xp_ledger_once UNIQUE (user_id, task_id, escrow_id)
	)`,

	`CREATE TABLE IF NOT EXISTS badges (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id),
		badge_type TEXT NOT NULL,
		awarded_for TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS trust_ledger (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id),
		tier_before TEXT NOT NULL,
		tier_after TEXT NOT NULL,
		source TEXT NOT NULL,
		reason TEXT,
		idempotency_key TEXT UNIQUE NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS revenue_ledger (
		id UUID PRIMARY KEY,
		task_id UUID REFERENCES tasks(id),
		escrow_id UUID REFERENCES escrows(id),
		entry_type TEXT NOT NULL,
		amount BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_revenue_once
		ON revenue_ledger(escrow_id, entry_type) WHERE escrow_id IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS xp_tax_ledger (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id),
		task_id UUID NOT NULL REFERENCES tasks(id),
		gross_amount BIGINT NOT NULL,
		tax_amount BIGINT NOT NULL,
		held_xp BIGINT NOT NULL DEFAULT 0,
		xp_held_back BOOLEAN NOT NULL DEFAULT TRUE,
		tax_paid BOOLEAN NOT NULL DEFAULT FALSE,
		paid_at TIMESTAMPTZ,
		payment_intent_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_xp_tax_user_unpaid ON xp_tax_ledger(user_id) WHERE NOT tax_paid`,

	`CREATE TABLE IF NOT EXISTS user_xp_tax_status (
		user_id UUID PRIMARY KEY REFERENCES users(id),
		total_unpaid_tax_cents BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS payment_disputes (
		id UUID PRIMARY KEY,
		escrow_id UUID REFERENCES escrows(id),
		worker_id UUID REFERENCES users(id),
		external_id TEXT UNIQUE NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		amount BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	// ------------------------------------------------------------------
	// Fabric tables
	// ------------------------------------------------------------------
	`CREATE TABLE IF NOT EXISTS external_payment_events (
		external_id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		payload JSONB NOT NULL,
		claimed_at TIMESTAMPTZ,
		processed_at TIMESTAMPTZ,
		result TEXT,
		error_message TEXT,
		recovery_note TEXT,
		received_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_events_stuck
		ON external_payment_events(claimed_at)
		WHERE result = 'processing' AND processed_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS outbox (
		id BIGSERIAL PRIMARY KEY,
		event_type TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		event_version INTEGER NOT NULL,
		idempotency_key TEXT UNIQUE NOT NULL,
		payload JSONB NOT NULL,
		queue_name TEXT NOT NULL,
		dispatched_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(id) WHERE dispatched_at IS NULL`,

	// ------------------------------------------------------------------
	// Projections (written only by the recompute service)
	// ------------------------------------------------------------------
	`CREATE TABLE IF NOT EXISTS capability_profiles (
		user_id UUID PRIMARY KEY REFERENCES users(id),
		trust_tier TEXT NOT NULL,
		insurance_valid BOOLEAN NOT NULL DEFAULT FALSE,
		insurance_expires_at TIMESTAMPTZ,
		recomputed_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS verified_trades (
		user_id UUID NOT NULL REFERENCES users(id),
		trade TEXT NOT NULL,
		license_number TEXT,
		expires_at TIMESTAMPTZ,
		recomputed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, trade)
	)`,

	`CREATE TABLE IF NOT EXISTS verification_records (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id),
		record_type TEXT NOT NULL,
		trade TEXT,
		license_number TEXT,
		valid BOOLEAN NOT NULL DEFAULT TRUE,
		expires_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS schema_versions (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	// ------------------------------------------------------------------
	// Invariant triggers
	// ------------------------------------------------------------------

	// HX001: terminal tasks are immutable on the lifecycle axis.
	// Transitioning INTO a terminal state is an update from a non-terminal
	// OLD row, so it passes. The progress axis stays writable: settlement
	// pins progress to CLOSED on an already-COMPLETED row, touching only
	// progress_state, version and updated_at, and that update must pass.
	`CREATE OR REPLACE FUNCTION hx_task_terminal_guard() RETURNS trigger AS $$
	BEGIN
		IF OLD.state IN ('COMPLETED', 'CANCELLED', 'EXPIRED')
			AND (to_jsonb(NEW) - 'progress_state' - 'version' - 'updated_at')
				IS DISTINCT FROM (to_jsonb(OLD) - 'progress_state' - 'version' - 'updated_at') THEN
			RAISE EXCEPTION 'HX001: task % is in terminal state % and cannot be modified', OLD.id, OLD.state;
		END IF;
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS trg_task_terminal_guard ON tasks`,
	`CREATE TRIGGER trg_task_terminal_guard
		BEFORE UPDATE ON tasks
		FOR EACH ROW EXECUTE FUNCTION hx_task_terminal_guard()`,

	// HX301: a task may reach COMPLETED only if an ACCEPTED proof exists,
	// when the task requires proof.
	`CREATE OR REPLACE FUNCTION hx_task_completion_guard() RETURNS trigger AS $$
	BEGIN
		IF NEW.state = 'COMPLETED' AND OLD.state IS DISTINCT FROM 'COMPLETED' AND NEW.requires_proof THEN
			IF NOT EXISTS (
				SELECT 1 FROM proofs WHERE task_id = NEW.id AND state = 'ACCEPTED'
			) THEN
				RAISE EXCEPTION 'HX301: task % cannot reach COMPLETED without an ACCEPTED proof', NEW.id;
			END IF;
		END IF;
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS trg_task_completion_guard ON tasks`,
	`CREATE TRIGGER trg_task_completion_guard
		BEFORE UPDATE ON tasks
		FOR EACH ROW EXECUTE FUNCTION hx_task_completion_guard()`,

	// HX902: LIVE mode price floor.
	`CREATE OR REPLACE FUNCTION hx_live_price_guard() RETURNS trigger AS $$
	BEGIN
		IF NEW.mode = 'LIVE' AND NEW.price < 1500 THEN
			RAISE EXCEPTION 'HX902: LIVE mode requires price >= 1500, got %', NEW.price;
		END IF;
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS trg_live_price_guard ON tasks`,
	`CREATE TRIGGER trg_live_price_guard
		BEFORE INSERT OR UPDATE ON tasks
		FOR EACH ROW EXECUTE FUNCTION hx_live_price_guard()`,

	// HX002 / HX004 / HX201 / HX801: escrow guards.
	`CREATE OR REPLACE FUNCTION hx_escrow_guard() RETURNS trigger AS $$
	DECLARE
		task_state TEXT;
		worker UUID;
		locked BOOLEAN;
	BEGIN
		IF OLD.state IN ('RELEASED', 'REFUNDED', 'REFUND_PARTIAL') THEN
			RAISE EXCEPTION 'HX002: escrow % is in terminal state % and cannot be modified', OLD.id, OLD.state;
		END IF;
		IF NEW.amount IS DISTINCT FROM OLD.amount THEN
			RAISE EXCEPTION 'HX004: escrow amount is immutable (% -> %)', OLD.amount, NEW.amount;
		END IF;
		IF NEW.state = 'RELEASED' AND OLD.state IS DISTINCT FROM 'RELEASED' THEN
			SELECT t.state, t.worker_id INTO task_state, worker FROM tasks t WHERE t.id = NEW.task_id;
			IF task_state IS DISTINCT FROM 'COMPLETED' THEN
				RAISE EXCEPTION 'HX201: escrow % cannot be RELEASED while task is % (requires COMPLETED)', NEW.id, task_state;
			END IF;
			IF worker IS NOT NULL THEN
				SELECT u.payouts_locked INTO locked FROM users u WHERE u.id = worker;
				IF locked THEN
					RAISE EXCEPTION 'HX801: escrow % release blocked: worker payouts are locked', NEW.id;
				END IF;
			END IF;
		END IF;
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS trg_escrow_guard ON escrows`,
	`CREATE TRIGGER trg_escrow_guard
		BEFORE UPDATE ON escrows
		FOR EACH ROW EXECUTE FUNCTION hx_escrow_guard()`,

	// HX101 + HX201 (tax gate): XP ledger inserts.
	`CREATE OR REPLACE FUNCTION hx_xp_insert_guard() RETURNS trigger AS $$
	DECLARE
		escrow_state TEXT;
		unpaid BIGINT;
	BEGIN
		SELECT e.state INTO escrow_state FROM escrows e WHERE e.id = NEW.escrow_id;
		IF escrow_state IS DISTINCT FROM 'RELEASED' THEN
			RAISE EXCEPTION 'HX101: XP award requires escrow % to be RELEASED, got %', NEW.escrow_id, escrow_state;
		END IF;
		SELECT s.total_unpaid_tax_cents INTO unpaid FROM user_xp_tax_status s WHERE s.user_id = NEW.user_id;
		IF unpaid IS NOT NULL AND unpaid > 0 THEN
			RAISE EXCEPTION 'HX201: XP award blocked: user % has % cents of unpaid offline tax', NEW.user_id, unpaid;
		END IF;
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS trg_xp_insert_guard ON xp_ledger`,
	`CREATE TRIGGER trg_xp_insert_guard
		BEFORE INSERT ON xp_ledger
		FOR EACH ROW EXECUTE FUNCTION hx_xp_insert_guard()`,

	// HX102: the XP ledger is append-only.
	`CREATE OR REPLACE FUNCTION hx_xp_mutation_guard() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'HX102: xp_ledger is append-only (% forbidden)', TG_OP;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS trg_xp_mutation_guard ON xp_ledger`,
	`CREATE TRIGGER trg_xp_mutation_guard
		BEFORE UPDATE OR DELETE ON xp_ledger
		FOR EACH ROW EXECUTE FUNCTION hx_xp_mutation_guard()`,
	`DROP TRIGGER IF EXISTS trg_xp_truncate_guard ON xp_ledger`,
	`CREATE TRIGGER trg_xp_truncate_guard
		BEFORE TRUNCATE ON xp_ledger
		FOR EACH STATEMENT EXECUTE FUNCTION hx_xp_mutation_guard()`,

	// HX401: badges are append-only.
	`CREATE OR REPLACE FUNCTION hx_badge_mutation_guard() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'HX401: badges are append-only (% forbidden)', TG_OP;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS trg_badge_mutation_guard ON badges`,
	`CREATE TRIGGER trg_badge_mutation_guard
		BEFORE UPDATE OR DELETE ON badges
		FOR EACH ROW EXECUTE FUNCTION hx_badge_mutation_guard()`,
	`DROP TRIGGER IF EXISTS trg_badge_truncate_guard ON badges`,
	`CREATE TRIGGER trg_badge_truncate_guard
		BEFORE TRUNCATE ON badges
		FOR EACH STATEMENT EXECUTE FUNCTION hx_badge_mutation_guard()`,

	// HX501: recurring series capped by the user's plan limit.
	`CREATE OR REPLACE FUNCTION hx_series_limit_guard() RETURNS trigger AS $$
	DECLARE
		active_count INTEGER;
		max_allowed INTEGER;
	BEGIN
		SELECT count(*) INTO active_count FROM task_series
			WHERE owner_id = NEW.owner_id AND active;
		SELECT recurring_task_limit INTO max_allowed FROM users WHERE id = NEW.owner_id;
		IF active_count >= COALESCE(max_allowed, 2) THEN
			RAISE EXCEPTION 'HX501: user % would exceed recurring task limit of %', NEW.owner_id, max_allowed;
		END IF;
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS trg_series_limit_guard ON task_series`,
	`CREATE TRIGGER trg_series_limit_guard
		BEFORE INSERT ON task_series
		FOR EACH ROW EXECUTE FUNCTION hx_series_limit_guard()`,

	// HX701 / HX702: chargeback revenue entries are immutable.
	`CREATE OR REPLACE FUNCTION hx_revenue_mutation_guard() RETURNS trigger AS $$
	BEGIN
		IF OLD.entry_type = 'chargeback' THEN
			IF TG_OP = 'UPDATE' THEN
				RAISE EXCEPTION 'HX701: chargeback revenue entries cannot be updated';
			END IF;
			RAISE EXCEPTION 'HX702: chargeback revenue entries cannot be deleted';
		END IF;
		IF TG_OP = 'UPDATE' THEN
			RETURN NEW;
		END IF;
		RETURN OLD;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS trg_revenue_mutation_guard ON revenue_ledger`,
	`CREATE TRIGGER trg_revenue_mutation_guard
		BEFORE UPDATE OR DELETE ON revenue_ledger
		FOR EACH ROW EXECUTE FUNCTION hx_revenue_mutation_guard()`,

	// HX811: payment disputes cannot be deleted.
	`CREATE OR REPLACE FUNCTION hx_payment_dispute_delete_guard() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'HX811: payment disputes cannot be deleted';
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS trg_payment_dispute_delete_guard ON payment_disputes`,
	`CREATE TRIGGER trg_payment_dispute_delete_guard
		BEFORE DELETE ON payment_disputes
		FOR EACH ROW EXECUTE FUNCTION hx_payment_dispute_delete_guard()`,
}

// kernelTriggers are the trigger names VerifyKernel checks for.
var kernelTriggers = []string{
	"trg_task_terminal_guard",
	"trg_task_completion_guard",
	"trg_live_price_guard",
	"trg_escrow_guard",
	"trg_xp_insert_guard",
	"trg_xp_mutation_guard",
	"trg_badge_mutation_guard",
	"trg_series_limit_guard",
	"trg_revenue_mutation_guard",
	"trg_payment_dispute_delete_guard",
}

// Migrate applies the schema in one transaction and records the schema
// version. Safe to re-run.
func (d *DB) Migrate(ctx context.Context) error {
	err := d.WithTransaction(ctx, func(tx Tx) error {
		for i, stmt := range schemaStatements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("schema statement %d: %w", i, err)
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO schema_versions (version) VALUES ($1) ON CONFLICT (version) DO NOTHING`,
			SchemaVersion)
		return err
	})
	if err != nil {
		return err
	}
	d.logger.Printf("✅ Schema migrated (version %d, %d statements)", SchemaVersion, len(schemaStatements))
	return nil
}

// VerifyKernel confirms every invariant trigger is installed. Run at
// process start: an engine must never run against a kernel with guards
// missing.
func (d *DB) VerifyKernel(ctx context.Context) error {
	for _, name := range kernelTriggers {
		var n int
		err := d.QueryRowContext(ctx,
			`SELECT count(*) FROM pg_trigger WHERE tgname = $1`, name).Scan(&n)
		if err != nil {
			return fmt.Errorf("verify trigger %s: %w", name, err)
		}
		if n == 0 {
			return fmt.Errorf("kernel trigger %s is not installed", name)
		}
	}
	d.logger.Printf("✅ Kernel verified: %d invariant triggers installed", len(kernelTriggers))
	return nil
}

// CurrentSchemaVersion returns the highest applied schema version.
func (d *DB) CurrentSchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := d.QueryRowContext(ctx, `SELECT COALESCE(max(version), 0) FROM schema_versions`).Scan(&v)
	return v, err
}
