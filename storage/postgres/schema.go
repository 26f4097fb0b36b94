package postgres

// Schema creates every table the store uses. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS processed_events (
	event_id        TEXT PRIMARY KEY,
	event_type      TEXT NOT NULL,
	organization_id TEXT,
	received_at     TIMESTAMPTZ NOT NULL,
	claimed_until   TIMESTAMPTZ NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 1,
	processed_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS processed_events_processed_at_idx
	ON processed_events (processed_at) WHERE processed_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS organization_billing (
	organization_id    TEXT PRIMARY KEY,
	status             TEXT NOT NULL DEFAULT 'inactive',
	subscription_id    TEXT UNIQUE,
	customer_id        TEXT,
	current_period_end TIMESTAMPTZ,
	setup_fee_paid_at  TIMESTAMPTZ,
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS organization_billing_customer_idx
	ON organization_billing (customer_id);

CREATE TABLE IF NOT EXISTS orders (
	id                    TEXT PRIMARY KEY,
	organization_id       TEXT NOT NULL,
	reference             TEXT NOT NULL DEFAULT '',
	status                TEXT NOT NULL,
	payment_status        TEXT NOT NULL,
	payment_attempt_count INTEGER NOT NULL DEFAULT 0,
	channel               TEXT NOT NULL DEFAULT '',
	customer_contact      TEXT NOT NULL DEFAULT '',
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS order_payment_links (
	id                  TEXT PRIMARY KEY,
	order_id            TEXT NOT NULL REFERENCES orders (id),
	organization_id     TEXT NOT NULL,
	checkout_session_id TEXT NOT NULL UNIQUE,
	status              TEXT NOT NULL,
	payment_intent_id   TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	completed_at        TIMESTAMPTZ,
	expired_at          TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS order_events (
	seq             BIGSERIAL,
	id              TEXT PRIMARY KEY,
	order_id        TEXT NOT NULL,
	organization_id TEXT NOT NULL,
	type            TEXT NOT NULL,
	event_id        TEXT NOT NULL DEFAULT '',
	previous_status TEXT NOT NULL DEFAULT '',
	new_status      TEXT NOT NULL DEFAULT '',
	metadata        JSONB NOT NULL DEFAULT '{}',
	created_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS order_events_order_idx ON order_events (order_id, created_at);

CREATE TABLE IF NOT EXISTS audit_log (
	seq             BIGSERIAL,
	id              TEXT PRIMARY KEY,
	organization_id TEXT,
	order_id        TEXT,
	event_id        TEXT NOT NULL DEFAULT '',
	event_type      TEXT NOT NULL DEFAULT '',
	action          TEXT NOT NULL,
	severity        TEXT NOT NULL,
	previous_status TEXT NOT NULL DEFAULT '',
	new_status      TEXT NOT NULL DEFAULT '',
	reason          TEXT NOT NULL DEFAULT '',
	metadata        JSONB NOT NULL DEFAULT '{}',
	created_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS audit_log_org_idx ON audit_log (organization_id, created_at DESC);
CREATE INDEX IF NOT EXISTS audit_log_action_idx ON audit_log (action, created_at DESC);
CREATE INDEX IF NOT EXISTS audit_log_event_idx ON audit_log (event_id);
`
