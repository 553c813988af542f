package approval

// Times are stored as unix milliseconds next to their RFC3339 rendering.
const Schema = `
CREATE TABLE IF NOT EXISTS order_approvals (
	intent_hash      TEXT PRIMARY KEY,
	created_at       INTEGER NOT NULL,
	created_at_iso   TEXT NOT NULL,
	expires_at       INTEGER NOT NULL,
	expires_at_iso   TEXT NOT NULL,
	approver         TEXT NOT NULL,
	channel          TEXT NOT NULL,
	status           TEXT NOT NULL,
	reject_reason    TEXT,
	armed_at         INTEGER,
	armed_expires_at INTEGER,
	armed_by         TEXT,
	armed_channel    TEXT,
	used_at          INTEGER,
	used_by          TEXT,
	metadata         TEXT
);

CREATE INDEX IF NOT EXISTS idx_order_approvals_status ON order_approvals(status, expires_at);
`

const selectApproval = `
SELECT intent_hash, created_at, created_at_iso, expires_at, expires_at_iso, approver, channel,
       status, reject_reason, armed_at, armed_expires_at, armed_by, armed_channel, used_at, used_by, metadata
FROM order_approvals`
