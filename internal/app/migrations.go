// Package app — migrations.go: SQL-миграции встроены в код для упрощения деплоя.
package app

import "qwikker.com/loyalty/internal/db/postgres"

// migrations применяются по порядку версий при старте с STORAGE_DRIVER=postgres.
var migrations = []postgres.Migration{
	{Version: 1, Name: "programs", SQL: migration001Programs},
	{Version: 2, Name: "memberships_ledger", SQL: migration002MembershipsLedger},
	{Version: 3, Name: "redemptions", SQL: migration003Redemptions},
	{Version: 4, Name: "edit_requests", SQL: migration004EditRequests},
	{Version: 5, Name: "contacts", SQL: migration005Contacts},
	{Version: 6, Name: "redemptions_one_pending", SQL: migration006RedemptionsOnePending},
}

// Migrations возвращает копию списка миграций (для интеграционных тестов хранилищ).
func Migrations() []postgres.Migration {
	return append([]postgres.Migration(nil), migrations...)
}

var migration001Programs = `
CREATE TABLE IF NOT EXISTS loyalty_programs (
    id                  UUID PRIMARY KEY,
    business_id         TEXT NOT NULL,
    city                TEXT NOT NULL DEFAULT '',
    name                TEXT NOT NULL,
    type                TEXT NOT NULL CHECK (type IN ('stamps', 'points')),
    reward_threshold    BIGINT NOT NULL CHECK (reward_threshold > 0),
    reward_description  TEXT NOT NULL,
    earn_instructions   TEXT NOT NULL DEFAULT '',
    redeem_instructions TEXT NOT NULL DEFAULT '',
    max_earns_per_day   INTEGER NOT NULL DEFAULT 0 CHECK (max_earns_per_day >= 0),
    min_gap_minutes     INTEGER NOT NULL DEFAULT 0 CHECK (min_gap_minutes >= 0),
    points_per_earn_max BIGINT NOT NULL DEFAULT 0 CHECK (points_per_earn_max >= 0),
    status              TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'paused', 'ended')),
    scan_code           TEXT NOT NULL UNIQUE,
    staff_pin_hash      TEXT NOT NULL DEFAULT '',
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    ended_at            TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_loyalty_programs_business ON loyalty_programs(business_id);
CREATE INDEX IF NOT EXISTS idx_loyalty_programs_city_status ON loyalty_programs(city, status);
`

var migration002MembershipsLedger = `
CREATE TABLE IF NOT EXISTS loyalty_memberships (
    id                 UUID PRIMARY KEY,
    program_id         UUID NOT NULL REFERENCES loyalty_programs(id),
    user_id            TEXT NOT NULL,
    stamps_balance     BIGINT NOT NULL DEFAULT 0 CHECK (stamps_balance >= 0),
    points_balance     BIGINT NOT NULL DEFAULT 0 CHECK (points_balance >= 0),
    total_earned       BIGINT NOT NULL DEFAULT 0,
    total_redeemed     BIGINT NOT NULL DEFAULT 0,
    rewards_claimed    BIGINT NOT NULL DEFAULT 0,
    last_earned_at     TIMESTAMPTZ,
    earned_today_count INTEGER NOT NULL DEFAULT 0,
    reminder_sent_at   TIMESTAMPTZ,
    joined_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (program_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_loyalty_memberships_user ON loyalty_memberships(user_id);

CREATE TABLE IF NOT EXISTS loyalty_ledger (
    id              UUID PRIMARY KEY,
    membership_id   UUID NOT NULL REFERENCES loyalty_memberships(id),
    program_id      UUID NOT NULL REFERENCES loyalty_programs(id),
    user_id         TEXT NOT NULL,
    kind            TEXT NOT NULL CHECK (kind IN ('earn', 'redeem')),
    amount          BIGINT NOT NULL CHECK (amount > 0),
    balance_after   BIGINT NOT NULL CHECK (balance_after >= 0),
    source          TEXT NOT NULL,
    idempotency_key TEXT,
    note            TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_loyalty_ledger_idempotency
    ON loyalty_ledger(membership_id, idempotency_key)
    WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_loyalty_ledger_user_created ON loyalty_ledger(user_id, created_at DESC);

-- Леджер только дополняется
CREATE OR REPLACE FUNCTION loyalty_ledger_append_only() RETURNS trigger AS $$
BEGIN
    RAISE EXCEPTION 'loyalty_ledger is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS loyalty_ledger_no_mutation ON loyalty_ledger;
CREATE TRIGGER loyalty_ledger_no_mutation
    BEFORE UPDATE OR DELETE ON loyalty_ledger
    FOR EACH ROW EXECUTE FUNCTION loyalty_ledger_append_only();
`

var migration003Redemptions = `
CREATE TABLE IF NOT EXISTS loyalty_redemptions (
    id              UUID PRIMARY KEY,
    program_id      UUID NOT NULL REFERENCES loyalty_programs(id),
    membership_id   UUID NOT NULL REFERENCES loyalty_memberships(id),
    user_id         TEXT NOT NULL,
    code            TEXT NOT NULL,
    status          TEXT NOT NULL DEFAULT 'pending'
                    CHECK (status IN ('pending', 'confirmed', 'cancelled', 'expired')),
    expires_at      TIMESTAMPTZ NOT NULL,
    ledger_entry_id UUID REFERENCES loyalty_ledger(id),
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    resolved_at     TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_loyalty_redemptions_membership ON loyalty_redemptions(membership_id, status);
CREATE INDEX IF NOT EXISTS idx_loyalty_redemptions_pending
    ON loyalty_redemptions(expires_at)
    WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS loyalty_pin_attempts (
    id           BIGSERIAL PRIMARY KEY,
    program_id   UUID NOT NULL REFERENCES loyalty_programs(id),
    success      BOOLEAN NOT NULL,
    attempted_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_loyalty_pin_attempts_program ON loyalty_pin_attempts(program_id, attempted_at);
`

var migration004EditRequests = `
CREATE TABLE IF NOT EXISTS loyalty_edit_requests (
    id           UUID PRIMARY KEY,
    program_id   UUID NOT NULL REFERENCES loyalty_programs(id),
    business_id  TEXT NOT NULL,
    submitted_by TEXT NOT NULL,
    changes      JSONB NOT NULL,
    status       TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'approved', 'rejected')),
    reviewer_id  TEXT,
    review_note  TEXT,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    resolved_at  TIMESTAMPTZ
);

-- Не больше одной необработанной заявки на программу
CREATE UNIQUE INDEX IF NOT EXISTS idx_loyalty_edit_requests_one_pending
    ON loyalty_edit_requests(program_id)
    WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_loyalty_edit_requests_business ON loyalty_edit_requests(business_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_loyalty_edit_requests_status ON loyalty_edit_requests(status, created_at);
`

var migration005Contacts = `
CREATE TABLE IF NOT EXISTS user_contacts (
    user_id          TEXT PRIMARY KEY,
    telegram_chat_id BIGINT NOT NULL UNIQUE,
    linked_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS telegram_link_codes (
    code       TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    used_at    TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_telegram_link_codes_user ON telegram_link_codes(user_id);
`

var migration006RedemptionsOnePending = `
-- Лишние pending-выдачи одного участия (остались от гонки показов) закрываем,
-- оставляя самую свежую
UPDATE loyalty_redemptions r
SET status = 'expired', resolved_at = NOW()
WHERE r.status = 'pending'
  AND EXISTS (
      SELECT 1 FROM loyalty_redemptions o
      WHERE o.membership_id = r.membership_id
        AND o.status = 'pending'
        AND (o.created_at, o.id) > (r.created_at, r.id)
  );

-- Не больше одной pending-выдачи на участие
CREATE UNIQUE INDEX IF NOT EXISTS idx_loyalty_redemptions_one_pending
    ON loyalty_redemptions(membership_id)
    WHERE status = 'pending';
`
