package database

import (
	"context"
	"fmt"
)

// mysqlSchema is applied one statement at a time; the MySQL driver rejects
// multi-statement strings unless multiStatements is enabled.
var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    external_id VARCHAR(191) NOT NULL UNIQUE,
    telegram_chat_id BIGINT NOT NULL DEFAULT 0,
    paid_balance BIGINT NOT NULL DEFAULT 0,
    bonus_balance BIGINT NOT NULL DEFAULT 0,
    created_at DATETIME(6) NOT NULL,
    updated_at DATETIME(6) NOT NULL,
    CONSTRAINT chk_accounts_paid CHECK (paid_balance >= 0),
    CONSTRAINT chk_accounts_bonus CHECK (bonus_balance >= 0)
)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    account_id BIGINT NOT NULL,
    amount BIGINT NOT NULL,
    paid_amount BIGINT NOT NULL,
    bonus_amount BIGINT NOT NULL,
    kind VARCHAR(32) NOT NULL,
    description VARCHAR(255) NOT NULL,
    reference VARCHAR(191) NULL UNIQUE,
    created_at DATETIME(6) NOT NULL,
    INDEX idx_ledger_account (account_id, id),
    FOREIGN KEY (account_id) REFERENCES accounts(id)
)`,
	`CREATE TABLE IF NOT EXISTS jobs (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    owner_id BIGINT NOT NULL,
    kind VARCHAR(16) NOT NULL,
    status VARCHAR(16) NOT NULL,
    prompt TEXT NOT NULL,
    params TEXT NOT NULL,
    input_refs TEXT NOT NULL,
    outputs TEXT NOT NULL,
    charged_paid BIGINT NOT NULL,
    charged_bonus BIGINT NOT NULL,
    parent_job_id BIGINT NULL,
    target_index INT NULL,
    retry_of BIGINT NULL,
    error_message TEXT NOT NULL,
    created_at DATETIME(6) NOT NULL,
    updated_at DATETIME(6) NOT NULL,
    INDEX idx_jobs_owner (owner_id, id),
    INDEX idx_jobs_status (status, created_at),
    UNIQUE KEY uniq_jobs_retry_of (retry_of),
    FOREIGN KEY (owner_id) REFERENCES accounts(id)
)`,
	`CREATE TABLE IF NOT EXISTS edit_leases (
    job_id BIGINT NOT NULL,
    output_index INT NOT NULL,
    holder_job_id BIGINT NOT NULL,
    expires_at DATETIME(6) NOT NULL,
    PRIMARY KEY (job_id, output_index)
)`,
	`CREATE TABLE IF NOT EXISTS watermark_tasks (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    owner_id BIGINT NOT NULL,
    batch_id VARCHAR(64) NOT NULL,
    original_ref TEXT NOT NULL,
    result_ref TEXT NULL,
    status VARCHAR(16) NOT NULL,
    error_message TEXT NULL,
    paid_portion BIGINT NOT NULL,
    bonus_portion BIGINT NOT NULL,
    created_at DATETIME(6) NOT NULL,
    updated_at DATETIME(6) NOT NULL,
    INDEX idx_watermark_status (status, id),
    INDEX idx_watermark_owner (owner_id, id),
    FOREIGN KEY (owner_id) REFERENCES accounts(id)
)`,
	`CREATE TABLE IF NOT EXISTS appeals (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    job_id BIGINT NOT NULL UNIQUE,
    owner_id BIGINT NOT NULL,
    status VARCHAR(16) NOT NULL,
    reason TEXT NOT NULL,
    refund_amount BIGINT NOT NULL,
    admin_note TEXT NOT NULL,
    created_at DATETIME(6) NOT NULL,
    resolved_at DATETIME(6) NULL,
    INDEX idx_appeals_status (status, id),
    FOREIGN KEY (job_id) REFERENCES jobs(id)
)`,
	`CREATE TABLE IF NOT EXISTS redemption_codes (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    code VARCHAR(64) NOT NULL UNIQUE,
    paid_credits BIGINT NOT NULL,
    bonus_credits BIGINT NOT NULL,
    status VARCHAR(16) NOT NULL,
    used_by BIGINT NULL,
    used_at DATETIME(6) NULL,
    created_at DATETIME(6) NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS pricing_config (
    version BIGINT NOT NULL,
    config_key VARCHAR(64) NOT NULL,
    value BIGINT NOT NULL,
    created_at DATETIME(6) NOT NULL,
    PRIMARY KEY (version, config_key)
)`,
	`CREATE TABLE IF NOT EXISTS plans (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    title VARCHAR(255) NOT NULL,
    description TEXT NOT NULL,
    currency VARCHAR(8) NOT NULL,
    price_minor_units INT NOT NULL,
    credits BIGINT NOT NULL,
    is_active TINYINT(1) NOT NULL DEFAULT 1,
    created_at DATETIME(6) NOT NULL,
    updated_at DATETIME(6) NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS payments (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    account_id BIGINT NOT NULL,
    plan_id BIGINT NOT NULL,
    provider VARCHAR(64) NOT NULL,
    provider_charge_id VARCHAR(128) NOT NULL,
    currency VARCHAR(8) NOT NULL,
    amount INT NOT NULL,
    status VARCHAR(16) NOT NULL,
    raw_payload TEXT NOT NULL,
    created_at DATETIME(6) NOT NULL,
    updated_at DATETIME(6) NOT NULL,
    UNIQUE KEY uniq_provider_charge (provider, provider_charge_id),
    FOREIGN KEY (account_id) REFERENCES accounts(id)
)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    external_id TEXT NOT NULL UNIQUE,
    telegram_chat_id INTEGER NOT NULL DEFAULT 0,
    paid_balance INTEGER NOT NULL DEFAULT 0 CHECK (paid_balance >= 0),
    bonus_balance INTEGER NOT NULL DEFAULT 0 CHECK (bonus_balance >= 0),
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL REFERENCES accounts(id),
    amount INTEGER NOT NULL,
    paid_amount INTEGER NOT NULL,
    bonus_amount INTEGER NOT NULL,
    kind TEXT NOT NULL,
    description TEXT NOT NULL,
    reference TEXT NULL UNIQUE,
    created_at DATETIME NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_account ON ledger_entries(account_id, id)`,
	`CREATE TABLE IF NOT EXISTS jobs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    owner_id INTEGER NOT NULL REFERENCES accounts(id),
    kind TEXT NOT NULL,
    status TEXT NOT NULL,
    prompt TEXT NOT NULL,
    params TEXT NOT NULL,
    input_refs TEXT NOT NULL,
    outputs TEXT NOT NULL,
    charged_paid INTEGER NOT NULL,
    charged_bonus INTEGER NOT NULL,
    parent_job_id INTEGER NULL,
    target_index INTEGER NULL,
    retry_of INTEGER NULL,
    error_message TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner_id, id)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uniq_jobs_retry_of ON jobs(retry_of)`,
	`CREATE TABLE IF NOT EXISTS edit_leases (
    job_id INTEGER NOT NULL,
    output_index INTEGER NOT NULL,
    holder_job_id INTEGER NOT NULL,
    expires_at DATETIME NOT NULL,
    PRIMARY KEY (job_id, output_index)
)`,
	`CREATE TABLE IF NOT EXISTS watermark_tasks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    owner_id INTEGER NOT NULL REFERENCES accounts(id),
    batch_id TEXT NOT NULL,
    original_ref TEXT NOT NULL,
    result_ref TEXT NULL,
    status TEXT NOT NULL,
    error_message TEXT NULL,
    paid_portion INTEGER NOT NULL,
    bonus_portion INTEGER NOT NULL,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_watermark_status ON watermark_tasks(status, id)`,
	`CREATE INDEX IF NOT EXISTS idx_watermark_owner ON watermark_tasks(owner_id, id)`,
	`CREATE TABLE IF NOT EXISTS appeals (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id INTEGER NOT NULL UNIQUE REFERENCES jobs(id),
    owner_id INTEGER NOT NULL,
    status TEXT NOT NULL,
    reason TEXT NOT NULL,
    refund_amount INTEGER NOT NULL,
    admin_note TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    resolved_at DATETIME NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_appeals_status ON appeals(status, id)`,
	`CREATE TABLE IF NOT EXISTS redemption_codes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    code TEXT NOT NULL UNIQUE,
    paid_credits INTEGER NOT NULL,
    bonus_credits INTEGER NOT NULL,
    status TEXT NOT NULL,
    used_by INTEGER NULL,
    used_at DATETIME NULL,
    created_at DATETIME NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS pricing_config (
    version INTEGER NOT NULL,
    config_key TEXT NOT NULL,
    value INTEGER NOT NULL,
    created_at DATETIME NOT NULL,
    PRIMARY KEY (version, config_key)
)`,
	`CREATE TABLE IF NOT EXISTS plans (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT NOT NULL,
    description TEXT NOT NULL,
    currency TEXT NOT NULL,
    price_minor_units INTEGER NOT NULL,
    credits INTEGER NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS payments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL REFERENCES accounts(id),
    plan_id INTEGER NOT NULL,
    provider TEXT NOT NULL,
    provider_charge_id TEXT NOT NULL,
    currency TEXT NOT NULL,
    amount INTEGER NOT NULL,
    status TEXT NOT NULL,
    raw_payload TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    UNIQUE (provider, provider_charge_id)
)`,
}

// Migrate applies the bootstrap schema for the connected dialect.
func Migrate(ctx context.Context, db *DB) error {
	statements := mysqlSchema
	if db.driver == DriverSQLite {
		statements = sqliteSchema
	}
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
