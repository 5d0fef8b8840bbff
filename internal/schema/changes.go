package schema

import (
	"context"
	"fmt"

	"github.com/kuitang/compass/internal/dialect"
)

// Changes returns the full ordered catalogue. The list is append-only: entries
// are never reordered, renumbered or removed once shipped, because each IsNeeded
// check assumes everything before it has already had its chance to run.
func Changes() []Change {
	return []Change{
		newCreateTable(1, "create_organizations_table", "organizations", func(d dialect.Dialect) string {
			return `CREATE TABLE IF NOT EXISTS organizations (
				organization_id ` + d.SerialPrimaryKey() + `,
				organization_name TEXT NOT NULL,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			)`
		}),
		newCreateTable(2, "create_bot_instances_table", "bot_instances", func(d dialect.Dialect) string {
			return `CREATE TABLE IF NOT EXISTS bot_instances (
				id ` + d.SerialPrimaryKey() + `,
				organization_id INTEGER NOT NULL,
				bot_id TEXT NOT NULL,
				channel_name TEXT,
				slack_bot_token TEXT,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				UNIQUE (organization_id, bot_id),
				FOREIGN KEY (organization_id) REFERENCES organizations(organization_id) ON DELETE CASCADE
			)`
		}),
		newCreateTable(3, "create_connections_table", "connections", func(d dialect.Dialect) string {
			return `CREATE TABLE IF NOT EXISTS connections (
				id ` + d.SerialPrimaryKey() + `,
				organization_id INTEGER NOT NULL,
				connection_name TEXT NOT NULL,
				url TEXT NOT NULL,
				warehouse_type TEXT,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				UNIQUE (organization_id, connection_name),
				FOREIGN KEY (organization_id) REFERENCES organizations(organization_id) ON DELETE CASCADE
			)`
		}),
		// Shipped without a foreign key; version 29 adds it.
		newCreateTable(4, "create_bot_to_connections_table", "bot_to_connections", func(d dialect.Dialect) string {
			return `CREATE TABLE IF NOT EXISTS bot_to_connections (
				id ` + d.SerialPrimaryKey() + `,
				organization_id INTEGER NOT NULL,
				bot_id TEXT NOT NULL,
				connection_name TEXT NOT NULL,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				UNIQUE (organization_id, bot_id, connection_name)
			)`
		}),
		// Cumulative counter; version 25 reshapes it into per-month rows.
		newCreateTable(5, "create_usage_tracking_table", "usage_tracking", func(d dialect.Dialect) string {
			return `CREATE TABLE IF NOT EXISTS usage_tracking (
				id ` + d.SerialPrimaryKey() + `,
				organization_id INTEGER NOT NULL UNIQUE,
				answer_count INTEGER NOT NULL DEFAULT 0,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				FOREIGN KEY (organization_id) REFERENCES organizations(organization_id) ON DELETE CASCADE
			)`
		}),
		newAddColumn(6, "add_organizations_industry_column", "organizations", "organization_industry", text),
		newAddColumn(7, "add_organizations_stripe_customer_id_column", "organizations", "stripe_customer_id", text),
		newAddColumn(8, "add_organizations_stripe_subscription_id_column", "organizations", "stripe_subscription_id", text),
		newAddColumn(9, "add_connections_additional_sql_dialect_column", "connections", "additional_sql_dialect", text),
		// slack_user_id was nullable at first; version 28 tightens it.
		newCreateTable(10, "create_org_users_table", "org_users", func(d dialect.Dialect) string {
			return `CREATE TABLE IF NOT EXISTS org_users (
				id ` + d.SerialPrimaryKey() + `,
				organization_id INTEGER NOT NULL,
				slack_user_id TEXT,
				email TEXT,
				is_org_admin BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				UNIQUE (organization_id, slack_user_id),
				FOREIGN KEY (organization_id) REFERENCES organizations(organization_id) ON DELETE CASCADE
			)`
		}),
		newCreateTable(11, "create_referral_tokens_table", "referral_tokens", func(d dialect.Dialect) string {
			return `CREATE TABLE IF NOT EXISTS referral_tokens (
				id ` + d.SerialPrimaryKey() + `,
				token TEXT NOT NULL UNIQUE,
				organization_id INTEGER,
				max_uses INTEGER,
				uses INTEGER NOT NULL DEFAULT 0,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				FOREIGN KEY (organization_id) REFERENCES organizations(organization_id) ON DELETE CASCADE
			)`
		}),
		newCreateTable(12, "create_bonus_answer_grants_table", "bonus_answer_grants", func(d dialect.Dialect) string {
			return `CREATE TABLE IF NOT EXISTS bonus_answer_grants (
				id ` + d.SerialPrimaryKey() + `,
				organization_id INTEGER NOT NULL,
				answer_count INTEGER NOT NULL,
				reason TEXT,
				granted_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				FOREIGN KEY (organization_id) REFERENCES organizations(organization_id) ON DELETE CASCADE
			)`
		}),
		newCreateTable(13, "create_plan_limits_table", "plan_limits", func(d dialect.Dialect) string {
			return `CREATE TABLE IF NOT EXISTS plan_limits (
				id ` + d.SerialPrimaryKey() + `,
				organization_id INTEGER NOT NULL UNIQUE,
				base_num_answers INTEGER NOT NULL,
				allow_overage BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				FOREIGN KEY (organization_id) REFERENCES organizations(organization_id) ON DELETE CASCADE
			)`
		}),
		newCreateTable(14, "create_onboarding_states_table", "onboarding_states", func(d dialect.Dialect) string {
			return `CREATE TABLE IF NOT EXISTS onboarding_states (
				id ` + d.SerialPrimaryKey() + `,
				organization_id INTEGER NOT NULL UNIQUE,
				current_step TEXT NOT NULL,
				completed BOOLEAN NOT NULL DEFAULT FALSE,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				FOREIGN KEY (organization_id) REFERENCES organizations(organization_id) ON DELETE CASCADE
			)`
		}),
		newAddColumn(15, "add_organizations_has_governance_channel_column", "organizations", "has_governance_channel",
			func(dialect.Dialect) string { return "BOOLEAN NOT NULL DEFAULT FALSE" }),
		newAddColumn(16, "add_organizations_contextstore_github_repo_column", "organizations", "contextstore_github_repo", text),
		newCreateTable(17, "create_encrypted_deks_table", "encrypted_deks", func(d dialect.Dialect) string {
			return `CREATE TABLE IF NOT EXISTS encrypted_deks (
				id ` + d.SerialPrimaryKey() + `,
				organization_id INTEGER NOT NULL UNIQUE,
				encrypted_dek ` + d.Blob() + ` NOT NULL,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				FOREIGN KEY (organization_id) REFERENCES organizations(organization_id) ON DELETE CASCADE
			)`
		}),
		newAddColumn(18, "add_connections_encrypted_url_column", "connections", "encrypted_url",
			func(d dialect.Dialect) string { return d.Blob() }),
		newAddColumn(19, "add_connections_init_sql_column", "connections", "init_sql", text),
		newAddColumn(20, "add_connections_data_documentation_repo_column", "connections",
			"data_documentation_contextstore_github_repo", text),
		newCreateTable(21, "create_context_status_table", "context_status", func(d dialect.Dialect) string {
			return `CREATE TABLE IF NOT EXISTS context_status (
				id ` + d.SerialPrimaryKey() + `,
				organization_id INTEGER NOT NULL,
				bot_id TEXT NOT NULL,
				status TEXT NOT NULL,
				detail TEXT,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				UNIQUE (organization_id, bot_id),
				FOREIGN KEY (organization_id) REFERENCES organizations(organization_id) ON DELETE CASCADE
			)`
		}),
		newCreateIndex(22, "create_connections_organization_index", "idx_connections_organization_id",
			"connections", "organization_id"),
		newCreateIndex(23, "create_bot_to_connections_bot_index", "idx_bot_to_connections_org_bot",
			"bot_to_connections", "organization_id, bot_id"),
		newCreateIndex(24, "create_org_users_email_index", "idx_org_users_email", "org_users", "email"),
		&funcChange{
			meta:   meta{25, "migrate_usage_tracking_to_monthly"},
			needed: usageIsCumulative,
			apply:  migrateUsageToMonthly,
		},
		newRebuild(26, "remove_bot_instances_slack_bot_token_column",
			columnPresent("bot_instances", "slack_bot_token"),
			func(dialect.Dialect) RebuildSpec {
				return RebuildSpec{
					Table:     "bot_instances",
					Transform: DropColumns("slack_bot_token"),
					Constraints: []string{
						"UNIQUE (organization_id, bot_id)",
						orgForeignKey,
					},
					PostgresStatements: []string{
						"ALTER TABLE bot_instances DROP COLUMN IF EXISTS slack_bot_token",
					},
				}
			}),
		newRebuild(27, "remove_connections_warehouse_type_column",
			columnPresent("connections", "warehouse_type"),
			func(dialect.Dialect) RebuildSpec {
				return RebuildSpec{
					Table:     "connections",
					Transform: DropColumns("warehouse_type"),
					Constraints: []string{
						"UNIQUE (organization_id, connection_name)",
						orgForeignKey,
					},
					PostgresStatements: []string{
						"ALTER TABLE connections DROP COLUMN IF EXISTS warehouse_type",
					},
				}
			}),
		newRebuild(28, "make_org_users_slack_user_id_not_null",
			func(ctx context.Context, c *Conn) (bool, error) {
				exists, err := c.ColumnExists(ctx, "org_users", "slack_user_id")
				if err != nil || !exists {
					return false, err
				}
				notNull, err := c.ColumnNotNull(ctx, "org_users", "slack_user_id")
				return !notNull, err
			},
			func(dialect.Dialect) RebuildSpec {
				return RebuildSpec{
					Table:     "org_users",
					Transform: SetNotNull("slack_user_id"),
					Constraints: []string{
						"UNIQUE (organization_id, slack_user_id)",
						orgForeignKey,
					},
					Before: []string{
						"UPDATE org_users SET slack_user_id = 'unknown:' || id WHERE slack_user_id IS NULL",
					},
					PostgresStatements: []string{
						"ALTER TABLE org_users ALTER COLUMN slack_user_id SET NOT NULL",
					},
				}
			}),
		newRebuild(29, "add_bot_to_connections_organization_foreign_key",
			func(ctx context.Context, c *Conn) (bool, error) {
				exists, err := c.TableExists(ctx, "bot_to_connections")
				if err != nil || !exists {
					return false, err
				}
				hasFK, err := c.HasForeignKey(ctx, "bot_to_connections", "organizations")
				return !hasFK, err
			},
			func(dialect.Dialect) RebuildSpec {
				return RebuildSpec{
					Table: "bot_to_connections",
					Constraints: []string{
						"UNIQUE (organization_id, bot_id, connection_name)",
						orgForeignKey,
					},
					// Mappings for organizations that no longer exist would violate the new key.
					Before: []string{
						"DELETE FROM bot_to_connections WHERE organization_id NOT IN (SELECT organization_id FROM organizations)",
					},
					PostgresStatements: []string{
						"ALTER TABLE bot_to_connections ADD CONSTRAINT fk_bot_to_connections_organization " +
							"FOREIGN KEY (organization_id) REFERENCES organizations(organization_id) ON DELETE CASCADE",
					},
				}
			}),
		newAddColumn(30, "add_bot_instances_deleted_at_column", "bot_instances", "deleted_at",
			func(dialect.Dialect) string { return "TIMESTAMP" }),
		newAddColumn(31, "add_referral_tokens_expires_at_column", "referral_tokens", "expires_at",
			func(dialect.Dialect) string { return "TIMESTAMP" }),
		newAddColumn(32, "add_onboarding_states_metadata_column", "onboarding_states", "metadata", text),
		newAddColumn(33, "add_usage_tracking_bonus_answers_used_column", "usage_tracking", "bonus_answers_used",
			func(dialect.Dialect) string { return "INTEGER NOT NULL DEFAULT 0" }),
		newCreateTable(34, "create_processed_webhook_events_table", "processed_webhook_events", func(d dialect.Dialect) string {
			return `CREATE TABLE IF NOT EXISTS processed_webhook_events (
				event_id TEXT PRIMARY KEY,
				event_type TEXT NOT NULL,
				processed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			)`
		}),
		newAddColumn(35, "add_organizations_stripe_subscription_status_column", "organizations",
			"stripe_subscription_status", text),
		newAddColumn(36, "add_plan_limits_overage_price_cents_column", "plan_limits", "overage_price_cents",
			func(d dialect.Dialect) string { return d.BigInt() }),
		newAddColumn(37, "add_encrypted_deks_kek_version_column", "encrypted_deks", "kek_version",
			func(dialect.Dialect) string { return "INTEGER NOT NULL DEFAULT 1" }),
	}
}

// postChanges run after the main list. They depend on columns added somewhere
// in the middle of the sequence and are skipped when those columns are absent.
func postChanges() []Change {
	return []Change{
		&funcChange{
			meta: meta{1000, "create_bot_instances_deleted_at_index"},
			needed: func(ctx context.Context, c *Conn) (bool, error) {
				hasCol, err := c.ColumnExists(ctx, "bot_instances", "deleted_at")
				if err != nil || !hasCol {
					return false, err
				}
				hasIdx, err := c.IndexExists(ctx, "idx_bot_instances_deleted_at")
				return !hasIdx, err
			},
			apply: func(ctx context.Context, c *Conn) error {
				_, err := c.Exec(ctx, "CREATE INDEX IF NOT EXISTS idx_bot_instances_deleted_at ON bot_instances (deleted_at)")
				return err
			},
		},
	}
}

const orgForeignKey = "FOREIGN KEY (organization_id) REFERENCES organizations(organization_id) ON DELETE CASCADE"

func text(dialect.Dialect) string { return "TEXT" }

func columnPresent(table, column string) func(context.Context, *Conn) (bool, error) {
	return func(ctx context.Context, c *Conn) (bool, error) {
		return c.ColumnExists(ctx, table, column)
	}
}

func monthlyUsageDDL(d dialect.Dialect, table string) string {
	return `CREATE TABLE ` + table + ` (
		id ` + d.SerialPrimaryKey() + `,
		organization_id INTEGER NOT NULL,
		month INTEGER NOT NULL,
		year INTEGER NOT NULL,
		answer_count INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (organization_id, year, month),
		` + orgForeignKey + `
	)`
}

// usageIsCumulative treats any state short of both period columns as unmigrated,
// including a half-finished run that added only one of them.
func usageIsCumulative(ctx context.Context, c *Conn) (bool, error) {
	hasMonth, err := c.ColumnExists(ctx, "usage_tracking", "month")
	if err != nil {
		return false, err
	}
	hasYear, err := c.ColumnExists(ctx, "usage_tracking", "year")
	if err != nil {
		return false, err
	}
	return !(hasMonth && hasYear), nil
}

// migrateUsageToMonthly moves cumulative counters into the current month.
// With no rows to carry over it simply recreates the table in the new shape.
func migrateUsageToMonthly(ctx context.Context, c *Conn) error {
	d := c.Dialect()
	exists, err := c.TableExists(ctx, "usage_tracking")
	if err != nil {
		return err
	}
	var rows int64
	if exists {
		if rows, err = c.RowCount(ctx, "usage_tracking"); err != nil {
			return err
		}
	}

	if rows == 0 {
		return c.ExecAll(ctx,
			"DROP TABLE IF EXISTS usage_tracking",
			monthlyUsageDDL(d, "usage_tracking"),
		)
	}

	err = c.ExecAll(ctx,
		"DROP TABLE IF EXISTS usage_tracking_new",
		monthlyUsageDDL(d, "usage_tracking_new"),
		fmt.Sprintf(`INSERT INTO usage_tracking_new (organization_id, month, year, answer_count, updated_at)
			SELECT organization_id, %s, %s, SUM(answer_count), MAX(updated_at)
			FROM usage_tracking GROUP BY organization_id`, d.CurrentMonth(), d.CurrentYear()),
		"DROP TABLE usage_tracking",
		"ALTER TABLE usage_tracking_new RENAME TO usage_tracking",
	)
	if err != nil {
		return fmt.Errorf("carry over %d usage rows: %w", rows, err)
	}
	return nil
}
