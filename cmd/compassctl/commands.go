package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kuitang/compass/internal/app"
	"github.com/kuitang/compass/internal/logutil"
	"github.com/kuitang/compass/internal/storage"
)

// opener builds the application for one command invocation.
type opener func(ctx context.Context, databaseURL string) (*app.App, error)

type cli struct {
	open        opener
	databaseURL string
}

func newRootCmd(open opener) *cobra.Command {
	c := &cli{open: open}
	root := &cobra.Command{
		Use:           "compassctl",
		Short:         "Administer a compass database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.databaseURL, "database-url", "", "Database URL (overrides DATABASE_URL)")

	root.AddCommand(c.migrateCmd(), c.orgCmd(), c.connectionCmd(), c.botCmd(), c.dekCmd())
	return root
}

// withApp opens the application, runs fn, and closes it.
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := c.open(ctx, c.databaseURL)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func (c *cli) migrateCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema changes",
		Long: `Apply every pending schema change in order, in one transaction.

Examples:
  compassctl migrate             # apply
  compassctl migrate --dry-run   # list what would be applied first`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				out := cmd.OutOrStdout()
				if dryRun {
					pending, err := a.DB.PendingChanges(ctx)
					if err != nil {
						return err
					}
					if len(pending) == 0 {
						fmt.Fprintln(out, "schema is up to date")
						return nil
					}
					for _, name := range pending {
						fmt.Fprintln(out, name)
					}
					return nil
				}
				n, err := a.Migrate(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "applied %d change(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List pending changes without applying them")
	return cmd
}

func (c *cli) orgCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "org", Short: "Manage organizations"}

	var industry string
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create an organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				org, err := a.Store.CreateOrganization(ctx, args[0], industry)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created organization %d\n", org.ID)
				return nil
			})
		},
	}
	create.Flags().StringVar(&industry, "industry", "", "Industry")

	list := &cobra.Command{
		Use:   "list",
		Short: "List organizations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				orgs, err := a.Store.ListOrganizations(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tSUBSCRIPTION")
				for _, o := range orgs {
					fmt.Fprintf(tw, "%d\t%s\t%s\n", o.ID, o.Name, o.StripeSubscriptionStatus)
				}
				return tw.Flush()
			})
		},
	}

	cmd.AddCommand(create, list)
	return cmd
}

func (c *cli) connectionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "connection", Short: "Manage warehouse connections"}

	var p storage.ConnectionParams
	add := &cobra.Command{
		Use:   "add ORG_ID NAME URL",
		Short: "Add a connection (the URL is encrypted when encryption is enabled)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			orgID, err := parseOrgID(args[0])
			if err != nil {
				return err
			}
			p.Name, p.URL = args[1], args[2]
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				conn, err := a.Store.AddConnection(ctx, orgID, p)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added connection %q (encrypted=%t)\n", conn.Name, conn.Encrypted)
				return nil
			})
		},
	}
	add.Flags().StringVar(&p.AdditionalSQLDialect, "dialect", "", "Additional SQL dialect")
	add.Flags().StringVar(&p.InitSQL, "init-sql", "", "SQL run when a session opens")
	add.Flags().StringVar(&p.DataDocumentationRepo, "docs-repo", "", "Context-store repository documenting this warehouse")

	list := &cobra.Command{
		Use:   "list ORG_ID",
		Short: "List an organization's connections with redacted URLs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orgID, err := parseOrgID(args[0])
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				details, err := a.Store.GetOrganizationConnectionsWithDetails(ctx, orgID)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tENCRYPTED\tBOTS\tURL")
				for _, d := range details {
					fmt.Fprintf(tw, "%s\t%t\t%d\t%s\n", d.Name, d.Encrypted, len(d.BotIDs), logutil.RedactConnectionURL(d.URL))
				}
				return tw.Flush()
			})
		},
	}

	backfill := &cobra.Command{
		Use:   "encrypt-backfill",
		Short: "Encrypt every plaintext, non-templated connection URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if !a.Store.EncryptionEnabled() {
					return errors.New("connection URL encryption is disabled")
				}
				n, err := a.Store.EncryptPlaintextConnectionURLs(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "encrypted %d connection URL(s)\n", n)
				return nil
			})
		},
	}

	cmd.AddCommand(add, list, backfill)
	return cmd
}

func (c *cli) botCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "bot", Short: "Manage bot connection mappings"}
	reconcile := &cobra.Command{
		Use:   "reconcile ORG_ID BOT_ID [CONNECTION...]",
		Short: "Replace the set of connections a bot may query",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			orgID, err := parseOrgID(args[0])
			if err != nil {
				return err
			}
			botID, names := args[1], args[2:]
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Store.ReconcileBotConnections(ctx, orgID, botID, names); err != nil {
					return err
				}
				mapped, err := a.Store.GetBotConnections(ctx, orgID, botID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "bot %s: %d connection(s) %v\n", botID, len(mapped), mapped)
				return nil
			})
		},
	}
	cmd.AddCommand(reconcile)
	return cmd
}

func (c *cli) dekCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "dek", Short: "Maintain organization data encryption keys"}

	rotate := &cobra.Command{
		Use:   "rotate",
		Short: "Re-wrap every DEK under the current KEK version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if a.Keys == nil {
					return errors.New("no KEK backend configured")
				}
				n, err := a.Keys.RotateKEK(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "re-wrapped %d DEK(s) under KEK version %d\n", n, a.KEK.Version())
				return nil
			})
		},
	}

	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Escrow the wrapped DEKs to object storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if a.Backup == nil {
					return app.ErrBackupDisabled
				}
				key, snap, err := a.Backup.Export(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %d DEK(s) to %s\n", len(snap.Entries), key)
				return nil
			})
		},
	}

	var restore bool
	verify := &cobra.Command{
		Use:   "verify [KEY]",
		Short: "Check that a snapshot (default: newest) unwraps with the current KEK",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if a.Backup == nil {
					return app.ErrBackupDisabled
				}
				key := ""
				if len(args) == 1 {
					key = args[0]
				} else {
					latest, err := a.Backup.Latest(ctx)
					if err != nil {
						return err
					}
					key = latest
				}
				snap, err := a.Backup.Load(ctx, key)
				if err != nil {
					return err
				}
				n, err := a.Backup.Verify(ctx, snap, a.KEK)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d DEK(s) verified\n", key, n)
				if restore {
					restored, err := a.Backup.Restore(ctx, snap)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "restored %d missing DEK(s)\n", restored)
				}
				return nil
			})
		},
	}
	verify.Flags().BoolVar(&restore, "restore", false, "Insert DEKs for organizations that have lost theirs")

	cmd.AddCommand(rotate, backupCmd, verify)
	return cmd
}

func parseOrgID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid organization id %q", s)
	}
	return id, nil
}
