package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"compliance-recorder/internal/audit"
	"compliance-recorder/internal/blobstore"
	"compliance-recorder/internal/config"
	"compliance-recorder/internal/recording"
	"compliance-recorder/internal/subscriptions"
	"compliance-recorder/internal/telephony"
	"compliance-recorder/pkg/utils"
)

func init() {
	rootCmd.AddCommand(retentionCmd, subscriptionsCmd)
	retentionCmd.AddCommand(retentionApplyCmd)
	subscriptionsCmd.AddCommand(subscriptionsListCmd, subscriptionsCleanupCmd)

	retentionApplyCmd.Flags().String("as-of", "", "evaluate expiry at this RFC 3339 time instead of now")
}

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Retention maintenance",
}

var retentionApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Delete expired recordings whose policy allows it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		now := time.Now()
		if v, _ := cmd.Flags().GetString("as-of"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return fmt.Errorf("--as-of: %w", err)
			}
			now = t
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		blobs, blobInit, err := openBlobs(ctx, cfg)
		if err != nil {
			return err
		}
		provider, err := openProvider(cfg, log)
		if err != nil {
			return err
		}
		auditSvc, closeAudit, err := openAudit(ctx, cfg, blobs, log)
		if err != nil {
			return err
		}
		defer closeAudit()
		ctx = audit.WithActor(ctx, audit.Actor{UserID: "recorderctl", Role: "operator"})

		orch := recording.NewOrchestrator(provider, recording.NewBlobStore(blobs, blobInit), blobs, recording.Options{
			DefaultRetentionDays: cfg.Recording.DefaultRetention,
			AutoDelete:           cfg.Recording.AutoDelete,
		}, log).WithAudit(auditSvc)

		rep := orch.ApplyRetention(ctx, now)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	},
}

var subscriptionsCmd = &cobra.Command{
	Use:   "subscriptions",
	Short: "Inspect platform subscriptions",
}

var subscriptionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active subscriptions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, done, err := openManager(cmd.Context())
		if err != nil {
			return err
		}
		defer done()
		subs, err := mgr.ListActiveSubscriptions(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tRESOURCE\tCHANGE TYPES\tEXPIRES")
		for _, s := range subs {
			fmt.Fprintf(w, "%s\t%s\t%v\t%s\n", s.ID, s.Resource, s.ChangeTypes, s.ExpiresAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var subscriptionsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete every tracked subscription, e.g. after an unclean shutdown",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, done, err := openManager(cmd.Context())
		if err != nil {
			return err
		}
		defer done()
		return mgr.DeleteAll(cmd.Context())
	},
}

func openManager(ctx context.Context) (*subscriptions.Manager, func(), error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	blobs, blobInit, err := openBlobs(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	provider, err := openProvider(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	auditSvc, closeAudit, err := openAudit(ctx, cfg, blobs, log)
	if err != nil {
		return nil, nil, err
	}
	mgr := subscriptions.NewManager(provider, subscriptions.NewBlobStore(blobs, blobInit), subscriptions.ManagerConfig{
		NotificationURL: cfg.Webhook.NotificationURL,
		Lifetime:        cfg.Subscriptions.Lifetime,
		ClientState:     cfg.Webhook.ClientStateSecret,
	}, auditSvc, nil, log)
	return mgr, closeAudit, nil
}

// openAudit mirrors the server: Postgres when configured, otherwise the
// date-partitioned blob log.
func openAudit(ctx context.Context, cfg config.Config, blobs blobstore.Store, log *slog.Logger) (*audit.Service, func(), error) {
	if !cfg.HasPostgres() {
		return audit.NewService(audit.NewBlobRepo(blobs), log), func() {}, nil
	}
	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{MaxOpenConns: 2})
	if err != nil {
		return nil, nil, err
	}
	repo := audit.NewPostgresRepo(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return audit.NewService(repo, log), func() { _ = db.Close() }, nil
}

func openBlobs(ctx context.Context, cfg config.Config) (blobstore.Store, *blobstore.Initializer, error) {
	if cfg.Storage.Backend == "memory" {
		return nil, nil, fmt.Errorf("STORAGE_BACKEND=memory holds no data outside the server process")
	}
	store, err := blobstore.Open(ctx, blobstore.Config{
		Backend:   cfg.Storage.Backend,
		Bucket:    cfg.Storage.Bucket,
		Endpoint:  cfg.Storage.Endpoint,
		Region:    cfg.Storage.Region,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
	})
	if err != nil {
		return nil, nil, err
	}
	return store, blobstore.NewInitializer(store, blobstore.AllContainers()...), nil
}

func openProvider(cfg config.Config, log *slog.Logger) (telephony.Provider, error) {
	if cfg.Platform.Mode == "fake" {
		return telephony.NewFakeProvider(), nil
	}
	return telephony.NewGraphProvider(telephony.GraphConfig{
		BaseURL:      cfg.Platform.BaseURL,
		TokenURL:     cfg.Platform.TokenURL,
		ClientID:     cfg.Platform.ClientID,
		ClientSecret: cfg.Platform.ClientSecret,
		Timeout:      cfg.Platform.Timeout,
	}, log)
}
