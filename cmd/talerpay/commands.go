package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iurnickita/talerpay/internal/auth"
	"github.com/iurnickita/talerpay/internal/handler"
	"github.com/iurnickita/talerpay/internal/store"
	storeConfig "github.com/iurnickita/talerpay/internal/store/config"
	"github.com/iurnickita/talerpay/internal/token"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the return endpoint, the operator API and the background poller",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.cfg.Store.Driver == storeConfig.DriverPostgres {
				if err = store.Migrate(a.cfg.Store.DBDsn); err != nil {
					return err
				}
			}
			if err = a.cfg.Service.Provider.Validate(); err != nil {
				return err
			}
			if err = a.service.ValidateBackend(ctx); err != nil {
				a.zaplog.Warn("merchant backend validation failed", zap.Error(err))
			}

			go a.poller.Start(ctx)

			auth := auth.NewAuth(a.cfg.Handler.OperatorSecret)
			return handler.Serve(ctx, a.cfg.Handler, a.cfg.Service.Event.PublicURL, auth, a.service, a.zaplog)
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Poll all payments that need a status refresh once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.poller.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "selected %d, polled %d, failed %d, expired %d\n",
				stats.Selected, stats.Polled, stats.Failed, stats.Expired)
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Store.Driver == storeConfig.DriverMemory {
				return fmt.Errorf("nothing to migrate for the %s store", storeConfig.DriverMemory)
			}
			return store.Migrate(cfg.Store.DBDsn)
		},
	}
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate provider settings against the merchant backend /config",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err = a.service.ValidateBackend(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "merchant backend ok")
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			operator, _ := cmd.Flags().GetString("operator")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			tokenString, err := token.BuildJWTString(operator, cfg.Handler.OperatorSecret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tokenString)
			return nil
		},
	}

	cmd.Flags().String("operator", "admin", "Operator name written into the token")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")

	return cmd
}
