package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/route-quota/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the availability and submission API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}

		env, err := initApp(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		go reloadRulesOnHangup(ctx, env)

		api := server.New(server.Deps{
			Classifier: env.Classifier,
			Submitter:  env.Pipeline,
			Admin:      env.Ledger,
			Reporter:   env.Reporter,
			Routes:     env.Routes,
			Store:      env.Store,
		}, server.Options{
			CORSOrigins:      cfg.Server.CORSOrigins,
			SubmitRatePerSec: cfg.Server.SubmitRatePerSec,
			SubmitBurst:      cfg.Server.SubmitBurst,
			Limits:           cfg.CategoryLimits(),
			ReconcileGrace:   cfg.Ledger.ReconcileGrace(),
		})

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Duration(cfg.Server.ShutdownTimeoutSecs)*time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// reloadRulesOnHangup swaps in the rule file on SIGHUP. A file that fails to
// parse leaves the current rules in place.
func reloadRulesOnHangup(ctx context.Context, env *appEnv) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			rs, err := loadRules()
			if err != nil {
				zap.L().Error("rule reload failed, keeping current rules", zap.Error(err))
				continue
			}
			env.Rules.Replace(rs)
			zap.L().Info("rules reloaded", zap.Int("rules", len(rs)))
		}
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
