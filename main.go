package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/app"
	configx "github.com/tanpawarit/Chative-Order-Orchestrator/pkg/config"
	logx "github.com/tanpawarit/Chative-Order-Orchestrator/pkg/logger"
	_ "github.com/tanpawarit/Chative-Order-Orchestrator/pkg/logger/autoload"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "orchestrator",
	Short:         "Food ordering conversation orchestrator",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		envFile, _ := cmd.Flags().GetString("env")
		if envFile == "" {
			return nil
		}
		configx.SetEnvFile(envFile)
		logCfg, err := configx.New[logx.Config]("LOG")
		if err != nil {
			return err
		}
		logx.Init(*logCfg)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP and WebSocket surfaces and run the progress runner",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg, err := app.LoadConfig()
		if err != nil {
			return err
		}
		a, err := app.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if seed, _ := cmd.Flags().GetBool("seed"); seed {
			res, err := a.Seed(ctx)
			if err != nil {
				return err
			}
			log.Info().Int("items", res.Items).Int("drivers", res.Drivers).Msg("seeded")
		}

		srv := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
			BaseContext: func(_ net.Listener) context.Context {
				return ctx
			},
		}

		bgDone := make(chan error, 1)
		go func() { bgDone <- a.RunBackground(ctx) }()

		errCh := make(chan error, 1)
		go func() {
			log.Info().Str("addr", cfg.HTTP.Addr).Str("version", version).Msg("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case <-ctx.Done():
			log.Info().Msg("shutting down")
		case err := <-errCh:
			if err != nil {
				stop()
				<-bgDone
				return fmt.Errorf("server error: %w", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		stop()
		return <-bgDone
	},
}

func init() {
	rootCmd.PersistentFlags().String("env", "", "env file to load (.env, .yaml, .json or .toml)")
	serveCmd.Flags().Bool("seed", false, "load default inventory and drivers before serving")

	rootCmd.AddCommand(serveCmd, chatCmd, seedCmd, mcpCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
