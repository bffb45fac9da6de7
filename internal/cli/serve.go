package cli

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"copy-trading-bot/internal/api"
	"copy-trading-bot/internal/auth"
	"copy-trading-bot/internal/bot"
	"copy-trading-bot/internal/clock"
	"copy-trading-bot/internal/events"
)

func newServeCmd(rc *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the operator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rc.load("main"); err != nil {
				return err
			}
			defer rc.close()
			return serve(cmd.Context(), rc)
		},
	}
}

func serve(parent context.Context, rc *rootConfig) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := rc.logger
	eventBus := events.NewEventBus()

	tradingBot, err := bot.NewTradingBot(ctx, rc.cfg, eventBus, clock.Real{}, logger)
	if err != nil {
		return err
	}
	defer tradingBot.Close()

	authCfg := rc.cfg.AuthConfig
	authService := auth.NewService(auth.Config{
		Enabled:              authCfg.Enabled,
		JWTSecret:            authCfg.JWTSecret,
		AccessTokenDuration:  authCfg.AccessTokenDuration,
		OperatorUsername:     authCfg.OperatorUsername,
		OperatorPasswordHash: authCfg.OperatorPasswordHash,
		StrategyToken:        authCfg.StrategyToken,
	}, logger)
	if !authCfg.Enabled {
		logger.Warn().Msg("Authentication disabled, the operator API is open")
	}

	server := api.NewServer(rc.cfg.ServerConfig, tradingBot.APIDeps(authService), logger)

	if err := tradingBot.Start(ctx); err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down...")
	case err = <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("API server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(rc.cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil && !errors.Is(shutdownErr, context.Canceled) {
		logger.Warn().Err(shutdownErr).Msg("Error shutting down API server")
	}
	tradingBot.Stop()

	logger.Info().Msg("Shutdown complete")
	return err
}
