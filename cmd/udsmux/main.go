package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"udsmux/internal/infrastructure/config"
	"udsmux/internal/infrastructure/logger"
	"udsmux/internal/infrastructure/svc"
)

func main() {
	logger.Setup()

	configPath := flag.String("config", "configs/config.toml", "path to config.toml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc, err := svc.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("service context initialization failed")
	}
	defer sc.Close()

	if err := sc.StartControlFeed(ctx); err != nil {
		log.Fatal().Err(err).Msg("control feed start failed")
	}

	// 后台任务：批量写入器与 token 续期
	go func() {
		if err := sc.BalanceWriter.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("balance writer exited")
		}
	}()
	go func() {
		if err := sc.OrderWriter.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("order writer exited")
		}
	}()
	go func() {
		if err := sc.TokenManager.Run(ctx, sc.Events); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("token renewal task exited")
		}
	}()

	log.Info().
		Str("config", *configPath).
		Int("capacity", cfg.Stream.Capacity).
		Int("overlap_sec", cfg.Stream.OverlapSeconds).
		Msg("udsmux started")

	if err := sc.Fleet.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("fleet orchestrator exited")
	}
}
