package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stakewatch/validators-monitor/internal/adapters"
	"github.com/stakewatch/validators-monitor/internal/application/services"
	"github.com/stakewatch/validators-monitor/internal/config"
	"github.com/stakewatch/validators-monitor/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, cfg.LogPretty)
	log := logger.For("main")
	log.Info().
		Str("consensus_url", cfg.ConsensusURL).
		Bool("fallback_configured", cfg.ConsensusFallbackURL != "").
		Uint64("slots_per_epoch", cfg.SlotsPerEpoch).
		Msg("starting validators-monitor")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	beacon, err := adapters.NewBeaconAdapter(ctx, adapters.BeaconAdapterConfig{
		PrimaryURL:    cfg.ConsensusURL,
		FallbackURL:   cfg.ConsensusFallbackURL,
		RetryCount:    cfg.RetryCount,
		RetryDelay:    cfg.RetryDelay,
		MaxDepth:      cfg.MaxSearchDepth,
		DutiesChunk:   cfg.DutiesChunkSize,
		SlotsPerEpoch: cfg.SlotsPerEpoch,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("connecting to consensus node")
	}

	storage, err := adapters.NewPgStorage(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.StorageChunkSize, cfg.StorageRetryAttempts, cfg.SlotsPerEpoch)
	if err != nil {
		log.Fatal().Err(err).Msg("connecting to database")
	}
	defer storage.Close()

	registry := adapters.NewKeysRegistry(cfg.KeysAPIURL, cfg.KeysRefreshInterval)
	sink := adapters.NewAlertmanagerSink(cfg.AlertmanagerURL)
	if !sink.Configured() {
		log.Warn().Msg("no alertmanager URL configured, alerts disabled")
	}

	genesisTime, err := beacon.GetGenesisTime(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("fetching genesis time")
	}

	agg := services.NewSummaryAggregator()
	scheduler := services.NewEpochScheduler(beacon, cfg.SlotsPerEpoch, cfg.SlotDuration, cfg.StartSlot)
	resolver := services.NewDutyResolver(beacon, registry, agg, cfg.SlotsPerEpoch, cfg.MaxInclusionDelay)
	alerts := services.NewAlertEngine(storage, sink, services.AlertEngineConfig{
		BadFractionRatio:   cfg.AlertBadFractionRatio,
		MinValidators:      cfg.AlertMinValidators,
		DefaultInterval:    cfg.AlertDefaultInterval,
		EscalationInterval: cfg.AlertEscalationInterval,
		DataStaleAfter:     cfg.AlertDataStaleAfter,
		SlotsPerEpoch:      cfg.SlotsPerEpoch,
		SlotDuration:       cfg.SlotDuration,
		GenesisTime:        genesisTime,
	})
	pipeline := services.NewPipeline(beacon, storage, registry, scheduler, resolver, agg, alerts, cfg.SlotsPerEpoch, cfg.SlotDuration)

	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	go pipeline.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Warn().Str("signal", sig.String()).Msg("shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
}
