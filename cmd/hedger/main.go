package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"

	"github.com/bitwii/standx-maker-hedger/internal/bot"
	"github.com/bitwii/standx-maker-hedger/internal/bus"
	"github.com/bitwii/standx-maker-hedger/internal/closer"
	"github.com/bitwii/standx-maker-hedger/internal/dedup"
	"github.com/bitwii/standx-maker-hedger/internal/fsm"
	"github.com/bitwii/standx-maker-hedger/internal/hedge"
	"github.com/bitwii/standx-maker-hedger/internal/journal"
	"github.com/bitwii/standx-maker-hedger/internal/ledger"
	"github.com/bitwii/standx-maker-hedger/internal/model"
	"github.com/bitwii/standx-maker-hedger/internal/ops"
	"github.com/bitwii/standx-maker-hedger/internal/risk"
	"github.com/bitwii/standx-maker-hedger/internal/venue"
	"github.com/bitwii/standx-maker-hedger/internal/venue/lighter"
	"github.com/bitwii/standx-maker-hedger/internal/venue/standx"
)

const (
	_eventQueueCapacity = 256
	_streamRetryDelay   = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "config.json", "path to JSON config")
	profileAddr := flag.String("pyroscope", "", "pyroscope server address (empty disables profiling)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *profileAddr != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "standx-maker-hedger",
			ServerAddress:   *profileAddr,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			log.Fatalf("pyroscope start failed: %v", err)
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	cfg, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %+v", err)
	}

	if err := run(ctx, cfg); err != nil {
		logs.Errorf("hedger exited: %+v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg ops.Loaded) error {
	maker, err := standx.New(standx.Config{
		TradeURL:   cfg.StandX.TradeURL,
		AuthURL:    cfg.StandX.AuthURL,
		StreamURL:  cfg.StandX.StreamURL,
		Chain:      cfg.StandX.Chain,
		Symbol:     cfg.Symbol,
		PrivateKey: cfg.StandX.PrivateKey,
	})
	if err != nil {
		return err
	}

	token, err := maker.Connect(ctx)
	if err != nil {
		return err
	}

	var hedger venue.Hedger
	hedgeEnabled := cfg.Lighter.Enabled
	if hedgeEnabled {
		client, err := lighter.New(lighter.Config{
			APIURL:      cfg.Lighter.APIURL,
			Symbol:      cfg.Symbol,
			PrivateKey:  cfg.Lighter.PrivateKey,
			AccountIdx:  cfg.Lighter.AccountIdx,
			APIKeyIndex: cfg.Lighter.APIKeyIndex,
		})
		if err != nil {
			return err
		}
		if err := client.Connect(ctx); err != nil {
			logs.Warnf("lighter connect failed, hedging disabled: %+v", err)
			hedgeEnabled = false
		} else {
			hedger = client
		}
	}

	riskEngine := risk.NewEngine(cfg.Risk)
	book := ledger.New(ledger.Config{})
	queue := bus.NewQueue(_eventQueueCapacity)
	coordinator := hedge.New(cfg.Hedge, hedger, riskEngine)
	closeManager := closer.New(cfg.Closer, maker, hedger, book)

	var recorder bot.Journal
	if cfg.JournalDSN != "" {
		j, err := journal.New(ctx, cfg.JournalDSN)
		if err != nil {
			return err
		}
		defer j.Close()
		recorder = j
	}

	controller := bot.New(bot.Config{
		Symbol:                  cfg.Symbol,
		OrderSize:               cfg.OrderSize,
		SpreadPct:               cfg.SpreadPct,
		CancelDistancePct:       cfg.CancelDistancePct,
		CheckInterval:           cfg.CheckInterval,
		HedgeEnabled:            hedgeEnabled,
		ClosePositionOnShutdown: cfg.ClosePositionOnShutdown,
	}, bot.Deps{
		Maker:       maker,
		Hedger:      hedger,
		Book:        book,
		Dedup:       dedup.New(dedup.Config{}),
		Machine:     fsm.New(cfg.FSM),
		Coordinator: coordinator,
		Closer:      closeManager,
		Risk:        riskEngine,
		Queue:       queue,
		Journal:     recorder,
	})

	stream := standx.NewStream(ctx, cfg.StandX.StreamURL)
	defer stream.Close()
	if err := startStream(ctx, stream, token); err != nil {
		return err
	}

	unsubscribe := stream.ObserveOrders(ctx, func(e model.OrderEvent) {
		if err := controller.OnStreamEvent(ctx, e); err != nil {
			logs.Errorf("publish stream event: %+v", err)
		}
	})
	defer unsubscribe()

	return controller.Run(ctx)
}

// startStream retries the initial stream connection; later reconnects are
// handled inside the websocket client.
func startStream(ctx context.Context, stream *standx.Stream, token string) error {
	for {
		err := stream.Start(ctx, token)
		if err == nil {
			return nil
		}
		logs.Warnf("order stream connect failed, retrying in %s: %+v", _streamRetryDelay, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(_streamRetryDelay):
		}
	}
}
