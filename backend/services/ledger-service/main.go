package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/centralbank/paychain/backend/pkg/common"
	"github.com/centralbank/paychain/backend/pkg/common/db"
	"github.com/centralbank/paychain/backend/pkg/common/migrations"
	"github.com/centralbank/paychain/backend/pkg/fabricclient"
	"github.com/centralbank/paychain/backend/pkg/notify"
	"github.com/centralbank/paychain/backend/pkg/paychain"
	"github.com/centralbank/paychain/backend/pkg/store"
)

func nodeConfig(cfg *common.Config) paychain.Config {
	return paychain.Config{
		Ledger:             cfg.Ledger,
		Offline:            cfg.Offline,
		Security:           cfg.Security,
		RelaySecret:        cfg.RelaySecret,
		DiscoveryInterval:  cfg.Intervals.Discovery,
		SettlementInterval: cfg.Intervals.Settlement,
		SweepInterval:      cfg.Intervals.Sweep,
		ScanInterval:       cfg.Intervals.Scan,
		PersistDebounce:    cfg.Intervals.Persist,
	}
}

func main() {
	cfg := common.LoadConfig()
	logger := log.New(os.Stderr, "[ledger] ", log.LstdFlags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Event sinks
	hub := notify.NewHub()
	sinks := []notify.Sink{notify.LogSink{Logger: logger}, hub}
	if cfg.Events.NATSURL != "" {
		natsSink, err := notify.NewNATSSink(cfg.Events.NATSURL)
		if err != nil {
			log.Printf("Warning: NATS connection failed: %v", err)
		} else {
			defer natsSink.Close()
			sinks = append(sinks, natsSink)
		}
	}
	if cfg.Events.AMQPURL != "" {
		amqpSink, err := notify.NewAMQPSink(cfg.Events.AMQPURL, cfg.Events.AMQPExchange)
		if err != nil {
			log.Printf("Warning: AMQP connection failed: %v", err)
		} else {
			defer amqpSink.Close()
			sinks = append(sinks, amqpSink)
		}
	}
	dispatcher := notify.NewDispatcher(cfg.Events.Buffer, logger, sinks...)
	go dispatcher.Run(ctx)

	// Snapshot store
	var st store.Store = store.NewMemory()
	if cfg.DB.Host != "" {
		database, err := db.Connect(cfg.DB)
		if err != nil {
			log.Fatalf("Failed to connect to DB: %v", err)
		}
		defer database.Close()

		if err := migrations.RunMigrations(ctx, database, cfg.MigrationsDir); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		st = store.NewPostgres(database)
	} else {
		log.Printf("Warning: DB_HOST not set, ledger state is kept in memory only")
	}

	opts := []paychain.Option{
		paychain.WithLogger(logger),
		paychain.WithNotifier(dispatcher),
		paychain.WithStore(st),
	}

	// Settlement anchoring
	var fabric *fabricclient.Client
	if cfg.Fabric.Enabled() {
		client, err := fabricclient.NewClient(fabricclient.Options{
			ConfigPath: cfg.Fabric.Profile,
			WalletPath: cfg.Fabric.WalletPath,
			Channel:    cfg.Fabric.Channel,
			Contract:   cfg.Fabric.Contract,
			MSPID:      cfg.Fabric.MSP,
			CertPath:   cfg.Fabric.CertPath,
			KeyPath:    cfg.Fabric.KeyPath,
		})
		if err != nil {
			log.Printf("Warning: Fabric connection failed, settlements will not be anchored: %v", err)
		} else {
			fabric = client
			defer fabric.Close()
			opts = append(opts, paychain.WithAnchor(fabric))
		}
	}

	node, err := paychain.New(nodeConfig(cfg), opts...)
	if err != nil {
		log.Fatalf("Failed to build node: %v", err)
	}
	if err := node.Load(ctx); err != nil {
		log.Fatalf("Failed to restore ledger: %v", err)
	}
	if fabric != nil {
		node.ReconcileAnchors()
		err := fabric.WatchSettlements(ctx, func(p fabricclient.SettlementProof) {
			logger.Printf("anchor: %s confirmed on channel %s", p.ReservationID, cfg.Fabric.Channel)
		})
		if err != nil {
			log.Printf("Warning: cannot watch settlement events: %v", err)
		}
	}
	go node.Run(ctx)

	svc := NewService(node, cfg, hub)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           svc.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP shutdown: %v", err)
		}
	}()

	log.Printf("Ledger Service running on :%s", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := node.Close(closeCtx); err != nil {
		log.Printf("Final snapshot failed: %v", err)
	}
	dispatcher.Wait()
	log.Printf("Ledger Service stopped")
}
