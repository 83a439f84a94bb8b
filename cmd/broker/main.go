// Command broker wires the mission-control control and telemetry plane
// components (C1-C9) into a single runnable service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"

	"dronefleet/broker/internal/analytics"
	"dronefleet/broker/internal/auth"
	"dronefleet/broker/internal/config"
	"dronefleet/broker/internal/dispatch"
	"dronefleet/broker/internal/domain"
	"dronefleet/broker/internal/fleet"
	"dronefleet/broker/internal/flightplan"
	httpapi "dronefleet/broker/internal/http"
	"dronefleet/broker/internal/livestate"
	"dronefleet/broker/internal/logging"
	"dronefleet/broker/internal/mission"
	"dronefleet/broker/internal/networking"
	"dronefleet/broker/internal/replay"
	"dronefleet/broker/internal/store"
	"dronefleet/broker/internal/stream"
	"dronefleet/broker/internal/streamconsumer"
	"dronefleet/broker/internal/telemetry"
	"dronefleet/broker/internal/transport"
	"dronefleet/broker/internal/wsfanout"
)

// shutdownBudget bounds the entire graceful-drain sequence triggered by
// SIGINT/SIGTERM.
const shutdownBudget = 30 * time.Second

func main() {
	startedAt := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	//1.- C3: a single Redis-backed live-state store satisfies every
	// narrowed interface (mission state, telemetry cache, analytics
	// source/broadcaster, websocket fan-out source) pipeline components need.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	liveState := livestate.New(redisClient)

	//2.- C2: a single Kafka-backed publisher backs C4's telemetry buffer,
	// C6's command audit trail, and C7's mission-event stream.
	kafkaWriter := &kafka.Writer{
		Addr:     kafka.TCP(cfg.KafkaBrokers...),
		Balancer: &kafka.LeastBytes{},
	}
	defer func() {
		if err := kafkaWriter.Close(); err != nil {
			logger.Warn("kafka writer close failed", logging.Error(err))
		}
	}()
	streamPublisher := stream.NewPublisher(kafkaWriter, stream.Config{}, logger)

	//3.- Durable in-memory lookups. A production deployment would point
	// these at a managed database; see internal/store's doc comment.
	missionStore := store.NewMissionStore()
	droneStore := store.NewDroneStore(nil)
	metricsStore := store.NewMetricsStore()

	planner := flightplan.New()

	fleetRegistry, err := fleet.NewRegistry(fleet.WithEnvLookup(os.Getenv))
	if err != nil {
		logger.Fatal("failed to initialise fleet registry", logging.Error(err))
	}

	//3b.- The mission audit archive is constructed ahead of the components
	// that feed it (C4, C6, C7) so every accepted telemetry sample,
	// dispatched command, and lifecycle event lands in the durable replay
	// archive under a mission-keyed directory with retention sweeps.
	replayDir := filepath.Join("storage", "missions")
	recorder, err := replay.NewRecorder(replayDir, nil)
	if err != nil {
		logger.Fatal("failed to initialise mission audit recorder", logging.Error(err))
	}
	cleaner := replay.NewCleaner(replayDir, replay.RetentionPolicy{MaxMissions: 200}, logger)
	cleanerCtx, cleanerCancel := context.WithCancel(context.Background())
	go cleaner.Run(cleanerCtx, time.Hour)

	//4.- C7: the mission coordinator owns the state machine and is shared
	// by C5 (as MissionCompleter) and C6 (as MissionStore) below.
	coordinator := mission.New(missionStore, droneStore, fleetRegistry, planner, liveState, streamPublisher, logger, mission.WithArchive(recorder))

	//5.- C1: the MQTT transport adapter is the sole ingress/egress path
	// for drone telemetry, acks, and dispatched commands.
	transportAdapter, err := transport.New(transport.Config{
		BrokerURL: cfg.MQTTURL,
		ClientID:  cfg.MQTTClientID,
	}, logger)
	if err != nil {
		logger.Fatal("failed to connect transport adapter", logging.Error(err))
	}
	defer transportAdapter.Close(5 * time.Second)

	//6.- C6: the command dispatcher tracks in-flight acks and enforces the
	// mission state machine via the shared coordinator. The in_flight guard
	// and the command:{id}:pending/ack keys are backed by the same Redis
	// live-state store, giving cross-process mutual exclusion across
	// horizontally replicated dispatcher instances.
	dispatcher := dispatch.New(transportAdapter, coordinator, streamPublisher, logger, dispatch.Options{
		AckWait: cfg.CommandTimeout,
		Pending: liveState,
		Archive: recorder,
	})

	//7.- C4: the telemetry processor validates and fans ingested samples
	// out to the live-state store and the durable stream.
	telemetryProcessor := telemetry.New(liveState, streamPublisher, logger, telemetry.Options{
		OnAlert: func(alert telemetry.Alert) {
			logger.Warn("telemetry alert", logging.String("drone_id", alert.DroneID), logging.String("kind", string(alert.Kind)))
		},
		Archive: recorder,
	})
	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()
	telemetryProcessor.Start(processorCtx)

	if err := transportAdapter.StartIngest(
		func(rec domain.TelemetryRecord) { telemetryProcessor.Process(rec) },
		func(ack domain.AckRecord) { dispatcher.HandleAck(ack) },
	); err != nil {
		logger.Fatal("failed to start transport ingest", logging.Error(err))
	}

	//8.- C5: the stream consumer reconciles throttled battery writes and
	// mission auto-completion off the durable telemetry topic,
	// independent of the live ingress path above.
	var kafkaReaderConfig = kafka.ReaderConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   string(stream.TopicTelemetry),
		GroupID: "mission-control-stream-consumer",
	}
	if cfg.KafkaSASLUsername != "" {
		kafkaReaderConfig.Dialer = &kafka.Dialer{
			SASLMechanism: plain.Mechanism{Username: cfg.KafkaSASLUsername, Password: cfg.KafkaSASLPassword},
		}
	}
	kafkaReader := kafka.NewReader(kafkaReaderConfig)
	defer func() {
		if err := kafkaReader.Close(); err != nil {
			logger.Warn("kafka reader close failed", logging.Error(err))
		}
	}()
	consumer := streamconsumer.New(kafkaReader, droneStore, coordinator, logger, streamconsumer.Options{})
	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	go func() {
		if err := consumer.Run(consumerCtx); err != nil && consumerCtx.Err() == nil {
			logger.Error("stream consumer terminated", logging.Error(err))
		}
	}()

	//9.- C8: the realtime analytics tick derives per-drone efficiency and
	// mission-progress metrics, persists them, and broadcasts over C3's
	// pub/sub channels for C9 to fan out.
	analyticsEngine := analytics.New(liveState, missionStore, liveState, metricsStore, logger, analytics.Options{})
	analyticsEngine.Start(context.Background())

	//10.- C9: the websocket fan-out hub bridges C3's pub/sub channels and
	// C8's broadcasts into per-room delivery for authenticated clients.
	broadcastMetrics := networking.NewBroadcastMetrics()
	bandwidthRegulator := networking.NewBandwidthRegulator(0, nil)
	hub := wsfanout.NewHub(liveState, logger, cfg.MaxClients, broadcastMetrics, bandwidthRegulator)
	hub.Start(context.Background())

	tokenVerifier, err := auth.NewHMACTokenVerifier(cfg.JWTSecret, 30*time.Second)
	if err != nil {
		logger.Fatal("failed to configure websocket authenticator", logging.Error(err))
	}
	wsAuthenticator := wsfanout.NewHMACAuthenticator(tokenVerifier)
	wsServer := wsfanout.NewServer(hub, wsAuthenticator, cfg.AllowedOrigins, cfg.MaxPayloadBytes, cfg.PingInterval, logger)

	runtime := newRuntime(hub, fleetRegistry, recorder, logger, startedAt)

	var limiter httpapi.RateLimiter
	if cfg.ReplayDumpWindow > 0 && cfg.ReplayDumpBurst > 0 {
		limiter = httpapi.NewSlidingWindowLimiter(cfg.ReplayDumpWindow, cfg.ReplayDumpBurst, nil)
	}

	opsHandlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:        logger,
		Readiness:     runtime,
		Stats:         runtime.broadcastAndClients,
		Broadcast:     broadcastMetrics,
		Bandwidth:     bandwidthRegulator,
		Replay:        httpapi.ReplayDumperFunc(runtime.DumpReplay),
		AdminToken:    cfg.AdminToken,
		RateLimiter:   limiter,
		ReplayStats:   runtime.replayStats,
		ReplayStorage: cleaner.Stats,
		Site:          runtime,
		DroneMetrics:  metricsStore,
		LateAcks:      dispatcher.LateAcks,
	})

	mux := http.NewServeMux()
	opsHandlers.Register(mux)
	mux.Handle("/ws", wsServer)

	server := &http.Server{Addr: cfg.Address, Handler: mux}
	tlsEnabled := cfg.TLSCertPath != "" && cfg.TLSKeyPath != ""

	logger.Info("broker listening", logging.String("address", listenerURL(cfg.Address, tlsEnabled)))

	serveErrs := make(chan error, 1)
	go func() {
		if tlsEnabled {
			serveErrs <- server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
			return
		}
		serveErrs <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErrs:
		if err != nil && err != http.ErrServerClosed {
			runtime.setStartupError(err)
			logger.Fatal("broker server terminated", logging.Error(err))
		}
		return
	case sig := <-sigCh:
		logger.Info("shutdown signal received", logging.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer shutdownCancel()

	//12.- Graceful drain, outermost-first: stop new ingress, drain what's
	// already queued, flush the durable stream, then tear down the
	// consumer/analytics/fan-out loops and finally the HTTP listener.
	transportAdapter.Close(5 * time.Second)
	processorCancel()
	telemetryProcessor.Wait()
	streamPublisher.Close()
	consumerCancel()
	analyticsEngine.Stop()
	cleanerCancel()
	hub.Stop()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown did not complete cleanly", logging.Error(err))
	}
	if err := redisClient.Close(); err != nil {
		logger.Warn("redis client close failed", logging.Error(err))
	}

	logger.Info("broker shutdown complete", logging.String("uptime", time.Since(startedAt).String()))
}
