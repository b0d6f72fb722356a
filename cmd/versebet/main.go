package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"VerseBet/internal/config"
	"VerseBet/internal/core"
	"VerseBet/internal/event"
	"VerseBet/internal/ingestion"
	"VerseBet/internal/observability"
	"VerseBet/internal/persistence"
	"VerseBet/internal/projection"
	"VerseBet/internal/query"
	"VerseBet/internal/server"
	"VerseBet/internal/state"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	logger := observability.NewLogger("versebet")
	logger.Info().Msg("starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}
	logger.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, logger)
	if err := migrator.Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	snapMgr := persistence.NewSnapshotManager(db)

	// --- Recovery: load snapshot + replay ---
	startSequence := int64(0)

	snapData, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("load snapshot")
	}
	if snapData != nil {
		startSequence = snapData.Sequence + 1
		logger.Info().Int64("sequence", snapData.Sequence).Msg("snapshot loaded")
	} else {
		logger.Info().Msg("no snapshot, cold start from sequence 0")
	}

	// The persist channel blocks under load (backpressure into the
	// engine); the projection channel drops when full.
	persistChan := make(chan core.CoreOutput, cfg.Engine.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.Engine.ProjectionChanSize)

	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	engine, err := core.NewEngine(
		state.DefaultRiskConfig(),
		startSequence,
		persistChan,
		projectionChan,
		dbChecker,
		metrics,
		logger,
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("create engine")
	}

	if snapData != nil {
		coreSnap, err := snapData.ToEngineState()
		if err != nil {
			logger.Fatal().Err(err).Msg("decode snapshot")
		}
		engine.RestoreFromSnapshot(coreSnap)
		if len(coreSnap.IdempotencyKeys) > 0 {
			logger.Info().Int("keys", len(coreSnap.IdempotencyKeys)).Msg("warming idempotency cache")
			engine.WarmLRU(coreSnap.IdempotencyKeys)
		}
	}

	replayCount, err := replayEventLog(ctx, snapMgr, engine, startSequence, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("event replay")
	}
	if replayCount > 0 {
		logger.Info().Int64("replayed", replayCount).Int64("sequence", engine.GetSequence()).Msg("replay complete")
	}

	// After a restore with no replay the chain tip must equal the stored
	// snapshot hash.
	if snapData != nil && replayCount == 0 {
		var expected [32]byte
		copy(expected[:], snapData.StateHash)
		if actual := engine.GetStateHash(); expected != actual {
			logger.Fatal().
				Hex("expected", expected[:]).
				Hex("actual", actual[:]).
				Msg("state hash mismatch after restore")
		}
		logger.Info().Msg("state hash verified")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure streams")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure outbound stream")
	}

	rawEventChan := make(chan ingestion.RawEvent, 4096)
	subscriber := ingestion.NewNATSSubscriber(js, rawEventChan, logger)
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		logger.Fatal().Err(err).Msg("nats subscribe")
	}

	publishChan := make(chan ingestion.PublishableEvent, 4096)
	publisher := ingestion.NewOutboundPublisher(js, publishChan, logger)

	// --- Projection fan-out ---
	priceHistory := projection.NewPriceHistory(256)
	hub := server.NewHub(cfg.Server.WSSendDepth, priceHistory, metrics, logger)
	projWorkerChan := make(chan core.CoreOutput, cfg.Engine.ProjectionChanSize)

	// --- Engine gateway + processing loop ---
	gateway := newEngineGateway(4096)
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		runEngineLoop(ctx, engine, gateway, snapMgr, cfg.Engine.SnapshotInterval, metrics, logger)
		// Engine goroutine is the only sender on these channels.
		close(persistChan)
		close(projectionChan)
	}()

	// --- Workers ---
	errChan := make(chan error, 8)

	persistWorker := persistence.NewWorker(db, persistChan, cfg.Persist.BatchSize, cfg.Persist.FlushTimeout, metrics, logger)
	go func() {
		errChan <- persistWorker.Run(ctx)
	}()

	projWorker := projection.NewWorker(db, projWorkerChan, metrics, logger)
	go func() {
		errChan <- projWorker.Run(ctx)
	}()

	go func() {
		errChan <- publisher.Run(ctx)
	}()

	go func() {
		defer close(projWorkerChan)
		defer close(publishChan)
		fanOutProjection(projectionChan, projWorkerChan, publishChan, priceHistory, hub, metrics)
	}()

	// --- NATS → engine parse loop ---
	go runNATSIngestLoop(ctx, rawEventChan, gateway, logger)

	// --- HTTP API ---
	queries := query.NewService(db, metrics)
	httpServer := server.New(server.Config{
		Addr:      cfg.Server.HTTPAddr,
		RateLimit: cfg.Server.RateLimit,
		RateBurst: cfg.Server.RateBurst,
	}, db, queries, gateway, hub, priceHistory, healthChecker, logger)
	go func() {
		errChan <- httpServer.Start(ctx)
	}()

	// --- Metrics server ---
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			srv.Shutdown(shutCtx)
		}()
		logger.Info().Str("addr", cfg.Server.MetricsAddr).Msg("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	logger.Info().
		Int64("sequence", engine.GetSequence()).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("ready")

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("worker failed, shutting down")
	}

	cancel()
	subscriber.Stop()

	// The engine loop takes the final snapshot before closing its output
	// channels; give it and the flush paths time to finish.
	select {
	case <-engineDone:
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("engine loop did not stop in time")
	}

	logger.Info().Msg("shutdown complete")
}

// ----------------------------------------------------------------------------
// Engine gateway
// ----------------------------------------------------------------------------

type engineCommand struct {
	fn    func(*core.Engine) error
	reply chan error
}

// engineGateway funnels all engine access through the processing
// goroutine. The engine holds no locks; nothing may touch it from
// another goroutine.
type engineGateway struct {
	events chan event.Event
	cmds   chan engineCommand
}

func newEngineGateway(depth int) *engineGateway {
	return &engineGateway{
		events: make(chan event.Event, depth),
		cmds:   make(chan engineCommand, 16),
	}
}

func (g *engineGateway) SubmitEvent(ctx context.Context, evt event.Event) error {
	select {
	case g.events <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *engineGateway) CreateProposal(ctx context.Context, p *state.Proposal) error {
	cmd := engineCommand{
		fn:    func(e *core.Engine) error { return e.CreateProposal(p) },
		reply: make(chan error, 1),
	}
	select {
	case g.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runEngineLoop is the single goroutine that mutates engine state. It
// drains events and admin commands, and takes snapshots inline so the
// capture never races with event processing.
func runEngineLoop(
	ctx context.Context,
	engine *core.Engine,
	gateway *engineGateway,
	snapMgr *persistence.SnapshotManager,
	snapshotInterval int64,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	if snapshotInterval <= 0 {
		snapshotInterval = 100_000
	}

	lastSnapshotSeq := engine.GetSequence()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	maybeSnapshot := func() {
		seq := engine.GetSequence()
		if seq-lastSnapshotSeq < snapshotInterval {
			return
		}
		if err := takeSnapshot(ctx, engine, snapMgr, metrics); err != nil {
			logger.Warn().Err(err).Msg("periodic snapshot failed")
			return
		}
		lastSnapshotSeq = seq
		logger.Info().Int64("sequence", seq).Msg("periodic snapshot")
	}

	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := takeSnapshot(finalCtx, engine, snapMgr, metrics); err != nil {
				logger.Error().Err(err).Msg("final snapshot failed")
			} else {
				logger.Info().Int64("sequence", engine.GetSequence()).Msg("final snapshot saved")
			}
			cancel()
			return

		case evt := <-gateway.events:
			if err := engine.ProcessEvent(evt); err != nil {
				logger.Error().
					Err(err).
					Stringer("type", evt.EventType()).
					Str("key", evt.IdempotencyKey()).
					Msg("process event")
			}
			maybeSnapshot()

		case cmd := <-gateway.cmds:
			cmd.reply <- cmd.fn(engine)

		case <-ticker.C:
			maybeSnapshot()
		}
	}
}

func takeSnapshot(ctx context.Context, engine *core.Engine, snapMgr *persistence.SnapshotManager, metrics *observability.Metrics) error {
	start := time.Now()

	snapData := persistence.FromEngineState(engine.CreateSnapshotState())
	if err := snapMgr.SaveSnapshot(ctx, snapData); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if err := snapMgr.MarkVerified(ctx, snapData.Sequence); err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotLastSeq.Set(float64(snapData.Sequence))
	}
	return nil
}

// ----------------------------------------------------------------------------
// Ingestion
// ----------------------------------------------------------------------------

// runNATSIngestLoop parses raw broker deliveries and forwards typed
// events to the engine. Messages ack after the channel send, not after
// processing: backpressure propagates by blocking, and a slow engine
// never trips AckWait.
func runNATSIngestLoop(ctx context.Context, rawChan <-chan ingestion.RawEvent, gateway *engineGateway, logger zerolog.Logger) {
	subjectToType := make(map[string]string)
	for _, sc := range ingestion.DefaultSubjects() {
		prefix := sc.Subject
		if len(prefix) > 2 && prefix[len(prefix)-2:] == ".>" {
			prefix = prefix[:len(prefix)-2]
		}
		subjectToType[prefix] = sc.EventType
	}

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}

			eventType := resolveEventType(raw.Subject, subjectToType)
			if eventType == "" {
				logger.Warn().Str("subject", raw.Subject).Msg("unknown subject")
				raw.AckFunc()
				continue
			}

			evt, err := ingestion.ParseRawEvent(raw, eventType)
			if err != nil {
				// Unparseable events ack so they do not redeliver forever.
				logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse event")
				raw.AckFunc()
				continue
			}

			if err := gateway.SubmitEvent(ctx, evt); err != nil {
				raw.NakFunc()
				return
			}
			raw.AckFunc()
		}
	}
}

// resolveEventType matches a subject against the longest configured prefix.
func resolveEventType(subject string, prefixMap map[string]string) string {
	bestMatch := ""
	bestType := ""
	for prefix, evtType := range prefixMap {
		if len(subject) >= len(prefix) && subject[:len(prefix)] == prefix {
			if len(prefix) > len(bestMatch) {
				bestMatch = prefix
				bestType = evtType
			}
		}
	}
	return bestType
}

// ----------------------------------------------------------------------------
// Projection fan-out
// ----------------------------------------------------------------------------

// fanOutProjection forwards engine output to the projection worker, the
// websocket hub, and the outbound publisher. All sends are non-blocking:
// the read side is eventually consistent and must never stall the engine.
func fanOutProjection(
	in <-chan core.CoreOutput,
	projOut chan<- core.CoreOutput,
	publishOut chan<- ingestion.PublishableEvent,
	history *projection.PriceHistory,
	hub *server.Hub,
	metrics *observability.Metrics,
) {
	for out := range in {
		select {
		case projOut <- out:
		default:
			metrics.ProjectionDrops.WithLabelValues("worker").Inc()
		}

		env := out.Envelope
		if env.EventType == event.EventTypeOraclePriceUpdate {
			if decoded, err := event.Decode(env.EventType, env.Payload); err == nil {
				if tick, ok := decoded.(*event.OraclePriceUpdate); ok {
					pt := projection.PriceTick{
						Proposal:      tick.Proposal,
						Prices:        tick.Prices,
						Slot:          tick.Slot,
						PriceSequence: tick.PriceSequence,
						Sequence:      env.Sequence,
					}
					history.Record(pt)
					hub.BroadcastTick(pt)
				}
			}
		} else {
			hub.BroadcastEvent(env.EventType.String(), env.Sequence, env.ProposalID, env.Payload)
		}

		var proposalID *string
		if env.ProposalID != nil {
			s := env.ProposalID.String()
			proposalID = &s
		}
		select {
		case publishOut <- ingestion.PublishableEvent{
			Sequence:       env.Sequence,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			ProposalID:     proposalID,
			Payload:        json.RawMessage(env.Payload),
			StateHash:      env.StateHash[:],
			Timestamp:      env.Timestamp,
		}:
		default:
			metrics.PublishDrops.Inc()
		}
	}
}

// ----------------------------------------------------------------------------
// Recovery
// ----------------------------------------------------------------------------

// replayEventLog replays persisted events from fromSequence to the head
// of the log. Duplicate and out-of-order errors are expected on replay
// and skip silently.
func replayEventLog(
	ctx context.Context,
	snapMgr *persistence.SnapshotManager,
	engine *core.Engine,
	fromSequence int64,
	logger zerolog.Logger,
) (int64, error) {
	const batchSize = 1000
	var total int64

	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, fromSequence, batchSize)
		if err != nil {
			return total, fmt.Errorf("load events from seq %d: %w", fromSequence, err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			evt, err := event.DecodeByName(row.EventType, row.Payload)
			if err != nil {
				logger.Warn().
					Err(err).
					Int64("sequence", row.Sequence).
					Str("type", row.EventType).
					Msg("skip undecodable event")
				continue
			}

			if err := engine.ProcessEvent(evt); err != nil {
				logger.Debug().Err(err).Int64("sequence", row.Sequence).Msg("replay skip")
			}
			total++
		}

		fromSequence = rows[len(rows)-1].Sequence + 1
	}

	return total, nil
}
