package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/wolfhound389/Regparkovka/shared/cachex"
	"github.com/wolfhound389/Regparkovka/shared/config"
	"github.com/wolfhound389/Regparkovka/shared/events"
	"github.com/wolfhound389/Regparkovka/shared/influxx"
	"github.com/wolfhound389/Regparkovka/shared/lockx"
	"github.com/wolfhound389/Regparkovka/shared/logx"
	"github.com/wolfhound389/Regparkovka/shared/metricsx"
	"github.com/wolfhound389/Regparkovka/shared/mqx"
	"github.com/wolfhound389/Regparkovka/shared/observability"
	"github.com/wolfhound389/Regparkovka/shared/workflow"
)

const (
	alertStuckTasks   = "stuck_tasks"
	alertQueueBacklog = "queue_backlog"

	flushEvery = 10 * time.Second
)

func main() {
	cfg, problems := config.Load("yard-monitor", 8084)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if cfg.KafkaGroupID == "" {
		problems = append(problems, config.Problem{Field: "KAFKA_CONSUMER_GROUP", Message: "KAFKA_CONSUMER_GROUP is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		}); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	producer, err := mqx.NewProducer(cfg)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka producer init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer producer.Close()

	var cacheClient *cachex.Client
	if cfg.RedisAddr != "" {
		cacheClient, err = cachex.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "redis_init_failed", "redis init failed, alert cooldown is per-instance",
				slog.String("error", err.Error()),
			)
		}
	}
	if cacheClient != nil {
		defer cacheClient.Close()
	}

	var influxClient *influxx.Client
	if cfg.InfluxURL != "" && cfg.InfluxToken != "" && cfg.InfluxOrg != "" && cfg.InfluxBucket != "" {
		influxClient, err = influxx.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "influx_init_failed", "influx init failed",
				slog.String("error", err.Error()),
			)
		}
	}
	if influxClient != nil {
		defer influxClient.Close()
	}

	taskReader, err := mqx.NewConsumer(cfg, events.TopicTaskEvents, cfg.KafkaGroupID+"-task")
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "task reader init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer taskReader.Close()

	queueReader, err := mqx.NewConsumer(cfg, events.TopicQueueEvents, cfg.KafkaGroupID+"-queue")
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "queue reader init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer queueReader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	state := newYardState(
		time.Duration(cfg.MonitorWindowSec)*time.Second,
		time.Duration(cfg.AlertCooldownSec)*time.Second,
	)
	monitor := &yardMonitor{
		cfg:      cfg,
		state:    state,
		producer: producer,
		cache:    cacheClient,
		influx:   influxClient,
		logger:   logger,
	}

	logger.Info(ctx, "monitor_start", "yard monitor started",
		slog.String("task_topic", events.TopicTaskEvents),
		slog.String("queue_topic", events.TopicQueueEvents),
		slog.Int("window_sec", cfg.MonitorWindowSec),
		slog.Int("stuck_alert_count", cfg.StuckAlertCount),
		slog.Int("queue_alert_depth", cfg.QueueAlertDepth),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runConsumer(gctx, taskReader, cfg.KafkaGroupID+"-task", monitor.handleTaskEvent, logger)
	})
	g.Go(func() error {
		return runConsumer(gctx, queueReader, cfg.KafkaGroupID+"-queue", monitor.handleQueueEvent, logger)
	})
	g.Go(func() error {
		return monitor.flushLoop(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(context.Background(), "monitor_failed", "yard monitor failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	logger.Info(context.Background(), "monitor_stop", "yard monitor stopped")
}

func runConsumer(ctx context.Context, reader *kafka.Reader, groupID string, handler func(context.Context, []byte) error, logger logx.Logger) error {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		spanCtx, span := otel.Tracer("mqx").Start(ctx, "kafka.consume")
		span.SetAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
		)
		if err := handler(spanCtx, msg.Value); err != nil {
			span.End()
			logger.Error(ctx, "event_handle_failed", "failed to handle event",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			continue
		}
		span.End()
		if err := reader.CommitMessages(ctx, msg); err != nil {
			logger.Error(ctx, "kafka_commit_failed", "failed to commit message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
		stats := reader.Stats()
		metricsx.SetKafkaLag(stats.Topic, groupID, stats.Lag)
	}
}

type yardMonitor struct {
	cfg      config.Config
	state    *yardState
	producer *mqx.Producer
	cache    *cachex.Client
	influx   *influxx.Client
	logger   logx.Logger
}

// streamBody is the status slice shared by task and queue stream payloads.
type streamBody struct {
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
}

func (m *yardMonitor) handleTaskEvent(_ context.Context, payload []byte) error {
	var envelope events.Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return err
	}
	if envelope.AggregateID == uuid.Nil {
		return nil
	}
	var body streamBody
	if len(envelope.Payload) > 0 {
		_ = json.Unmarshal(envelope.Payload, &body)
	}
	m.state.recordTask(envelope.AggregateID, envelope.EventType, body.ToStatus, time.Now().UTC())
	return nil
}

func (m *yardMonitor) handleQueueEvent(_ context.Context, payload []byte) error {
	var envelope events.Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return err
	}
	if envelope.AggregateID == uuid.Nil {
		return nil
	}
	m.state.recordQueue(envelope.AggregateID, envelope.EventType)
	return nil
}

func (m *yardMonitor) flushLoop(ctx context.Context) error {
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := time.Now().UTC()
			snap := m.state.snapshot(now)
			m.writePoints(ctx, snap, now)
			m.checkAlerts(ctx, snap, now)
		}
	}
}

func (m *yardMonitor) writePoints(ctx context.Context, snap yardSnapshot, now time.Time) {
	if m.influx == nil {
		return
	}
	err := m.influx.WritePoint(ctx, "yard_task_flow", nil, map[string]any{
		"created":     snap.Created,
		"claimed":     snap.Claimed,
		"completed":   snap.Completed,
		"blocked":     snap.Blocked,
		"restarted":   snap.Restarted,
		"stuck_count": snap.StuckCount,
	}, now)
	if err != nil {
		metricsx.IncInfluxWriteFailure()
		m.logger.Warn(ctx, "influx_write_failed", "task flow point dropped", logx.Err(err))
	}
	err = m.influx.WritePoint(ctx, "yard_queue_depth", nil, map[string]any{
		"depth": snap.QueueDepth,
	}, now)
	if err != nil {
		metricsx.IncInfluxWriteFailure()
		m.logger.Warn(ctx, "influx_write_failed", "queue depth point dropped", logx.Err(err))
	}
}

func (m *yardMonitor) checkAlerts(ctx context.Context, snap yardSnapshot, now time.Time) {
	if m.cfg.StuckAlertCount > 0 && snap.StuckCount >= m.cfg.StuckAlertCount {
		m.emitAlert(ctx, alertStuckTasks, map[string]any{
			"stuck_count": snap.StuckCount,
			"threshold":   m.cfg.StuckAlertCount,
		}, now)
	}
	if m.cfg.QueueAlertDepth > 0 && snap.QueueDepth >= m.cfg.QueueAlertDepth {
		m.emitAlert(ctx, alertQueueBacklog, map[string]any{
			"queue_depth": snap.QueueDepth,
			"threshold":   m.cfg.QueueAlertDepth,
		}, now)
	}
}

func (m *yardMonitor) emitAlert(ctx context.Context, kind string, fields map[string]any, now time.Time) {
	if !m.allowAlert(ctx, kind, now) {
		return
	}

	body := map[string]any{
		"alert":       kind,
		"detected_at": now,
	}
	for k, v := range fields {
		body[k] = v
	}
	payload, _ := json.Marshal(body)

	if err := m.producer.Publish(ctx, events.TopicYardAlerts, []byte(kind), payload, nil); err != nil {
		m.logger.Error(ctx, "alert_publish_failed", "yard alert publish failed",
			slog.String("alert", kind),
			slog.String("error", err.Error()),
		)
	}
	if m.cache != nil {
		_ = m.cache.Client().Publish(ctx, events.TopicYardAlerts, payload).Err()
	}
	m.logger.Info(ctx, "yard_alert", "yard alert emitted",
		slog.String("alert", kind),
		slog.Any("fields", fields),
	)
}

// allowAlert enforces the cooldown. With Redis the lock TTL is the
// cooldown shared across instances; without it each instance falls back
// to its own timer.
func (m *yardMonitor) allowAlert(ctx context.Context, kind string, now time.Time) bool {
	if m.cache != nil {
		_, acquired, err := lockx.Acquire(ctx, m.cache.Client(), "regparkovka:alert:"+kind, m.state.cooldown)
		if err == nil {
			return acquired
		}
		m.logger.Warn(ctx, "alert_lock_failed", "cooldown lock failed, using local timer", logx.Err(err))
	}
	return m.state.allowAlert(kind, now)
}

type flowEvent struct {
	at    time.Time
	event string
}

// yardState folds both streams into a sliding task-flow window plus live
// stuck and queued sets keyed by aggregate id.
type yardState struct {
	mu        sync.Mutex
	window    time.Duration
	cooldown  time.Duration
	flow      []flowEvent
	stuck     map[uuid.UUID]struct{}
	queued    map[uuid.UUID]struct{}
	lastAlert map[string]time.Time
}

type yardSnapshot struct {
	Created    int
	Claimed    int
	Completed  int
	Blocked    int
	Restarted  int
	StuckCount int
	QueueDepth int
}

func newYardState(window time.Duration, cooldown time.Duration) *yardState {
	return &yardState{
		window:    window,
		cooldown:  cooldown,
		stuck:     make(map[uuid.UUID]struct{}),
		queued:    make(map[uuid.UUID]struct{}),
		lastAlert: make(map[string]time.Time),
	}
}

func (s *yardState) recordTask(taskID uuid.UUID, eventType string, toStatus string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flow = append(s.flow, flowEvent{at: now, event: eventType})
	s.trimLocked(now)
	if toStatus == workflow.TaskStatusStuck {
		s.stuck[taskID] = struct{}{}
	} else if toStatus != "" {
		delete(s.stuck, taskID)
	}
}

func (s *yardState) recordQueue(entryID uuid.UUID, eventType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch eventType {
	case workflow.QueueEventJoined:
		s.queued[entryID] = struct{}{}
	case workflow.QueueEventPromoted, workflow.QueueEventLeft:
		delete(s.queued, entryID)
	}
}

func (s *yardState) snapshot(now time.Time) yardSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trimLocked(now)
	snap := yardSnapshot{
		StuckCount: len(s.stuck),
		QueueDepth: len(s.queued),
	}
	for _, e := range s.flow {
		switch e.event {
		case workflow.TaskEventCreated:
			snap.Created++
		case workflow.TaskEventClaimed:
			snap.Claimed++
		case workflow.TaskEventCompleted:
			snap.Completed++
		case workflow.TaskEventBlocked:
			snap.Blocked++
		case workflow.TaskEventRestarted:
			snap.Restarted++
		}
	}
	return snap
}

func (s *yardState) trimLocked(now time.Time) {
	cutoff := now.Add(-s.window)
	idx := 0
	for _, e := range s.flow {
		if e.at.After(cutoff) {
			s.flow[idx] = e
			idx++
		}
	}
	s.flow = s.flow[:idx]
}

func (s *yardState) allowAlert(kind string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.lastAlert[kind]
	if !last.IsZero() && now.Sub(last) < s.cooldown {
		return false
	}
	s.lastAlert[kind] = now
	return true
}
