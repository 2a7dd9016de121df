package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfhound389/Regparkovka/api/internal/models"
	"github.com/wolfhound389/Regparkovka/api/internal/repos"
	"github.com/wolfhound389/Regparkovka/shared/clockx"
	"github.com/wolfhound389/Regparkovka/shared/config"
	"github.com/wolfhound389/Regparkovka/shared/dbx"
	"github.com/wolfhound389/Regparkovka/shared/events"
	"github.com/wolfhound389/Regparkovka/shared/logx"
	"github.com/wolfhound389/Regparkovka/shared/metricsx"
	"github.com/wolfhound389/Regparkovka/shared/mqx"
	"github.com/wolfhound389/Regparkovka/shared/observability"
)

func main() {
	cfg, problems := config.Load("task-events-consumer", 8082)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
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

	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		logger.Error(context.Background(), "db_init_failed", "db init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer dbPool.Close()

	reader, err := mqx.NewConsumer(cfg, events.TopicTaskEvents, cfg.KafkaGroupID)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka reader init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer reader.Close()

	tasksRepo := repos.NewTasksRepo(dbPool, clockx.System())

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	logger.Info(ctx, "consumer_start", "task events consumer started",
		slog.String("topic", events.TopicTaskEvents),
		slog.String("group", cfg.KafkaGroupID),
	)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
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
			attribute.String("messaging.destination", events.TopicTaskEvents),
		)
		if err := handleTaskEvent(spanCtx, tasksRepo, msg.Value); err != nil {
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
		metricsx.SetKafkaLag(stats.Topic, cfg.KafkaGroupID, stats.Lag)
	}

	logger.Info(context.Background(), "consumer_stop", "task events consumer stopped")
}

// taskStreamBody is the slice of the stream payload the mirror table keys on.
type taskStreamBody struct {
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
}

func handleTaskEvent(ctx context.Context, tasksRepo *repos.TasksRepo, payload []byte) error {
	var envelope events.Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return err
	}
	if envelope.EventID == uuid.Nil || envelope.AggregateID == uuid.Nil {
		return errors.New("missing event_id/aggregate_id")
	}
	event := models.TaskEvent{
		EventID:    envelope.EventID,
		TaskID:     envelope.AggregateID,
		EventType:  envelope.EventType,
		OccurredAt: envelope.OccurredAt,
		Payload:    envelope.Payload,
	}
	if len(envelope.Payload) > 0 {
		var body taskStreamBody
		if err := json.Unmarshal(envelope.Payload, &body); err == nil {
			if body.FromStatus != "" {
				event.FromStatus = &body.FromStatus
			}
			if body.ToStatus != "" {
				event.ToStatus = &body.ToStatus
			}
		}
	}
	inserted, err := tasksRepo.InsertTaskEventFromStream(ctx, event)
	if err != nil {
		return err
	}
	if inserted {
		metricsx.IncTaskEvent(envelope.EventType)
	}
	return nil
}
