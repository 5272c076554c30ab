package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/importer"
	jobmetrics "github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/jobs"
)

// Runner is the import pipeline surface the job drives.
type Runner interface {
	RunOnce(ctx context.Context, opts importer.Options) importer.Summary
}

// ImportRunJob executes the scheduled reconciliation pass. Options are
// resolved per invocation so a config reload takes effect on the next run.
type ImportRunJob struct {
	runner  Runner
	options func() importer.Options
	metrics *jobmetrics.Metrics
	logger  *slog.Logger
}

// NewImportRunJob wires the job.
func NewImportRunJob(runner Runner, options func() importer.Options, logger *slog.Logger, metrics *jobmetrics.Metrics) *ImportRunJob {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = jobmetrics.NewMetrics(nil)
	}
	return &ImportRunJob{runner: runner, options: options, metrics: metrics, logger: logger}
}

// Handle processes TaskTypeImportRun tasks. A run with failed tenants returns
// no error: retrying the whole pass would re-walk healthy tenants for nothing,
// and the next scheduled run picks the failed tenants up again.
func (j *ImportRunJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload ImportRunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	j.logger.Info("import run triggered", slog.String("trigger", payload.Trigger))

	tracker := j.metrics.Track("import_run")
	summary := j.runner.RunOnce(ctx, j.options())

	failed := 0
	for _, tenant := range summary.Tenants {
		for _, step := range tenant.Steps {
			j.metrics.ObserveStep(tenant.TenantCode, step.Name, step.Skipped, step.Err, step.Duration)
		}
		if tenant.Failed() {
			failed++
		}
	}
	_ = tracker.End(nil)

	if failed > 0 {
		j.logger.Error("import run finished with failed tenants",
			slog.String("run", summary.RunID),
			slog.Int("failed", failed),
			slog.Int("tenants", len(summary.Tenants)))
		return nil
	}
	j.logger.Info("import run finished",
		slog.String("run", summary.RunID),
		slog.Int("tenants", len(summary.Tenants)))
	return nil
}
