package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/importer"
	jobmetrics "github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/jobs"
)

type fakeRunner struct {
	calls   int
	gotOpts importer.Options
	summary importer.Summary
}

func (f *fakeRunner) RunOnce(ctx context.Context, opts importer.Options) importer.Summary {
	f.calls++
	f.gotOpts = opts
	return f.summary
}

func testMetrics() *jobmetrics.Metrics {
	return jobmetrics.NewMetrics(prometheus.NewRegistry())
}

func TestImportRunJobRunsPipeline(t *testing.T) {
	runner := &fakeRunner{summary: importer.Summary{RunID: "r1"}}
	opts := importer.Options{Tenants: map[string]int{"sd": 601}, ExchangeRates: true}
	job := NewImportRunJob(runner, func() importer.Options { return opts }, nil, testMetrics())

	task, err := NewImportRunTask(ImportRunPayload{Trigger: "cron"})
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, 1, runner.calls)
	assert.Equal(t, 601, runner.gotOpts.Tenants["sd"])
}

func TestImportRunJobSwallowsTenantFailures(t *testing.T) {
	// A failed tenant must not fail the task: retries would re-run healthy
	// tenants and the next scheduled pass retries the failed one anyway.
	runner := &fakeRunner{summary: importer.Summary{
		RunID: "r2",
		Tenants: []importer.TenantResult{{
			TenantCode: "sd",
			Steps:      []importer.StepResult{{Name: importer.StepTechnicals, Err: errors.New("boom")}},
		}},
	}}
	job := NewImportRunJob(runner, func() importer.Options { return importer.Options{} }, nil, testMetrics())

	task, err := NewImportRunTask(ImportRunPayload{Trigger: "manual"})
	require.NoError(t, err)
	assert.NoError(t, job.Handle(context.Background(), task))
}

func TestImportRunJobRejectsBadPayload(t *testing.T) {
	runner := &fakeRunner{}
	job := NewImportRunJob(runner, func() importer.Options { return importer.Options{} }, nil, testMetrics())

	err := job.Handle(context.Background(), asynq.NewTask(TaskTypeImportRun, []byte("{not json")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Zero(t, runner.calls)
}
