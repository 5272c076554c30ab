package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeImportRun triggers one full reconciliation pass over all tenants.
	TaskTypeImportRun = "import:run"
)

// ImportRunPayload describes what triggered a reconciliation pass.
type ImportRunPayload struct {
	Trigger string `json:"trigger"`
}

// NewImportRunTask constructs an Asynq task for a reconciliation pass.
func NewImportRunTask(payload ImportRunPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeImportRun, data), nil
}
