package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskGrantSweep deactivates grants whose expiry has passed.
	TaskGrantSweep = "rbac:grant_sweep"
	// TaskRegistryRefresh reloads the tenant registry from the manager store.
	TaskRegistryRefresh = "tenant:registry_refresh"
)

// GrantSweepPayload bounds a sweep run.
type GrantSweepPayload struct {
	// BatchSize caps the grants deactivated per run. Zero or negative
	// applies the default cap of 1000.
	BatchSize int `json:"batch_size"`
}

// NewGrantSweepTask constructs an Asynq task for the expired-grant sweep.
func NewGrantSweepTask(payload GrantSweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskGrantSweep, data), nil
}

// NewRegistryRefreshTask constructs an Asynq task for the registry refresh.
func NewRegistryRefreshTask() (*asynq.Task, error) {
	return asynq.NewTask(TaskRegistryRefresh, nil), nil
}
