package jobs

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/meridian-erp/meridian-erp/internal/tenant"
)

// RegistryRefreshJob reloads the tenant registry so new or deactivated
// tenants propagate to routing without waiting for cache expiry.
type RegistryRefreshJob struct {
	registry *tenant.Registry
	logger   *slog.Logger
}

// NewRegistryRefreshJob constructs a RegistryRefreshJob.
func NewRegistryRefreshJob(registry *tenant.Registry, logger *slog.Logger) *RegistryRefreshJob {
	return &RegistryRefreshJob{registry: registry, logger: logger}
}

// Handle processes TaskRegistryRefresh tasks.
func (j *RegistryRefreshJob) Handle(ctx context.Context, t *asynq.Task) error {
	if err := j.registry.Refresh(ctx); err != nil {
		j.logger.Error("registry refresh", slog.Any("error", err))
		return err
	}
	j.logger.Info("registry refreshed")
	return nil
}
