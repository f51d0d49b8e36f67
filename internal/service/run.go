package service

import (
	"context"

	"github.com/CZERTAINLY/Tao/internal/model"
)

// Run implements CLI run command
func Run(ctx context.Context, config model.Config) error {
	supervisor, err := SupervisorFromConfig(ctx, config)
	if err != nil {
		return err
	}
	return supervisor.Do(ctx)
}
