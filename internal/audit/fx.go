package audit

import (
	"github.com/paintops/crewclock/internal/audit/repository"
	"github.com/paintops/crewclock/internal/audit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("audit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
