package quota

import (
	"github.com/storelift/metering/internal/quota/repository"
	"github.com/storelift/metering/internal/quota/service"
	"go.uber.org/fx"
)

var Module = fx.Module("quota.service",
	fx.Provide(
		repository.Provide,
		service.NewService,
	),
)
