package promo

import (
	"github.com/storelift/metering/internal/promo/repository"
	"github.com/storelift/metering/internal/promo/service"
	"go.uber.org/fx"
)

var Module = fx.Module("promo.service",
	fx.Provide(
		repository.Provide,
		service.NewService,
	),
)
