package account

import (
	"github.com/storelift/metering/internal/account/repository"
	"github.com/storelift/metering/internal/account/service"
	"go.uber.org/fx"
)

var Module = fx.Module("account.service",
	fx.Provide(
		repository.Provide,
		service.NewService,
	),
)
