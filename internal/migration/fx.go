package migration

import (
	accountdomain "github.com/storelift/metering/internal/account/domain"
	promodomain "github.com/storelift/metering/internal/promo/domain"
	quotadomain "github.com/storelift/metering/internal/quota/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB) error {
		// The SQL migrations target postgres; other dialects (sqlite for
		// local development, mysql) take the schema from the models.
		if conn.Dialector.Name() != "postgres" {
			return conn.AutoMigrate(
				&accountdomain.Account{},
				&accountdomain.Purchase{},
				&accountdomain.UsageEntry{},
				&quotadomain.Subscription{},
				&quotadomain.QuotaConsumption{},
				&promodomain.PromoCode{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
