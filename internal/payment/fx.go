package payment

import (
	"github.com/storewise/charging/internal/config"

	"go.uber.org/fx"
)

var Module = fx.Module("payment",
	fx.Provide(
		func() *Registry {
			return NewRegistry(NewPayPalFactory())
		},
		func(registry *Registry, cfg config.Config) (Client, error) {
			return registry.NewClient(cfg)
		},
	),
)
