package audit

import (
	"github.com/prepflow/billinghooks/internal/audit/repository"
	"github.com/prepflow/billinghooks/internal/audit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("audit",
	fx.Provide(
		repository.Provide,
		service.NewService,
	),
)
