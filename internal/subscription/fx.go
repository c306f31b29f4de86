package subscription

import (
	"github.com/prepflow/billinghooks/internal/config"
	"github.com/prepflow/billinghooks/internal/subscription/cipher"
	"github.com/prepflow/billinghooks/internal/subscription/repository"
	"github.com/prepflow/billinghooks/internal/subscription/service"
	"go.uber.org/fx"
)

func provideCipher(cfg config.Config) (*cipher.Cipher, error) {
	return cipher.New(cfg.EncryptionKey)
}

var Module = fx.Module("subscription",
	fx.Provide(
		provideCipher,
		repository.Provide,
		service.NewService,
	),
)
