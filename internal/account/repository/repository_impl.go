package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/prepflow/billinghooks/internal/account/domain"
	"github.com/prepflow/billinghooks/pkg/db"
	"go.uber.org/fx"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	GenID *snowflake.Node
}

type repo struct {
	genID *snowflake.Node
}

func Provide(p Params) domain.Repository {
	return &repo{genID: p.GenID}
}

func (r *repo) FindByEmail(ctx context.Context, database *gorm.DB, email string) (*domain.User, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, domain.ErrInvalidEmail
	}

	var user domain.User
	err := database.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, gorm.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// FindOrCreate provisions a user with a random temporary credential on the
// first approved payment. Concurrent creates for the same email lose to the
// unique index and fall back to the winner's row.
func (r *repo) FindOrCreate(ctx context.Context, database *gorm.DB, email, name, source string) (*domain.User, bool, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, false, domain.ErrInvalidEmail
	}

	if user, err := r.FindByEmail(ctx, database, email); err == nil {
		return user, false, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.DefaultCost)
	if err != nil {
		return nil, false, err
	}
	user := &domain.User{
		ID:           r.genID.Generate(),
		Email:        email,
		Name:         strings.TrimSpace(name),
		Source:       source,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	err = database.WithContext(ctx).Create(user).Error
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			existing, findErr := r.FindByEmail(ctx, database, email)
			if findErr != nil {
				return nil, false, findErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}
	return user, true, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
