// Package domain defines the minimal account surface the pipeline needs.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var ErrInvalidEmail = errors.New("invalid_email")

// User is provisioned on the first approved payment for an unknown email.
type User struct {
	ID           snowflake.ID `json:"id" gorm:"primaryKey"`
	Email        string       `json:"email" gorm:"type:text;not null;uniqueIndex"`
	Name         string       `json:"name" gorm:"type:text"`
	Source       string       `json:"source" gorm:"type:text;not null"`
	PasswordHash string       `json:"-" gorm:"type:text;not null"`
	CreatedAt    time.Time    `json:"created_at"`
}

func (User) TableName() string { return "users" }

// Repository finds or provisions users keyed by email.
type Repository interface {
	FindByEmail(ctx context.Context, db *gorm.DB, email string) (*User, error)
	FindOrCreate(ctx context.Context, db *gorm.DB, email, name, source string) (*User, bool, error)
}
