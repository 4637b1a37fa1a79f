package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/d60-Lab/linkpilot/internal/apperr"
	"github.com/d60-Lab/linkpilot/internal/model"
	"github.com/d60-Lab/linkpilot/pkg/secure"
)

type TokenRepository interface {
	// Replace 新凭证取代旧凭证（同一事务内删后插）
	Replace(ctx context.Context, cred *model.Credential) error
	Current(ctx context.Context) (*model.Credential, error)
	Clear(ctx context.Context) error
	Count(ctx context.Context) (int64, error)
}

type tokenRepository struct {
	db     *gorm.DB
	sealer *secure.Sealer
}

func NewTokenRepository(db *gorm.DB, sealer *secure.Sealer) TokenRepository {
	return &tokenRepository{db: db, sealer: sealer}
}

func (r *tokenRepository) Replace(ctx context.Context, cred *model.Credential) error {
	access, err := r.sealer.Seal(cred.AccessToken)
	if err != nil {
		return apperr.Store(err)
	}
	refresh, err := r.sealer.Seal(cred.RefreshToken)
	if err != nil {
		return apperr.Store(err)
	}
	row := &model.Credential{
		AccessToken:  access,
		RefreshToken: refresh,
		Scope:        cred.Scope,
		ExpiresAt:    cred.ExpiresAt.UTC(),
		IssuedAt:     cred.IssuedAt.UTC(),
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&model.Credential{}).Error; err != nil {
			return err
		}
		return tx.Create(row).Error
	})
	if err != nil {
		return apperr.Store(err)
	}
	cred.ID = row.ID
	return nil
}

func (r *tokenRepository) Current(ctx context.Context) (*model.Credential, error) {
	var c model.Credential
	if err := r.db.WithContext(ctx).Order("id DESC").First(&c).Error; err != nil {
		return nil, notFound(err)
	}
	var err error
	if c.AccessToken, err = r.sealer.Open(c.AccessToken); err != nil {
		return nil, apperr.Store(err)
	}
	if c.RefreshToken, err = r.sealer.Open(c.RefreshToken); err != nil {
		return nil, apperr.Store(err)
	}
	return &c, nil
}

func (r *tokenRepository) Clear(ctx context.Context) error {
	return apperr.Store(r.db.WithContext(ctx).Where("1 = 1").Delete(&model.Credential{}).Error)
}

func (r *tokenRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Credential{}).Count(&n).Error
	return n, apperr.Store(err)
}
