package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"vpn-shop-fulfillment/internal/model"
)

type HostRepository interface {
	Find(ctx context.Context, name string) (*model.Host, error)
	FindHealthy(ctx context.Context) ([]*model.Host, error)
	SetHealthy(ctx context.Context, name string, healthy bool) error
	FindPlan(ctx context.Context, planID uint) (*model.Plan, error)
	FindPlansForHost(ctx context.Context, hostName string) ([]*model.Plan, error)
}

type hostRepoImpl struct {
	db *gorm.DB
}

func NewHostRepository(db *gorm.DB) HostRepository {
	return &hostRepoImpl{db: db}
}

func (r *hostRepoImpl) Find(ctx context.Context, name string) (*model.Host, error) {
	var host model.Host
	err := r.db.WithContext(ctx).
		Where("name = ?", name).
		First(&host).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrHostNotFound
	}
	if err != nil {
		return nil, err
	}
	return &host, nil
}

func (r *hostRepoImpl) FindHealthy(ctx context.Context) ([]*model.Host, error) {
	var hosts []*model.Host
	err := r.db.WithContext(ctx).
		Where("healthy = ?", true).
		Find(&hosts).Error
	return hosts, err
}

func (r *hostRepoImpl) SetHealthy(ctx context.Context, name string, healthy bool) error {
	return r.db.WithContext(ctx).Model(&model.Host{}).
		Where("name = ?", name).
		Update("healthy", healthy).Error
}

func (r *hostRepoImpl) FindPlan(ctx context.Context, planID uint) (*model.Plan, error) {
	var plan model.Plan
	err := r.db.WithContext(ctx).
		Where("id = ?", planID).
		First(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *hostRepoImpl) FindPlansForHost(ctx context.Context, hostName string) ([]*model.Plan, error) {
	var plans []*model.Plan
	err := r.db.WithContext(ctx).
		Where("host_name = ?", hostName).
		Order("months").
		Find(&plans).Error
	return plans, err
}
