package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/usdt_vault/model"
)

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.ErrNotFound
	}
	return err
}

type AddressRepository struct {
	db *gorm.DB
}

func NewAddressRepository(db *gorm.DB) *AddressRepository {
	return &AddressRepository{db: db}
}

func (r *AddressRepository) FindByAccount(ctx context.Context, accountID uint64, chain string) (*model.WalletAddress, error) {
	var addr model.WalletAddress
	if err := r.db.WithContext(ctx).Where("account_id=? AND chain=?", accountID, chain).First(&addr).Error; err != nil {
		return nil, notFound(err)
	}
	return &addr, nil
}

func (r *AddressRepository) Create(ctx context.Context, addr *model.WalletAddress) error {
	return r.db.WithContext(ctx).Create(addr).Error
}

type TransferRepository struct {
	db *gorm.DB
}

func NewTransferRepository(db *gorm.DB) *TransferRepository {
	return &TransferRepository{db: db}
}

func (r *TransferRepository) Create(ctx context.Context, rec *model.TransferRecord) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

func (r *TransferRepository) Update(ctx context.Context, rec *model.TransferRecord) error {
	return r.db.WithContext(ctx).Save(rec).Error
}

func (r *TransferRepository) FindByOperation(ctx context.Context, operationID string) (*model.TransferRecord, error) {
	var rec model.TransferRecord
	if err := r.db.WithContext(ctx).Where("operation_id=?", operationID).First(&rec).Error; err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

// ListByAccount pages an account's transfers, newest first.
func (r *TransferRepository) ListByAccount(ctx context.Context, accountID uint64, page, size int) ([]*model.TransferRecord, int64, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}
	var list []*model.TransferRecord
	var total int64
	offset := (page - 1) * size
	if err := r.db.WithContext(ctx).Model(&model.TransferRecord{}).Where("account_id=?", accountID).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := r.db.WithContext(ctx).Where("account_id=?", accountID).Order("id desc").Offset(offset).Limit(size).Find(&list).Error; err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

// ListByStatus returns the oldest transfers in status, up to limit.
func (r *TransferRepository) ListByStatus(ctx context.Context, status model.TransferStatus, limit int) ([]*model.TransferRecord, error) {
	var list []*model.TransferRecord
	err := r.db.WithContext(ctx).Where("status=?", status).Order("id asc").Limit(limit).Find(&list).Error
	return list, err
}
