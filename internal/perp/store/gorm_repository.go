// Package store provides the gorm-backed repository used when the engine
// runs with durable storage. Market parameters travel as a JSON blob since
// nothing queries them by field; state, orders and positions get real
// columns.
package store

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	perrors "github.com/merkle-trade/perp-engine/common/errors"
	"github.com/merkle-trade/perp-engine/internal/perp/model"
)

type marketRow struct {
	Pair       string `gorm:"primaryKey;size:32"`
	Collateral string `gorm:"primaryKey;size:32"`

	Config []byte `gorm:"type:blob"`

	NextOrderID                 uint64
	LongOpenInterest            decimal.Decimal `gorm:"type:numeric"`
	ShortOpenInterest           decimal.Decimal `gorm:"type:numeric"`
	AccFundingRate              decimal.Decimal `gorm:"type:numeric"`
	AccFundingFeePerSize        decimal.Decimal `gorm:"type:numeric"`
	AccRolloverFeePerCollateral decimal.Decimal `gorm:"type:numeric"`
	LastAccrueTime              time.Time

	UpdatedAt time.Time
}

func (marketRow) TableName() string { return "markets" }

type orderRow struct {
	Pair       string `gorm:"primaryKey;size:32"`
	Collateral string `gorm:"primaryKey;size:32"`
	ID         uint64 `gorm:"primaryKey;autoIncrement:false"`

	Owner           uuid.UUID `gorm:"type:text;index"`
	Side            string    `gorm:"size:8"`
	IsIncrease      bool
	IsMarket        bool
	CanExecuteAbove bool

	SizeDelta       decimal.Decimal `gorm:"type:numeric"`
	CollateralDelta decimal.Decimal `gorm:"type:numeric"`
	Price           decimal.Decimal `gorm:"type:numeric"`
	StopLoss        decimal.Decimal `gorm:"type:numeric"`
	TakeProfit      decimal.Decimal `gorm:"type:numeric"`
	EscrowedAmount  decimal.Decimal `gorm:"type:numeric"`

	PositionID uuid.UUID `gorm:"type:text"`
	CreatedAt  time.Time
}

func (orderRow) TableName() string { return "orders" }

type positionRow struct {
	Pair       string    `gorm:"primaryKey;size:32"`
	Collateral string    `gorm:"primaryKey;size:32"`
	Owner      uuid.UUID `gorm:"primaryKey;type:text"`
	Side       string    `gorm:"primaryKey;size:8"`

	LinkedID uuid.UUID `gorm:"type:text"`

	Size          decimal.Decimal `gorm:"type:numeric"`
	Collat        decimal.Decimal `gorm:"type:numeric;column:collateral_amount"`
	AvgEntryPrice decimal.Decimal `gorm:"type:numeric"`

	LastSettleTime   time.Time
	RolloverSnapshot decimal.Decimal `gorm:"type:numeric"`
	FundingSnapshot  decimal.Decimal `gorm:"type:numeric"`

	StopLoss   decimal.Decimal `gorm:"type:numeric"`
	TakeProfit decimal.Decimal `gorm:"type:numeric"`

	UpdatedAt time.Time
}

func (positionRow) TableName() string { return "positions" }

// GormRepository implements model.Repository on a gorm database handle.
type GormRepository struct {
	db *gorm.DB
}

// Open opens (or creates) the sqlite database at dsn and migrates the
// schema.
func Open(dsn string) (*GormRepository, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	if err := db.AutoMigrate(&marketRow{}, &orderRow{}, &positionRow{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &GormRepository{db: db}, nil
}

// NewGormRepository wraps an existing handle; the caller owns migration.
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) CreateMarket(ctx context.Context, cfg *model.MarketConfig, st *model.MarketState) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode market config: %w", err)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&marketRow{}).
			Where("pair = ? AND collateral = ?", cfg.Key.Pair, cfg.Key.Collateral).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", perrors.ErrMarketExists, cfg.Key)
		}
		row := &marketRow{
			Pair:       cfg.Key.Pair,
			Collateral: cfg.Key.Collateral,
			Config:     raw,
		}
		applyState(row, st)
		return tx.Create(row).Error
	})
}

func (r *GormRepository) GetMarketConfig(ctx context.Context, key model.MarketKey) (*model.MarketConfig, error) {
	row, err := r.market(ctx, key)
	if err != nil {
		return nil, err
	}
	var cfg model.MarketConfig
	if err := json.Unmarshal(row.Config, &cfg); err != nil {
		return nil, fmt.Errorf("decode market config %s: %w", key, err)
	}
	return &cfg, nil
}

func (r *GormRepository) GetMarketState(ctx context.Context, key model.MarketKey) (*model.MarketState, error) {
	row, err := r.market(ctx, key)
	if err != nil {
		return nil, err
	}
	return &model.MarketState{
		Key:                         key,
		NextOrderID:                 row.NextOrderID,
		LongOpenInterest:            row.LongOpenInterest,
		ShortOpenInterest:           row.ShortOpenInterest,
		AccFundingRate:              row.AccFundingRate,
		AccFundingFeePerSize:        row.AccFundingFeePerSize,
		AccRolloverFeePerCollateral: row.AccRolloverFeePerCollateral,
		LastAccrueTime:              row.LastAccrueTime,
	}, nil
}

func (r *GormRepository) SaveMarketConfig(ctx context.Context, cfg *model.MarketConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode market config: %w", err)
	}
	res := r.db.WithContext(ctx).Model(&marketRow{}).
		Where("pair = ? AND collateral = ?", cfg.Key.Pair, cfg.Key.Collateral).
		Update("config", raw)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", perrors.ErrMarketNotFound, cfg.Key)
	}
	return nil
}

func (r *GormRepository) SaveMarketState(ctx context.Context, st *model.MarketState) error {
	res := r.db.WithContext(ctx).Model(&marketRow{}).
		Where("pair = ? AND collateral = ?", st.Key.Pair, st.Key.Collateral).
		Updates(map[string]any{
			"next_order_id":                   st.NextOrderID,
			"long_open_interest":              st.LongOpenInterest,
			"short_open_interest":             st.ShortOpenInterest,
			"acc_funding_rate":                st.AccFundingRate,
			"acc_funding_fee_per_size":        st.AccFundingFeePerSize,
			"acc_rollover_fee_per_collateral": st.AccRolloverFeePerCollateral,
			"last_accrue_time":                st.LastAccrueTime,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", perrors.ErrMarketNotFound, st.Key)
	}
	return nil
}

func (r *GormRepository) ListMarkets(ctx context.Context) ([]model.MarketKey, error) {
	var rows []marketRow
	if err := r.db.WithContext(ctx).
		Order("pair asc, collateral asc").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	keys := make([]model.MarketKey, 0, len(rows))
	for _, row := range rows {
		keys = append(keys, model.MarketKey{Pair: row.Pair, Collateral: row.Collateral})
	}
	return keys, nil
}

func (r *GormRepository) CreateOrder(ctx context.Context, order *model.Order) error {
	row := &orderRow{
		Pair:            order.Market.Pair,
		Collateral:      order.Market.Collateral,
		ID:              order.ID,
		Owner:           order.Owner,
		Side:            order.Side,
		IsIncrease:      order.IsIncrease,
		IsMarket:        order.IsMarket,
		CanExecuteAbove: order.CanExecuteAbove,
		SizeDelta:       order.SizeDelta,
		CollateralDelta: order.CollateralDelta,
		Price:           order.Price,
		StopLoss:        order.StopLoss,
		TakeProfit:      order.TakeProfit,
		EscrowedAmount:  order.EscrowedAmount,
		PositionID:      order.PositionID,
		CreatedAt:       order.CreatedAt,
	}
	return r.db.WithContext(ctx).Create(row).Error
}

func (r *GormRepository) GetOrder(ctx context.Context, key model.MarketKey, id uint64) (*model.Order, error) {
	var row orderRow
	err := r.db.WithContext(ctx).
		Where("pair = ? AND collateral = ? AND id = ?", key.Pair, key.Collateral, id).
		First(&row).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s #%d", perrors.ErrOrderNotFound, key, id)
		}
		return nil, err
	}
	return orderFromRow(&row), nil
}

func (r *GormRepository) DeleteOrder(ctx context.Context, key model.MarketKey, id uint64) error {
	res := r.db.WithContext(ctx).
		Where("pair = ? AND collateral = ? AND id = ?", key.Pair, key.Collateral, id).
		Delete(&orderRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s #%d", perrors.ErrOrderNotFound, key, id)
	}
	return nil
}

func (r *GormRepository) ListOrders(ctx context.Context, key model.MarketKey) ([]*model.Order, error) {
	var rows []orderRow
	if err := r.db.WithContext(ctx).
		Where("pair = ? AND collateral = ?", key.Pair, key.Collateral).
		Order("id asc").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	orders := make([]*model.Order, 0, len(rows))
	for i := range rows {
		orders = append(orders, orderFromRow(&rows[i]))
	}
	return orders, nil
}

func (r *GormRepository) GetPosition(ctx context.Context, key model.MarketKey, owner uuid.UUID, side string) (*model.Position, error) {
	var row positionRow
	err := r.db.WithContext(ctx).
		Where("pair = ? AND collateral = ? AND owner = ? AND side = ?",
			key.Pair, key.Collateral, owner, side).
		First(&row).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s %s %s", perrors.ErrPositionNotFound, key, owner, side)
		}
		return nil, err
	}
	return positionFromRow(&row), nil
}

func (r *GormRepository) SavePosition(ctx context.Context, pos *model.Position) error {
	row := &positionRow{
		Pair:             pos.Market.Pair,
		Collateral:       pos.Market.Collateral,
		Owner:            pos.Owner,
		Side:             pos.Side,
		LinkedID:         pos.LinkedID,
		Size:             pos.Size,
		Collat:           pos.Collateral,
		AvgEntryPrice:    pos.AvgEntryPrice,
		LastSettleTime:   pos.LastSettleTime,
		RolloverSnapshot: pos.RolloverSnapshot,
		FundingSnapshot:  pos.FundingSnapshot,
		StopLoss:         pos.StopLoss,
		TakeProfit:       pos.TakeProfit,
	}
	return r.db.WithContext(ctx).Save(row).Error
}

func (r *GormRepository) ListPositions(ctx context.Context, key model.MarketKey, side string) ([]*model.Position, error) {
	q := r.db.WithContext(ctx).
		Where("pair = ? AND collateral = ?", key.Pair, key.Collateral)
	if side != "" {
		q = q.Where("side = ?", side)
	}
	var rows []positionRow
	if err := q.Order("owner asc, side asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	positions := make([]*model.Position, 0, len(rows))
	for i := range rows {
		positions = append(positions, positionFromRow(&rows[i]))
	}
	return positions, nil
}

func (r *GormRepository) market(ctx context.Context, key model.MarketKey) (*marketRow, error) {
	var row marketRow
	err := r.db.WithContext(ctx).
		Where("pair = ? AND collateral = ?", key.Pair, key.Collateral).
		First(&row).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", perrors.ErrMarketNotFound, key)
		}
		return nil, err
	}
	return &row, nil
}

func applyState(row *marketRow, st *model.MarketState) {
	row.NextOrderID = st.NextOrderID
	row.LongOpenInterest = st.LongOpenInterest
	row.ShortOpenInterest = st.ShortOpenInterest
	row.AccFundingRate = st.AccFundingRate
	row.AccFundingFeePerSize = st.AccFundingFeePerSize
	row.AccRolloverFeePerCollateral = st.AccRolloverFeePerCollateral
	row.LastAccrueTime = st.LastAccrueTime
}

func orderFromRow(row *orderRow) *model.Order {
	return &model.Order{
		ID:              row.ID,
		Market:          model.MarketKey{Pair: row.Pair, Collateral: row.Collateral},
		Owner:           row.Owner,
		Side:            row.Side,
		IsIncrease:      row.IsIncrease,
		IsMarket:        row.IsMarket,
		CanExecuteAbove: row.CanExecuteAbove,
		SizeDelta:       row.SizeDelta,
		CollateralDelta: row.CollateralDelta,
		Price:           row.Price,
		StopLoss:        row.StopLoss,
		TakeProfit:      row.TakeProfit,
		EscrowedAmount:  row.EscrowedAmount,
		PositionID:      row.PositionID,
		CreatedAt:       row.CreatedAt,
	}
}

func positionFromRow(row *positionRow) *model.Position {
	return &model.Position{
		LinkedID:         row.LinkedID,
		Market:           model.MarketKey{Pair: row.Pair, Collateral: row.Collateral},
		Owner:            row.Owner,
		Side:             row.Side,
		Size:             row.Size,
		Collateral:       row.Collat,
		AvgEntryPrice:    row.AvgEntryPrice,
		LastSettleTime:   row.LastSettleTime,
		RolloverSnapshot: row.RolloverSnapshot,
		FundingSnapshot:  row.FundingSnapshot,
		StopLoss:         row.StopLoss,
		TakeProfit:       row.TakeProfit,
	}
}
