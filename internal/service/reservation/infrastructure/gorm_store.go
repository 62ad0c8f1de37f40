// internal/service/reservation/infrastructure/gorm_store.go
package infrastructure

import (
	"context"
	"time"

	"atelier/internal/service/reservation/domain"

	driver "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore 是 ReservationRepository / StockLedger / VariantReader / TxRunner
// 的 GORM 实现，共用一个连接池。
// 事务通过 ctx 传递：InTx 把 *gorm.DB 事务句柄塞进 ctx，
// 各方法经由 conn 取出，保证同一业务操作的所有读写落在同一事务上。
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

type txKey struct{}

// InTx 实现 domain.TxRunner。
func (s *GormStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// conn 返回当前应使用的连接：事务内取事务句柄，否则取连接池。
func (s *GormStore) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return s.db.WithContext(ctx)
}

// ---- StockLedger ----

// Adjust 原子地调整某变体的 reservedQty 并返回调整后的可用库存。
//
// 通过单条带条件的 UPDATE 实现 compare-and-update：
// 正向 delta 时 WHERE 子句保证 reserved_qty + delta 不超过 total_stock，
// 条件不满足则零行受影响、库存纹丝不动——这替代了原先
// "读出来再写回去"的 ORM 写法，彻底消除丢失更新竞争。
// 行锁在事务提交前持续持有，同一变体上的并发调整按提交顺序串行化。
func (s *GormStore) Adjust(ctx context.Context, variantID string, delta int) (int, error) {
	db := s.conn(ctx)

	q := db.Model(&VariantModel{}).Where("id = ?", variantID)
	if delta > 0 {
		q = q.Where("reserved_qty + ? <= total_stock", delta)
	} else {
		// 防御：归还量不得把 reserved 压成负数
		q = q.Where("reserved_qty + ? >= 0", delta)
	}
	result := q.Update("reserved_qty", gorm.Expr("reserved_qty + ?", delta))
	if result.Error != nil {
		return 0, wrapStoreError(result.Error)
	}
	if result.RowsAffected == 0 {
		// 区分"变体不存在"与"库存不足"
		var count int64
		if err := db.Model(&VariantModel{}).Where("id = ?", variantID).Count(&count).Error; err != nil {
			return 0, wrapStoreError(err)
		}
		if count == 0 {
			return 0, domain.ErrVariantNotFound
		}
		return 0, domain.ErrInsufficientStock
	}

	var m VariantModel
	if err := db.Where("id = ?", variantID).First(&m).Error; err != nil {
		return 0, wrapStoreError(err)
	}
	return m.TotalStock - m.ReservedQty, nil
}

// ---- VariantReader ----

func (s *GormStore) FindVariant(ctx context.Context, variantID string) (*domain.Variant, error) {
	return s.findVariant(ctx, variantID, false)
}

// FindVariantForUpdate 加行锁读取，供事务内的授予决策使用。
// SELECT ... FOR UPDATE 读的是已提交的最新行而非事务快照，
// 台账竞争重试因此能看到并发提交消耗后的真实可用量。
func (s *GormStore) FindVariantForUpdate(ctx context.Context, variantID string) (*domain.Variant, error) {
	return s.findVariant(ctx, variantID, true)
}

func (s *GormStore) findVariant(ctx context.Context, variantID string, forUpdate bool) (*domain.Variant, error) {
	db := s.conn(ctx)
	if forUpdate {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var m VariantModel
	err := db.Where("id = ?", variantID).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrVariantNotFound
		}
		return nil, wrapStoreError(err)
	}
	return ToDomainVariant(&m), nil
}

// ---- ReservationRepository ----

func (s *GormStore) Create(ctx context.Context, r *domain.Reservation) error {
	err := s.conn(ctx).Create(FromDomainReservation(r)).Error
	if err != nil {
		var mysqlErr *driver.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			// 同一 ID 重复插入：请求重放，当作已存在处理
			return errors.Wrap(domain.ErrInvalidRequest, "duplicate reservation id")
		}
		return wrapStoreError(err)
	}
	return nil
}

func (s *GormStore) FindByID(ctx context.Context, id string) (*domain.Reservation, error) {
	return s.findByID(ctx, id, false)
}

func (s *GormStore) FindByIDForUpdate(ctx context.Context, id string) (*domain.Reservation, error) {
	return s.findByID(ctx, id, true)
}

func (s *GormStore) findByID(ctx context.Context, id string, forUpdate bool) (*domain.Reservation, error) {
	db := s.conn(ctx)
	if forUpdate {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var m ReservationModel
	err := db.Where("id = ?", id).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrReservationNotFound
		}
		return nil, wrapStoreError(err)
	}
	return ToDomainReservation(&m), nil
}

func (s *GormStore) Update(ctx context.Context, r *domain.Reservation) error {
	result := s.conn(ctx).Model(&ReservationModel{}).
		Where("id = ?", r.ID).
		Updates(map[string]interface{}{
			"state":      string(r.State),
			"expires_at": r.ExpiresAt,
			"updated_at": r.UpdatedAt,
		})
	if result.Error != nil {
		return wrapStoreError(result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrReservationNotFound
	}
	return nil
}

func (s *GormStore) FindActiveByHolder(ctx context.Context, holderID string) ([]*domain.Reservation, error) {
	var models []ReservationModel
	err := s.conn(ctx).
		Where("holder_id = ? AND state = ?", holderID, string(domain.StateActive)).
		Find(&models).Error
	if err != nil {
		return nil, wrapStoreError(err)
	}
	out := make([]*domain.Reservation, 0, len(models))
	for i := range models {
		out = append(out, ToDomainReservation(&models[i]))
	}
	return out, nil
}

func (s *GormStore) FindExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Reservation, error) {
	var models []ReservationModel
	err := s.conn(ctx).
		Where("state = ? AND expires_at < ?", string(domain.StateActive), now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, wrapStoreError(err)
	}
	out := make([]*domain.Reservation, 0, len(models))
	for i := range models {
		out = append(out, ToDomainReservation(&models[i]))
	}
	return out, nil
}

// wrapStoreError 将底层存储错误统一标记为可重试的瞬时错误。
func wrapStoreError(err error) error {
	return errors.Wrap(domain.ErrTransientStore, err.Error())
}
