package cachedtaskrepo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/wire"
	"github.com/jobs/durable/internal/infra/persistence/commonrepo"
	"github.com/jobs/durable/internal/journal"
	"github.com/samber/lo"
	"github.com/samber/mo"
	"github.com/spf13/cast"
	"github.com/yitter/idgenerator-go/idgen"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var Provider = wire.NewSet(NewMysqlRepositoryImpl)

// ListFilter narrows List. Absent options do not filter.
type ListFilter struct {
	RunID    string
	ParentID mo.Option[string]
	Status   mo.Option[journal.TaskStatus]
	Noop     mo.Option[bool]
}

// Repo is the journal store plus the read side used by the HTTP API.
type Repo interface {
	journal.Store
	List(ctx context.Context, filter ListFilter, offset, limit int) ([]journal.CachedTask, int64, error)
	GetByKey(ctx context.Context, runID, key string) (journal.CachedTask, error)
}

type MysqlRepositoryImpl struct {
	commonrepo.DefaultRepo
}

var _ commonrepo.Transaction = (*MysqlRepositoryImpl)(nil)

func NewMysqlRepositoryImpl(db commonrepo.DB) Repo {
	return &MysqlRepositoryImpl{
		DefaultRepo: commonrepo.NewDefaultRepo(db),
	}
}

// Append inserts t once per (run, key). A concurrent or repeated insert of
// the same outcome succeeds; a different outcome is journal.ErrDuplicateKey.
// The insert and the conflict check run in one transaction.
func (r *MysqlRepositoryImpl) Append(ctx context.Context, runID string, t journal.CachedTask) error {
	po := new(CachedTask).FromDomain(runID, t)
	po.ID = uint64(idgen.NextId())

	return r.Execute(ctx, func(ctx context.Context) error {
		res := r.Db(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(po)
		if res.Error != nil {
			return fmt.Errorf("insert cached task: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return nil
		}

		// 冲突：读取已存在的行并加共享锁
		existing := new(CachedTask)
		err := r.Db(ctx).
			Clauses(clause.Locking{Strength: clause.LockingStrengthShare}).
			Where("run_id = ? AND idempotency_key = ?", runID, t.IdempotencyKey).
			First(existing).Error
		if err != nil {
			return fmt.Errorf("load conflicting cached task %q: %w", t.IdempotencyKey, err)
		}
		if !existing.ToDomain().SameOutcome(t) {
			return fmt.Errorf("%w: %q", journal.ErrDuplicateKey, t.IdempotencyKey)
		}
		return nil
	})
}

// Page returns entries after cursor in insertion order. The cursor is the id
// of the last returned row.
func (r *MysqlRepositoryImpl) Page(ctx context.Context, runID, cursor string, limit int) (journal.Page, error) {
	if limit <= 0 {
		limit = journal.DefaultPageSize
	}
	var after uint64
	if cursor != "" {
		v, err := cast.ToUint64E(cursor)
		if err != nil {
			return journal.Page{}, fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
		after = v
	}

	var pos []*CachedTask
	err := r.Db(ctx).
		Where("run_id = ? AND id > ?", runID, after).
		Order("id ASC").
		Limit(limit + 1).
		Find(&pos).Error
	if err != nil {
		return journal.Page{}, err
	}

	var page journal.Page
	if len(pos) > limit {
		pos = pos[:limit]
		page.Next = cast.ToString(pos[len(pos)-1].ID)
	}
	page.Tasks = lo.Map(pos, func(po *CachedTask, _ int) journal.CachedTask { return po.ToDomain() })
	return page, nil
}

func (r *MysqlRepositoryImpl) GetByKey(ctx context.Context, runID, key string) (journal.CachedTask, error) {
	var po = new(CachedTask)
	if err := r.Db(ctx).Where("run_id = ? AND idempotency_key = ?", runID, key).First(po).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return journal.CachedTask{}, err
		}
		return journal.CachedTask{}, fmt.Errorf("load cached task %q: %w", key, err)
	}
	return po.ToDomain(), nil
}

func (r *MysqlRepositoryImpl) List(ctx context.Context, filter ListFilter, offset, limit int) ([]journal.CachedTask, int64, error) {
	db := r.Db(ctx).Model(&CachedTask{}).Where("run_id = ?", filter.RunID)

	if filter.ParentID.IsPresent() {
		db = db.Where("parent_id = ?", filter.ParentID.MustGet())
	}
	if filter.Status.IsPresent() {
		db = db.Where("status = ?", filter.Status.MustGet())
	}
	if filter.Noop.IsPresent() {
		db = db.Where("noop = ?", filter.Noop.MustGet())
	}

	var count int64
	if err := db.Count(&count).Error; err != nil {
		return nil, 0, err
	}

	var pos []*CachedTask
	if err := db.Order("id ASC").Limit(limit).Offset(offset).Find(&pos).Error; err != nil {
		return nil, 0, err
	}
	return lo.Map(pos, func(po *CachedTask, _ int) journal.CachedTask { return po.ToDomain() }), count, nil
}
