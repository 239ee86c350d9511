package commonrepo

import (
	"context"

	"gorm.io/gorm"
)

// Transaction runs fn so that repository calls made with the context it
// receives share one database transaction. A call made while a transaction
// is already active joins it.
type Transaction interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
}

type txKey struct{}

// DefaultRepo picks the handle for each call: the transaction carried by
// the context, or the root handle.
type DefaultRepo struct {
	db DB
}

func NewDefaultRepo(db DB) DefaultRepo {
	return DefaultRepo{db: db}
}

func (r *DefaultRepo) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if InTransaction(ctx) {
		return fn(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// InTransaction reports whether ctx carries a transaction opened by Execute.
func InTransaction(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*gorm.DB)
	return ok
}

func (r *DefaultRepo) Db(ctx context.Context) DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return r.db.WithContext(ctx)
}
