package cachedtaskrepo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/jobs/durable/internal/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yitter/idgenerator-go/idgen"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var errNoDatabase = errors.New("dry run: no database")

// dryPool satisfies gorm's pool and transaction interfaces without a server.
type dryPool struct {
	mu      sync.Mutex
	begun   int
	commits int
}

func (p *dryPool) PrepareContext(context.Context, string) (*sql.Stmt, error) {
	return nil, errNoDatabase
}

func (p *dryPool) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	return nil, errNoDatabase
}

func (p *dryPool) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, errNoDatabase
}

func (p *dryPool) QueryRowContext(context.Context, string, ...any) *sql.Row {
	return nil
}

func (p *dryPool) BeginTx(context.Context, *sql.TxOptions) (gorm.ConnPool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.begun++
	return &dryTx{dryPool: p}, nil
}

type dryTx struct {
	*dryPool
}

func (tx *dryTx) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.commits++
	return nil
}

func (tx *dryTx) Rollback() error { return nil }

type statement struct {
	sql  string
	vars []any
}

// dryDB records generated statements. inserted decides RowsAffected of a
// create; rows fills query destinations.
type dryDB struct {
	pool     *dryPool
	db       *gorm.DB
	stmts    []statement
	inserted bool
	rows     []*CachedTask
}

var idgenOnce sync.Once

func newDryDB(t *testing.T) *dryDB {
	t.Helper()
	idgenOnce.Do(func() { idgen.SetIdGenerator(idgen.NewIdGeneratorOptions(1)) })

	d := &dryDB{pool: &dryPool{}}
	db, err := gorm.Open(mysql.New(mysql.Config{Conn: d.pool, SkipInitializeWithVersion: true}), &gorm.Config{
		DryRun:                 true,
		SkipDefaultTransaction: true,
		DisableAutomaticPing:   true,
		Logger:                 logger.Discard,
	})
	require.NoError(t, err)

	record := func(tx *gorm.DB) {
		d.stmts = append(d.stmts, statement{sql: tx.Statement.SQL.String(), vars: tx.Statement.Vars})
	}
	require.NoError(t, db.Callback().Create().After("gorm:create").Register("test:record", func(tx *gorm.DB) {
		record(tx)
		if d.inserted {
			tx.RowsAffected = 1
		}
	}))
	require.NoError(t, db.Callback().Query().After("gorm:query").Register("test:record", func(tx *gorm.DB) {
		record(tx)
		switch dest := tx.Statement.Dest.(type) {
		case *[]*CachedTask:
			*dest = d.rows
		case *CachedTask:
			if len(d.rows) > 0 {
				*dest = *d.rows[0]
			}
		}
	}))
	d.db = db
	return d
}

func row(id uint64, key string, output string) *CachedTask {
	po := new(CachedTask).FromDomain("run_1", journal.CachedTask{
		ID:             journal.TaskID("run_1", key),
		IdempotencyKey: key,
		Status:         journal.TaskStatusCompleted,
		Output:         json.RawMessage(output),
		OutputType:     journal.DefaultOutputType,
	})
	po.ID = id
	return po
}

func TestAppend_Inserted(t *testing.T) {
	d := newDryDB(t)
	d.inserted = true
	repo := NewMysqlRepositoryImpl(d.db)

	err := repo.Append(context.Background(), "run_1", row(0, "a", `1`).ToDomain())
	require.NoError(t, err)
	require.Len(t, d.stmts, 1)
	assert.Contains(t, d.stmts[0].sql, "INSERT INTO `cached_tasks`")
	assert.Contains(t, d.stmts[0].sql, "ON DUPLICATE KEY UPDATE")
	assert.Equal(t, 1, d.pool.begun)
	assert.Equal(t, 1, d.pool.commits)
}

func TestAppend_Conflict(t *testing.T) {
	d := newDryDB(t)
	d.rows = []*CachedTask{row(7, "a", `{"ok": true}`)}
	repo := NewMysqlRepositoryImpl(d.db)

	err := repo.Append(context.Background(), "run_1", row(0, "a", `{"ok":true}`).ToDomain())
	require.NoError(t, err, "same outcome is not a conflict")
	require.Len(t, d.stmts, 2)
	assert.Contains(t, d.stmts[1].sql, "run_id = ? AND idempotency_key = ?")
	assert.Contains(t, d.stmts[1].sql, "FOR SHARE")
	assert.Equal(t, []any{"run_1", "a", 1}, d.stmts[1].vars)
	assert.Equal(t, 1, d.pool.begun, "insert and check share one transaction")

	err = repo.Append(context.Background(), "run_1", row(0, "a", `{"ok":false}`).ToDomain())
	assert.ErrorIs(t, err, journal.ErrDuplicateKey)
}

func TestPage_Cursor(t *testing.T) {
	d := newDryDB(t)
	d.rows = []*CachedTask{row(43, "a", `1`), row(44, "b", `2`), row(45, "c", `3`)}
	repo := NewMysqlRepositoryImpl(d.db)

	page, err := repo.Page(context.Background(), "run_1", "42", 2)
	require.NoError(t, err)
	require.Len(t, d.stmts, 1)
	assert.Contains(t, d.stmts[0].sql, "run_id = ? AND id > ?")
	assert.Contains(t, d.stmts[0].sql, "ORDER BY id ASC")
	assert.Equal(t, []any{"run_1", uint64(42), 3}, d.stmts[0].vars, "one extra row detects the next page")

	require.Len(t, page.Tasks, 2)
	assert.Equal(t, "a", page.Tasks[0].IdempotencyKey)
	assert.Equal(t, "b", page.Tasks[1].IdempotencyKey)
	assert.Equal(t, "44", page.Next)

	d.rows = d.rows[:2]
	page, err = repo.Page(context.Background(), "run_1", "", 2)
	require.NoError(t, err)
	assert.Len(t, page.Tasks, 2)
	assert.Empty(t, page.Next, "last page has no cursor")
	assert.Equal(t, uint64(0), d.stmts[1].vars[1])

	_, err = repo.Page(context.Background(), "run_1", "not-a-number", 2)
	assert.Error(t, err)
}
