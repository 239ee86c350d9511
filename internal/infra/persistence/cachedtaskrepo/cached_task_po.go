package cachedtaskrepo

import (
	"github.com/jobs/durable/internal/infra/persistence/commonrepo"
	"github.com/jobs/durable/internal/journal"
	"gorm.io/datatypes"
)

type CachedTask struct {
	commonrepo.Mode
	RunID          string                                        `gorm:"column:run_id;size:191;not null;uniqueIndex:uk_run_key,priority:1"`
	IdempotencyKey string                                        `gorm:"column:idempotency_key;size:512;not null;uniqueIndex:uk_run_key,priority:2"`
	TaskID         string                                        `gorm:"column:task_id;size:64;not null;index"`
	Status         journal.TaskStatus                            `gorm:"column:status;size:32;not null"`
	Noop           bool                                          `gorm:"column:noop;not null;default:false"`
	Output         datatypes.JSON                                `gorm:"column:output;type:json"`
	OutputType     string                                        `gorm:"column:output_type;size:128;not null"`
	Properties     datatypes.JSONType[[]journal.DisplayProperty] `gorm:"column:properties;type:json"`
	ParentID       *string                                       `gorm:"column:parent_id;size:64;index"`
}

func (CachedTask) TableName() string {
	return "cached_tasks"
}
