package cachedtaskrepo

import (
	"encoding/json"

	"github.com/jobs/durable/internal/journal"
	"gorm.io/datatypes"
)

func (po *CachedTask) ToDomain() journal.CachedTask {
	t := journal.CachedTask{
		ID:             po.TaskID,
		IdempotencyKey: po.IdempotencyKey,
		Status:         po.Status,
		Noop:           po.Noop,
		OutputType:     po.OutputType,
		Properties:     po.Properties.Data(),
		ParentID:       po.ParentID,
	}
	if len(po.Output) > 0 {
		t.Output = json.RawMessage(po.Output)
	}
	return t
}

func (po *CachedTask) FromDomain(runID string, t journal.CachedTask) *CachedTask {
	return &CachedTask{
		RunID:          runID,
		IdempotencyKey: t.IdempotencyKey,
		TaskID:         t.ID,
		Status:         t.Status,
		Noop:           t.Noop,
		Output:         datatypes.JSON(t.Output),
		OutputType:     t.OutputType,
		Properties:     datatypes.NewJSONType(t.Properties),
		ParentID:       t.ParentID,
	}
}
