package commonrepo

import "time"

// Mode carries the columns every table shares. IDs are snowflake ids
// assigned by the repository, so they also give insertion order.
type Mode struct {
	ID        uint64    `gorm:"primarykey;autoIncrement:false"`
	CreatedAt time.Time `gorm:"index;autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}
