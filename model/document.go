package model

import (
	"time"

	"gorm.io/datatypes"
)

// Document is one record of the SQL-backed Record Store.
// Revision changes on every write and is compared at commit time.
type Document struct {
	Collection string         `gorm:"primaryKey;size:64" json:"collection"`
	DocKey     string         `gorm:"primaryKey;size:255" json:"key"`
	Data       datatypes.JSON `json:"data"`
	Revision   string         `gorm:"size:36;not null" json:"revision"`
	UpdatedAt  time.Time      `gorm:"autoUpdateTime:milli" json:"updated_at"`
}

func (Document) TableName() string { return "documents" }
