package model

import (
	"time"

	"gorm.io/datatypes"
)

// AuditLog records every relationship transition attempt, including rejections.
type AuditLog struct {
	ID              int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	TraceID         string         `gorm:"index:idx_audit_trace;size:36" json:"trace_id"`
	ActorID         string         `gorm:"index:idx_audit_actor;size:64" json:"actor_id"`
	TargetID        string         `gorm:"size:64" json:"target_id"`
	RelationshipKey string         `gorm:"index:idx_audit_rel;size:160" json:"relationship_key"`
	Action          string         `gorm:"size:32;not null" json:"action"`
	Code            string         `gorm:"size:32" json:"code"`
	Reason          string         `gorm:"size:32" json:"reason"`
	Detail          datatypes.JSON `json:"detail"`
	Error           string         `gorm:"type:text" json:"error"`
	DurationMs      int            `json:"duration_ms"`
	CreatedAt       time.Time      `gorm:"index:idx_audit_created;autoCreateTime:milli" json:"created_at"`
}
