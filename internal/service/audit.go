package service

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/repository"
)

func auditEntry(entityType, entityID, action, actor string, at time.Time, metadata map[string]any) *repository.AuditEntry {
	return &repository.AuditEntry{
		ID:         uuid.NewString(),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Actor:      actor,
		CreatedAt:  at,
		Metadata:   metadata,
	}
}

type fieldChange struct {
	field, old, new string
}

// apply records the field transition on e.
func (c fieldChange) apply(e *repository.AuditEntry) *repository.AuditEntry {
	e.Field = &c.field
	e.OldValue = &c.old
	e.NewValue = &c.new
	return e
}

func statusChange(old, new string) fieldChange {
	return fieldChange{field: "status", old: old, new: new}
}

func boolChange(field string, old, new bool) fieldChange {
	return fieldChange{field: field, old: strconv.FormatBool(old), new: strconv.FormatBool(new)}
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
