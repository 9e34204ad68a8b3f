package models

import (
	"time"

	"gorm.io/datatypes"
)

// RunStatus 自动化执行状态
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusSuspended RunStatus = "suspended"
)

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// Automation 店铺级自动化规则
type Automation struct {
	ID                uint           `gorm:"primaryKey" json:"id"`
	StoreID           uint           `gorm:"not null;index:idx_automations_store_trigger,priority:1" json:"store_id"`
	Name              string         `gorm:"size:255;not null" json:"name"`
	TriggerType       string         `gorm:"size:64;not null;index:idx_automations_store_trigger,priority:2" json:"trigger_type"`
	TriggerConditions datatypes.JSON `gorm:"type:jsonb" json:"trigger_conditions"` // [{field,operator,value}]
	Actions           datatypes.JSON `gorm:"type:jsonb" json:"actions"`            // [{kind,params}]
	IsActive          bool           `gorm:"not null;index:idx_automations_store_trigger,priority:3" json:"is_active"`
	RunCount          int64          `gorm:"not null;default:0" json:"run_count"`
	LastRunAt         *time.Time     `json:"last_run_at"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// AutomationRun 执行记录用于审计
type AutomationRun struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	AutomationID    uint           `gorm:"not null;index" json:"automation_id"`
	StoreID         uint           `gorm:"not null;index" json:"store_id"`
	TriggerEventID  *string        `gorm:"size:64;index" json:"trigger_event_id"`
	Status          RunStatus      `gorm:"size:16;not null;index" json:"status"`
	ResumeFromIndex int            `gorm:"not null;default:0" json:"resume_from_index"`
	Result          datatypes.JSON `gorm:"type:jsonb" json:"result"`
	ErrorMessage    string         `gorm:"type:text" json:"error_message"`
	WakeAt          *time.Time     `json:"wake_at,omitempty"`
	StartedAt       time.Time      `gorm:"not null" json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at"`
}

// AutomationResumption guards a resume ticket against redelivery. The unique
// key is (automation_id, trigger_event_id, resume_from_index, run_id); run_id
// is 0 for tickets that carry no run.
type AutomationResumption struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	AutomationID    uint      `gorm:"not null;uniqueIndex:idx_resumption_run_key,priority:1" json:"automation_id"`
	TriggerEventID  string    `gorm:"size:64;not null;uniqueIndex:idx_resumption_run_key,priority:2" json:"trigger_event_id"`
	ResumeFromIndex int       `gorm:"not null;uniqueIndex:idx_resumption_run_key,priority:3" json:"resume_from_index"`
	RunID           uint      `gorm:"not null;default:0;uniqueIndex:idx_resumption_run_key,priority:4" json:"run_id"`
	ClaimedAt       time.Time `gorm:"not null" json:"claimed_at"`
}
