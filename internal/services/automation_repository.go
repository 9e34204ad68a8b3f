package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"storeflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SupportedTopics lists the domain events automations can trigger on.
var SupportedTopics = []string{
	"order.created", "order.updated", "order.paid", "order.cancelled",
	"order.fulfilled", "order.refunded", "order.abandoned",
	"product.created", "product.updated", "product.deleted", "product.published",
	"variant.created", "variant.updated",
	"inventory.updated",
	"customer.created", "customer.updated", "customer.deleted",
	"transaction.created", "transaction.succeeded", "transaction.failed",
	"cart.created", "cart.abandoned",
	"discount.created", "discount.updated", "discount.deleted",
	"automatic_discount.created", "automatic_discount.updated", "automatic_discount.deleted",
}

// IsSupportedTopic reports whether topic is one of SupportedTopics.
func IsSupportedTopic(topic string) bool {
	for _, t := range SupportedTopics {
		if t == topic {
			return true
		}
	}
	return false
}

// AutomationRequest 创建/更新自动化的请求
type AutomationRequest struct {
	Name              string   `json:"name" yaml:"name" binding:"required"`
	TriggerType       string   `json:"trigger_type" yaml:"trigger_type" binding:"required"`
	TriggerConditions []Clause `json:"trigger_conditions" yaml:"trigger_conditions"`
	Actions           []Action `json:"actions" yaml:"actions"`
	IsActive          *bool    `json:"is_active" yaml:"is_active"`
}

// AutomationFilter narrows List.
type AutomationFilter struct {
	TriggerType string
	Active      *bool
	Page        int
	PageSize    int
}

// AutomationRepository stores automations. Every query is scoped to a store.
type AutomationRepository struct {
	db       *gorm.DB
	registry *ActionRegistry
	maxDelay time.Duration
	logger   *logrus.Logger
}

func NewAutomationRepository(db *gorm.DB, registry *ActionRegistry, maxDelay time.Duration, logger *logrus.Logger) *AutomationRepository {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationRepository{db: db, registry: registry, maxDelay: maxDelay, logger: logger}
}

// FindActive returns the store's active automations for triggerType, oldest first.
func (r *AutomationRepository) FindActive(ctx context.Context, storeID uint, triggerType string) ([]models.Automation, error) {
	var list []models.Automation
	err := r.db.WithContext(ctx).
		Where("store_id = ? AND trigger_type = ? AND is_active = ?", storeID, triggerType, true).
		Order("id ASC").
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("find active automations: %w", err)
	}
	return list, nil
}

// Get loads one automation of the store.
func (r *AutomationRepository) Get(ctx context.Context, storeID, id uint) (*models.Automation, error) {
	var a models.Automation
	if err := r.db.WithContext(ctx).Where("id = ? AND store_id = ?", id, storeID).First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAutomationNotFound
		}
		return nil, err
	}
	return &a, nil
}

// List 分页列出店铺的自动化
func (r *AutomationRepository) List(ctx context.Context, storeID uint, f AutomationFilter) ([]models.Automation, int64, error) {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 || f.PageSize > 200 {
		f.PageSize = 20
	}
	q := r.db.WithContext(ctx).Model(&models.Automation{}).Where("store_id = ?", storeID)
	if f.TriggerType != "" {
		q = q.Where("trigger_type = ?", f.TriggerType)
	}
	if f.Active != nil {
		q = q.Where("is_active = ?", *f.Active)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var list []models.Automation
	if err := q.Order("id DESC").Offset((f.Page - 1) * f.PageSize).Limit(f.PageSize).Find(&list).Error; err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

// Validate checks a request before it is written.
func (r *AutomationRepository) Validate(req *AutomationRequest) error {
	if req == nil {
		return fmt.Errorf("%w: request required", ErrInvalidAutomation)
	}
	if strings.TrimSpace(req.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidAutomation)
	}
	if !IsSupportedTopic(req.TriggerType) {
		return fmt.Errorf("%w: unsupported trigger type %q", ErrInvalidAutomation, req.TriggerType)
	}
	for i, c := range req.TriggerConditions {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
	}
	if len(req.Actions) == 0 {
		return fmt.Errorf("%w: at least one action is required", ErrInvalidAutomation)
	}
	return r.registry.Validate(req.Actions, r.maxDelay)
}

// Create validates and stores a new automation. New automations are active
// unless IsActive says otherwise.
func (r *AutomationRepository) Create(ctx context.Context, storeID uint, req *AutomationRequest) (*models.Automation, error) {
	if storeID == 0 {
		return nil, fmt.Errorf("%w: store_id required", ErrInvalidAutomation)
	}
	if err := r.Validate(req); err != nil {
		return nil, err
	}
	conds, acts, err := encodeDefinition(req)
	if err != nil {
		return nil, err
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	a := &models.Automation{
		StoreID:           storeID,
		Name:              strings.TrimSpace(req.Name),
		TriggerType:       req.TriggerType,
		TriggerConditions: conds,
		Actions:           acts,
		IsActive:          active,
	}
	if err := r.db.WithContext(ctx).Create(a).Error; err != nil {
		return nil, fmt.Errorf("create automation: %w", err)
	}
	r.logger.WithFields(logrus.Fields{"automation_id": a.ID, "store_id": storeID}).Info("automation created")
	return a, nil
}

// Update replaces the definition of an automation.
func (r *AutomationRepository) Update(ctx context.Context, storeID, id uint, req *AutomationRequest) (*models.Automation, error) {
	if err := r.Validate(req); err != nil {
		return nil, err
	}
	a, err := r.Get(ctx, storeID, id)
	if err != nil {
		return nil, err
	}
	conds, acts, err := encodeDefinition(req)
	if err != nil {
		return nil, err
	}
	updates := map[string]interface{}{
		"name":               strings.TrimSpace(req.Name),
		"trigger_type":       req.TriggerType,
		"trigger_conditions": conds,
		"actions":            acts,
	}
	if req.IsActive != nil {
		updates["is_active"] = *req.IsActive
	}
	if err := r.db.WithContext(ctx).Model(a).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("update automation: %w", err)
	}
	return r.Get(ctx, storeID, id)
}

// SetActive toggles is_active. Deactivation also blocks pending resumes.
func (r *AutomationRepository) SetActive(ctx context.Context, storeID, id uint, active bool) (*models.Automation, error) {
	res := r.db.WithContext(ctx).Model(&models.Automation{}).
		Where("id = ? AND store_id = ?", id, storeID).
		Update("is_active", active)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrAutomationNotFound
	}
	return r.Get(ctx, storeID, id)
}

// Delete removes an automation; its runs are kept for audit.
func (r *AutomationRepository) Delete(ctx context.Context, storeID, id uint) error {
	res := r.db.WithContext(ctx).Where("id = ? AND store_id = ?", id, storeID).Delete(&models.Automation{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAutomationNotFound
	}
	return nil
}

func encodeDefinition(req *AutomationRequest) (datatypes.JSON, datatypes.JSON, error) {
	conds := req.TriggerConditions
	if conds == nil {
		conds = []Clause{}
	}
	condJSON, err := json.Marshal(conds)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidCondition, err)
	}
	actJSON, err := json.Marshal(req.Actions)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	return datatypes.JSON(condJSON), datatypes.JSON(actJSON), nil
}
