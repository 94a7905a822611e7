// Package alerts manages user alert rules, evaluates them against stored
// product state and pushes the resulting messages to notifiers.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"prodintel/internal/model"
	"prodintel/internal/observability"
	"prodintel/internal/repository"
)

var (
	ErrUnknownKind     = errors.New("unknown alert kind")
	ErrProductNotFound = errors.New("product not found")
	ErrRuleNotFound    = errors.New("alert rule not found")
)

// ValidationError rejects a rule before it reaches the store.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

type RuleService struct {
	store repository.AlertStore
	log   *zap.Logger
	now   func() time.Time
}

func NewRuleService(store repository.AlertStore, log *zap.Logger) *RuleService {
	return &RuleService{
		store: store,
		log:   observability.OrNop(log).Named("alerts"),
		now:   time.Now,
	}
}

// Create registers an active rule on an existing product.
func (s *RuleService) Create(ctx context.Context, productID uuid.UUID, kind model.AlertKind, threshold *decimal.Decimal) (*model.AlertRule, error) {
	if !kind.Valid() {
		return nil, &ValidationError{Field: "kind", Err: fmt.Errorf("%w: %q", ErrUnknownKind, kind)}
	}
	if threshold != nil && threshold.IsNegative() {
		return nil, &ValidationError{Field: "threshold", Err: errors.New("must not be negative")}
	}
	rule := model.AlertRule{
		ID:        uuid.New(),
		ProductID: productID,
		Kind:      kind,
		Threshold: threshold,
		Active:    true,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateRule(ctx, rule); err != nil {
		if repository.IsNotFound(err) {
			return nil, &ValidationError{Field: "product_id", Err: fmt.Errorf("%w: %s", ErrProductNotFound, productID)}
		}
		return nil, fmt.Errorf("create rule: %w", err)
	}
	s.log.Info("alert rule created",
		zap.String("rule", rule.ID.String()),
		zap.String("product", productID.String()),
		zap.String("kind", string(kind)))
	return &rule, nil
}

func (s *RuleService) Get(ctx context.Context, id uuid.UUID) (*model.AlertRule, error) {
	r, err := s.store.GetRule(ctx, id)
	return r, ruleErr(id, err)
}

func (s *RuleService) List(ctx context.Context, activeOnly bool) ([]model.AlertRule, error) {
	return s.store.ListRules(ctx, activeOnly)
}

func (s *RuleService) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	return ruleErr(id, s.store.SetActive(ctx, id, active))
}

// UpdateThreshold replaces the threshold; nil clears it.
func (s *RuleService) UpdateThreshold(ctx context.Context, id uuid.UUID, threshold *decimal.Decimal) error {
	if threshold != nil && threshold.IsNegative() {
		return &ValidationError{Field: "threshold", Err: errors.New("must not be negative")}
	}
	return ruleErr(id, s.store.SetThreshold(ctx, id, threshold))
}

func (s *RuleService) Delete(ctx context.Context, id uuid.UUID) error {
	return ruleErr(id, s.store.DeleteRule(ctx, id))
}

func ruleErr(id uuid.UUID, err error) error {
	switch {
	case err == nil:
		return nil
	case repository.IsNotFound(err):
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	default:
		return err
	}
}
