package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AlertKind string

const (
	AlertPriceDrop     AlertKind = "price_drop"
	AlertNewViral      AlertKind = "new_viral"
	AlertLowSaturation AlertKind = "low_saturation"
)

func (k AlertKind) Valid() bool {
	switch k {
	case AlertPriceDrop, AlertNewViral, AlertLowSaturation:
		return true
	}
	return false
}

type AlertRule struct {
	ID        uuid.UUID
	ProductID uuid.UUID
	Kind      AlertKind
	Threshold *decimal.Decimal
	Active    bool
	CreatedAt time.Time
}

// AlertEvent is the outcome of a rule that fired during one check.
type AlertEvent struct {
	RuleID    uuid.UUID `json:"rule_id"`
	ProductID uuid.UUID `json:"product_id"`
	Kind      AlertKind `json:"kind"`
	Message   string    `json:"message"`
}
