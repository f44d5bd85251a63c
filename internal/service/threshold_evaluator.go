package service

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

// ThresholdEvaluator decides whether a flow's trigger conditions hold for an
// entity's business context. All conditions must hold. Evaluation fails
// closed: a missing field, a type mismatch or an unknown operator makes the
// condition false.
type ThresholdEvaluator struct{}

// NewThresholdEvaluator creates a new ThresholdEvaluator.
func NewThresholdEvaluator() *ThresholdEvaluator {
	return &ThresholdEvaluator{}
}

// ShouldTrigger returns true when every condition holds for ctxValues. An
// empty condition list always triggers.
func (e *ThresholdEvaluator) ShouldTrigger(conditions []repository.Condition, ctxValues map[string]interface{}) bool {
	for _, c := range conditions {
		if !e.evaluate(c, ctxValues) {
			return false
		}
	}
	return true
}

func (e *ThresholdEvaluator) evaluate(c repository.Condition, ctxValues map[string]interface{}) bool {
	actual, ok := ctxValues[c.Field]
	if !ok || actual == nil {
		return false
	}

	if want, ok := c.Value.(bool); ok {
		got, ok := actual.(bool)
		if !ok {
			return false
		}
		return c.Operator == repository.OpEqual && got == want
	}

	want, ok := toDecimal(c.Value)
	if !ok {
		return false
	}
	got, ok := toDecimal(actual)
	if !ok {
		return false
	}

	switch c.Operator {
	case repository.OpGreaterThan:
		return got.GreaterThan(want)
	case repository.OpLessThan:
		return got.LessThan(want)
	case repository.OpGreaterOrEqual:
		return got.GreaterThanOrEqual(want)
	case repository.OpLessOrEqual:
		return got.LessThanOrEqual(want)
	case repository.OpEqual:
		return got.Equal(want)
	default:
		return false
	}
}

// ValidateCondition reports whether c can ever evaluate true.
func (e *ThresholdEvaluator) ValidateCondition(c repository.Condition) error {
	if c.Field == "" {
		return fmt.Errorf("condition field is required")
	}
	switch c.Operator {
	case repository.OpGreaterThan, repository.OpLessThan,
		repository.OpGreaterOrEqual, repository.OpLessOrEqual, repository.OpEqual:
	default:
		return fmt.Errorf("condition on %s: unknown operator %q", c.Field, c.Operator)
	}
	if _, ok := c.Value.(bool); ok {
		if c.Operator != repository.OpEqual {
			return fmt.Errorf("condition on %s: booleans only support ==", c.Field)
		}
		return nil
	}
	if _, ok := toDecimal(c.Value); !ok {
		return fmt.Errorf("condition on %s: value must be a number or boolean", c.Field)
	}
	return nil
}

// toDecimal converts the numeric shapes that arrive from JSON, YAML or Go
// callers. Strings, NaN and infinities are not numbers.
func toDecimal(v interface{}) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat(n), true
	case float32:
		if f := float64(n); math.IsNaN(f) || math.IsInf(f, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat32(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt32(n), true
	case int64:
		return decimal.NewFromInt(n), true
	case uint:
		return decimal.NewFromInt(int64(n)), true
	case uint32:
		return decimal.NewFromInt(int64(n)), true
	case uint64:
		d, err := decimal.NewFromString(strconv.FormatUint(n, 10))
		return d, err == nil
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	default:
		return decimal.Decimal{}, false
	}
}
