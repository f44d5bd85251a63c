package service

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

func TestShouldTriggerDiscountRate(t *testing.T) {
	e := NewThresholdEvaluator()
	conds := []repository.Condition{{Field: "discountRate", Operator: repository.OpLessThan, Value: 0.90}}

	assert.True(t, e.ShouldTrigger(conds, map[string]interface{}{"discountRate": 0.85}))
	assert.False(t, e.ShouldTrigger(conds, map[string]interface{}{"discountRate": 0.95}))
	assert.False(t, e.ShouldTrigger(conds, map[string]interface{}{}))
}

func TestShouldTriggerOperators(t *testing.T) {
	e := NewThresholdEvaluator()
	ctx := map[string]interface{}{"amount": 1000}

	cases := []struct {
		op   repository.Operator
		val  interface{}
		want bool
	}{
		{repository.OpGreaterThan, 999, true},
		{repository.OpGreaterThan, 1000, false},
		{repository.OpGreaterOrEqual, 1000, true},
		{repository.OpLessThan, 1000.5, true},
		{repository.OpLessOrEqual, 1000, true},
		{repository.OpEqual, 1000.0, true},
		{repository.OpEqual, 1001, false},
		{repository.Operator("!="), 5, false},
	}
	for _, tc := range cases {
		conds := []repository.Condition{{Field: "amount", Operator: tc.op, Value: tc.val}}
		assert.Equal(t, tc.want, e.ShouldTrigger(conds, ctx), "amount %s %v", tc.op, tc.val)
	}
}

func TestShouldTriggerExactDecimal(t *testing.T) {
	e := NewThresholdEvaluator()
	conds := []repository.Condition{{Field: "x", Operator: repository.OpEqual, Value: 0.3}}
	assert.True(t, e.ShouldTrigger(conds, map[string]interface{}{"x": json.Number("0.3")}))
}

func TestShouldTriggerAllMustHold(t *testing.T) {
	e := NewThresholdEvaluator()
	conds := []repository.Condition{
		{Field: "amount", Operator: repository.OpGreaterThan, Value: 500},
		{Field: "overdue", Operator: repository.OpEqual, Value: true},
	}

	assert.True(t, e.ShouldTrigger(conds, map[string]interface{}{"amount": 600, "overdue": true}))
	assert.False(t, e.ShouldTrigger(conds, map[string]interface{}{"amount": 600, "overdue": false}))
	assert.False(t, e.ShouldTrigger(conds, map[string]interface{}{"amount": 100, "overdue": true}))
}

func TestShouldTriggerTypeMismatchFailsClosed(t *testing.T) {
	e := NewThresholdEvaluator()

	num := []repository.Condition{{Field: "amount", Operator: repository.OpGreaterThan, Value: 1}}
	assert.False(t, e.ShouldTrigger(num, map[string]interface{}{"amount": "5000"}))
	assert.False(t, e.ShouldTrigger(num, map[string]interface{}{"amount": true}))
	assert.False(t, e.ShouldTrigger(num, map[string]interface{}{"amount": nil}))

	rate := []repository.Condition{{Field: "discountRate", Operator: repository.OpLessThan, Value: 0.9}}
	for _, v := range []interface{}{math.Inf(1), math.Inf(-1), math.NaN(), float32(math.Inf(1)), float32(math.NaN())} {
		assert.NotPanics(t, func() {
			assert.False(t, e.ShouldTrigger(rate, map[string]interface{}{"discountRate": v}))
		})
	}
	assert.False(t, e.ShouldTrigger(rate, map[string]interface{}{"discountRate": json.Number("NaN")}))
	assert.Error(t, e.ValidateCondition(repository.Condition{Field: "a", Operator: repository.OpLessThan, Value: math.Inf(1)}))

	boolean := []repository.Condition{{Field: "flag", Operator: repository.OpGreaterThan, Value: true}}
	assert.False(t, e.ShouldTrigger(boolean, map[string]interface{}{"flag": true}))

	boolean[0].Operator = repository.OpEqual
	assert.False(t, e.ShouldTrigger(boolean, map[string]interface{}{"flag": 1}))
}

func TestShouldTriggerEmptyConditions(t *testing.T) {
	assert.True(t, NewThresholdEvaluator().ShouldTrigger(nil, nil))
}

func TestValidateCondition(t *testing.T) {
	e := NewThresholdEvaluator()
	assert.NoError(t, e.ValidateCondition(repository.Condition{Field: "a", Operator: repository.OpLessThan, Value: 1.5}))
	assert.NoError(t, e.ValidateCondition(repository.Condition{Field: "a", Operator: repository.OpEqual, Value: false}))
	assert.Error(t, e.ValidateCondition(repository.Condition{Field: "", Operator: repository.OpEqual, Value: 1}))
	assert.Error(t, e.ValidateCondition(repository.Condition{Field: "a", Operator: "~", Value: 1}))
	assert.Error(t, e.ValidateCondition(repository.Condition{Field: "a", Operator: repository.OpLessThan, Value: true}))
	assert.Error(t, e.ValidateCondition(repository.Condition{Field: "a", Operator: repository.OpLessThan, Value: "x"}))
}
