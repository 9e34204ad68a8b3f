package services

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/spf13/cast"
)

// Operator is a comparison used by a condition clause.
type Operator string

const (
	OpEq          Operator = "eq"
	OpNeq         Operator = "neq"
	OpGt          Operator = "gt"
	OpGte         Operator = "gte"
	OpLt          Operator = "lt"
	OpLte         Operator = "lte"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
)

// legacy names written by the storefront admin UI
var operatorAliases = map[string]Operator{
	"equals":       OpEq,
	"not_equals":   OpNeq,
	"greater_than": OpGt,
	"less_than":    OpLt,
}

func normalizeOperator(op string) Operator {
	op = strings.ToLower(strings.TrimSpace(op))
	if alias, ok := operatorAliases[op]; ok {
		return alias
	}
	return Operator(op)
}

// Valid reports whether the operator is understood by the matcher.
func (o Operator) Valid() bool {
	switch o {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpContains, OpNotContains, OpIn, OpNotIn:
		return true
	}
	return false
}

// Clause is one predicate against a dot-path in the event payload.
type Clause struct {
	Field    string      `json:"field"`
	Operator Operator    `json:"operator"`
	Value    interface{} `json:"value"`
}

// UnmarshalJSON accepts the older {"field","op","value"} shape and operator aliases.
func (c *Clause) UnmarshalJSON(data []byte) error {
	var raw struct {
		Field    string      `json:"field"`
		Operator string      `json:"operator"`
		Op       string      `json:"op"`
		Value    interface{} `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	op := raw.Operator
	if op == "" {
		op = raw.Op
	}
	c.Field = raw.Field
	c.Operator = normalizeOperator(op)
	c.Value = raw.Value
	return nil
}

// Validate checks the clause shape. It is applied when an automation is saved.
func (c Clause) Validate() error {
	if strings.TrimSpace(c.Field) == "" {
		return fmt.Errorf("%w: field is required", ErrInvalidCondition)
	}
	if !c.Operator.Valid() {
		return fmt.Errorf("%w: unsupported operator %q", ErrInvalidCondition, c.Operator)
	}
	switch c.Operator {
	case OpIn, OpNotIn:
		if !isList(c.Value) {
			return fmt.Errorf("%w: %s expects an array value", ErrInvalidCondition, c.Operator)
		}
	case OpGt, OpGte, OpLt, OpLte:
		if _, ok := toNumber(c.Value); !ok {
			return fmt.Errorf("%w: %s expects a numeric value", ErrInvalidCondition, c.Operator)
		}
	}
	return nil
}

// DecodeConditions parses stored trigger conditions. Empty input yields no clauses.
func DecodeConditions(raw []byte) ([]Clause, error) {
	if len(strings.TrimSpace(string(raw))) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var clauses []Clause
	if err := json.Unmarshal(raw, &clauses); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCondition, err)
	}
	return clauses, nil
}

// Matches evaluates clauses with implicit AND. An empty list always matches.
// A clause that cannot be evaluated counts as a non-match; Matches never panics.
func Matches(clauses []Clause, payload map[string]interface{}) bool {
	for _, c := range clauses {
		if !evaluateClause(c, payload) {
			return false
		}
	}
	return true
}

func evaluateClause(c Clause, payload map[string]interface{}) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	actual, found := lookupPath(payload, c.Field)
	if !found {
		return false
	}

	switch normalizeOperator(string(c.Operator)) {
	case OpEq:
		return valuesEqual(actual, c.Value)
	case OpNeq:
		return !valuesEqual(actual, c.Value)
	case OpGt, OpGte, OpLt, OpLte:
		return compareNumbers(normalizeOperator(string(c.Operator)), actual, c.Value)
	case OpContains:
		return contains(actual, c.Value)
	case OpNotContains:
		if !isList(actual) && !isString(actual) {
			return false
		}
		return !contains(actual, c.Value)
	case OpIn:
		if !isList(c.Value) {
			return false
		}
		return contains(c.Value, actual)
	case OpNotIn:
		if !isList(c.Value) {
			return false
		}
		return !contains(c.Value, actual)
	default:
		return false
	}
}

// lookupPath resolves a dot-path like "order.total_price" or "items.0.sku".
func lookupPath(root map[string]interface{}, path string) (interface{}, bool) {
	path = strings.TrimSpace(path)
	if path == "" || root == nil {
		return nil, false
	}
	var cur interface{} = root
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case []interface{}:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

func compareNumbers(op Operator, actual, expected interface{}) bool {
	a, ok := toNumber(actual)
	if !ok {
		return false
	}
	b, ok := toNumber(expected)
	if !ok {
		return false
	}
	switch op {
	case OpGt:
		return a > b
	case OpGte:
		return a >= b
	case OpLt:
		return a < b
	case OpLte:
		return a <= b
	}
	return false
}

// toNumber coerces numbers and numeric strings. Booleans are not numbers here.
func toNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case nil, bool:
		return 0, false
	case string:
		if strings.TrimSpace(t) == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, false
	}
	return f, true
}

func valuesEqual(a, b interface{}) bool {
	if af, ok := toNumber(a); ok {
		if bf, ok := toNumber(b); ok {
			return af == bf
		}
	}
	if ab, ok := a.(bool); ok {
		bb, err := cast.ToBoolE(b)
		return err == nil && ab == bb
	}
	if isList(a) || isList(b) {
		return reflect.DeepEqual(a, b)
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// contains checks substring membership for strings and element membership for lists.
func contains(haystack, needle interface{}) bool {
	if s, ok := haystack.(string); ok {
		if needle == nil {
			return false
		}
		return strings.Contains(s, fmt.Sprintf("%v", needle))
	}
	items, err := cast.ToSliceE(haystack)
	if err != nil || !isList(haystack) {
		return false
	}
	for _, it := range items {
		if valuesEqual(it, needle) {
			return true
		}
	}
	return false
}

func isString(v interface{}) bool {
	_, ok := v.(string)
	return ok
}

func isList(v interface{}) bool {
	if v == nil {
		return false
	}
	k := reflect.TypeOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}
