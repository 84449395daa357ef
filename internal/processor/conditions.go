package processor

import (
	"math/big"
	"strings"
)

// The condition language is a small expression grammar over decoded event
// inputs: comparisons (>, <, >=, <=, =) joined by && and ||, with || binding
// loosest. Paths use dot notation for nested tuple fields. Numeric
// comparisons are big-integer safe up to 256 bits.

// EvaluateConditions applies every condition map to the decoded event data.
// All entries must hold for the event to pass.
func EvaluateConditions(eventData map[string]interface{}, conditions []map[string]string) bool {
	for _, condition := range conditions {
		for path, expression := range condition {
			value, ok := nestedValue(eventData, path)
			if !ok {
				return false
			}
			if !EvaluateExpression(value, expression) {
				return false
			}
		}
	}
	return true
}

// EvaluateExpression evaluates one predicate expression against a single
// decoded value.
func EvaluateExpression(value interface{}, expression string) bool {
	orParts := strings.Split(expression, "||")
	for _, orPart := range orParts {
		andParts := strings.Split(orPart, "&&")
		andResult := true
		for _, andPart := range andParts {
			if !evaluateComparison(value, strings.TrimSpace(andPart)) {
				andResult = false
				break
			}
		}
		if andResult {
			return true
		}
	}
	return false
}

func evaluateComparison(value interface{}, comparison string) bool {
	op := "="
	operand := comparison
	switch {
	case strings.HasPrefix(comparison, ">="):
		op, operand = ">=", comparison[2:]
	case strings.HasPrefix(comparison, "<="):
		op, operand = "<=", comparison[2:]
	case strings.HasPrefix(comparison, ">"):
		op, operand = ">", comparison[1:]
	case strings.HasPrefix(comparison, "<"):
		op, operand = "<", comparison[1:]
	case strings.HasPrefix(comparison, "="):
		op, operand = "=", comparison[1:]
	}
	operand = strings.TrimSpace(operand)

	left, leftNumeric := toBigInt(value)
	right, rightNumeric := parseBigInt(operand)

	if leftNumeric && rightNumeric {
		cmp := left.Cmp(right)
		switch op {
		case ">":
			return cmp > 0
		case "<":
			return cmp < 0
		case ">=":
			return cmp >= 0
		case "<=":
			return cmp <= 0
		default:
			return cmp == 0
		}
	}

	// Non-numeric values only support equality, compared as strings.
	if op != "=" {
		return false
	}
	return strings.EqualFold(stringify(value), operand)
}

// LookupPath resolves a dot path into decoded event data; factory discovery
// uses it to extract child contract addresses.
func LookupPath(data map[string]interface{}, path string) (interface{}, bool) {
	return nestedValue(data, path)
}

func nestedValue(data map[string]interface{}, path string) (interface{}, bool) {
	keys := strings.Split(path, ".")
	var current interface{} = data
	for _, key := range keys {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func toBigInt(value interface{}) (*big.Int, bool) {
	switch v := value.(type) {
	case *big.Int:
		return v, true
	case string:
		return parseBigInt(v)
	case uint64:
		return new(big.Int).SetUint64(v), true
	case int64:
		return big.NewInt(v), true
	case int:
		return big.NewInt(int64(v)), true
	case bool:
		if v {
			return big.NewInt(1), true
		}
		return big.NewInt(0), true
	default:
		return nil, false
	}
}

func parseBigInt(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, ok := new(big.Int).SetString(s[2:], 16)
		return v, ok
	}
	v, ok := new(big.Int).SetString(s, 10)
	return v, ok
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case *big.Int:
		return v.String()
	default:
		return ""
	}
}
