package processor

import (
	"fmt"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateExpression_BigIntRange(t *testing.T) {
	// Stream condition from a transfer-size filter:
	// publish when 2e18 <= value <= 4e18.
	expr := ">=2000000000000000000 && <=4000000000000000000"

	assert.False(t, EvaluateExpression("1500000000000000000", expr))
	assert.True(t, EvaluateExpression("3000000000000000000", expr))
	assert.False(t, EvaluateExpression("4000000000000000001", expr))
	assert.True(t, EvaluateExpression("2000000000000000000", expr))
	assert.True(t, EvaluateExpression("4000000000000000000", expr))
}

func TestEvaluateExpression_Or(t *testing.T) {
	expr := "<100 || >1000"
	assert.True(t, EvaluateExpression("50", expr))
	assert.True(t, EvaluateExpression("5000", expr))
	assert.False(t, EvaluateExpression("500", expr))
}

func TestEvaluateExpression_GreaterIsNegationOfLessOrEqual(t *testing.T) {
	// a > v must equal NOT (a <= v) for every width up to 256 bits.
	boundaries := []*big.Int{
		big.NewInt(0),
		big.NewInt(255),
		new(big.Int).Lsh(big.NewInt(1), 64),
		new(big.Int).Lsh(big.NewInt(1), 128),
		new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1)),
	}
	for _, v := range boundaries {
		for _, delta := range []int64{-1, 0, 1} {
			a := new(big.Int).Add(v, big.NewInt(delta))
			if a.Sign() < 0 {
				continue
			}
			gt := EvaluateExpression(a.String(), ">"+v.String())
			le := EvaluateExpression(a.String(), "<="+v.String())
			assert.Equal(t, gt, !le, "a=%s v=%s", a, v)
		}
	}
}

func TestEvaluateExpression_StringEquality(t *testing.T) {
	assert.True(t, EvaluateExpression("0xabc", "=0xABC"))
	assert.True(t, EvaluateExpression("0xabc", "0xabc"))
	assert.False(t, EvaluateExpression("0xabc", "0xdef"))
	// Ordering operators are meaningless on non-numeric values.
	assert.False(t, EvaluateExpression("not-a-number", ">10"))
}

func TestEvaluateExpression_HexNumeric(t *testing.T) {
	assert.True(t, EvaluateExpression("0x10", "=16"))
	assert.True(t, EvaluateExpression(big.NewInt(16), ">15"))
	assert.True(t, EvaluateExpression(uint64(16), "<=16"))
	assert.True(t, EvaluateExpression(true, "=1"))
}

func TestEvaluateConditions_DotPaths(t *testing.T) {
	data := map[string]interface{}{
		"quoteParams": map[string]interface{}{
			"profileId": "42",
		},
		"value": "100",
	}

	pass := EvaluateConditions(data, []map[string]string{
		{"quoteParams.profileId": "=42"},
		{"value": ">=100"},
	})
	assert.True(t, pass)

	fail := EvaluateConditions(data, []map[string]string{
		{"quoteParams.profileId": ">100"},
	})
	assert.False(t, fail)

	// A condition on a missing path never passes.
	assert.False(t, EvaluateConditions(data, []map[string]string{{"missing.path": "=1"}}))
}

func TestLookupPath(t *testing.T) {
	data := map[string]interface{}{
		"pool": "0xpool1",
		"params": map[string]interface{}{
			"token0": "0xtkn0",
		},
	}
	v, ok := LookupPath(data, "pool")
	assert.True(t, ok)
	assert.Equal(t, "0xpool1", v)

	v, ok = LookupPath(data, "params.token0")
	assert.True(t, ok)
	assert.Equal(t, "0xtkn0", v)

	_, ok = LookupPath(data, "params.token1")
	assert.False(t, ok)
}

func TestEvaluateExpression_AllWidths(t *testing.T) {
	// Comparisons stay exact at every power-of-two boundary.
	for _, bits := range []uint{8, 16, 32, 64, 128, 200, 256} {
		max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), bits), big.NewInt(1))
		below := new(big.Int).Sub(max, big.NewInt(1))
		expr := fmt.Sprintf(">=%s", max.String())
		assert.True(t, EvaluateExpression(max.String(), expr), "bits=%d", bits)
		assert.False(t, EvaluateExpression(below.String(), expr), "bits=%d", bits)
	}
}
