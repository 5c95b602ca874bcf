package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormulaEval(t *testing.T) {
	cases := []struct {
		name    string
		formula string
		vars    FormulaVars
		want    float64
	}{
		{"plain grade", "{grade}", FormulaVars{Grade: 14.5}, 14.5},
		{"attendance bonus", "{grade} + {attendance} / 100", FormulaVars{Grade: 12, Attendance: 80}, 12.8},
		{"weighted mix", "({grade} * 0.8) + ({attendance} * 0.2 / 5)", FormulaVars{Grade: 15, Attendance: 100}, 16},
		{"bonus term", "{grade} + {bonus}", FormulaVars{Grade: 10, Bonus: 1.5}, 11.5},
		{"unary minus", "-2 + {grade}", FormulaVars{Grade: 5}, 3},
		{"precedence", "2 + 3 * 4", FormulaVars{}, 14},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			formula, err := ParseFormula(tc.formula)
			require.NoError(t, err)
			got, err := formula.Eval(tc.vars)
			require.NoError(t, err)
			assert.InDelta(t, tc.want, got, 1e-9)
		})
	}
}

func TestParseFormulaRejectsInvalid(t *testing.T) {
	for _, raw := range []string{
		"",
		"{grade} +",
		"{unknown}",
		"grade + 1",
		"(1 + 2",
		"1; drop table blocks",
		"{grade} ** 2",
	} {
		_, err := ParseFormula(raw)
		assert.Error(t, err, raw)
	}
}

func TestFormulaEvalDivisionByZero(t *testing.T) {
	formula, err := ParseFormula("{grade} / 0")
	require.NoError(t, err)
	_, err = formula.Eval(FormulaVars{Grade: 10})
	assert.Error(t, err)
}
