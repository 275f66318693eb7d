package cel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/pkg/models"
)

func TestNewEvaluator(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)
	assert.NotNil(t, eval)
}

func TestValidateGateExpression(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	tests := []struct {
		name      string
		expr      string
		wantError bool
	}{
		{
			name:      "valid verdict check",
			expr:      `verdicts.spam != "FAIL"`,
			wantError: false,
		},
		{
			name:      "valid combined policy",
			expr:      `verdicts.virus != "FAIL" && verdicts.dkim == "PASS"`,
			wantError: false,
		},
		{
			name:      "invalid syntax",
			expr:      `invalid syntax here!!!`,
			wantError: true,
		},
		{
			name:      "undefined variable",
			expr:      `undefinedVar == "test"`,
			wantError: true,
		},
		{
			name:      "non-bool result",
			expr:      `source`,
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := eval.ValidateGateExpression(tt.expr)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestProgram_Evaluate(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	event := &models.InboundEvent{
		MessageID:  "msg-1",
		Source:     "inbound-smtp",
		Timestamp:  time.Now(),
		Recipients: []string{"user@example.com"},
		Verdicts: models.Verdicts{
			Spam:  "PASS",
			Virus: "PASS",
			DKIM:  "PASS",
			SPF:   "FAIL",
		},
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"spam pass allows", `verdicts.spam != "FAIL"`, true},
		{"spf fail blocks", `verdicts.spf == "PASS"`, false},
		{"source match", `source == "inbound-smtp"`, true},
		{"recipient membership", `"user@example.com" in recipients`, true},
		{"combined policy", `verdicts.virus != "FAIL" && (verdicts.spam != "FAIL" || verdicts.dkim == "PASS")`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			program, err := eval.Compile(tt.expr)
			require.NoError(t, err)

			got, err := program.Evaluate(context.Background(), event)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProgram_EvaluateEmptyVerdicts(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	program, err := eval.Compile(`verdicts.spam != "FAIL"`)
	require.NoError(t, err)

	got, err := program.Evaluate(context.Background(), &models.InboundEvent{
		MessageID: "msg-1",
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, got, "missing verdicts evaluate as empty strings")
}

func TestGateExpressionExamplesCompile(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	for name, expr := range GateExpressionExamples {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, eval.ValidateGateExpression(expr))
		})
	}
}
