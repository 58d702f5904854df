package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanDescriptionRoundTrip(t *testing.T) {
	meta := map[string]any{
		"step_id":        "s2",
		"depends_on":     []any{"s1"},
		"parallelizable": true,
	}
	encoded := EncodePlanDescription("Apply the schema changes", meta)
	assert.Contains(t, encoded, "[[PLAN_META]]")
	assert.Contains(t, encoded, "[[/PLAN_META]]\nApply the schema changes")

	decoded, clean := DecodePlanDescription(encoded)
	assert.Equal(t, "Apply the schema changes", clean)
	assert.Equal(t, "s2", decoded["step_id"])
	assert.Equal(t, true, decoded["parallelizable"])
	require.IsType(t, []any{}, decoded["depends_on"])
}

func TestDecodePlanDescriptionWithoutMeta(t *testing.T) {
	meta, clean := DecodePlanDescription("just a plain description")
	assert.Empty(t, meta)
	assert.Equal(t, "just a plain description", clean)
}

func TestDecodePlanDescriptionMissingEndMarker(t *testing.T) {
	raw := `[[PLAN_META]]{"step_id": "s1"} no terminator`
	meta, clean := DecodePlanDescription(raw)
	assert.Empty(t, meta)
	assert.Equal(t, raw, clean)
}

func TestDecodePlanDescriptionMalformedPayload(t *testing.T) {
	raw := "[[PLAN_META]]{not json}[[/PLAN_META]]\nthe description"
	meta, clean := DecodePlanDescription(raw)
	assert.Empty(t, meta)
	// A broken payload keeps the original text intact rather than
	// silently dropping the prefix.
	assert.Equal(t, raw, clean)
}

func TestValidatePlanDescription(t *testing.T) {
	meta := map[string]any{"step_id": "s1"}
	valid := []string{
		"",
		"plain description, no markers",
		EncodePlanDescription("do the thing", meta),
		EncodePlanDescription("", meta),
	}
	for _, desc := range valid {
		assert.NoError(t, ValidatePlanDescription(desc), desc)
	}

	malformed := []string{
		"[[PLAN_META]]{not json[[/PLAN_META]]\ndo the thing",
		`[[PLAN_META]]{"step_id": "s1"} no terminator`,
		"[[PLAN_META]]null[[/PLAN_META]]\ndescription",
		"text before [[PLAN_META]]{}[[/PLAN_META]]",
		"dangling [[/PLAN_META]] end marker only",
		"[[PLAN_META]]{}[[/PLAN_META]]\nstray [[PLAN_META]] after block",
	}
	for _, desc := range malformed {
		assert.ErrorIs(t, ValidatePlanDescription(desc), ErrMalformedPlanMeta, desc)
	}
}

func TestEncodePlanDescriptionEmptyDescription(t *testing.T) {
	encoded := EncodePlanDescription("", map[string]any{"step_id": "s1"})
	meta, clean := DecodePlanDescription(encoded)
	assert.Equal(t, "s1", meta["step_id"])
	assert.Empty(t, clean)
}
