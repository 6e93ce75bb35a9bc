package inline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secflow/engine/internal/domain"
)

func TestApprovalComponent_AlwaysSuspendsWithApprovalKind(t *testing.T) {
	def := approvalComponent()
	outcome, err := def.Execute(domain.ExecContext{Ctx: context.Background()}, nil, map[string]any{"title": "ship it?"})
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeSuspend, outcome.Kind)
	require.NotNil(t, outcome.Suspend)
	assert.Equal(t, "approval", outcome.Suspend.Payload["kind"])
	assert.Equal(t, "ship it?", outcome.Suspend.Payload["title"])
}

func TestFormComponent_SuspendsWithFormKind(t *testing.T) {
	def := formComponent()
	outcome, err := def.Execute(domain.ExecContext{Ctx: context.Background()}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeSuspend, outcome.Kind)
	assert.Equal(t, "form", outcome.Suspend.Payload["kind"])
}

func TestBuiltins_AllIDsUnique(t *testing.T) {
	defs := Builtins(Config{})
	seen := map[string]bool{}
	for _, d := range defs {
		require.False(t, seen[d.ID], "duplicate component id %q", d.ID)
		seen[d.ID] = true
		require.NotNil(t, d.Execute)
	}
	assert.Len(t, defs, 7)
}
