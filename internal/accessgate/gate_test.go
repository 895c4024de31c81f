package accessgate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentworkforce/relaygraph/internal/relaygraph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const basePolicy = `
grants:
  - subject: alice
    graph: acme
    role: owner
  - subject: bob
    graph: acme
    role: Viewer
  - subject: ops
    graph: "*"
    role: admin
  - subject: bob
    graph: "*"
    role: viewer
`

func TestParsePolicy(t *testing.T) {
	policy, err := ParsePolicy([]byte(basePolicy))
	require.NoError(t, err)

	assert.Equal(t, relaygraph.RoleOwner, policy.RoleFor("alice", "acme"))
	assert.Equal(t, relaygraph.RoleNone, policy.RoleFor("alice", "globex"))
	assert.Equal(t, relaygraph.RoleAdmin, policy.RoleFor("ops", "globex"))
	assert.Equal(t, relaygraph.RoleViewer, policy.RoleFor("bob", "acme"))
	assert.Equal(t, relaygraph.RoleNone, policy.RoleFor("", "acme"))

	ctx := context.Background()
	decision, err := policy.Check(ctx, "bob", "acme", relaygraph.PermissionWrite)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	decision, err = policy.Check(ctx, "alice", "acme", relaygraph.PermissionWrite)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, relaygraph.RoleOwner, decision.Role)
}

func TestParsePolicyRejectsBadGrants(t *testing.T) {
	for name, doc := range map[string]string{
		"unknown role":    "grants: [{subject: a, graph: g, role: root}]",
		"missing subject": "grants: [{graph: g, role: owner}]",
		"not yaml":        "grants: [",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestPolicyGateReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(basePolicy), 0o644))

	gate, err := NewPolicyGate(path, nil)
	require.NoError(t, err)
	defer gate.Close()

	ctx := context.Background()
	decision, err := gate.Check(ctx, "carol", "acme", relaygraph.PermissionRead)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)

	require.NoError(t, os.WriteFile(path, []byte("grants: [{subject: carol, graph: acme, role: editor}]"), 0o644))
	waitForReload(t, gate)

	decision, err = gate.Check(ctx, "carol", "acme", relaygraph.PermissionWrite)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	// A broken file keeps the last good policy.
	require.NoError(t, os.WriteFile(path, []byte("grants: ["), 0o644))
	time.Sleep(4 * reloadDebounce)
	decision, err = gate.Check(ctx, "carol", "acme", relaygraph.PermissionWrite)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestPolicyGateMissingFile(t *testing.T) {
	_, err := NewPolicyGate(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	assert.Error(t, err)
}

func TestPolicyGateCloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(basePolicy), 0o644))
	gate, err := NewPolicyGate(path, nil)
	require.NoError(t, err)
	require.NoError(t, gate.Close())
	assert.NoError(t, gate.Close())
}

func waitForReload(t *testing.T, gate *PolicyGate) {
	t.Helper()
	select {
	case <-gate.Reloaded():
	case <-time.After(5 * time.Second):
		t.Fatal("policy was not reloaded")
	}
}
