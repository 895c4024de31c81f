package relaygraph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type staticGate struct {
	roles map[string]Role
}

func (g staticGate) Check(_ context.Context, subject, graphID string, perm Permission) (AccessDecision, error) {
	role := g.roles[subject+"|"+graphID]
	if role == RoleNone {
		role = g.roles[subject+"|*"]
	}
	return AccessDecision{Allowed: role.Grants(perm), Role: role}, nil
}

var testEpoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, store *MemoryStore, node Node) Node {
	t.Helper()
	if node.Properties == nil {
		node.Properties = map[string]any{}
	}
	created, err := store.CreateNode(context.Background(), node)
	require.NoError(t, err)
	return created
}

func at(minutes int) time.Time {
	return testEpoch.Add(time.Duration(minutes) * time.Minute)
}
