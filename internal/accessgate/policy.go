// Package accessgate resolves tenant access from a YAML role policy.
package accessgate

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/agentworkforce/relaygraph/internal/relaygraph"
	"gopkg.in/yaml.v3"
)

// Wildcard grants a role on every graph.
const Wildcard = "*"

// Grant gives subject a role on one graph, or on every graph when Graph is
// the wildcard.
type Grant struct {
	Subject string `yaml:"subject"`
	Graph   string `yaml:"graph"`
	Role    string `yaml:"role"`
}

type policyFile struct {
	Grants []Grant `yaml:"grants"`
}

// Policy is an immutable role table.
type Policy struct {
	exact    map[string]relaygraph.Role
	wildcard map[string]relaygraph.Role
}

// ParsePolicy decodes a policy document:
//
//	grants:
//	  - {subject: alice, graph: acme, role: owner}
//	  - {subject: ops, graph: "*", role: admin}
func ParsePolicy(data []byte) (*Policy, error) {
	var doc policyFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode access policy: %w", err)
	}
	p := &Policy{exact: map[string]relaygraph.Role{}, wildcard: map[string]relaygraph.Role{}}
	for i, grant := range doc.Grants {
		subject := strings.TrimSpace(grant.Subject)
		graph := strings.TrimSpace(grant.Graph)
		if subject == "" || graph == "" {
			return nil, fmt.Errorf("grant %d: subject and graph are required", i)
		}
		role, err := relaygraph.ParseRole(strings.ToLower(strings.TrimSpace(grant.Role)))
		if err != nil {
			return nil, fmt.Errorf("grant %d: %w", i, err)
		}
		table, key := p.exact, subject+"\x00"+graph
		if graph == Wildcard {
			table, key = p.wildcard, subject
		}
		// Duplicate grants keep the strongest role.
		if existing, ok := table[key]; !ok || role.AtLeast(existing) {
			table[key] = role
		}
	}
	return p, nil
}

func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePolicy(data)
}

// RoleFor returns the stronger of the subject's graph grant and wildcard grant.
func (p *Policy) RoleFor(subject, graphID string) relaygraph.Role {
	if p == nil || subject == "" || graphID == "" {
		return relaygraph.RoleNone
	}
	role := p.exact[subject+"\x00"+graphID]
	if wide, ok := p.wildcard[subject]; ok && wide.AtLeast(role) {
		role = wide
	}
	return role
}

func (p *Policy) Check(_ context.Context, subject, graphID string, perm relaygraph.Permission) (relaygraph.AccessDecision, error) {
	role := p.RoleFor(subject, graphID)
	return relaygraph.AccessDecision{Allowed: role.Grants(perm), Role: role}, nil
}
