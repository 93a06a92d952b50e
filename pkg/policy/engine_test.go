package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(context.Background(), nil)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return e
}

func ldapReady() NodeInput {
	return NodeInput{ID: "ldap-1", Name: "gluuopendj_1", Type: "ldap", HostID: "h1", State: "SUCCESS"}
}

func TestNewEngine_LoadsBuiltins(t *testing.T) {
	e := newTestEngine(t)

	policies := e.ListPolicies()
	if len(policies) != len(BuiltinPolicies()) {
		t.Fatalf("expected %d policies, got %d", len(BuiltinPolicies()), len(policies))
	}
	for _, name := range []string{"single-oxtrust", "gateway-upstream", "directory-first"} {
		if _, err := e.GetPolicy(name); err != nil {
			t.Errorf("missing built-in policy %s", name)
		}
	}
}

func TestEngine_EvaluateCreate(t *testing.T) {
	cluster := ClusterInput{ID: "c1", Name: "gluu"}
	host := HostInput{ID: "h1", Name: "worker-1", Type: "worker"}

	tests := []struct {
		name    string
		node    NodeInput
		nodes   []NodeInput
		allowed bool
		message string
	}{
		{
			name:    "first ldap",
			node:    NodeInput{Type: "ldap", HostID: "h1"},
			allowed: true,
		},
		{
			name:    "oxauth without ldap",
			node:    NodeInput{Type: "oxauth", HostID: "h1"},
			message: "has no ldap node in SUCCESS state",
		},
		{
			name:    "oxauth with failed ldap",
			node:    NodeInput{Type: "oxauth", HostID: "h1"},
			nodes:   []NodeInput{{ID: "ldap-1", Type: "ldap", HostID: "h1", State: "FAILED"}},
			message: "has no ldap node in SUCCESS state",
		},
		{
			name:    "oxauth with ldap",
			node:    NodeInput{Type: "oxauth", HostID: "h1"},
			nodes:   []NodeInput{ldapReady()},
			allowed: true,
		},
		{
			name:    "second oxtrust on host",
			node:    NodeInput{Type: "oxtrust", HostID: "h1"},
			nodes:   []NodeInput{ldapReady(), {ID: "t1", Name: "gluuoxtrust_1", Type: "oxtrust", HostID: "h1", State: "FAILED"}},
			message: "cannot deploy more oxtrust nodes to host worker-1",
		},
		{
			name:    "oxtrust on another host",
			node:    NodeInput{Type: "oxtrust", HostID: "h1"},
			nodes:   []NodeInput{ldapReady(), {ID: "t1", Type: "oxtrust", HostID: "h2", State: "SUCCESS"}},
			allowed: true,
		},
		{
			name:    "nginx without oxauth id",
			node:    NodeInput{Type: "nginx", HostID: "h1"},
			nodes:   []NodeInput{ldapReady()},
			message: "nginx node requires oxauth_node_id",
		},
		{
			name:    "nginx with unknown oxauth",
			node:    NodeInput{Type: "nginx", HostID: "h1", OxauthNodeID: "missing"},
			nodes:   []NodeInput{ldapReady()},
			message: "oxauth node missing does not exist",
		},
		{
			name:    "nginx with oxauth",
			node:    NodeInput{Type: "nginx", HostID: "h1", OxauthNodeID: "a1"},
			nodes:   []NodeInput{ldapReady(), {ID: "a1", Type: "oxauth", HostID: "h1", State: "SUCCESS"}},
			allowed: true,
		},
	}

	e := newTestEngine(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := e.Evaluate(context.Background(), &Input{
				Operation: "create",
				Node:      tt.node,
				Cluster:   cluster,
				Host:      host,
				Nodes:     tt.nodes,
			})
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if result.Allowed != tt.allowed {
				t.Fatalf("allowed = %v, want %v (violations %+v)", result.Allowed, tt.allowed, result.Violations)
			}
			if tt.message == "" {
				return
			}
			denied := strings.Join(result.Denied(), "; ")
			if !strings.Contains(denied, tt.message) {
				t.Errorf("expected violation containing %q, got %q", tt.message, denied)
			}
		})
	}
}

func TestEngine_DeleteIsNotAdmissionChecked(t *testing.T) {
	e := newTestEngine(t)

	result, err := e.Evaluate(context.Background(), &Input{
		Operation: "delete",
		Node:      NodeInput{Type: "oxauth", HostID: "h1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Allowed {
		t.Errorf("delete should not be blocked: %+v", result.Violations)
	}
}

func TestEngine_DisablePolicy(t *testing.T) {
	e := newTestEngine(t)
	if err := e.DisablePolicy("directory-first"); err != nil {
		t.Fatal(err)
	}

	result, err := e.Evaluate(context.Background(), &Input{
		Operation: "create",
		Node:      NodeInput{Type: "oxauth", HostID: "h1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Allowed {
		t.Errorf("disabled policy still blocks: %+v", result.Violations)
	}
	for _, name := range result.EvaluatedPolicies {
		if name == "directory-first" {
			t.Error("disabled policy was evaluated")
		}
	}

	if err := e.EnablePolicy("directory-first"); err != nil {
		t.Fatal(err)
	}
	if err := e.DisablePolicy("nope"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestEngine_WarningSeverity(t *testing.T) {
	e := newTestEngine(t)
	err := e.AddPolicy(context.Background(), Policy{
		Name:     "oxidp-advice",
		Severity: SeverityWarning,
		Enabled:  true,
		Rego: `package gluu.admission.advice

import rego.v1

deny contains "oxidp is experimental" if input.node.type == "oxidp"
`,
	})
	if err != nil {
		t.Fatal(err)
	}

	result, err := e.Evaluate(context.Background(), &Input{
		Operation: "create",
		Node:      NodeInput{Type: "oxidp", HostID: "h1"},
		Nodes:     []NodeInput{ldapReady()},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Allowed {
		t.Fatalf("warnings must not block: %+v", result.Violations)
	}
	if len(result.Warnings) != 1 || result.Warnings[0] != "oxidp is experimental" {
		t.Errorf("unexpected warnings %v", result.Warnings)
	}
}

func TestEngine_AddPolicyRejectsInvalidRego(t *testing.T) {
	e := newTestEngine(t)
	if err := e.AddPolicy(context.Background(), Policy{Name: "broken", Rego: "package x\n\ndeny contains"}); err == nil {
		t.Error("expected compile error")
	}
}

func TestEngine_LoadPolicies(t *testing.T) {
	dir := t.TempDir()
	src := `# description: keep identity providers off worker hosts
# severity: error
package gluu.admission.custom

import rego.v1

deny contains msg if {
	input.node.type == "oxidp"
	input.host.type != "master"
	msg := "oxidp nodes run on the master host"
}
`
	if err := os.WriteFile(filepath.Join(dir, "oxidp-master.rego"), []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	e := newTestEngine(t)
	if err := e.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatal(err)
	}
	p, err := e.GetPolicy("oxidp-master")
	if err != nil {
		t.Fatal(err)
	}
	if p.Description != "keep identity providers off worker hosts" {
		t.Errorf("unexpected description %q", p.Description)
	}

	result, err := e.Evaluate(context.Background(), &Input{
		Operation: "create",
		Node:      NodeInput{Type: "oxidp", HostID: "h1"},
		Host:      HostInput{ID: "h1", Type: "worker"},
		Nodes:     []NodeInput{ldapReady()},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Allowed {
		t.Error("custom policy should block oxidp on a worker")
	}
}
