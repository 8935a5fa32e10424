package geminicli

import (
	"context"
	"strings"
	"testing"

	"github.com/usehatch/hatch/internal/adapter"
)

func TestExecuteRefusesWithNetworkDisabled(t *testing.T) {
	g := New()
	g.SetConfig(adapter.Config{
		Name:     adapterName,
		Enabled:  true,
		Settings: adapter.Settings{DisableNetwork: true},
	})

	_, err := g.Execute(context.Background(), "summarize this repo", adapter.ExecuteOptions{})
	if err == nil {
		t.Fatal("expected refusal with network disabled")
	}
	if !strings.Contains(err.Error(), "network") {
		t.Errorf("err = %v, want mention of network access", err)
	}
}

func TestExecuteDoesNotMutateCallerEnv(t *testing.T) {
	g := New()
	g.SetConfig(adapter.Config{Name: adapterName, Enabled: true})
	t.Setenv("GEMINI_API_KEY", "test-key")

	env := map[string]string{"FOO": "bar"}
	// The spawn itself may fail when the CLI is absent; the options map
	// must stay untouched either way.
	_, _ = g.Execute(context.Background(), "hello", adapter.ExecuteOptions{Env: env})

	if _, leaked := env["GEMINI_API_KEY"]; leaked {
		t.Error("caller env map gained GEMINI_API_KEY")
	}
	if len(env) != 1 || env["FOO"] != "bar" {
		t.Errorf("caller env map changed: %v", env)
	}
}
