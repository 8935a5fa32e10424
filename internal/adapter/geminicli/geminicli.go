// Package geminicli adapts the Gemini CLI to the common adapter contract.
package geminicli

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/usehatch/hatch/internal/adapter"
)

const (
	adapterName    = "gemini-cli"
	adapterVersion = "1.0.0"
	binaryName     = "gemini"
)

func init() {
	adapter.RegisterBuiltin(adapterName, func() adapter.Adapter { return New() })
}

// GeminiCli drives the `gemini` CLI in one-shot prompt mode.
type GeminiCli struct {
	*adapter.BaseAdapter

	toolVersion string
}

// New creates an uninitialized Gemini CLI adapter.
func New() *GeminiCli {
	return &GeminiCli{
		BaseAdapter: adapter.NewBase(adapterName, adapterVersion, []string{
			"execute", "stream", "interrupt",
		}),
	}
}

// Initialize implements Adapter.
func (g *GeminiCli) Initialize(ctx context.Context, cfg adapter.Config) error {
	if res := g.ValidateConfig(cfg); !res.OK {
		return fmt.Errorf("invalid gemini-cli config: %s", res.Errors[0].Message)
	}

	version, err := g.ProbeBinary(ctx, binaryName, "--version")
	if err != nil {
		return err
	}
	g.toolVersion = version
	g.SetConfig(cfg)

	log.Printf("✅ gemini-cli adapter initialized (%s)", version)
	return nil
}

// Execute implements Adapter. Natural-language input becomes the prompt
// flag's value; flagged input is passed through tokenized.
func (g *GeminiCli) Execute(ctx context.Context, command string, opts adapter.ExecuteOptions) (*adapter.ProcessHandle, error) {
	cfg, ok := g.Config()
	if !ok {
		return nil, adapter.ErrNotInitialized
	}
	// The gemini CLI has no offline mode; every prompt is a remote call.
	if cfg.Settings.DisableNetwork {
		return nil, fmt.Errorf("adapter %s requires network access but the config disables it", adapterName)
	}

	argv := []string{binaryName}
	if model := modelFlag(cfg.Settings.Model); model != "" {
		argv = append(argv, "--model", model)
	}
	if opts.Security != nil && opts.Security.DangerousMode {
		argv = append(argv, "--yolo")
	}

	tokens := adapter.ParseCommand(command)
	if len(tokens) == 1 {
		argv = append(argv, "--prompt", tokens[0])
	} else {
		argv = append(argv, tokens...)
	}

	// The CLI reads its API key from the environment; pass it through
	// the scrubbed child environment when present. Options are read-only
	// to the adapter, so the env map is copied rather than extended in
	// place.
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		if _, set := opts.Env["GEMINI_API_KEY"]; !set {
			env := make(map[string]string, len(opts.Env)+1)
			for k, v := range opts.Env {
				env[k] = v
			}
			env["GEMINI_API_KEY"] = key
			opts.Env = env
		}
	}

	return g.Spawn(ctx, argv, command, opts)
}

// ToolVersion returns the probed CLI version, empty before Initialize.
func (g *GeminiCli) ToolVersion() string { return g.toolVersion }

func modelFlag(model string) string {
	switch model {
	case adapter.ModelFast:
		return "gemini-2.5-flash"
	case adapter.ModelBalanced:
		return "gemini-2.5-pro"
	case adapter.ModelDeep:
		return "gemini-2.5-pro"
	}
	return ""
}
