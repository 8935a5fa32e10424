// Package claudecode adapts the Claude Code CLI to the common adapter
// contract.
package claudecode

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/usehatch/hatch/internal/adapter"
)

const (
	adapterName    = "claude-code"
	adapterVersion = "1.0.0"
	binaryName     = "claude"
)

func init() {
	adapter.RegisterBuiltin(adapterName, func() adapter.Adapter { return New() })
}

// ClaudeCode drives the `claude` CLI in stream-json mode.
type ClaudeCode struct {
	*adapter.BaseAdapter

	// toolVersion is the probed CLI version, set by Initialize.
	toolVersion string
}

// New creates an uninitialized Claude Code adapter.
func New() *ClaudeCode {
	c := &ClaudeCode{
		BaseAdapter: adapter.NewBase(adapterName, adapterVersion, []string{
			"execute", "stream", "interrupt", "project:create",
		}),
	}
	c.SetLineTransform(parseStreamLine)
	return c
}

// Initialize implements Adapter: stores the config and version-probes the
// claude binary. Idempotent; re-initialization replaces the stored config
// without touching spawned processes.
func (c *ClaudeCode) Initialize(ctx context.Context, cfg adapter.Config) error {
	if res := c.ValidateConfig(cfg); !res.OK {
		return fmt.Errorf("invalid claude-code config: %s", res.Errors[0].Message)
	}

	version, err := c.ProbeBinary(ctx, binaryName, "--version")
	if err != nil {
		return err
	}
	c.toolVersion = version
	c.SetConfig(cfg)

	log.Printf("✅ claude-code adapter initialized (%s)", version)
	return nil
}

// Execute implements Adapter. The command string is translated into a
// claude invocation; a raw natural-language input becomes the prompt
// argument, flagged input is passed token by token.
func (c *ClaudeCode) Execute(ctx context.Context, command string, opts adapter.ExecuteOptions) (*adapter.ProcessHandle, error) {
	cfg, ok := c.Config()
	if !ok {
		return nil, adapter.ErrNotInitialized
	}

	argv := []string{binaryName, "--print", "--output-format", "stream-json", "--verbose"}

	if model := modelFlag(cfg.Settings.Model); model != "" {
		argv = append(argv, "--model", model)
	}
	if opts.Interactive {
		argv = append(argv, "--input-format", "stream-json")
	}

	// The skip-permissions flag is injected only when the session's
	// security context resolved dangerous mode; the tool's own prompts
	// stay on otherwise.
	if opts.Security != nil && opts.Security.DangerousMode {
		argv = append(argv, "--dangerously-skip-permissions")
	}

	argv = append(argv, adapter.ParseCommand(command)...)

	return c.Spawn(ctx, argv, command, opts)
}

// CreateProject implements the optional ProjectCreator capability.
func (c *ClaudeCode) CreateProject(ctx context.Context, path string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("create project directory: %w", err)
	}
	log.Printf("📁 Created project directory: %s", path)
	return nil
}

// ToolVersion returns the probed CLI version, empty before Initialize.
func (c *ClaudeCode) ToolVersion() string { return c.toolVersion }

// modelFlag maps the config's model variant onto claude's model aliases.
func modelFlag(model string) string {
	switch model {
	case adapter.ModelFast:
		return "haiku"
	case adapter.ModelBalanced:
		return "sonnet"
	case adapter.ModelDeep:
		return "opus"
	}
	return ""
}
