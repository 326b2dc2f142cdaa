package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"

	"github.com/cerise-ai/cerise/internal/abilities"
)

// TestMain doubles as a stdio MCP server when re-executed with
// MCP_TEST_HELPER_SERVER set, so Start can be exercised against a real
// subprocess.
func TestMain(m *testing.M) {
	if os.Getenv("MCP_TEST_HELPER_SERVER") == "1" {
		runEnvReportServer()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// runEnvReportServer serves a single tool whose result reports what the
// process sees in its environment.
func runEnvReportServer() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	reg := abilities.NewRegistry(logger)
	reg.Register(&abilities.FuncAbility{
		AbilityName: "env_report",
		Desc:        "Report selected environment variables.",
		Fn: func(ctx context.Context, params map[string]any, actx *abilities.Context) (*abilities.Result, error) {
			return &abilities.Result{
				Success: true,
				Data: fmt.Sprintf("path_set=%t extra=%s",
					os.Getenv("PATH") != "", os.Getenv("MCP_TEST_EXTRA")),
			}, nil
		},
	})

	server := NewServer(reg, ServerOptions{Name: "env-report", Version: "1"}, os.Stdin, os.Stdout, logger)
	if err := server.Serve(context.Background()); err != nil {
		logger.Error("helper server stopped", "error", err)
	}
}

func TestStartKeepsInheritedEnvironment(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}

	client := NewStdioClient(ServerSpec{
		ID:      "env-report",
		Command: exe,
		Env: map[string]string{
			"MCP_TEST_HELPER_SERVER": "1",
			"MCP_TEST_EXTRA":         "42",
		},
	}, nil)

	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer client.Close()

	result, err := client.CallTool(ctx, "env_report", nil)
	if err != nil {
		t.Fatal(err)
	}
	want := "path_set=true extra=42"
	if got := result.Text(); got != want {
		t.Errorf("env_report = %q, want %q: spec vars must overlay the parent environment, not replace it", got, want)
	}
}
