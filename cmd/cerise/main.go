// Package main provides the CLI entry point for the Cerise agent runtime.
//
// Cerise is an event-driven AI companion runtime: layered long-term memory,
// plugin abilities over MCP stdio, proactive check-ins, and a tool-calling
// dialogue loop over pluggable LLM providers.
//
// # Basic Usage
//
// Start the runtime:
//
//	cerise serve --config ~/.cerise/config.yaml
//
// Chat once from the terminal:
//
//	cerise chat "hello there"
//
// Manage plugins:
//
//	cerise plugin list
//	cerise plugin install ./weather.zip
//	cerise plugin install github:owner/repo@main
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cerise-ai/cerise/internal/config"
	"github.com/cerise-ai/cerise/internal/runtime"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"

	configPath string
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "cerise",
		Short:        "Cerise - event-driven AI companion runtime",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.yaml (default: <data-dir>/config.yaml)")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildPluginCmd(),
		buildMemoryCmd(),
	)
	return rootCmd
}

func loadRuntime() (*runtime.Runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	rt, err := runtime.New(cfg, nil)
	if err != nil {
		return nil, err
	}
	runtime.SetDefault(rt)
	return rt, nil
}

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent runtime until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := rt.Start(ctx); err != nil {
				return err
			}
			defer rt.Stop()

			rt.Logger.Info("cerise running", "version", version)
			<-ctx.Done()
			return nil
		},
	}
}

func buildChatCmd() *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with the agent; no argument starts an interactive loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := rt.Start(ctx); err != nil {
				return err
			}
			defer rt.Stop()

			if len(args) > 0 {
				reply, err := rt.Dialogue.Chat(ctx, session, strings.Join(args, " "), nil)
				if err != nil {
					return err
				}
				fmt.Println(reply)
				return nil
			}

			scanner := bufio.NewScanner(os.Stdin)
			fmt.Print("> ")
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" || line == "/quit" {
					if line == "/quit" {
						break
					}
					fmt.Print("> ")
					continue
				}
				reply, err := rt.Dialogue.Chat(ctx, session, line, nil)
				if err != nil {
					return err
				}
				fmt.Println(reply)
				fmt.Print("> ")
			}
			return scanner.Err()
		},
	}
	cmd.Flags().StringVar(&session, "session", "cli", "Session id for the conversation")
	return cmd
}

func buildPluginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugin",
		Short: "Manage plugins",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List discovered plugins and their load state",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			manifests, broken := rt.Plugins.Discover()
			loaded := map[string]bool{}
			for _, name := range rt.Plugins.Loaded() {
				loaded[name] = true
			}
			for name, manifest := range manifests {
				state := "available"
				if loaded[name] {
					state = "loaded"
				}
				fmt.Printf("%-24s %-10s %s\n", name, manifest.Version, state)
			}
			for _, err := range broken {
				fmt.Fprintln(os.Stderr, "broken:", err)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "install <zip-path | url | github:owner/repo[@ref]>",
		Short: "Install a plugin from a zip archive, URL, or GitHub repo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			source := args[0]
			var name string
			switch {
			case strings.HasPrefix(source, "github:"):
				name, err = rt.Installer.InstallFromGitHub(strings.TrimPrefix(source, "github:"))
			case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
				name, err = rt.Installer.InstallFromURL(source)
			default:
				name, err = rt.Installer.InstallFromFile(source)
			}
			if err != nil {
				return err
			}
			fmt.Println("installed", name)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "uninstall <name>",
		Short: "Remove an installed plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			removed, err := rt.Installer.Uninstall(args[0])
			if err != nil {
				return err
			}
			if !removed {
				fmt.Println("not installed:", args[0])
				return nil
			}
			fmt.Println("uninstalled", args[0])
			return nil
		},
	})

	return cmd
}

func buildMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect long-term memory",
	}

	var session string
	var limit int
	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Recall memories matching a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			results, err := rt.Memory.Recall(cmd.Context(), strings.Join(args, " "), limit, session)
			if err != nil {
				return err
			}
			for _, res := range results {
				fmt.Printf("%.3f  %s  %s\n", res.Score, res.Record.ID, res.Record.Content)
			}
			return nil
		},
	}
	search.Flags().StringVar(&session, "session", "cli", "Session id to search")
	search.Flags().IntVar(&limit, "limit", 10, "Maximum results")
	cmd.AddCommand(search)

	return cmd
}
