package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/yanmxa/gembridge/internal/agent"
	"github.com/yanmxa/gembridge/internal/bridge"
	"github.com/yanmxa/gembridge/internal/config"
	"github.com/yanmxa/gembridge/internal/log"
	"github.com/yanmxa/gembridge/internal/session"
	"github.com/yanmxa/gembridge/internal/transport"
)

var version = "0.1.0"

func init() {
	// Load .env if present (silent fail if not found)
	_ = godotenv.Load()

	// Initialize logging (enabled via GEMBRIDGE_DEBUG=1)
	_ = log.Init()
}

func main() {
	defer log.Sync()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gembridge",
	Short: "Bridge between the Gemini CLI agent and chat clients",
	Long: `gembridge drives the Gemini CLI agent process and serves its event
stream to chat clients: locally over an in-process bus, or to browsers over
one persistent WebSocket.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check whether the agent CLI is installed",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if agent.CheckCLIInstalled(cfg.CLI) {
			fmt.Printf("%s: installed\n", cfg.CLI.Command)
			return
		}
		fmt.Printf("%s: not found on PATH\n", cfg.CLI.Command)
		os.Exit(1)
	},
}

var titleCmd = &cobra.Command{
	Use:   "title <message>",
	Short: "Generate a conversation title for a message",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		fmt.Println(agent.GenerateTitle(cmd.Context(), cfg.CLI, strings.Join(args, " "), ""))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gembridge version %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(titleCmd)
	rootCmd.AddCommand(versionCmd)
}

// runServe wires the full stack and serves the bridge until interrupted.
func runServe() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	settings := config.LoadSettings()

	bus := transport.NewLocalBus()
	manager := agent.NewManager(cfg.CLI, bus)
	coord := session.New(cfg, settings, bus, session.ManagerProcesses{Manager: manager}, transport.TimeScheduler{})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := bridge.NewServer(coord, bus)
	err = srv.ListenAndServe(ctx, cfg.Bridge.Listen, cfg.Bridge.Path)

	coord.Close()
	manager.Shutdown()
	return err
}
