package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/caspianwatch/caspianwatch/internal/config"
	"github.com/caspianwatch/caspianwatch/internal/debug"
	"github.com/caspianwatch/caspianwatch/internal/logging"
)

// Command groups for help output.
const (
	GroupServices = "services"
	GroupData     = "data"
	GroupSetup    = "setup"
)

var (
	jsonOutput  bool
	logLevel    string
	logFormat   string
	verboseFlag bool
	quietFlag   bool

	// Signal-aware context for graceful cancellation
	rootCtx    context.Context
	rootCancel context.CancelFunc

	logger *log.Logger
)

func init() {
	if err := config.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize config: %v\n", err)
	}

	rootCmd.AddGroup(
		&cobra.Group{ID: GroupServices, Title: "Services:"},
		&cobra.Group{ID: GroupData, Title: "Reports & Users:"},
		&cobra.Group{ID: GroupSetup, Title: "Setup & Configuration:"},
	)

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides log.level)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text, logfmt, json (overrides log.format)")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output (errors only)")

	rootCmd.Flags().BoolP("version", "V", false, "Print version information")
}

var rootCmd = &cobra.Command{
	Use:           "cw",
	Short:         "cw - Caspian coast pollution reports",
	Long:          `Citizens report pollution on the Caspian coast, volunteers clean it up, and managers confirm the work.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Fprintf(cmd.OutOrStdout(), "cw version %s (%s)\n", Version, Build)
			return
		}
		_ = cmd.Help()
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupSignalContext()
		applyVerbosityFlags()
		applyViperOverrides(cmd)
		return setupLogger()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if rootCancel != nil {
			rootCancel()
		}
	},
}

func setupSignalContext() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func applyVerbosityFlags() {
	debug.SetVerbose(verboseFlag)
	debug.SetQuiet(quietFlag)
}

// applyViperOverrides pushes explicitly set flags into the config so they
// win over the file and the environment.
func applyViperOverrides(cmd *cobra.Command) {
	if cmd.Flags().Changed("log-level") {
		config.Set("log.level", logLevel)
	}
	if cmd.Flags().Changed("log-format") {
		config.Set("log.format", logFormat)
	}
	if verboseFlag {
		config.Set("log.level", "debug")
	}
}

func setupLogger() error {
	l, err := logging.New(os.Stderr, logging.Options{
		Level:  config.GetString("log.level"),
		Format: config.GetString("log.format"),
	})
	if err != nil {
		return err
	}
	logger = l
	log.SetDefault(l)
	return nil
}

// getRootContext returns the signal context, or Background before
// PersistentPreRun has run (tests calling helpers directly).
func getRootContext() context.Context {
	if rootCtx == nil {
		return context.Background()
	}
	return rootCtx
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if jsonOutput {
			outputJSONError(err)
		} else {
			printError(os.Stderr, err)
		}
		os.Exit(1)
	}
}
