// cmd/cpghunter/main.go
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/julianshen/cpghunter/internal/config"
	"github.com/julianshen/cpghunter/internal/security/output"

	// Register providers via init() side effects.
	_ "github.com/julianshen/cpghunter/internal/provider/anthropic"
	_ "github.com/julianshen/cpghunter/internal/provider/gemini"
	_ "github.com/julianshen/cpghunter/internal/provider/ollama"
	_ "github.com/julianshen/cpghunter/internal/provider/openai"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"

	configPath   string
	logLevelFlag string
)

// Process exit codes.
const (
	exitOK          = 0
	exitFatal       = 1
	exitPartial     = 2
	exitHasFindings = 3
)

// exitError carries a non-zero exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func versionString() string {
	return fmt.Sprintf("cpghunter %s (commit: %s, built: %s)", version, commit, date)
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cpghunter",
		Short: "Find tainted data flows in a code property graph",
		Long: `cpghunter runs security analysis passes over a Code Property Graph and
reports source-to-sink flows such as OS command injection or format string
bugs, each with a confidence score.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "override logging.level")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), versionString())
		},
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(passesCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(historyCmd())
	return rootCmd
}

func main() {
	output.ToolVersion = version
	os.Exit(execute(newRootCmd()))
}

// execute runs the command tree and maps its error onto an exit code.
func execute(cmd *cobra.Command) int {
	err := cmd.Execute()
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return exitFatal
}

// loadConfig reads --config, or the first cpghunter.* file in the working
// directory, and applies the global flag overrides.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working directory: %w", err)
		}
		path = config.Discover(cwd)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if logLevelFlag != "" {
		cfg.Logging.Level = strings.ToUpper(logLevelFlag)
	}
	return cfg, nil
}

// parseListFlag splits a comma-separated flag value, dropping blanks.
// Returns nil if the input is empty.
func parseListFlag(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
