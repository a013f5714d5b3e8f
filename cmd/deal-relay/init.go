// ABOUTME: init command that writes a relay config file interactively
// ABOUTME: Generates a random callback secret and creates the data directory

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/deal-relay/internal/config"
	"github.com/2389/deal-relay/internal/store"
)

func newInitCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a new config file interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd.InOrStdin(), cmd.OutOrStdout(), config.ResolvePath(opts.configPath))
		},
	}
}

// initAnswers collects everything the generated config needs
type initAnswers struct {
	HTTPAddr        string
	AllowedOrigins  []string
	Driver          string
	DBPath          string
	EngineURL       string
	CallbackBaseURL string
	Secret          string
	AgentsDir       string
	MaxAge          string
	LogLevel        string
	LogFormat       string
}

func runInit(in io.Reader, out io.Writer, defaultConfigPath string) error {
	reader := bufio.NewReader(in)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)

	cyan.Fprintln(out, "deal-relay configuration setup")
	cyan.Fprintln(out, "==============================")
	fmt.Fprintln(out)

	defaults := config.Default()

	outputFile := prompt(reader, out, "Config file path", defaultConfigPath)
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	var a initAnswers

	fmt.Fprintln(out, "\n--- Server ---")
	a.HTTPAddr = prompt(reader, out, "HTTP address", defaults.Server.HTTPAddr)
	origins := prompt(reader, out, "Allowed browser origins (comma separated)", strings.Join(defaults.Server.AllowedOrigins, ","))
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			a.AllowedOrigins = append(a.AllowedOrigins, o)
		}
	}

	fmt.Fprintln(out, "\n--- Storage ---")
	a.Driver = prompt(reader, out, "Store driver (sqlite/bolt/memory)", store.DriverSQLite)
	if a.Driver != store.DriverMemory {
		a.DBPath = prompt(reader, out, "Database path", dataPathFor(a.Driver))
	}

	fmt.Fprintln(out, "\n--- Workflow engine ---")
	a.EngineURL = prompt(reader, out, "Engine base URL", defaults.Engine.BaseURL)
	a.CallbackBaseURL = prompt(reader, out, "Relay URL as seen from the engine", defaults.Callback.BaseURL)

	secret, err := generateSecret()
	if err != nil {
		return err
	}
	a.Secret = prompt(reader, out, "Callback secret", secret)

	fmt.Fprintln(out, "\n--- Agents and retention ---")
	a.AgentsDir = prompt(reader, out, "Agent descriptor directory", defaults.Agents.Dir)
	a.MaxAge = prompt(reader, out, "Prune transactions idle for (0 keeps forever)", "0")

	fmt.Fprintln(out, "\n--- Logging ---")
	a.LogLevel = prompt(reader, out, "Log level (debug/info/warn/error)", defaults.Logging.Level)
	a.LogFormat = prompt(reader, out, "Log format (text/json)", defaults.Logging.Format)

	content := renderConfig(a)

	// Refuse to write something the server would reject
	if _, err := config.Parse([]byte(content)); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	green.Fprintf(out, "\n  ✓ Config written to %s\n", outputFile)

	if a.DBPath != "" {
		dataDir := filepath.Dir(a.DBPath)
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
		green.Fprintf(out, "  ✓ Data directory: %s\n", dataDir)
	}

	fmt.Fprintln(out, "\nTo start the relay:")
	fmt.Fprintf(out, "  deal-relay serve --config %s\n", outputFile)
	return nil
}

func renderConfig(a initAnswers) string {
	var b strings.Builder
	b.WriteString("# deal-relay configuration\n")
	b.WriteString("# Generated by deal-relay init\n\n")

	b.WriteString("server:\n")
	fmt.Fprintf(&b, "  http_addr: %q\n", a.HTTPAddr)
	b.WriteString("  allowed_origins:\n")
	for _, o := range a.AllowedOrigins {
		fmt.Fprintf(&b, "    - %q\n", o)
	}
	b.WriteString("\n")

	b.WriteString("database:\n")
	fmt.Fprintf(&b, "  driver: %q\n", a.Driver)
	if a.DBPath != "" {
		fmt.Fprintf(&b, "  path: %q\n", a.DBPath)
	}
	b.WriteString("\n")

	b.WriteString("engine:\n")
	fmt.Fprintf(&b, "  base_url: %q\n", a.EngineURL)
	b.WriteString("  orchestrator_path: \"/webhook/orchestrator\"\n")
	b.WriteString("  timeout: \"30s\"\n")
	b.WriteString("\n")

	b.WriteString("callback:\n")
	fmt.Fprintf(&b, "  base_url: %q\n", a.CallbackBaseURL)
	fmt.Fprintf(&b, "  secret: %q\n", a.Secret)
	b.WriteString("\n")

	b.WriteString("agents:\n")
	fmt.Fprintf(&b, "  dir: %q\n", a.AgentsDir)
	b.WriteString("\n")

	b.WriteString("retention:\n")
	fmt.Fprintf(&b, "  max_age: %q\n", a.MaxAge)
	b.WriteString("  sweep_interval: \"1h\"\n")
	b.WriteString("\n")

	b.WriteString("logging:\n")
	fmt.Fprintf(&b, "  level: %q\n", a.LogLevel)
	fmt.Fprintf(&b, "  format: %q\n", a.LogFormat)
	return b.String()
}

// dataPathFor returns the default store file under $XDG_DATA_HOME/deal-relay
func dataPathFor(driver string) string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			dataDir = "data"
		} else {
			dataDir = filepath.Join(home, ".local", "share")
		}
	}
	name := "relay.db"
	if driver == store.DriverBolt {
		name = "relay.bolt"
	}
	return filepath.Join(dataDir, "deal-relay", name)
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating callback secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func yes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "y" || s == "yes"
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if err != nil && input == "" {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}
	if input == "" {
		return defaultVal
	}
	return input
}
