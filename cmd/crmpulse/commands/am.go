package commands

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/crmpulse/am"
	"github.com/teranos/crmpulse/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Manage crmpulse configuration",
	Long: sym.AM + ` am - Manage crmpulse configuration ("I am")

Configuration sources (later overrides earlier):
1. Default values
2. System config (/etc/crmpulse/am.toml)
3. User config (~/.crmpulse/am.toml)
4. Project config (./am.toml, searched up the directory tree)
5. Environment variables (CRMPULSE_* prefix)

A running daemon watches the project am.toml and applies
scheduler.max_jobs_per_owner without a restart.

Examples:
  crmpulse am show                    # Show current configuration
  crmpulse am show --format json      # Show configuration in JSON format
  crmpulse am init                    # Write ./am.toml with the defaults
  crmpulse am set-max-per-owner 3     # Let each owner run 3 jobs at once`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write ./am.toml with the default configuration",
	RunE:  runAmInit,
}

var amSetMaxPerOwnerCmd = &cobra.Command{
	Use:   "set-max-per-owner <n>",
	Short: "Change scheduler.max_jobs_per_owner in the project am.toml",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmSetMaxPerOwner,
}

var (
	configFormat string
	initForce    bool
)

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")
	amInitCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing am.toml (kept as a backup)")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amInitCmd)
	AmCmd.AddCommand(amSetMaxPerOwnerCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	// Never print credentials
	cfg.Queue.AMQPURL = redact(cfg.Queue.AMQPURL)
	cfg.Mail.SMTPPassword = redact(cfg.Mail.SMTPPassword)

	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
		fmt.Println(string(data))

	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
		fmt.Printf("# crmpulse configuration\n%s", string(data))

	case "toml":
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config to TOML: %w", err)
		}
		fmt.Printf("# crmpulse configuration\n%s", string(data))

	default:
		return fmt.Errorf("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}
	return nil
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	fmt.Printf("%s Configuration is valid\n", sym.AM)
	return nil
}

func runAmInit(cmd *cobra.Command, args []string) error {
	if err := am.InitConfigFile("am.toml", am.Defaults(), initForce); err != nil {
		return err
	}
	fmt.Printf("%s Wrote am.toml\n", sym.AM)
	return nil
}

func runAmSetMaxPerOwner(cmd *cobra.Command, args []string) error {
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid number %q", args[0])
	}

	path := am.FindProjectConfig()
	if path == "" {
		return fmt.Errorf("no am.toml found, run 'crmpulse am init' first")
	}
	if err := am.UpdateMaxJobsPerOwner(path, n); err != nil {
		return err
	}
	fmt.Printf("%s scheduler.max_jobs_per_owner = %d in %s\n", sym.AM, n, path)
	fmt.Printf("  A running daemon picks the change up within a second\n")
	return nil
}
