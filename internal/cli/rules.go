package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/govgate/internal/config"
	"github.com/ppiankov/govgate/internal/policydiff"
)

var diffFormat string

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesValidateCmd)
	rulesCmd.AddCommand(rulesDiffCmd)
	rulesDiffCmd.Flags().StringVarP(&diffFormat, "format", "f", "text", "Output format (text|json)")
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Show the active rule and council tables",
	Long:  "Prints the rule tables and council tables loaded from the governance file, with the\nversion hash stamped on every decision made under them.",
	Args:  cobra.NoArgs,
	RunE:  runRules,
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Validate a governance file",
	Long:  "Parses and validates a governance file without starting anything. Exits 78 if invalid.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRulesValidate,
}

var rulesDiffCmd = &cobra.Command{
	Use:   "diff <old.yaml> <new.yaml>",
	Short: "Compare two governance files and show rule changes",
	Long:  "Loads two governance files and shows what changed in human-readable terms:\nauthorized sources, filters added/removed/changed, gate topics and locks.",
	Args:  cobra.ExactArgs(2),
	RunE:  runRulesDiff,
}

func runRules(cmd *cobra.Command, args []string) error {
	cfg, version, err := loadConfig()
	if err != nil {
		return err
	}
	doc := struct {
		Version string `yaml:"version"`
		Rules   any    `yaml:"rules"`
		Council any    `yaml:"council"`
	}{version, cfg.Rules, cfg.Council}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("render rules: %w", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), string(out))
	return nil
}

func runRulesValidate(cmd *cobra.Command, args []string) error {
	path := governancePath()
	if len(args) == 1 {
		path = args[0]
	}
	_, version, err := config.LoadWithHash(path)
	if err != nil {
		return withExit(exitConfig, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "OK: %s (%s)\n", path, version)
	return nil
}

func runRulesDiff(cmd *cobra.Command, args []string) error {
	oldCfg, err := config.Load(args[0])
	if err != nil {
		return withExit(exitConfig, fmt.Errorf("load old governance file: %w", err))
	}
	newCfg, err := config.Load(args[1])
	if err != nil {
		return withExit(exitConfig, fmt.Errorf("load new governance file: %w", err))
	}

	result := policydiff.Diff(oldCfg.Rules, newCfg.Rules)
	result.OldPath = args[0]
	result.NewPath = args[1]

	switch diffFormat {
	case "json":
		out, err := policydiff.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
	default:
		fmt.Fprint(cmd.OutOrStdout(), policydiff.FormatText(result))
	}
	return nil
}
