package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/caspianwatch/caspianwatch/internal/config"
)

var configCmd = &cobra.Command{
	Use:     "config",
	Short:   "Inspect and edit configuration",
	GroupID: GroupSetup,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}
		red := s.Redacted()
		if jsonOutput {
			return outputJSON(cmd.OutOrStdout(), red)
		}
		if path := config.ConfigFileUsed(); path != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", path)
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(red); err != nil {
			return err
		}
		return enc.Close()
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		if !config.IsSet(key) {
			return fmt.Errorf("unknown config key %q", key)
		}
		v := config.GetString(key)
		if jsonOutput {
			return outputJSON(cmd.OutOrStdout(), map[string]string{key: v})
		}
		fmt.Fprintln(cmd.OutOrStdout(), v)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Write a value to the config file",
	Long: `Write a value to the config file in use, or ./caspianwatch.yaml when
none was found. A running server picks up lifecycle.restrict-review and
notification.routes without a restart.`,
	Example: `  cw config set lifecycle.restrict-review false
  cw config set notification.routes log,nats`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath()
		if err := config.SetYamlConfig(path, args[0], args[1]); err != nil {
			return err
		}
		config.Set(args[0], args[1])
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s in %s\n", args[0], args[1], path)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), configPath())
		return nil
	},
}

// configPath is the loaded config file, $CW_CONFIG, or the default name
// in the working directory.
func configPath() string {
	if p := config.ConfigFileUsed(); p != "" {
		return p
	}
	if p := os.Getenv("CW_CONFIG"); p != "" {
		return p
	}
	return config.ConfigName + ".yaml"
}

func init() {
	configCmd.AddCommand(configShowCmd, configGetCmd, configSetCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}
