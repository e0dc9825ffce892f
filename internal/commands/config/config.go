// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tombee/stagehand/internal/commands/shared"
	"github.com/tombee/stagehand/internal/config"
	"gopkg.in/yaml.v3"
)

// NewConfigCommand creates the config command with subcommands
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use: "config",
		Annotations: map[string]string{
			"group": "configuration",
		},
		Short: "View the effective configuration",
		Long: `View and check Stagehand configuration.

Configuration is layered: built-in defaults, then the config file
(--config, default ~/.config/stagehand/config.yaml), then STAGEHAND_*
environment variables.

Subcommands:
  show     - Display the effective configuration
  path     - Show the config file location
  validate - Check the configuration for errors`,
	}

	cmd.AddCommand(newConfigShowCommand())
	cmd.AddCommand(newConfigPathCommand())
	cmd.AddCommand(newConfigValidateCommand())

	// If no subcommand provided, default to 'show'
	cmd.RunE = runConfigShow

	return cmd
}

func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display the effective configuration",
		Long: `Display the configuration after defaults, the config file and
environment overrides are applied.

S3 credentials are masked. Use --json for machine-readable output.`,
		Args: cobra.NoArgs,
		RunE: runConfigShow,
	}
}

func newConfigPathCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show config file location",
		Long:  `Display the path of the configuration file and whether it exists.`,
		Args:  cobra.NoArgs,
		RunE:  runConfigPath,
	}
}

// configPath is the file Load reads: --config, else the default path.
func configPath() string {
	if p := shared.GetConfigPath(); p != "" {
		return p
	}
	return config.DefaultPath()
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	masked := maskSensitiveConfig(cfg)
	out := cmd.OutOrStdout()

	if shared.GetJSON() {
		settings, err := toMap(masked)
		if err != nil {
			return err
		}
		type showResponse struct {
			shared.JSONResponse
			Path   string         `json:"path"`
			Exists bool           `json:"exists"`
			Config map[string]any `json:"config"`
		}
		path := configPath()
		return shared.EmitJSON(out, showResponse{
			JSONResponse: shared.NewJSONResponse("config show", true),
			Path:         path,
			Exists:       fileExists(path),
			Config:       settings,
		})
	}

	path := configPath()
	if fileExists(path) {
		fmt.Fprintf(out, "Configuration: %s\n", path)
	} else {
		fmt.Fprintf(out, "Configuration: defaults (%s does not exist)\n", path)
	}
	fmt.Fprintln(out, strings.Repeat("=", 50))
	fmt.Fprintln(out)

	encoder := yaml.NewEncoder(out)
	encoder.SetIndent(2)
	if err := encoder.Encode(masked); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return encoder.Close()
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	path := configPath()
	if shared.GetJSON() {
		type pathResponse struct {
			shared.JSONResponse
			Path   string `json:"path"`
			Exists bool   `json:"exists"`
		}
		return shared.EmitJSON(cmd.OutOrStdout(), pathResponse{
			JSONResponse: shared.NewJSONResponse("config path", true),
			Path:         path,
			Exists:       fileExists(path),
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}

// maskSensitiveConfig returns a copy of cfg with credentials masked.
func maskSensitiveConfig(cfg *config.Config) *config.Config {
	masked := *cfg
	masked.Cache.S3.AccessKey = maskSecret(cfg.Cache.S3.AccessKey)
	masked.Cache.S3.SecretKey = maskSecret(cfg.Cache.S3.SecretKey)
	return &masked
}

// maskSecret shows the first and last four characters of long values.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// toMap converts cfg to a generic map keyed by the YAML field names.
func toMap(cfg *config.Config) (map[string]any, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return m, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
