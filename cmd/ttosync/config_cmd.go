package main

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"text/tabwriter"

	"github.com/BurntSushi/toml"
	"github.com/jordan-lee502/polygon-editor-back/internal/config"
	"github.com/spf13/cobra"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Get and set ttosync configuration",
		Long:  "Inspect or modify ttosync configuration values. Similar to git config.",
	}

	cmd.AddCommand(configGetCmd())
	cmd.AddCommand(configSetCmd())
	cmd.AddCommand(configListCmd())

	return cmd
}

func configGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]

			if !config.IsValidKey(key) {
				return fmt.Errorf("unknown config key: %q", key)
			}

			cfg, err := config.LoadGlobal()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetConfigValue(cfg, key)
			if err != nil {
				return err
			}

			// A zero value only counts as set when the key is written in
			// the file, so explicit false/0 still prints.
			if val == "" || val == "0" || val == "false" {
				raw, _ := config.LoadRawGlobal()
				if !config.IsKeyInTOMLFile(raw, key) {
					return fmt.Errorf("key %q is not set", key)
				}
			}

			fmt.Fprintln(cmd.OutOrStdout(), val)
			return nil
		},
	}
}

func configSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setConfigKey(config.GlobalConfigPath(), args[0], args[1])
		},
	}
}

func configListCmd() *cobra.Command {
	var showOrigin bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configuration values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadGlobal()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			raw, _ := config.LoadRawGlobal()

			kvos := config.ConfigWithOrigin(cfg, raw)
			out := cmd.OutOrStdout()

			if showOrigin {
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				for _, kvo := range kvos {
					val := kvo.Value
					if config.IsSensitiveKey(kvo.Key) {
						val = config.MaskValue(val)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", kvo.Origin, kvo.Key, val)
				}
				return w.Flush()
			}

			for _, kvo := range kvos {
				val := kvo.Value
				if config.IsSensitiveKey(kvo.Key) {
					val = config.MaskValue(val)
				}
				fmt.Fprintf(out, "%s=%s\n", kvo.Key, val)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showOrigin, "show-origin", false, "show whether each value is set or a default")

	return cmd
}

// setConfigKey sets a key in the config file using raw map manipulation
// to avoid writing default values for every field.
func setConfigKey(path, key, value string) error {
	raw := make(map[string]interface{})
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &raw); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}

	// Validate the key and convert the value to the correct type by
	// round-tripping it through the typed config struct.
	validationCfg := &config.Config{}
	if err := config.SetConfigValue(validationCfg, key, value); err != nil {
		return err
	}

	setRawMapKey(raw, key, coerceValue(validationCfg, key, value))

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	// Preserve original file permissions if the file exists
	var mode os.FileMode = 0644
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode()
	}

	// Write to temp file and rename for atomicity
	f, err := os.CreateTemp(filepath.Dir(path), ".ttosync-config-*.toml")
	if err != nil {
		return err
	}
	tmpPath := f.Name()
	defer os.Remove(tmpPath) // clean up on any failure; no-op after successful rename

	if err := toml.NewEncoder(f).Encode(raw); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpPath, mode); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}

// setRawMapKey sets a value in a nested map using dot-separated keys.
func setRawMapKey(m map[string]interface{}, key string, value interface{}) {
	parts := strings.Split(key, ".")

	if len(parts) == 1 {
		m[parts[0]] = value
		return
	}

	current := m
	for _, part := range parts[:len(parts)-1] {
		if sub, ok := current[part]; ok {
			if subMap, ok := sub.(map[string]interface{}); ok {
				current = subMap
			} else {
				// Overwrite non-map value with new map
				newMap := make(map[string]interface{})
				current[part] = newMap
				current = newMap
			}
		} else {
			newMap := make(map[string]interface{})
			current[part] = newMap
			current = newMap
		}
	}

	current[parts[len(parts)-1]] = value
}

// coerceValue uses the typed config struct to determine the correct TOML type
// for the given key's value.
func coerceValue(validationCfg *config.Config, key, rawVal string) interface{} {
	v := reflect.ValueOf(validationCfg).Elem()
	field, err := config.FindFieldByTOMLKey(v, key)
	if err != nil {
		// Unreachable: key was already validated by SetConfigValue above.
		// Fall back to raw string to avoid panicking on impossible paths.
		return rawVal
	}

	switch field.Kind() {
	case reflect.String:
		return rawVal
	case reflect.Bool:
		return field.Bool()
	case reflect.Int, reflect.Int64:
		return field.Int()
	case reflect.Float64:
		return field.Float()
	case reflect.Ptr:
		if field.IsNil() {
			return rawVal
		}
		elem := field.Elem()
		if elem.Kind() == reflect.Bool {
			return elem.Bool()
		}
		return rawVal
	default:
		return rawVal
	}
}
