package cmd

import (
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/codecmux/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing codecmux configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

Redirect the output to a file to create a configuration template:

  codecmux config dump > ~/.codecmux.yaml

Configuration can be set via:
  - Config file (.codecmux.yaml in $HOME or the working directory, /etc/codecmux)
  - Environment variables (CODECMUX_WRITER_MAX_FILE_SIZE, CODECMUX_CODEC_STATE_TIMEOUT, etc.)
  - Command-line flags of the record command

Environment variables use the CODECMUX_ prefix and underscores for nesting.
Example: writer.max_duration -> CODECMUX_WRITER_MAX_DURATION`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a config struct to a map keyed by mapstructure tags, with
// durations and sizes in their human readable form.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = fieldType.Name
		}

		switch v := field.Interface().(type) {
		case time.Duration:
			result[key] = v.String()
		case config.ByteSize:
			result[key] = v.String()
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	v := viper.New()
	config.SetDefaults(v)
	cfg, err := config.FromViper(v)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	yamlData, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	out := cmd.OutOrStdout()
	writeDumpHeader(out)
	_, err = out.Write(yamlData)
	return err
}

func writeDumpHeader(w io.Writer) {
	fmt.Fprintln(w, "# codecmux Configuration File")
	fmt.Fprintln(w, "# ============================")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "# All values shown below are defaults.")
	fmt.Fprintln(w, "# Duration format: 500ms, 30s, 5m")
	fmt.Fprintln(w, "# Size format: 256KiB, 32MiB, 2GB")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "# Environment variable overrides:")
	fmt.Fprintln(w, "#   CODECMUX_LOGGING_LEVEL, CODECMUX_LOGGING_FORMAT")
	fmt.Fprintln(w, "#   CODECMUX_CODEC_STATE_TIMEOUT, CODECMUX_CODEC_COMPONENT")
	fmt.Fprintln(w, "#   CODECMUX_WRITER_MAX_FILE_SIZE, CODECMUX_WRITER_MAX_DURATION")
	fmt.Fprintln(w, "#   CODECMUX_METRICS_ENABLED, CODECMUX_METRICS_LISTEN")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "")
}
