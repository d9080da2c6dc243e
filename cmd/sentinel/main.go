package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sentinel-intel/sentinel/internal/log"
	"github.com/sentinel-intel/sentinel/internal/model"
	"github.com/sentinel-intel/sentinel/internal/report"
)

var (
	userConfigPath string // /default/config/path/sentinel on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "sentinel")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is sentinel.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse the config, setup logging
	rootCmd.PersistentPreRunE = initSentinel

	statsCmd.Flags().BoolVar(&flagJSON, "json", false, "print statistics as JSON")
	cleanupCmd.Flags().StringVar(&flagOlderThan, "older-than", "", "age of a running run considered stuck - default is storage.stale_after")
	exportCmd.Flags().StringVarP(&flagOutput, "output", "o", "", "write the BOM to a file instead of stdout")
	configInitCmd.Flags().BoolVar(&flagForce, "force", false, "overwrite an existing config file")

	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("sentinel failed", "error", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "sentinel",
	Short:        "Passive exposure collector backed by a threat-intelligence index",
	SilenceUsage: true,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "configuration helpers",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "writes the default configuration",
	Args:  cobra.MaximumNArgs(1),
	Annotations: map[string]string{
		skipConfig: "true",
	},
	RunE: doConfigInit,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a sentinel",
	Annotations: map[string]string{
		skipConfig: "true",
	},
	Run: func(cmd *cobra.Command, args []string) {
		w := cmd.OutOrStdout()
		info, ok := debug.ReadBuildInfo()
		if !ok {
			_, _ = fmt.Fprintln(w, "sentinel: version info not available")
			return
		}

		if configPath != "" {
			_, _ = fmt.Fprintf(w, "config:   %s\n", configPath)
		}
		_, _ = fmt.Fprintf(w, "sentinel: %s\n", report.Version())
		_, _ = fmt.Fprintf(w, "go:       %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				_, _ = fmt.Fprintf(w, "commit:   %s\n", s.Value)
			case "vcs.time":
				_, _ = fmt.Fprintf(w, "date:     %s\n", s.Value)
			case "vcs.modified":
				_, _ = fmt.Fprintf(w, "dirty:    %s\n", s.Value)
			}
		}
		_, _ = fmt.Fprintln(w)
	},
}

// skipConfig marks commands which run without a configuration file.
const skipConfig = "sentinel/skip-config"

func initSentinel(cmd *cobra.Command, _ []string) error {
	configPath = lookupConfig()

	if cmd.Annotations[skipConfig] == "" {
		if configPath == "" {
			return &model.ConfigError{
				Field:    "config",
				Problems: []string{"no sentinel.yaml found, create one with sentinel config init"},
			}
		}
		cfg, err := model.LoadConfig(configPath)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid configuration", d.Attr("detail"))
			}
			return model.AsConfigError(err)
		}
		config = *cfg
	} else {
		config = model.DefaultConfig()
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	// initialize logging
	slog.SetDefault(log.New(config.Service.Verbose, config.Service.LogFormat))

	slog.Debug("sentinel run", "configPath", configPath)
	return nil
}

func lookupConfig() string {
	if envConfig, ok := os.LookupEnv("SENTINELCONFIG"); ok {
		return envConfig
	}
	if flagConfigFilePath != "" {
		return flagConfigFilePath
	}
	for _, d := range []string{".", userConfigPath} {
		path := filepath.Join(d, "sentinel.yaml")
		if exists(path) {
			return path
		}
	}
	return ""
}

var flagForce bool

func doConfigInit(cmd *cobra.Command, args []string) error {
	path := filepath.Join(userConfigPath, "sentinel.yaml")
	if len(args) == 1 {
		path = args[0]
	} else if flagConfigFilePath != "" {
		path = flagConfigFilePath
	}
	if exists(path) && !flagForce {
		return fmt.Errorf("config file %s already exists, use --force to overwrite", path)
	}

	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	if err := writeDefaultConfig(f); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "configuration written to %s\n", path)
	return nil
}

func writeDefaultConfig(f *os.File) error {
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(model.DefaultConfig()); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
