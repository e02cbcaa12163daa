package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"kcl-lang.io/kcl-go"
	"kcl-lang.io/kcl-go/pkg/utils"

	"pgtunebench/internal/logging"
	"pgtunebench/internal/profile"
)

var rootCmd = &cobra.Command{
	Use:          "tunebench",
	Short:        "Run pgbench while stepping a PostgreSQL setting through a schedule",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Configure(viper.GetString("log_level"), viper.GetString("log_format"))
	},
}

var (
	workdir    = "." // root of `main.yaml` or `main.k` to load configurations from
	mainConfig = ""
)

func init() {
	viper.SetEnvPrefix("TUNEBENCH")
	viper.AutomaticEnv()

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&workdir, "workdir", "w", ".", "Root directory to load configuration files from")
	flags.StringVarP(&mainConfig, "main", "m", "", "Path to the main configuration file (defaults to main.yaml, main.k, or main.kcl)")
	flags.String("log-level", "info", "Log level")
	flags.String("log-format", "text", "Log format: text or json")
	flags.String("bin-dir", "", "Directory holding pgbench, psql and pg_ctl")
	flags.String("data-dir", "", "Server data directory used by pg_ctl")
	flags.String("result-dir", "", "Directory the result folder is created in")
	flags.Int("vcore", 0, "Number of server cores used to size the load")
	for key, flag := range map[string]string{
		"log_level":  "log-level",
		"log_format": "log-format",
		"bin_dir":    "bin-dir",
		"data_dir":   "data-dir",
		"result_dir": "result-dir",
		"vcore":      "vcore",
	} {
		_ = viper.BindPFlag(key, flags.Lookup(flag))
	}
}

func Execute() error {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(metricsCmd())
	return rootCmd.Execute()
}

// readExperiment loads experiments.<name> on top of the defaults and applies
// flag and environment overrides.
func readExperiment(args []string) (profile.Experiment, error) {
	name := "default"
	if len(args) > 0 {
		name = args[0]
	}

	exp := profile.DefaultExperiment()
	if err := readConfigFile("experiments."+name, &exp); err != nil {
		return exp, fmt.Errorf("read experiment %q: %w", name, err)
	}
	applyOverrides(&exp)
	if err := exp.Validate(); err != nil {
		return exp, fmt.Errorf("invalid experiment %q: %w", name, err)
	}
	return exp, nil
}

func applyOverrides(exp *profile.Experiment) {
	if viper.IsSet("bin_dir") {
		exp.Tools.BinDir = viper.GetString("bin_dir")
	}
	if viper.IsSet("data_dir") {
		exp.Tools.DataDir = viper.GetString("data_dir")
	}
	if viper.IsSet("result_dir") {
		exp.Telemetry.ResultDir = viper.GetString("result_dir")
	}
	if viper.IsSet("vcore") {
		exp.Server.VCores = viper.GetInt("vcore")
	}
	if viper.IsSet("host") {
		exp.Server.Host = viper.GetString("host")
	}
	if v := viper.GetString("password"); v != "" {
		exp.Server.Password = v
	}
}

func readConfigFile[T any](selector string, cfg *T) error {
	if mainConfig == "" {
		rootDir := workdir
		if rootDir == "" {
			rootDir = "."
		}

		for _, file := range []string{"main.yaml", "main.yml", "main.k", "main.kcl"} {
			fullPath := filepath.Join(rootDir, file)
			if _, err := os.Stat(fullPath); err == nil {
				mainConfig = fullPath
				break
			}
		}
	}

	if strings.HasSuffix(mainConfig, ".k") || strings.HasSuffix(mainConfig, ".kcl") {
		return readKCLConfig(selector, cfg)
	}
	return readYamlConfig(selector, cfg)
}

func readYamlConfig[T any](selector string, cfg *T) (err error) {
	var in *os.File
	if mainConfig == "" || mainConfig == "-" {
		in = os.Stdin
	} else {
		in, err = os.Open(mainConfig)
		if err != nil {
			return fmt.Errorf("open config file: %w", err)
		}
		defer in.Close()
	}
	return decodeYaml(in, selector, cfg)
}

func decodeYaml[T any](in io.Reader, selector string, cfg *T) error {
	var err error
	if selector != "" {
		var path *yaml.Path
		path, err = yaml.PathString("$." + selector)
		if err != nil {
			return fmt.Errorf("config selector %q: %w", selector, err)
		}
		err = path.Read(in, cfg)
	} else {
		err = yaml.NewDecoder(in).Decode(cfg)
	}
	if err != nil {
		return fmt.Errorf("decode yaml config file: %w", err)
	}
	return nil
}

type kclMod struct {
	Dependencies map[string]kclDependency `toml:"dependencies"`
}

type kclDependency struct {
	Path    string `toml:"path"`
	Version string `toml:"version"`
}

var errNoKCLMod = errors.New("no kcl.mod set")

func tryKclMod(workdir string) (mod kclMod, rootDir string, err error) {
	rootDir, err = utils.FindPkgRoot(workdir)
	if err != nil {
		return mod, rootDir, errNoKCLMod
	}

	modFile := filepath.Join(rootDir, "kcl.mod")
	_, err = toml.DecodeFile(modFile, &mod)
	if err != nil {
		return mod, rootDir, fmt.Errorf("decode kcl.mod file: %w", err)
	}

	return mod, rootDir, nil
}

func readKCLConfig[T any](selector string, cfg *T) (err error) {
	var files []string
	isStdin := mainConfig == "-"
	if !isStdin {
		files = append(files, mainConfig)
	}

	if workdir == "" {
		workdir, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("get current working directory: %w", err)
		}
	}

	opts := []kcl.Option{kcl.WithWorkDir(workdir), kcl.WithLogger(os.Stderr)}
	if isStdin {
		body, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		opts = append(opts, kcl.WithCode(string(body)))
	}
	if selector != "" {
		opts = append(opts, kcl.WithSelectors(selector))
	}

	mod, rootDir, err := tryKclMod(workdir)
	if err != nil && !errors.Is(err, errNoKCLMod) {
		return err
	}
	for name, dep := range mod.Dependencies {
		if dep.Path == "" {
			continue
		}
		depPath := filepath.Clean(filepath.Join(rootDir, dep.Path))
		if _, err := os.Stat(depPath); err != nil {
			return fmt.Errorf("dependency %s not found: %w", name, err)
		}
		opts = append(opts, kcl.WithExternalPkgAndPath(name, depPath))
	}

	var res *kcl.KCLResultList
	if len(files) > 0 {
		res, err = kcl.RunFiles(files, opts...)
	} else {
		res, err = kcl.Run("<stdin>", opts...)
	}
	if err != nil {
		return err
	}
	return decodeYaml(strings.NewReader(res.GetRawYamlResult()), "", cfg)
}
