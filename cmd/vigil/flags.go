package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/arloliu/vigil"
)

// configFlags are the flags shared by commands that resolve a Config.
type configFlags struct {
	path      string
	backend   string
	badgerDir string
	natsURL   string
}

func (f *configFlags) bind(fs *pflag.FlagSet) {
	fs.StringVarP(&f.path, "config", "c", "", "YAML configuration file")
	fs.StringVar(&f.backend, "backend", "", "state backend: memory, badger or nats (env VIGIL_BACKEND)")
	fs.StringVar(&f.badgerDir, "badger-dir", "", "BadgerDB directory (env VIGIL_BADGER_DIR)")
	fs.StringVar(&f.natsURL, "nats-url", "", "NATS server URL (env VIGIL_NATS_URL)")
}

// resolve loads the configuration file, then applies environment variables,
// then flags that were set explicitly.
func (f *configFlags) resolve(cmd *cobra.Command) (vigil.Config, error) {
	cfg := vigil.DefaultConfig()
	if f.path != "" {
		loaded, err := vigil.LoadConfig(f.path)
		if err != nil {
			return vigil.Config{}, err
		}
		cfg = loaded
	}

	changed := map[string]bool{}
	cmd.Flags().Visit(func(fl *pflag.Flag) { changed[fl.Name] = true })

	override := func(flag, env string, flagValue string, dst *string) {
		if changed[flag] {
			*dst = flagValue
			return
		}
		if v, ok := os.LookupEnv(env); ok && v != "" {
			*dst = v
		}
	}
	override("backend", "VIGIL_BACKEND", f.backend, &cfg.Backend.Type)
	override("badger-dir", "VIGIL_BADGER_DIR", f.badgerDir, &cfg.Backend.Badger.Dir)
	override("nats-url", "VIGIL_NATS_URL", f.natsURL, &cfg.Backend.NATS.URL)

	return cfg, nil
}

func newConfigCommand() *cobra.Command {
	flags := &configFlags{}

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.resolve(cmd)
			if err != nil {
				return err
			}
			vigil.SetDefaults(&cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			out, err := yaml.Marshal(&cfg)
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)

			return err
		},
	}
	flags.bind(cmd.Flags())

	return cmd
}
