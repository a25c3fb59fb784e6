// Command vigil runs a supervised set of simulated workers against the vigil
// supervisor, for trying out configurations and backends.
package main

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"
)

var exampleUsage = strings.TrimSpace(`
  vigil run --workers 4 --fault-after 5s
  vigil run --backend badger --badger-dir /tmp/vigil --metrics-addr :9090
  vigil run --backend nats --embedded-nats --log-level debug
  vigil config --config ./vigil.yaml
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}

	return "dev"
}

func main() {
	root := &cobra.Command{
		Use:           "vigil",
		Short:         "Supervise workers sharing a namespaced state store",
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCommand(), newConfigCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
