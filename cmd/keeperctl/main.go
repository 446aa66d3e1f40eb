// Command keeperctl is the operator CLI of the keeper.
//
// It talks to the keeper's HTTP API by default. With --artifact-root the
// rollback, report, backups and prune commands operate on the artifact
// directory directly, taking the same file lock as the daemon.
//
// Usage:
//
//	keeperctl status
//	keeperctl promote --force
//	keeperctl rollback --snapshot 12
//	keeperctl --artifact-root /var/lib/models report
//
// Flags can also be set through KEEPERCTL_* environment variables (for example
// KEEPERCTL_SERVER) or a YAML config file passed with --config.
package main

import (
	"os"

	"github.com/HatiCode/modelkeeper/cmd/keeperctl/cmd"
)

func main() {
	if err := cmd.NewRootCommand(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}
