// Package cmd implements the keeperctl commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/HatiCode/modelkeeper/pkg/artifacts"
	"github.com/HatiCode/modelkeeper/pkg/lock"
	"github.com/HatiCode/modelkeeper/pkg/promotion"
)

// EnvPrefix is the environment prefix of every keeperctl setting.
const EnvPrefix = "KEEPERCTL"

const (
	keyServer       = "server"
	keyTimeout      = "timeout"
	keyArtifactRoot = "artifact-root"
	keyLockFile     = "lock-file"
	keyOutput       = "output"
)

// ErrRemoteOnly is returned when a command needs the daemon but local mode
// was requested.
var ErrRemoteOnly = errors.New("command requires the keeper API, drop --artifact-root")

type options struct {
	v   *viper.Viper
	out io.Writer
}

// NewRootCommand builds the keeperctl command tree writing to out.
func NewRootCommand(out io.Writer) *cobra.Command {
	o := &options{v: viper.New(), out: out}
	var cfgFile string

	root := &cobra.Command{
		Use:               "keeperctl",
		Short:             "Operate the model lifecycle keeper",
		Args:              cobra.NoArgs,
		SilenceUsage:      true,
		DisableAutoGenTag: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.init(cmd, cfgFile)
		},
	}
	root.SetOut(out)
	root.SetErr(out)

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	flags.String(keyServer, "http://localhost:8090", "keeper API base URL")
	flags.Duration(keyTimeout, 2*time.Hour, "request timeout; cycles and promotions can be slow")
	flags.String(keyArtifactRoot, "", "operate on this artifact directory instead of the API")
	flags.String(keyLockFile, "", "lock file shared with a file-locked keeper (default <artifact-root>/.cycle.lock)")
	flags.StringP(keyOutput, "o", "text", "output format: text or json")

	root.AddCommand(
		newPromoteCommand(o),
		newRollbackCommand(o),
		newReportCommand(o),
		newBackupsCommand(o),
		newPruneCommand(o),
		newRunCommand(o),
		newCyclesCommand(o),
		newStatusCommand(o),
	)
	return root
}

func (o *options) init(cmd *cobra.Command, cfgFile string) error {
	if err := o.v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	o.v.SetEnvPrefix(EnvPrefix)
	o.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	o.v.AutomaticEnv()

	if cfgFile != "" {
		o.v.SetConfigFile(cfgFile)
		if err := o.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}

	switch o.output() {
	case "text", "json":
		return nil
	default:
		return fmt.Errorf("invalid output format %q (must be text or json)", o.output())
	}
}

func (o *options) output() string {
	return o.v.GetString(keyOutput)
}

func (o *options) local() bool {
	return o.v.GetString(keyArtifactRoot) != ""
}

func (o *options) client() *Client {
	return NewClient(o.v.GetString(keyServer), o.v.GetDuration(keyTimeout))
}

// manager opens the artifact directory for local commands.
func (o *options) manager() (*promotion.Manager, error) {
	store, err := artifacts.NewFSStore(o.v.GetString(keyArtifactRoot))
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}
	return promotion.NewManager(store, nil), nil
}

// lockPath mirrors the daemon's lock file default.
func (o *options) lockPath() string {
	if p := o.v.GetString(keyLockFile); p != "" {
		return p
	}
	return filepath.Join(o.v.GetString(keyArtifactRoot), ".cycle.lock")
}

// locked runs fn while holding the daemon's file lock on the artifact root.
func (o *options) locked(ctx context.Context, fn func() error) error {
	locker, err := lock.NewFileLocker(o.lockPath(), nil)
	if err != nil {
		return err
	}
	_, release, err := locker.TryLock(ctx)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return errors.New("a cycle is running on this artifact directory, try again later")
		}
		return err
	}
	defer release()
	return fn()
}
