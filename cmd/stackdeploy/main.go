package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/stackdeploy/pkg/config"
	"github.com/cuemby/stackdeploy/pkg/deploy"
	"github.com/cuemby/stackdeploy/pkg/log"
	"github.com/cuemby/stackdeploy/pkg/metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes beyond 1 let pipelines branch on the kind of failure
const (
	exitFailure    = 1
	exitRolledBack = 2
	exitUnsafe     = 3
)

var (
	cfgFile string
	cfg     *config.Config
	v       = viper.New()
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if cfg != nil && cfg.Metrics.Textfile != "" {
		if werr := metrics.WriteTextfile(cfg.Metrics.Textfile); werr != nil {
			log.Logger.Warn().Err(werr).Str("path", cfg.Metrics.Textfile).Msg("failed to write metrics")
		}
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, deploy.ErrUnsafeState):
		return exitUnsafe
	case errors.Is(err, deploy.ErrRolledBack):
		return exitRolledBack
	default:
		return exitFailure
	}
}

var rootCmd = &cobra.Command{
	Use:   "stackdeploy",
	Short: "Deploy Docker Compose stacks to a remote host with automatic rollback",
	Long: `stackdeploy deploys a fleet of Docker Compose stacks from a git
repository checked out on a remote host.

It works out which stacks were added, kept or removed between two revisions,
tears down removed stacks, deploys the rest in parallel, classifies their
health and rolls the whole fleet back to the previous revision when the new
one is unhealthy.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		loaded, err := config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"stackdeploy version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./stackdeploy.yaml)")
	flags.String("host", "", "remote host")
	flags.String("user", "", "remote SSH user")
	flags.String("key", "", "SSH private key path")
	flags.String("stacks-dir", "", "repository checkout holding one directory per stack")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "log as JSON")

	_ = v.BindPFlag("remote.host", flags.Lookup("host"))
	_ = v.BindPFlag("remote.user", flags.Lookup("user"))
	_ = v.BindPFlag("remote.key_path", flags.Lookup("key"))
	_ = v.BindPFlag("remote.stacks_dir", flags.Lookup("stacks-dir"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log.json", flags.Lookup("log-json"))

	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("stackdeploy version %s\n", Version)
		fmt.Printf("Commit: %s\n", Commit)
		fmt.Printf("Built: %s\n", BuildTime)
	},
}
