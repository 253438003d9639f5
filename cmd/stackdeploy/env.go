package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cuemby/stackdeploy/pkg/cleanup"
	"github.com/cuemby/stackdeploy/pkg/deploy"
	"github.com/cuemby/stackdeploy/pkg/detect"
	"github.com/cuemby/stackdeploy/pkg/events"
	"github.com/cuemby/stackdeploy/pkg/executor"
	"github.com/cuemby/stackdeploy/pkg/health"
	"github.com/cuemby/stackdeploy/pkg/remote"
	"github.com/cuemby/stackdeploy/pkg/repo"
	"github.com/cuemby/stackdeploy/pkg/retry"
	"github.com/cuemby/stackdeploy/pkg/storage"
)

// env holds the components one command needs, wired from cfg
type env struct {
	ssh    *remote.SSHRunner
	runner remote.Runner
	files  remote.Files
	repo   *repo.Repo

	cleaner    *cleanup.Cleaner
	detector   *detect.Detector
	executor   *executor.Executor
	classifier *health.Classifier

	closers []func() error
}

func newEnv(ctx context.Context) (*env, error) {
	secrets, err := remote.ResolveSecrets(ctx, remote.EnvResolver{}, cfg.Secrets)
	if err != nil {
		return nil, err
	}
	rc, err := cfg.RemoteContext(secrets)
	if err != nil {
		return nil, err
	}

	exec := retry.NewExecutor(cfg.Retry.MaxAttempts, cfg.Retry.InitialDelay)
	exec.MaxDelay = cfg.Retry.MaxDelay

	e := &env{ssh: remote.NewSSHRunner(rc)}
	e.closers = append(e.closers, e.ssh.Close)
	e.runner = remote.NewRetryingRunner(e.ssh, exec)

	switch cfg.Remote.Files {
	case "shell":
		e.files = remote.NewShellFiles(e.runner)
	default:
		sf := remote.NewSFTPFiles(e.ssh, exec)
		e.closers = append([]func() error{sf.Close}, e.closers...)
		e.files = sf
	}

	var slots executor.Slots
	if cfg.Deploy.LogDir != "" {
		ds, err := executor.NewDirSlots(cfg.Deploy.LogDir)
		if err != nil {
			e.Close()
			return nil, err
		}
		slots = ds
	}

	stacksDir := cfg.Remote.StacksDir
	def := cfg.Deploy.DefinitionFile
	e.repo = repo.New(e.runner, stacksDir, cfg.Timeouts)
	e.cleaner = cleanup.NewCleaner(e.runner, e.files, cleanup.Config{
		StacksDir:      stacksDir,
		DefinitionFile: def,
		RemoveVolumes:  cfg.Deploy.RemoveVolumes,
		Timeouts:       cfg.Timeouts,
	})
	e.detector = detect.NewDetector(e.repo, e.files, e.cleaner, detect.Config{
		StacksDir:      stacksDir,
		DefinitionFile: def,
	})
	e.executor = executor.New(e.runner, e.files, slots, executor.Config{
		StacksDir:      stacksDir,
		DefinitionFile: def,
		Parallelism:    cfg.Deploy.Parallelism,
		Timeouts:       cfg.Timeouts,
	})
	e.classifier = health.NewClassifier(e.runner, health.Config{
		StacksDir:      stacksDir,
		DefinitionFile: def,
		Timeout:        cfg.Timeouts.Health,
	})
	return e, nil
}

// controller builds a deployment controller with history and live events
func (e *env) controller(broker *events.Broker) (*deploy.Controller, error) {
	opts := []deploy.Option{deploy.WithBroker(broker)}
	if cfg.History.Path != "" {
		store, err := storage.NewBoltStore(cfg.History.Path)
		if err != nil {
			return nil, err
		}
		e.closers = append([]func() error{store.Close}, e.closers...)
		opts = append(opts, deploy.WithStore(store))
	}
	return deploy.NewController(e.repo, e.detector, e.executor, e.classifier, deploy.Config{
		DefinitionFile: cfg.Deploy.DefinitionFile,
		Critical:       cfg.Deploy.Critical,
	}, opts...), nil
}

// Close releases connections and files in reverse order of opening
func (e *env) Close() {
	for _, c := range e.closers {
		_ = c()
	}
}

// readList reads names from a flag value. "@path" reads one name per line
// from a file and "-" from stdin; anything else is comma or space separated.
func readList(value string) ([]string, error) {
	var raw string
	switch {
	case value == "":
		return nil, nil
	case value == "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read list from stdin: %w", err)
		}
		raw = string(data)
	case strings.HasPrefix(value, "@"):
		data, err := os.ReadFile(value[1:])
		if err != nil {
			return nil, fmt.Errorf("failed to read list: %w", err)
		}
		raw = string(data)
	default:
		raw = value
	}
	return strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '\n' || r == ' ' || r == '\t' || r == '\r'
	}), nil
}
