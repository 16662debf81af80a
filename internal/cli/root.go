package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jacksonlee411/dirsync/internal/config"
)

type RootOptions struct {
	ConfigPath string
	LogFormat  string
	LogLevel   string
	EnvFiles   []string

	Logger *slog.Logger
	Config *config.Config
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "dirsync",
		Short: "Mirror WeCom, DingTalk and Feishu directories into a local org tree",
		Long: `dirsync pulls departments and users from an enterprise IM platform and
reconciles them into the local organization tree, memberships and roles.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.init(cmd.ErrOrStderr(), needsConfig(cmd))
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default $DIRSYNC_CONFIG or config/dirsync.yaml)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format text|json (default $DIRSYNC_LOG_FORMAT or text)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level debug|info|warn|error (default $DIRSYNC_LOG_LEVEL or info)")
	cmd.PersistentFlags().StringSliceVar(&opts.EnvFiles, "env-file", []string{".env"}, "dotenv files loaded before the config")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewTestConnectionCommand(opts))

	return cmd
}

// annotationNoConfig marks commands that run without a config file.
const annotationNoConfig = "dirsync/no-config"

func needsConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if _, ok := c.Annotations[annotationNoConfig]; ok {
			return false
		}
	}
	return true
}

func (o *RootOptions) init(logOut io.Writer, loadConfig bool) error {
	if err := config.LoadDotEnv(o.EnvFiles...); err != nil {
		return WrapExitError(ExitCommandError, "load env files", err)
	}

	logger, err := newLogger(logOut, firstSet(o.LogFormat, os.Getenv("DIRSYNC_LOG_FORMAT")), firstSet(o.LogLevel, os.Getenv("DIRSYNC_LOG_LEVEL")))
	if err != nil {
		return WrapExitError(ExitCommandError, "logger", err)
	}
	o.Logger = logger
	if !loadConfig {
		return nil
	}

	var cfg *config.Config
	if o.ConfigPath != "" {
		cfg, err = config.LoadFile(o.ConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}
	o.Config = cfg
	return nil
}

func newLogger(w io.Writer, format string, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q", level)
		}
	}
	hopts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q: must be text or json", format)
	}
}

func firstSet(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
