package gcalnotify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"
	"github.com/mashiike/gcreds4aws"
	"github.com/mashiike/slogutils"
)

// CLI is the command-line interface for gcalnotify.
//
// Use the Run method to execute the CLI:
//
//	var cli gcalnotify.CLI
//	ctx := context.Background()
//	exitCode := cli.Run(ctx)
//
// Available commands:
//   - serve: Start the webhook server (default)
//   - list: List stored sync cursors
//   - sync: Run a change cycle as if a notification arrived
//   - watch: Open push notification channels
//   - unwatch: Stop a push notification channel
//   - validate: Validate the calendars config
type CLI struct {
	LogLevel     string             `help:"log level" default:"info" env:"GCALNOTIFY_LOG_LEVEL"`
	LogFormat    string             `help:"log format" default:"text" enum:"text,json" env:"GCALNOTIFY_LOG_FORMAT"`
	LogColor     bool               `help:"enable color output" default:"true" env:"GCALNOTIFY_LOG_COLOR" negatable:""`
	Version      kong.VersionFlag   `help:"show version"`
	Storage      StorageOption      `embed:"" prefix:"storage-"`
	Notification NotificationOption `embed:"" prefix:"notification-"`
	AppOption    `embed:""`

	Serve    ServeOption    `cmd:"" help:"serve webhook server" default:"true"`
	List     ListOption     `cmd:"" help:"list stored sync cursors"`
	Sync     SyncOption     `cmd:"" help:"run a change cycle for the configured calendars; calendars without a cursor are initialized"`
	Watch    WatchOption    `cmd:"" help:"open push notification channels to the webhook address"`
	Unwatch  UnwatchOption  `cmd:"" help:"stop a push notification channel"`
	Validate ValidateOption `cmd:"" help:"validate calendars config"`
}

// ServeOption contains options for the serve command.
type ServeOption struct {
	Port int `help:"webhook httpd port" default:"25254" env:"GCALNOTIFY_PORT"`
}

// ListOption contains options for the list command.
type ListOption struct {
	Output io.Writer `kong:"-"`
}

// SyncOption contains options for the sync command.
type SyncOption struct {
	Calendar string `help:"calendar key to sync (default: all)"`
}

// WatchOption contains options for the watch command.
type WatchOption struct {
	Calendar string    `help:"calendar key to watch (default: all)"`
	Output   io.Writer `kong:"-"`
}

// UnwatchOption contains options for the unwatch command.
type UnwatchOption struct {
	ChannelID  string `help:"channel id printed by watch" required:""`
	ResourceID string `help:"resource id printed by watch" required:""`
}

// ValidateOption contains options for the validate command.
type ValidateOption struct {
	Calendars string `arg:"" name:"config-file" optional:"" help:"path to calendars config (overrides --calendars)"`
}

// Run parses command-line arguments and executes the appropriate command.
// Returns 0 on success, 1 on error.
func (c *CLI) Run(ctx context.Context) int {
	k := kong.Parse(c,
		kong.Name("gcalnotify"),
		kong.Description("gcalnotify relays Google Calendar event changes to chat."),
		kong.UsageOnError(),
		kong.Vars{"version": Version},
	)
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(c.LogLevel)); err != nil {
		k.Fatalf("invalid log level: %s", c.LogLevel)
	}
	logger := newLogger(logLevel, c.LogFormat, c.LogColor)
	slog.SetDefault(logger)
	if err := c.run(ctx, k); err != nil {
		slog.Error("runtime error", "details", err)
		return 1
	}
	return 0
}

func (c *CLI) run(ctx context.Context, k *kong.Context) error {
	cmd := k.Command()
	if cmd == "version" {
		fmt.Printf("gcalnotify version %s\n", Version)
		return nil
	}
	if cmd == "validate" || cmd == "validate <config-file>" {
		return c.runValidate(ctx)
	}
	app, err := c.newApp(ctx)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			slog.WarnContext(ctx, "app cleanup error", "details", err)
		}
		if err := gcreds4aws.Close(); err != nil {
			slog.WarnContext(ctx, "gcreds cleanup error", "details", err)
		}
	}()
	switch cmd {
	case "serve", "":
		return app.Serve(ctx, c.Serve)
	case "list":
		return app.List(ctx, c.List)
	case "sync":
		return app.Sync(ctx, c.Sync)
	case "watch":
		return app.Watch(ctx, c.Watch)
	case "unwatch":
		return app.Unwatch(ctx, c.Unwatch)
	default:
		return fmt.Errorf("unknown command: %s", k.Command())
	}
}

func (c *CLI) runValidate(ctx context.Context) error {
	configPath := c.Validate.Calendars
	if configPath == "" {
		configPath = c.Calendars
	}
	if configPath == "" {
		return fmt.Errorf("no configuration file specified; use --calendars or provide a path as argument")
	}
	cfg, err := c.loadCalendars(ctx, configPath)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	for i, route := range cfg.Calendars {
		var filter string
		if route.Filter != nil {
			filter = route.Filter.Raw()
		}
		slog.InfoContext(ctx, "calendar validated",
			"index", i,
			"key", route.Key,
			"calendar_id", route.CalendarID,
			"resource_id", coalesce(route.ResourceID, "-"),
			"filter", coalesce(filter, "-"),
		)
	}
	fmt.Println("✓ Configuration is valid")
	return nil
}

func (c *CLI) loadCalendars(ctx context.Context, path string) (*CalendarsConfig, error) {
	env, err := NewCELEnv()
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	slog.InfoContext(ctx, "loading calendars config", "path", path)
	return LoadCalendarsConfig(ctx, path, env)
}

func (c *CLI) newApp(ctx context.Context) (*App, error) {
	routes, err := c.loadCalendars(ctx, c.Calendars)
	if err != nil {
		return nil, err
	}
	storage, err := NewStorage(ctx, c.Storage)
	if err != nil {
		return nil, fmt.Errorf("create Storage: %w", err)
	}
	notification, err := NewNotification(ctx, c.Notification)
	if err != nil {
		return nil, fmt.Errorf("create Notification: %w", err)
	}
	return New(c.AppOption, storage, notification, routes, gcreds4aws.WithCredentials(ctx))
}

func newLogger(level slog.Level, format string, c bool) *slog.Logger {
	var f func(io.Writer, *slog.HandlerOptions) slog.Handler
	switch format {
	case "json":
		f = func(w io.Writer, ho *slog.HandlerOptions) slog.Handler {
			return slog.NewJSONHandler(w, ho)
		}
	default:
		f = func(w io.Writer, ho *slog.HandlerOptions) slog.Handler {
			return slog.NewTextHandler(w, ho)
		}
	}
	var modifierFuncs map[slog.Level]slogutils.ModifierFunc
	if c {
		modifierFuncs = map[slog.Level]slogutils.ModifierFunc{
			slog.LevelDebug: slogutils.Color(color.FgBlack),
			slog.LevelInfo:  nil,
			slog.LevelWarn:  slogutils.Color(color.FgYellow),
			slog.LevelError: slogutils.Color(color.FgRed, color.Bold),
		}
	}
	var addSource bool
	if level == slog.LevelDebug {
		addSource = true
	}
	middleware := slogutils.NewMiddleware(
		f,
		slogutils.MiddlewareOptions{
			Writer:        os.Stderr,
			ModifierFuncs: modifierFuncs,
			HandlerOptions: &slog.HandlerOptions{
				Level:     level,
				AddSource: addSource,
			},
			RecordTransformerFuncs: []slogutils.RecordTransformerFunc{
				slogutils.ConvertLegacyLevel(
					map[string]slog.Level{
						"debug": slog.LevelDebug,
						"info":  slog.LevelInfo,
						"warn":  slog.LevelWarn,
						"error": slog.LevelError,
					},
					true,
				),
			},
		},
	)
	logger := slog.New(middleware)
	return logger
}
