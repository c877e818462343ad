package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"rebelio/config"
	"rebelio/history"
	"rebelio/session"
	"rebelio/storage"
)

type contextKey int

const contextKeyApp contextKey = iota

// app holds everything a command needs. The session is created on first use.
type app struct {
	cfg     *config.ClientConfig
	cfgPath string
	dataDir string
	log     zerolog.Logger
	store   *storage.Store
	sess    *session.Session
}

func getApp(ctx *cli.Context) *app {
	return ctx.Context.Value(contextKeyApp).(*app)
}

func prepareApp(ctx *cli.Context) error {
	cfg, cfgPath, dataDir, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.ZerologLevel()
	if ctx.Bool("verbose") {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).
		With().Timestamp().Str("device_id", cfg.DeviceID).Logger()

	store, err := storage.OpenPath(cfg.DatabaseFile)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	store.SetLogger(logger)
	if cfg.HistoryFromFile() || cfg.History.Watch {
		store.SetHistoryExport(cfg.History.File)
	}

	ctx.Context = context.WithValue(ctx.Context, contextKeyApp, &app{
		cfg:     cfg,
		cfgPath: cfgPath,
		dataDir: dataDir,
		log:     logger,
		store:   store,
	})
	return nil
}

func closeApp(ctx *cli.Context) error {
	a, ok := ctx.Context.Value(contextKeyApp).(*app)
	if !ok {
		return nil
	}
	if a.sess != nil {
		a.sess.Close()
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("Database close error")
	}
	return nil
}

func (a *app) session() (*session.Session, error) {
	if a.sess != nil {
		return a.sess, nil
	}

	options := session.Options{
		Engine:               a.store,
		Logger:               a.log,
		PollInterval:         a.cfg.PollInterval,
		NicknamePrefixLength: a.cfg.NicknamePrefixLength,
		NotificationBuffer:   a.cfg.NotificationBuffer,
		MonotonicStatus:      a.cfg.MonotonicStatus,
		HistoryFiles:         []string{a.cfg.History.File},
		IdentityFiles:        []string{a.cfg.IdentityFile},
	}
	if a.cfg.HistoryFromFile() {
		options.History = history.FileSource{Path: a.cfg.History.File}
	}

	sess, err := session.New(options)
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	a.sess = sess
	return sess, nil
}

// refreshedSession returns a session that has completed its status check and
// history rehydration.
func (a *app) refreshedSession(ctx context.Context) (*session.Session, error) {
	sess, err := a.session()
	if err != nil {
		return nil, err
	}
	if err := sess.Refresh(ctx); err != nil {
		return nil, err
	}
	return sess, nil
}

func requiresRegistration(ctx *cli.Context) (*session.Session, error) {
	sess, err := getApp(ctx).refreshedSession(ctx.Context)
	if err != nil {
		return nil, err
	}
	if !sess.State().Registered {
		return nil, fmt.Errorf("you are not registered; run 'rebelio register' first")
	}
	return sess, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cliApp := &cli.App{
		Name:    "rebelio",
		Usage:   "End-to-end encrypted messaging client",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
		},
		Before: prepareApp,
		After:  closeApp,
		Commands: []*cli.Command{
			registerCommand,
			statusCommand,
			runCommand,
			sendCommand,
			messagesCommand,
			contactsCommand,
			groupsCommand,
			devicesCommand,
			identityCommand,
			readCommand,
			trustCommand,
			clearHistoryCommand,
			logoutCommand,
			simulateCommand,
		},
	}
	if err := cliApp.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
