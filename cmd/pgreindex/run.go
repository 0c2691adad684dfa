package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/hartmut-co-uk/pg-reindex-concurrently/internal/catalog"
	"github.com/hartmut-co-uk/pg-reindex-concurrently/internal/config"
	"github.com/hartmut-co-uk/pg-reindex-concurrently/internal/db"
	"github.com/hartmut-co-uk/pg-reindex-concurrently/internal/logx"
	"github.com/hartmut-co-uk/pg-reindex-concurrently/internal/notify"
	"github.com/hartmut-co-uk/pg-reindex-concurrently/internal/reindex"
)

// notifyTimeout bounds report delivery so a dead chat endpoint cannot hang
// the run after the database work is done.
const notifyTimeout = 30 * time.Second

// runFlags mirrors the original tool's CLI surface. Every option is also
// settable via environment variable and YAML config file; flags win.
type runFlags struct {
	configPath      string
	tables          string
	indexes         string
	ignoreIndexes   string
	skipPrimary     bool
	host            string
	port            int
	database        string
	user            string
	password        string
	minutes         int
	enforceTime     bool
	retries         int
	dryRun          bool
	pause           int
	printTimestamps bool
	logFile         string
	verbose         bool
	debug           bool
}

func addRunFlags(cmd *cobra.Command, f *runFlags) {
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().StringVarP(&f.tables, "tables", "t", "", "comma-separated list of tables to reindex concurrently")
	cmd.Flags().StringVarP(&f.indexes, "indexes", "i", "", "comma-separated list of indexes to reindex concurrently")
	cmd.Flags().StringVarP(&f.ignoreIndexes, "ignore-indexes", "I", "", "comma-separated list of indexes to skip while processing tables")
	cmd.Flags().BoolVar(&f.skipPrimary, "skip-primary", false, "exclude primary-key-backing indexes found via --tables")
	cmd.Flags().StringVarP(&f.host, "host", "H", "", "database hostname")
	cmd.Flags().IntVarP(&f.port, "port", "p", config.DefaultPort, "database port")
	cmd.Flags().StringVarP(&f.database, "database", "d", "", "database to connect to")
	cmd.Flags().StringVarP(&f.user, "user", "U", "", "database user")
	cmd.Flags().StringVarP(&f.password, "password", "w", "", "database password")
	cmd.Flags().IntVarP(&f.minutes, "minutes", "m", config.DefaultMinutes, "number of minutes to run before halting")
	cmd.Flags().BoolVar(&f.enforceTime, "enforce-time", false, "enforce time limit by cancelling running statements")
	cmd.Flags().IntVarP(&f.retries, "retries", "r", config.DefaultRetries, "retry attempts if the concurrent build leaves an invalid index")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "print SQL statements only")
	cmd.Flags().IntVar(&f.pause, "pause", config.DefaultPause, "seconds to pause between index operations")
	cmd.Flags().BoolVar(&f.printTimestamps, "print-timestamps", false, "include timestamps in log output")
	cmd.Flags().StringVarP(&f.logFile, "log", "l", "", "log file path")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "verbose log output")
	cmd.Flags().BoolVar(&f.debug, "debug", false, "debug log output (includes every SQL statement)")
}

func newRunCmd() *cobra.Command {
	f := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Rebuild the selected indexes once",
		Long:  "Resolves the table/index selection, then rebuilds each index concurrently and swaps it in, until done or the time limit passes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(cmd, f, os.Getenv)
			if err != nil {
				return err
			}
			if err := promptPassword(cmd, cfg); err != nil {
				return err
			}
			return runBatch(cmd, cfg)
		},
	}

	addRunFlags(cmd, f)
	return cmd
}

// buildConfig layers configuration sources: defaults, then YAML file, then
// environment, then explicitly set flags.
func buildConfig(cmd *cobra.Command, f *runFlags, getenv func(string) string) (*config.Config, error) {
	var cfg *config.Config
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, err
	}

	fl := cmd.Flags()
	if fl.Changed("tables") {
		cfg.Tables = config.SplitList(f.tables)
	}
	if fl.Changed("indexes") {
		cfg.Indexes = config.SplitList(f.indexes)
	}
	if fl.Changed("ignore-indexes") {
		cfg.IgnoreIndexes = config.SplitList(f.ignoreIndexes)
	}
	if fl.Changed("skip-primary") {
		cfg.SkipPrimary = f.skipPrimary
	}
	if fl.Changed("host") {
		cfg.Connection.Host = f.host
	}
	if fl.Changed("port") {
		cfg.Connection.Port = f.port
	}
	if fl.Changed("database") {
		cfg.Connection.Database = f.database
	}
	if fl.Changed("user") {
		cfg.Connection.User = f.user
	}
	if fl.Changed("password") {
		cfg.Connection.Password = f.password
	}
	if fl.Changed("minutes") {
		cfg.Minutes = f.minutes
	}
	if fl.Changed("enforce-time") {
		cfg.EnforceTime = f.enforceTime
	}
	if fl.Changed("retries") {
		cfg.Retries = f.retries
	}
	if fl.Changed("dry-run") {
		cfg.DryRun = f.dryRun
	}
	if fl.Changed("pause") {
		cfg.Pause = f.pause
	}
	if fl.Changed("print-timestamps") {
		cfg.PrintTimestamps = f.printTimestamps
	}
	if fl.Changed("log") {
		cfg.LogFile = f.logFile
	}
	if fl.Changed("verbose") {
		cfg.Verbose = f.verbose
	}
	if fl.Changed("debug") {
		cfg.Debug = f.debug
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// promptPassword asks for the database password on the terminal when a user
// is configured without one. Skipped off-TTY so scripted runs fail fast
// instead of hanging.
func promptPassword(cmd *cobra.Command, cfg *config.Config) error {
	if cfg.Connection.Password != "" || cfg.Connection.User == "" {
		return nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Password for user %s: ", cfg.Connection.User)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.OutOrStdout())
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	cfg.Connection.Password = string(pw)
	return nil
}

// runBatch performs one full reindex run: connect, resolve, process, report.
func runBatch(cmd *cobra.Command, cfg *config.Config) error {
	log, err := logx.New(logx.Options{
		Out:        cmd.OutOrStdout(),
		File:       cfg.LogFile,
		Verbose:    cfg.Verbose,
		Debug:      cfg.Debug,
		Timestamps: cfg.PrintTimestamps,
	})
	if err != nil {
		return err
	}
	defer log.Close()

	log.Infof("Reindex Concurrently run starting")
	log.Verbosef("Processing in database %s, %d tables, %d indexes, %d ignored",
		cfg.Connection.Database, len(cfg.Tables), len(cfg.Indexes), len(cfg.IgnoreIndexes))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	log.Verbosef("Connecting to database %s", cfg.Connection.Database)
	session, err := db.Connect(ctx, db.Options{
		Host:     cfg.Connection.Host,
		Port:     cfg.Connection.Port,
		Database: cfg.Connection.Database,
		User:     cfg.Connection.User,
		Password: cfg.Connection.Password,
	})
	if err != nil {
		return fmt.Errorf("connect to database %s: %w", cfg.Connection.Database, err)
	}
	defer session.Close(context.Background())

	insp := catalog.NewInspector(session)
	budget := reindex.NewBudget(time.Duration(cfg.Minutes)*time.Minute, cfg.EnforceTime)
	pause := time.Duration(cfg.Pause) * time.Second

	engine, err := reindex.NewEngine(reindex.EngineOpts{
		Session:   session,
		Inspector: insp,
		Budget:    budget,
		Log:       log,
		Retries:   cfg.Retries,
		Pause:     pause,
		DryRun:    cfg.DryRun,
	})
	if err != nil {
		return err
	}
	batch, err := reindex.NewBatch(reindex.BatchOpts{
		Engine: engine,
		Budget: budget,
		Log:    log,
		Pause:  pause,
	})
	if err != nil {
		return err
	}

	resolution, err := insp.Resolve(ctx, catalog.Selection{
		Tables:      cfg.Tables,
		Indexes:     cfg.Indexes,
		Ignore:      cfg.IgnoreIndexes,
		SkipPrimary: cfg.SkipPrimary,
	})
	if err != nil {
		return fmt.Errorf("resolve targets: %w", err)
	}

	rep, runErr := batch.Run(ctx, resolution)

	// The report is printed even on early halt.
	log.Infof("Reindex Concurrently run completed.")
	rep.Print(log.Writer())
	log.Infof("%s", rep.Summary())

	sendNotifications(cfg, log, rep)

	if runErr != nil {
		return runErr
	}
	return nil
}

// sendNotifications posts the report to each configured destination.
// Delivery failures are logged, not fatal: the database work is already
// done.
func sendNotifications(cfg *config.Config, log *logx.Logger, rep *reindex.Report) {
	var notifiers []notify.Notifier
	if cfg.Notify.SlackToken != "" && cfg.Notify.SlackChannel != "" {
		notifiers = append(notifiers, notify.NewSlack(cfg.Notify.SlackToken, cfg.Notify.SlackChannel))
	}
	if cfg.Notify.DiscordToken != "" && cfg.Notify.DiscordChannel != "" {
		d, err := notify.NewDiscord(cfg.Notify.DiscordToken, cfg.Notify.DiscordChannel)
		if err != nil {
			log.Errorf("notify: %v", err)
		} else {
			notifiers = append(notifiers, d)
		}
	}

	for _, n := range notifiers {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		if err := n.Post(ctx, rep); err != nil {
			log.Errorf("notify: %v", err)
		}
		cancel()
	}
}
