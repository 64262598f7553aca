package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bluesky-social/automoderator/automod/condition"
	"github.com/bluesky-social/automoderator/automod/engine"
	"github.com/bluesky-social/automoderator/automod/reddit"
	"github.com/bluesky-social/automoderator/automod/store"
	"github.com/bluesky-social/automoderator/pkg/metrics"
	"github.com/bluesky-social/automoderator/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
	"gorm.io/gorm"
	"gorm.io/plugin/opentelemetry/tracing"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "automoderator",
		Usage:   "rule-driven moderation bot for community content",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "database for sources, rule text, and the audit log (sqlite or postgres)",
			Value:   "sqlite://data/automoderator/automod.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
			Value:   20,
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			Value:   "info",
			EnvVars: []string{"AUTOMOD_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "log output format (json or text)",
			Value:   "json",
			EnvVars: []string{"AUTOMOD_LOG_FORMAT"},
		},
	}

	app.Before = func(cctx *cli.Context) error {
		_, err := cliutil.ConfigLogger(os.Stdout, cctx.String("log-level"), cctx.String("log-format"))
		return err
	}

	app.Commands = []*cli.Command{
		runCmd,
		validateRulesCmd,
		addStandardCmd,
		rewindCmd,
	}

	return app.Run(args)
}

func openStore(cctx *cli.Context, instrument bool) (*store.GormStore, *gorm.DB, error) {
	db, err := cliutil.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"), slog.Default())
	if err != nil {
		return nil, nil, err
	}
	if instrument {
		if err := db.Use(tracing.NewPlugin()); err != nil {
			return nil, nil, err
		}
	}
	st := store.NewGormStore(db)
	if err := st.Migrate(); err != nil {
		return nil, nil, fmt.Errorf("migrating database: %w", err)
	}
	return st, db, nil
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the moderation daemon",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL, for shared caches and counters; in-process if not set",
			EnvVars: []string{"AUTOMOD_REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3989",
			EnvVars: []string{"AUTOMOD_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:     "username",
			Usage:    "account the bot acts as",
			Required: true,
			EnvVars:  []string{"AUTOMOD_USERNAME"},
		},
		&cli.StringFlag{
			Name:     "password",
			Required: true,
			EnvVars:  []string{"AUTOMOD_PASSWORD"},
		},
		&cli.StringFlag{
			Name:     "client-id",
			Usage:    "OAuth2 client ID of the script application",
			Required: true,
			EnvVars:  []string{"AUTOMOD_CLIENT_ID"},
		},
		&cli.StringFlag{
			Name:     "client-secret",
			Required: true,
			EnvVars:  []string{"AUTOMOD_CLIENT_SECRET"},
		},
		&cli.StringFlag{
			Name:    "user-agent",
			Usage:   "User-Agent header sent to the platform API",
			EnvVars: []string{"AUTOMOD_USER_AGENT"},
		},
		&cli.Float64Flag{
			Name:    "request-rate",
			Usage:   "max API requests per second",
			Value:   1,
			EnvVars: []string{"AUTOMOD_REQUEST_RATE"},
		},
		&cli.StringFlag{
			Name:    "intro",
			Usage:   "text prefixed to every reply and message",
			EnvVars: []string{"AUTOMOD_INTRO"},
		},
		&cli.StringFlag{
			Name:    "disclaimer",
			Usage:   "text appended to every reply and message",
			Value:   "*I am a bot, and this action was performed automatically. Please contact the moderators of this subreddit if you have any questions or concerns.*",
			EnvVars: []string{"AUTOMOD_DISCLAIMER"},
		},
		&cli.StringFlag{
			Name:    "rule-page",
			Usage:   "name of the wiki page holding each source's conditions",
			Value:   "automoderator",
			EnvVars: []string{"AUTOMOD_RULE_PAGE"},
		},
		&cli.IntFlag{
			Name:    "workers",
			Usage:   "number of source batches processed concurrently",
			Value:   1,
			EnvVars: []string{"AUTOMOD_WORKERS"},
		},
		&cli.IntFlag{
			Name:    "listing-limit",
			Usage:   "max items fetched per listing (0 for no limit)",
			EnvVars: []string{"AUTOMOD_LISTING_LIMIT"},
		},
		&cli.IntFlag{
			Name:    "report-every",
			Usage:   "check the report queue every N cycles",
			Value:   10,
			EnvVars: []string{"AUTOMOD_REPORT_EVERY"},
		},
		&cli.DurationFlag{
			Name:    "report-backlog",
			Usage:   "how far back the report queue is checked",
			Value:   24 * time.Hour,
			EnvVars: []string{"AUTOMOD_REPORT_BACKLOG"},
		},
		&cli.IntFlag{
			Name:    "quota-removals-day",
			Usage:   "max removals per day across all sources (0 for no limit)",
			EnvVars: []string{"AUTOMOD_QUOTA_REMOVALS_DAY"},
		},
		&cli.BoolFlag{
			Name:    "disable-shadowban-probe",
			Usage:   "never probe authors for shadow-ban status",
			EnvVars: []string{"AUTOMOD_DISABLE_SHADOWBAN_PROBE"},
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		logger := slog.Default()

		shutdownTracing, err := configOTEL(ctx, "automoderator")
		if err != nil {
			return err
		}
		defer shutdownTracing()

		st, db, err := openStore(cctx, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "")
		if err != nil {
			return err
		}

		ua := cctx.String("user-agent")
		if ua == "" {
			ua = fmt.Sprintf("automoderator/%s (by /u/%s)", versioninfo.Short(), cctx.String("username"))
		}
		client := reddit.NewClient(reddit.Config{
			Username:     cctx.String("username"),
			Password:     cctx.String("password"),
			ClientID:     cctx.String("client-id"),
			ClientSecret: cctx.String("client-secret"),
			UserAgent:    ua,
			RequestRate:  cctx.Float64("request-rate"),
		}, logger.With("subsystem", "reddit"))

		ecfg := engine.DefaultConfig()
		ecfg.Intro = cctx.String("intro")
		ecfg.Disclaimer = cctx.String("disclaimer")
		ecfg.RulePage = cctx.String("rule-page")
		ecfg.Workers = cctx.Int("workers")
		ecfg.ListingLimit = cctx.Int("listing-limit")
		ecfg.ReportEvery = cctx.Int("report-every")
		ecfg.ReportBacklog = cctx.Duration("report-backlog")
		ecfg.QuotaRemovalsDay = cctx.Int("quota-removals-day")
		ecfg.DisableShadowbanProbe = cctx.Bool("disable-shadowban-probe")

		srv, err := NewServer(st, db, client, Config{
			RedisURL: cctx.String("redis-url"),
			Engine:   ecfg,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		defer srv.Close()

		go func() {
			if err := metrics.RunServer(ctx, cctx.String("metrics-listen"), versioninfo.Short(), srv.Health); err != nil {
				slog.Error("failed to start metrics endpoint", "err", err)
				stop()
			}
		}()

		buildInfo.WithLabelValues(versioninfo.Short()).Set(1)
		logger.Info("starting automoderator", "username", client.Username(), "version", versioninfo.Short())
		if err := srv.Engine.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("failed to run automod service: %w", err)
		}
		logger.Info("shutting down")
		return nil
	},
}

var validateRulesCmd = &cli.Command{
	Name:      "validate-rules",
	Usage:     "check a rule page file, as a wiki update would",
	ArgsUsage: "<file>",
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()
		if cctx.Args().Len() != 1 {
			return fmt.Errorf("expected a single file path argument")
		}
		text, err := os.ReadFile(cctx.Args().First())
		if err != nil {
			return err
		}
		st, _, err := openStore(cctx, false)
		if err != nil {
			return err
		}
		n, err := validateRuleText(ctx, string(text), condition.NewFragmentCache(st))
		if err != nil {
			return err
		}
		fmt.Printf("ok: %d conditions\n", n)
		return nil
	},
}

var addStandardCmd = &cli.Command{
	Name:      "add-standard",
	Usage:     "store (or replace) a standard condition which rules can reference by name",
	ArgsUsage: "<name> <file>",
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()
		if cctx.Args().Len() != 2 {
			return fmt.Errorf("expected a name and a file path")
		}
		name := cctx.Args().Get(0)
		text, err := os.ReadFile(cctx.Args().Get(1))
		if err != nil {
			return err
		}
		if _, err := condition.ParseRecord(string(text)); err != nil {
			return fmt.Errorf("standard condition %q: %w", name, err)
		}
		st, _, err := openStore(cctx, false)
		if err != nil {
			return err
		}
		if err := st.SaveFragment(ctx, name, string(text)); err != nil {
			return err
		}
		slog.Info("saved standard condition", "name", name)
		return nil
	},
}

var rewindCmd = &cli.Command{
	Name:      "rewind",
	Usage:     "move every queue watermark of a source back, so the daemon re-checks recent items on its next initialization",
	ArgsUsage: "<source>",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "since",
			Usage: "how far back from now the watermarks are set",
			Value: store.NewSourceBacklog,
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()
		if cctx.Args().Len() != 1 {
			return fmt.Errorf("expected a single source name")
		}
		st, _, err := openStore(cctx, false)
		if err != nil {
			return err
		}
		name := cctx.Args().First()
		to := time.Now().Add(-cctx.Duration("since"))
		if err := rewindSource(ctx, st, name, to); err != nil {
			return err
		}
		slog.Info("rewound source watermarks", "source", name, "to", to)
		return nil
	},
}

// Items already acted on are still skipped after a rewind, via the audit log
func rewindSource(ctx context.Context, st store.Store, name string, to time.Time) error {
	src, err := st.GetSource(ctx, name)
	if err != nil {
		return err
	}
	if src == nil {
		return fmt.Errorf("unknown source: %q", name)
	}
	return st.ResetWatermarks(ctx, src.Name, to)
}

// Parses and validates every section of a rule page, returning the number of conditions it defines
func validateRuleText(ctx context.Context, text string, fragments condition.FragmentLookup) (int, error) {
	sections, err := condition.ParseSections(text)
	if err != nil {
		return 0, err
	}
	if err := condition.ValidateSections(ctx, sections, fragments); err != nil {
		return 0, err
	}
	n := 0
	for _, sec := range sections {
		if sec.IsRecord {
			n++
		}
	}
	return n, nil
}
