package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"eventbell/internal/api"
	"eventbell/internal/auth"
	"eventbell/internal/caldav"
	"eventbell/internal/config"
	"eventbell/internal/discord"
	"eventbell/internal/engine"
	"eventbell/internal/feed"
	"eventbell/internal/lifecycle"
	"eventbell/internal/models"
	"eventbell/internal/policy"
	"eventbell/internal/reminder"
	"eventbell/internal/store"
	"eventbell/internal/upload"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "eventbell",
		Usage: "Create Discord scheduled events and remind members before they start.",
		Commands: []*cli.Command{
			serveCommand(),
			tokenCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Issue an API token for a requester.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "subject", Required: true, Usage: "Requester identifier, e.g. a Discord user id."},
			&cli.StringSliceFlag{Name: "roles", Usage: "Role ids held by the requester."},
			&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour, Usage: "Token lifetime."},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			signer, err := auth.NewSigner(cfg.JWTSecret)
			if err != nil {
				return fmt.Errorf("cannot issue tokens: %w", err)
			}

			token, err := signer.Sign(c.String("subject"), c.StringSlice("roles"), c.Duration("ttl"))
			if err != nil {
				return fmt.Errorf("failed to sign token: %w", err)
			}
			fmt.Println(token)
			return nil
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the reminder scheduler and the HTTP command surface.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "once", Usage: "Run a single reminder check and exit."},
			&cli.BoolFlag{Name: "dry-run", Usage: "Log reminders and event creations without calling Discord."},
			&cli.StringFlag{Name: "listen", Usage: "HTTP listen address. Overrides LISTEN."},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.LogLevel)

			if err := cfg.ValidateServe(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			startPolicy, err := cfg.Policy()
			if err != nil {
				return err
			}

			dryRun := c.Bool("dry-run")
			if dryRun {
				logger.Info("Performing a dry run. No messages or events will be created.")
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			var observer store.Observer
			if cfg.CalDAVURL != "" {
				mirror, err := caldav.NewMirror(ctx, logger, cfg.CalDAVURL, cfg.CalDAVUsername, cfg.CalDAVPassword, cfg.CalDAVCalendar)
				if err != nil {
					return fmt.Errorf("failed to create calendar mirror: %w", err)
				}
				go mirror.Run(ctx)
				observer = mirror
			}
			st := store.New(observer)

			dc := discord.NewClient(ctx, logger, cfg.DiscordToken, cfg.GuildID, discord.WithBaseURL(cfg.APIBaseURL))

			var (
				sink    reminder.Sink       = dc
				creator engine.EventCreator = dc
				patcher upload.ImagePatcher = dc
			)
			if dryRun {
				sink = reminder.LogSink{Logger: logger}
				creator = dryRunCreator{logger: logger}
				patcher = nil
			}

			ph := policy.NewHolder(startPolicy)
			rec := lifecycle.NewReconciler(logger, st, ph)

			var opts []reminder.Option
			if cfg.RemoteSync && !dryRun {
				opts = append(opts, reminder.WithLister(dc))
			}
			sched := reminder.NewScheduler(logger, st, ph, rec, sink, cfg.NotificationChannelID, opts...)

			eng := engine.New(logger, engine.Deps{
				Store:      st,
				Scheduler:  sched,
				Reconciler: rec,
				Correlator: upload.NewCorrelator(logger, st, patcher),
				Creator:    creator,
				Authorizer: auth.NewAuthorizer(cfg.AllowedRoles),
				Location:   loc,
			})

			if c.Bool("once") {
				logger.Info("Running a single reminder check.")
				report := eng.Tick(ctx)
				logger.Info("Reminder check finished.", "evaluated", report.Evaluated, "sent", report.Sent, "failed", report.Failed)
				return nil
			}

			signer, err := auth.NewSigner(cfg.JWTSecret)
			if err != nil {
				return err
			}

			if err := sched.Start(ctx); err != nil {
				return fmt.Errorf("failed to start scheduler: %w", err)
			}
			defer sched.Stop()

			if cfg.RedisAddr != "" {
				rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
				defer rdb.Close()

				sub := feed.NewSubscriber(logger, rdb, cfg.RedisChannel, eng)
				go func() {
					if err := sub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						logger.Error("Change feed stopped", "error", err)
					}
				}()
			}

			if strings.ToLower(cfg.LogLevel) == "debug" {
				gin.SetMode(gin.DebugMode)
			} else {
				gin.SetMode(gin.ReleaseMode)
			}

			listen := cfg.Listen
			if c.IsSet("listen") {
				listen = c.String("listen")
			}
			srv := &http.Server{
				Addr:              listen,
				Handler:           api.NewRouter(logger, eng, signer, cfg.WebhookSecret),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("HTTP server listening.", "addr", listen, "roles", auth.NewAuthorizer(cfg.AllowedRoles).RoleNames())
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case <-ctx.Done():
				logger.Info("Shutting down.")
			case err := <-errCh:
				return fmt.Errorf("http server failed: %w", err)
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

// dryRunCreator stands in for the Discord client when nothing may be created.
type dryRunCreator struct {
	logger *slog.Logger
}

func (d dryRunCreator) CreateEvent(_ context.Context, spec models.EventSpec) (string, error) {
	id := "dry-run-" + uuid.NewString()
	d.logger.Info("[DRY RUN] Would create scheduled event", "eventID", id, "name", spec.Name, "start", spec.StartTime, "location", spec.Location)
	return id, nil
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
