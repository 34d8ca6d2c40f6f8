package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"modledger/api/internal/app"
	"modledger/api/internal/auth"
	"modledger/api/internal/config"
	"modledger/api/internal/logging"
	"modledger/api/internal/moderation"
	"modledger/api/internal/rbac"
	"modledger/api/internal/store"
)

func main() {
	if err := run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("modledger failed")
	}
}

func run(args []string) error {
	cfg := config.Load()

	cliApp := cli.App{
		Name:  "modledger",
		Usage: "moderation ledger and restriction engine",
		Before: func(cctx *cli.Context) error {
			logging.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr)
			return nil
		},
		Commands: []*cli.Command{
			serveCmd(&cfg),
			sweepCmd(&cfg),
			migrateCmd(&cfg),
			roleCmd(&cfg),
			tokenCmd(&cfg),
		},
		DefaultCommand: "serve",
	}
	return cliApp.Run(args)
}

func serveCmd(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the HTTP API and the expiration sweeper",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "listen address",
				Value:   cfg.Addr,
				EnvVars: []string{"API_ADDR"},
			},
			&cli.BoolFlag{
				Name:  "no-sweeper",
				Usage: "do not schedule the expiration sweeper in this process",
			},
		},
		Action: func(cctx *cli.Context) error {
			ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := setup(ctx, *cfg, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			if rt.search != nil && rt.meili != nil {
				go rt.search.Reindex(ctx)
			}

			httpServer := app.NewHTTPServer(rt.service, app.ServerConfig{
				JWTSecret:      cfg.JWTSecret,
				CORSOrigin:     cfg.CORSOrigin,
				Pinger:         rt.store,
				Profiles:       rt.store,
				SecurityEvents: rt.security,
			})
			server := &http.Server{
				Addr:              cctx.String("addr"),
				Handler:           httpServer.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       15 * time.Second,
				WriteTimeout:      30 * time.Second,
				IdleTimeout:       60 * time.Second,
			}

			if !cctx.Bool("no-sweeper") {
				scheduler, err := scheduleSweeps(ctx, rt.service, cfg.SweepSchedule)
				if err != nil {
					return err
				}
				defer func() { <-scheduler.Stop().Done() }()
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.Info().Str("addr", server.Addr).Msg("modledger API listening")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server failed: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					log.Error().Err(err).Msg("shutdown error")
				}
				return nil
			})
			return g.Wait()
		},
	}
}

// scheduleSweeps runs Sweep on the cron schedule. Overlapping runs are
// skipped by the cron wrapper and across replicas by the sweep lock.
func scheduleSweeps(ctx context.Context, service *moderation.Service, schedule string) (*cron.Cron, error) {
	c := cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(schedule, func() {
		run, err := service.Sweep(ctx)
		switch {
		case errors.Is(err, moderation.ErrConflict):
			log.Debug().Msg("sweep skipped: another replica holds the lock")
		case err != nil:
			log.Error().Err(err).Msg("scheduled sweep failed")
		default:
			log.Info().
				Str("run_id", run.ID).
				Str("status", run.Status).
				Int("expired", run.CountExpired).
				Int("failed", run.CountFailed).
				Msg("scheduled sweep finished")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule sweeper %q: %w", schedule, err)
	}
	c.Start()
	log.Info().Str("schedule", schedule).Msg("sweeper scheduled")
	return c, nil
}

func sweepCmd(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "run the expiration sweeper once and print the run record",
		Action: func(cctx *cli.Context) error {
			rt, err := setup(cctx.Context, *cfg, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			run, err := rt.service.Sweep(cctx.Context)
			if err != nil {
				return err
			}
			return printJSON(cctx, run)
		},
	}
}

func migrateCmd(cfg *config.Config) *cli.Command {
	dirFlag := &cli.StringFlag{
		Name:    "dir",
		Usage:   "migrations directory",
		Value:   cfg.MigrationsDir,
		EnvVars: []string{"MODLEDGER_MIGRATIONS_DIR"},
	}
	return &cli.Command{
		Name:  "migrate",
		Usage: "apply or roll back schema migrations",
		Subcommands: []*cli.Command{
			{
				Name:  "up",
				Usage: "apply every pending migration",
				Flags: []cli.Flag{dirFlag},
				Action: func(cctx *cli.Context) error {
					db, err := store.Open(cctx.Context, cfg.DatabaseURL, 0)
					if err != nil {
						return err
					}
					defer db.Close()
					applied, err := store.ApplyMigrations(cctx.Context, db, cctx.String("dir"))
					if err != nil {
						return err
					}
					log.Info().Int("applied", applied).Msg("migrations up to date")
					return nil
				},
			},
			{
				Name:  "down",
				Usage: "roll back the most recent migration",
				Flags: []cli.Flag{dirFlag},
				Action: func(cctx *cli.Context) error {
					db, err := store.Open(cctx.Context, cfg.DatabaseURL, 0)
					if err != nil {
						return err
					}
					defer db.Close()
					version, err := store.RollbackMigration(cctx.Context, db, cctx.String("dir"))
					if errors.Is(err, store.ErrNoMigrations) {
						log.Info().Msg("nothing to roll back")
						return nil
					}
					if err != nil {
						return err
					}
					log.Info().Str("version", version).Msg("migration rolled back")
					return nil
				},
			},
		},
	}
}

func roleCmd(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:      "role",
		Usage:     "set the projected role of a user",
		ArgsUsage: "<user-id> <user|moderator|admin>",
		Action: func(cctx *cli.Context) error {
			if cctx.Args().Len() != 2 {
				return cli.Exit("usage: modledger role <user-id> <user|moderator|admin>", 2)
			}
			userID := cctx.Args().Get(0)
			role := rbac.Role(cctx.Args().Get(1))
			if rbac.Normalize(string(role)) != role {
				return cli.Exit(fmt.Sprintf("unknown role %q", role), 2)
			}

			db, err := store.Open(cctx.Context, cfg.DatabaseURL, cfg.StatementTimeout)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := store.NewPostgresStore(db).UpsertProfileRole(cctx.Context, userID, role); err != nil {
				return err
			}
			log.Info().Str("user_id", userID).Str("role", string(role)).Msg("role projected")
			return nil
		},
	}
}

func tokenCmd(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:      "token",
		Usage:     "issue a bearer token for local testing",
		ArgsUsage: "<user-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "role", Value: string(rbac.RoleUser)},
			&cli.DurationFlag{Name: "ttl", Value: time.Hour},
		},
		Action: func(cctx *cli.Context) error {
			userID := cctx.Args().First()
			if userID == "" {
				return cli.Exit("usage: modledger token <user-id>", 2)
			}
			token, err := auth.IssueToken([]byte(cfg.JWTSecret), userID, rbac.Normalize(cctx.String("role")), cctx.Duration("ttl"))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cctx.App.Writer, token)
			return err
		},
	}
}

func printJSON(cctx *cli.Context, v any) error {
	enc := json.NewEncoder(cctx.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
