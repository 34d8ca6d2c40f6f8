package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"modledger/api/internal/archive"
	"modledger/api/internal/config"
	"modledger/api/internal/moderation"
	"modledger/api/internal/notify"
	"modledger/api/internal/rediscache"
	"modledger/api/internal/search"
	"modledger/api/internal/store"
)

// runtime holds the process-wide collaborators of the moderation service.
type runtime struct {
	db       *sql.DB
	readDB   *sql.DB
	store    *store.PostgresStore
	security *store.SecurityLog
	redis    *redis.Client
	meili    *search.Meili
	search   *search.Service
	service  *moderation.Service
}

// setup connects every configured backend. Only Postgres is required;
// Redis, Meilisearch and the archive degrade to their fallbacks when unset.
func setup(ctx context.Context, cfg config.Config, migrate bool) (*runtime, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.StatementTimeout)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	rt := &runtime{db: db}

	if migrate {
		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
		log.Info().Int("applied", applied).Msg("migrations up to date")
	}

	rt.store = store.NewPostgresStore(db)
	rt.security = store.NewSecurityLog(rt.store)

	opts := []moderation.Option{
		moderation.WithSecuritySink(rt.security),
		moderation.WithPolicy(moderation.Policy{ModeratorSelfReversal: cfg.ModeratorSelfReversal}),
		moderation.WithSweepBatchSize(cfg.SweepBatchSize),
	}

	if strings.TrimSpace(cfg.ReadDatabaseURL) != "" {
		readDB, err := store.Open(ctx, cfg.ReadDatabaseURL, cfg.StatementTimeout)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("read replica connection failed: %w", err)
		}
		rt.readDB = readDB
		opts = append(opts, moderation.WithReader(store.NewPostgresStore(readDB)))
		log.Info().Msg("serving reads from the replica")
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := rediscache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.redis = client
		opts = append(opts,
			moderation.WithCapabilityCache(rediscache.NewDecisionCache(client)),
			moderation.WithLocker(rediscache.NewLocker(client)),
			moderation.WithNotifier(notify.NewStream(client, cfg.NotificationStream)),
		)
		log.Info().Msg("using redis for capability cache, sweep lock and notifications")
	} else {
		opts = append(opts, moderation.WithNotifier(notify.Log{}))
		log.Info().Msg("redis not configured; notifications go to the log")
	}

	if strings.TrimSpace(cfg.MeiliURL) != "" {
		rt.meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	rt.search = search.NewService(rt.meili, rt.store)
	opts = append(opts, moderation.WithSearcher(rt.search), moderation.WithIndexer(rt.search))

	if strings.TrimSpace(cfg.ArchiveEndpoint) != "" {
		minioArchive, err := archive.NewMinIO(ctx, archive.Config{
			Endpoint:  cfg.ArchiveEndpoint,
			AccessKey: cfg.ArchiveAccessKey,
			SecretKey: cfg.ArchiveSecretKey,
			Bucket:    cfg.ArchiveBucket,
			UseSSL:    cfg.ArchiveUseSSL,
		})
		if err != nil {
			// Exports fail as retryable until the archive is reachable.
			log.Warn().Err(err).Str("endpoint", cfg.ArchiveEndpoint).Msg("audit archive unavailable")
		} else {
			opts = append(opts, moderation.WithArchive(minioArchive))
		}
	}

	rt.service = moderation.NewService(rt.store, opts...)
	return rt, nil
}

func (rt *runtime) Close() {
	if rt.meili != nil {
		rt.meili.Close()
	}
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			log.Warn().Err(err).Msg("close redis")
		}
	}
	if rt.readDB != nil {
		if err := rt.readDB.Close(); err != nil {
			log.Warn().Err(err).Msg("close read replica")
		}
	}
	if rt.db != nil {
		if err := rt.db.Close(); err != nil {
			log.Warn().Err(err).Msg("close database")
		}
	}
}
