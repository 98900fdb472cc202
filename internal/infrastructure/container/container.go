// Package container wires the application's dependencies and owns their
// shutdown order.
package container

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"featflow/internal/application/port"
	"featflow/internal/application/service"
	"featflow/internal/infrastructure/config"
	"featflow/internal/infrastructure/queue"
	"featflow/internal/infrastructure/storage/postgres"
	redisrepo "featflow/internal/infrastructure/storage/redis"
	"featflow/internal/infrastructure/storage/sqlite"
	"featflow/internal/observability"
)

type Container struct {
	cfg         *config.Config
	metrics     *observability.Metrics
	redisClient *redis.Client

	digestRepo   *redisrepo.DigestRepo
	featureCache *redisrepo.FeatureCache
	deduper      *redisrepo.Deduper
	publisher    *redisrepo.ScorePublisher
	jobQueue     *queue.StreamQueue
	archive      port.ResultArchive

	digests  *service.DigestStore
	rolling  *service.RollingStateService
	features *service.FeatureComputerService

	closeOnce   sync.Once
	closerChain []func() error
}

func New(cfg *config.Config) (*Container, error) {
	c := &Container{
		cfg:         cfg,
		metrics:     observability.NewMetrics(""),
		closerChain: make([]func() error, 0),
	}

	if err := c.initRedis(); err != nil {
		_ = c.Close()
		return nil, err
	}
	if err := c.initArchive(); err != nil {
		_ = c.Close()
		return nil, err
	}
	if err := c.initServices(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Container) initRedis() error {
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.cfg.Redis.Addr,
		Password: c.cfg.Redis.Password,
		DB:       c.cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	c.redisClient = rdb
	prefix := c.cfg.Redis.Prefix

	c.digestRepo = redisrepo.NewDigestRepo(rdb, prefix,
		time.Duration(c.cfg.Digest.SnapshotTTLSec)*time.Second)
	c.featureCache = redisrepo.NewFeatureCache(rdb, prefix,
		time.Duration(c.cfg.Features.CacheTTLSec)*time.Second)
	c.deduper = redisrepo.NewDeduper(rdb, prefix,
		time.Duration(c.cfg.Worker.DedupeTTLSec)*time.Second)
	c.publisher = redisrepo.NewScorePublisher(rdb, prefix, redisrepo.PublisherOptions{
		Stream:         c.cfg.Publisher.Stream,
		MaxAttempts:    c.cfg.Publisher.MaxAttempts,
		InitialBackoff: time.Duration(c.cfg.Publisher.InitialBackoffMs) * time.Millisecond,
		KeepCompleted:  c.cfg.Publisher.KeepCompleted,
		KeepFailed:     c.cfg.Publisher.KeepFailed,
	}, c.metrics)
	c.jobQueue = queue.NewStreamQueue(rdb, c.cfg.Queue.Stream, c.cfg.Queue.Group, c.cfg.Queue.Consumer)

	c.closerChain = append(c.closerChain, func() error {
		log.Info().Msg("closing redis connection")
		return rdb.Close()
	})

	log.Info().
		Str("addr", c.cfg.Redis.Addr).
		Int("db", c.cfg.Redis.DB).
		Str("prefix", prefix).
		Msg("redis initialized")
	return nil
}

func (c *Container) initArchive() error {
	switch c.cfg.Archive.Backend {
	case "":
		return nil
	case "sqlite":
		a, err := sqlite.New(c.cfg.Archive.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite archive init failed: %w", err)
		}
		c.archive = a
		log.Info().Str("path", c.cfg.Archive.SQLitePath).Msg("sqlite archive initialized")
	case "postgres":
		a, err := postgres.New(c.cfg.Archive.PostgresDSN)
		if err != nil {
			return fmt.Errorf("postgres archive init failed: %w", err)
		}
		c.archive = a
		log.Info().Msg("postgres archive initialized")
	}
	c.closerChain = append(c.closerChain, func() error {
		log.Info().Msg("closing archive")
		return c.archive.Close()
	})
	return nil
}

func (c *Container) initServices() error {
	digests, err := service.NewDigestStore(c.digestRepo, c.metrics,
		c.cfg.Digest.Compression, c.cfg.Digest.CacheSize)
	if err != nil {
		return err
	}
	c.digests = digests
	c.rolling = service.NewRollingStateService()
	c.features = service.NewFeatureComputerService(c.rolling, digests)
	return nil
}

func (c *Container) Config() *config.Config                    { return c.cfg }
func (c *Container) Metrics() *observability.Metrics           { return c.metrics }
func (c *Container) RedisClient() *redis.Client                { return c.redisClient }
func (c *Container) JobQueue() *queue.StreamQueue              { return c.jobQueue }
func (c *Container) FeatureCache() *redisrepo.FeatureCache     { return c.featureCache }
func (c *Container) Deduper() *redisrepo.Deduper               { return c.deduper }
func (c *Container) Publisher() *redisrepo.ScorePublisher      { return c.publisher }
func (c *Container) Archive() port.ResultArchive               { return c.archive }
func (c *Container) Digests() *service.DigestStore             { return c.digests }
func (c *Container) Rolling() *service.RollingStateService     { return c.rolling }
func (c *Container) Features() *service.FeatureComputerService { return c.features }

// Close releases resources in reverse initialization order.
func (c *Container) Close() error {
	var err error
	c.closeOnce.Do(func() {
		for i := len(c.closerChain) - 1; i >= 0; i-- {
			if e := c.closerChain[i](); e != nil {
				log.Error().Err(e).Msg("error closing resource")
				if err == nil {
					err = e
				}
			}
		}
		log.Info().Msg("container closed")
	})
	return err
}
