package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/acme/coupon-issuance/internal/config"
	"github.com/acme/coupon-issuance/internal/infra/db"
	"github.com/acme/coupon-issuance/internal/infra/redis"
	"github.com/acme/coupon-issuance/internal/infra/zookeeper"
	"github.com/acme/coupon-issuance/internal/queue"
	"github.com/acme/coupon-issuance/internal/repository"
	pgrepo "github.com/acme/coupon-issuance/internal/repository/postgres"
	scyllarepo "github.com/acme/coupon-issuance/internal/repository/scylla"
	"github.com/acme/coupon-issuance/internal/service/issuance"
	"github.com/acme/coupon-issuance/internal/service/localcache"
	"github.com/acme/coupon-issuance/internal/service/lock"
	"github.com/acme/coupon-issuance/internal/service/quota"
	"github.com/acme/coupon-issuance/pkg/clock"
	"github.com/acme/coupon-issuance/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres  *db.Postgres
	Scylla    *db.Scylla
	Redis     *redis.Client
	Kafka     *queue.Kafka
	Zookeeper *zookeeper.Conn // nil unless lock.backend is zookeeper

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *repositories
		caches       *caches
		dispatchers  *dispatchers
		services     *services
	}
}

type repositories struct {
	Campaigns   repository.CampaignRepository
	Issuances   repository.IssuanceStore
	IssuanceLog repository.IssuanceLog
}

type caches struct {
	Quota *quota.Cache
	Views *localcache.Cache
	Locks lock.Manager
}

type dispatchers struct {
	IssueDispatcher *queue.IssueDispatcher
	EventPublisher  *queue.EventPublisher
	RetryScheduler  *queue.RetryScheduler
}

type services struct {
	Issuance *issuance.Service
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	container := &Container{Config: cfg, Logger: lg}

	if container.Postgres, err = db.NewPostgres(ctx, cfg.Postgres); err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}

	if container.Scylla, err = db.NewScylla(cfg.Scylla); err != nil {
		_ = container.Close(ctx)
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
	}

	if container.Redis, err = redis.NewClient(ctx, cfg.Redis); err != nil {
		_ = container.Close(ctx)
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	if container.Kafka, err = queue.NewKafka(cfg.Kafka); err != nil {
		_ = container.Close(ctx)
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	if cfg.Lock.Backend == config.LockBackendZookeeper {
		if container.Zookeeper, err = zookeeper.NewConn(cfg.Lock.Zookeeper, lg); err != nil {
			_ = container.Close(ctx)
			return nil, fmt.Errorf("bootstrap zookeeper: %w", err)
		}
	}

	return container, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		clk := clock.Real{}

		issuances := pgrepo.NewIssuanceRepository(c.Postgres.DB())
		repos := &repositories{
			Campaigns:   pgrepo.NewCampaignRepository(c.Postgres.DB()),
			Issuances:   issuances,
			IssuanceLog: scyllarepo.NewIssuanceLog(c.Scylla.Session()),
		}

		cc := &caches{
			Quota: quota.NewCache(c.Redis.Inner(), c.Config.Issuance.KeyPrefix),
			Views: localcache.New(c.Config.Issuance.LocalCacheTTL, c.Config.Issuance.LocalCacheSize, clk),
		}
		if c.Zookeeper != nil {
			zkCfg := c.Config.Lock.Zookeeper
			cc.Locks = lock.NewZookeeperManager(c.Zookeeper.Raw(), zkCfg.Root, zkCfg.SessionTimeout, clk)
		} else {
			cc.Locks = lock.NewRedisManager(c.Redis.Inner(), clk)
		}

		kcfg := c.Config.Kafka
		disp := &dispatchers{
			IssueDispatcher: queue.NewIssueDispatcher(c.Kafka, kcfg.IssueTopic),
			EventPublisher:  queue.NewEventPublisher(c.Kafka, kcfg.EventsTopic),
			RetryScheduler:  queue.NewRetryScheduler(c.Kafka, kcfg.RetryTopic, kcfg.DeadLetterTopic),
		}

		deps := issuance.Deps{
			Campaigns: repos.Campaigns,
			Store:     issuances,
			Quota:     cc.Quota,
			Locks:     cc.Locks,
			Views:     cc.Views,
			Events:    disp.EventPublisher,
			Clock:     clk,
			Logger:    c.Logger,
		}
		if c.Config.Issuance.AsyncEnabled {
			deps.Dispatcher = disp.IssueDispatcher
		}

		svc := &services{
			Issuance: issuance.NewService(deps, issuance.Options{
				LockKeyPrefix: c.Config.Lock.KeyPrefix,
				LockLease:     c.Config.Lock.Lease,
				LockWait:      c.Config.Lock.Wait,
				ViewTTL:       c.Config.Issuance.LocalCacheTTL,
			}),
		}

		c.components.repositories = repos
		c.components.caches = cc
		c.components.dispatchers = disp
		c.components.services = svc
	})
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Services exposes initialized services.
func (c *Container) Services() *services {
	c.initComponents()
	return c.components.services
}

// Dispatchers exposes Kafka dispatchers.
func (c *Container) Dispatchers() *dispatchers {
	c.initComponents()
	return c.components.dispatchers
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if d := c.components.dispatchers; d != nil {
		if err := d.IssueDispatcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("issue dispatcher close: %w", err))
		}
		if err := d.EventPublisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event publisher close: %w", err))
		}
		if err := d.RetryScheduler.Close(); err != nil {
			errs = append(errs, fmt.Errorf("retry scheduler close: %w", err))
		}
	}
	if c.Zookeeper != nil {
		if err := c.Zookeeper.Close(); err != nil {
			errs = append(errs, fmt.Errorf("zookeeper close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	if len(errs) > 0 {
		return fmt.Errorf("close: %w", errors.Join(errs...))
	}
	return nil
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	partitions := c.Config.Kafka.Partitions
	if partitions <= 0 {
		partitions = 12
	}
	replication := c.Config.Kafka.ReplicationFactor
	if replication <= 0 {
		replication = 1
	}
	return c.Kafka.EnsureTopics(ctx, c.Kafka.Topics(), partitions, replication)
}
