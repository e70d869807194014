package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type Config struct {
	RedisCheckInterval time.Duration
	DBCheckInterval    time.Duration
	CheckTimeout       time.Duration
	ID                 string
}

type Component string

const (
	ComponentRedis Component = "redis"
	ComponentDB    Component = "db"
)

type CheckResult struct {
	Timestamp time.Time `json:"timestamp"`
	Result    bool      `json:"result"`
}

type HealthChecks map[Component]CheckResult

type HealthStatus struct {
	Healthy bool         `json:"healthy"`
	Checks  HealthChecks `json:"checks"`
}

// DB is satisfied by the postgres repository.
type DB interface {
	Ping(context.Context) error
}

type Checker struct {
	config *Config
	redis  redis.UniversalClient
	db     DB
	mu     sync.RWMutex
	checks HealthChecks
	log    *slog.Logger
}

// NewChecker watches the given dependencies. A nil db or redis is not
// checked.
func NewChecker(config *Config, db DB, rdb redis.UniversalClient) *Checker {
	c := &Checker{
		config: config,
		redis:  rdb,
		db:     db,
		log:    slog.With("pod", config.ID, "component", "health"),
		checks: HealthChecks{},
	}

	// if this code gets executed, we assume that there was an initial check
	if db != nil {
		c.checks[ComponentDB] = CheckResult{Timestamp: time.Now(), Result: true}
	}
	if rdb != nil {
		c.checks[ComponentRedis] = CheckResult{Timestamp: time.Now(), Result: true}
	}

	return c
}

func (c *Checker) Run(ctx context.Context) {
	c.log.Debug("Starting the health checker...")

	redisTicker := time.NewTicker(c.config.RedisCheckInterval)
	defer redisTicker.Stop()

	dbTicker := time.NewTicker(c.config.DBCheckInterval)
	defer dbTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Debug("Stopping health checker...")
			return
		case <-redisTicker.C:
			c.checkRedis(ctx)
		case <-dbTicker.C:
			c.checkDB(ctx)
		}
	}
}

func (c *Checker) checkRedis(ctx context.Context) {
	if c.redis == nil {
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, c.config.CheckTimeout)
	defer cancel()

	_, err := c.redis.Ping(checkCtx).Result()
	c.set(ComponentRedis, err)
}

func (c *Checker) checkDB(ctx context.Context) {
	if c.db == nil {
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, c.config.CheckTimeout)
	defer cancel()

	err := c.db.Ping(checkCtx)
	c.set(ComponentDB, err)
}

func (c *Checker) set(component Component, err error) {
	if err != nil {
		c.log.Warn("health check failed", "component", component, "error", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.checks[component] = CheckResult{
		Timestamp: time.Now(),
		Result:    err == nil,
	}
}

func (c *Checker) GetHealthStatus() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	healthy := true
	checks := make(HealthChecks, len(c.checks))

	for component, check := range c.checks {
		checks[component] = check
		if !check.Result {
			healthy = false
			c.log.Error("Component health check failed", "component", component)
		}
	}

	return HealthStatus{
		Healthy: healthy,
		Checks:  checks,
	}
}
