// Package core 装配状态协调核心：连接外部依赖、创建组件、启动后台任务与查询 API
package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/genesis/db"
	"github.com/ceyewan/genesis/idgen"
	"github.com/ceyewan/genesis/mq"
	glimit "github.com/ceyewan/genesis/ratelimit"

	"github.com/ceyewan/pulse/call"
	"github.com/ceyewan/pulse/config"
	"github.com/ceyewan/pulse/delivery"
	"github.com/ceyewan/pulse/gateway"
	"github.com/ceyewan/pulse/job"
	"github.com/ceyewan/pulse/model"
	"github.com/ceyewan/pulse/notify"
	"github.com/ceyewan/pulse/observability"
	"github.com/ceyewan/pulse/pkg/health"
	"github.com/ceyewan/pulse/presence"
	"github.com/ceyewan/pulse/ratelimit"
	"github.com/ceyewan/pulse/repo"
	"github.com/ceyewan/pulse/store"
	"github.com/ceyewan/pulse/summary"
)

// archiveRetryInterval 归档失败的通话重试间隔
const archiveRetryInterval = 30 * time.Second

// Core 服务生命周期管理器
type Core struct {
	config   *config.Config
	logger   clog.Logger
	workerID int64

	ctx    context.Context
	cancel context.CancelFunc

	resources *resources

	Presence  *presence.Tracker
	Delivery  *delivery.Synchronizer
	Summaries *summary.Cache
	Calls     *call.Manager
	Policy    *ratelimit.Policy
	Handler   *gateway.Handler

	local      *notify.Channel
	consumer   *gateway.Consumer
	runner     *job.Runner
	probe      *health.Probe
	httpServer *http.Server
}

// resources 外部连接与持久层
type resources struct {
	redisConn    connector.RedisConnector
	postgresConn connector.PostgreSQLConnector
	natsConn     connector.NATSConnector
	database     db.DB
	mqClient     mq.Client
	store        *store.RedisStore

	statusRepo  repo.StatusRepo
	messageRepo repo.MessageRepo
	memberRepo  repo.MemberRepo
	callRepo    repo.CallRepo
}

// New 加载配置并初始化全部组件
func New() (*Core, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfg)
}

// NewWithConfig 使用给定配置初始化
func NewWithConfig(cfg *config.Config) (*Core, error) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Core{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
		logger: clog.Discard(),
		probe:  health.NewProbe(3 * time.Second),
	}
	if err := c.initComponents(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Core) initComponents() error {
	// 1. 可观测性（Trace + Metrics）
	if err := observability.Init(&c.config.Observability); err != nil {
		return fmt.Errorf("init observability: %w", err)
	}

	// 2. Logger（带 Trace Context 支持）
	logger, err := observability.NewLogger(&c.config.Log)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	c.logger = logger.WithNamespace(c.config.GetName())

	// 3. 外部连接
	res, err := c.initBaseResources()
	if err != nil {
		return err
	}
	c.resources = res

	// 4. 从 Redis 分配 workerID，用于通话 ID 与请求 ID
	allocator, err := idgen.NewAllocator(&idgen.AllocatorConfig{
		Driver: "redis",
		MaxID:  c.config.WorkerID.GetMaxID(),
	}, idgen.WithRedisConnector(res.redisConn))
	if err != nil {
		return fmt.Errorf("create allocator: %w", err)
	}
	workerID, err := allocator.Allocate(c.ctx)
	if err != nil {
		return fmt.Errorf("allocate workerID: %w", err)
	}
	c.workerID = workerID

	go func() {
		if err := <-allocator.KeepAlive(c.ctx); err != nil {
			c.logger.Error("workerID keepalive failed, shutting down", clog.Error(err))
			c.cancel()
		}
	}()

	ids, err := idgen.NewGenerator(&idgen.GeneratorConfig{WorkerID: workerID})
	if err != nil {
		return fmt.Errorf("create id generator: %w", err)
	}

	// 5. 业务组件
	emitter := c.newEmitter(res.mqClient)
	c.initBusinessComponents(res, emitter, ids)

	// 6. 入站消费者、后台任务、HTTP
	c.consumer = gateway.NewConsumer(res.mqClient, c.Handler, c.config.Consumer, c.logger)
	c.runner = c.newRunner()
	if err := c.initHTTP(ids); err != nil {
		return err
	}

	c.logger.Info("core initialized",
		clog.Int64("worker_id", c.workerID),
		clog.Duration("heartbeat_window", c.config.HeartbeatWindow()))
	return nil
}

// initBaseResources 初始化外部连接 (Redis、PostgreSQL、NATS) 与持久层
func (c *Core) initBaseResources() (*resources, error) {
	res := &resources{}

	// Redis
	redisConn, err := connector.NewRedis(&c.config.Redis, connector.WithLogger(c.logger))
	if err != nil {
		return res, fmt.Errorf("redis init: %w", err)
	}
	res.redisConn = redisConn
	if err := redisConn.Connect(c.ctx); err != nil {
		return res, fmt.Errorf("redis connect: %w", err)
	}
	res.store, err = store.NewFromConnector(redisConn,
		store.WithPrefix(c.config.GetKeyPrefix()),
		store.WithLogger(c.logger))
	if err != nil {
		return res, fmt.Errorf("store init: %w", err)
	}

	// PostgreSQL
	postgresConn, err := connector.NewPostgreSQL(&c.config.Postgres, connector.WithLogger(c.logger))
	if err != nil {
		return res, fmt.Errorf("postgresql init: %w", err)
	}
	res.postgresConn = postgresConn
	if err := postgresConn.Connect(c.ctx); err != nil {
		return res, fmt.Errorf("postgresql connect: %w", err)
	}
	res.database, err = db.New(&db.Config{Driver: "postgresql"},
		db.WithPostgreSQLConnector(postgresConn), db.WithLogger(c.logger))
	if err != nil {
		return res, fmt.Errorf("db init: %w", err)
	}

	// NATS
	natsConn, err := connector.NewNATS(&c.config.NATS, connector.WithLogger(c.logger))
	if err != nil {
		return res, fmt.Errorf("nats init: %w", err)
	}
	res.natsConn = natsConn
	if err := natsConn.Connect(c.ctx); err != nil {
		return res, fmt.Errorf("nats connect: %w", err)
	}
	res.mqClient, err = mq.New(natsConn, &mq.Config{Driver: mq.DriverNatsCore}, mq.WithLogger(c.logger))
	if err != nil {
		return res, fmt.Errorf("mq init: %w", err)
	}

	// 持久层
	repoOpts := []repo.Option{repo.WithLogger(c.logger)}
	if res.statusRepo, err = repo.NewStatusRepo(res.database, repoOpts...); err != nil {
		return res, fmt.Errorf("status repo: %w", err)
	}
	if res.messageRepo, err = repo.NewMessageRepo(res.database, repoOpts...); err != nil {
		return res, fmt.Errorf("message repo: %w", err)
	}
	if res.memberRepo, err = repo.NewMemberRepo(res.database, repoOpts...); err != nil {
		return res, fmt.Errorf("member repo: %w", err)
	}
	if res.callRepo, err = repo.NewCallRepo(res.database, repoOpts...); err != nil {
		return res, fmt.Errorf("call repo: %w", err)
	}

	c.probe.AddCheck("redis", res.store.Ping)
	c.probe.AddCheck("postgres", func(ctx context.Context) error {
		sqlDB, err := res.database.DB(ctx).DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	})
	return res, nil
}

// newEmitter 事件经 MQ 广播，投递失败只记日志
func (c *Core) newEmitter(client mq.Client) notify.Emitter {
	var emitters []notify.Emitter
	if n := c.config.Events.LocalBuffer; n > 0 {
		c.local = notify.NewChannel(n, false)
		emitters = append(emitters, c.local)
	}
	if c.config.Events.Disable {
		c.logger.Warn("event publishing disabled")
	} else {
		emitters = append(emitters, notify.NewMQEmitter(publisher{client: client}, c.config.Events.GetTopicPrefix(), c.logger))
	}
	if len(emitters) == 0 {
		return notify.Nop
	}
	return notify.Best(notify.Multi(emitters...), c.logger)
}

// Events 进程内事件流，未开启 LocalBuffer 时返回 nil
func (c *Core) Events() <-chan model.Event {
	if c.local == nil {
		return nil
	}
	return c.local.Events()
}

func (c *Core) initBusinessComponents(res *resources, emitter notify.Emitter, ids call.IDGenerator) {
	s := res.store

	c.Presence = presence.New(s, c.config.Presence,
		presence.WithLogger(c.logger),
		presence.WithEmitter(emitter))

	c.Summaries = summary.New(s, res.messageRepo, c.config.Summary,
		summary.WithLogger(c.logger),
		summary.WithEmitter(emitter))

	// 聚合状态前进时同步更新会话摘要
	c.Delivery = delivery.New(s, res.statusRepo, c.config.Delivery,
		delivery.WithLogger(c.logger),
		delivery.WithEmitter(emitter))
	c.Delivery.SetListener(c.Summaries)

	c.Calls = call.New(s, res.callRepo, c.config.Call,
		call.WithLogger(c.logger),
		call.WithEmitter(emitter),
		call.WithIDGenerator(ids))

	c.Policy = ratelimit.NewPolicy(
		ratelimit.New(s, ratelimit.WithLogger(c.logger)),
		c.config.RateLimit.Rules,
		c.config.RateLimit.Fallback)

	c.Handler = gateway.NewHandler(s, gateway.Deps{
		Presence:  c.Presence,
		Delivery:  c.Delivery,
		Summaries: c.Summaries,
		Calls:     c.Calls,
		Policy:    c.Policy,
		Members:   res.memberRepo,
		History:   res.callRepo,
		Durable:   res.statusRepo,
	}, c.config.Presence.GetTTL(), c.logger)
}

func (c *Core) newRunner() *job.Runner {
	r := job.New(c.logger)
	r.Add("presence.sweep", c.config.Presence.GetSweepInterval(), c.Presence.SweepStale)
	r.Add("delivery.reconcile", c.config.Delivery.GetReconcileInterval(), c.Delivery.ReconcileToDurable)
	r.Add("delivery.retry", c.config.Delivery.GetRetryInterval(), c.Delivery.DispatchDueRetries)
	r.Add("call.deadlines", c.config.Call.GetDeadlineInterval(), c.Calls.CheckDeadlines)
	r.Add("call.archive", archiveRetryInterval, c.Calls.RetryArchives)
	return r
}

func (c *Core) initHTTP(ids idgen.Generator) error {
	opts := gateway.RouterOptions{
		Probe:      c.probe,
		RequestIDs: ids,
	}
	if gip := c.config.RateLimit.GlobalIP; gip.Rate > 0 {
		limiter, err := glimit.New(&glimit.Config{Driver: glimit.DriverStandalone}, glimit.WithLogger(c.logger))
		if err != nil {
			return fmt.Errorf("create global ip limiter: %w", err)
		}
		opts.GlobalIP = limiter
		opts.GlobalIPLimit = gip
	}

	c.httpServer = &http.Server{
		Addr:         c.config.GetHTTPAddr(),
		Handler:      gateway.NewRouter(c.Handler, opts, c.logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return nil
}

// Run 启动消费者、后台任务与 HTTP 服务，立即返回
func (c *Core) Run() error {
	c.probe.SetReady(false)
	c.probe.SetShutdown(false)

	if err := c.consumer.Start(c.ctx); err != nil {
		return err
	}
	c.runner.Start(c.ctx)

	ln, err := net.Listen("tcp", c.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", c.httpServer.Addr, err)
	}
	c.logger.Info("http server listening", clog.String("addr", c.httpServer.Addr))
	go func() {
		if err := c.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("http server stopped unexpectedly", clog.Error(err))
		}
	}()

	c.probe.SetReady(true)
	return nil
}

// Done workerID 保活失败等致命错误时关闭
func (c *Core) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Close 优雅关闭：先停入口，再刷出缓冲，最后释放连接
func (c *Core) Close() error {
	if c.logger != nil {
		c.logger.Info("shutting down core...")
	}
	c.probe.SetReady(false)
	c.probe.SetShutdown(true)

	// 1. 停止入口
	if c.consumer != nil {
		if err := c.consumer.Stop(); err != nil {
			c.logger.Warn("stop consumer failed", clog.Error(err))
		}
	}
	if c.httpServer != nil {
		httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.httpServer.Shutdown(httpCtx); err != nil {
			c.logger.Warn("http shutdown failed", clog.Error(err))
		}
		httpCancel()
	}

	// 2. 停止后台任务
	c.cancel()
	if c.runner != nil {
		c.runner.Wait()
	}

	// 3. 把缓冲中的投递状态写入持久层
	if c.Delivery != nil {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if n, err := c.Delivery.ReconcileToDurable(flushCtx); err != nil {
			c.logger.Error("final reconcile failed", clog.Error(err))
		} else if n > 0 {
			c.logger.Info("final reconcile flushed", clog.Int("count", n))
		}
		flushCancel()
	}
	if c.local != nil {
		c.local.Close()
	}

	// 4. 释放连接
	if res := c.resources; res != nil {
		if res.mqClient != nil {
			res.mqClient.Close()
		}
		if res.natsConn != nil {
			res.natsConn.Close()
		}
		if res.database != nil {
			res.database.Close()
		}
		if res.postgresConn != nil {
			res.postgresConn.Close()
		}
		if res.redisConn != nil {
			res.redisConn.Close()
		}
	}

	// 5. 关闭可观测性组件
	if err := observability.Shutdown(context.Background()); err != nil && c.logger != nil {
		c.logger.Error("observability shutdown failed", clog.Error(err))
	}
	return nil
}

// publisher 把 mq.Client 适配为 notify.Publisher
type publisher struct {
	client mq.Client
}

func (p publisher) Publish(ctx context.Context, topic string, data []byte) error {
	return p.client.Publish(ctx, topic, data)
}
