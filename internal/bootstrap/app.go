package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"supportchat/internal/ai"
	appsvc "supportchat/internal/app"
	"supportchat/internal/auth"
	"supportchat/internal/cache"
	"supportchat/internal/config"
	"supportchat/internal/dispatcher"
	"supportchat/internal/fanout"
	"supportchat/internal/gateway"
	dynamoClient "supportchat/internal/platform/dynamodb"
	"supportchat/internal/platform/logger"
	mysqlClient "supportchat/internal/platform/mysql"
	rabbitmqClient "supportchat/internal/platform/rabbitmq"
	redisClient "supportchat/internal/platform/redis"
	"supportchat/internal/queue"
	"supportchat/internal/repository"
	"supportchat/internal/repository/dynamostore"
	"supportchat/internal/repository/memstore"
	"supportchat/internal/worker"
)

// App owns every long lived component of one instance.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	MySQL  *gorm.DB
	Redis  *redis.Client
	MQConn *rabbitmqClient.Conn

	Store      repository.Store
	Hub        *gateway.Hub
	Authorizer auth.Authorizer
	Dispatcher *dispatcher.Dispatcher
	Processor  *appsvc.Processor
	Queries    *appsvc.QueryService
	Gateway    *gateway.Handler
	MemQueue   *queue.Memory

	StartedAt time.Time

	publisher *rabbitmqClient.WorkPublisher
	consumer  *worker.WorkConsumer
	keySet    *auth.KeySet
	fanoutPub message.Publisher
	fanoutSub message.Subscriber

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format, cfg.App.Name, cfg.App.InstanceID)
	return Build(ctx, cfg, log)
}

// Build wires an App from cfg. On error every resource opened so far is
// released.
func Build(ctx context.Context, cfg *config.Config, log zerolog.Logger) (_ *App, err error) {
	runCtx, cancel := context.WithCancel(context.Background())
	a := &App{
		Config:    cfg,
		Logger:    log,
		StartedAt: time.Now(),
		cancel:    cancel,
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.Store, err = a.openStore(ctx); err != nil {
		return nil, err
	}

	var history appsvc.HistoryCache
	if cfg.Redis.Enabled {
		if a.Redis, err = redisClient.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.App.Name+"-"+cfg.App.InstanceID); err != nil {
			return nil, err
		}
		history = cache.NewHistoryCache(
			a.Redis,
			time.Duration(cfg.Redis.HistoryTTLSeconds)*time.Second,
			time.Duration(cfg.Redis.HistoryDirtyTTLSeconds)*time.Second,
		)
	}

	if a.Authorizer, err = a.buildAuthorizer(ctx); err != nil {
		return nil, err
	}

	replier, err := a.buildReplier()
	if err != nil {
		return nil, err
	}

	a.Hub = gateway.NewHub(log)
	var pusher appsvc.Pusher = a.Hub
	if cfg.Fanout.Enabled {
		if pusher, err = a.startFanout(ctx, runCtx); err != nil {
			return nil, err
		}
	}

	a.Processor = appsvc.NewProcessor(a.Store, replier, pusher, history, cfg.LLM.MaxContextMessage, log)
	a.Queries = appsvc.NewQueryService(a.Store, history, log)

	q, err := a.startQueue(ctx, runCtx)
	if err != nil {
		return nil, err
	}
	a.Dispatcher = dispatcher.New(q, log)
	a.Gateway = gateway.NewHandler(a.Hub, a.Authorizer, a.Store, a.Dispatcher, gateway.Options{
		SendBuffer:      cfg.Gateway.SendBuffer,
		MaxFrameBytes:   int64(cfg.Gateway.MaxFrameBytes),
		PingPeriod:      time.Duration(cfg.Gateway.PingPeriodSeconds) * time.Second,
		WriteWait:       time.Duration(cfg.Gateway.WriteWaitSeconds) * time.Second,
		DispatchTimeout: 5 * time.Second,
	}, log)

	log.Info().
		Str("store", cfg.Store.Driver).
		Str("queue", cfg.Queue.Driver).
		Bool("redis", cfg.Redis.Enabled).
		Bool("fanout", cfg.Fanout.Enabled).
		Msg("application wired")
	return a, nil
}

func (a *App) openStore(ctx context.Context) (repository.Store, error) {
	cfg := a.Config
	switch cfg.Store.Driver {
	case "mysql":
		db, err := mysqlClient.New(ctx, cfg.MySQLDSN(), a.Logger)
		if err != nil {
			return nil, err
		}
		a.MySQL = db
		if err := repository.AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("auto migrate tables failed: %w", err)
		}
		return repository.NewGormStore(db), nil
	case "dynamodb":
		client, err := dynamoClient.New(ctx, cfg.DynamoDB.Region, cfg.DynamoDB.Endpoint)
		if err != nil {
			return nil, err
		}
		return dynamostore.New(client, dynamostore.Tables{
			Sessions:          cfg.DynamoDB.SessionsTable,
			Messages:          cfg.DynamoDB.MessagesTable,
			SessionsByTimeIdx: cfg.DynamoDB.SessionsByTimeIdx,
			MessagesBySessIdx: cfg.DynamoDB.MessagesBySessIdx,
			SessionsByStatIdx: cfg.DynamoDB.SessionsByStatIdx,
		})
	case "memory":
		return memstore.New(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

func (a *App) buildAuthorizer(ctx context.Context) (auth.Authorizer, error) {
	cfg := a.Config.Auth
	var keys auth.KeyProvider
	if cfg.JWKSURL != "" {
		a.keySet = auth.NewKeySet(cfg.JWKSURL, time.Duration(cfg.JWKSTTLSeconds)*time.Second, a.Logger)
		if err := a.keySet.Prefetch(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("initial jwks fetch failed")
		}
		keys = a.keySet
	} else {
		keys = auth.NewStaticKey(cfg.JWTSecret)
	}

	var opts []auth.Option
	if cfg.Issuer != "" {
		opts = append(opts, auth.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, auth.WithAudience(cfg.Audience))
	}
	return auth.NewJWTAuthorizer(keys, opts...), nil
}

func (a *App) buildReplier() (ai.Replier, error) {
	cfg := a.Config.LLM
	chat := ai.ChatConfig{BaseURL: cfg.BaseURL, APIKey: cfg.APIKey, Model: cfg.Model}
	if !chat.Valid() {
		a.Logger.Warn().Msg("llm endpoint not configured, answering with the fallback reply")
		return ai.StaticReplier{Text: cfg.FallbackReply}, nil
	}
	client := ai.NewOpenAICompatibleClient(time.Duration(cfg.TimeoutSeconds) * time.Second)
	return ai.NewLLMReplier(client, chat, cfg.SystemPrompt)
}

func (a *App) startFanout(ctx, runCtx context.Context) (appsvc.Pusher, error) {
	cfg := a.Config
	instanceID := cfg.App.InstanceID
	topic := fanout.Topic(cfg.Fanout.TopicPrefix, instanceID)

	registry := fanout.NewRegistry(a.Redis, instanceID, time.Duration(cfg.Fanout.RegistryTTLSeconds)*time.Second, a.Logger)
	a.Hub.AddObserver(registry)

	pub, sub, err := fanout.NewStreamBus(ctx, a.Redis, instanceID, topic, a.Logger)
	if err != nil {
		return nil, err
	}
	a.fanoutPub, a.fanoutSub = pub, sub

	listener := fanout.NewListener(sub, topic, a.Hub, a.Logger)
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		registry.Run(runCtx)
	}()
	go func() {
		defer a.wg.Done()
		if err := listener.Run(runCtx); err != nil {
			a.Logger.Error().Err(err).Msg("fanout listener stopped")
		}
	}()

	return fanout.NewPusher(a.Hub, registry, pub, instanceID, cfg.Fanout.TopicPrefix, a.Logger), nil
}

func (a *App) startQueue(ctx, runCtx context.Context) (queue.Queue, error) {
	cfg := a.Config.Queue
	retry := queue.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.MaxAttempts
	if cfg.RetryDelayMillis > 0 {
		retry.InitialDelay = time.Duration(cfg.RetryDelayMillis) * time.Millisecond
	}
	handleTimeout := time.Duration(cfg.HandleTimeoutSecond) * time.Second

	switch cfg.Driver {
	case "memory":
		a.MemQueue = queue.NewMemory(a.Processor.Handle, queue.MemoryOptions{
			Concurrency:   int64(cfg.WorkerConcurrency),
			HandleTimeout: handleTimeout,
			Retry:         retry,
		}, a.Logger)
		a.MemQueue.Start(runCtx)
		return a.MemQueue, nil
	case "rabbitmq":
		conn, err := rabbitmqClient.Dial(ctx, a.Config.RabbitMQ.URL, a.Logger)
		if err != nil {
			return nil, err
		}
		a.MQConn = conn
		topology := rabbitmqClient.Topology{Name: a.Config.RabbitMQ.WorkQueue, Partitions: cfg.Partitions}
		if a.publisher, err = rabbitmqClient.NewWorkPublisher(conn, topology); err != nil {
			return nil, err
		}
		a.consumer = worker.NewWorkConsumer(conn, topology, a.Processor.Handle, retry, handleTimeout, a.Logger)
		if err := a.consumer.Start(runCtx); err != nil {
			return nil, fmt.Errorf("start work consumer failed: %w", err)
		}
		return a.publisher, nil
	}
	return nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
}

// HealthChecks returns one check per external dependency in use.
func (a *App) HealthChecks() map[string]func(context.Context) error {
	checks := make(map[string]func(context.Context) error)
	if a.MySQL != nil {
		checks["mysql"] = func(ctx context.Context) error {
			sqlDB, err := a.MySQL.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}
	}
	if a.Redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return a.Redis.Ping(ctx).Err()
		}
	}
	if a.MQConn != nil {
		checks["rabbitmq"] = func(context.Context) error {
			if a.MQConn.IsClosed() {
				return errors.New("connection closed")
			}
			return nil
		}
	}
	return checks
}

// Close stops consumers before the connections they read from. Live
// websocket connections are dropped first so no new work arrives.
func (a *App) Close() error {
	var closeErr error
	if a.Hub != nil {
		a.Hub.Close()
	}
	if a.consumer != nil {
		a.consumer.Close()
	}
	if a.MemQueue != nil {
		a.MemQueue.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	if a.keySet != nil {
		a.keySet.Wait()
	}
	if a.fanoutSub != nil {
		if err := a.fanoutSub.Close(); err != nil {
			closeErr = err
		}
	}
	if a.fanoutPub != nil {
		if err := a.fanoutPub.Close(); err != nil {
			closeErr = err
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MQConn != nil {
		if err := a.MQConn.Close(); err != nil {
			closeErr = err
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MySQL != nil {
		sqlDB, err := a.MySQL.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				closeErr = err
			}
		}
	}
	return closeErr
}
