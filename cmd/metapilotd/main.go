package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"MetaPilot/internal/agent"
	"MetaPilot/internal/api"
	"MetaPilot/internal/config"
	"MetaPilot/internal/knowledge"
	"MetaPilot/internal/learning"
	"MetaPilot/internal/llm"
	"MetaPilot/internal/llm/openai"
	"MetaPilot/internal/memory"
	"MetaPilot/internal/observability/alerting"
	"MetaPilot/internal/observability/metrics"
	"MetaPilot/internal/operation"
	"MetaPilot/internal/orchestrator"
	"MetaPilot/internal/storage/mysql"
	"MetaPilot/internal/web3/provider"
	"MetaPilot/pkg/logger"
)

// main 是 MetaPilot 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("metapilotd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("metapilotd")

	collector := metrics.NewCollector(prometheus.NewRegistry())

	alertClient, alerter := createAlerting(ctx, cfg)
	if alertClient != nil {
		defer alertClient.Close()
	}

	llmClient, err := createLLMClient(cfg.LLM)
	if err != nil {
		return err
	}

	var knowledgeProvider knowledge.Provider
	if cfg.Knowledge.Source != "" {
		kb, err := knowledge.LoadStaticProvider(cfg.Knowledge.Source, cfg.Knowledge.MaxResults)
		if err != nil {
			return err
		}
		knowledgeProvider = kb
	}

	// 链端点是可选的，未配置时规划与跨链分析使用任务自带的数据。
	var chains *provider.Registry
	if cfg.Web3.Enabled() {
		chains, err = provider.NewRegistry(ctx, cfg.Web3)
		if err != nil {
			return err
		}
		defer chains.Close()
	}

	backend, embedder, closeMemory, err := createMemory(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeMemory()

	governorCfg := agent.GovernorConfig{LLM: llmClient, Knowledge: knowledgeProvider}
	var gas agent.GasOracle
	if chains != nil {
		governorCfg.Chain = chains
		gas = chains
	}

	roster := []struct {
		info     agent.Info
		behavior agent.Behavior
	}{
		{agent.GovernorInfo(), agent.NewGovernor(governorCfg)},
		{agent.DeFiInfo(), agent.DeFi{}},
		{agent.NFTInfo(), agent.NFT{}},
		{agent.DAOInfo(), agent.DAO{}},
		{agent.CrossChainInfo(), agent.NewCrossChain(gas)},
		{agent.MarketIntelligenceInfo(), agent.MarketIntelligence{}},
		{agent.RiskInfo(), agent.Risk{}},
	}
	agents := make([]*agent.Agent, 0, len(roster))
	for _, item := range roster {
		id := agent.StableID(item.info.Name)
		agentLog := logger.Named("agent").With(slog.String("agent", item.info.Name), slog.String("agent_id", id))
		memOpts := []memory.Option{memory.WithBackend(backend), memory.WithLogger(agentLog)}
		if embedder != nil {
			memOpts = append(memOpts, memory.WithEmbedder(embedder))
		}
		a := agent.New(item.info, item.behavior,
			agent.WithID(id),
			agent.WithLogger(agentLog),
			agent.WithObserver(collector),
			agent.WithMemory(memory.New(id, memOpts...)),
			agent.WithLearner(learning.New(id,
				learning.WithLearningRate(cfg.Learning.LearningRate),
				learning.WithDiscountFactor(cfg.Learning.DiscountFactor),
				learning.WithLogger(agentLog),
			)),
		)
		if cfg.Learning.ModelDir != "" {
			if err := a.LoadModel(cfg.Learning.ModelDir); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Warn("加载学习模型失败", slog.String("agent", item.info.Name), slog.Any("error", err))
			}
		}
		agents = append(agents, a)
	}
	if cfg.Learning.ModelDir != "" {
		defer saveModels(log, cfg.Learning.ModelDir, agents)
	}

	store, err := createStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	orch, err := orchestrator.New(agents,
		orchestrator.WithStore(store),
		orchestrator.WithMetrics(collector),
		orchestrator.WithAlertDispatcher(alerter),
		orchestrator.WithMaxDurationEnforcement(*cfg.Orchestrator.EnforceMaxDuration),
		orchestrator.WithDefaults(cfg.Orchestrator.DefaultRiskTolerance, cfg.Orchestrator.DefaultMaxDurationSeconds),
	)
	if err != nil {
		return err
	}

	queue, err := createQueue(ctx, cfg.Queue)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Warn("关闭操作队列失败", slog.Any("error", err))
		}
	}()

	service := operation.NewService(store, queue,
		operation.WithDefaults(cfg.Orchestrator.DefaultRiskTolerance, cfg.Orchestrator.DefaultMaxDurationSeconds))
	processor := operation.NewProcessor(orch, store, queue,
		operation.WithWorkerCount(cfg.Queue.Workers),
		operation.WithProcessorLogger(logger.Named("processor")),
		operation.WithAlertDispatcher(alerter),
	)
	server := api.NewServer(cfg.Server.Address, orch,
		api.WithSubmitter(service),
		api.WithMetrics(collector),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(processor.Start(gctx)) })
	g.Go(func() error { return ignoreCanceled(server.Start(gctx)) })
	if cfg.Observability.MetricsAddress != "" {
		g.Go(func() error {
			return ignoreCanceled(metrics.StartServer(gctx, cfg.Observability.MetricsAddress, collector.Handler()))
		})
	}
	log.Info("MetaPilot 已启动",
		slog.String("address", cfg.Server.Address),
		slog.Int("agents", len(agents)),
		slog.String("store", cfg.Storage.Driver),
		slog.String("queue", cfg.Queue.Driver),
	)
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func saveModels(log *slog.Logger, dir string, agents []*agent.Agent) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warn("创建模型目录失败", slog.Any("error", err))
		return
	}
	for _, a := range agents {
		if err := a.SaveModel(dir); err != nil {
			log.Warn("保存学习模型失败", slog.String("agent_id", a.ID()), slog.Any("error", err))
		}
	}
}

func createLLMClient(cfg config.LLMConfig) (llm.Client, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "openai":
		apiKey := cfg.ResolveAPIKey()
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:        apiKey,
			BaseURL:       cfg.BaseURL,
			Model:         cfg.Model,
			Timeout:       cfg.Timeout(),
			RatePerSecond: cfg.RatePerSecond,
			Burst:         cfg.Burst,
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.Provider)
	}
}

func createMemory(ctx context.Context, cfg *config.Config) (memory.Backend, memory.Embedder, func(), error) {
	var embedder memory.Embedder
	switch cfg.Embedding.Provider {
	case "", "hash":
		embedder = memory.NewHashEmbedder(cfg.Embedding.Dimension)
	case "openai":
		e, err := memory.NewOpenAIEmbedder(memory.OpenAIEmbedderConfig{
			APIKey:        cfg.Embedding.OpenAI.ResolveAPIKey(),
			BaseURL:       cfg.Embedding.OpenAI.BaseURL,
			Model:         cfg.Embedding.Model,
			Dimension:     cfg.Embedding.Dimension,
			RatePerSecond: cfg.Embedding.OpenAI.RatePerSecond,
			Burst:         cfg.Embedding.OpenAI.Burst,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		embedder = e
	default:
		return nil, nil, nil, fmt.Errorf("未知的向量 provider: %s", cfg.Embedding.Provider)
	}

	switch cfg.Memory.Backend {
	case "", "memory":
		return memory.NewLocalBackend(), embedder, func() {}, nil
	case "redis":
		backend, err := memory.NewRedisBackend(ctx, memory.RedisBackendConfig{
			Address:  cfg.Memory.Redis.Address,
			Password: cfg.Memory.Redis.Password,
			DB:       cfg.Memory.Redis.DB,
			Prefix:   cfg.Memory.Redis.Key,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return backend, embedder, func() { _ = backend.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("未知的记忆后端: %s", cfg.Memory.Backend)
	}
}

func createStore(ctx context.Context, cfg config.StorageConfig) (operation.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return operation.NewMemoryStore(), nil
	case "mysql":
		return mysql.NewOperationRepository(ctx, mysql.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Driver)
	}
}

func createQueue(ctx context.Context, cfg config.QueueConfig) (operation.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return operation.NewMemoryQueue(cfg.Size), nil
	case "redis":
		return operation.NewRedisQueue(ctx, operation.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Key,
			BlockWait: time.Duration(cfg.Redis.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return operation.NewRabbitMQQueue(operation.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

// createAlerting 总是启用日志告警；配置了频道时同时发布到 Redis。
func createAlerting(ctx context.Context, cfg *config.Config) (*redis.Client, alerting.Dispatcher) {
	notifiers := []alerting.Notifier{
		alerting.NewLogNotifier(logger.Named("alert"), cfg.Observability.AlertLogLevel),
	}
	channel := cfg.Observability.AlertRedisChannel
	addr := cfg.Queue.Redis
	if addr.Address == "" {
		addr = cfg.Memory.Redis
	}
	if channel == "" || addr.Address == "" {
		return nil, alerting.NewFanout(notifiers...)
	}
	client := redis.NewClient(&redis.Options{Addr: addr.Address, Password: addr.Password, DB: addr.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.L().Warn("告警 Redis 不可用，仅输出日志告警", slog.Any("error", err))
		_ = client.Close()
		return nil, alerting.NewFanout(notifiers...)
	}
	notifiers = append(notifiers, &alerting.RedisNotifier{Client: client, ChannelName: channel})
	return client, alerting.NewFanout(notifiers...)
}
