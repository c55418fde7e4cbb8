package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"TwinGovernance/internal/api"
	"TwinGovernance/internal/config"
	"TwinGovernance/internal/execution"
	"TwinGovernance/internal/member"
	"TwinGovernance/internal/notify"
	"TwinGovernance/internal/observability/alerting"
	"TwinGovernance/internal/observability/metrics"
	"TwinGovernance/internal/proposal"
	"TwinGovernance/internal/swap"
	"TwinGovernance/internal/token"
	"TwinGovernance/internal/treasury"
	"TwinGovernance/pkg/logger"
)

// main 是治理守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("twingovd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("TWINGOV_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "twingov.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	defs, err := token.LoadDefinitions(cfg.Tokens.Source)
	if err != nil {
		return err
	}
	registry := token.NewRegistry(defs)

	store, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	queue, err := buildDelegateQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Warn("关闭代理队列失败", slog.Any("error", err))
		}
	}()

	sink, err := buildSink(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = sink.Close() }()

	venue := swap.NewClient(swap.Config{
		APIURL:  cfg.Venue.APIURL,
		APIKey:  cfg.Venue.APIKey,
		ChainID: cfg.Venue.ChainID,
		Timeout: time.Duration(cfg.Venue.TimeoutSeconds) * time.Second,
	}, registry)

	var ethClient *ethclient.Client
	if cfg.Web3.RPCURL != "" {
		ethClient, err = ethclient.DialContext(ctx, cfg.Web3.RPCURL)
		if err != nil {
			return fmt.Errorf("连接链节点失败: %w", err)
		}
		defer ethClient.Close()
	}

	signer, err := buildSigner(cfg)
	if err != nil {
		return err
	}
	if signer == nil || ethClient == nil {
		logger.L().Warn("链访问或金库私钥未配置，守护进程以演示模式运行")
	}

	var oracle *treasury.Oracle
	if ethClient != nil {
		oracle = treasury.NewOracle(ethClient, cfg.Web3.TreasuryAddress)
	} else {
		oracle = treasury.NewOracle(nil, "")
	}

	var chain execution.ChainBackend
	if ethClient != nil {
		chain = ethClient
	}
	engine := execution.NewEngine(store, registry, venue, chain, signer, sink,
		alerting.NewFanout(), execution.Config{
			Spender:        cfg.Web3.Spender,
			ConfirmTimeout: time.Duration(cfg.Web3.ConfirmTimeoutSeconds) * time.Second,
		})

	coordinator := proposal.NewCoordinator(store, sink, engine)

	sessions := member.NewSessionRegistry()
	directory := member.NewMemoryDirectory(sessions)

	voter := proposal.NewDelegateVoter(store, directory, coordinator, sink)
	voter.Start(ctx, queue, cfg.Delegate.Workers)

	service := proposal.NewService(store, registry, venue, oracle, directory, coordinator, queue, sink)

	go runPriceMonitor(ctx, venue, sink, cfg.Prices.Symbols,
		time.Duration(cfg.Prices.IntervalSeconds)*time.Second)

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务退出", slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, service, coordinator, registry, venue, sessions, directory)
	logger.L().Info("twingovd 已启动", slog.String("address", cfg.Server.Address))
	return server.Start(ctx)
}

func buildStore(cfg *config.Config) (proposal.Store, error) {
	switch cfg.Storage.ProposalStore.Driver {
	case "", "memory":
		return proposal.NewMemoryStore(), nil
	case "mysql":
		return proposal.NewMySQLStore(cfg.Storage.ProposalStore.DSN)
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.ProposalStore.Driver)
	}
}

func buildDelegateQueue(cfg *config.Config) (proposal.Queue, error) {
	switch cfg.Delegate.Driver {
	case "", "memory":
		return proposal.NewMemoryQueue(1024), nil
	case "redis":
		return proposal.NewRedisQueue(proposal.RedisQueueConfig{
			Address:   cfg.Delegate.Redis.Address,
			Password:  cfg.Delegate.Redis.Password,
			DB:        cfg.Delegate.Redis.DB,
			Queue:     cfg.Delegate.Redis.Queue,
			BlockWait: time.Duration(cfg.Delegate.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return proposal.NewRabbitMQQueue(proposal.RabbitMQConfig{
			URL:        cfg.Delegate.RabbitMQ.URL,
			Queue:      cfg.Delegate.RabbitMQ.Queue,
			Prefetch:   cfg.Delegate.RabbitMQ.Prefetch,
			Durable:    cfg.Delegate.RabbitMQ.Durable,
			AutoDelete: cfg.Delegate.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Delegate.Driver)
	}
}

func buildSink(cfg *config.Config) (notify.Sink, error) {
	sinks := []notify.Sink{notify.NewLogSink()}
	if cfg.Notify.Redis.Address != "" {
		redisSink, err := notify.NewRedisSink(notify.RedisSinkConfig{
			Address:  cfg.Notify.Redis.Address,
			Password: cfg.Notify.Redis.Password,
			DB:       cfg.Notify.Redis.DB,
			Channel:  cfg.Notify.Redis.Channel,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, redisSink)
	}
	if cfg.Notify.RabbitMQ.URL != "" {
		rabbitSink, err := notify.NewRabbitMQSink(notify.RabbitMQSinkConfig{
			URL:      cfg.Notify.RabbitMQ.URL,
			Exchange: cfg.Notify.RabbitMQ.Exchange,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, rabbitSink)
	}
	return notify.NewFanout(sinks...), nil
}

func buildSigner(cfg *config.Config) (*treasury.Signer, error) {
	key := strings.TrimSpace(cfg.Web3.TreasuryKey)
	if key == "" && cfg.Web3.TreasuryKeyEnv != "" {
		key = strings.TrimSpace(os.Getenv(cfg.Web3.TreasuryKeyEnv))
	}
	if key == "" {
		return nil, nil
	}
	return treasury.NewSigner(key)
}

// runPriceMonitor 周期性拉取代币美元价格并广播 price-update 事件。
func runPriceMonitor(ctx context.Context, venue *swap.Client, sink notify.Sink, symbols []string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	publish := func() {
		for _, symbol := range symbols {
			price := venue.PriceOf(ctx, symbol)
			event := notify.NewEvent(notify.TypePriceUpdate, "")
			event.Payload = map[string]any{"symbol": symbol, "price_usd": price}
			if err := sink.Publish(ctx, event); err != nil {
				logger.L().Warn("价格事件广播失败", slog.Any("error", err),
					slog.String("symbol", symbol))
			}
		}
	}

	publish()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			publish()
		}
	}
}
