package internal

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dushixiang/argus/internal/config"
	"github.com/dushixiang/argus/internal/service"
	"github.com/dushixiang/argus/internal/telegram"
	"github.com/dushixiang/argus/pkg/cache"
	"github.com/dushixiang/argus/pkg/exchange"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const telegramHTTPTimeout = 10 * time.Second

// notifierRelay 延迟绑定的通知器
// 应急与自动驾驶服务在构造期就需要Notifier，而Telegram要等全部服务就绪后才能创建
type notifierRelay struct {
	mu     sync.Mutex
	target service.Notifier
}

func newNotifierRelay() *notifierRelay {
	return &notifierRelay{}
}

func (r *notifierRelay) Bind(target service.Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.target = target
}

func (r *notifierRelay) Notify(title string, message string) {
	r.mu.Lock()
	target := r.target
	r.mu.Unlock()
	if target != nil {
		target.Notify(title, message)
	}
}

// provideAuthService 创建认证服务，密钥来自配置
func provideAuthService(logger *zap.Logger, db *gorm.DB, conf *config.Config) *service.AuthService {
	return service.NewAuthService(logger, db, conf.JwtSecret)
}

// provideBinanceClient 创建Binance客户端，纸钱包模式下仍用于行情数据
func provideBinanceClient(conf *config.Config, logger *zap.Logger) *exchange.BinanceClient {
	client := exchange.NewBinanceClient(
		conf.Binance.APIKey,
		conf.Binance.Secret,
		conf.Binance.ProxyURL,
		conf.Binance.Testnet,
	)

	if conf.Binance.APIKey == "" || conf.Binance.Secret == "" {
		logger.Warn("Binance API credentials not configured; some private endpoints may fail")
	}

	logger.Info("Binance client initialized",
		zap.Bool("testnet", conf.Binance.Testnet),
		zap.Bool("has_credentials", conf.Binance.APIKey != "" && conf.Binance.Secret != ""),
	)
	return client
}

// provideExchange 真实交易走Binance，否则用纸钱包模拟成交
func provideExchange(conf *config.Config, binanceClient *exchange.BinanceClient, logger *zap.Logger) exchange.Exchange {
	if conf.Trading.Enabled {
		return binanceClient
	}

	initialBalance := conf.Trading.PaperWallet.InitialBalance
	if initialBalance <= 0 {
		initialBalance = 1000
	}
	logger.Info("paper wallet mode enabled", zap.Float64("initial_balance", initialBalance))
	return exchange.NewPaperWallet(binanceClient, initialBalance, logger)
}

// provideOpenAIClient 创建OpenAI客户端，未配置时返回nil，共识与助手自行降级
func provideOpenAIClient(conf *config.Config, logger *zap.Logger) *openai.Client {
	if conf.LLM.APIKey == "" {
		logger.Warn("LLM API key not configured; consensus and assistant are degraded")
		return nil
	}

	var options = []option.RequestOption{
		option.WithBaseURL(conf.LLM.BaseURL),
		option.WithAPIKey(conf.LLM.APIKey),
	}
	if conf.LLM.ProxyURL != "" {
		u, err := url.Parse(conf.LLM.ProxyURL)
		if err != nil {
			logger.Fatal("failed to parse proxy URL", zap.Error(err))
		}
		httpClient := &http.Client{
			Timeout: time.Minute,
			Transport: &http.Transport{
				Proxy: http.ProxyURL(u),
			},
		}
		options = append(options, option.WithHTTPClient(httpClient))
	}

	client := openai.NewClient(options...)

	logger.Info("OpenAI client initialized", zap.String("model", conf.LLM.Model))
	return &client
}

// provideCache Redis可用时用Redis，否则退回进程内缓存
func provideCache(conf *config.Config, logger *zap.Logger) cache.Cache {
	redisConf := conf.Cache.Redis
	if redisConf.Enabled {
		store, err := cache.NewRedisCache(redisConf.Addr, redisConf.Password, redisConf.DB, logger)
		if err != nil {
			logger.Error("failed to connect redis, falling back to memory cache", zap.Error(err))
			return cache.NewMemoryCache()
		}
		logger.Info("redis cache initialized", zap.String("addr", redisConf.Addr))
		return store
	}
	return cache.NewMemoryCache()
}

// provideTelegram 创建Telegram机器人，未启用时返回nil
func provideTelegram(logger *zap.Logger, conf *config.Config, deps telegram.Dependencies) *telegram.Telegram {
	if !conf.Telegram.Enabled {
		return nil
	}

	httpClient := &http.Client{Timeout: telegramHTTPTimeout}

	tg, err := telegram.NewTelegram(logger, telegram.Settings{
		Token:  conf.Telegram.Token,
		ChatID: conf.Telegram.ChatID,
		Client: httpClient,
	}, deps)
	if err != nil {
		logger.Error("failed to init telegram", zap.Error(err))
		return nil
	}

	return tg
}
