package config

type Config struct {
	JwtSecret string       `json:"jwt_secret"` // 为空时每次启动生成随机密钥
	Telegram  TelegramConf `json:"telegram"`
	Binance   BinanceConf  `json:"binance"`
	Trading   TradingConf  `json:"trading"`
	LLM       LlmConf      `json:"llm"`
	Gemini    GeminiConf   `json:"gemini"`
	Cache     CacheConf    `json:"cache"`
}

type TelegramConf struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  string `json:"chat_id"`
}

type BinanceConf struct {
	APIKey   string `json:"api_key"`
	Secret   string `json:"secret"`
	ProxyURL string `json:"proxy_url"` // 代理地址，例如: http://127.0.0.1:7890
	Testnet  bool   `json:"testnet"`   // 是否使用测试网
}

type TradingConf struct {
	Enabled         bool            `json:"enabled"`          // 是否启用真实交易，false时使用纸钱包模式
	PaperWallet     PaperWalletConf `json:"paper_wallet"`     // 纸钱包配置
	Symbols         []string        `json:"symbols"`          // 交易币种，如 ["BTCUSDT", "ETHUSDT"]
	IntervalMinutes int             `json:"interval_minutes"` // 自动驾驶周期（分钟），默认5
	DefaultMode     string          `json:"default_mode"`     // 新账户默认交易模式，默认 balanced
	HaltTTLMinutes  int             `json:"halt_ttl_minutes"` // 风控暂停自动恢复时间（分钟），默认60
}

type PaperWalletConf struct {
	InitialBalance float64 `json:"initial_balance"` // 初始余额（USDT），默认1000
}

type LlmConf struct {
	BaseURL  string `json:"base_url"`  // LLM API基础URL
	APIKey   string `json:"api_key"`   // LLM API密钥
	Model    string `json:"model"`     // 模型名称
	ProxyURL string `json:"proxy_url"` // 代理地址，例如: http://127.0.0.1:7890
}

type GeminiConf struct {
	Enabled bool   `json:"enabled"` // 是否启用Gemini作为第二共识模型
	APIKey  string `json:"api_key"` // Gemini API密钥
	Model   string `json:"model"`   // 模型名称，默认 gemini-2.0-flash
}

type CacheConf struct {
	Redis RedisConf `json:"redis"`
}

type RedisConf struct {
	Enabled  bool   `json:"enabled"`  // 是否使用Redis缓存，false时使用内存缓存
	Addr     string `json:"addr"`     // Redis地址，例如: 127.0.0.1:6379
	Password string `json:"password"` // Redis密码
	DB       int    `json:"db"`       // Redis数据库编号
}
