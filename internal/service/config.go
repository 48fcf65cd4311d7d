// internal/service/config.go
package service

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

// Config 是整个核心的配置根结构
type Config struct {
	Session    SessionConfig             `mapstructure:"Session"`
	Market     MarketConfig              `mapstructure:"Market"`
	Controller ControllerConfig          `mapstructure:"Controller"`
	Timing     TimingConfig              `mapstructure:"Timing"`
	Risk       RiskConfig                `mapstructure:"Risk"`
	Breaker    BreakerConfig             `mapstructure:"Breaker"`
	Orders     OrdersConfig              `mapstructure:"Orders"`
	RateLimit  RateLimitConfig           `mapstructure:"RateLimit"`
	Costs      CostsConfig               `mapstructure:"Costs"`
	Exits      ExitsConfig               `mapstructure:"Exits"`
	Journal    JournalConfig             `mapstructure:"Journal"`
	Admin      AdminConfig               `mapstructure:"Admin"`
	Strategies map[string]StrategyConfig `mapstructure:"Strategies"`
}

// SessionConfig 定义了交易日会话边界
type SessionConfig struct {
	Timezone  string // 交易所时区，例如 "Asia/Kolkata"
	OpenTime  string // "09:15"
	CloseTime string // "15:30"
	EODCutoff string // 收盘强平时间，例如 "15:15"
}

// MarketConfig 定义了行情接入与数据质量门限
type MarketConfig struct {
	WSURL            string
	Symbols          []string
	Instruments      []InstrumentConfig // 可交易工具清单
	FreshnessWarnSec int                // 快照年龄超过该值记警告
	FreshnessCritSec int                // 快照年龄超过该值直接拒用
	MaxSpreadPct     float64            // 价差合理性上限 (相对中间价)
	ShockFailStreak  int                // 连续质量失败 N 次升级为熔断触发
}

// InstrumentConfig 单个可交易工具的静态描述
type InstrumentConfig struct {
	Symbol     string
	Underlying string
	Kind       string // "CALL" / "PUT" / "FUTURE"
	Strike     float64
	LotSize    int
}

// ControllerConfig 元控制器参数
type ControllerConfig struct {
	TickInterval    time.Duration // 策略选择周期，例如 300s
	MonitorInterval time.Duration // 持仓监控/入场队列复查周期，例如 5s
	Epsilon         float64       // 探索概率 (epsilon-greedy)
}

// TimingConfig 入场时机队列参数
type TimingConfig struct {
	AdverseDeviationPct   float64       // 不利方向偏离阈值 (例如 0.003 = 0.3%)
	FavorableDeviationPct float64       // 有利方向偏离阈值 (通常更宽)
	MaxWait               time.Duration // 排队超时后无条件放行
	SignalTTL             time.Duration // 信号默认存活时间
}

// RiskConfig 风控与资金参数
type RiskConfig struct {
	TotalCapital       float64
	RiskFraction       map[string]float64 // Key: Regime，每次交易愿意承担的资金比例
	DefaultRiskFrac    float64            // Regime 未配置时的缺省值
	StrategyCapFrac    float64            // 单策略资金占用上限 (占总资金比例)
	SymbolCapFrac      float64            // 单标的名义敞口上限 (占总资金比例)
	UtilizationCapFrac float64            // 总保证金占用上限
}

// BreakerConfig 熔断器参数
type BreakerConfig struct {
	DailyLossFrac   float64 // 日内亏损上限 (占总资金比例)
	LossStreak      int     // 连续亏损笔数阈值
	MaxDrawdownFrac float64 // 相对资金峰值的最大回撤
	OverrideToken   string  // 解除 EMERGENCY_STOP 所需的口令
}

// OrdersConfig 订单校验参数
type OrdersConfig struct {
	MaxOrderQty  int           // 单笔订单数量上限
	PriceBandPct float64       // 相对参考价的价格带 (例如 0.05 = 5%)
	MaxNotional  float64       // 单笔名义金额上限
	DedupWindow  time.Duration // 指纹去重窗口
	MaxRetries   int           // 提交重试预算
}

// RateLimitConfig 令牌桶与退避参数
type RateLimitConfig struct {
	APIBucket   int           // 通用 API 每窗口令牌数
	OrderBucket int           // 下单专用桶 (更严格)
	Window      time.Duration // 令牌窗口，例如 1s
	QueueSize   int           // 等待队列上限
	BackoffBase time.Duration // 退避基础延迟
	BackoffMax  time.Duration // 退避延迟上限
	CallTimeout time.Duration // 单次外部调用超时
}

// CostsConfig 滑点与交易成本模型参数
type CostsConfig struct {
	BaseSpreadPct       float64 // 基础价差成本 (单边，相对理论价)
	ImpactCoeff         float64 // 市场冲击系数 (数量/流动性)
	VolThreshold        float64 // 波动率附加费的启动阈值
	VolSurchargePct     float64 // 超过阈值后的附加滑点
	SessionEdgeMin      float64 // 距开/收盘该分钟数以内加收时段附加费
	SessionSurchargePct float64
	BrokerageRate       float64 // 佣金费率
	BrokerageCap        float64 // 单笔佣金上限
	ExchangeFeeRate     float64 // 交易所费率
	TransactionTaxRate  float64 // 单边交易税 (卖出侧)
	FeeTaxRate          float64 // 基于费用的税 (例如 GST)
}

// ExitsConfig 持仓离场规则参数
type ExitsConfig struct {
	TierMultipliers  []float64 // 止盈层价格乘数 (相对入场价)
	TierFractions    []float64 // 每层释放的原始数量比例
	BreakevenAfterT1 bool      // 第一层命中后是否将止损推至保本
	TrailTriggerPct  float64   // 浮盈达到该比例后启动追踪止损
	TrailLockPct     float64   // 追踪止损锁定比例 (相对最高有利价)
}

// JournalConfig 持久化汇报配置 (不可用时核心降级为仅日志)
type JournalConfig struct {
	Driver string // "postgres" 或 "log"
	DSN    string
}

// AdminConfig 控制面 HTTP 服务配置
type AdminConfig struct {
	Listen string // 例如 ":8085"
}

// StrategyConfig 单个策略的启停与参数
type StrategyConfig struct {
	Enabled bool
	Params  map[string]float64
}

// GlobalConfig 存储加载后的全局配置
var GlobalConfig Config

// LoadConfig 读取并解析配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configPath)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Fatalf("Config file not found: %s", err)
		} else {
			log.Fatalf("Error reading config file: %s", err)
		}
	}

	if err := viper.Unmarshal(&GlobalConfig); err != nil {
		log.Fatalf("Unable to decode config into struct: %s", err)
	}

	return &GlobalConfig
}
