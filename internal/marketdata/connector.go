package marketdata

import (
	"context"
	"encoding/json"
	"time"

	"deriv-algo-trader/internal/model"
	"deriv-algo-trader/internal/service"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// feedMessage 行情网关的通用推送结构
type feedMessage struct {
	Type       string          `json:"type"` // "spot" / "quote" / "greeks"
	Symbol     string          `json:"symbol"`
	Instrument string          `json:"instrument,omitempty"`
	Timestamp  int64           `json:"ts"` // 毫秒时间戳
	Data       json.RawMessage `json:"data"`
}

type spotData struct {
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
}

type quoteData struct {
	Bid          float64 `json:"bid"`
	Ask          float64 `json:"ask"`
	Last         float64 `json:"last"`
	Volume       float64 `json:"volume"`
	OpenInterest float64 `json:"oi"`
}

type greeksData struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	IV    float64 `json:"iv"`
}

// Connector 负责连接行情网关并把推送写入快照存储。
// 连接断开后按固定间隔重连；解析失败的消息直接跳过。
type Connector struct {
	wsURL   string
	symbols []string
	store   *Store
	logger  *zap.Logger
}

// NewConnector 初始化行情连接器
func NewConnector(cfg service.MarketConfig, store *Store, logger *zap.Logger) *Connector {
	logger.Info("Connector initialized", zap.Strings("Symbols", cfg.Symbols))
	return &Connector{
		wsURL:   cfg.WSURL,
		symbols: cfg.Symbols,
		store:   store,
		logger:  logger,
	}
}

// Run 维持连接直到 ctx 结束
func (c *Connector) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.connectAndRead(ctx); err != nil {
			c.logger.Error("Feed connection lost, reconnecting...", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

func (c *Connector) connectAndRead(ctx context.Context) error {
	c.logger.Info("Connecting market feed", zap.String("URL", c.wsURL))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := map[string]interface{}{
		"op":      "subscribe",
		"symbols": c.symbols,
		"feeds":   []string{"spot", "quote", "greeks"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}
	c.logger.Info("Subscribed to market feeds")

	// ctx 结束时强制关闭连接以打断 ReadMessage
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handle(message)
	}
}

func (c *Connector) handle(message []byte) {
	var msg feedMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}
	if msg.Symbol == "" || len(msg.Data) == 0 {
		return
	}
	ts := time.UnixMilli(msg.Timestamp)

	switch msg.Type {
	case "spot":
		var d spotData
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			c.logger.Error("Spot data unmarshal error", zap.Error(err))
			return
		}
		c.store.ApplySpot(msg.Symbol, d.Price, d.Volume, ts)

	case "quote":
		if msg.Instrument == "" {
			return
		}
		var d quoteData
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			c.logger.Error("Quote data unmarshal error", zap.Error(err))
			return
		}
		c.store.ApplyQuote(msg.Symbol, msg.Instrument, model.Quote{
			Bid:          d.Bid,
			Ask:          d.Ask,
			Last:         d.Last,
			Volume:       d.Volume,
			OpenInterest: d.OpenInterest,
			Timestamp:    ts,
		})

	case "greeks":
		if msg.Instrument == "" {
			return
		}
		var d greeksData
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			return
		}
		c.store.ApplyGreeks(msg.Symbol, msg.Instrument, model.Greeks{
			Delta: d.Delta,
			Gamma: d.Gamma,
			Theta: d.Theta,
			Vega:  d.Vega,
			IV:    d.IV,
		})
	}
}
