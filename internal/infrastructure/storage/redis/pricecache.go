package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"udsmux/internal/application/port"
)

// PriceCache 最新价格只读缓存
// 读取行情管道维护的 hash：key = <prefix>:latest，field = "EXCHANGE:SYMBOL"
type PriceCache struct {
	rdb       *redis.Client
	keyLatest string
	exchange  string
}

type latestPrice struct {
	Exchange string  `json:"exchange"`
	Symbol   string  `json:"symbol"`
	Price    float64 `json:"price"`
	Ts       int64   `json:"ts"`
}

func NewPriceCache(rdb *redis.Client, prefix, exchange string) *PriceCache {
	if exchange == "" {
		exchange = "BINANCE"
	}
	return &PriceCache{
		rdb:       rdb,
		keyLatest: prefix + ":latest",
		exchange:  exchange,
	}
}

// Latest 查询最新缓存价；缺失返回 (0, false)，由调用方 fails-open
func (c *PriceCache) Latest(ctx context.Context, symbol string) (float64, bool) {
	field := fmt.Sprintf("%s:%s", c.exchange, symbol)
	raw, err := c.rdb.HGet(ctx, c.keyLatest, field).Result()
	if err == redis.Nil {
		return 0, false
	}
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("price cache lookup failed")
		return 0, false
	}

	var lp latestPrice
	if err := json.Unmarshal([]byte(raw), &lp); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("price cache payload malformed")
		return 0, false
	}
	if lp.Price <= 0 {
		return 0, false
	}
	return lp.Price, true
}

var _ port.PriceCache = (*PriceCache)(nil)
