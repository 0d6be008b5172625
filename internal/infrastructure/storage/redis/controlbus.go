package redis

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"udsmux/internal/application/port"
	"udsmux/internal/domain/model"
)

// ControlBus 控制面事件总线（redis pub/sub）
// web 侧 CRUD 层在账户订阅增删时发布 JSON 事件，这里是两个子系统唯一的耦合点
type ControlBus struct {
	rdb     *redis.Client
	channel string
}

func NewControlBus(rdb *redis.Client, channel string) *ControlBus {
	return &ControlBus{rdb: rdb, channel: channel}
}

// Subscribe 订阅控制频道，返回类型化事件通道
// 订阅确认失败时返回错误；之后的坏消息只记日志不中断
func (b *ControlBus) Subscribe(ctx context.Context) (<-chan model.MembershipEvent, error) {
	pubsub := b.rdb.Subscribe(ctx, b.channel)

	// 等待订阅确认
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	out := make(chan model.MembershipEvent, 256)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		log.Info().Str("channel", b.channel).Msg("control bus subscribed")

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev model.MembershipEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Error().Err(err).Msg("control event unmarshal failed")
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

var _ port.ControlBus = (*ControlBus)(nil)
