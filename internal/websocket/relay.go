package websocket

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"disposms/backend/internal/pool"
)

// FanoutChannel 跨实例推送使用的 Redis 频道
const FanoutChannel = "disposms:fanout"

const relayPublishTimeout = 2 * time.Second

// envelope 跨实例转发的数据
type envelope struct {
	UserID string          `json:"userId"`
	Frame  json.RawMessage `json:"frame"`
}

// RedisRelay 通过 Redis 发布订阅在多个实例间转发推送
//
// Publish 只负责发布，本实例同样通过订阅收到事件后再交给本地 Hub。
type RedisRelay struct {
	rdb     *goredis.Client
	hub     *Hub
	workers *pool.WorkerPool
	log     *zap.Logger
}

// NewRedisRelay 创建跨实例转发器，workers 需由调用方启动，并在所有发布方退出后停止
func NewRedisRelay(rdb *goredis.Client, hub *Hub, workers *pool.WorkerPool, log *zap.Logger) *RedisRelay {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisRelay{
		rdb:     rdb,
		hub:     hub,
		workers: workers,
		log:     log,
	}
}

// Publish 实现 domain.Publisher，发布失败时退回本地推送
//
// 同一用户的事件按用户 ID 分片到同一工作协程，保持发布顺序。
func (r *RedisRelay) Publish(userID, event string, payload any) {
	frame, err := encodeFrame(event, payload, time.Now().UTC())
	if err != nil {
		r.log.Error("failed to marshal frame", zap.String("event", event), zap.Error(err))
		return
	}
	body, err := json.Marshal(envelope{UserID: userID, Frame: frame})
	if err != nil {
		r.log.Error("failed to marshal relay envelope", zap.Error(err))
		return
	}

	submitted := r.workers.TrySubmitKeyed(userID, func() {
		ctx, cancel := context.WithTimeout(context.Background(), relayPublishTimeout)
		defer cancel()

		if err := r.rdb.Publish(ctx, FanoutChannel, body).Err(); err != nil {
			r.log.Warn("relay publish failed, delivering locally",
				zap.String("userID", userID),
				zap.String("event", event),
				zap.Error(err),
			)
			r.hub.deliver(userID, frame)
		}
	})
	if !submitted {
		r.hub.metrics.RecordFanoutDropped()
		r.log.Warn("relay queue full, dropping event", zap.String("userID", userID), zap.String("event", event))
	}
}

// Run 订阅转发频道并把事件交给本地 Hub，直到 ctx 取消
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, FanoutChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	r.log.Info("fanout relay subscribed", zap.String("channel", FanoutChannel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle([]byte(msg.Payload))
		}
	}
}

func (r *RedisRelay) handle(body []byte) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil || env.UserID == "" {
		r.log.Warn("dropping malformed relay message", zap.Error(err))
		return
	}
	r.hub.deliver(env.UserID, env.Frame)
}
