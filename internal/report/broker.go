package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"ChainPilot/internal/config"
)

// RedisSink 把结果以 JSON 形式 LPUSH 到 Redis list。
type RedisSink struct {
	client *redis.Client
	key    string
}

// NewRedisSink 连接 Redis 并校验连通性。
func NewRedisSink(ctx context.Context, cfg config.RedisConfig) (*RedisSink, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	key := cfg.Key
	if key == "" {
		key = "chainpilot:results"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisSink{client: client, key: key}, nil
}

// Record 推送一条结果。
func (s *RedisSink) Record(ctx context.Context, r TaskResult) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := s.client.LPush(ctx, s.key, body).Err(); err != nil {
		return fmt.Errorf("Redis 写入结果失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisSink) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// RabbitMQSink 把每条结果发布到 RabbitMQ 队列。
type RabbitMQSink struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	ch      *amqp.Channel
	queue   string
	durable bool
}

// NewRabbitMQSink 连接 RabbitMQ 并声明队列。
func NewRabbitMQSink(_ context.Context, cfg config.RabbitMQConfig) (*RabbitMQSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "chainpilot.results"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	return &RabbitMQSink{conn: conn, ch: ch, queue: queue, durable: cfg.Durable}, nil
}

// Record 发布一条 JSON 消息。amqp channel 不支持并发发布，因此串行化。
func (s *RabbitMQSink) Record(ctx context.Context, r TaskResult) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		return errors.New("RabbitMQ channel 已关闭")
	}
	mode := amqp.Transient
	if s.durable {
		mode = amqp.Persistent
	}
	return s.ch.PublishWithContext(ctx, "", s.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: mode,
		MessageId:    fmt.Sprintf("%s-%d", r.RunID, r.Account),
		Body:         body,
	})
}

// Close 关闭 channel 和连接。
func (s *RabbitMQSink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}
