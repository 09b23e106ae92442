// Package events はドメインイベントをKafkaへ送信する。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// イベント種別
const (
	TypeUserRegistered     = "user.registered"
	TypeWaterRecordCreated = "water.record.created"
	TypeWaterRecordUpdated = "water.record.updated"
	TypeWaterRecordDeleted = "water.record.deleted"
)

// Event はKafkaに送信するドメインイベント。
// メッセージキーにはUserIDを使い、同一ユーザーのイベント順序を保つ。
type Event struct {
	Type       string         `json:"type"`
	UserID     string         `json:"userId"`
	OccurredAt time.Time      `json:"occurredAt"`
	Data       map[string]any `json:"data,omitempty"`
}

// Publisher はドメインイベントの送信インターフェース。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Writer はkafka.Writerのうち使用するメソッドのみを定義する。
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher はKafkaへイベントを送信するPublisher。
type KafkaPublisher struct {
	writer Writer
}

// イベント送信のバッチ設定。
// 1件ずつ届くイベントを既定の1秒間溜めないようにし、送信は呼び出し元から切り離す。
const (
	kafkaBatchTimeout = 10 * time.Millisecond
	kafkaMaxAttempts  = 3
)

// NewKafkaPublisher はブローカー一覧（カンマ区切り）とトピックからKafkaPublisherを生成する。
func NewKafkaPublisher(brokers, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: newKafkaWriter(brokers, topic)}
}

// newKafkaWriter は非同期送信のkafka.Writerを生成する。
// WriteMessagesはキューに積んだ時点で戻り、配送の失敗はCompletionでログに残す。
func newKafkaWriter(brokers, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(splitBrokers(brokers)...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           kafkaBatchTimeout,
		MaxAttempts:            kafkaMaxAttempts,
		Async:                  true,
		Completion:             logDeliveryFailure,
	}
}

// logDeliveryFailure は非同期送信の結果を受け取り、失敗した場合のみ記録する。
func logDeliveryFailure(messages []kafka.Message, err error) {
	if err == nil {
		return
	}
	for _, m := range messages {
		slog.Warn("failed to deliver event",
			slog.String("topic", m.Topic),
			slog.String("user_id", string(m.Key)),
			slog.String("type", eventType(m)),
			slog.String("error", err.Error()),
		)
	}
}

func eventType(m kafka.Message) string {
	for _, h := range m.Headers {
		if h.Key == "type" {
			return string(h.Value)
		}
	}
	return ""
}

// NewKafkaPublisherWithWriter はWriterを差し替えてKafkaPublisherを生成する。
func NewKafkaPublisherWithWriter(w Writer) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

// Publish はイベントをJSONに変換して送信する。
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.UserID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(event.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write event %s: %w", event.Type, err)
	}
	return nil
}

// Close は送信待ちのイベントを書き出してから内部のWriterを閉じる。
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NoopPublisher はイベントを破棄するPublisher。KAFKA_BROKERS未設定時に使用する。
type NoopPublisher struct{}

// Publish は何もしない。
func (NoopPublisher) Publish(ctx context.Context, event Event) error { return nil }

// Close は何もしない。
func (NoopPublisher) Close() error { return nil }

// Emit はイベントを送信し、失敗した場合はログに記録するだけで呼び出し元には返さない。
// イベント送信の失敗で利用者の操作を失敗させない。
func Emit(ctx context.Context, p Publisher, event Event) {
	if p == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := p.Publish(ctx, event); err != nil {
		slog.Warn("failed to publish event",
			slog.String("type", event.Type),
			slog.String("user_id", event.UserID),
			slog.String("error", err.Error()),
		)
	}
}

func splitBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// compile-time interface check
var _ Publisher = (*KafkaPublisher)(nil)
var _ Publisher = NoopPublisher{}
