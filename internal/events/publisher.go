package events

import (
	"encoding/json"
	"log"
	"time"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"
)

const (
	TopicTransactionCompleted = "payment.transaction.completed"
	TopicTransactionFailed    = "payment.transaction.failed"
	TopicEnrollmentCreated    = "course.enrollment.created"
)

type TransactionEvent struct {
	TransactionID uint            `json:"transaction_id"`
	Code          string          `json:"code"`
	UserID        uint            `json:"user_id"`
	CourseID      uint            `json:"course_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Method        string          `json:"method"`
	Status        string          `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

type EnrollmentEvent struct {
	EnrollmentID  uint      `json:"enrollment_id"`
	UserID        uint      `json:"user_id"`
	CourseID      uint      `json:"course_id"`
	TransactionID *uint     `json:"transaction_id,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Publisher emits domain events. Delivery is best effort: a failed publish is logged and
// never rolls back the state change that caused it.
type Publisher interface {
	Publish(topic, key string, event interface{})
}

type KafkaPublisher struct {
	producer sarama.SyncProducer
	prefix   string
}

// NewKafkaPublisher dials brokers, retrying a few times while Kafka comes up.
func NewKafkaPublisher(brokers []string, topicPrefix string) (*KafkaPublisher, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3

	var (
		producer sarama.SyncProducer
		err      error
	)
	for i := 1; i <= 5; i++ {
		producer, err = sarama.NewSyncProducer(brokers, config)
		if err == nil {
			log.Println("[Kafka] producer initialized")
			return NewKafkaPublisherFromProducer(producer, topicPrefix), nil
		}
		log.Printf("[Kafka] waiting for brokers (%d/5): %v", i, err)
		time.Sleep(2 * time.Second)
	}
	return nil, err
}

func NewKafkaPublisherFromProducer(p sarama.SyncProducer, topicPrefix string) *KafkaPublisher {
	return &KafkaPublisher{producer: p, prefix: topicPrefix}
}

func (p *KafkaPublisher) Publish(topic, key string, event interface{}) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[Kafka] marshal %s: %v", topic, err)
		return
	}

	msg := &sarama.ProducerMessage{
		Topic: p.prefix + topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	}

	if _, _, err := p.producer.SendMessage(msg); err != nil {
		log.Printf("[Kafka] send %s key=%s: %v", msg.Topic, key, err)
		return
	}
	log.Printf("[Kafka] published %s key=%s", msg.Topic, key)
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// Noop is used when no brokers are configured.
type Noop struct{}

func (Noop) Publish(string, string, interface{}) {}
