package events

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
	"github.com/thecatch/orderflow/pkg/models"
)

const (
	OrderStatusChangedTopic    = "order.status_changed"
	OrderStatusChangedDLQTopic = "order.status_changed.dlq"
)

// OrderStatusChangedEvent is published once per genuine transition,
// never for idempotent re-applications.
type OrderStatusChangedEvent struct {
	OrderID        string             `json:"order_id"`
	OrderNumber    string             `json:"order_number"`
	PreviousStatus models.OrderStatus `json:"previous_status"`
	NewStatus      models.OrderStatus `json:"new_status"`
	ChangedAt      time.Time          `json:"changed_at"`
	EventTime      time.Time          `json:"event_time"`
}

// Publisher is the narrow surface the API handler needs; it lets tests
// capture events without a broker.
type Publisher interface {
	PublishStatusChanged(event OrderStatusChangedEvent) error
}

type KafkaProducer struct {
	producer sarama.SyncProducer
	logger   *logrus.Logger
}

func NewKafkaProducer(brokers string, logger *logrus.Logger) (*KafkaProducer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Version = sarama.V2_6_0_0

	producer, err := sarama.NewSyncProducer(strings.Split(brokers, ","), config)
	if err != nil {
		return nil, err
	}

	return &KafkaProducer{
		producer: producer,
		logger:   logger,
	}, nil
}

func (p *KafkaProducer) PublishStatusChanged(event OrderStatusChangedEvent) error {
	event.EventTime = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: OrderStatusChangedTopic,
		Key:   sarama.StringEncoder(event.OrderID),
		Value: sarama.ByteEncoder(data),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.WithError(err).Error("Failed to send message to Kafka")
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"topic":        OrderStatusChangedTopic,
		"partition":    partition,
		"offset":       offset,
		"order_id":     event.OrderID,
		"order_number": event.OrderNumber,
		"new_status":   event.NewStatus,
	}).Info("Event published to Kafka")

	return nil
}

func (p *KafkaProducer) Close() error {
	return p.producer.Close()
}
