// Package messaging mirrors the in-process event stream to Kafka so
// external consumers can follow execution lifecycles.
package messaging

import (
	"encoding/json"

	"github.com/IBM/sarama"

	"github.com/flowcore-ai/flowcore/internal/bus"
	"github.com/flowcore-ai/flowcore/internal/platform/config"
	"github.com/flowcore-ai/flowcore/internal/platform/logger"
	"github.com/flowcore-ai/flowcore/internal/platform/metrics"
)

// Mirror forwards every bus event to a Kafka topic, keyed by execution id
// so per-execution ordering survives partitioning. Mirroring is disabled
// when no brokers are configured.
type Mirror struct {
	producer sarama.AsyncProducer
	sub      *bus.Subscription
	topic    string
	log      logger.Logger
	metrics  *metrics.Metrics
	done     chan struct{}
}

// NewMirror connects the producer and starts forwarding. Returns nil when
// cfg.Brokers is empty.
func NewMirror(cfg config.KafkaConfig, b *bus.Bus, log logger.Logger, m *metrics.Metrics) (*Mirror, error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil
	}

	saramaCfg := sarama.NewConfig()
	saramaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	saramaCfg.Producer.Compression = sarama.CompressionSnappy
	saramaCfg.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, err
	}

	mirror := &Mirror{
		producer: producer,
		sub:      b.Subscribe(bus.Filter{}),
		topic:    cfg.Topic,
		log:      log,
		metrics:  m,
		done:     make(chan struct{}),
	}
	go mirror.forward()
	go mirror.drainErrors()
	return mirror, nil
}

func (m *Mirror) forward() {
	defer close(m.done)
	for e := range m.sub.Events() {
		raw, err := json.Marshal(e)
		if err != nil {
			continue
		}
		m.producer.Input() <- &sarama.ProducerMessage{
			Topic: m.topic,
			Key:   sarama.StringEncoder(e.ExecutionID),
			Value: sarama.ByteEncoder(raw),
		}
		m.metrics.KafkaMirrored.Inc()
	}
}

func (m *Mirror) drainErrors() {
	for err := range m.producer.Errors() {
		m.log.Warn("kafka mirror publish failed", "error", err.Err)
	}
}

// Close stops forwarding and shuts the producer down.
func (m *Mirror) Close() error {
	m.sub.Unsubscribe()
	<-m.done
	return m.producer.Close()
}
