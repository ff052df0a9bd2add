// Package queue publishes attestation lifecycle events to a message broker.
//
// The kafka driver is used in production; the stdio driver writes one JSON
// payload per line and exists for local development and piping into other
// tooling.
package queue

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"
)

const envKafkaTLS = "ATTESTER_QUEUE_KAFKA_TLS"

// Producer publishes queue messages.
type Producer interface {
	Publish(ctx context.Context, topic string, key, payload []byte) error
	Close() error
}

// ProducerConfig configures queue producers.
type ProducerConfig struct {
	Driver string

	// Kafka fields.
	Brokers      []string
	BatchTimeout time.Duration

	// Stdio fields.
	Writer io.Writer
}

// NewProducer creates a queue producer for the configured driver.
func NewProducer(cfg ProducerConfig) (Producer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaProducer(cfg)
	case DriverStdio:
		return newStdioProducer(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverKafka
	}
	return v
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func SplitCommaList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return normalizeList(strings.Split(s, ","))
}

func kafkaTLSEnabled() bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(envKafkaTLS)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

type kafkaProducer struct {
	writer *kafka.Writer
}

func newKafkaProducer(cfg ProducerConfig) (Producer, error) {
	brokers := normalizeList(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafka producer requires at least one broker")
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	if kafkaTLSEnabled() {
		writer.Transport = &kafka.Transport{
			TLS: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		}
	}

	return &kafkaProducer{writer: writer}, nil
}

func (p *kafkaProducer) Publish(ctx context.Context, topic string, key, payload []byte) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return errors.New("topic is required")
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: key, Value: payload})
}

func (p *kafkaProducer) Close() error {
	return p.writer.Close()
}

type stdioProducer struct {
	w io.Writer
	m sync.Mutex
}

func newStdioProducer(cfg ProducerConfig) Producer {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	return &stdioProducer{w: w}
}

func (p *stdioProducer) Publish(_ context.Context, _ string, _, payload []byte) error {
	p.m.Lock()
	defer p.m.Unlock()

	if _, err := p.w.Write(payload); err != nil {
		return err
	}
	if _, err := p.w.Write([]byte("\n")); err != nil {
		return err
	}
	return nil
}

func (p *stdioProducer) Close() error {
	return nil
}
