// Package export ships journaled mention notifications to Kafka.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Baaaki/chatcore/internal/metrics"
	"github.com/Baaaki/chatcore/internal/wal"
	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

const DefaultTopic = "chat.mentions"

// Journal is the durable outbox the exporter drains.
type Journal interface {
	ReadAll() ([]wal.Entry, error)
	Cleanup(deliveredIDs []string) error
}

// NewProducer connects a synchronous, idempotent producer to brokers.
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = 3
	saramaConfig.Producer.Retry.Backoff = 100 * time.Millisecond
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Producer.Idempotent = true
	saramaConfig.Net.MaxOpenRequests = 1

	// Set connection timeouts to prevent hanging
	saramaConfig.Net.DialTimeout = 10 * time.Second
	saramaConfig.Net.ReadTimeout = 10 * time.Second
	saramaConfig.Net.WriteTimeout = 10 * time.Second
	saramaConfig.Metadata.Retry.Max = 3
	saramaConfig.Metadata.Retry.Backoff = 250 * time.Millisecond
	saramaConfig.Metadata.Timeout = 10 * time.Second

	producer, err := sarama.NewSyncProducer(brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return producer, nil
}

type Exporter struct {
	producer sarama.SyncProducer
	journal  Journal
	topic    string
	metrics  *metrics.Metrics
	log      *zap.Logger
}

type Option func(*Exporter)

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Exporter) { e.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Exporter) { e.log = l }
}

func New(producer sarama.SyncProducer, journal Journal, topic string, opts ...Option) *Exporter {
	if topic == "" {
		topic = DefaultTopic
	}
	e := &Exporter{
		producer: producer,
		journal:  journal,
		topic:    topic,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Flush sends every journaled entry in order, keyed by the mentioned user so
// one user's notifications stay on one partition. It stops at the first
// failed send; that entry and everything after it stay journaled for the
// next flush. It returns how many entries were delivered.
func (e *Exporter) Flush(ctx context.Context) (int, error) {
	entries, err := e.journal.ReadAll()
	if err != nil {
		return 0, fmt.Errorf("read journal: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	delivered := make([]string, 0, len(entries))
	var sendErr error
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			sendErr = err
			break
		}
		value, err := json.Marshal(entry)
		if err != nil {
			// unencodable entries can never be sent
			e.log.Error("Dropping mention export entry",
				zap.String("mention_id", entry.MentionID),
				zap.Error(err),
			)
			delivered = append(delivered, entry.MentionID)
			continue
		}

		_, _, err = e.producer.SendMessage(&sarama.ProducerMessage{
			Topic: e.topic,
			Key:   sarama.StringEncoder(entry.MentionedUserID),
			Value: sarama.ByteEncoder(value),
		})
		if err != nil {
			e.metrics.ExportFailed()
			sendErr = fmt.Errorf("failed to send message to topic %s: %w", e.topic, err)
			break
		}
		delivered = append(delivered, entry.MentionID)
	}

	if err := e.journal.Cleanup(delivered); err != nil {
		// delivered entries will be sent again; consumers dedupe by mention_id
		e.log.Error("Mention journal cleanup failed", zap.Error(err))
		if sendErr == nil {
			sendErr = fmt.Errorf("cleanup journal: %w", err)
		}
	}
	e.metrics.MentionsExported(len(delivered))
	return len(delivered), sendErr
}

// Run flushes every interval until ctx is done, then flushes once more
// with a short grace period.
func (e *Exporter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if n, err := e.Flush(drainCtx); err != nil {
				e.log.Warn("Final mention export incomplete", zap.Int("exported", n), zap.Error(err))
			}
			cancel()
			return
		case <-ticker.C:
			n, err := e.Flush(ctx)
			if err != nil && ctx.Err() == nil {
				e.log.Warn("Mention export failed", zap.Int("exported", n), zap.Error(err))
				continue
			}
			if n > 0 {
				e.log.Debug("Mentions exported", zap.Int("count", n))
			}
		}
	}
}

func (e *Exporter) Close() error {
	if err := e.producer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka producer: %w", err)
	}
	return nil
}
