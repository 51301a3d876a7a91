// Package kafka streams committed ledger entries to a Kafka topic for
// downstream audit consumers. The ledger table remains the source of truth;
// delivery here is best-effort.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/rephlo/credit-ledger/internal/credit"
)

const defaultTopic = "credit_ledger_entries"

// Publisher writes ledger entries to Kafka, keyed by account so one
// account's entries stay ordered within a partition.
type Publisher struct {
	writer *kafka.Writer
}

var _ credit.EventPublisher = (*Publisher)(nil)

func NewPublisher(brokers []string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    defaultTopic,
			Balancer: &kafka.Hash{},
		},
	}
}

func (p *Publisher) PublishEntry(ctx context.Context, entry credit.LedgerEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("kafka: marshal ledger entry: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(entry.AccountID),
		Value: data,
	})
	if err != nil {
		return fmt.Errorf("kafka: write ledger entry: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
