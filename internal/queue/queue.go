// Package queue is the at-least-once dispatch channel between the scanner and
// the withdrawal workers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// TaskQueue accepts transaction ids for eventual execution.
type TaskQueue interface {
	Enqueue(ctx context.Context, txnID uint64) error
}

// Task is the wire form of one queued withdrawal.
type Task struct {
	TransactionID uint64 `json:"transaction_id"`
}

// MessageWriter is the subset of *kafka.Writer used by KafkaQueue.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaQueue publishes tasks to a Kafka topic.
type KafkaQueue struct {
	writer MessageWriter
}

func NewKafkaQueue(w MessageWriter) *KafkaQueue {
	return &KafkaQueue{writer: w}
}

// Enqueue keys the message by transaction id so redeliveries land on one partition.
func (q *KafkaQueue) Enqueue(ctx context.Context, txnID uint64) error {
	value, err := json.Marshal(Task{TransactionID: txnID})
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatUint(txnID, 10)),
		Value: value,
		Time:  time.Now(),
	}
	if err := q.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("enqueue txn %d: %w", txnID, err)
	}
	return nil
}

// DecodeTask parses a queued message value.
func DecodeTask(value []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(value, &t); err != nil {
		return Task{}, err
	}
	if t.TransactionID == 0 {
		return Task{}, fmt.Errorf("task without transaction_id")
	}
	return t, nil
}
