// Package analytics batches per-message interaction records and uploads them
// to a warehouse sink.
package analytics

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/twitch-gpt-bot-go/internal/config"
	"github.com/twitch-gpt-bot-go/internal/models"
)

// DefaultBatchSize is the number of records collected before an upload.
const DefaultBatchSize = 3

// InteractionRow is one row of the interactions table.
type InteractionRow struct {
	UserID          string `bigquery:"user_id"`
	Channel         string `bigquery:"channel"`
	Content         string `bigquery:"content"`
	Timestamp       string `bigquery:"timestamp"`
	UserBadges      string `bigquery:"user_badges"`
	Color           string `bigquery:"color"`
	InteractionType string `bigquery:"interaction_type"`
	MessageID       string `bigquery:"message_id"`
}

// RowsFromMetadata converts raw message metadata to interaction rows.
func RowsFromMetadata(records []models.MessageMetadata) []InteractionRow {
	rows := make([]InteractionRow, len(records))
	for i, r := range records {
		color := r.Color
		if color == "" && r.Tags != nil {
			color = r.Tags["color"]
		}
		rows[i] = InteractionRow{
			UserID:          r.UserID,
			Channel:         r.Channel,
			Content:         r.Content,
			Timestamp:       r.Timestamp,
			UserBadges:      r.Badges,
			Color:           color,
			InteractionType: r.InteractionType,
			MessageID:       r.MessageID,
		}
	}
	return rows
}

// Sink uploads a batch of interaction rows.
type Sink interface {
	Upload(ctx context.Context, rows []InteractionRow) error
	Close() error
}

// NoopSink discards every batch.
type NoopSink struct{}

func (NoopSink) Upload(context.Context, []InteractionRow) error { return nil }
func (NoopSink) Close() error                                   { return nil }

// NewSink builds the sink selected by analytics.type.
func NewSink(ctx context.Context, cfg config.AnalyticsConfig, logger *logrus.Logger) (Sink, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "none":
		return NoopSink{}, nil
	case "sqlite":
		return NewSQLiteSink(cfg.SQLite.Path, logger)
	case "bigquery":
		return NewBigQuerySink(ctx, cfg.BigQuery, logger)
	default:
		return nil, fmt.Errorf("unsupported analytics type: %s", cfg.Type)
	}
}

// UploadObserver is notified of each upload outcome.
type UploadObserver interface {
	RecordAnalyticsUpload(status string)
}

// Buffer collects metadata records and uploads them in batches.
type Buffer struct {
	mu        sync.Mutex
	records   []models.MessageMetadata
	batchSize int
	sink      Sink
	observer  UploadObserver
	logger    *logrus.Logger
}

func NewBuffer(sink Sink, batchSize int, logger *logrus.Logger) *Buffer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if sink == nil {
		sink = NoopSink{}
	}
	return &Buffer{
		batchSize: batchSize,
		sink:      sink,
		logger:    logger,
	}
}

// WithObserver attaches an upload observer.
func (b *Buffer) WithObserver(o UploadObserver) *Buffer {
	b.observer = o
	return b
}

// Add appends a record. Once batchSize records are buffered they are taken
// out and returned as one batch for Upload; otherwise Add returns nil.
func (b *Buffer) Add(record models.MessageMetadata) []models.MessageMetadata {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, record)
	if len(b.records) < b.batchSize {
		return nil
	}
	batch := b.records
	b.records = nil
	return batch
}

// Len reports the number of buffered records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Flush uploads every buffered record.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	batch := b.records
	b.records = nil
	b.mu.Unlock()
	return b.Upload(ctx, batch)
}

// Upload sends batch to the sink. Failed batches are logged and dropped, they
// are never put back into the buffer.
func (b *Buffer) Upload(ctx context.Context, batch []models.MessageMetadata) error {
	if len(batch) == 0 {
		return nil
	}

	err := b.sink.Upload(ctx, RowsFromMetadata(batch))
	status := "success"
	if err != nil {
		status = "error"
		b.logger.WithError(err).WithField("records", len(batch)).Error("Analytics upload failed, dropping batch")
	} else {
		b.logger.WithField("records", len(batch)).Info("Analytics batch uploaded")
	}
	if b.observer != nil {
		b.observer.RecordAnalyticsUpload(status)
	}
	if err != nil {
		return fmt.Errorf("failed to upload %d analytics records: %w", len(batch), err)
	}
	return nil
}
