package analytics

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"github.com/sirupsen/logrus"
	"github.com/twitch-gpt-bot-go/internal/config"
	"google.golang.org/api/option"
)

// BigQuerySink streams interaction rows into a BigQuery table.
type BigQuerySink struct {
	client   *bigquery.Client
	inserter *bigquery.Inserter
	table    string
	logger   *logrus.Logger
}

func NewBigQuerySink(ctx context.Context, cfg config.BigQueryConfig, logger *logrus.Logger) (*BigQuerySink, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := bigquery.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create bigquery client: %w", err)
	}

	table := fmt.Sprintf("%s.%s.%s", cfg.ProjectID, cfg.Dataset, cfg.Table)
	logger.WithField("table", table).Info("BigQuery analytics sink ready")

	return &BigQuerySink{
		client:   client,
		inserter: client.Dataset(cfg.Dataset).Table(cfg.Table).Inserter(),
		table:    table,
		logger:   logger,
	}, nil
}

// Upload streams rows, using the message id as insert id so retried
// deliveries are deduplicated.
func (s *BigQuerySink) Upload(ctx context.Context, rows []InteractionRow) error {
	savers := make([]*bigquery.StructSaver, len(rows))
	for i := range rows {
		savers[i] = &bigquery.StructSaver{
			Struct:   rows[i],
			InsertID: rows[i].MessageID,
		}
	}

	if err := s.inserter.Put(ctx, savers); err != nil {
		return fmt.Errorf("insert into %s: %w", s.table, err)
	}
	return nil
}

func (s *BigQuerySink) Close() error {
	return s.client.Close()
}
