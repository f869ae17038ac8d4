package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type rowInserter interface {
	InsertRows(ctx context.Context, table string, rows []any) error
	JobReportsTable() string
}

// reportRow is the BigQuery shape of a finished run.
type reportRow struct {
	Job        string    `bigquery:"job"`
	HolderID   string    `bigquery:"holder_id"`
	StartedAt  time.Time `bigquery:"started_at"`
	FinishedAt time.Time `bigquery:"finished_at"`
	DurationMS int64     `bigquery:"duration_ms"`
	Succeeded  bool      `bigquery:"succeeded"`
	Error      string    `bigquery:"error"`
	Report     string    `bigquery:"report"`
}

// BigQuerySink streams job runs into the job reports table.
type BigQuerySink struct {
	client rowInserter
}

// NewBigQuerySink wraps a BigQuery client.
func NewBigQuerySink(client rowInserter) (*BigQuerySink, error) {
	if client == nil {
		return nil, fmt.Errorf("bigquery client required")
	}
	if client.JobReportsTable() == "" {
		return nil, fmt.Errorf("job reports table required")
	}
	return &BigQuerySink{client: client}, nil
}

func (s *BigQuerySink) Record(ctx context.Context, run Run) error {
	if run.Skipped != "" {
		return nil
	}
	report, err := json.Marshal(run.Report)
	if err != nil {
		return fmt.Errorf("encode job report: %w", err)
	}
	row := reportRow{
		Job:        run.Job,
		HolderID:   run.HolderID,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		DurationMS: run.DurationMS,
		Succeeded:  run.Error == "",
		Error:      run.Error,
		Report:     string(report),
	}
	return s.client.InsertRows(ctx, s.client.JobReportsTable(), []any{row})
}
