package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/openfroyo/rollout/pkg/telemetry"
)

// AppendEvent appends a telemetry event to the log and returns its row ID.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event telemetry.Event) (int64, error) {
	var data interface{}
	if len(event.Data) > 0 {
		encoded, err := json.Marshal(event.Data)
		if err != nil {
			return 0, fmt.Errorf("failed to encode event data: %w", err)
		}
		data = string(encoded)
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = s.cfg.Now()
	}

	query := `
		INSERT INTO events (event_id, type, source, run_id, plan_id, stage_id, level, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.Type,
		event.Source,
		event.RunID,
		event.PlanID,
		event.StageID,
		event.Level,
		event.Message,
		data,
		formatTime(ts),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get event ID: %w", err)
	}
	return id, nil
}

// ListEvents returns the events of a run in append order.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string) ([]*EventRecord, error) {
	query := `
		SELECT id, event_id, type, source, run_id, plan_id, stage_id, level, message, data, timestamp
		FROM events
		WHERE run_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*EventRecord{}
	for rows.Next() {
		var (
			ev   EventRecord
			data sql.NullString
			ts   string
		)
		err := rows.Scan(&ev.ID, &ev.EventID, &ev.Type, &ev.Source, &ev.RunID, &ev.PlanID, &ev.StageID,
			&ev.Level, &ev.Message, &data, &ts)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &ev.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event %d data: %w", ev.ID, err)
			}
		}
		if ev.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// EventSubscriber returns a subscriber that appends every published event
// to the log. Failures are logged and dropped.
func (s *SQLiteStore) EventSubscriber() telemetry.EventSubscriber {
	return func(event telemetry.Event) {
		if _, err := s.AppendEvent(context.Background(), event); err != nil {
			s.logger.Warn().Err(err).Str("event_type", event.Type).Msg("failed to persist event")
		}
	}
}
