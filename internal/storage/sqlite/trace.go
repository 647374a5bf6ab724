package sqlite

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/codex-gateway/gateway/internal/trace"
)

// InsertTraceEvents batch-inserts trace events, implementing trace.Store.
// A single multi-row INSERT avoids N round-trips per flush batch, matching
// a batch-insert idiom shared with the usage-record writer.
func (s *Store) InsertTraceEvents(ctx context.Context, events []trace.Event) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 5
	placeholders := make([]string, len(events))
	args := make([]any, 0, len(events)*cols)

	for i, ev := range events {
		fieldsJSON, err := json.Marshal(ev.Fields)
		if err != nil {
			return err
		}
		placeholders[i] = "(?, ?, ?, ?, ?)"
		args = append(args, ev.ID, ev.TraceID, ev.Name, string(fieldsJSON), ev.At.Unix())
	}

	query := `INSERT INTO trace_events (id, trace_id, name, fields_json, at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}
