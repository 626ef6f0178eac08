package binlog

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"cdc-fanout/internal/models"
)

// RowEvents builds one change event per affected row. UPDATE rows arrive as
// before/after pairs. The record of a DELETE is the removed row, matching the
// Postgres trigger.
func RowEvents(action models.Action, table string, at time.Time, cols Columns, rows [][]interface{}) ([]*models.ChangeEvent, error) {
	timestamp := at.UTC().Format(time.RFC3339)

	step := 1
	if action == models.ActionUpdate {
		step = 2
		if len(rows)%2 != 0 {
			return nil, fmt.Errorf("update event has %d rows, want before/after pairs", len(rows))
		}
	}

	events := make([]*models.ChangeEvent, 0, len(rows)/step)
	for i := 0; i < len(rows); i += step {
		row := rows[i]
		var old []interface{}
		switch action {
		case models.ActionUpdate:
			old, row = rows[i], rows[i+1]
		case models.ActionDelete:
			old = row
		}

		record, err := encodeRow(cols, row)
		if err != nil {
			return nil, err
		}
		ev := &models.ChangeEvent{
			Timestamp: timestamp,
			Table:     table,
			Action:    action,
			ID:        rowID(cols, row),
			Record:    record,
		}
		if old != nil {
			prior, err := encodeRow(cols, old)
			if err != nil {
				return nil, err
			}
			ev.Old = &prior
		}
		events = append(events, ev)
	}
	return events, nil
}

func encodeRow(cols Columns, row []interface{}) (string, error) {
	m := make(map[string]interface{}, len(row))
	for j := 0; j < len(row) && j < len(cols.Names); j++ {
		m[cols.Names[j]] = convertValue(cols, row[j], j)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode row: %w", err)
	}
	return string(data), nil
}

// rowID renders the primary key value, falling back to the first column
func rowID(cols Columns, row []interface{}) string {
	idx := cols.Primary
	if idx < 0 || idx >= len(row) {
		idx = 0
	}
	if len(row) == 0 || row[idx] == nil {
		return ""
	}
	switch v := convertValue(cols, row[idx], idx).(type) {
	case string:
		return v
	case []byte:
		return fmt.Sprintf("%x", v)
	default:
		return fmt.Sprint(v)
	}
}

// convertValue turns text columns into strings. BLOBs stay []byte and
// encode as base64.
func convertValue(cols Columns, value interface{}, idx int) interface{} {
	b, ok := value.([]byte)
	if !ok {
		return value
	}
	if idx < len(cols.Types) {
		colType := strings.ToUpper(cols.Types[idx])
		if strings.Contains(colType, "BLOB") || strings.Contains(colType, "BINARY") {
			return b
		}
		return string(b)
	}
	// Without type info, treat valid UTF-8 as text.
	if utf8.Valid(b) {
		return string(b)
	}
	return b
}
