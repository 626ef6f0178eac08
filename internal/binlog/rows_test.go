package binlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdc-fanout/internal/models"
)

var taskColumns = Columns{
	Names:   []string{"id", "title", "payload", "done"},
	Types:   []string{"varchar(36)", "text", "blob", "tinyint(1)"},
	Primary: 0,
}

var at = time.Date(2024, 3, 1, 12, 30, 0, 0, time.FixedZone("CET", 3600))

func TestRowEventsInsert(t *testing.T) {
	rows := [][]interface{}{
		{[]byte("a1"), []byte("write docs"), []byte{0xff, 0x00}, int8(0)},
		{[]byte("a2"), []byte("ship"), nil, int8(1)},
	}

	events, err := RowEvents(models.ActionInsert, "tasks", at, taskColumns, rows)
	require.NoError(t, err)
	require.Len(t, events, 2)

	first := events[0]
	assert.Equal(t, "2024-03-01T11:30:00Z", first.Timestamp)
	assert.Equal(t, "tasks", first.Table)
	assert.Equal(t, models.ActionInsert, first.Action)
	assert.Equal(t, "a1", first.ID)
	assert.Nil(t, first.Old)
	assert.JSONEq(t, `{"id":"a1","title":"write docs","payload":"/wA=","done":0}`, first.Record)

	assert.Equal(t, "a2", events[1].ID)
	assert.JSONEq(t, `{"id":"a2","title":"ship","payload":null,"done":1}`, events[1].Record)
}

func TestRowEventsUpdatePairsBeforeAndAfter(t *testing.T) {
	rows := [][]interface{}{
		{[]byte("a1"), []byte("draft"), nil, int8(0)},
		{[]byte("a1"), []byte("final"), nil, int8(1)},
	}

	events, err := RowEvents(models.ActionUpdate, "tasks", at, taskColumns, rows)
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.JSONEq(t, `{"id":"a1","title":"final","payload":null,"done":1}`, ev.Record)
	require.NotNil(t, ev.Old)
	assert.JSONEq(t, `{"id":"a1","title":"draft","payload":null,"done":0}`, *ev.Old)
}

func TestRowEventsUpdateRejectsOddRows(t *testing.T) {
	_, err := RowEvents(models.ActionUpdate, "tasks", at, taskColumns, [][]interface{}{{[]byte("a1")}})
	assert.Error(t, err)
}

func TestRowEventsDeleteCarriesRemovedRow(t *testing.T) {
	rows := [][]interface{}{{[]byte("a1"), []byte("gone"), nil, int8(1)}}

	events, err := RowEvents(models.ActionDelete, "tasks", at, taskColumns, rows)
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	require.NotNil(t, ev.Old)
	assert.Equal(t, ev.Record, *ev.Old)
	assert.Equal(t, "a1", ev.ID)
}

func TestRowIDUsesPrimaryKeyColumn(t *testing.T) {
	cols := Columns{Names: []string{"name", "seq"}, Types: []string{"text", "int"}, Primary: 1}
	assert.Equal(t, "42", rowID(cols, []interface{}{[]byte("x"), int32(42)}))

	cols.Primary = -1
	assert.Equal(t, "x", rowID(cols, []interface{}{[]byte("x"), int32(42)}), "falls back to the first column")
	assert.Equal(t, "", rowID(cols, []interface{}{nil, int32(42)}))
}

func TestConvertValueWithoutTypes(t *testing.T) {
	cols := Columns{Names: []string{"a"}}
	assert.Equal(t, "text", convertValue(cols, []byte("text"), 0))
	assert.Equal(t, []byte{0xff, 0xfe}, convertValue(cols, []byte{0xff, 0xfe}, 0))
	assert.Equal(t, int64(7), convertValue(cols, int64(7), 0))
}

func TestRowsAction(t *testing.T) {
	for eventType, want := range map[replication.EventType]models.Action{
		replication.WRITE_ROWS_EVENTv2:  models.ActionInsert,
		replication.UPDATE_ROWS_EVENTv1: models.ActionUpdate,
		replication.DELETE_ROWS_EVENTv0: models.ActionDelete,
	} {
		got, ok := rowsAction(eventType)
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}

	_, ok := rowsAction(replication.QUERY_EVENT)
	assert.False(t, ok)
}

func TestLoadPosition(t *testing.T) {
	logger, _ := test.NewNullLogger()
	dir := t.TempDir()

	missing := loadPosition(filepath.Join(dir, "none.pos"), 4, logger)
	assert.Equal(t, "", missing.Name)
	assert.Equal(t, uint32(4), missing.Pos)

	full := filepath.Join(dir, "full.pos")
	require.NoError(t, os.WriteFile(full, []byte("mysql-bin.000003:1547\n"), 0644))
	pos := loadPosition(full, 4, logger)
	assert.Equal(t, "mysql-bin.000003", pos.Name)
	assert.Equal(t, uint32(1547), pos.Pos)

	nameOnly := filepath.Join(dir, "name.pos")
	require.NoError(t, os.WriteFile(nameOnly, []byte("mysql-bin.000007"), 0644))
	pos = loadPosition(nameOnly, 4, logger)
	assert.Equal(t, "mysql-bin.000007", pos.Name)
	assert.Equal(t, uint32(4), pos.Pos)
}

func TestSavePositionRoundTrips(t *testing.T) {
	logger, _ := test.NewNullLogger()
	path := filepath.Join(t.TempDir(), "binlog.pos")
	r := &Reader{positionFile: path, logger: logger}

	require.NoError(t, r.SavePosition("mysql-bin.000009", 120))
	require.NoError(t, r.SavePosition("", 240), "empty name keeps the current file")

	pos := loadPosition(path, 4, logger)
	assert.Equal(t, "mysql-bin.000009", pos.Name)
	assert.Equal(t, uint32(240), pos.Pos)
}
