package binlog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/sirupsen/logrus"

	"cdc-fanout/internal/config"
	"cdc-fanout/internal/models"
)

// eventStreamer is the part of *replication.BinlogStreamer the reader uses.
// GetEvent returns ctx.Err() when ctx ends before an event arrives.
type eventStreamer interface {
	GetEvent(ctx context.Context) (*replication.BinlogEvent, error)
}

// Reader turns MySQL binlog row events into change events. It is a
// fanout.Source and is not safe for concurrent use.
type Reader struct {
	syncer       *replication.BinlogSyncer
	streamer     eventStreamer
	position     mysql.Position
	positionFile string
	currentFile  string
	readTimeout  time.Duration
	columns      ColumnResolver
	tables       map[uint64]*replication.TableMapEvent
	queue        []*models.ChangeEvent
	logger       *logrus.Logger
}

// NewReader starts replicating from the saved position, or from the
// configured start position when none was saved.
func NewReader(my config.MySQLConfig, bl config.BinlogConfig, columns ColumnResolver, logger *logrus.Logger) (*Reader, error) {
	cfg := replication.BinlogSyncerConfig{
		ServerID: my.ServerID,
		Flavor:   my.Flavor,
		Host:     my.Host,
		Port:     uint16(my.Port),
		User:     my.User,
		Password: my.Password,
	}

	if my.UseGTID {
		logger.Info("GTID replication requested (currently using file:position format)")
	}

	syncer := replication.NewBinlogSyncer(cfg)

	position := loadPosition(bl.PositionFile, bl.StartPosition, logger)
	streamer, err := syncer.StartSync(position)
	if err != nil {
		syncer.Close()
		return nil, fmt.Errorf("failed to start binlog sync: %w", err)
	}

	logger.Infof("Started binlog sync from position: %s:%d", position.Name, position.Pos)

	return &Reader{
		syncer:       syncer,
		streamer:     streamer,
		position:     position,
		positionFile: bl.PositionFile,
		currentFile:  position.Name,
		readTimeout:  bl.ReadTimeout,
		columns:      columns,
		tables:       make(map[uint64]*replication.TableMapEvent),
		logger:       logger,
	}, nil
}

// loadPosition reads "filename:position" (or a bare filename) from path.
func loadPosition(path string, startPos uint32, logger *logrus.Logger) mysql.Position {
	position := mysql.Position{Pos: startPos}

	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return position
	}

	posStr := strings.TrimSpace(string(data))
	// Filenames may contain colons, so split on the last one.
	if i := strings.LastIndexByte(posStr, ':'); i > 0 && i < len(posStr)-1 {
		if pos, err := strconv.ParseUint(posStr[i+1:], 10, 32); err == nil {
			position.Name = posStr[:i]
			position.Pos = uint32(pos)
			logger.Infof("Loaded binlog position from file: %s:%d", position.Name, position.Pos)
			return position
		}
	}

	position.Name = posStr
	logger.Infof("Loaded binlog position from file: %s", position.Name)
	return position
}

// SavePosition saves the current binlog position to file
func (r *Reader) SavePosition(name string, pos uint32) error {
	if name == "" {
		name = r.currentFile
	}
	if name == "" {
		return nil
	}
	posStr := fmt.Sprintf("%s:%d", name, pos)
	if err := os.WriteFile(r.positionFile, []byte(posStr), 0644); err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	r.position.Name = name
	r.position.Pos = pos
	r.currentFile = name
	return nil
}

// Next returns the next row change. It returns nil, nil when the bounded wait
// expires or the binlog event carried no rows.
func (r *Reader) Next(ctx context.Context) (*models.ChangeEvent, error) {
	if len(r.queue) > 0 {
		return r.pop(), nil
	}

	readCtx, cancel := context.WithTimeout(ctx, r.readTimeout)
	event, err := r.streamer.GetEvent(readCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get binlog event: %w", err)
	}

	r.track(event)

	switch e := event.Event.(type) {
	case *replication.TableMapEvent:
		r.tables[e.TableID] = e
		r.logger.Debugf("Cached table map for %s.%s (ID: %d)", e.Schema, e.Table, e.TableID)

	case *replication.RowsEvent:
		action, ok := rowsAction(event.Header.EventType)
		if !ok {
			r.logger.Debugf("Unhandled row event type: %d", event.Header.EventType)
			return nil, nil
		}
		changes, err := r.convert(ctx, e, action, time.Unix(int64(event.Header.Timestamp), 0))
		if err != nil {
			r.logger.Errorf("Error processing %s event: %v", action, err)
			return nil, nil
		}
		r.queue = append(r.queue, changes...)

	case *replication.RotateEvent:
		r.logger.Infof("Binlog rotated to: %s", e.NextLogName)

	case *replication.QueryEvent:
		r.logger.Debugf("Query event: %s", e.Query)

	default:
		r.logger.Debugf("Unhandled event type: %T", e)
	}

	if len(r.queue) > 0 {
		return r.pop(), nil
	}
	return nil, nil
}

func (r *Reader) pop() *models.ChangeEvent {
	ev := r.queue[0]
	r.queue[0] = nil
	r.queue = r.queue[1:]
	return ev
}

// track persists the position after every event
func (r *Reader) track(event *replication.BinlogEvent) {
	if e, ok := event.Event.(*replication.RotateEvent); ok {
		if err := r.SavePosition(string(e.NextLogName), uint32(e.Position)); err != nil {
			r.logger.Warnf("Failed to save position: %v", err)
		}
		return
	}
	if event.Header.LogPos > 0 {
		if err := r.SavePosition(r.currentFile, event.Header.LogPos); err != nil {
			r.logger.Warnf("Failed to save position: %v", err)
		}
	}
}

func (r *Reader) convert(ctx context.Context, e *replication.RowsEvent, action models.Action, at time.Time) ([]*models.ChangeEvent, error) {
	tableMap, ok := r.tables[e.TableID]
	if !ok {
		return nil, fmt.Errorf("table map not found for table ID %d", e.TableID)
	}

	database := string(tableMap.Schema)
	table := string(tableMap.Table)

	cols, err := r.columns.Columns(ctx, database, table)
	if err != nil {
		return nil, err
	}
	// MySQL 8.0+ with binlog_row_metadata=FULL carries the names itself.
	if len(tableMap.ColumnName) > 0 {
		names := make([]string, len(tableMap.ColumnName))
		for i, col := range tableMap.ColumnName {
			names[i] = string(col)
		}
		cols.Names = names
	}
	if len(cols.Names) < int(tableMap.ColumnCount) {
		r.logger.Warnf("Column count mismatch: expected %d columns, got %d names", tableMap.ColumnCount, len(cols.Names))
	}

	return RowEvents(action, table, at, cols, e.Rows)
}

func rowsAction(t replication.EventType) (models.Action, bool) {
	switch t {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		return models.ActionInsert, true
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		return models.ActionUpdate, true
	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		return models.ActionDelete, true
	}
	return "", false
}

// Close closes the binlog reader
func (r *Reader) Close() {
	if r.syncer != nil {
		r.syncer.Close()
	}
}
