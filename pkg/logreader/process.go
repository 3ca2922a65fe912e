package logreader

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"

	"github.com/edgeflare/pagecache/pkg/cdc"
)

// requiredColumns are the tracked-table columns the pipeline depends on:
// key is the cache identity and mod_seq the commit sequence.
var requiredColumns = []string{"key", "url", "mod_seq"}

// decoder turns pgoutput V2 logical messages into change events for the
// tracked table. Relation messages refresh the column layout mid-stream;
// messages for other tables in the publication are ignored.
type decoder struct {
	table      string
	partitions int32
	logger     *zap.Logger

	relations map[uint32]*pglogrepl.RelationMessageV2
	typeMap   *pgtype.Map
	inStream  bool
}

func newDecoder(table string, partitions int32, logger *zap.Logger) *decoder {
	// The publication is created with the configured name; match on the
	// bare relation name when the config is schema-qualified.
	if idx := strings.LastIndex(table, "."); idx >= 0 {
		table = table[idx+1:]
	}
	return &decoder{
		table:      table,
		partitions: partitions,
		logger:     logger,
		relations:  make(map[uint32]*pglogrepl.RelationMessageV2),
		typeMap:    pgtype.NewMap(),
	}
}

func (d *decoder) decode(walData []byte) ([]cdc.ChangeEvent, error) {
	logicalMsg, err := pglogrepl.ParseV2(walData, d.inStream)
	if err != nil {
		return nil, fmt.Errorf("parse logical message: %w", err)
	}

	switch msg := logicalMsg.(type) {
	case *pglogrepl.RelationMessageV2:
		if err := d.handleRelation(msg); err != nil {
			return nil, err
		}

	case *pglogrepl.InsertMessageV2:
		return d.rowEvent(cdc.OpInsert, msg.RelationID, msg.Tuple)

	case *pglogrepl.UpdateMessageV2:
		return d.rowEvent(cdc.OpUpdate, msg.RelationID, msg.NewTuple)

	case *pglogrepl.DeleteMessageV2:
		return d.rowEvent(cdc.OpDelete, msg.RelationID, msg.OldTuple)

	case *pglogrepl.TruncateMessageV2:
		// Truncates are not replicated; a truncated table must be handled
		// operationally (flush the cache) rather than per key.
		d.logger.Warn("ignoring truncate on tracked table")

	case *pglogrepl.StreamStartMessageV2:
		d.inStream = true

	case *pglogrepl.StreamStopMessageV2:
		d.inStream = false
	}

	return nil, nil
}

// handleRelation records the relation's column layout and verifies the
// tracked table still has the columns the pipeline needs.
func (d *decoder) handleRelation(rel *pglogrepl.RelationMessageV2) error {
	d.relations[rel.RelationID] = rel
	if rel.RelationName != d.table {
		return nil
	}

	have := make(map[string]bool, len(rel.Columns))
	for _, col := range rel.Columns {
		have[col.Name] = true
	}
	for _, name := range requiredColumns {
		if !have[name] {
			return fmt.Errorf("%w: table %s missing column %s",
				ErrSchemaMismatch, rel.RelationName, name)
		}
	}
	return nil
}

// rowEvent builds one change event from a tuple. For deletes the tuple is
// the before image (REPLICA IDENTITY FULL), whose mod_seq equals the last
// applied update so the tombstone guard stays correct.
func (d *decoder) rowEvent(op cdc.Operation, relationID uint32, tuple *pglogrepl.TupleData) ([]cdc.ChangeEvent, error) {
	rel, ok := d.relations[relationID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown relation %d", ErrSchemaMismatch, relationID)
	}
	if rel.RelationName != d.table {
		return nil, nil
	}
	if tuple == nil {
		return nil, fmt.Errorf("%w: %s message for %s without tuple data",
			ErrSchemaMismatch, op, rel.RelationName)
	}

	values := make(map[string]any, len(tuple.Columns))
	for idx, col := range tuple.Columns {
		colName := rel.Columns[idx].Name
		values[colName] = d.decodeColumn(col, rel.Columns[idx].DataType)
	}

	key, _ := values["key"].(string)
	seq, err := toInt64(values["mod_seq"])
	if err != nil {
		return nil, fmt.Errorf("%w: mod_seq: %v", ErrSchemaMismatch, err)
	}
	if key == "" || seq <= 0 {
		return nil, fmt.Errorf("%w: row without key or mod_seq", ErrSchemaMismatch)
	}

	ev := cdc.ChangeEvent{
		Key:       key,
		Op:        op,
		Seq:       seq,
		Partition: cdc.PartitionFor(key, d.partitions),
		TsMs:      time.Now().UnixMilli(),
	}
	if op != cdc.OpDelete {
		ev.Payload = values
	}
	return []cdc.ChangeEvent{ev}, nil
}

// decodeColumn decodes a single column from a logical replication message.
func (d *decoder) decodeColumn(col *pglogrepl.TupleDataColumn, dataType uint32) any {
	switch col.DataType {
	case 'n':
		return nil
	case 'u':
		return nil // unchanged toast
	case 't':
		val, err := decodeTextColumnData(d.typeMap, col.Data, dataType)
		if err != nil {
			d.logger.Error("decode column data", zap.Error(err))
			return nil
		}
		return val
	default:
		d.logger.Warn("unknown column data type", zap.Any("dataType", col.DataType))
		return nil
	}
}

// decodeTextColumnData decodes column data into its corresponding Go type,
// falling back to the raw string for OIDs the type map does not know.
func decodeTextColumnData(mi *pgtype.Map, data []byte, dataType uint32) (any, error) {
	if dt, ok := mi.TypeForOID(dataType); ok {
		return dt.Codec.DecodeValue(mi, dataType, pgtype.TextFormatCode, data)
	}
	return string(data), nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
