// Package logreader tails the Record Store's logical replication stream and
// publishes committed row changes to the event log. The replication slot is
// the reader's only cursor: an LSN is acknowledged to Postgres strictly after
// every event it covers has been durably appended, so a crash replays from
// the last durable position instead of losing events.
package logreader

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.uber.org/zap"

	"github.com/edgeflare/pagecache/pkg/cdc"
	"github.com/edgeflare/pagecache/pkg/eventlog"
	"github.com/edgeflare/pagecache/pkg/metrics"
)

// ErrSchemaMismatch means the tracked table no longer carries the columns the
// pipeline depends on. Continuing would emit events the consumer cannot apply
// correctly, so the reader halts instead of dropping or reordering.
var ErrSchemaMismatch = errors.New("tracked table schema mismatch")

// Config holds replication configuration.
type Config struct {
	// ConnString is a pgconn string; replication=database is added if absent.
	ConnString  string `mapstructure:"connString"`
	Publication string `mapstructure:"publication"`
	Slot        string `mapstructure:"slot"`
	// Table is the tracked table, schema-qualified or not.
	Table string `mapstructure:"table"`
	// Partitions must match the event log's partition count.
	Partitions int32 `mapstructure:"partitions"`

	StandbyUpdateInterval time.Duration `mapstructure:"standbyUpdateInterval"`
}

func (c *Config) applyDefaults() {
	c.Publication = cmp.Or(c.Publication, "pagecache_pub")
	c.Slot = cmp.Or(c.Slot, "pagecache_slot")
	c.Table = cmp.Or(c.Table, "scraped_records")
	c.Partitions = cmp.Or(c.Partitions, 1)
	c.StandbyUpdateInterval = cmp.Or(c.StandbyUpdateInterval, 10*time.Second)
}

// Reader streams the tracked table's changes into the event log.
type Reader struct {
	cfg    Config
	log    eventlog.Log
	logger *zap.Logger
}

func New(cfg Config, log eventlog.Log, logger *zap.Logger) *Reader {
	cfg.applyDefaults()
	return &Reader{cfg: cfg, log: log, logger: logger}
}

// Run streams until ctx is canceled or a fatal error occurs. Transient
// connect and receive failures reconnect with exponential backoff; the slot
// preserves the resume position across reconnects. ErrSchemaMismatch is
// fatal and returned to the caller.
func (r *Reader) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0

	for {
		started := time.Now()
		err := r.stream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrSchemaMismatch) {
			return err
		}

		// A session that survived a while earns a fresh backoff.
		if time.Since(started) > time.Minute {
			b.Reset()
		}
		wait := b.NextBackOff()
		r.logger.Warn("replication stream failed, reconnecting",
			zap.Error(err), zap.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// stream runs one replication session: connect, ensure publication and slot,
// then receive until an error or cancellation.
func (r *Reader) stream(ctx context.Context) error {
	conn, err := pgconn.Connect(ctx, replicationConnString(r.cfg.ConnString))
	if err != nil {
		return fmt.Errorf("connect for replication: %w", err)
	}
	defer conn.Close(context.Background())

	if err := r.setupReplication(ctx, conn); err != nil {
		return err
	}
	return r.receive(ctx, conn)
}

func (r *Reader) setupReplication(ctx context.Context, conn *pgconn.PgConn) error {
	if err := r.ensurePublication(ctx, conn); err != nil {
		return fmt.Errorf("publication: %w", err)
	}
	if _, err := pglogrepl.IdentifySystem(ctx, conn); err != nil {
		return fmt.Errorf("identify system: %w", err)
	}
	if err := r.ensureSlot(ctx, conn); err != nil {
		return fmt.Errorf("slot: %w", err)
	}

	pluginArgs := []string{
		"proto_version '2'",
		fmt.Sprintf("publication_names '%s'", r.cfg.Publication),
		"messages 'true'",
	}

	// LSN zero resumes from the slot's confirmed position, so nothing
	// published before a crash is replayed and nothing after it is lost.
	return pglogrepl.StartReplication(ctx, conn, r.cfg.Slot, 0, pglogrepl.StartReplicationOptions{
		PluginArgs: pluginArgs,
	})
}

func (r *Reader) ensurePublication(ctx context.Context, conn *pgconn.PgConn) error {
	exists, err := checkExists(ctx, conn, "pg_publication", "pubname", r.cfg.Publication)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	stmt := fmt.Sprintf(
		"CREATE PUBLICATION %s FOR TABLE %s WITH (publish = 'insert, update, delete')",
		r.cfg.Publication, r.cfg.Table)
	if _, err := conn.Exec(ctx, stmt).ReadAll(); err != nil {
		return fmt.Errorf("create publication: %w", err)
	}
	return nil
}

func (r *Reader) ensureSlot(ctx context.Context, conn *pgconn.PgConn) error {
	exists, err := checkExists(ctx, conn, "pg_replication_slots", "slot_name", r.cfg.Slot)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = pglogrepl.CreateReplicationSlot(ctx, conn, r.cfg.Slot, "pgoutput",
		pglogrepl.CreateReplicationSlotOptions{Temporary: false})
	return err
}

// receive is the standby loop: decode WAL data into change events, append
// them to the event log, and only then let the acknowledged position advance.
func (r *Reader) receive(ctx context.Context, conn *pgconn.PgConn) error {
	dec := newDecoder(r.cfg.Table, r.cfg.Partitions, r.logger)
	nextStandby := time.Now().Add(r.cfg.StandbyUpdateInterval)

	// ackPos is the position every published event is durable up to. It is
	// what standby updates report; Postgres trims the slot behind it.
	var ackPos pglogrepl.LSN

	for {
		if time.Now().After(nextStandby) {
			if err := r.sendStandby(ctx, conn, ackPos); err != nil {
				return err
			}
			nextStandby = time.Now().Add(r.cfg.StandbyUpdateInterval)
		}

		msgCtx, cancel := context.WithDeadline(ctx, nextStandby)
		msg, err := conn.ReceiveMessage(msgCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) && ctx.Err() == nil {
				continue
			}
			return fmt.Errorf("receive message: %w", err)
		}

		copyData, ok := msg.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				return fmt.Errorf("parse keepalive: %w", err)
			}
			// All WAL received so far has been published synchronously, so
			// the server's end is safe to acknowledge.
			if pkm.ServerWALEnd > ackPos {
				ackPos = pkm.ServerWALEnd
			}
			if pkm.ReplyRequested {
				if err := r.sendStandby(ctx, conn, ackPos); err != nil {
					return err
				}
				nextStandby = time.Now().Add(r.cfg.StandbyUpdateInterval)
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				return fmt.Errorf("parse xlog data: %w", err)
			}
			events, err := dec.decode(xld.WALData)
			if err != nil {
				return err
			}
			for _, ev := range events {
				if err := r.publish(ctx, ev); err != nil {
					return err
				}
			}
			if xld.WALStart > ackPos {
				ackPos = xld.WALStart
			}
		}
	}
}

// publish appends one event, retrying transient failures; the LSN covering
// this event is not acknowledged until this returns.
func (r *Reader) publish(ctx context.Context, ev cdc.ChangeEvent) error {
	op := func() error {
		_, err := r.log.Append(ctx, ev)
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("append event for key %s: %w", ev.Key, err)
	}
	metrics.EventsPublished.WithLabelValues(strconv.Itoa(int(ev.Partition))).Inc()
	return nil
}

func (r *Reader) sendStandby(ctx context.Context, conn *pgconn.PgConn, pos pglogrepl.LSN) error {
	err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: pos,
		WALFlushPosition: pos,
		WALApplyPosition: pos,
	})
	if err != nil {
		return fmt.Errorf("standby status update: %w", err)
	}
	return nil
}

func checkExists(ctx context.Context, conn *pgconn.PgConn, table, column, value string) (bool, error) {
	if table != "pg_publication" && table != "pg_replication_slots" {
		return false, fmt.Errorf("invalid table name")
	}
	if column != "pubname" && column != "slot_name" {
		return false, fmt.Errorf("invalid column name")
	}

	rows, err := conn.Exec(ctx,
		fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s = '%s')", table, column, value)).ReadAll()
	if err != nil {
		return false, fmt.Errorf("check exists: %w", err)
	}
	return len(rows) > 0 && len(rows[0].Rows) > 0 && string(rows[0].Rows[0][0]) == "t", nil
}

func replicationConnString(connString string) string {
	if strings.Contains(connString, "replication=") {
		return connString
	}
	if strings.Contains(connString, "://") {
		sep := "?"
		if strings.Contains(connString, "?") {
			sep = "&"
		}
		return connString + sep + "replication=database"
	}
	return connString + " replication=database"
}
