package eventlog

import (
	"cmp"
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/edgeflare/pagecache/pkg/cdc"
)

// NATSConfig represents the JetStream event log configuration.
type NATSConfig struct {
	Servers       []string `mapstructure:"servers"`
	Stream        string   `mapstructure:"stream"`
	SubjectPrefix string   `mapstructure:"subjectPrefix"`
	Partitions    int32    `mapstructure:"partitions"`
	Username      string   `mapstructure:"username"`
	Password      string   `mapstructure:"password"`
	TLS           struct {
		Enabled  bool   `mapstructure:"enabled"`
		CertFile string `mapstructure:"certFile"`
		KeyFile  string `mapstructure:"keyFile"`
		CAFile   string `mapstructure:"caFile"`
	} `mapstructure:"tls"`
}

// NATS is a Log backed by a JetStream stream with one subject per partition.
// The JetStream stream sequence serves as the per-partition offset: it is
// globally assigned but strictly increasing within each subject, which is
// all the cursor contract needs.
type NATS struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	cfg    NATSConfig
	logger *zap.Logger
}

// NewNATS connects to the first reachable server and ensures the stream.
func NewNATS(cfg NATSConfig, logger *zap.Logger) (*NATS, error) {
	if len(cfg.Servers) == 0 {
		cfg.Servers = []string{nats.DefaultURL}
	}
	cfg.SubjectPrefix = cmp.Or(cfg.SubjectPrefix, "pagecache")
	cfg.Stream = cmp.Or(cfg.Stream, fmt.Sprintf("%s-events", cfg.SubjectPrefix))
	if cfg.Partitions < 1 {
		cfg.Partitions = 1
	}

	opts := natsOptions(cfg)
	var nc *nats.Conn
	var err error
	for _, server := range cfg.Servers {
		nc, err = nats.Connect(server, opts...)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect to NATS server: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	l := &NATS{nc: nc, js: js, cfg: cfg, logger: logger}
	if err := l.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return l, nil
}

func (l *NATS) subject(partition int32) string {
	return fmt.Sprintf("%s.events.%d", l.cfg.SubjectPrefix, partition)
}

func (l *NATS) Append(ctx context.Context, ev cdc.ChangeEvent) (uint64, error) {
	data, err := ev.Marshal()
	if err != nil {
		return 0, fmt.Errorf("marshal change event: %w", err)
	}
	ack, err := l.js.Publish(l.subject(ev.Partition), data, nats.Context(ctx))
	if err != nil {
		return 0, fmt.Errorf("publish to %s: %w", l.subject(ev.Partition), err)
	}
	return ack.Sequence, nil
}

func (l *NATS) Open(_ context.Context, partition int32, from uint64) (Cursor, error) {
	if partition < 0 || partition >= l.cfg.Partitions {
		return nil, ErrUnknownPartition
	}

	// Ephemeral pull consumer per cursor; resume position comes from this
	// system's checkpoint, not from JetStream consumer state.
	opts := []nats.SubOpt{nats.BindStream(l.cfg.Stream), nats.AckExplicit()}
	if from > 0 {
		opts = append(opts, nats.StartSequence(from))
	} else {
		opts = append(opts, nats.DeliverAll())
	}

	sub, err := l.js.PullSubscribe(l.subject(partition), "", opts...)
	if err != nil {
		return nil, fmt.Errorf("pull subscribe partition %d: %w", partition, err)
	}
	return &natsCursor{sub: sub}, nil
}

func (l *NATS) Partitions() int32 {
	return l.cfg.Partitions
}

func (l *NATS) Close() error {
	if l.nc != nil {
		l.nc.Close()
	}
	return nil
}

func (l *NATS) ensureStream() error {
	config := &nats.StreamConfig{
		Name:     l.cfg.Stream,
		Subjects: []string{fmt.Sprintf("%s.events.*", l.cfg.SubjectPrefix)},
		Storage:  nats.FileStorage,
		Replicas: 1,
	}

	if _, err := l.js.StreamInfo(l.cfg.Stream); err == nil {
		return nil
	} else if err != nats.ErrStreamNotFound {
		return fmt.Errorf("get stream info: %w", err)
	}

	if _, err := l.js.AddStream(config); err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	l.logger.Info("created event stream", zap.String("stream", l.cfg.Stream))
	return nil
}

type natsCursor struct {
	sub *nats.Subscription
}

func (c *natsCursor) Fetch(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	msgs, err := c.sub.Fetch(max, nats.MaxWait(wait))
	if err != nil {
		if err == nats.ErrTimeout || err == context.DeadlineExceeded {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch: %w", err)
	}

	out := make([]Message, 0, len(msgs))
	for _, msg := range msgs {
		ev, err := cdc.Unmarshal(msg.Data)
		if err != nil {
			return nil, err
		}
		meta, err := msg.Metadata()
		if err != nil {
			return nil, fmt.Errorf("message metadata: %w", err)
		}
		if err := msg.Ack(); err != nil {
			return nil, fmt.Errorf("ack: %w", err)
		}
		out = append(out, Message{Event: ev, Offset: meta.Sequence.Stream})
	}
	return out, nil
}

func (c *natsCursor) Close() error {
	return c.sub.Unsubscribe()
}

func natsOptions(c NATSConfig) []nats.Option {
	opts := []nats.Option{
		nats.Timeout(5 * time.Second),
		nats.PingInterval(10 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	}

	if c.Username != "" && c.Password != "" {
		opts = append(opts, nats.UserInfo(c.Username, c.Password))
	}

	if c.TLS.Enabled {
		var tlsOpt nats.Option
		if c.TLS.CAFile != "" {
			tlsOpt = nats.RootCAs(c.TLS.CAFile)
		} else if c.TLS.CertFile != "" && c.TLS.KeyFile != "" {
			tlsOpt = nats.ClientCert(c.TLS.CertFile, c.TLS.KeyFile)
		}
		if tlsOpt != nil {
			opts = append(opts, tlsOpt)
		}
	}

	return opts
}
