package eventlog

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/edgeflare/pagecache/pkg/cdc"
)

// KafkaConfig represents the Kafka event log configuration.
type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	Topic       string   `mapstructure:"topic"`
	Version     string   `mapstructure:"version"`
	Partitions  int32    `mapstructure:"partitions"`
	Replicas    int16    `mapstructure:"replicas"`
	RetentionMS int64    `mapstructure:"retentionMs"`
	SASL        *SASL    `mapstructure:"sasl"`
	TLS         KafkaTLS `mapstructure:"tls"`
}

// SASL represents SASL authentication configuration.
type SASL struct {
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	Algorithm string `mapstructure:"algorithm"`
	Enable    bool   `mapstructure:"enable"`
}

// KafkaTLS represents TLS configuration.
type KafkaTLS struct {
	CertFile   string `mapstructure:"certFile"`
	KeyFile    string `mapstructure:"keyFile"`
	CAFile     string `mapstructure:"caFile"`
	Enable     bool   `mapstructure:"enable"`
	SkipVerify bool   `mapstructure:"skipVerify"`
}

// Kafka is a Log backed by a single Kafka topic whose partitions map 1:1 to
// event partitions. Events are produced with a manual partitioner so the
// partition assigned by cdc.PartitionFor is authoritative.
type Kafka struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	cfg      KafkaConfig
	logger   *zap.Logger
}

// NewKafka connects a producer and consumer and ensures the topic exists
// with the configured partition count.
func NewKafka(cfg KafkaConfig, logger *zap.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		cfg.Brokers = []string{"localhost:9092"}
	}
	if cfg.Topic == "" {
		cfg.Topic = "pagecache.events"
	}
	if cfg.Version == "" {
		cfg.Version = "2.1.1"
	}
	if cfg.Partitions == 0 {
		cfg.Partitions = 1
	}
	if cfg.Replicas == 0 {
		cfg.Replicas = 1
	}
	if cfg.RetentionMS == 0 {
		cfg.RetentionMS = 7 * 24 * 60 * 60 * 1000 // 7 days
	}

	saramaConfig, err := cfg.toSaramaConfig()
	if err != nil {
		return nil, err
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("create Kafka producer: %w", err)
	}

	consumer, err := sarama.NewConsumer(cfg.Brokers, saramaConfig)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("create Kafka consumer: %w", err)
	}

	k := &Kafka{producer: producer, consumer: consumer, cfg: cfg, logger: logger}
	if err := k.ensureTopic(saramaConfig); err != nil {
		producer.Close()
		consumer.Close()
		return nil, err
	}
	return k, nil
}

func (k *Kafka) Append(_ context.Context, ev cdc.ChangeEvent) (uint64, error) {
	data, err := ev.Marshal()
	if err != nil {
		return 0, fmt.Errorf("marshal change event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic:     k.cfg.Topic,
		Key:       sarama.StringEncoder(ev.Key),
		Value:     sarama.ByteEncoder(data),
		Partition: ev.Partition,
	}
	_, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return 0, fmt.Errorf("publish message: %w", err)
	}
	// Kafka offsets start at 0; shift so 0 stays "start of partition".
	return uint64(offset) + 1, nil
}

func (k *Kafka) Open(_ context.Context, partition int32, from uint64) (Cursor, error) {
	if partition < 0 || partition >= k.cfg.Partitions {
		return nil, ErrUnknownPartition
	}

	startOffset := sarama.OffsetOldest
	if from > 0 {
		startOffset = int64(from) - 1
	}
	pc, err := k.consumer.ConsumePartition(k.cfg.Topic, partition, startOffset)
	if err != nil {
		return nil, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	return &kafkaCursor{pc: pc}, nil
}

func (k *Kafka) Partitions() int32 {
	return k.cfg.Partitions
}

func (k *Kafka) Close() error {
	if err := k.consumer.Close(); err != nil {
		k.producer.Close()
		return err
	}
	return k.producer.Close()
}

func (k *Kafka) ensureTopic(saramaConfig *sarama.Config) error {
	admin, err := sarama.NewClusterAdmin(k.cfg.Brokers, saramaConfig)
	if err != nil {
		return fmt.Errorf("create cluster admin: %w", err)
	}
	defer admin.Close()

	topics, err := admin.ListTopics()
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}
	if detail, exists := topics[k.cfg.Topic]; exists {
		if detail.NumPartitions != k.cfg.Partitions {
			return fmt.Errorf("topic %s has %d partitions, configured for %d",
				k.cfg.Topic, detail.NumPartitions, k.cfg.Partitions)
		}
		return nil
	}

	retention := fmt.Sprintf("%d", k.cfg.RetentionMS)
	err = admin.CreateTopic(k.cfg.Topic, &sarama.TopicDetail{
		NumPartitions:     k.cfg.Partitions,
		ReplicationFactor: k.cfg.Replicas,
		ConfigEntries:     map[string]*string{"retention.ms": &retention},
	}, false)
	if err != nil {
		return fmt.Errorf("create topic: %w", err)
	}
	k.logger.Info("created event topic",
		zap.String("topic", k.cfg.Topic),
		zap.Int32("partitions", k.cfg.Partitions))
	return nil
}

type kafkaCursor struct {
	pc sarama.PartitionConsumer
}

func (c *kafkaCursor) Fetch(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	timeout := time.NewTimer(wait)
	defer timeout.Stop()

	var out []Message
	select {
	case msg, ok := <-c.pc.Messages():
		if !ok {
			return nil, nil
		}
		ev, err := cdc.Unmarshal(msg.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, Message{Event: ev, Offset: uint64(msg.Offset) + 1})
	case kerr := <-c.pc.Errors():
		return nil, fmt.Errorf("partition consumer: %w", kerr)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout.C:
		return nil, nil
	}

	// Drain whatever is already buffered without waiting again.
	for len(out) < max {
		select {
		case msg, ok := <-c.pc.Messages():
			if !ok {
				return out, nil
			}
			ev, err := cdc.Unmarshal(msg.Value)
			if err != nil {
				return nil, err
			}
			out = append(out, Message{Event: ev, Offset: uint64(msg.Offset) + 1})
		default:
			return out, nil
		}
	}
	return out, nil
}

func (c *kafkaCursor) Close() error {
	return c.pc.Close()
}

func (c *KafkaConfig) toSaramaConfig() (*sarama.Config, error) {
	conf := sarama.NewConfig()

	version, err := sarama.ParseKafkaVersion(c.Version)
	if err != nil {
		return nil, fmt.Errorf("parse Kafka version: %w", err)
	}
	conf.Version = version

	conf.Producer.RequiredAcks = sarama.WaitForAll
	conf.Producer.Retry.Max = 5
	conf.Producer.Retry.Backoff = time.Second
	conf.Producer.Return.Successes = true
	conf.Producer.Return.Errors = true
	conf.Producer.Partitioner = sarama.NewManualPartitioner

	if c.SASL != nil && c.SASL.Enable {
		conf.Net.SASL.Enable = true
		conf.Net.SASL.User = c.SASL.Username
		conf.Net.SASL.Password = c.SASL.Password
		conf.Net.SASL.Handshake = true

		switch c.SASL.Algorithm {
		case "sha512":
			conf.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient { return &XDGSCRAMClient{HashGeneratorFcn: SHA512} }
			conf.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		case "sha256":
			conf.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient { return &XDGSCRAMClient{HashGeneratorFcn: SHA256} }
			conf.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		case "", "plain":
			conf.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		default:
			return nil, fmt.Errorf("invalid SASL algorithm: %s", c.SASL.Algorithm)
		}
	}

	if c.TLS.Enable {
		conf.Net.TLS.Enable = true
		conf.Net.TLS.Config = createTLSConfiguration(c.TLS)
	}

	return conf, nil
}

func createTLSConfiguration(tlsCfg KafkaTLS) *tls.Config {
	t := &tls.Config{
		InsecureSkipVerify: tlsCfg.SkipVerify,
	}

	if tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" && tlsCfg.CAFile != "" {
		cert, err := tls.LoadX509KeyPair(tlsCfg.CertFile, tlsCfg.KeyFile)
		if err != nil {
			return nil
		}

		caCert, err := os.ReadFile(tlsCfg.CAFile)
		if err != nil {
			return nil
		}

		caCertPool := x509.NewCertPool()
		caCertPool.AppendCertsFromPEM(caCert)

		t.Certificates = []tls.Certificate{cert}
		t.RootCAs = caCertPool
	}

	return t
}
