// Package clickhouse is an additive analytics sink: every feature the
// Analyzer produces is batched and written to ClickHouse for offline
// querying. An insert error is logged and never reaches the detection
// path, but a full batch is flushed synchronously on the caller's
// goroutine, so a slow ClickHouse instance slows the caller.
package clickhouse

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/sentryd/sentryd/internal/analyzer"
)

// Config carries the ClickHouse connection and batching parameters.
type Config struct {
	Host          string
	Port          int
	Database      string
	Username      string
	Password      string
	UseTLS        bool
	BatchSize     int
	FlushInterval time.Duration
}

// Client wraps a ClickHouse connection.
type Client struct {
	conn driver.Conn
}

// NewClient opens a connection and verifies it with a ping.
func NewClient(cfg Config) (*Client, error) {
	options := &clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("clickhouse connection failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse ping failed: %w", err)
	}

	return &Client{conn: conn}, nil
}

// InitializeSchema creates the features table used to store every
// Analyzer output for offline querying.
func (c *Client) InitializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS features (
		timestamp DateTime64(3),
		src_ip String,
		dst_ip String,
		protocol String,
		src_port UInt16,
		dst_port UInt16,
		packet_size UInt32,
		tcp_flags String,
		flow_duration Float64,
		packet_rate Float64,
		byte_rate Float64,
		total_packets UInt64,
		total_bytes UInt64
	) ENGINE = MergeTree()
	PARTITION BY toYYYYMMDD(timestamp)
	ORDER BY (timestamp, src_ip, dst_ip)
	TTL timestamp + INTERVAL 30 DAY
	SETTINGS index_granularity = 8192
	`
	if err := c.conn.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create features table: %w", err)
	}
	return nil
}

func (c *Client) insertFeatures(ctx context.Context, features []*analyzer.Feature) error {
	batch, err := c.conn.PrepareBatch(ctx, "INSERT INTO features")
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, f := range features {
		if f == nil {
			continue
		}
		if err := batch.Append(
			f.Timestamp, f.SrcIP, f.DstIP, string(f.Protocol), f.SrcPort, f.DstPort,
			uint32(f.PacketSize), f.TCPFlags, f.FlowDuration, f.PacketRate, f.ByteRate,
			f.TotalPackets, f.TotalBytes,
		); err != nil {
			return fmt.Errorf("batch append: %w", err)
		}
	}
	return batch.Send()
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// featureInserter is the subset of Client's behavior Sink depends on,
// broken out so tests can exercise the buffering/flush logic with a stub.
type featureInserter interface {
	insertFeatures(ctx context.Context, features []*analyzer.Feature) error
}

// Sink buffers features in memory and flushes them to ClickHouse either
// when the batch fills or on a periodic timer, whichever comes first.
type Sink struct {
	client        featureInserter
	batchSize     int
	flushInterval time.Duration

	mu     sync.Mutex
	buffer []*analyzer.Feature

	done chan struct{}
}

// NewSink starts the sink's background flush loop.
func NewSink(client featureInserter, cfg Config) *Sink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	s := &Sink{
		client:        client,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		buffer:        make([]*analyzer.Feature, 0, cfg.BatchSize),
		done:          make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

// Write buffers one feature, flushing synchronously once the batch
// fills so a slow ClickHouse instance applies backpressure rather than
// growing the buffer without bound.
func (s *Sink) Write(f *analyzer.Feature) {
	s.mu.Lock()
	s.buffer = append(s.buffer, f)
	shouldFlush := len(s.buffer) >= s.batchSize
	s.mu.Unlock()

	if shouldFlush {
		s.Flush()
	}
}

// Flush writes the current buffer to ClickHouse and clears it.
func (s *Sink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buffer) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.client.insertFeatures(ctx, s.buffer); err != nil {
		log.Printf("[ClickHouseSink] insert failed: %v", err)
	}

	for i := range s.buffer {
		s.buffer[i] = nil
	}
	s.buffer = s.buffer[:0]
}

func (s *Sink) flushLoop() {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			s.Flush()
			return
		case <-ticker.C:
			s.Flush()
		}
	}
}

// Close stops the flush loop after a final flush.
func (s *Sink) Close() {
	close(s.done)
}
