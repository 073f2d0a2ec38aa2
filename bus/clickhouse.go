package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
	"github.com/thisisjab/logcast/entity"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,127}$`)

type ClickHousePublisherConfig struct {
	Addr     []string `yaml:"addr"`
	Database string   `yaml:"database"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
}

func (c ClickHousePublisherConfig) Validate() error {
	if len(c.Addr) == 0 {
		return errors.New("clickhouse address is required")
	}

	if c.Database == "" {
		return errors.New("clickhouse database is required")
	}

	return nil
}

// ClickHousePublisher stores every envelope as a row, one table per exchange.
// It is meant for analytics consumers that would rather run SQL than subscribe to a queue.
type ClickHousePublisher struct {
	conn clickhouse.Conn
	cfg  ClickHousePublisherConfig

	mu     sync.Mutex
	tables map[string]bool
}

func NewClickHousePublisher(cfg ClickHousePublisherConfig) (*ClickHousePublisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &ClickHousePublisher{cfg: cfg, tables: make(map[string]bool)}, nil
}

// ValidateTableName reports whether exchange can be used as a ClickHouse table name as is.
func ValidateTableName(exchange string) error {
	if !tableNamePattern.MatchString(exchange) {
		return fmt.Errorf("exchange %q is not a valid clickhouse table name", exchange)
	}

	return nil
}

func setupClickHouseTable(ctx context.Context, conn driver.Conn, table string) error {
	// The table name was validated against tableNamePattern, it cannot carry SQL.
	return conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id UUID,
			action LowCardinality(String),
			timestamp DateTime64(3),
			level LowCardinality(String),
			message String,
			metadata String -- JSON encoded
		)
		ENGINE = MergeTree
		ORDER BY (action, timestamp, id)
		PARTITION BY toYYYYMM(timestamp)
	`, table))
}

func (p *ClickHousePublisher) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: p.cfg.Addr,
		Auth: clickhouse.Auth{
			Database: p.cfg.Database,
			Username: p.cfg.Username,
			Password: p.cfg.Password,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping the database: %w", err)
	}

	p.conn = conn

	return nil
}

func (p *ClickHousePublisher) Close() error {
	if p.conn == nil {
		return nil
	}

	return p.conn.Close()
}

func (p *ClickHousePublisher) ensureTable(ctx context.Context, table string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tables[table] {
		return nil
	}

	if err := setupClickHouseTable(ctx, p.conn, table); err != nil {
		return fmt.Errorf("failed to create table %q: %w", table, err)
	}

	p.tables[table] = true
	return nil
}

func (p *ClickHousePublisher) Publish(ctx context.Context, env entity.Envelope, exchange string) error {
	if p.conn == nil {
		return errors.New("clickhouse publisher is not connected")
	}

	if err := ValidateTableName(exchange); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 1*time.Minute)
	defer cancel()

	if err := p.ensureTable(ctx, exchange); err != nil {
		return err
	}

	msg := env.Params.Message
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("couldn't encode metadata: %w", err)
	}
	level, _ := msg.Level()

	batch, err := p.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (id, action, timestamp, level, message, metadata)", exchange))
	if err != nil {
		return fmt.Errorf("couldn't prepare batch: %w", err)
	}

	if err := batch.Append(uuid.New(), env.Action, msg.Timestamp.Time, level, msg.Message, string(metadata)); err != nil {
		return fmt.Errorf("couldn't append envelope to batch: %w", err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("couldn't send batch: %w", err)
	}

	return nil
}
