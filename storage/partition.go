package storage

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/thisisjab/logcast/entity"
)

const (
	partitionPrefix = "messages_"
	partitionExt    = ".txt"
	partitionLayout = "2006-01-02"

	defaultTailBlockSize = 64 * 1024
)

// ErrSerialization is returned by Append when a message cannot be encoded to a single line.
var ErrSerialization = errors.New("cannot serialize message")

type PartitionStoreConfig struct {
	Dir string `yaml:"dir"`

	// SyncWrites makes Append fsync the partition before returning.
	SyncWrites bool `yaml:"sync_writes"`

	// TailBlockSize is the chunk size used when reading a partition backwards.
	// Zero means 64KiB.
	TailBlockSize int `yaml:"tail_block_size"`
}

func (c PartitionStoreConfig) Validate() error {
	if c.Dir == "" {
		return errors.New("storage directory is required")
	}

	if c.TailBlockSize < 0 {
		return errors.New("tail block size cannot be negative")
	}

	return nil
}

// PartitionStore keeps one append-only file per UTC calendar day.
// Appends to the same partition are serialized; reads never take a lock.
type PartitionStore struct {
	cfg    PartitionStoreConfig
	logger *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewPartitionStore(cfg PartitionStoreConfig, logger *slog.Logger) (*PartitionStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.TailBlockSize == 0 {
		cfg.TailBlockSize = defaultTailBlockSize
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %q: %w", cfg.Dir, err)
	}

	return &PartitionStore{
		cfg:    cfg,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// PartitionName returns the file name holding messages of the given day.
func PartitionName(day time.Time) string {
	return partitionPrefix + day.UTC().Format(partitionLayout) + partitionExt
}

// ParsePartitionName is the inverse of PartitionName.
func ParsePartitionName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, partitionPrefix) || !strings.HasSuffix(name, partitionExt) {
		return time.Time{}, false
	}

	raw := strings.TrimSuffix(strings.TrimPrefix(name, partitionPrefix), partitionExt)
	day, err := time.Parse(partitionLayout, raw)
	if err != nil {
		return time.Time{}, false
	}

	return day, true
}

func (s *PartitionStore) Dir() string {
	return s.cfg.Dir
}

// PartitionPath returns the full path of the partition file for day.
func (s *PartitionStore) PartitionPath(day time.Time) string {
	return filepath.Join(s.cfg.Dir, PartitionName(day))
}

func (s *PartitionStore) partitionLock(name string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}

	return l
}

// Append writes msg as one line at the end of the partition of the message's timestamp.
// It returns only after the line has been handed to the file system (and synced if configured).
// A done ctx is honored only before the write starts.
func (s *PartitionStore) Append(ctx context.Context, msg entity.LogMessage) error {
	line, err := msg.EncodeLine()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSerialization, err)
	}

	if bytes.IndexByte(line, '\n') >= 0 {
		return fmt.Errorf("%w: encoded line contains a newline", ErrSerialization)
	}

	line = append(line, '\n')

	name := PartitionName(msg.Timestamp.Time)
	path := filepath.Join(s.cfg.Dir, name)

	l := s.partitionLock(name)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("cannot open partition %q: %w", name, err)
	}

	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("cannot append to partition %q: %w", name, err)
	}

	if s.cfg.SyncWrites {
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("cannot sync partition %q: %w", name, err)
		}
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("cannot close partition %q: %w", name, err)
	}

	s.logger.Debug("appended message to partition", "partition", name, "bytes", len(line))

	return nil
}

// Read returns the raw lines of day's partition in append order.
// If limit is positive only the last limit lines are returned.
// A missing partition yields no lines and no error.
// Blank lines and a trailing line without its terminator (a write still in flight) are skipped.
func (s *PartitionStore) Read(ctx context.Context, day time.Time, limit int) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := PartitionName(day)

	f, err := os.Open(filepath.Join(s.cfg.Dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return [][]byte{}, nil
		}
		return nil, fmt.Errorf("cannot open partition %q: %w", name, err)
	}
	defer f.Close()

	if limit > 0 {
		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("cannot stat partition %q: %w", name, err)
		}

		lines, err := tailLines(f, info.Size(), limit, s.cfg.TailBlockSize)
		if err != nil {
			return nil, fmt.Errorf("cannot tail partition %q: %w", name, err)
		}

		return lines, nil
	}

	lines, err := readLines(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("cannot read partition %q: %w", name, err)
	}

	return lines, nil
}

func readLines(ctx context.Context, r io.Reader) ([][]byte, error) {
	reader := bufio.NewReader(r)
	lines := [][]byte{}

	for {
		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			// Whatever is left has no terminator yet.
			return lines, nil
		}
		if err != nil {
			return nil, err
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		line = bytes.TrimRight(line, "\r\n")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		lines = append(lines, line)
	}
}

// Days lists the days that have a partition, oldest first.
func (s *PartitionStore) Days(ctx context.Context) ([]time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("cannot list partitions: %w", err)
	}

	days := make([]time.Time, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		day, ok := ParsePartitionName(e.Name())
		if !ok {
			continue
		}

		days = append(days, day)
	}

	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	return days, nil
}
