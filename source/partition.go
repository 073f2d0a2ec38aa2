package source

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
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/thisisjab/logcast/entity"
	"github.com/thisisjab/logcast/querier"
	"github.com/thisisjab/logcast/storage"
)

type PartitionFollowerConfig struct {
	Dir string

	// Now picks the partition to start from. Defaults to time.Now.
	Now func() time.Time
}

// PartitionFollower works by watching the storage directory and reading new lines of the current
// partition as they are written. When the partition of a later day shows up it moves on to it.
type PartitionFollower struct {
	cfg    PartitionFollowerConfig
	logger *slog.Logger

	// watching is called once the watcher is set up and the starting partition is open.
	watching func()
}

func NewPartitionFollower(cfg PartitionFollowerConfig, logger *slog.Logger) (*PartitionFollower, error) {
	if cfg.Dir == "" {
		return nil, errors.New("storage directory is required")
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &PartitionFollower{
		cfg:    cfg,
		logger: logger,
	}, nil
}

type partitionTail struct {
	day    time.Time
	path   string
	file   *os.File
	reader *bufio.Reader

	// pending holds the start of a line whose newline has not been written yet.
	pending []byte
}

func (t *partitionTail) open(atEnd bool) error {
	file, err := os.Open(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cannot open partition: %w", err)
	}

	if atEnd {
		if _, err := file.Seek(0, io.SeekEnd); err != nil {
			file.Close()
			return err
		}
	}

	t.file = file
	t.reader = bufio.NewReader(file)

	return nil
}

func (t *partitionTail) close() {
	if t.file != nil {
		t.file.Close()
		t.file = nil
		t.reader = nil
	}
}

func (f *PartitionFollower) newTail(day time.Time) *partitionTail {
	return &partitionTail{
		day:  day,
		path: filepath.Join(f.cfg.Dir, storage.PartitionName(day)),
	}
}

func (f *PartitionFollower) Follow(ctx context.Context, out chan<- entity.LogMessage) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("cannot create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch first so nothing appended between opening and watching is missed.
	if err := watcher.Add(f.cfg.Dir); err != nil {
		return fmt.Errorf("cannot add directory to watcher: %w", err)
	}

	now := f.cfg.Now().UTC()
	cur := f.newTail(time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC))
	if err := cur.open(true); err != nil {
		return err
	}
	defer func() { cur.close() }()

	f.logger.Debug("following partition", "path", cur.path)

	if f.watching != nil {
		f.watching()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				f.logger.Debug("fsnotify watcher channel is closed.")
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				f.logger.Debug("Received unhandled event from fsnotify.", "event", event.String())
				continue
			}

			day, ok := storage.ParsePartitionName(filepath.Base(event.Name))
			if !ok || day.Before(cur.day) {
				continue
			}

			if day.After(cur.day) {
				// Whatever is left of the previous day is still worth delivering.
				if err := f.drain(ctx, cur, out); err != nil {
					return err
				}
				cur.close()

				cur = f.newTail(day)
				f.logger.Info("switched to new partition", "path", cur.path)
			}

			if cur.file == nil {
				if err := cur.open(false); err != nil {
					return err
				}
			}

			if err := f.drain(ctx, cur, out); err != nil {
				return err
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}

// drain emits every complete line currently available in the partition.
func (f *PartitionFollower) drain(ctx context.Context, t *partitionTail, out chan<- entity.LogMessage) error {
	if t.reader == nil {
		return nil
	}

	for {
		chunk, err := t.reader.ReadBytes('\n')
		if len(chunk) > 0 {
			if chunk[len(chunk)-1] != '\n' {
				t.pending = append(t.pending, chunk...)
			} else {
				line := chunk
				if len(t.pending) > 0 {
					line = append(t.pending, chunk...)
					t.pending = nil
				}

				if err := f.emit(ctx, line, out); err != nil {
					return err
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (f *PartitionFollower) emit(ctx context.Context, line []byte, out chan<- entity.LogMessage) error {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}

	msg, err := querier.Decode(line)
	if err != nil {
		f.logger.Warn("skipping malformed line", "error", err)
		return nil
	}

	select {
	case out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
