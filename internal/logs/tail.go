package logs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

const maxLineBytes = 1024 * 1024

// Filter selects lines. The zero Filter keeps everything.
type Filter struct {
	// Item matches the batch or job a line is about.
	Item string
	// Fields maps log field names to required values, matched against both
	// console (key=value) and JSON ("key":"value") output.
	Fields map[string]string
}

// Match reports whether line concerns Item and carries every field.
func (f Filter) Match(line string) bool {
	if f.Item != "" &&
		!strings.Contains(line, "["+f.Item+"]") &&
		!strings.Contains(line, fmt.Sprintf("%q:%q", "item_id", f.Item)) {
		return false
	}
	for key, value := range f.Fields {
		if !strings.Contains(line, key+"="+value) &&
			!strings.Contains(line, key+"="+strconv.Quote(value)) &&
			!strings.Contains(line, fmt.Sprintf("%q:%q", key, value)) {
			return false
		}
	}
	return true
}

// Tail returns up to limit matching lines from the end of path and the offset
// just past them. A missing file yields no lines and offset 0.
func Tail(path string, limit int, filter Filter) ([]string, int64, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	if limit <= 0 {
		offset, err := file.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, 0, fmt.Errorf("seek log file: %w", err)
		}
		return nil, offset, nil
	}

	ring := make([]string, 0, limit)
	offset, err := scan(file, func(line string) {
		if !filter.Match(line) {
			return
		}
		if len(ring) == limit {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, line)
	})
	if err != nil {
		return nil, 0, err
	}
	return ring, offset, nil
}

// Follow emits matching lines appended to path after offset, polling every
// interval until ctx ends. It returns nil when ctx is cancelled.
func Follow(ctx context.Context, path string, offset int64, interval time.Duration, filter Filter, emit func(string)) error {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		next, err := readFrom(path, offset, filter, emit)
		if err != nil {
			return err
		}
		offset = next

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func readFrom(path string, offset int64, filter Filter, emit func(string)) (int64, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return offset, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return offset, fmt.Errorf("stat log file: %w", err)
	}
	if info.IsDir() {
		return offset, fmt.Errorf("log path %q is a directory", path)
	}
	if offset > info.Size() {
		offset = 0
	}
	if offset == info.Size() {
		return offset, nil
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return offset, fmt.Errorf("seek log file: %w", err)
	}
	end, err := scan(file, func(line string) {
		if filter.Match(line) {
			emit(line)
		}
	})
	if err != nil {
		return offset, err
	}
	return offset + end, nil
}

// scan feeds complete lines to fn and returns how many bytes they covered
// from the current position. A trailing partial line is left for later.
func scan(r io.Reader, fn func(string)) (int64, error) {
	reader := bufio.NewReaderSize(r, 64*1024)
	var consumed int64
	for {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			return consumed, nil
		}
		if err != nil {
			return consumed, fmt.Errorf("read log file: %w", err)
		}
		consumed += int64(len(line))
		if len(line) > maxLineBytes {
			line = line[:maxLineBytes]
		}
		fn(strings.TrimRight(line, "\r\n"))
	}
}
