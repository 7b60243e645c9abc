package export

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

func init() {
	Register(&JSONLFormat{})
}

// JSONLFormat writes one JSON object per line.
type JSONLFormat struct{}

func (f *JSONLFormat) Name() string         { return "jsonl" }
func (f *JSONLFormat) Extensions() []string { return []string{".jsonl", ".ndjson"} }

func (f *JSONLFormat) Create(path string) (Sink, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	buf := bufio.NewWriter(file)
	return &JSONLSink{file: file, buf: buf, enc: json.NewEncoder(buf)}, nil
}

// JSONLSink writes records as JSON lines.
type JSONLSink struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	enc  *json.Encoder
}

// Write implements Sink.
func (s *JSONLSink) Write(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enc.Encode(rec); err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	return s.buf.Flush()
}

// Close implements Sink.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.buf.Flush(); err != nil {
		_ = s.file.Close()
		return err
	}
	return s.file.Close()
}
