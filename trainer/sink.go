package trainer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Sink receives metric records. Logging never fails the run.
type Sink interface {
	Log(step int, values map[string]float64)
}

// ZapSink writes records as debug log lines.
type ZapSink struct {
	Logger *zap.Logger
}

func (s ZapSink) Log(step int, values map[string]float64) {
	fields := make([]zap.Field, 0, len(values)+1)
	fields = append(fields, zap.Int("step", step))
	for _, k := range sortedKeys(values) {
		fields = append(fields, zap.Float64(k, values[k]))
	}
	s.Logger.Debug("metrics", fields...)
}

// FileSink appends one JSON object per record.
type FileSink struct {
	mu     sync.Mutex
	f      *os.File
	enc    *json.Encoder
	logger *zap.Logger
}

// NewFileSink creates path, and its directory if needed.
func NewFileSink(path string, logger *zap.Logger) (*FileSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "create metrics dir for %s", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open metrics %s", path)
	}
	return &FileSink{f: f, enc: json.NewEncoder(f), logger: logger}, nil
}

func (s *FileSink) Log(step int, values map[string]float64) {
	rec := make(map[string]any, len(values)+1)
	for k, v := range values {
		rec[k] = v
	}
	rec["step"] = step
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(rec); err != nil {
		s.logger.Warn("dropping metrics record", zap.Int("step", step), zap.Error(err))
	}
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// MultiSink fans records out to every sink.
type MultiSink []Sink

func (m MultiSink) Log(step int, values map[string]float64) {
	for _, s := range m {
		s.Log(step, values)
	}
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
