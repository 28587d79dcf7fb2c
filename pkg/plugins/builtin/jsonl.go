package builtin

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"github.com/aescanero/rowflow/pkg/canonical"
	"github.com/aescanero/rowflow/pkg/domain"
	"github.com/aescanero/rowflow/pkg/ports"
)

// JSONLSourceOptions configures a JSON Lines source.
type JSONLSourceOptions struct {
	Path string `json:"path"`
	// Required fields must be present for a row to be valid.
	Required []string `json:"required"`
}

// JSONLSource reads one JSON object per line. Blank lines are skipped;
// lines that do not decode to an object, or lack a required field, are
// yielded as invalid rows.
type JSONLSource struct {
	opts JSONLSourceOptions
	open func() (io.ReadCloser, error)
}

func NewJSONLSource(opts JSONLSourceOptions) (*JSONLSource, error) {
	if opts.Path == "" {
		return nil, errors.New("jsonl source: path is required")
	}
	return &JSONLSource{
		opts: opts,
		open: func() (io.ReadCloser, error) { return os.Open(opts.Path) },
	}, nil
}

// NewJSONLReaderSource reads from r instead of a file.
func NewJSONLReaderSource(r io.Reader, required ...string) *JSONLSource {
	return &JSONLSource{
		opts: JSONLSourceOptions{Path: "<reader>", Required: required},
		open: func() (io.ReadCloser, error) { return io.NopCloser(r), nil },
	}
}

func (s *JSONLSource) Name() string { return "jsonl_source" }

func (s *JSONLSource) Open(ctx context.Context, pctx ports.PluginContext) (ports.RowIterator, error) {
	rc, err := s.open()
	if err != nil {
		return nil, fmt.Errorf("jsonl source: %w", err)
	}
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &jsonlIterator{closer: rc, scanner: sc, required: s.opts.Required}, nil
}

type jsonlIterator struct {
	closer   io.Closer
	scanner  *bufio.Scanner
	required []string
	line     int
}

func (it *jsonlIterator) Next(ctx context.Context) (ports.SourceRow, bool, error) {
	for it.scanner.Scan() {
		it.line++
		text := bytes.TrimSpace(it.scanner.Bytes())
		if len(text) == 0 {
			continue
		}

		var row domain.Row
		if err := json.Unmarshal(text, &row); err != nil || row == nil {
			msg := "line is not a JSON object"
			if err != nil {
				msg = err.Error()
			}
			return ports.SourceRow{
				Row:             domain.Row{"_line": it.line, "_raw": string(text)},
				Invalid:         true,
				ValidationError: fmt.Sprintf("line %d: %s", it.line, msg),
			}, true, nil
		}

		var missing []string
		for _, f := range it.required {
			if _, ok := row[f]; !ok {
				missing = append(missing, f)
			}
		}
		if len(missing) > 0 {
			return ports.SourceRow{
				Row:             row,
				Invalid:         true,
				ValidationError: fmt.Sprintf("line %d: missing required fields %s", it.line, strings.Join(missing, ", ")),
			}, true, nil
		}
		return ports.SourceRow{Row: row}, true, nil
	}
	if err := it.scanner.Err(); err != nil {
		return ports.SourceRow{}, false, fmt.Errorf("jsonl source: line %d: %w", it.line+1, err)
	}
	return ports.SourceRow{}, false, nil
}

func (it *jsonlIterator) Close() error {
	return it.closer.Close()
}

// JSONLSinkOptions configures a JSON Lines sink.
type JSONLSinkOptions struct {
	Path string `json:"path"`
}

// JSONLSink appends rows as canonical JSON lines. Each write is described
// by the hash and size of the bytes it appended.
type JSONLSink struct {
	path string

	mu   sync.Mutex
	file *os.File
}

func NewJSONLSink(opts JSONLSinkOptions) (*JSONLSink, error) {
	if opts.Path == "" {
		return nil, errors.New("jsonl sink: path is required")
	}
	return &JSONLSink{path: opts.Path}, nil
}

func (s *JSONLSink) Name() string { return "jsonl_sink" }

func (s *JSONLSink) Write(ctx context.Context, rows []domain.Row, pctx ports.PluginContext) (domain.ArtifactDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			return domain.ArtifactDescriptor{}, fmt.Errorf("jsonl sink: %w", err)
		}
		f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return domain.ArtifactDescriptor{}, fmt.Errorf("jsonl sink: %w", err)
		}
		s.file = f
	}

	data, err := EncodeLines(rows)
	if err != nil {
		return domain.ArtifactDescriptor{}, fmt.Errorf("jsonl sink: %w", err)
	}
	if _, err := s.file.Write(data); err != nil {
		return domain.ArtifactDescriptor{}, fmt.Errorf("jsonl sink: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return domain.ArtifactDescriptor{}, fmt.Errorf("jsonl sink: %w", err)
	}

	return domain.ArtifactDescriptor{
		ArtifactType: "file",
		PathOrURI:    s.path,
		ContentHash:  canonical.HashBytes(data),
		SizeBytes:    int64(len(data)),
		Metadata:     map[string]any{"rows": len(rows)},
	}, nil
}

func (s *JSONLSink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// EncodeLines renders rows as canonical JSON, one per line.
func EncodeLines(rows []domain.Row) ([]byte, error) {
	var buf bytes.Buffer
	for _, row := range rows {
		line, err := canonical.Marshal(row)
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
