package sinks

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/chainsink/indexer/internal/common"
)

// CsvSink appends one file per (contract, event). The header row is derived
// from the ABI input names plus transaction fields; rows are appended in
// arrival order and flushed per batch.
type CsvSink struct {
	dir string

	mu    sync.Mutex
	files map[string]*csvFile
}

type csvFile struct {
	handle *os.File
	writer *csv.Writer
	header []string
}

func NewCsvSink(dir string) (*CsvSink, error) {
	if dir == "" {
		dir = "./csv"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create csv directory: %w", err)
	}
	return &CsvSink{dir: dir, files: make(map[string]*csvFile)}, nil
}

func (s *CsvSink) Name() string { return "csv" }

func (s *CsvSink) Write(ctx context.Context, events []*common.DecodedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	touched := make(map[string]*csvFile)
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := s.fileFor(ev)
		if err != nil {
			return err
		}
		if err := f.writer.Write(rowFor(f.header, ev)); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
		touched[ev.ContractName+"_"+ev.EventName] = f
	}

	for _, f := range touched {
		f.writer.Flush()
		if err := f.writer.Error(); err != nil {
			return fmt.Errorf("failed to flush csv file: %w", err)
		}
	}
	return nil
}

func (s *CsvSink) fileFor(ev *common.DecodedEvent) (*csvFile, error) {
	key := ev.ContractName + "_" + ev.EventName
	if f, ok := s.files[key]; ok {
		return f, nil
	}

	path := filepath.Join(s.dir, sanitizeIdent(ev.ContractName)+"-"+sanitizeIdent(ev.EventName)+".csv")
	info, statErr := os.Stat(path)
	isNew := statErr != nil || info.Size() == 0

	handle, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open csv file %s: %w", path, err)
	}

	header := headerFor(ev)
	writer := csv.NewWriter(handle)
	if isNew {
		if err := writer.Write(header); err != nil {
			handle.Close()
			return nil, fmt.Errorf("failed to write csv header: %w", err)
		}
		writer.Flush()
	}

	f := &csvFile{handle: handle, writer: writer, header: header}
	s.files[key] = f
	return f, nil
}

func headerFor(ev *common.DecodedEvent) []string {
	header := inputColumns(ev)
	return append(header,
		"tx_hash", "block_number", "block_hash", "log_index", "tx_index", "network", "contract_address")
}

func rowFor(header []string, ev *common.DecodedEvent) []string {
	row := make([]string, 0, len(header))
	inputCount := len(header) - 7
	for _, col := range header[:inputCount] {
		row = append(row, renderCsvValue(ev.Inputs[columnToInput(ev, col)]))
	}
	return append(row,
		ev.TxHash,
		fmt.Sprintf("%d", ev.BlockNumber),
		ev.BlockHash,
		fmt.Sprintf("%d", ev.LogIndex),
		fmt.Sprintf("%d", ev.TxIndex),
		ev.Network,
		ev.ContractAddress)
}

func renderCsvValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

func (s *CsvSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, f := range s.files {
		f.writer.Flush()
		if err := f.handle.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.files = make(map[string]*csvFile)
	return firstErr
}
