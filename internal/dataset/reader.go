package dataset

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"

	"github.com/raaihank/pii-scrubber/internal/batch"
)

// Format is a supported dataset file format.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatJSONL   Format = "jsonl"
	FormatParquet Format = "parquet"
)

// DetectFormat picks the format from the file extension. Unknown extensions
// are read as CSV.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".parquet":
		return FormatParquet
	case ".jsonl", ".ndjson", ".json":
		return FormatJSONL
	default:
		return FormatCSV
	}
}

// ParseFormat accepts a format name, or "" / "auto" to detect it from path.
func ParseFormat(name, path string) (Format, error) {
	switch strings.ToLower(name) {
	case "", "auto":
		return DetectFormat(path), nil
	case "csv":
		return FormatCSV, nil
	case "jsonl", "json", "ndjson":
		return FormatJSONL, nil
	case "parquet":
		return FormatParquet, nil
	default:
		return "", fmt.Errorf("unsupported dataset format %q", name)
	}
}

// Record is one text to scrub.
type Record struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Options selects the fields records are read from.
type Options struct {
	// TextField is the CSV column or JSON field holding the text. Defaults to "text".
	TextField string `mapstructure:"text_field"`
	// IDField is the CSV column or JSON field holding the record ID. When it
	// is absent the 1-based row number is used.
	IDField string `mapstructure:"id_field"`
	// MaxTextBytes skips records with longer texts; 0 means no limit.
	MaxTextBytes int `mapstructure:"max_text_bytes"`
}

func (o Options) withDefaults() Options {
	if o.TextField == "" {
		o.TextField = "text"
	}
	if o.IDField == "" {
		o.IDField = "id"
	}
	return o
}

// Reader reads datasets into records. Malformed rows are logged and skipped.
type Reader struct {
	opts   Options
	logger *zap.Logger
}

// NewReader creates a dataset reader.
func NewReader(opts Options, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{opts: opts.withDefaults(), logger: logger}
}

// ReadFile reads the dataset at path in the given format.
func (r *Reader) ReadFile(path string, format Format) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer file.Close()

	r.logger.Info("Reading dataset", zap.String("file", path), zap.String("format", string(format)))

	var records []Record
	switch format {
	case FormatCSV:
		records, err = r.ReadCSV(file)
	case FormatJSONL:
		records, err = r.ReadJSONL(file)
	case FormatParquet:
		records, err = r.ReadParquet(file)
	default:
		return nil, fmt.Errorf("unsupported dataset format: %s", format)
	}
	if err != nil {
		return nil, fmt.Errorf("%s processing failed: %w", format, err)
	}

	r.logger.Info("Dataset loaded", zap.String("file", path), zap.Int("records", len(records)))
	return records, nil
}

// ReadCSV reads a CSV file with a header row.
func (r *Reader) ReadCSV(in io.Reader) ([]Record, error) {
	reader := csv.NewReader(in)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	textCol, idCol := -1, -1
	for i, name := range header {
		switch strings.TrimSpace(name) {
		case r.opts.TextField:
			textCol = i
		case r.opts.IDField:
			idCol = i
		}
	}
	if textCol < 0 {
		return nil, fmt.Errorf("CSV header has no %q column", r.opts.TextField)
	}

	var records []Record
	for row := 1; ; row++ {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			r.logger.Warn("Failed to read CSV record", zap.Int("row", row), zap.Error(err))
			continue
		}
		if textCol >= len(fields) {
			r.logger.Warn("Invalid CSV record length", zap.Int("row", row), zap.Int("length", len(fields)))
			continue
		}

		id := strconv.Itoa(row)
		if idCol >= 0 && idCol < len(fields) && fields[idCol] != "" {
			id = fields[idCol]
		}
		r.appendRecord(&records, row, id, fields[textCol])
	}
	return records, nil
}

// ReadJSONL reads one JSON object per line.
func (r *Reader) ReadJSONL(in io.Reader) ([]Record, error) {
	decoder := json.NewDecoder(in)

	var records []Record
	for row := 1; ; row++ {
		var obj map[string]any
		err := decoder.Decode(&obj)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// The decoder cannot resynchronize after a syntax error.
			return records, fmt.Errorf("failed to read JSON record %d: %w", row, err)
		}

		text, ok := obj[r.opts.TextField].(string)
		if !ok {
			r.logger.Warn("JSON record has no text field", zap.Int("row", row), zap.String("field", r.opts.TextField))
			continue
		}

		id := strconv.Itoa(row)
		switch v := obj[r.opts.IDField].(type) {
		case string:
			id = v
		case float64:
			id = strconv.FormatFloat(v, 'f', -1, 64)
		}
		r.appendRecord(&records, row, id, text)
	}
	return records, nil
}

type parquetRecord struct {
	Text string `parquet:"text"`
}

// ReadParquet reads the "text" column of a Parquet file. Record IDs are row
// numbers.
func (r *Reader) ReadParquet(in io.ReaderAt) ([]Record, error) {
	reader := parquet.NewReader(in)
	defer reader.Close()

	var records []Record
	for row := 1; ; row++ {
		var rec parquetRecord
		err := reader.Read(&rec)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return records, fmt.Errorf("failed to read Parquet record %d: %w", row, err)
		}
		r.appendRecord(&records, row, strconv.Itoa(row), rec.Text)
	}
	return records, nil
}

func (r *Reader) appendRecord(records *[]Record, row int, id, text string) {
	if r.opts.MaxTextBytes > 0 && len(text) > r.opts.MaxTextBytes {
		r.logger.Warn("Skipping record: text too long", zap.Int("row", row), zap.Int("length", len(text)))
		return
	}
	*records = append(*records, Record{ID: id, Text: text})
}

// Inputs converts records to batch inputs.
func Inputs(records []Record) []batch.Input {
	inputs := make([]batch.Input, len(records))
	for i, rec := range records {
		inputs[i] = batch.Input{ID: rec.ID, Text: rec.Text}
	}
	return inputs
}
