package gtfs

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
)

// CSVStreamer reads one GTFS file a record at a time into a struct whose
// fields carry `csv` tags. Large files such as stop_times.txt are never held
// in memory.
type CSVStreamer struct {
	file     string
	rc       io.ReadCloser
	reader   *csv.Reader
	fieldMap []fieldMapping
	line     int
}

type fieldMapping struct {
	csvIndex   int
	fieldIndex int
}

// OpenCSVStream opens path for streaming into T and checks that the header
// contains every column in required.
func OpenCSVStream[T any](path string, required []string) (*CSVStreamer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	s, err := newCSVStream[T](f, filepath.Base(path), required)
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func newCSVStream[T any](rc io.ReadCloser, name string, required []string) (*CSVStreamer, error) {
	reader := csv.NewReader(rc)
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := readHeader(reader, name)
	if err != nil {
		return nil, err
	}
	if err := checkHeader(name, header, required); err != nil {
		return nil, err
	}

	return &CSVStreamer{
		file:     name,
		rc:       rc,
		reader:   reader,
		fieldMap: buildFieldMap[T](header),
		line:     1,
	}, nil
}

// Next reads the next record into out. Returns io.EOF when done.
func (s *CSVStreamer) Next(out any) error {
	record, err := s.reader.Read()
	if err != nil {
		if err == io.EOF {
			return err
		}
		return fmt.Errorf("%s:%d: read record: %w", s.file, s.line+1, err)
	}
	s.line++

	v := reflect.ValueOf(out).Elem()
	v.SetZero()
	for _, fm := range s.fieldMap {
		if fm.csvIndex < len(record) {
			v.Field(fm.fieldIndex).SetString(strings.TrimSpace(record[fm.csvIndex]))
		}
	}
	return nil
}

// Line returns the 1-based line number of the last record read (the header is line 1).
func (s *CSVStreamer) Line() int { return s.line }

// File returns the base name of the file being streamed.
func (s *CSVStreamer) File() string { return s.file }

// Close releases the underlying reader.
func (s *CSVStreamer) Close() error {
	return s.rc.Close()
}

// ReadHeader returns the normalized header of a GTFS file.
func ReadHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	return readHeader(reader, filepath.Base(path))
}

// CheckHeader returns a *SchemaError for the first required column missing from header.
func CheckHeader(file string, header, required []string) error {
	return checkHeader(file, header, required)
}

func readHeader(reader *csv.Reader, name string) ([]string, error) {
	header, err := reader.Read()
	if err == io.EOF {
		return nil, &SchemaError{File: name, Column: "<header>"}
	}
	if err != nil {
		return nil, fmt.Errorf("%s: read header: %w", name, err)
	}

	// Strip BOM from first field if present
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\xef\xbb\xbf")
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	return header, nil
}

func checkHeader(file string, header, required []string) error {
	present := make(map[string]bool, len(header))
	for _, h := range header {
		present[h] = true
	}
	for _, col := range required {
		if !present[col] {
			return &SchemaError{File: file, Column: col}
		}
	}
	return nil
}

// buildFieldMap creates a mapping from CSV column positions to struct field positions.
func buildFieldMap[T any](header []string) []fieldMapping {
	var t T
	typ := reflect.TypeOf(t)

	tagToField := make(map[string]int)
	for i := 0; i < typ.NumField(); i++ {
		if tag := typ.Field(i).Tag.Get("csv"); tag != "" {
			tagToField[tag] = i
		}
	}

	var mappings []fieldMapping
	for csvIdx, colName := range header {
		if fieldIdx, ok := tagToField[colName]; ok {
			mappings = append(mappings, fieldMapping{csvIndex: csvIdx, fieldIndex: fieldIdx})
		}
	}
	return mappings
}
