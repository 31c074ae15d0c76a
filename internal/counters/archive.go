package counters

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/gocarina/gocsv"

	"transitsync/internal/gtfs"
)

const (
	channelsFile = "channels.csv"
	measuresFile = "measures.csv"
)

var (
	channelColumns = []string{"channel_id", "site_id", "site_name", "channel_name", "travel_mode", "direction", "latitude", "longitude"}
	measureColumns = []string{"channel_id", "start_time", "end_time", "count", "validated"}
)

// ChannelRecord is one row of channels.csv.
type ChannelRecord struct {
	ChannelID   string `csv:"channel_id"`
	SiteID      string `csv:"site_id"`
	SiteName    string `csv:"site_name"`
	ChannelName string `csv:"channel_name"`
	TravelMode  string `csv:"travel_mode"`
	Direction   string `csv:"direction"`
	Latitude    string `csv:"latitude"`
	Longitude   string `csv:"longitude"`
}

// MeasureRecord is one row of measures.csv.
type MeasureRecord struct {
	ChannelID string `csv:"channel_id"`
	StartTime string `csv:"start_time"`
	EndTime   string `csv:"end_time"`
	Count     string `csv:"count"`
	Validated string `csv:"validated"`
}

// Export is the decoded content of an export archive.
type Export struct {
	Channels []ChannelRecord
	Measures []MeasureRecord
}

// Extract decodes an export archive. The archive must hold channels.csv and
// measures.csv with their full header sets; anything else is an
// *ArchiveError.
func Extract(archive []byte) (*Export, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, &ArchiveError{Reason: "not a zip archive", Err: err}
	}

	members := make(map[string]*zip.File, 2)
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		members[path.Base(f.Name)] = f
	}

	export := &Export{}
	if err := decodeMember(members, channelsFile, channelColumns, &export.Channels); err != nil {
		return nil, err
	}
	if err := decodeMember(members, measuresFile, measureColumns, &export.Measures); err != nil {
		return nil, err
	}
	return export, nil
}

func decodeMember(members map[string]*zip.File, name string, columns []string, out any) error {
	f, ok := members[name]
	if !ok {
		return &ArchiveError{Member: name, Reason: "missing member"}
	}
	rc, err := f.Open()
	if err != nil {
		return &ArchiveError{Member: name, Reason: "open member", Err: err}
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return &ArchiveError{Member: name, Reason: "read member", Err: err}
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	header, err := csv.NewReader(bytes.NewReader(data)).Read()
	if errors.Is(err, io.EOF) {
		return &ArchiveError{Member: name, Reason: "empty file"}
	}
	if err != nil {
		return &ArchiveError{Member: name, Reason: "read header", Err: err}
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	if err := gtfs.CheckHeader(name, header, columns); err != nil {
		return &ArchiveError{Member: name, Reason: "incomplete header", Err: err}
	}

	if err := gocsv.UnmarshalBytes(data, out); err != nil {
		return &ArchiveError{Member: name, Reason: "decode rows", Err: err}
	}
	return nil
}
