package counters

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	channelsCSV = "channel_id,site_id,site_name,channel_name,travel_mode,direction,latitude,longitude\n" +
		"C1,S100,Rue de la Loi,Loi inbound,bike,IN,50.8455,4.3705\n" +
		"C2,S100,Rue de la Loi,Loi outbound,bike,OUT,50.8455,4.3705\n" +
		"C3,S200,Avenue Louise,Louise,pedestrian,IN,,\n"

	measuresCSV = "channel_id,start_time,end_time,count,validated\n" +
		"C1,2024-05-01T00:00:00+02:00,2024-05-01T01:00:00+02:00,12,true\n" +
		"C1,2024-05-01T01:00:00+02:00,2024-05-01T02:00:00+02:00,3,false\n" +
		"C3,2024-05-01 00:00:00,2024-05-01 01:00:00,40,1\n"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestExtract(t *testing.T) {
	archive := buildZip(t, map[string]string{
		"export/channels.csv": "\xef\xbb\xbf" + channelsCSV,
		"export/measures.csv": measuresCSV,
		"README.txt":          "ignored",
	})

	export, err := Extract(archive)
	require.NoError(t, err)
	require.Len(t, export.Channels, 3)
	require.Len(t, export.Measures, 3)

	assert.Equal(t, ChannelRecord{
		ChannelID: "C1", SiteID: "S100", SiteName: "Rue de la Loi", ChannelName: "Loi inbound",
		TravelMode: "bike", Direction: "IN", Latitude: "50.8455", Longitude: "4.3705",
	}, export.Channels[0])
	assert.Equal(t, "40", export.Measures[2].Count)
}

func TestExtract_ArchiveErrors(t *testing.T) {
	tests := []struct {
		name    string
		archive []byte
		member  string
	}{
		{"not a zip", []byte("PK? no"), ""},
		{"missing measures", buildZip(t, map[string]string{"channels.csv": channelsCSV}), measuresFile},
		{"missing channels", buildZip(t, map[string]string{"measures.csv": measuresCSV}), channelsFile},
		{"empty measures", buildZip(t, map[string]string{"channels.csv": channelsCSV, "measures.csv": ""}), measuresFile},
		{"incomplete header", buildZip(t, map[string]string{
			"channels.csv": channelsCSV,
			"measures.csv": "channel_id,start_time,end_time,count\nC1,1,2,3\n",
		}), measuresFile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Extract(tt.archive)
			var ae *ArchiveError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, tt.member, ae.Member)
		})
	}
}
