package metricslog

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"edgerelay/pkg/batch"
	"edgerelay/pkg/sensor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func sampleMeta() batch.Meta {
	return batch.Meta{
		SubReqID: "abc", ReqID: "r1", TaskType: "YoloV5", ClientIP: "10.0.0.7", Service: "YoloV5",
		SubReqCount: 3, StartTimeMs: 1000, EndTimeMs: 2500,
	}
}

func TestHeaderWrittenOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log", "sub_req_metrics.csv")
	r, err := Open(path, Options{})
	require.NoError(t, err)
	require.NoError(t, r.Record(Periodic(sensor.Sample{TimestampMs: 5, HostCPUUtil: 12.5})))
	require.NoError(t, r.Close())

	r, err = Open(path, Options{})
	require.NoError(t, err)
	require.NoError(t, r.Record(BatchEnd(sampleMeta(), sensor.Sample{ActiveYolo: 1})))
	require.NoError(t, r.Flush())
	require.NoError(t, r.Close())

	rows := readRows(t, path)
	require.Len(t, rows, 3)
	assert.Equal(t, Header, rows[0])
	assert.Len(t, Header, 31)
	assert.Equal(t, "periodic_sample", rows[1][0])
	assert.Equal(t, "5", rows[1][1])
	assert.Equal(t, "", rows[1][3], "periodic rows carry no batch fields")
	assert.Equal(t, "12.5", rows[1][14])

	end := rows[2]
	assert.Equal(t, "batch_end", end[0])
	assert.Equal(t, "2500", end[1])
	assert.Equal(t, "abc", end[3])
	assert.Equal(t, "3", end[9])
	assert.Equal(t, "2500", end[11])
	assert.Equal(t, "0", end[12])
	assert.Equal(t, "1", end[30])
}

func TestBatchStartLeavesEndBlank(t *testing.T) {
	fields := BatchStart(sampleMeta(), sensor.Sample{}).Fields()
	require.Len(t, fields, len(Header))
	assert.Equal(t, "batch_start", fields[0])
	assert.Equal(t, "1000", fields[1])
	assert.Equal(t, "1000", fields[10])
	assert.Equal(t, "", fields[11])
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "m.csv")
	r, err := Open(path, Options{MaxSize: 600})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, r.Record(BatchEnd(sampleMeta(), sensor.Sample{})))
	}
	require.NoError(t, r.Close())
	assert.ErrorIs(t, r.Record(Periodic(sensor.Sample{})), ErrClosed)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var rotated int
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "m.csv.") {
			rotated++
			rows := readRows(t, filepath.Join(dir, e.Name()))
			assert.Equal(t, Header, rows[0])
		}
	}
	assert.Positive(t, rotated)
	assert.Equal(t, Header, readRows(t, path)[0])
}
