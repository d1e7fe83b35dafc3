package harvest

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"edgerelay/pkg/completion"
	"edgerelay/pkg/state"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

type received struct {
	service, file string
	body          []byte
}

// recvServer is a stand-in for the origin node's recv_rst endpoint.
type recvServer struct {
	mu     sync.Mutex
	got    []received
	status int
	port   int
}

func startRecv(t *testing.T) *recvServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	rs := &recvServer{status: fasthttp.StatusOK, port: ln.Addr().(*net.TCPAddr).Port}
	srv := &fasthttp.Server{Handler: func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) != "/recv_rst" {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			return
		}
		fh, err := ctx.FormFile("file")
		if err != nil {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			return
		}
		f, err := fh.Open()
		if err != nil {
			ctx.SetStatusCode(fasthttp.StatusInternalServerError)
			return
		}
		defer f.Close()
		body := make([]byte, fh.Size)
		_, _ = f.Read(body)
		rs.mu.Lock()
		defer rs.mu.Unlock()
		rs.got = append(rs.got, received{service: string(ctx.FormValue("service")), file: fh.Filename, body: body})
		ctx.SetStatusCode(rs.status)
	}}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Shutdown() })
	return rs
}

func (rs *recvServer) count() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.got)
}

type fakeAcks struct {
	mu   sync.Mutex
	err  error
	acks []completion.Delivery
}

func (f *fakeAcks) Acknowledge(ctx context.Context, d completion.Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.acks = append(f.acks, d)
	return nil
}

func (f *fakeAcks) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeAcks) delivered() []completion.Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]completion.Delivery(nil), f.acks...)
}

type fakeReady struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeReady) TaskResultReady(taskID string) error {
	f.mu.Lock()
	f.ids = append(f.ids, taskID)
	f.mu.Unlock()
	return errors.New("scheduler down")
}

func writeResult(t *testing.T, root, origin, name string, mtime time.Time) string {
	t.Helper()
	dir := filepath.Join(root, origin)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("result:"+name), 0o644))
	require.NoError(t, os.Chtimes(dir, mtime, mtime))
	return p
}

func TestValidOrigin(t *testing.T) {
	for _, ok := range []string{"10.0.0.7", "255.255.255.255", "0.0.0.0", "localhost", "LocalHost"} {
		assert.True(t, ValidOrigin(ok), ok)
	}
	for _, bad := range []string{"256.0.0.1", "10.0.0", "10.0.0.7.1", "a.b.c.d", "10..0.1", "edge_a", "-1.0.0.0", "+1.0.0.0", "1.2.3.1000"} {
		assert.False(t, ValidOrigin(bad), bad)
	}
}

func TestOldestDirectoryAcrossServices(t *testing.T) {
	base := t.TempDir()
	yolo := filepath.Join(base, "yolo")
	seg := filepath.Join(base, "seg")
	now := time.Now()

	writeResult(t, yolo, "10.0.0.1", "a.jpg", now.Add(-time.Minute))
	writeResult(t, seg, "10.0.0.2", "b.jpg", now.Add(-time.Hour))
	writeResult(t, yolo, "10.0.0.3", "c.jpg", now.Add(-2*time.Minute))
	// ignored: not an address, empty, only temporaries
	writeResult(t, yolo, "edge_a", "d.jpg", now.Add(-24*time.Hour))
	require.NoError(t, os.MkdirAll(filepath.Join(seg, "10.0.0.9"), 0o755))
	writeResult(t, seg, "10.0.0.8", "e.jpg.part", now.Add(-24*time.Hour))

	roots := []Root{{Service: "YoloV5", Dir: yolo}, {Service: "Segment", Dir: seg}}
	c, ok := NextCandidate(roots)
	require.True(t, ok)
	assert.Equal(t, "Segment", c.Service)
	assert.Equal(t, "10.0.0.2", c.Origin)
	assert.Equal(t, []string{"b.jpg"}, c.Files)

	_, ok = NextCandidate([]Root{{Service: "None", Dir: filepath.Join(base, "missing")}})
	assert.False(t, ok)
}

func TestTiesBreakOnServiceThenOrigin(t *testing.T) {
	base := t.TempDir()
	at := time.Unix(1700000000, 0)
	writeResult(t, filepath.Join(base, "b"), "10.0.0.1", "x.jpg", at)
	writeResult(t, filepath.Join(base, "a"), "10.0.0.5", "y.jpg", at)
	writeResult(t, filepath.Join(base, "a"), "10.0.0.4", "z.jpg", at)
	c, ok := NextCandidate([]Root{{Service: "B", Dir: filepath.Join(base, "b")}, {Service: "A", Dir: filepath.Join(base, "a")}})
	require.True(t, ok)
	assert.Equal(t, "A", c.Service)
	assert.Equal(t, "10.0.0.4", c.Origin)
}

func newHarvester(t *testing.T, port int, root string, acks Acknowledger) (*Harvester, string) {
	t.Helper()
	failDir := filepath.Join(t.TempDir(), "failures")
	fw := state.NewFailureWriter(failDir)
	t.Cleanup(func() { _ = fw.Close() })
	h := New(Options{Roots: []Root{{Service: "YoloV5", Dir: root}}, Interval: 20 * time.Millisecond},
		NewUploader(port, time.Second), &fakeReady{}, acks, fw)
	return h, failDir
}

func TestNotifyFailureKeepsFileThenRetryDeletesOnce(t *testing.T) {
	rs := startRecv(t)
	root := t.TempDir()
	p := writeResult(t, root, "127.0.0.1", "1.jpg", time.Now())
	acks := &fakeAcks{err: errors.New("scheduler unreachable")}
	h, failDir := newHarvester(t, rs.port, root, acks)

	found, n := h.ProcessNext(context.Background())
	assert.True(t, found)
	assert.Zero(t, n)
	assert.FileExists(t, p, "file must stay for retry")
	assert.Equal(t, 1, rs.count())
	entries, err := os.ReadDir(failDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	acks.setErr(nil)
	found, n = h.ProcessNext(context.Background())
	assert.True(t, found)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, p)
	require.Len(t, acks.delivered(), 1)
	assert.Equal(t, completion.Delivery{TaskID: "1.jpg", ClientIP: "127.0.0.1", Service: "YoloV5"}, acks.delivered()[0])

	found, _ = h.ProcessNext(context.Background())
	assert.False(t, found)
	assert.Len(t, acks.delivered(), 1)

	rs.mu.Lock()
	defer rs.mu.Unlock()
	assert.Equal(t, "YoloV5", rs.got[1].service)
	assert.Equal(t, "1.jpg", rs.got[1].file)
	assert.Equal(t, []byte("result:1.jpg"), rs.got[1].body)
	assert.Equal(t, Stats{Passes: 2, Delivered: 1, Failed: 1}, h.Stats())
}

func TestBatchDirectoryResultsCarryBatch(t *testing.T) {
	rs := startRecv(t)
	root := t.TempDir()
	bd := filepath.Join(root, "000000000001_abc")
	old := time.Now().Add(-time.Hour)
	p := writeResult(t, bd, "127.0.0.1", "1.jpg", old)
	writeResult(t, root, "127.0.0.1", "2.jpg", time.Now())

	c, ok := NextCandidate([]Root{{Service: "YoloV5", Dir: root}})
	require.True(t, ok)
	assert.Equal(t, "000000000001_abc", c.Batch)
	assert.Equal(t, filepath.Join(bd, "127.0.0.1"), c.Path)

	acks := &fakeAcks{}
	h, _ := newHarvester(t, rs.port, root, acks)
	found, n := h.ProcessNext(context.Background())
	assert.True(t, found)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, p)
	require.Len(t, acks.delivered(), 1)
	assert.Equal(t, completion.Delivery{TaskID: "1.jpg", ClientIP: "127.0.0.1", Service: "YoloV5", Batch: "000000000001_abc"}, acks.delivered()[0])

	c, ok = NextCandidate([]Root{{Service: "YoloV5", Dir: root}})
	require.True(t, ok)
	assert.Empty(t, c.Batch)
	assert.Equal(t, []string{"2.jpg"}, c.Files)
}

func TestDrainedBatchDirectoryRemovedOnceStale(t *testing.T) {
	root := t.TempDir()
	fresh := filepath.Join(root, "000000000002_new", "10.0.0.7")
	stale := filepath.Join(root, "000000000001_old", "10.0.0.7")
	require.NoError(t, os.MkdirAll(fresh, 0o755))
	require.NoError(t, os.MkdirAll(stale, 0o755))
	// in-progress results keep the directory alive
	busy := filepath.Join(root, "000000000003_busy", "10.0.0.7")
	require.NoError(t, os.MkdirAll(busy, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(busy, "1.jpg.part"), []byte("x"), 0o644))
	old := time.Now().Add(-time.Hour)
	for _, d := range []string{stale, filepath.Dir(stale), busy, filepath.Dir(busy)} {
		require.NoError(t, os.Chtimes(d, old, old))
	}

	_, ok := NextCandidate([]Root{{Service: "YoloV5", Dir: root}})
	assert.False(t, ok)
	assert.NoDirExists(t, filepath.Dir(stale))
	assert.DirExists(t, fresh)
	assert.FileExists(t, filepath.Join(busy, "1.jpg.part"))
}

func TestUploadRejectedKeepsFile(t *testing.T) {
	rs := startRecv(t)
	rs.status = fasthttp.StatusInternalServerError
	root := t.TempDir()
	p := writeResult(t, root, "127.0.0.1", "2.jpg", time.Now())
	acks := &fakeAcks{}
	h, _ := newHarvester(t, rs.port, root, acks)

	_, n := h.ProcessNext(context.Background())
	assert.Zero(t, n)
	assert.FileExists(t, p)
	assert.Empty(t, acks.delivered(), "no acknowledgement without a delivered upload")
}

func TestRunDeliversUntilCancelled(t *testing.T) {
	rs := startRecv(t)
	root := t.TempDir()
	acks := &fakeAcks{}
	h, _ := newHarvester(t, rs.port, root, acks)
	h.opts.Watch = true

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	for i := 0; i < 3; i++ {
		writeResult(t, root, "127.0.0.1", "r"+strconv.Itoa(i)+".jpg", time.Now())
	}
	require.Eventually(t, func() bool { return len(acks.delivered()) == 3 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("harvester did not stop")
	}
}

func TestUploaderURL(t *testing.T) {
	u := NewUploader(8888, time.Second)
	assert.Equal(t, "http://10.0.0.7:8888/recv_rst", u.URL("10.0.0.7"))
	assert.Equal(t, "http://localhost:8888/recv_rst", u.URL("localhost"))
}
