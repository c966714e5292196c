package report

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/GriffinCanCode/flightbus/internal/domain/app"
	"github.com/GriffinCanCode/flightbus/internal/domain/bus"
	"github.com/GriffinCanCode/flightbus/internal/domain/msg"
	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBus(t *testing.T) (*bus.Bus, *bus.Client) {
	t.Helper()
	cfg := bus.DefaultConfig()
	cfg.MaxPipes = 8
	cfg.MaxMsgIDs = 16
	apps := app.NewManager(4, cfg.MaxTasks)
	b, err := bus.New(cfg, apps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	a, err := apps.Register("SAMPLE")
	require.NoError(t, err)
	c, err := b.Client(a.MainTask)
	require.NoError(t, err)
	return b, c
}

func lines[T any](t *testing.T, r io.Reader) []T {
	t.Helper()
	var out []T
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		var v T
		require.NoError(t, sonic.Unmarshal(sc.Bytes(), &v))
		out = append(out, v)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestWriteRoutes(t *testing.T) {
	b, c := newBus(t)
	cmd, err := c.CreatePipe(4, "SAMPLE_CMD")
	require.NoError(t, err)
	hk, err := c.CreatePipe(4, "SAMPLE_HK")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Subscribe(msg.ID(0x100+i), cmd))
	}
	require.NoError(t, c.Subscribe(0x100, hk))
	require.NoError(t, b.SetRouteActive(0x100, hk, false))

	_, err = c.TransmitMsg(context.Background(), msg.NewMessage(0x101, []byte("x")))
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := WriteRoutes(&buf, b, 2)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	recs := lines[RouteRecord](t, &buf)
	require.Len(t, recs, 6)
	// newest destination first
	assert.Equal(t, hk, recs[0].PipeID)
	assert.Equal(t, "disabled", recs[0].State)
	assert.Equal(t, RouteRecord{MsgID: 0x100, PipeID: cmd, State: "enabled", AppName: "SAMPLE", PipeName: "SAMPLE_CMD"}, recs[1])
	assert.Equal(t, 1, recs[2].MsgCnt, "queued message counted")
}

func TestWritePipesFiltered(t *testing.T) {
	b, c := newBus(t)
	for _, name := range []string{"SAMPLE_CMD", "SAMPLE_HK", "TO_LAB"} {
		_, err := c.CreatePipe(4, name)
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	n, err := WritePipes(&buf, b, "SAMPLE_*")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	recs := lines[PipeRecord](t, &buf)
	assert.Equal(t, "SAMPLE_CMD", recs[0].PipeName)
	assert.Equal(t, "SAMPLE", recs[0].AppName)
	assert.Equal(t, 4, recs[0].MaxDepth)

	buf.Reset()
	n, err = WritePipes(&buf, b, "")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = WritePipes(&buf, b, "[bad")
	assert.ErrorIs(t, err, ErrBadPattern)
}

func TestWriteMap(t *testing.T) {
	b, c := newBus(t)
	pid, err := c.CreatePipe(4, "P")
	require.NoError(t, err)
	require.NoError(t, c.Subscribe(0x200, pid))
	require.NoError(t, c.Subscribe(0x201, pid))

	var buf bytes.Buffer
	n, err := WriteMap(&buf, b, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []MapRecord{{MsgID: 0x200, Index: 0}, {MsgID: 0x201, Index: 1}}, lines[MapRecord](t, &buf))
}

func TestDumperCompressed(t *testing.T) {
	b, c := newBus(t)
	pid, err := c.CreatePipe(4, "P")
	require.NoError(t, err)
	require.NoError(t, c.Subscribe(0x300, pid))

	dir := t.TempDir()
	d := NewDumper(b, dir, true, 8, nil)
	s, err := d.Routes("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "routes.jsonl.gz"), s.Path)
	assert.Equal(t, 1, s.Entries)

	info, err := os.Stat(s.Path)
	require.NoError(t, err)
	assert.Equal(t, s.Bytes, info.Size())

	f, err := os.Open(s.Path)
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	recs := lines[RouteRecord](t, zr)
	require.Len(t, recs, 1)
	assert.Equal(t, msg.ID(0x300), recs[0].MsgID)
}

func TestDumperNames(t *testing.T) {
	b, _ := newBus(t)
	d := NewDumper(b, t.TempDir(), false, 0, nil)

	s, err := d.Pipes("pipes.txt", "")
	require.NoError(t, err)
	assert.Zero(t, s.Entries)
	assert.Equal(t, "pipes.txt", filepath.Base(s.Path))

	s, err = d.Map("")
	require.NoError(t, err)
	assert.Equal(t, "map.jsonl", filepath.Base(s.Path))

	_, err = d.Routes("../escape.jsonl")
	assert.ErrorIs(t, err, ErrBadName)
	_, err = d.Pipes("", "[bad")
	assert.ErrorIs(t, err, ErrBadPattern)
}

func TestWriteFileCreateError(t *testing.T) {
	_, err := WriteFile(filepath.Join(t.TempDir(), "missing", "x.jsonl"), func(io.Writer) (int, error) { return 0, nil })
	assert.Error(t, err)
}
