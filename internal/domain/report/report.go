package report

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/GriffinCanCode/flightbus/internal/domain/bus"
	"github.com/GriffinCanCode/flightbus/internal/domain/msg"
	"github.com/GriffinCanCode/flightbus/internal/domain/router"
	"github.com/GriffinCanCode/flightbus/internal/shared/id"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultMaxLoop is the route window used when none is configured
const DefaultMaxLoop = 64

var (
	ErrBadPattern = errors.New("report: invalid pipe name pattern")
	ErrBadName    = errors.New("report: invalid file name")
)

// Source provides the snapshots a report is built from
type Source interface {
	Routes(th *router.Throttle) []bus.RouteInfo
	Pipes() []bus.PipeInfo
}

// RouteRecord is one routing entry: a message id and one of its destinations
type RouteRecord struct {
	MsgID    msg.ID    `json:"msg_id"`
	PipeID   id.PipeID `json:"pipe_id"`
	State    string    `json:"state"`
	MsgCnt   int       `json:"msg_cnt"`
	AppName  string    `json:"app_name"`
	PipeName string    `json:"pipe_name"`
}

// PipeRecord is one pipe entry
type PipeRecord struct {
	PipeID       id.PipeID `json:"pipe_id"`
	AppID        id.AppID  `json:"app_id"`
	PipeName     string    `json:"pipe_name"`
	AppName      string    `json:"app_name"`
	MaxDepth     int       `json:"max_queue_depth"`
	CurrentDepth int       `json:"current_queue_depth"`
	PeakDepth    int       `json:"peak_queue_depth"`
	SendErrors   int       `json:"send_errors"`
	Opts         uint8     `json:"opts"`
}

// MapRecord maps a subscribed message id to its route table index
type MapRecord struct {
	MsgID msg.ID `json:"msg_id"`
	Index int    `json:"index"`
}

// Summary describes a written dump
type Summary struct {
	Path    string `json:"path"`
	Entries int    `json:"entries"`
	Bytes   int64  `json:"bytes"`
}

// encoder writes one JSON document per line
type encoder struct {
	w       io.Writer
	entries int
}

func (e *encoder) encode(v any) error {
	b, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	b = append(b, '\n')
	if _, err := e.w.Write(b); err != nil {
		return err
	}
	e.entries++
	return nil
}

// walkRoutes visits every route, maxLoop routes per bus lock hold
func walkRoutes(src Source, maxLoop int, fn func(bus.RouteInfo) error) error {
	if maxLoop <= 0 {
		maxLoop = DefaultMaxLoop
	}
	th := &router.Throttle{MaxLoop: maxLoop}
	for {
		for _, r := range src.Routes(th) {
			if err := fn(r); err != nil {
				return err
			}
		}
		if th.NextIndex == 0 {
			return nil
		}
		th.StartIndex = th.NextIndex
	}
}

// WriteRoutes writes one record per route destination and returns the
// number of records written
func WriteRoutes(w io.Writer, src Source, maxLoop int) (int, error) {
	owners := make(map[id.PipeID]string)
	for _, p := range src.Pipes() {
		owners[p.ID] = p.OwnerName
	}

	enc := &encoder{w: w}
	err := walkRoutes(src, maxLoop, func(r bus.RouteInfo) error {
		for _, d := range r.Destinations {
			state := "enabled"
			if !d.Active {
				state = "disabled"
			}
			rec := RouteRecord{
				MsgID:    r.MsgID,
				PipeID:   d.PipeID,
				State:    state,
				MsgCnt:   d.BuffCount,
				AppName:  owners[d.PipeID],
				PipeName: d.PipeName,
			}
			if err := enc.encode(rec); err != nil {
				return err
			}
		}
		return nil
	})
	return enc.entries, err
}

// WritePipes writes one record per pipe whose name matches pattern. An
// empty pattern matches every pipe.
func WritePipes(w io.Writer, src Source, pattern string) (int, error) {
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		return 0, fmt.Errorf("%w: %q", ErrBadPattern, pattern)
	}

	enc := &encoder{w: w}
	for _, p := range FilterPipes(src.Pipes(), pattern) {
		rec := PipeRecord{
			PipeID:       p.ID,
			AppID:        p.Owner,
			PipeName:     p.Name,
			AppName:      p.OwnerName,
			MaxDepth:     p.MaxDepth,
			CurrentDepth: p.CurDepth,
			PeakDepth:    p.PeakDepth,
			SendErrors:   p.SendErrors,
			Opts:         uint8(p.Opts),
		}
		if err := enc.encode(rec); err != nil {
			return enc.entries, err
		}
	}
	return enc.entries, nil
}

// WriteMap writes one record per routed message id
func WriteMap(w io.Writer, src Source, maxLoop int) (int, error) {
	enc := &encoder{w: w}
	err := walkRoutes(src, maxLoop, func(r bus.RouteInfo) error {
		return enc.encode(MapRecord{MsgID: r.MsgID, Index: r.RouteID.Index()})
	})
	return enc.entries, err
}

// FilterPipes keeps pipes whose name matches pattern. Invalid patterns
// match nothing.
func FilterPipes(pipes []bus.PipeInfo, pattern string) []bus.PipeInfo {
	if pattern == "" {
		return pipes
	}
	out := pipes[:0:0]
	for _, p := range pipes {
		if ok, err := doublestar.Match(pattern, p.Name); err == nil && ok {
			out = append(out, p)
		}
	}
	return out
}

// countingWriter tracks bytes written to the file
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// WriteFile creates path and fills it with write. Paths ending in .gz are
// gzip compressed.
func WriteFile(path string, write func(io.Writer) (int, error)) (s Summary, err error) {
	f, err := os.Create(path)
	if err != nil {
		return Summary{Path: path}, fmt.Errorf("create %s: %w", path, err)
	}
	counter := &countingWriter{w: f}
	defer func() {
		err = multierr.Append(err, f.Close())
		s.Bytes = counter.n
	}()

	var (
		out io.Writer = counter
		gz  *gzip.Writer
	)
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(counter)
		out = gz
	}
	buf := bufio.NewWriter(out)

	n, err := write(buf)
	err = multierr.Append(err, buf.Flush())
	if gz != nil {
		err = multierr.Append(err, gz.Close())
	}
	return Summary{Path: path, Entries: n}, err
}

// Dumper writes named dumps into a directory
type Dumper struct {
	src      Source
	dir      string
	compress bool
	maxLoop  int
	logger   *zap.Logger
}

// NewDumper creates a dumper writing under dir
func NewDumper(src Source, dir string, compress bool, maxLoop int, logger *zap.Logger) *Dumper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dumper{src: src, dir: dir, compress: compress, maxLoop: maxLoop, logger: logger}
}

// Routes writes the routing dump. An empty name uses the default.
func (d *Dumper) Routes(name string) (Summary, error) {
	return d.dump("routes", name, func(w io.Writer) (int, error) {
		return WriteRoutes(w, d.src, d.maxLoop)
	})
}

// Pipes writes the pipe dump filtered by pattern
func (d *Dumper) Pipes(name, pattern string) (Summary, error) {
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		return Summary{}, fmt.Errorf("%w: %q", ErrBadPattern, pattern)
	}
	return d.dump("pipes", name, func(w io.Writer) (int, error) {
		return WritePipes(w, d.src, pattern)
	})
}

// Map writes the message map dump
func (d *Dumper) Map(name string) (Summary, error) {
	return d.dump("map", name, func(w io.Writer) (int, error) {
		return WriteMap(w, d.src, d.maxLoop)
	})
}

func (d *Dumper) dump(kind, name string, write func(io.Writer) (int, error)) (Summary, error) {
	path, err := d.path(kind, name)
	if err != nil {
		return Summary{}, err
	}

	s, err := WriteFile(path, write)
	if err != nil {
		d.logger.Error("report write failed", zap.String("kind", kind), zap.String("path", path), zap.Error(err))
		return s, err
	}
	d.logger.Debug("report written",
		zap.String("kind", kind),
		zap.String("path", s.Path),
		zap.Int("entries", s.Entries),
		zap.Int64("bytes", s.Bytes),
	)
	return s, nil
}

// path resolves a file name inside the dump directory
func (d *Dumper) path(kind, name string) (string, error) {
	if name == "" {
		name = kind + ".jsonl"
		if d.compress {
			name += ".gz"
		}
	}
	if name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrBadName, name)
	}
	return filepath.Join(d.dir, name), nil
}
