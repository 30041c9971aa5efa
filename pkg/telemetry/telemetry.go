// Package telemetry writes per-operation timing traces as JSON lines, one
// file per operation name.
package telemetry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

type Step struct {
	Name     string  `json:"name"`
	Duration float64 `json:"duration_ms"`
}

type Trace struct {
	Name     string    `json:"name"`
	Start    time.Time `json:"start"`
	Steps    []Step    `json:"steps"`
	TotalMS  float64   `json:"total_ms"`
	lastMark time.Time
	tel      *Telemetry
}

type Options struct {
	Dir           string
	BufferSize    int
	QueueCapacity int
	FlushInterval time.Duration
	MaxFileSize   int64
	// SampleRate in [0,1]; 0 disables tracing.
	SampleRate float64
}

// Telemetry manages async writing of traces to per-op files.
type Telemetry struct {
	opts     Options
	mu       sync.Mutex
	files    map[string]*os.File
	buffers  map[string]*bufio.Writer
	traces   chan *Trace
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	dropped  atomic.Uint64
}

var global atomic.Pointer[Telemetry]

// Init installs the global telemetry instance.
func Init(opts Options) error {
	t, err := New(opts)
	if err != nil {
		return err
	}
	if old := global.Swap(t); old != nil {
		old.Close()
	}
	return nil
}

// Track starts a trace on the global instance. Without Init the trace is
// inert.
func Track(name string) *Trace {
	return global.Load().Track(name)
}

// Close stops the global instance.
func Close() {
	if t := global.Swap(nil); t != nil {
		t.Close()
	}
}

func New(opts Options) (*Telemetry, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 64 * 1024
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 4096
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 2 * time.Second
	}
	t := &Telemetry{
		opts:    opts,
		files:   make(map[string]*os.File),
		buffers: make(map[string]*bufio.Writer),
		traces:  make(chan *Trace, opts.QueueCapacity),
		stopCh:  make(chan struct{}),
	}
	t.wg.Add(1)
	go t.writerLoop()
	return t, nil
}

// Track starts a trace linked to t. A nil or unsampled Telemetry returns a
// trace whose Finish is a no-op.
func (t *Telemetry) Track(name string) *Trace {
	now := time.Now()
	tr := &Trace{Name: name, Start: now, lastMark: now}
	if t != nil && t.opts.SampleRate > 0 && (t.opts.SampleRate >= 1 || rand.Float64() < t.opts.SampleRate) {
		tr.tel = t
	}
	return tr
}

// Mark records the elapsed duration since the previous mark.
func (tr *Trace) Mark(label string) {
	if tr.tel == nil {
		return
	}
	now := time.Now()
	tr.Steps = append(tr.Steps, Step{Name: label, Duration: now.Sub(tr.lastMark).Seconds() * 1000})
	tr.lastMark = now
}

// Finish enqueues the trace for writing. Safe to call more than once.
func (tr *Trace) Finish() {
	t := tr.tel
	if t == nil {
		return
	}
	tr.tel = nil
	tr.TotalMS = time.Since(tr.Start).Seconds() * 1000

	var sum float64
	for _, s := range tr.Steps {
		sum += s.Duration
	}
	if remaining := tr.TotalMS - sum; remaining > 0.001 {
		tr.Steps = append(tr.Steps, Step{Name: "unmarked", Duration: remaining})
	}

	select {
	case t.traces <- tr:
	default:
		t.dropped.Add(1)
	}
}

// Dropped is the number of traces discarded because the queue was full.
func (t *Telemetry) Dropped() uint64 {
	return t.dropped.Load()
}

func (t *Telemetry) writerLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case tr := <-t.traces:
			t.write(tr)
		case <-ticker.C:
			t.flush(true)
		case <-t.stopCh:
		drain:
			for {
				select {
				case tr := <-t.traces:
					t.write(tr)
				default:
					break drain
				}
			}
			t.mu.Lock()
			for _, b := range t.buffers {
				b.Flush()
			}
			for _, f := range t.files {
				f.Sync()
				f.Close()
			}
			t.mu.Unlock()
			return
		}
	}
}

func (t *Telemetry) write(tr *Trace) {
	if tr == nil {
		return
	}
	data, err := json.Marshal(tr)
	if err != nil {
		return
	}
	t.mu.Lock()
	b := t.getBufferFor(tr.Name)
	b.Write(data)
	b.WriteByte('\n')
	t.mu.Unlock()
}

func (t *Telemetry) flush(rotate bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, b := range t.buffers {
		b.Flush()
		if !rotate || t.opts.MaxFileSize <= 0 {
			continue
		}
		f := t.files[name]
		if f == nil {
			continue
		}
		if fi, err := f.Stat(); err == nil && fi.Size() > t.opts.MaxFileSize {
			// truncate and recreate when over the size cap
			f.Close()
			newF, err := os.OpenFile(f.Name(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				delete(t.files, name)
				delete(t.buffers, name)
				continue
			}
			t.files[name] = newF
			t.buffers[name] = bufio.NewWriterSize(newF, t.opts.BufferSize)
		}
	}
}

func (t *Telemetry) getBufferFor(op string) *bufio.Writer {
	if b, ok := t.buffers[op]; ok {
		return b
	}
	path := filepath.Join(t.opts.Dir, fmt.Sprintf("%s.jsonl", op))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry: failed to open %s: %v\n", path, err)
		b := bufio.NewWriter(os.Stderr)
		t.buffers[op] = b
		return b
	}
	b := bufio.NewWriterSize(f, t.opts.BufferSize)
	t.files[op] = f
	t.buffers[op] = b
	return b
}

// Close stops the background writer and flushes remaining traces.
func (t *Telemetry) Close() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		t.wg.Wait()
	})
}
