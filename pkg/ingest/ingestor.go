package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"viewstore/pkg/logger"
)

var ErrIngestorStopped = errors.New("ingestor stopped")

type request struct {
	entries []Entry
	reply   chan reply
}

type reply struct {
	res Result
	err error
}

// Ingestor coalesces concurrent submissions into larger transactions. A
// batch is flushed when it reaches maxBatch entries or flushDur elapses.
// If a combined batch fails, each submission is retried on its own so one
// bad submission does not fail its neighbours.
type Ingestor struct {
	c        Committer
	maxBatch int
	flushDur time.Duration

	reqs     chan *request
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// sendMu orders sends on reqs before the loop's final drain
	sendMu  sync.RWMutex
	stopped bool
}

func NewIngestor(c Committer, maxBatch int, flushDur time.Duration) *Ingestor {
	if maxBatch <= 0 {
		maxBatch = 256
	}
	if flushDur <= 0 {
		flushDur = 5 * time.Millisecond
	}
	return &Ingestor{
		c:        c,
		maxBatch: maxBatch,
		flushDur: flushDur,
		reqs:     make(chan *request, maxBatch),
		stop:     make(chan struct{}),
	}
}

func (p *Ingestor) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.loop()
	}()
}

// Submit queues entries and waits for the transaction that carries them.
func (p *Ingestor) Submit(ctx context.Context, entries []Entry) (Result, error) {
	for _, e := range entries {
		if err := ValidateEntry(e); err != nil {
			return Result{}, err
		}
	}
	r := &request{entries: entries, reply: make(chan reply, 1)}
	if err := p.send(ctx, r); err != nil {
		return Result{}, err
	}
	select {
	case rep := <-r.reply:
		return rep.res, rep.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// send hands r to the loop. Once Stop has begun no send can start, and every
// send that already started lands in reqs before the loop drains it.
func (p *Ingestor) send(ctx context.Context, r *request) error {
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()
	if p.stopped {
		return ErrIngestorStopped
	}
	select {
	case p.reqs <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Ingestor) loop() {
	var pending []*request
	size := 0
	timer := time.NewTimer(p.flushDur)
	timer.Stop()

	flush := func() {
		if len(pending) > 0 {
			p.apply(pending)
		}
		pending = nil
		size = 0
	}

	for {
		select {
		case r := <-p.reqs:
			if len(pending) == 0 {
				timer.Reset(p.flushDur)
			}
			pending = append(pending, r)
			size += len(r.entries)
			if size >= p.maxBatch {
				timer.Stop()
				flush()
			}
		case <-timer.C:
			flush()
		case <-p.stop:
			timer.Stop()
		drain:
			for {
				select {
				case r := <-p.reqs:
					pending = append(pending, r)
				default:
					break drain
				}
			}
			flush()
			return
		}
	}
}

func (p *Ingestor) apply(reqs []*request) {
	if len(reqs) == 1 {
		res, err := ApplyBatch(p.c, reqs[0].entries)
		reqs[0].reply <- reply{res: res, err: err}
		return
	}
	var all []Entry
	for _, r := range reqs {
		all = append(all, r.entries...)
	}
	res, err := ApplyBatch(p.c, all)
	if err == nil {
		off := 0
		for _, r := range reqs {
			n := len(r.entries)
			r.reply <- reply{res: Result{Seq: res.Seq, Entries: n, Inserted: res.Inserted[off : off+n]}}
			off += n
		}
		return
	}
	logger.Warn("ingest_batch_split", "requests", len(reqs), "error", err)
	for _, r := range reqs {
		res, err := ApplyBatch(p.c, r.entries)
		r.reply <- reply{res: res, err: err}
	}
}

// Stop flushes pending submissions and stops the loop.
func (p *Ingestor) Stop() {
	p.stopOnce.Do(func() {
		p.sendMu.Lock()
		p.stopped = true
		p.sendMu.Unlock()
		close(p.stop)
	})
	p.wg.Wait()
}
