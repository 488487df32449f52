package ingest

import (
	"context"
	"time"

	"github.com/ijoka-dev/ijoka/internal/store"
)

// projectClock issues strictly increasing (seq, created_at) pairs for one
// project. It is only touched while the project lock is held.
type projectClock struct {
	seq  int64
	last time.Time
}

// next returns the stamp following the clock's current position without
// advancing it; commit advances once the event is stored.
func (c *projectClock) next(now time.Time) (int64, time.Time) {
	at := now.UTC()
	if !at.After(c.last) {
		at = c.last.Add(time.Nanosecond)
	}
	return c.seq + 1, at
}

func (c *projectClock) commit(seq int64, at time.Time) {
	c.seq = seq
	c.last = at
}

// clockFor returns the clock of project, seeding it from the store on first use.
// Caller must hold the project lock.
func (p *Pipeline) clockFor(ctx context.Context, project string) (*projectClock, error) {
	p.mu.Lock()
	c, ok := p.clocks[project]
	p.mu.Unlock()
	if ok {
		return c, nil
	}

	seq, err := p.store.LastSeq(ctx, project)
	if err != nil {
		return nil, err
	}
	c = &projectClock{seq: seq}
	latest, err := p.store.ListEvents(ctx, store.EventQuery{Project: project, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(latest) > 0 {
		c.last = latest[0].CreatedAt
	}

	p.mu.Lock()
	p.clocks[project] = c
	p.mu.Unlock()
	return c, nil
}

// forgetClock drops the clock of project so the next event reseeds it.
func (p *Pipeline) forgetClock(project string) {
	p.mu.Lock()
	delete(p.clocks, project)
	p.mu.Unlock()
}
