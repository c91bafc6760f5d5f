// Package mm provides the page-frame allocator the in-memory backend draws
// pages from.
package mm

import (
	"context"
	"sync"

	"kvfs/pkg/logging"
	"kvfs/pkg/vfs"
)

var logger = logging.For("mm")

// FramePool hands out pages up to a fixed limit. With Wait set, AllocPage
// blocks until a frame is freed or ctx is done; otherwise an exhausted pool
// fails with vfs.ErrNoSpace.
type FramePool struct {
	limit int
	wait  bool

	mu    sync.Mutex
	inUse int
	free  []*vfs.Page
	freed chan struct{}
}

type Config struct {
	Limit int  `yaml:"limit"` // 0 means unbounded
	Wait  bool `yaml:"wait"`
}

func NewFramePool(cfg Config) *FramePool {
	return &FramePool{
		limit: cfg.Limit,
		wait:  cfg.Wait,
		freed: make(chan struct{}),
	}
}

var _ vfs.PageAllocator = (*FramePool)(nil)

func (p *FramePool) AllocPage(ctx context.Context) (*vfs.Page, error) {
	for {
		p.mu.Lock()
		if p.limit == 0 || p.inUse < p.limit {
			p.inUse++
			var pg *vfs.Page
			if n := len(p.free); n > 0 {
				pg = p.free[n-1]
				p.free = p.free[:n-1]
			}
			p.mu.Unlock()
			if pg == nil {
				pg = new(vfs.Page)
			}
			return pg, nil
		}
		freed := p.freed
		p.mu.Unlock()

		if !p.wait {
			logger.Debug("frame pool exhausted", "limit", p.limit)
			return nil, vfs.ErrNoSpace
		}
		select {
		case <-freed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// FreePage returns a frame. Its contents are not cleared.
func (p *FramePool) FreePage(pg *vfs.Page) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inUse == 0 {
		panic("mm: free of unallocated frame")
	}
	p.inUse--
	p.free = append(p.free, pg)
	close(p.freed)
	p.freed = make(chan struct{})
}

// InUse reports how many frames are currently allocated.
func (p *FramePool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}
