package frames

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// ErrNoTransform is returned when no transform between two frames is known
// close enough to the requested time.
var ErrNoTransform = errors.New("no transform available")

// Resolver answers "what transform maps points from source into target at
// stamp". A zero stamp asks for the newest known transform.
type Resolver interface {
	Lookup(source, target FrameID, stamp time.Time) (Transform, error)
}

// Broadcaster receives transforms published by the map, such as its origin.
type Broadcaster interface {
	Broadcast(t Transform)
}

// BufferConfig holds tuning for a Buffer.
type BufferConfig struct {
	// Tolerance is the largest gap between a lookup stamp and the nearest
	// stored sample that still counts as a match.
	Tolerance time.Duration
	// Retention is how long an edge with no new samples is kept.
	Retention time.Duration
	// MaxSamples caps the history kept per edge.
	MaxSamples int
}

// DefaultBufferConfig returns the buffer tuning used when none is given.
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		Tolerance:  100 * time.Millisecond,
		Retention:  10 * time.Second,
		MaxSamples: 64,
	}
}

// Buffer stores a short history of stamped transforms per parent/child edge
// and resolves lookups along chains of edges in either direction.
type Buffer struct {
	cfg BufferConfig

	mu    sync.Mutex
	edges *cache.Cache // edgeKey -> []Transform sorted by Stamp
}

// NewBuffer creates an empty transform buffer.
func NewBuffer(cfg BufferConfig) *Buffer {
	def := DefaultBufferConfig()
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = def.MaxSamples
	}
	if cfg.Tolerance < 0 {
		cfg.Tolerance = 0
	}
	return &Buffer{
		cfg:   cfg,
		edges: cache.New(cfg.Retention, cfg.Retention),
	}
}

const edgeSep = "\x00"

func edgeKey(child, parent FrameID) string {
	return string(child) + edgeSep + string(parent)
}

func splitEdgeKey(k string) (child, parent FrameID, ok bool) {
	c, p, ok := strings.Cut(k, edgeSep)
	return FrameID(c), FrameID(p), ok
}

// Set records a stamped transform sample for the edge From -> To. A sample
// with a zero Stamp replaces the edge history and never expires.
func (b *Buffer) Set(t Transform) error {
	if t.From == "" || t.To == "" || t.From == t.To {
		return fmt.Errorf("%w: bad frame pair %q -> %q", ErrInvalidTransform, t.From, t.To)
	}
	if err := t.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// One direction per pair keeps chains unambiguous.
	if _, found := b.edges.Get(edgeKey(t.To, t.From)); found {
		b.edges.Delete(edgeKey(t.To, t.From))
	}

	key := edgeKey(t.From, t.To)
	if t.Stamp.IsZero() {
		b.edges.Set(key, []Transform{t}, cache.NoExpiration)
		return nil
	}

	var history []Transform
	if v, found := b.edges.Get(key); found {
		history = v.([]Transform)
	}
	// Drop a static sample when stamped samples start arriving.
	if len(history) == 1 && history[0].Stamp.IsZero() {
		history = nil
	}

	next := make([]Transform, 0, len(history)+1)
	next = append(next, history...)
	i := sort.Search(len(next), func(i int) bool { return !next[i].Stamp.Before(t.Stamp) })
	switch {
	case i < len(next) && next[i].Stamp.Equal(t.Stamp):
		next[i] = t
	default:
		next = append(next, Transform{})
		copy(next[i+1:], next[i:])
		next[i] = t
	}
	if over := len(next) - b.cfg.MaxSamples; over > 0 {
		next = next[over:]
	}
	b.edges.Set(key, next, cache.DefaultExpiration)
	return nil
}

// Broadcast publishes t as the current value of its edge, valid at any time
// until replaced. The map origin is announced this way.
func (b *Buffer) Broadcast(t Transform) {
	t.Stamp = time.Time{}
	_ = b.Set(t)
}

// Frames returns the names of every frame that appears on a stored edge.
func (b *Buffer) Frames() []FrameID {
	seen := make(map[FrameID]struct{})
	for k := range b.edges.Items() {
		c, p, ok := splitEdgeKey(k)
		if !ok {
			continue
		}
		seen[c] = struct{}{}
		seen[p] = struct{}{}
	}
	out := make([]FrameID, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// hop is one traversed edge; inverse marks travel from parent to child.
type hop struct {
	key     string
	inverse bool
	next    FrameID
}

// Lookup resolves the transform from source into target at stamp by walking
// the stored edges breadth first. Each edge contributes its sample nearest to
// stamp, which must lie within the configured tolerance unless it is static.
func (b *Buffer) Lookup(source, target FrameID, stamp time.Time) (Transform, error) {
	if source == "" || target == "" {
		return Transform{}, fmt.Errorf("%w: empty frame id", ErrNoTransform)
	}
	if source == target {
		t := Identity(source, target)
		t.Stamp = stamp
		return t, nil
	}

	items := b.edges.Items()
	adj := make(map[FrameID][]hop)
	for k := range items {
		c, p, ok := splitEdgeKey(k)
		if !ok {
			continue
		}
		adj[c] = append(adj[c], hop{key: k, next: p})
		adj[p] = append(adj[p], hop{key: k, inverse: true, next: c})
	}
	for f := range adj {
		hs := adj[f]
		sort.Slice(hs, func(i, j int) bool { return hs[i].next < hs[j].next })
	}

	type visit struct {
		frame FrameID
		acc   Transform
	}
	visited := map[FrameID]bool{source: true}
	queue := []visit{{frame: source, acc: Identity(source, source)}}
	var lastErr error

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, h := range adj[cur.frame] {
			if visited[h.next] {
				continue
			}
			item, ok := items[h.key]
			if !ok {
				continue
			}
			sample, err := b.nearest(item.Object.([]Transform), stamp)
			if err != nil {
				lastErr = err
				continue
			}
			if h.inverse {
				sample = sample.Inverse()
			}
			acc := cur.acc.Then(sample)
			if h.next == target {
				acc.From, acc.To = source, target
				return acc, nil
			}
			visited[h.next] = true
			queue = append(queue, visit{frame: h.next, acc: acc})
		}
	}

	if lastErr != nil {
		return Transform{}, fmt.Errorf("%s -> %s: %w", source, target, lastErr)
	}
	return Transform{}, fmt.Errorf("%w: %s -> %s not connected", ErrNoTransform, source, target)
}

func (b *Buffer) nearest(history []Transform, stamp time.Time) (Transform, error) {
	if len(history) == 0 {
		return Transform{}, ErrNoTransform
	}
	if history[0].Stamp.IsZero() || stamp.IsZero() {
		return history[len(history)-1], nil
	}

	i := sort.Search(len(history), func(i int) bool { return !history[i].Stamp.Before(stamp) })
	best := -1
	var bestGap time.Duration
	for _, j := range []int{i - 1, i} {
		if j < 0 || j >= len(history) {
			continue
		}
		gap := history[j].Stamp.Sub(stamp)
		if gap < 0 {
			gap = -gap
		}
		if best < 0 || gap < bestGap {
			best, bestGap = j, gap
		}
	}
	if bestGap > b.cfg.Tolerance {
		return Transform{}, fmt.Errorf("%w: nearest sample %v away from %s (tolerance %v)",
			ErrNoTransform, bestGap, stamp.Format(time.RFC3339Nano), b.cfg.Tolerance)
	}
	return history[best], nil
}
