// Package posefeed reads platform poses from a line-oriented text stream,
// typically a serial port, and publishes them as frame transforms.
//
// Each line is
//
//	pose <child> <parent> <x> <y> <z> <yaw> [<stamp>]
//	static <child> <parent> <x> <y> <z> <yaw>
//
// where x, y, z are metres, yaw is radians about +z and stamp is Unix seconds
// (fractional allowed). A pose without a stamp is stamped on arrival. Blank
// lines and lines starting with '#' are ignored.
package posefeed

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang/geo/r3"
	"github.com/spf13/cast"

	"github.com/banshee-data/elevation.map/internal/elevation/frames"
	"github.com/banshee-data/elevation.map/internal/monitoring"
	"github.com/banshee-data/elevation.map/internal/timeutil"
)

// ErrBadLine is returned by ParseLine for lines that are not a pose.
var ErrBadLine = errors.New("bad pose line")

// Publisher stores transforms; *frames.Buffer implements it.
type Publisher interface {
	Set(frames.Transform) error
}

// Stats counts processed lines.
type Stats struct {
	Lines    int64 `json:"lines"`
	Applied  int64 `json:"applied"`
	Rejected int64 `json:"rejected"`
}

// Reader parses pose lines and publishes them.
type Reader struct {
	pub   Publisher
	clock timeutil.Clock

	lines    atomic.Int64
	applied  atomic.Int64
	rejected atomic.Int64
}

// NewReader creates a Reader. clock stamps poses that carry no stamp and
// defaults to the real clock.
func NewReader(pub Publisher, clock timeutil.Clock) *Reader {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Reader{pub: pub, clock: clock}
}

// Stats returns the line counters.
func (r *Reader) Stats() Stats {
	return Stats{Lines: r.lines.Load(), Applied: r.applied.Load(), Rejected: r.rejected.Load()}
}

// Run consumes src until EOF, a read error or ctx cancellation. Bad lines are
// logged and skipped.
func (r *Reader) Run(ctx context.Context, src io.Reader) error {
	scan := bufio.NewScanner(src)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// Scan on its own goroutine so a blocking read does not hold up
	// cancellation.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErrChan <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErrChan:
			return fmt.Errorf("read pose feed: %w", err)
		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return fmt.Errorf("read pose feed: %w", err)
				default:
					return nil
				}
			}
			r.handle(line)
		}
	}
}

func (r *Reader) handle(line string) {
	tf, ok, err := ParseLine(line, r.clock.Now())
	if !ok && err == nil {
		return
	}
	r.lines.Add(1)
	if err == nil {
		err = r.pub.Set(tf)
	}
	if err != nil {
		r.rejected.Add(1)
		monitoring.Logf("[PoseFeed] rejected %q: %v", line, err)
		return
	}
	r.applied.Add(1)
	monitoring.Debugf("[PoseFeed] %s -> %s at %v", tf.From, tf.To, tf.Stamp)
}

// ParseLine parses one feed line. ok is false with a nil error for blank
// and comment lines. now stamps a pose line that carries no stamp.
func ParseLine(line string, now time.Time) (tf frames.Transform, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return frames.Transform{}, false, nil
	}

	fields := strings.Fields(line)
	static := false
	switch fields[0] {
	case "pose":
		if len(fields) != 7 && len(fields) != 8 {
			return frames.Transform{}, false, fmt.Errorf("%w: pose needs 6 or 7 arguments, got %d", ErrBadLine, len(fields)-1)
		}
	case "static":
		if len(fields) != 7 {
			return frames.Transform{}, false, fmt.Errorf("%w: static needs 6 arguments, got %d", ErrBadLine, len(fields)-1)
		}
		static = true
	default:
		return frames.Transform{}, false, fmt.Errorf("%w: unknown record %q", ErrBadLine, fields[0])
	}

	var nums [4]float64
	for i, s := range fields[3:7] {
		v, err := cast.ToFloat64E(s)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return frames.Transform{}, false, fmt.Errorf("%w: field %d %q is not a finite number", ErrBadLine, i+4, s)
		}
		nums[i] = v
	}

	stamp := now
	if static {
		stamp = time.Time{}
	} else if len(fields) == 8 {
		secs, err := cast.ToFloat64E(fields[7])
		if err != nil || secs <= 0 || math.IsInf(secs, 0) || math.IsNaN(secs) {
			return frames.Transform{}, false, fmt.Errorf("%w: stamp %q", ErrBadLine, fields[7])
		}
		whole, frac := math.Modf(secs)
		stamp = time.Unix(int64(whole), int64(math.Round(frac*1e9)))
	}

	tf = frames.FromTranslationYaw(frames.FrameID(fields[1]), frames.FrameID(fields[2]), stamp,
		r3.Vector{X: nums[0], Y: nums[1], Z: nums[2]}, nums[3])
	return tf, true, nil
}
