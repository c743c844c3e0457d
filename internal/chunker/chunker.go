package chunker

import (
	"strings"
	"time"
)

// Chunk is one flushed span of generator text, numbered in production order.
// Seq is the key for the synthesis reorder buffer downstream.
type Chunk struct {
	Seq  int
	Text string
}

type Config struct {
	MaxChars int
	MaxWait  time.Duration
}

// Chunker buffers generator text deltas and flushes at sentence boundaries,
// at a length bound, or after a max wait since the last flush, whichever
// comes first. Not safe for concurrent use; one chunker per turn.
type Chunker struct {
	cfg      Config
	buf      strings.Builder
	seq      int
	lastEmit time.Time
}

func New(cfg Config, now time.Time) *Chunker {
	return &Chunker{cfg: cfg, lastEmit: now}
}

// Push appends a delta and returns any chunks that became complete.
func (c *Chunker) Push(delta string, now time.Time) []Chunk {
	c.buf.WriteString(delta)
	var out []Chunk
	for {
		text := c.buf.String()
		if cut := lastBoundary(text); cut >= 0 {
			out = append(out, c.emit(text[:cut+1], text[cut+1:], now))
			continue
		}
		if c.cfg.MaxChars > 0 && len(text) >= c.cfg.MaxChars {
			out = append(out, c.emit(text, "", now))
			continue
		}
		break
	}
	if len(out) == 0 && c.buf.Len() > 0 && c.cfg.MaxWait > 0 && now.Sub(c.lastEmit) >= c.cfg.MaxWait {
		out = append(out, c.emit(c.buf.String(), "", now))
	}
	return out
}

// FlushStale flushes buffered text if the max wait has elapsed. The caller
// drives this from a timer while the generator is quiet.
func (c *Chunker) FlushStale(now time.Time) (Chunk, bool) {
	if c.buf.Len() == 0 || c.cfg.MaxWait <= 0 || now.Sub(c.lastEmit) < c.cfg.MaxWait {
		return Chunk{}, false
	}
	return c.emit(c.buf.String(), "", now), true
}

// Flush drains whatever remains, e.g. at end of generation.
func (c *Chunker) Flush(now time.Time) (Chunk, bool) {
	if strings.TrimSpace(c.buf.String()) == "" {
		c.buf.Reset()
		return Chunk{}, false
	}
	return c.emit(c.buf.String(), "", now), true
}

// Pending reports whether unflushed text is buffered.
func (c *Chunker) Pending() bool { return c.buf.Len() > 0 }

func (c *Chunker) emit(text, rest string, now time.Time) Chunk {
	c.buf.Reset()
	c.buf.WriteString(strings.TrimLeft(rest, " "))
	ch := Chunk{Seq: c.seq, Text: strings.TrimSpace(text)}
	c.seq++
	c.lastEmit = now
	return ch
}

// lastBoundary returns the index of the last sentence-terminal mark that is
// followed only by whitespace or more text, or -1 if none.
func lastBoundary(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		switch s[i] {
		case '.', '!', '?':
			// Require the mark to end a word: either end of buffer after
			// trailing space, or followed by a space.
			if i == len(s)-1 {
				return i
			}
			if s[i+1] == ' ' || s[i+1] == '\n' {
				return i
			}
		}
	}
	return -1
}
