package session

import (
	"sync"
	"time"
)

// Line is one log line with its position in the stream.
type Line struct {
	Seq  int64     `json:"seq"`
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// LogBuffer keeps the lines of the current job and serves incremental reads.
// Sequence numbers keep increasing across Reset so readers holding an old
// cursor never see lines twice. Once full it overwrites the oldest line in
// place.
type LogBuffer struct {
	mu       sync.RWMutex
	nextSeq  int64
	maxLines int
	lines    []Line // ring; lines[head] is the oldest once full
	head     int
	dropped  int64
}

// NewLogBuffer creates a buffer holding at most maxLines lines.
func NewLogBuffer(maxLines int) *LogBuffer {
	if maxLines <= 0 {
		maxLines = 5000
	}
	return &LogBuffer{
		maxLines: maxLines,
		lines:    make([]Line, 0, min(maxLines, 1024)),
	}
}

// Append stores one line and assigns its sequence number.
func (b *LogBuffer) Append(text string) Line {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	line := Line{Seq: b.nextSeq, Time: time.Now().UTC(), Text: text}

	if len(b.lines) < b.maxLines {
		b.lines = append(b.lines, line)
		return line
	}
	b.lines[b.head] = line
	b.head = (b.head + 1) % len(b.lines)
	b.dropped++
	return line
}

// Reset discards all lines.
func (b *LogBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = b.lines[:0]
	b.head = 0
	b.dropped = 0
}

// at returns the i-th retained line, oldest first.
func (b *LogBuffer) at(i int) Line {
	return b.lines[(b.head+i)%len(b.lines)]
}

// Since returns lines with sequence strictly greater than seq.
func (b *LogBuffer) Since(seq int64) []Line {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.lines)
	if n == 0 {
		return nil
	}

	// Retained sequence numbers are contiguous.
	first := max(seq-b.at(0).Seq+1, 0)
	if first >= int64(n) {
		return []Line{}
	}
	out := make([]Line, 0, n-int(first))
	for i := int(first); i < n; i++ {
		out = append(out, b.at(i))
	}
	return out
}

// Texts returns the retained lines in order.
func (b *LogBuffer) Texts() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, len(b.lines))
	for i := range out {
		out[i] = b.at(i).Text
	}
	return out
}

// Len returns the number of retained lines.
func (b *LogBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.lines)
}

// LastSeq returns the sequence number of the newest line ever appended.
func (b *LogBuffer) LastSeq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nextSeq
}

// Dropped returns how many lines of the current job were evicted.
func (b *LogBuffer) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
