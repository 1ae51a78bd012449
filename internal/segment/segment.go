// Package segment splits an incrementally generated Japanese reply into
// speakable chunks.
//
// Japanese has no spaces between words, so a chunk may only end at a
// sentence mark (。), a clause comma (、) or, for long unpunctuated runs,
// right after a grammatical particle. The first chunk of a turn uses lower
// thresholds so that speech can start as early as possible.
//
// All lengths and positions are counted in runes.
package segment

import (
	"slices"
	"strings"
)

const (
	sentenceMark = '。'
	clauseMark   = '、'

	// fallbackLen is the buffer length at which an unpunctuated run is cut at
	// a particle boundary.
	fallbackLen = 60

	// minParticlePos is the earliest buffer position at which a particle may
	// be used as a cut point.
	minParticlePos = 15
)

// Thresholds are the minimum buffer lengths required before cutting at a
// sentence mark or a clause comma.
type Thresholds struct {
	Sentence int
	Clause   int
}

var (
	// FirstChunk applies until the first chunk of a turn has been cut.
	FirstChunk = Thresholds{Sentence: 3, Clause: 8}

	// LaterChunks applies to every following chunk.
	LaterChunks = Thresholds{Sentence: 5, Clause: 12}
)

// particles are tried in this order when cutting an unpunctuated run.
var particles = [][]rune{
	[]rune("って"), []rune("けど"), []rune("から"), []rune("ので"), []rune("んで"),
	[]rune("が"), []rune("で"), []rune("を"), []rune("に"), []rune("は"),
	[]rune("も"), []rune("と"), []rune("や"), []rune("て"),
}

// Chunk is a speakable fragment of a reply.
type Chunk struct {
	// Index is the 1-based position of the chunk within its turn.
	Index int

	// Text is the chunk content, never empty.
	Text string

	// Final is set on the chunk returned by Flush.
	Final bool
}

// Segmenter is the per-turn chunking state machine. It is not safe for
// concurrent use; one turn feeds it from a single goroutine.
type Segmenter struct {
	buf   []rune
	count int
	cut   bool // a cut has happened, so LaterChunks applies
}

// New returns a Segmenter for a new turn.
func New() *Segmenter {
	return &Segmenter{}
}

// Push appends a token to the buffer and returns the chunks that became
// complete, in order. The emit rule is evaluated once per token.
func (s *Segmenter) Push(token string) []Chunk {
	s.buf = append(s.buf, []rune(token)...)

	th := FirstChunk
	if s.cut {
		th = LaterChunks
	}

	n := len(s.buf)
	switch {
	case n >= th.Sentence && slices.Contains(s.buf, sentenceMark):
		return s.splitAt(sentenceMark)
	case n >= th.Clause && slices.Contains(s.buf, clauseMark):
		return s.splitAt(clauseMark)
	case n >= fallbackLen:
		if cut := particleCut(s.buf); cut > 0 {
			return s.cutAt(cut)
		}
	}
	return nil
}

// Flush returns the remaining buffer as the final chunk of the turn. It
// returns false when nothing but whitespace is left.
func (s *Segmenter) Flush() (Chunk, bool) {
	text := strings.TrimSpace(string(s.buf))
	s.buf = s.buf[:0]
	if text == "" {
		return Chunk{}, false
	}
	s.count++
	return Chunk{Index: s.count, Text: text, Final: true}, true
}

// Count returns the number of chunks emitted so far.
func (s *Segmenter) Count() int { return s.count }

// Pending returns the buffered text that has not been emitted yet.
func (s *Segmenter) Pending() string { return string(s.buf) }

// splitAt emits every complete part before the last occurrence of mark,
// each with the mark re-attached, and keeps the trailing part buffered.
func (s *Segmenter) splitAt(mark rune) []Chunk {
	parts := strings.Split(string(s.buf), string(mark))
	var out []Chunk
	for _, p := range parts[:len(parts)-1] {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, s.emit(t+string(mark)))
		}
	}
	s.buf = []rune(parts[len(parts)-1])
	s.cut = true
	return out
}

// cutAt emits buf[:pos] and keeps the rest buffered.
func (s *Segmenter) cutAt(pos int) []Chunk {
	text := strings.TrimSpace(string(s.buf[:pos]))
	s.buf = append([]rune(nil), s.buf[pos:]...)
	s.cut = true
	if text == "" {
		return nil
	}
	return []Chunk{s.emit(text)}
}

func (s *Segmenter) emit(text string) Chunk {
	s.count++
	return Chunk{Index: s.count, Text: text}
}

// particleCut returns the buffer position just after the chosen particle, or
// -1 if no particle occurs at position minParticlePos or later.
//
// Each particle's last occurrence is compared against the end position of
// the previously accepted particle, so a later entry in the list only wins
// when it starts beyond where the earlier one ended.
func particleCut(buf []rune) int {
	best := -1
	for _, p := range particles {
		pos := lastIndex(buf, p)
		if pos > best && pos >= minParticlePos {
			best = pos + len(p)
		}
	}
	return best
}

func lastIndex(buf, sub []rune) int {
	for i := len(buf) - len(sub); i >= 0; i-- {
		match := true
		for j, r := range sub {
			if buf[i+j] != r {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

