// Package batch implements the Batched Session: one child kept alive
// across many request/response cycles, with line framing on stdin and
// a pluggable decoder framing stdout back into responses.
package batch

// Decoder frames a sequence of stdout lines into one response per
// submitted command (spec §4.5). Feed is called once per complete
// line (newline stripped); it reports whether the response is now
// complete and, when it is, returns the accumulated response (the
// built-in decoders return nil until then). Reset prepares the decoder
// for the next command's response.
type Decoder interface {
	Feed(line string) (response []string, done bool)
	Reset()
}

// FixedCount builds a Decoder that completes a response after exactly
// n lines, the first of the two built-in framings §4.5 names.
func FixedCount(n int) Decoder {
	return &fixedCountDecoder{n: n}
}

type fixedCountDecoder struct {
	n   int
	buf []string
}

func (d *fixedCountDecoder) Feed(line string) ([]string, bool) {
	d.buf = append(d.buf, line)
	if len(d.buf) >= d.n {
		return d.buf, true
	}
	return nil, false
}

func (d *fixedCountDecoder) Reset() { d.buf = nil }

// Sentinel builds a Decoder that completes a response on the first
// empty line, the second built-in framing §4.5 names. The empty line
// itself is included as the final element of the response, matching
// scenario 4 of §8 (submit "one\n\n" yields response ["one", ""]).
func Sentinel() Decoder {
	return &sentinelDecoder{}
}

type sentinelDecoder struct {
	buf []string
}

func (d *sentinelDecoder) Feed(line string) ([]string, bool) {
	d.buf = append(d.buf, line)
	if line == "" {
		return d.buf, true
	}
	return nil, false
}

func (d *sentinelDecoder) Reset() { d.buf = nil }

// FuncDecoder adapts a pair of plain functions into a Decoder, the
// "pluggable decoder" escape hatch §4.5 calls for. ResetFunc may be
// nil if the feed closure has no state to clear.
type FuncDecoder struct {
	FeedFunc  func(line string) (response []string, done bool)
	ResetFunc func()
}

func (d *FuncDecoder) Feed(line string) ([]string, bool) { return d.FeedFunc(line) }

func (d *FuncDecoder) Reset() {
	if d.ResetFunc != nil {
		d.ResetFunc()
	}
}
