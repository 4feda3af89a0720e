package stream

import (
	"bytes"
	"encoding/json"
)

// Framer accumulates bytes from successive reads and hands back
// complete newline-terminated records.  A record split across reads,
// even in the middle of a multi-byte rune, is held until its
// terminator arrives.
type Framer struct {
	buf []byte
}

// Feed appends p and returns every record completed by it, without
// the line terminator.
func (f *Framer) Feed(p []byte) (records [][]byte) {
	f.buf = append(f.buf, p...)
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			break
		}
		rec := bytes.TrimRight(f.buf[:i], "\r")
		records = append(records, append([]byte(nil), rec...))
		f.buf = f.buf[i+1:]
	}
	// compact so the backing array does not grow without bound
	if len(f.buf) == 0 {
		f.buf = nil
	} else if cap(f.buf) > 4*len(f.buf) && cap(f.buf) > 4096 {
		f.buf = append([]byte(nil), f.buf...)
	}
	return
}

// Flush returns an unterminated trailing record, if any, and resets
// the buffer.  Call it once the transport reports end of stream.
func (f *Framer) Flush() (rec []byte, ok bool) {
	rec = bytes.TrimRight(f.buf, "\r")
	f.buf = nil
	if len(rec) == 0 {
		return nil, false
	}
	return rec, true
}

// Pending returns the number of buffered bytes not yet part of a
// complete record.
func (f *Framer) Pending() int {
	return len(f.buf)
}

// Chunk is one decoded event payload.
type Chunk struct {
	Choices []Choice `json:"choices"`
}

// Choice holds one streamed alternative.
type Choice struct {
	Delta Delta `json:"delta"`
}

// Delta is the incremental content of a choice.
type Delta struct {
	Content string `json:"content"`
}

const dataPrefix = "data:"

// ParseRecord decodes one record.  It returns ok=false for records
// that carry no content: blank lines, comments, other fields, the
// [DONE] marker, malformed JSON and empty deltas.
func ParseRecord(rec []byte) (delta string, ok bool) {
	if !bytes.HasPrefix(rec, []byte(dataPrefix)) {
		return "", false
	}
	payload := bytes.TrimPrefix(rec[len(dataPrefix):], []byte(" "))
	if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
		return "", false
	}
	var chunk Chunk
	err := json.Unmarshal(payload, &chunk)
	if err != nil {
		return "", false
	}
	if len(chunk.Choices) == 0 {
		return "", false
	}
	delta = chunk.Choices[0].Delta.Content
	return delta, delta != ""
}

// EncodeRecord renders delta as one complete event record, including
// the blank line that ends an event.
func EncodeRecord(delta string) (rec []byte, err error) {
	buf, err := json.Marshal(Chunk{Choices: []Choice{{Delta: Delta{Content: delta}}}})
	if err != nil {
		return
	}
	rec = make([]byte, 0, len(buf)+len(dataPrefix)+3)
	rec = append(rec, dataPrefix+" "...)
	rec = append(rec, buf...)
	rec = append(rec, "\n\n"...)
	return
}
