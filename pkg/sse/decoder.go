// Package sse decodes OpenAI-compatible Server-Sent-Event chat streams into
// ordered text fragments.
//
// The decoder is a small stateful object rather than a stateless function:
// a chunk boundary may fall mid-line or mid-rune, so incomplete trailing
// bytes are carried between Feed calls. Splitting the raw byte buffer on
// '\n' is UTF-8 safe (continuation bytes are always >= 0x80), which means a
// partially received multi-byte character simply stays buffered until its
// line completes.
package sse

import (
	"bytes"
	"encoding/json"
	"strings"

	"go.uber.org/zap"
)

// DoneSentinel is the payload that marks the logical end of a stream.
const DoneSentinel = "[DONE]"

type chunkPayload struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Decoder incrementally decodes an SSE byte stream. The zero value is not
// usable; construct with NewDecoder.
type Decoder struct {
	buf       []byte
	done      bool
	malformed int
	logger    *zap.Logger
}

// NewDecoder creates a decoder. logger may be nil.
func NewDecoder(logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{logger: logger}
}

// Feed consumes the next chunk of bytes and returns the text fragments of
// every line completed by it, in receipt order. Concatenating all fragments
// from Feed and Finish yields the full assistant message.
func (d *Decoder) Feed(p []byte) []string {
	d.buf = append(d.buf, p...)

	var fragments []string
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := string(d.buf[:i])
		d.buf = d.buf[i+1:]
		if frag, ok := d.processLine(line); ok {
			fragments = append(fragments, frag)
		}
	}
	return fragments
}

// Finish flushes any buffered partial line once the transport has ended and
// returns its fragment, if any. The decoder must not be fed afterwards.
func (d *Decoder) Finish() []string {
	if len(d.buf) == 0 {
		return nil
	}
	line := string(d.buf)
	d.buf = nil
	if frag, ok := d.processLine(line); ok {
		return []string{frag}
	}
	return nil
}

// Done reports whether the [DONE] sentinel was seen. A transport may close
// without it; the caller treats accumulated fragments as the (possibly
// truncated) message either way.
func (d *Decoder) Done() bool {
	return d.done
}

// Malformed returns the number of data lines skipped due to parse failures.
func (d *Decoder) Malformed() int {
	return d.malformed
}

func (d *Decoder) processLine(raw string) (string, bool) {
	line := strings.TrimSpace(raw)
	if line == "" || strings.HasPrefix(line, ":") {
		return "", false
	}
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == DoneSentinel {
		d.done = true
		return "", false
	}
	if d.done {
		return "", false
	}

	var chunk chunkPayload
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		// Heartbeats and keepalives can arrive in non-JSON shape; one bad
		// line never aborts an otherwise healthy stream.
		d.malformed++
		d.logger.Debug("skipping malformed stream line", zap.Error(err))
		return "", false
	}
	if len(chunk.Choices) == 0 {
		return "", false
	}
	content := chunk.Choices[0].Delta.Content
	if content == "" {
		return "", false
	}
	return content, true
}
