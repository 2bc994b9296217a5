// Package json streams raw JSON records out of song and log files.
//
// Song files hold one object; log files hold one object per line (JSON
// lines). Both shapes, plus a root array of objects, are accepted by the same
// reader. Records are emitted undecoded so the transformer owns field typing.
package json

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	json "github.com/goccy/go-json"
)

// Record is one JSON object from a file.
type Record struct {
	Line int    // 1-based line the object starts on
	Raw  []byte // the object's bytes, owned by the receiver
}

// ErrNotObject is returned for records that are valid JSON but not objects.
var ErrNotObject = errors.New("json: record is not an object")

// lineIndex remembers the offset of every newline that passes through it.
type lineIndex struct {
	r   io.Reader
	off int64
	nl  []int64
}

func (l *lineIndex) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	for i, b := range p[:n] {
		if b == '\n' {
			l.nl = append(l.nl, l.off+int64(i))
		}
	}
	l.off += int64(n)
	return n, err
}

// lineAt returns the 1-based line holding byte offset off.
func (l *lineIndex) lineAt(off int64) int {
	return sort.Search(len(l.nl), func(i int) bool { return l.nl[i] >= off }) + 1
}

// StreamRecords decodes r and calls emit once per object, in file order.
//
// Stream shapes:
//   - concatenated objects (JSON lines, or a single object): one record each.
//   - a root array: each object element is one record; null elements are skipped.
//
// A syntax error stops the stream: onParseErr (if set) sees the line where
// decoding failed and the error is returned. A non-object record (e.g. a bare
// number) is reported through onParseErr and skipped, because the decoder can
// keep going past it.
func StreamRecords(
	ctx context.Context,
	r io.Reader,
	emit func(Record) error,
	onParseErr func(line int, err error),
) error {
	idx := &lineIndex{r: r}
	dec := json.NewDecoder(idx)

	emitRaw := func(line int, raw []byte) error {
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			if onParseErr != nil {
				onParseErr(line, ErrNotObject)
			}
			return nil
		}
		return emit(Record{Line: line, Raw: append([]byte(nil), trimmed...)})
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			line := idx.lineAt(dec.InputOffset())
			if onParseErr != nil {
				onParseErr(line, err)
			}
			return fmt.Errorf("json: decode record at line %d: %w", line, err)
		}
		start := idx.lineAt(dec.InputOffset() - int64(len(raw)))

		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			if err := streamArray(ctx, start, trimmed, emitRaw, onParseErr); err != nil {
				return err
			}
			continue
		}
		if bytes.Equal(trimmed, []byte("null")) {
			continue
		}
		if err := emitRaw(start, trimmed); err != nil {
			return err
		}
	}
}

// streamArray emits each element of a root array that starts on line start.
// Arrays in these datasets are small, so the array is split in memory.
func streamArray(
	ctx context.Context,
	start int,
	raw []byte,
	emit func(line int, raw []byte) error,
	onParseErr func(line int, err error),
) error {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		if onParseErr != nil {
			onParseErr(start, err)
		}
		return fmt.Errorf("json: decode array at line %d: %w", start, err)
	}
	pos := 0
	for _, el := range elems {
		line := start
		if i := bytes.Index(raw[pos:], el); i >= 0 {
			line += bytes.Count(raw[:pos+i], []byte("\n"))
			pos += i + len(el)
		}
		if bytes.Equal(bytes.TrimSpace(el), []byte("null")) {
			continue
		}
		if err := emit(line, el); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}
