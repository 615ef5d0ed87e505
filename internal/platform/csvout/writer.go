// Package csvout writes export rows as delimited text.
package csvout

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// Quoting selects when fields are quoted.
type Quoting string

const (
	// QuoteMinimal quotes only fields containing the delimiter, quotes,
	// line breaks or leading spaces.
	QuoteMinimal Quoting = "minimal"
	// QuoteAll quotes every field.
	QuoteAll Quoting = "all"
)

// ParseQuoting accepts "minimal" and "all"; empty means minimal.
func ParseQuoting(s string) (Quoting, error) {
	switch q := Quoting(strings.ToLower(strings.TrimSpace(s))); q {
	case "", QuoteMinimal:
		return QuoteMinimal, nil
	case QuoteAll:
		return QuoteAll, nil
	default:
		return "", fmt.Errorf("unknown quoting %q", s)
	}
}

type Options struct {
	Delimiter rune
	Quote     Quoting
	// Header is written before the first record, or on Flush when no
	// record was written. Nil disables the header row.
	Header []string
	CRLF   bool
}

// Writer renders each record completely before handing it to the
// underlying writer. The first write error is kept and returned by every
// later call.
type Writer struct {
	out  *bufio.Writer
	opts Options

	buf bytes.Buffer
	enc *csv.Writer

	headerDone bool
	rows       int
	err        error
}

func NewWriter(w io.Writer, opts Options) (*Writer, error) {
	if opts.Delimiter == 0 {
		opts.Delimiter = ';'
	}
	if !validDelimiter(opts.Delimiter) {
		return nil, fmt.Errorf("invalid delimiter %q", opts.Delimiter)
	}
	if opts.Quote == "" {
		opts.Quote = QuoteMinimal
	}
	if opts.Quote != QuoteMinimal && opts.Quote != QuoteAll {
		return nil, fmt.Errorf("unknown quoting %q", opts.Quote)
	}
	cw := &Writer{out: bufio.NewWriter(w), opts: opts}
	cw.enc = csv.NewWriter(&cw.buf)
	cw.enc.Comma = opts.Delimiter
	cw.enc.UseCRLF = opts.CRLF
	return cw, nil
}

func validDelimiter(r rune) bool {
	return r != '"' && r != '\r' && r != '\n' && utf8.ValidRune(r) && r != utf8.RuneError
}

// Write renders and buffers one record.
func (w *Writer) Write(record []string) error {
	if w.err != nil {
		return w.err
	}
	if !w.headerDone {
		w.headerDone = true
		if w.opts.Header != nil {
			if err := w.emit(w.opts.Header); err != nil {
				return err
			}
		}
	}
	if err := w.emit(record); err != nil {
		return err
	}
	w.rows++
	return nil
}

// Flush writes pending data, including the header of an empty export.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	if !w.headerDone {
		w.headerDone = true
		if w.opts.Header != nil {
			if err := w.emit(w.opts.Header); err != nil {
				return err
			}
		}
	}
	if err := w.out.Flush(); err != nil {
		w.err = err
	}
	return w.err
}

// Rows returns the number of records written, excluding the header.
func (w *Writer) Rows() int { return w.rows }

func (w *Writer) emit(record []string) error {
	w.buf.Reset()
	if w.opts.Quote == QuoteAll {
		w.renderQuoted(record)
	} else {
		if err := w.enc.Write(record); err != nil {
			w.err = err
			return err
		}
		w.enc.Flush()
		if err := w.enc.Error(); err != nil {
			w.err = err
			return err
		}
	}
	rec := w.buf.Bytes()
	// A record that does not fit goes out whole: flush the complete records
	// ahead of it, then bufio hands an oversized record to the
	// underlying writer in a single call.
	if len(rec) > w.out.Available() && w.out.Buffered() > 0 {
		if err := w.out.Flush(); err != nil {
			w.err = err
			return err
		}
	}
	if _, err := w.out.Write(rec); err != nil {
		w.err = err
		return err
	}
	return nil
}

func (w *Writer) renderQuoted(record []string) {
	for i, field := range record {
		if i > 0 {
			w.buf.WriteRune(w.opts.Delimiter)
		}
		w.buf.WriteByte('"')
		w.buf.WriteString(strings.ReplaceAll(field, `"`, `""`))
		w.buf.WriteByte('"')
	}
	if w.opts.CRLF {
		w.buf.WriteString("\r\n")
	} else {
		w.buf.WriteByte('\n')
	}
}
