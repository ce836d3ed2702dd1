package sandbox

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Control protocol: line-delimited JSON.
//
// Host → guest (stdin): one initMessage, then one verdict per check.
// Guest → host (stdout): frames tagged by "t":
//
//	out   {"d": text}           guest stdout chunk
//	err   {"d": text}           guest stderr chunk
//	check {"id","kind","name","event"}
//	exc   {"type","msg"}        uncaught exception
//	mem   {}                    a MemoryError was raised, caught or not
//	exit  {"code"}              final status, sent last
//
// Lines that are not frames with one of these tags are treated as raw stdout.
const (
	frameOut   = "out"
	frameErr   = "err"
	frameCheck = "check"
	frameExc   = "exc"
	frameExit  = "exit"
	frameMem   = "mem"

	guestFilename = "<guest>"
	maxFrameBytes = 1 << 20
)

type frame struct {
	T     string `json:"t"`
	D     string `json:"d,omitempty"`
	ID    int64  `json:"id,omitempty"`
	Kind  string `json:"kind,omitempty"`
	Name  string `json:"name,omitempty"`
	Event string `json:"event,omitempty"`
	Type  string `json:"type,omitempty"`
	Msg   string `json:"msg,omitempty"`
	Code  *int   `json:"code,omitempty"`
}

type initMessage struct {
	Source   string   `json:"source"`
	Filename string   `json:"filename"`
	Preload  []string `json:"preload"`
}

type verdict struct {
	ID     int64  `json:"id"`
	Kind   string `json:"kind"`
	Name   string `json:"name"`
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// frameReader splits guest stdout into frames.
type frameReader struct {
	sc *bufio.Scanner
}

func newFrameReader(r io.Reader) *frameReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	return &frameReader{sc: sc}
}

var framePrefix = []byte(`{"t":`)

var frameTags = map[string]bool{
	frameOut: true, frameErr: true, frameCheck: true, frameExc: true, frameExit: true, frameMem: true,
}

// next returns the next frame. Raw lines come back as an "out" frame with
// the newline restored. io.EOF marks a clean end of stream.
func (r *frameReader) next() (frame, error) {
	if !r.sc.Scan() {
		if err := r.sc.Err(); err != nil {
			return frame{}, fmt.Errorf("reading guest protocol: %w", err)
		}
		return frame{}, io.EOF
	}
	line := r.sc.Bytes()
	if bytes.HasPrefix(line, framePrefix) {
		var f frame
		if err := json.Unmarshal(line, &f); err == nil && frameTags[f.T] {
			return f, nil
		}
	}
	return frame{T: frameOut, D: string(line) + "\n"}, nil
}

// lineWriter serializes messages to the guest's stdin.
type lineWriter struct {
	mu  sync.Mutex
	w   io.Writer
	enc *json.Encoder
}

func newLineWriter(w io.Writer) *lineWriter {
	return &lineWriter{w: w, enc: json.NewEncoder(w)}
}

func (w *lineWriter) send(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(v); err != nil {
		return fmt.Errorf("writing to guest: %w", err)
	}
	return nil
}
