package toolrpc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"sync"
)

// MaxFrameSize 是单帧的最大字节数。
const MaxFrameSize = 4 << 20

type frameReader struct {
	scanner *bufio.Scanner
}

func newFrameReader(r io.Reader) *frameReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxFrameSize)
	return &frameReader{scanner: scanner}
}

// next returns the next non-empty line. The returned slice is owned by the caller.
func (f *frameReader) next() ([]byte, error) {
	for f.scanner.Scan() {
		line := bytes.TrimSpace(f.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		return frame, nil
	}
	if err := f.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

type frameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (f *frameWriter) write(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err = f.w.Write(data)
	return err
}

// peekID recovers the id from a frame that does not decode as a Message.
func peekID(frame []byte) (uint64, bool) {
	var head struct {
		ID *uint64 `json:"id"`
	}
	if err := json.Unmarshal(frame, &head); err != nil || head.ID == nil {
		return 0, false
	}
	return *head.ID, true
}
