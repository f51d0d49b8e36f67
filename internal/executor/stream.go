package executor

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"time"
)

const (
	// lineBuffer bounds the lines read ahead of the consumer
	lineBuffer = 256
	// drainGrace is how long the output may stay silent after the command exited
	drainGrace = 500 * time.Millisecond
	// maxLine splits longer lines into several ones
	maxLine = 1024 * 1024
)

// readLines reads r in a dedicated goroutine until EOF or a read error,
// then closes the channel. Lines over maxLine are delivered in chunks.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string, lineBuffer)
	go func() {
		defer close(lines)
		br := bufio.NewReaderSize(r, 64*1024)
		var buf []byte
		for {
			frag, err := br.ReadSlice('\n')
			buf = append(buf, frag...)
			if errors.Is(err, bufio.ErrBufferFull) {
				if len(buf) >= maxLine {
					lines <- string(buf)
					buf = buf[:0]
				}
				continue
			}
			if len(buf) > 0 {
				lines <- string(trimEOL(buf))
				buf = buf[:0]
			}
			if err != nil {
				return
			}
		}
	}()
	return lines
}

func trimEOL(b []byte) []byte {
	b = bytes.TrimSuffix(b, []byte{'\n'})
	return bytes.TrimSuffix(b, []byte{'\r'})
}

// pump forwards lines until the command exited and its output was drained.
// Once the command exited, output silent for drainGrace, typically held
// open by an orphaned grandchild, is cut by calling abort.
func pump[T any](lines <-chan string, exited <-chan T, abort func(), forward func(string)) T {
	var (
		result T
		done   bool
		timer  *time.Timer
		grace  <-chan time.Time
	)
	for lines != nil || !done {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			forward(line)
			if timer != nil {
				timer.Reset(drainGrace)
			}
		case result = <-exited:
			done = true
			exited = nil
			timer = time.NewTimer(drainGrace)
			grace = timer.C
		case <-grace:
			if len(lines) > 0 {
				timer.Reset(drainGrace)
				continue
			}
			grace = nil
			abort()
		}
	}
	if timer != nil {
		timer.Stop()
	}
	return result
}
