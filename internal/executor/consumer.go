package executor

import (
	"strings"
	"sync"
)

// OutputConsumer receives the output of an executed command line by line
type OutputConsumer interface {
	Consume(line string)
}

type ConsumerFunc func(line string)

func (f ConsumerFunc) Consume(line string) {
	f(line)
}

// Discard drops all lines
var Discard OutputConsumer = ConsumerFunc(func(string) {})

// OutputAccumulator collects all consumed lines. It is safe for a concurrent use.
type OutputAccumulator struct {
	mx    sync.Mutex
	lines []string
}

func NewAccumulator() *OutputAccumulator {
	return &OutputAccumulator{}
}

func (a *OutputAccumulator) Consume(line string) {
	a.mx.Lock()
	defer a.mx.Unlock()
	a.lines = append(a.lines, line)
}

func (a *OutputAccumulator) Lines() []string {
	a.mx.Lock()
	defer a.mx.Unlock()
	return append([]string(nil), a.lines...)
}

// String returns the lines joined by a new line
func (a *OutputAccumulator) String() string {
	a.mx.Lock()
	defer a.mx.Unlock()
	return strings.Join(a.lines, "\n")
}

func (a *OutputAccumulator) Reset() {
	a.mx.Lock()
	defer a.mx.Unlock()
	a.lines = nil
}

// Tee forwards every line to all consumers
func Tee(consumers ...OutputConsumer) OutputConsumer {
	return ConsumerFunc(func(line string) {
		for _, c := range consumers {
			c.Consume(line)
		}
	})
}
