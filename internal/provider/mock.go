package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jasonkneen/curator/pkg/types"
)

// Mock is a scriptable provider client for tests. It returns canned
// responses keyed by fingerprint, can fail a configurable number of
// times per row, and counts every Send invocation.
type Mock struct {
	mu        sync.Mutex
	calls     int
	perRow    map[int]int
	responses map[types.Fingerprint]string
	failures  map[int][]error
	Default   string
	Latency   time.Duration
	FailAll   error
}

// NewMock creates a mock provider that answers every request with a
// fixed message unless scripted otherwise.
func NewMock() *Mock {
	return &Mock{
		perRow:    make(map[int]int),
		responses: make(map[types.Fingerprint]string),
		failures:  make(map[int][]error),
		Default:   "ok",
	}
}

func (m *Mock) Name() string { return "mock" }

// Respond scripts the message returned for a given fingerprint.
func (m *Mock) Respond(fp types.Fingerprint, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[fp] = message
}

// FailTimes scripts the first calls for a row to fail with err, in order.
func (m *Mock) FailTimes(rowID int, n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.failures[rowID] = append(m.failures[rowID], err)
	}
}

// Calls returns the total number of Send invocations.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// CallsFor returns the number of Send invocations for a row.
func (m *Mock) CallsFor(rowID int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.perRow[rowID]
}

func (m *Mock) Send(ctx context.Context, req types.Request) (*Response, error) {
	m.mu.Lock()
	m.calls++
	m.perRow[req.RowID]++
	var scripted error
	if queue := m.failures[req.RowID]; len(queue) > 0 {
		scripted = queue[0]
		m.failures[req.RowID] = queue[1:]
	}
	failAll := m.FailAll
	message, ok := m.responses[types.FingerprintOf(req)]
	latency := m.Latency
	m.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if failAll != nil {
		return nil, failAll
	}
	if scripted != nil {
		return nil, scripted
	}
	if !ok {
		message = m.Default
	}

	prompt := m.EstimateTokens(req)
	raw, _ := json.Marshal(map[string]string{"content": message})
	return &Response{
		Message: message,
		Raw:     raw,
		Usage: types.TokenUsage{
			Prompt:     prompt,
			Completion: len(message) / charsPerToken,
			Total:      prompt + len(message)/charsPerToken,
		},
	}, nil
}

func (m *Mock) EstimateTokens(req types.Request) int {
	n := tokensReplyPrime
	for _, msg := range req.Messages {
		n += tokensPerMessage + len(msg.Content)/charsPerToken
	}
	return n
}

var _ Client = (*Mock)(nil)

// Unavailable returns a mock whose every call fails with a transport
// error, for exercising retry exhaustion.
func Unavailable() *Mock {
	m := NewMock()
	m.FailAll = &Error{Kind: ErrorKindTransport, Message: fmt.Sprintf("%s unavailable", m.Name())}
	return m
}
