package clickhouse

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sentryd/sentryd/internal/analyzer"
)

type stubInserter struct {
	mu      sync.Mutex
	batches [][]*analyzer.Feature
}

func (s *stubInserter) insertFeatures(ctx context.Context, features []*analyzer.Feature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := make([]*analyzer.Feature, len(features))
	copy(batch, features)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *stubInserter) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func TestSinkFlushesOnBatchSize(t *testing.T) {
	stub := &stubInserter{}
	sink := NewSink(stub, Config{BatchSize: 3, FlushInterval: time.Hour})
	defer sink.Close()

	for i := 0; i < 3; i++ {
		sink.Write(&analyzer.Feature{SrcIP: "10.0.0.1"})
	}

	if got := stub.batchCount(); got != 1 {
		t.Fatalf("expected 1 flushed batch once BatchSize is reached, got %d", got)
	}
}

func TestSinkFlushesOnTimer(t *testing.T) {
	stub := &stubInserter{}
	sink := NewSink(stub, Config{BatchSize: 1000, FlushInterval: 20 * time.Millisecond})
	defer sink.Close()

	sink.Write(&analyzer.Feature{SrcIP: "10.0.0.1"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if stub.batchCount() >= 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected the flush timer to write the buffered feature")
}

func TestSinkCloseFlushesRemainder(t *testing.T) {
	stub := &stubInserter{}
	sink := NewSink(stub, Config{BatchSize: 1000, FlushInterval: time.Hour})

	sink.Write(&analyzer.Feature{SrcIP: "10.0.0.1"})
	sink.Close()

	time.Sleep(10 * time.Millisecond)
	if got := stub.batchCount(); got != 1 {
		t.Fatalf("expected Close to flush the remaining buffer, got %d batches", got)
	}
}
