package queue

import (
	"sync"
	"testing"

	"github.com/szibis/crash-relay/internal/report"
)

func TestMemoryQueue_FIFO(t *testing.T) {
	q := NewMemoryQueue()
	for i := 0; i < 3; i++ {
		q.Push(testReport(i))
	}
	if q.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", q.Len())
	}
	if q.Bytes() != int64(3*len(`{"n":0}`)) {
		t.Errorf("Bytes() = %d", q.Bytes())
	}

	for i := 0; i < 3; i++ {
		r, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop(%d) returned empty", i)
		}
		if string(r.Payload) != string(testReport(i).Payload) {
			t.Errorf("Pop(%d) = %s", i, r.Payload)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Error("Pop on empty queue returned ok")
	}
	if q.Bytes() != 0 {
		t.Errorf("Bytes() = %d after drain, want 0", q.Bytes())
	}
}

func TestMemoryQueue_Compacts(t *testing.T) {
	q := NewMemoryQueue()
	for i := 0; i < 1000; i++ {
		q.Push(report.Report{Payload: []byte("x")})
	}
	for i := 0; i < 990; i++ {
		q.Pop()
	}
	q.mu.Lock()
	head := q.head
	q.mu.Unlock()
	if head >= 990 {
		t.Errorf("consumed prefix not reclaimed, head = %d", head)
	}
	if q.Len() != 10 {
		t.Errorf("Len() = %d, want 10", q.Len())
	}
	for i := 0; i < 10; i++ {
		if _, ok := q.Pop(); !ok {
			t.Fatalf("Pop(%d) returned empty after compaction", i)
		}
	}
}

func TestMemoryQueue_Concurrent(t *testing.T) {
	q := NewMemoryQueue()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				q.Push(report.Report{Payload: []byte("p")})
			}
		}()
	}

	var popped sync.WaitGroup
	var mu sync.Mutex
	count := 0
	for g := 0; g < 4; g++ {
		popped.Add(1)
		go func() {
			defer popped.Done()
			for i := 0; i < 500; i++ {
				if _, ok := q.Pop(); ok {
					mu.Lock()
					count++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	popped.Wait()

	if count+q.Len() != 4000 {
		t.Errorf("popped %d + remaining %d != 4000", count, q.Len())
	}
}
