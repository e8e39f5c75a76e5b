package pipeline

import (
	"sync"
	"testing"
	"time"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue[int]()

	for i := 0; i < 5; i++ {
		q.Push(i)
	}

	if q.Len() != 5 {
		t.Fatalf("len: got %d, want 5", q.Len())
	}

	for i := 0; i < 5; i++ {
		v, ok := q.Pop()
		if !ok || v != i {
			t.Fatalf("pop %d: got %d (%v)", i, v, ok)
		}
	}

	if _, ok := q.Pop(); ok {
		t.Error("pop on empty queue succeeded")
	}
}

func TestQueueSignalTracksItems(t *testing.T) {
	q := NewQueue[string]()

	select {
	case <-q.Signal():
		t.Fatal("empty queue signalled")
	default:
	}

	q.Push("a")
	q.Push("b")

	for _, want := range []string{"a", "b"} {
		select {
		case <-q.Signal():
		default:
			t.Fatalf("no signal before popping %q", want)
		}

		if v, _ := q.Pop(); v != want {
			t.Fatalf("pop: got %q, want %q", v, want)
		}
	}

	select {
	case <-q.Signal():
		t.Error("drained queue still signalled")
	default:
	}
}

func TestQueueConcurrentPush(t *testing.T) {
	q := NewQueue[int]()

	const producers, each = 8, 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				q.Push(i)
			}
		}()
	}

	wg.Wait()

	if q.Len() != producers*each {
		t.Fatalf("len: got %d, want %d", q.Len(), producers*each)
	}
}

func TestRunWorkerHandlesInOrder(t *testing.T) {
	q := NewQueue[int]()
	stop := make(chan struct{})
	done := make(chan struct{})

	var mu sync.Mutex
	var seen []int

	go func() {
		defer close(done)
		runWorker(stop, q, func(v int) {
			mu.Lock()
			seen = append(seen, v)
			mu.Unlock()
		})
	}()

	for i := 0; i < 50; i++ {
		q.Push(i)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 50
	})

	close(stop)
	<-done

	for i, v := range seen {
		if v != i {
			t.Fatalf("element %d: got %d", i, v)
		}
	}
}
