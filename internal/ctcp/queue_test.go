package ctcp

import "testing"

func TestSendQueueFIFO(t *testing.T) {
	var q sendQueue
	q.push([]byte("a"))
	q.push([]byte("b"))
	q.push([]byte("c"))

	if q.length() != 3 {
		t.Fatalf("length = %d, want 3", q.length())
	}
	if string(q.front().payload) != "a" {
		t.Fatalf("front = %q, want a", q.front().payload)
	}

	q.dropFront()
	if string(q.front().payload) != "b" {
		t.Fatalf("front after drop = %q, want b", q.front().payload)
	}
	if q.length() != 2 {
		t.Fatalf("length after drop = %d, want 2", q.length())
	}
}

func TestSendQueueIterateStopsEarly(t *testing.T) {
	var q sendQueue
	q.push([]byte("a"))
	q.push([]byte("b"))
	q.push([]byte("c"))

	var seen []string
	q.iterate(func(e *sendElement) bool {
		seen = append(seen, string(e.payload))
		return len(seen) < 2
	})
	if len(seen) != 2 {
		t.Fatalf("iterate visited %d elements, want 2", len(seen))
	}
}

func TestRecvQueueConsumption(t *testing.T) {
	var q recvQueue
	q.push([]byte("hello"))

	head := q.front()
	head.byteUsed += 3
	head.byteLeft -= 3
	if head.byteLeft != 2 {
		t.Fatalf("byteLeft = %d, want 2", head.byteLeft)
	}

	head.byteUsed += 2
	head.byteLeft -= 2
	if head.byteLeft != 0 {
		t.Fatalf("byteLeft = %d, want 0", head.byteLeft)
	}
	q.dropFront()
	if q.length() != 0 {
		t.Fatalf("length = %d, want 0", q.length())
	}
}

func TestEmptyQueuesReturnNilFront(t *testing.T) {
	var sq sendQueue
	var rq recvQueue
	if sq.front() != nil {
		t.Fatalf("expected nil front on empty send queue")
	}
	if rq.front() != nil {
		t.Fatalf("expected nil front on empty recv queue")
	}
	sq.dropFront() // must not panic
	rq.dropFront() // must not panic
}
