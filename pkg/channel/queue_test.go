package channel

import "testing"

// testOp is a minimal two-hop machine: ops move to the in-flight state
// only once their predecessor got there, and finish only when flagged and
// their predecessor finished.
type testOp struct {
	state opState
	ready bool
	log   *[]string
	name  string
}

func testAdvance(op *testOp, prev opState) {
	if op.state == opUninitialized && prev >= opReadingReply {
		*op.log = append(*op.log, op.name+":start")
		op.state = opReadingReply
	}
	if op.state == opReadingReply && op.ready && prev >= opFinished {
		*op.log = append(*op.log, op.name+":finish")
		op.state = opFinished
	}
}

func newTestQueue() (*opQueue[testOp], *[]string) {
	log := &[]string{}
	q := newOpQueue(
		func(op *testOp) opState { return op.state },
		testAdvance)
	return q, log
}

func push(q *opQueue[testOp], log *[]string, name string) *testOp {
	op := &testOp{log: log, name: name}
	q.push(op)
	q.advance(op)
	return op
}

func TestHeadAdvancesImmediately(t *testing.T) {
	q, log := newTestQueue()

	a := push(q, log, "a")
	if a.state != opReadingReply {
		t.Fatalf("head state: got %d, want %d", a.state, opReadingReply)
	}
	a.ready = true
	q.advance(a)
	if a.state != opFinished {
		t.Fatalf("head state: got %d, want %d", a.state, opFinished)
	}
	if q.len() != 0 {
		t.Errorf("finished head not popped, len %d", q.len())
	}
}

func TestSuccessorGatesOnPredecessor(t *testing.T) {
	q, log := newTestQueue()

	a := push(q, log, "a")
	b := push(q, log, "b")

	// b may start (a is in-flight) but not finish before a.
	b.ready = true
	q.advance(b)
	if b.state != opReadingReply {
		t.Fatalf("b state: got %d, want %d", b.state, opReadingReply)
	}

	a.ready = true
	q.advance(a)
	if a.state != opFinished || b.state != opFinished {
		t.Fatalf("states after a finishes: a=%d b=%d", a.state, b.state)
	}

	got := *log
	expect := []string{"a:start", "b:start", "a:finish", "b:finish"}
	if len(got) != len(expect) {
		t.Fatalf("log: got %v, want %v", got, expect)
	}
	for i := range expect {
		if got[i] != expect[i] {
			t.Fatalf("log: got %v, want %v", got, expect)
		}
	}
}

func TestAdvanceCascadesThroughQueue(t *testing.T) {
	q, log := newTestQueue()

	ops := make([]*testOp, 5)
	for i, name := range []string{"a", "b", "c", "d", "e"} {
		ops[i] = push(q, log, name)
		ops[i].ready = true
	}

	// One advance of the head drains everything.
	q.advance(ops[0])
	for i, op := range ops {
		if op.state != opFinished {
			t.Errorf("op %d state: got %d, want %d", i, op.state, opFinished)
		}
	}
	if q.len() != 0 {
		t.Errorf("queue not drained, len %d", q.len())
	}
}

func TestAdvancePoppedOpIsNoop(t *testing.T) {
	q, log := newTestQueue()

	a := push(q, log, "a")
	a.ready = true
	q.advance(a)
	if q.len() != 0 {
		t.Fatal("setup: op not popped")
	}
	q.advance(a) // must not panic or mutate
}

func TestAdvanceAllFromEmpty(t *testing.T) {
	q, _ := newTestQueue()
	q.advanceAll()
}
