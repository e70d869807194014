package ton

import (
	"testing"
)

const maxQueryID = 8388605

func TestQueryID_SequentialGeneration(t *testing.T) {
	var err error
	q := NewQueryID()

	for expected := uint64(0); expected < 10; expected++ {
		if q.Value() != expected {
			t.Errorf("expected query id %v, got %v", expected, q.Value())
		}

		if !q.HasNext() {
			t.Fatal("unexpectedly ran out of query ids")
		}

		q, err = q.Next()
		if err != nil {
			t.Fatal("unexpected error on next id generation")
		}
	}
}

func TestQueryID_ShiftRollover(t *testing.T) {
	q := &QueryID{shift: 3, bitNumber: maxBitNumber}

	next, err := q.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.shift != 4 || next.bitNumber != 0 {
		t.Fatalf("expected shift=4 bitnumber=0, got shift=%d bitnumber=%d",
			next.shift, next.bitNumber)
	}
}

func TestQueryID_FromValue(t *testing.T) {
	q, err := QueryIDFromValue(maxQueryID - 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	final, err := q.Next()
	if err != nil {
		t.Fatalf("unexpected error for Next")
	}

	if final.Value() != maxQueryID {
		t.Fatalf("unexpected max query id, want: %d, got: %d", maxQueryID, final.Value())
	}
}

func TestQueryID_Exhaustion(t *testing.T) {
	q := &QueryID{shift: maxShift, bitNumber: 1020}
	if !q.HasNext() {
		t.Fatal("should still have one last query id left")
	}

	final, err := q.Next()
	if err != nil {
		t.Fatalf("unexpected error for Next")
	}
	if final.HasNext() {
		t.Fatal("should not have more query ids after exhausting the range")
	}

	if _, err := final.Next(); err != ErrQueryIDsExhausted {
		t.Fatalf("expected exhaustion error, got %v", err)
	}
}

func TestQueryID_FromValueKeepsLowBit(t *testing.T) {
	for _, value := range []uint64{0, 1, 101, 1021, 1022, 1024, 2049, maxQueryID} {
		q, err := QueryIDFromValue(value)
		if err != nil {
			t.Fatalf("%d: unexpected error: %v", value, err)
		}
		if q.Value() != value {
			t.Errorf("%d decoded as %d", value, q.Value())
		}
	}
}

func TestQueryID_FromValueRejectsReservedBitNumber(t *testing.T) {
	for _, value := range []uint64{1023, 2047, (maxShift + 1) << bitNumberSize} {
		if _, err := QueryIDFromValue(value); err == nil {
			t.Errorf("%d: expected an error", value)
		}
	}
}

func TestQueryIDs_Sequence(t *testing.T) {
	a := newQueryIDs(&QueryID{bitNumber: 100})

	first, err := a.take()
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	second, _ := a.take()

	if first != 100 || second != 101 {
		t.Fatalf("unexpected ids %d %d", first, second)
	}

	a.skipTo(500)
	if next, _ := a.take(); next != 501 {
		t.Fatalf("expected 501 after skipping, got %d", next)
	}

	a.skipTo(10)
	if next, _ := a.take(); next != 502 {
		t.Fatalf("skipping backwards must be ignored, got %d", next)
	}

	a.skipTo(1022)
	if next, _ := a.take(); next != 1024 {
		t.Fatalf("expected the next shift after 1022, got %d", next)
	}
}

func TestQueryIDs_Exhausted(t *testing.T) {
	a := newQueryIDs(&QueryID{shift: maxShift, bitNumber: maxBitNumber - 1})

	if _, err := a.take(); err != nil {
		t.Fatalf("the last id must be usable: %v", err)
	}
	if _, err := a.take(); err != ErrQueryIDsExhausted {
		t.Fatalf("expected exhaustion, got %v", err)
	}
}
