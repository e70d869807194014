package ton

import (
	"errors"
	"fmt"
	"sync"
)

// A highload v3 query id is 23 bits: a 13 bit shift and a 10 bit bit number.
// The wallet contract rejects a query id it has already processed within the
// message TTL, which makes the id the rail's deduplication token.
const (
	bitNumberSize = 10
	bitNumberMask = 1<<bitNumberSize - 1
	// 1023 is reserved by the contract
	maxBitNumber = 1022
	maxShift     = 8191
)

var ErrQueryIDsExhausted = errors.New("cannot generate more query ids")

type QueryID struct {
	shift     uint64
	bitNumber uint64
}

func NewQueryID() *QueryID {
	return &QueryID{}
}

func QueryIDFromValue(value uint64) (*QueryID, error) {
	q := &QueryID{
		shift:     value >> bitNumberSize,
		bitNumber: value & bitNumberMask,
	}

	if q.shift > maxShift || q.bitNumber > maxBitNumber {
		return nil, fmt.Errorf("%d is not a valid highload query id", value)
	}

	return q, nil
}

func (q *QueryID) Next() (*QueryID, error) {
	bitNumber := q.bitNumber + 1
	shift := q.shift

	if shift == maxShift && bitNumber > maxBitNumber-1 {
		return nil, ErrQueryIDsExhausted
	}

	if bitNumber > maxBitNumber {
		bitNumber = 0
		shift++
		if shift > maxShift {
			return nil, ErrQueryIDsExhausted
		}
	}

	return &QueryID{shift: shift, bitNumber: bitNumber}, nil
}

func (q *QueryID) HasNext() bool {
	return !(q.bitNumber >= maxBitNumber-1 && q.shift == maxShift)
}

func (q *QueryID) Value() uint64 {
	return (q.shift << bitNumberSize) + q.bitNumber
}

// queryIDs hands out fresh query ids in sequence.
type queryIDs struct {
	mu   sync.Mutex
	next *QueryID
}

func newQueryIDs(start *QueryID) *queryIDs {
	return &queryIDs{next: start}
}

// skipTo moves the sequence past value when it is behind it.
func (a *queryIDs) skipTo(value uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.next == nil || a.next.Value() > value {
		return
	}

	last, err := QueryIDFromValue(value)
	if err != nil {
		return
	}

	next, err := last.Next()
	if err != nil {
		next = nil
	}
	a.next = next
}

func (a *queryIDs) take() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.next == nil {
		return 0, ErrQueryIDsExhausted
	}

	id := a.next.Value()

	next, err := a.next.Next()
	if err != nil {
		// the current id is still usable, only the following ones are not
		next = nil
	}
	a.next = next

	return id, nil
}
