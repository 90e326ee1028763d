package core

import "time"

// RowType distinguishes the kind of change a row carries. Only a handful of
// types are meaningful to the durability/replication core; everything else
// is opaque payload handed down from the transaction engine.
type RowType uint8

const (
	RowTypeInsert RowType = iota + 1
	RowTypeUpdate
	RowTypeDelete
	RowTypeNop
)

// GroupID marks whether a row's effects should be replayed verbatim on a
// follower, or whether they are local-only bookkeeping that must not be
// applied by a subscriber.
type GroupID uint8

const (
	GroupDefault GroupID = iota
	GroupLocal
)

// RowHeader is the abstract unit of a transaction's effect: one per
// statement. Rows within an Entry retain FIFO order, and the encoder
// (external to this package) is responsible for turning Body into bytes on
// the wire / on disk.
type RowHeader struct {
	InstanceID uint32
	LSN        uint64
	TSN        uint64 // transaction start LSN: the LSN of the entry's first row
	Timestamp  time.Time
	Type       RowType
	GroupID    GroupID
	IsCommit   bool
	// ReplicaID is the instance that originally assigned the LSN. It is zero
	// for rows not yet assigned (the writer stamps it during §4.3 LSN
	// assignment); foreign rows applied from another instance carry it from
	// the moment they are created.
	ReplicaID uint32
	Body      []byte
}

// Clone returns a deep-enough copy of the header; Body is shared (callers
// must not mutate it after handing a row to the writer).
func (r RowHeader) Clone() RowHeader {
	return r
}
