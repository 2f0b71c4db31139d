package protocol

import "sort"

// WriteOpKind distinguishes creations, modifications and deletions
type WriteOpKind uint8

const (
	WriteCreation WriteOpKind = iota
	WriteModification
	WriteDeletion
)

// WriteOp is the final effect of a transaction on one key
type WriteOp struct {
	Kind  WriteOpKind
	Value StateValue
}

// Modify builds a modification write
func Modify(v StateValue) WriteOp {
	return WriteOp{Kind: WriteModification, Value: v}
}

// Create builds a creation write
func Create(v StateValue) WriteOp {
	return WriteOp{Kind: WriteCreation, Value: v}
}

// Delete builds a deletion write
func Delete() WriteOp {
	return WriteOp{Kind: WriteDeletion}
}

// AsStateValue returns the value left behind by the write. Deletions leave
// nothing, so ok is false.
func (w WriteOp) AsStateValue() (StateValue, bool) {
	if w.Kind == WriteDeletion {
		return nil, false
	}
	return w.Value, true
}

// WriteSet is the committed write set of one transaction
type WriteSet map[StateKey]WriteOp

// Get returns the write on key, if any
func (ws WriteSet) Get(key StateKey) (WriteOp, bool) {
	op, ok := ws[key]
	return op, ok
}

// Keys returns the written keys in deterministic order
func (ws WriteSet) Keys() []StateKey {
	keys := make([]StateKey, 0, len(ws))
	for k := range ws {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// ExecutionStatus is the final outcome of a transaction
type ExecutionStatus uint8

const (
	// StatusSuccess: the transaction committed its write set
	StatusSuccess ExecutionStatus = iota
	// StatusSkipRest: the transaction committed its write set and the rest of
	// the block is skipped
	StatusSkipRest
	// StatusAbort: the transaction produced no writes
	StatusAbort
)

func (s ExecutionStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusSkipRest:
		return "skip_rest"
	case StatusAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// TransactionOutput is what the in-shard executor hands to commit listeners
type TransactionOutput struct {
	Status      ExecutionStatus
	Writes      WriteSet // nil for StatusAbort
	AbortReason string   // set for StatusAbort
}

// SuccessOutput wraps a committed write set
func SuccessOutput(ws WriteSet) *TransactionOutput {
	return &TransactionOutput{Status: StatusSuccess, Writes: ws}
}

// SkipRestOutput wraps the write set of the transaction that ended the block
func SkipRestOutput(ws WriteSet) *TransactionOutput {
	return &TransactionOutput{Status: StatusSkipRest, Writes: ws}
}

// AbortOutput reports an aborted transaction
func AbortOutput(reason string) *TransactionOutput {
	return &TransactionOutput{Status: StatusAbort, AbortReason: reason}
}

// CommittedWrites returns the write set and true for Success and SkipRest.
// Aborted transactions have no committed writes.
func (o *TransactionOutput) CommittedWrites() (WriteSet, bool) {
	if o == nil || o.Status == StatusAbort {
		return nil, false
	}
	if o.Writes == nil {
		return WriteSet{}, true
	}
	return o.Writes, true
}
