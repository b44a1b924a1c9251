// Package routetrace records MoE routing decisions as Arrow record batches.
package routetrace

import (
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-moe/internal/moe"
)

// Schema has one row per (token, slot) assignment. dispatch_row is the row the
// assignment occupied in the expert-sorted batch and is null for direct routing.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "layer", Type: arrow.PrimitiveTypes.Int32},
	{Name: "token", Type: arrow.PrimitiveTypes.Int32},
	{Name: "slot", Type: arrow.PrimitiveTypes.Int32},
	{Name: "expert", Type: arrow.PrimitiveTypes.Int32},
	{Name: "weight", Type: arrow.PrimitiveTypes.Float32},
	{Name: "dispatch_row", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
}, nil)

const (
	colLayer = iota
	colToken
	colSlot
	colExpert
	colWeight
	colDispatch
)

// Recorder is a moe.Observer that buffers assignments until Flush.
type Recorder struct {
	mu      sync.Mutex
	builder *array.RecordBuilder
	rows    int
}

var _ moe.Observer = (*Recorder)(nil)

func NewRecorder(mem memory.Allocator) *Recorder {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	return &Recorder{builder: array.NewRecordBuilder(mem, Schema)}
}

// ObserveRouting appends every assignment of sel. plan may be nil.
func (r *Recorder) ObserveRouting(layer int, sel *moe.Selection, plan *moe.Plan) {
	var dispatch []int32
	if plan != nil {
		dispatch = make([]int32, len(plan.ReverseIndices))
		for j, i := range plan.ReverseIndices {
			dispatch[i] = int32(j)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.builder
	for i, e := range sel.Indices {
		b.Field(colLayer).(*array.Int32Builder).Append(int32(layer))
		b.Field(colToken).(*array.Int32Builder).Append(int32(i / sel.TopK))
		b.Field(colSlot).(*array.Int32Builder).Append(int32(i % sel.TopK))
		b.Field(colExpert).(*array.Int32Builder).Append(e)
		b.Field(colWeight).(*array.Float32Builder).Append(sel.Weights[i])
		if dispatch != nil {
			b.Field(colDispatch).(*array.Int32Builder).Append(dispatch[i])
		} else {
			b.Field(colDispatch).(*array.Int32Builder).AppendNull()
		}
	}
	r.rows += len(sel.Indices)
}

// Len is the number of buffered assignments.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows
}

// Flush returns the buffered assignments as one record and resets the
// recorder. The caller must Release the record.
func (r *Recorder) Flush() arrow.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = 0
	return r.builder.NewRecord()
}

func (r *Recorder) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builder.Release()
}

// ExpertCounts tallies assignments per expert for one layer of rec.
func ExpertCounts(rec arrow.Record, layer int32, numExperts int) ([]int64, error) {
	if !rec.Schema().Equal(Schema) {
		return nil, fmt.Errorf("record schema does not match routing trace schema")
	}
	layers := rec.Column(colLayer).(*array.Int32)
	experts := rec.Column(colExpert).(*array.Int32)

	counts := make([]int64, numExperts)
	for i := 0; i < int(rec.NumRows()); i++ {
		if layers.Value(i) != layer {
			continue
		}
		e := experts.Value(i)
		if e < 0 || int(e) >= numExperts {
			return nil, fmt.Errorf("%w: row %d expert %d", moe.ErrExpertOutOfRange, i, e)
		}
		counts[e]++
	}
	return counts, nil
}
