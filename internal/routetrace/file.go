package routetrace

import (
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// WriteFile stores records in the Arrow IPC file format.
func WriteFile(path string, mem memory.Allocator, recs ...arrow.Record) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	w, err := ipc.NewFileWriter(f, ipc.WithSchema(Schema), ipc.WithAllocator(mem))
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("create ipc writer: %w", err)
	}
	for i, rec := range recs {
		if err := w.Write(rec); err != nil {
			_ = w.Close()
			_ = f.Close()
			return fmt.Errorf("write record %d: %w", i, err)
		}
	}
	if err := w.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("close ipc writer: %w", err)
	}
	return f.Close()
}

// ReadFile loads every record of an IPC file. The caller must Release them.
func ReadFile(path string, mem memory.Allocator) ([]arrow.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("open ipc file: %w", err)
	}
	defer func() { _ = r.Close() }()

	if !r.Schema().Equal(Schema) {
		return nil, fmt.Errorf("%s is not a routing trace: schema %s", path, r.Schema())
	}

	recs := make([]arrow.Record, 0, r.NumRecords())
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			for _, done := range recs {
				done.Release()
			}
			return nil, fmt.Errorf("read record %d: %w", i, err)
		}
		rec.Retain()
		recs = append(recs, rec)
	}
	return recs, nil
}
