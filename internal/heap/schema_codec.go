package heap

import (
	"fmt"

	"github.com/nanodb-go/nanodb/internal/buffer"
	"github.com/nanodb-go/nanodb/internal/dbfile"
	"github.com/nanodb-go/nanodb/internal/page"
	"github.com/nanodb-go/nanodb/internal/record"
)

// schemaEncodedLen reports how many bytes writeSchema will write for s,
// without writing anything: numCols(u8) then, per column, a
// VARSTRING255 name, a type byte, and a nullable byte.
func schemaEncodedLen(s record.Schema) int {
	n := 1
	for _, c := range s.Cols {
		n += 1 + len(c.Name) + 1 + 1
	}
	return n
}

// writeSchema serializes s onto the page(s) starting at (pageNo 0,
// offset) through a page.Writer, so a schema that straddles a page
// boundary is handled the same way any other sequential page write is.
// Callers that must keep the schema confined to the header page check
// schemaEncodedLen against their own budget first.
func writeSchema(bm *buffer.Manager, df *dbfile.DBFile, offset int, s record.Schema) error {
	w, err := page.NewWriter(bm, df, 0, offset)
	if err != nil {
		return err
	}
	if err := writeSchemaTo(w, s); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func writeSchemaTo(w *page.Writer, s record.Schema) error {
	if err := w.WriteByte(byte(len(s.Cols))); err != nil {
		return err
	}
	for _, c := range s.Cols {
		if err := w.WriteVarString255(c.Name); err != nil {
			return err
		}
		if err := w.WriteByte(byte(c.Type)); err != nil {
			return err
		}
		if err := w.WriteBool(c.Nullable); err != nil {
			return err
		}
	}
	return nil
}

// readSchema deserializes a schema written by writeSchema, starting at
// (pageNo 0, offset).
func readSchema(bm *buffer.Manager, df *dbfile.DBFile, offset int) (record.Schema, error) {
	r, err := page.NewReader(bm, df, 0, offset)
	if err != nil {
		return record.Schema{}, err
	}
	s, err := readSchemaFrom(r)
	if cerr := r.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return record.Schema{}, err
	}
	return s, nil
}

func readSchemaFrom(r *page.Reader) (record.Schema, error) {
	nc, err := r.ReadByte()
	if err != nil {
		return record.Schema{}, fmt.Errorf("heap: read schema column count: %w", err)
	}
	cols := make([]record.Column, 0, nc)
	for i := 0; i < int(nc); i++ {
		name, err := r.ReadVarString255()
		if err != nil {
			return record.Schema{}, fmt.Errorf("heap: read schema column %d name: %w", i, err)
		}
		typByte, err := r.ReadByte()
		if err != nil {
			return record.Schema{}, fmt.Errorf("heap: read schema column %d type: %w", i, err)
		}
		nullable, err := r.ReadBool()
		if err != nil {
			return record.Schema{}, fmt.Errorf("heap: read schema column %d nullable flag: %w", i, err)
		}
		cols = append(cols, record.Column{Name: name, Type: record.ColumnType(typByte), Nullable: nullable})
	}
	return record.Schema{Cols: cols}, nil
}
