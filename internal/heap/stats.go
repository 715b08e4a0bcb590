package heap

import (
	"fmt"
	"math"

	"github.com/nanodb-go/nanodb/internal/bx"
	"github.com/nanodb-go/nanodb/internal/record"
)

// ColumnStats holds the per-column ANALYZE collectors. Min/Max are the
// encoded scalar bytes for comparable column types; they are never
// collected for ColText/ColBytes (HasMinMax stays false).
type ColumnStats struct {
	DistinctCount uint64
	NullCount     uint64
	HasMinMax     bool
	Min           []byte
	Max           []byte
}

// TableStats is the result of one ANALYZE pass over a table's data pages.
type TableStats struct {
	NumPages        uint32
	NumTuples       uint64
	TotalTupleBytes uint64
	Columns         []ColumnStats
}

func hasMinMax(t record.ColumnType) bool {
	return t != record.ColText && t != record.ColBytes
}

func encodeScalarForStats(t record.ColumnType, v any) []byte {
	switch t {
	case record.ColInt32:
		var b [4]byte
		bx.PutU32(b[:], uint32(v.(int32)))
		return b[:]
	case record.ColInt64:
		var b [8]byte
		bx.PutU64(b[:], uint64(v.(int64)))
		return b[:]
	case record.ColBool:
		if v.(bool) {
			return []byte{1}
		}
		return []byte{0}
	case record.ColFloat64:
		var b [8]byte
		bx.PutU64(b[:], math.Float64bits(v.(float64)))
		return b[:]
	default:
		return nil
	}
}

func scalarLess(t record.ColumnType, a, b []byte) bool {
	switch t {
	case record.ColInt32:
		return int32(bx.U32(a)) < int32(bx.U32(b))
	case record.ColInt64:
		return int64(bx.U64(a)) < int64(bx.U64(b))
	case record.ColFloat64:
		return math.Float64frombits(bx.U64(a)) < math.Float64frombits(bx.U64(b))
	case record.ColBool:
		return a[0] < b[0]
	default:
		return false
	}
}

// columnAcc is one column's mutable ANALYZE collector; newColumnAccs
// builds one per schema column, folded into a TableStats once the scan
// completes.
type columnAcc struct {
	seen      map[string]struct{}
	nullCount uint64
	min, max  []byte
	hasAny    bool
}

func newColumnAccs(s record.Schema) []*columnAcc {
	accs := make([]*columnAcc, s.NumCols())
	for i := range accs {
		accs[i] = &columnAcc{seen: make(map[string]struct{})}
	}
	return accs
}

func (a *columnAcc) observe(col record.Column, v any) {
	if v == nil {
		a.nullCount++
		return
	}
	if col.Type == record.ColBytes {
		a.seen[string(v.([]byte))] = struct{}{}
		return
	}
	if col.Type == record.ColText {
		a.seen[v.(string)] = struct{}{}
		return
	}

	enc := encodeScalarForStats(col.Type, v)
	a.seen[string(enc)] = struct{}{}
	if !a.hasAny {
		a.min, a.max = enc, enc
		a.hasAny = true
		return
	}
	if scalarLess(col.Type, enc, a.min) {
		a.min = enc
	}
	if scalarLess(col.Type, a.max, enc) {
		a.max = enc
	}
}

func (a *columnAcc) finish(col record.Column) ColumnStats {
	cs := ColumnStats{
		DistinctCount: uint64(len(a.seen)),
		NullCount:     a.nullCount,
		HasMinMax:     hasMinMax(col.Type) && a.hasAny,
	}
	if cs.HasMinMax {
		cs.Min = a.min
		cs.Max = a.max
	}
	return cs
}

// encodeStats serializes TableStats for the header page payload.
func encodeStats(ts TableStats) []byte {
	out := make([]byte, 0, 32)
	var b4 [4]byte
	bx.PutU32(b4[:], ts.NumPages)
	out = append(out, b4[:]...)

	var b8 [8]byte
	bx.PutU64(b8[:], ts.NumTuples)
	out = append(out, b8[:]...)
	bx.PutU64(b8[:], ts.TotalTupleBytes)
	out = append(out, b8[:]...)

	var b2 [2]byte
	bx.PutU16(b2[:], uint16(len(ts.Columns)))
	out = append(out, b2[:]...)

	for _, c := range ts.Columns {
		bx.PutU64(b8[:], c.DistinctCount)
		out = append(out, b8[:]...)
		bx.PutU64(b8[:], c.NullCount)
		out = append(out, b8[:]...)
		if c.HasMinMax {
			out = append(out, 1)
			bx.PutU16(b2[:], uint16(len(c.Min)))
			out = append(out, b2[:]...)
			out = append(out, c.Min...)
			bx.PutU16(b2[:], uint16(len(c.Max)))
			out = append(out, b2[:]...)
			out = append(out, c.Max...)
		} else {
			out = append(out, 0)
		}
	}
	return out
}

func decodeStats(b []byte) (TableStats, error) {
	var ts TableStats
	if len(b) < 4+8+8+2 {
		if len(b) == 0 {
			return ts, nil // freshly created table: no stats yet
		}
		return ts, fmt.Errorf("heap: corrupt stats bytes: too short")
	}
	i := 0
	ts.NumPages = bx.U32(b[i : i+4])
	i += 4
	ts.NumTuples = bx.U64(b[i : i+8])
	i += 8
	ts.TotalTupleBytes = bx.U64(b[i : i+8])
	i += 8
	nc := int(bx.U16(b[i : i+2]))
	i += 2

	ts.Columns = make([]ColumnStats, nc)
	for c := 0; c < nc; c++ {
		if i+8+8+1 > len(b) {
			return TableStats{}, fmt.Errorf("heap: corrupt stats bytes: column %d truncated", c)
		}
		cs := ColumnStats{}
		cs.DistinctCount = bx.U64(b[i : i+8])
		i += 8
		cs.NullCount = bx.U64(b[i : i+8])
		i += 8
		hasMM := b[i]
		i++
		if hasMM == 1 {
			minLen := int(bx.U16(b[i : i+2]))
			i += 2
			cs.Min = append([]byte(nil), b[i:i+minLen]...)
			i += minLen
			maxLen := int(bx.U16(b[i : i+2]))
			i += 2
			cs.Max = append([]byte(nil), b[i:i+maxLen]...)
			i += maxLen
			cs.HasMinMax = true
		}
		ts.Columns[c] = cs
	}
	return ts, nil
}
