//go:build soma

package soma

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	tiledb "github.com/TileDB-Inc/TileDB-Go"
)

// Reader provides minimal SOMA reads via TileDB arrays.
type Reader struct {
	experimentURI string
	ctx           *tiledb.Context
}

func NewReader(somaPath string) (*Reader, error) {
	uri, err := ResolveExperimentURI(somaPath)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(uri); statErr != nil {
		return nil, fmt.Errorf("soma experiment not found at %s: %w", uri, statErr)
	}

	ctx, err := tiledb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TileDB context: %w", err)
	}

	return &Reader{
		experimentURI: uri,
		ctx:           ctx,
	}, nil
}

func (r *Reader) Supported() bool { return true }

func (r *Reader) ExperimentURI() string { return r.experimentURI }

// Genes lists gene identifiers from ms/RNA/var in soma_joinid order.
func (r *Reader) Genes() ([]string, error) {
	return r.readStringColumn(r.experimentURI+"/ms/RNA/var", "gene_id")
}

// Spots lists spot identifiers from obs in soma_joinid order.
func (r *Reader) Spots() ([]string, error) {
	return r.readStringColumn(r.experimentURI+"/obs", "obs_id")
}

// Coordinates reads obsm/spatial as a row-major spots x axes block. Axis
// labels are taken from array metadata when present, else synthesized
// as dim_0, dim_1, ...
func (r *Reader) Coordinates(nSpots int) ([]string, []float64, error) {
	return r.readObsmBlock(r.experimentURI+"/obsm/spatial", nSpots)
}

// Proportions reads obsm/proportions as a row-major spots x cell types
// block. Cell-type labels come from array metadata when present.
func (r *Reader) Proportions(nSpots int) ([]string, []float64, error) {
	return r.readObsmBlock(r.experimentURI+"/obsm/proportions", nSpots)
}

// ExpressionDense scans sparse X (cells x genes in SOMA layout) into a
// dense genes x spots row-major slice. Entries absent from the sparse
// array stay zero.
func (r *Reader) ExpressionDense(nGenes, nSpots int) ([]float64, error) {
	out := make([]float64, nGenes*nSpots)
	err := r.scanSparse2D(r.experimentURI+"/ms/RNA/X/data", func(d0, d1 int64, v float32) {
		// SOMA X is (cell, gene); our dense layout is (gene, spot).
		spot, gene := int(d0), int(d1)
		if gene < 0 || gene >= nGenes || spot < 0 || spot >= nSpots {
			return
		}
		out[gene*nSpots+spot] = float64(v)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// readObsmBlock densifies one obsm array (soma_dim_0 = spot joinid,
// soma_dim_1 = column) and resolves its column labels.
func (r *Reader) readObsmBlock(uri string, nSpots int) ([]string, []float64, error) {
	nCols, err := r.sparseDim1Extent(uri)
	if err != nil {
		return nil, nil, err
	}
	if nCols == 0 {
		return nil, nil, fmt.Errorf("obsm array is empty: %s", uri)
	}

	values := make([]float64, nSpots*nCols)
	err = r.scanSparse2D(uri, func(d0, d1 int64, v float32) {
		row, col := int(d0), int(d1)
		if row < 0 || row >= nSpots || col < 0 || col >= nCols {
			return
		}
		values[row*nCols+col] = float64(v)
	})
	if err != nil {
		return nil, nil, err
	}

	labels, err := r.columnLabels(uri, nCols)
	if err != nil {
		return nil, nil, err
	}
	return labels, values, nil
}

// columnLabels reads the "column_names" array metadata (a JSON string
// array written by the SVGMap ingest script) and falls back to
// positional names.
func (r *Reader) columnLabels(uri string, nCols int) ([]string, error) {
	arr, err := tiledb.NewArray(r.ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open array (%s): %w", uri, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return nil, fmt.Errorf("failed to open array for read: %w", err)
	}
	defer arr.Close()

	_, _, raw, err := arr.GetMetadata("column_names")
	if err == nil {
		if s, ok := raw.(string); ok {
			var labels []string
			if jsonErr := json.Unmarshal([]byte(s), &labels); jsonErr == nil && len(labels) == nCols {
				return labels, nil
			}
		}
	}

	labels := make([]string, nCols)
	for j := range labels {
		labels[j] = fmt.Sprintf("dim_%d", j)
	}
	return labels, nil
}

// sparseDim1Extent returns the number of columns implied by the
// non-empty domain of soma_dim_1.
func (r *Reader) sparseDim1Extent(uri string) (int, error) {
	arr, err := tiledb.NewArray(r.ctx, uri)
	if err != nil {
		return 0, fmt.Errorf("failed to open array (%s): %w", uri, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return 0, fmt.Errorf("failed to open array for read: %w", err)
	}
	defer arr.Close()

	ned, isEmpty, err := arr.NonEmptyDomainFromName("soma_dim_1")
	if err != nil {
		return 0, fmt.Errorf("failed to get non-empty domain: %w", err)
	}
	if isEmpty || ned == nil {
		return 0, nil
	}
	minID, maxID, err := boundsMinMaxInt64(ned.Bounds)
	if err != nil {
		return 0, fmt.Errorf("failed to parse non-empty domain bounds: %w", err)
	}
	if minID != 0 {
		return 0, fmt.Errorf("array %s has non-zero-based columns (min %d)", uri, minID)
	}
	return int(maxID) + 1, nil
}

// scanSparse2D streams all non-empty cells of a 2D sparse float array
// with int64 dims soma_dim_0/soma_dim_1 and float32 attr soma_data.
func (r *Reader) scanSparse2D(uri string, onCell func(d0, d1 int64, v float32)) error {
	arr, err := tiledb.NewArray(r.ctx, uri)
	if err != nil {
		return fmt.Errorf("failed to open array (%s): %w", uri, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return fmt.Errorf("failed to open array for read: %w", err)
	}
	defer arr.Close()

	sub, err := arr.NewSubarray()
	if err != nil {
		return fmt.Errorf("failed to create subarray: %w", err)
	}
	defer sub.Free()
	for _, dim := range []string{"soma_dim_0", "soma_dim_1"} {
		ned, isEmpty, err := arr.NonEmptyDomainFromName(dim)
		if err != nil {
			return fmt.Errorf("failed to get non-empty domain for %s: %w", dim, err)
		}
		if isEmpty || ned == nil {
			return nil
		}
		minID, maxID, err := boundsMinMaxInt64(ned.Bounds)
		if err != nil {
			return fmt.Errorf("failed to parse bounds for %s: %w", dim, err)
		}
		if err := sub.AddRangeByName(dim, tiledb.MakeRange[int64](minID, maxID)); err != nil {
			return fmt.Errorf("failed to add range for %s: %w", dim, err)
		}
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return fmt.Errorf("failed to create query: %w", err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return fmt.Errorf("failed to set subarray: %w", err)
	}
	// For sparse reads, unordered is generally fine.
	_ = q.SetLayout(tiledb.TILEDB_UNORDERED)

	const bufSize = 1024 * 1024
	outD0 := make([]int64, bufSize)
	outD1 := make([]int64, bufSize)
	outVal := make([]float32, bufSize)
	valNullable, err := attributeNullable(arr, "soma_data")
	if err != nil {
		return fmt.Errorf("failed to inspect soma_data nullable: %w", err)
	}
	var outValValid []uint8
	if valNullable {
		outValValid = make([]uint8, bufSize)
	}

	for {
		// Reset buffers each submit so TileDB sees full capacities (buffer sizes are in/out params).
		if _, err := q.SetDataBuffer("soma_dim_0", outD0); err != nil {
			return fmt.Errorf("failed to set buffer soma_dim_0: %w", err)
		}
		if _, err := q.SetDataBuffer("soma_dim_1", outD1); err != nil {
			return fmt.Errorf("failed to set buffer soma_dim_1: %w", err)
		}
		if _, err := q.SetDataBuffer("soma_data", outVal); err != nil {
			return fmt.Errorf("failed to set buffer soma_data: %w", err)
		}
		if valNullable {
			if _, err := q.SetValidityBuffer("soma_data", outValValid); err != nil {
				return fmt.Errorf("failed to set validity buffer soma_data: %w", err)
			}
		}

		if err := q.Submit(); err != nil {
			return fmt.Errorf("query submit failed: %w", err)
		}
		status, err := q.Status()
		if err != nil {
			return fmt.Errorf("query status failed: %w", err)
		}

		elems, err := q.ResultBufferElements()
		if err != nil {
			return fmt.Errorf("ResultBufferElements failed: %w", err)
		}
		got := int(elems["soma_data"][1])
		if got > len(outVal) {
			got = len(outVal)
		}
		gotValid := 0
		if valNullable {
			gotValid = int(elems["soma_data"][2])
			if gotValid > len(outValValid) {
				gotValid = len(outValValid)
			}
		}

		for i := 0; i < got; i++ {
			if valNullable && i < gotValid && outValValid[i] == 0 {
				continue
			}
			onCell(outD0[i], outD1[i], outVal[i])
		}

		if status == tiledb.TILEDB_COMPLETED {
			return nil
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return fmt.Errorf("unexpected query status: %v", status)
		}
	}
}

// readStringColumn streams one var-length string attribute of a
// dataframe array, returning values indexed by soma_joinid.
func (r *Reader) readStringColumn(uri, column string) ([]string, error) {
	arr, err := tiledb.NewArray(r.ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open array (%s): %w", uri, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return nil, fmt.Errorf("failed to open array for read: %w", err)
	}
	defer arr.Close()

	// Use non-empty domain to avoid relying on potentially unbounded dimension domains.
	ned, isEmpty, err := arr.NonEmptyDomainFromName("soma_joinid")
	if err != nil {
		return nil, fmt.Errorf("failed to get non-empty domain: %w", err)
	}
	if isEmpty || ned == nil {
		return nil, nil
	}
	minID, maxID, err := boundsMinMaxInt64(ned.Bounds)
	if err != nil {
		return nil, fmt.Errorf("failed to parse non-empty domain bounds: %w", err)
	}
	if minID != 0 {
		return nil, fmt.Errorf("array %s has non-zero-based joinids (min %d)", uri, minID)
	}

	sub, err := arr.NewSubarray()
	if err != nil {
		return nil, fmt.Errorf("failed to create subarray: %w", err)
	}
	defer sub.Free()
	if err := sub.AddRangeByName("soma_joinid", tiledb.MakeRange[int64](minID, maxID)); err != nil {
		return nil, fmt.Errorf("failed to set range: %w", err)
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return nil, fmt.Errorf("failed to create query: %w", err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return nil, fmt.Errorf("failed to set subarray: %w", err)
	}
	if err := q.SetLayout(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return nil, fmt.Errorf("failed to set query layout: %w", err)
	}

	// Stream in chunks to avoid huge allocations and to handle unbounded domains safely.
	const chunkRows = 8192
	joinIDs := make([]int64, chunkRows)
	offsets := make([]uint64, chunkRows)
	colNullable, err := attributeNullable(arr, column)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect %s nullable: %w", column, err)
	}
	var validity []uint8
	if colNullable {
		validity = make([]uint8, chunkRows)
	}
	dataBytes := make([]byte, 2*1024*1024)

	out := make([]string, maxID+1)
	for {
		if _, err := q.SetDataBuffer("soma_joinid", joinIDs); err != nil {
			return nil, fmt.Errorf("failed to set buffer soma_joinid: %w", err)
		}
		if _, err := q.SetOffsetsBuffer(column, offsets); err != nil {
			return nil, fmt.Errorf("failed to set offsets buffer %s: %w", column, err)
		}
		if _, err := q.SetDataBuffer(column, dataBytes); err != nil {
			return nil, fmt.Errorf("failed to set data buffer %s: %w", column, err)
		}
		if colNullable {
			if _, err := q.SetValidityBuffer(column, validity); err != nil {
				return nil, fmt.Errorf("failed to set validity buffer %s: %w", column, err)
			}
		}

		if err := q.Submit(); err != nil {
			return nil, fmt.Errorf("query submit failed: %w", err)
		}
		status, err := q.Status()
		if err != nil {
			return nil, fmt.Errorf("query status failed: %w", err)
		}
		elems, err := q.ResultBufferElements()
		if err != nil {
			return nil, fmt.Errorf("ResultBufferElements failed: %w", err)
		}

		usedJoin := int(elems["soma_joinid"][1])
		usedOffsets := int(elems[column][0])
		usedBytes := int(elems[column][1])
		usedValid := 0
		if colNullable {
			usedValid = int(elems[column][2])
		}
		if usedJoin > len(joinIDs) {
			usedJoin = len(joinIDs)
		}
		if usedOffsets > len(offsets) {
			usedOffsets = len(offsets)
		}
		if usedBytes > len(dataBytes) {
			usedBytes = len(dataBytes)
		}
		if colNullable && usedValid > len(validity) {
			usedValid = len(validity)
		}

		// If buffers are too small to return even a single row, grow and retry.
		if status == tiledb.TILEDB_INCOMPLETE && usedOffsets == 0 && usedBytes == 0 && usedJoin == 0 {
			if len(dataBytes) < 64*1024*1024 {
				dataBytes = make([]byte, len(dataBytes)*2)
				continue
			}
			return nil, fmt.Errorf("query buffers too small for column %s", column)
		}

		join := joinIDs[:usedJoin]
		off := offsets[:usedOffsets]
		data := dataBytes[:usedBytes]
		var val []uint8
		if colNullable {
			val = validity[:usedValid]
		}

		lim := usedJoin
		if usedOffsets < lim {
			lim = usedOffsets
		}
		if colNullable && usedValid > 0 && usedValid < lim {
			lim = usedValid
		}
		for i := 0; i < lim; i++ {
			if colNullable && usedValid > 0 && val[i] == 0 {
				continue
			}
			start := int(off[i])
			end := len(data)
			if i+1 < usedOffsets {
				end = int(off[i+1])
			}
			if start < 0 || end < start || end > len(data) {
				continue
			}
			if id := join[i]; id >= 0 && id < int64(len(out)) {
				out[id] = string(data[start:end])
			}
		}

		if status == tiledb.TILEDB_COMPLETED {
			return out, nil
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return nil, fmt.Errorf("unexpected TileDB query status: %v", status)
		}
	}
}

func boundsMinMaxInt64(bounds interface{}) (int64, int64, error) {
	switch v := bounds.(type) {
	case []int64:
		if len(v) >= 2 {
			return v[0], v[1], nil
		}
	case []int32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint64:
		if len(v) >= 2 {
			if v[0] > math.MaxInt64 || v[1] > math.MaxInt64 {
				return 0, 0, fmt.Errorf("uint64 bounds exceed int64 range")
			}
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	}
	return 0, 0, fmt.Errorf("unsupported bounds type for non-empty domain")
}

func attributeNullable(arr *tiledb.Array, name string) (bool, error) {
	schema, err := arr.Schema()
	if err != nil {
		return false, err
	}
	defer schema.Free()
	attr, err := schema.AttributeFromName(name)
	if err != nil {
		return false, err
	}
	defer attr.Free()
	return attr.Nullable()
}
