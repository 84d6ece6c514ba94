// Package matrixio reads SVGMap dataset directories: a dataset.json
// metadata file next to TSV matrices, optionally zstd-compressed with a
// .zst suffix.
package matrixio

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/svgmap/server/internal/ctsv"
	"github.com/svgmap/server/internal/data"
)

// Metadata describes a dataset directory.
type Metadata struct {
	Name          string `json:"name"`
	FormatVersion string `json:"format_version"`
	NGenes        int    `json:"n_genes"`
	NSpots        int    `json:"n_spots"`
	NCellTypes    int    `json:"n_cell_types"`
	// Raw marks expression that skipped upstream normalization.
	Raw   bool `json:"raw,omitempty"`
	Files struct {
		Expression  string `json:"expression"`
		Coordinates string `json:"coordinates"`
		Proportions string `json:"proportions"`
		Covariates  string `json:"covariates,omitempty"`
	} `json:"files"`
}

// Store provides access to one dataset directory.
type Store struct {
	basePath string
	metadata *Metadata
}

// Open reads dataset.json from dir.
func Open(dir string) (*Store, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "dataset.json"))
	if err != nil {
		return nil, fmt.Errorf("matrixio: failed to read metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("matrixio: invalid metadata: %w", err)
	}
	if meta.Files.Expression == "" || meta.Files.Coordinates == "" || meta.Files.Proportions == "" {
		return nil, fmt.Errorf("matrixio: metadata missing required matrix files")
	}
	return &Store{basePath: dir, metadata: &meta}, nil
}

// Metadata returns the parsed dataset metadata.
func (s *Store) Metadata() *Metadata {
	return s.metadata
}

// LoadDataset reads all matrices and assembles a validated dataset.
func (s *Store) LoadDataset() (*ctsv.Dataset, error) {
	expr, err := s.readMatrix(s.metadata.Files.Expression)
	if err != nil {
		return nil, err
	}
	coords, err := s.readMatrix(s.metadata.Files.Coordinates)
	if err != nil {
		return nil, err
	}
	props, err := s.readMatrix(s.metadata.Files.Proportions)
	if err != nil {
		return nil, err
	}
	var covars *data.Matrix
	if s.metadata.Files.Covariates != "" {
		covars, err = s.readMatrix(s.metadata.Files.Covariates)
		if err != nil {
			return nil, err
		}
	}
	return data.Assemble(expr, coords, props, covars, s.metadata.Raw)
}

func (s *Store) readMatrix(name string) (*data.Matrix, error) {
	path := filepath.Join(s.basePath, name)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("matrixio: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(name, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("matrixio: zstd open %s: %w", name, err)
		}
		defer dec.Close()
		r = dec
	}
	m, err := ReadTSV(r)
	if err != nil {
		return nil, fmt.Errorf("matrixio: %s: %w", name, err)
	}
	return m, nil
}

// ReadTSV parses a labeled TSV matrix: the header row holds column names,
// the first field of each following row is the row name.
func ReadTSV(r io.Reader) (*data.Matrix, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1<<20), 1<<26)

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("empty matrix file")
	}
	header := strings.Split(strings.TrimRight(sc.Text(), "\r\n"), "\t")
	// A leading corner label before the column names is accepted.
	if len(header) > 0 && header[0] == "" {
		header = header[1:]
	}
	if len(header) == 0 {
		return nil, fmt.Errorf("matrix header has no columns")
	}

	m := &data.Matrix{Cols: header}
	line := 1
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r\n")
		if text == "" {
			continue
		}
		fields := strings.Split(text, "\t")
		if len(fields) != len(header)+1 {
			return nil, fmt.Errorf("line %d has %d fields, want %d", line, len(fields), len(header)+1)
		}
		m.Rows = append(m.Rows, fields[0])
		for _, field := range fields[1:] {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			m.Values = append(m.Values, v)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(m.Rows) == 0 {
		return nil, fmt.Errorf("matrix has no data rows")
	}
	return m, nil
}
