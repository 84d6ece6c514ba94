package matrixio

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
)

const exprTSV = "\tS1\tS2\nGeneA\t1.5\t2\nGeneB\t0\t3.25\n"

func TestReadTSV(t *testing.T) {
	m, err := ReadTSV(strings.NewReader(exprTSV))
	if err != nil {
		t.Fatalf("ReadTSV: %v", err)
	}
	if len(m.Rows) != 2 || len(m.Cols) != 2 {
		t.Fatalf("dims %dx%d, want 2x2", len(m.Rows), len(m.Cols))
	}
	if m.Rows[0] != "GeneA" || m.Cols[1] != "S2" {
		t.Errorf("labels lost: %v %v", m.Rows, m.Cols)
	}
	if m.At(0, 0) != 1.5 || m.At(1, 1) != 3.25 {
		t.Errorf("values lost")
	}
}

func TestReadTSVRagged(t *testing.T) {
	if _, err := ReadTSV(strings.NewReader("\tS1\tS2\nGeneA\t1\n")); err == nil {
		t.Fatal("expected error on ragged row")
	}
}

func TestReadTSVEmpty(t *testing.T) {
	if _, err := ReadTSV(strings.NewReader("")); err == nil {
		t.Fatal("expected error on empty input")
	}
}

func TestStoreLoadDataset(t *testing.T) {
	dir := t.TempDir()

	writeFile(t, dir, "expression.tsv", exprTSV)
	writeFile(t, dir, "coords.tsv", "\tx\ty\nS1\t0\t0\nS2\t1\t1\n")
	writeZst(t, dir, "proportions.tsv.zst", "\tA\tB\nS1\t0.25\t0.75\nS2\t0.5\t0.5\n")
	writeFile(t, dir, "dataset.json", `{
		"name": "toy",
		"format_version": "1",
		"n_genes": 2, "n_spots": 2, "n_cell_types": 2,
		"files": {
			"expression": "expression.tsv",
			"coordinates": "coords.tsv",
			"proportions": "proportions.tsv.zst"
		}
	}`)

	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if store.Metadata().Name != "toy" {
		t.Errorf("metadata name %q", store.Metadata().Name)
	}

	ds, err := store.LoadDataset()
	if err != nil {
		t.Fatalf("LoadDataset: %v", err)
	}
	if ds.NumGenes() != 2 || ds.NumSpots() != 2 || ds.NumCellTypes() != 2 {
		t.Fatalf("dims %d/%d/%d", ds.NumGenes(), ds.NumSpots(), ds.NumCellTypes())
	}
	if ds.Props.At(0, 1) != 0.75 {
		t.Errorf("zstd proportions not decoded")
	}
}

func TestOpenMissingMetadata(t *testing.T) {
	if _, err := Open(t.TempDir()); err == nil {
		t.Fatal("expected error for missing dataset.json")
	}
}

func TestOpenIncompleteMetadata(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "dataset.json", `{"name": "x", "files": {"expression": "e.tsv"}}`)
	if _, err := Open(dir); err == nil {
		t.Fatal("expected error for missing matrix files")
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func writeZst(t *testing.T, dir, name, content string) {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	enc, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := enc.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
}
