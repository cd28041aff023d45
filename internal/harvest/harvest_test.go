package harvest

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"cymbytes.com/missiongen/internal/faults"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

// pngHeader is enough for content sniffing.
const pngHeader = "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"

func TestHarvest_AllowListAndOrder(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"report.csv": "Start Time,Stop Time,Duration (sec)\n",
		"shot.png":   pngHeader,
		"debug.log":  "noise",
	})

	got, err := Harvest(dir)
	if err != nil {
		t.Fatalf("Harvest: %v", err)
	}
	var names []string
	for _, a := range got {
		names = append(names, a.Name)
	}
	if !reflect.DeepEqual(names, []string{"report.csv", "shot.png"}) {
		t.Errorf("names = %v, want [report.csv shot.png]", names)
	}
}

func TestHarvest_KindsAndMetadata(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"Z_LAST.CSV":  "a,b\n1,2\n",
		"b.JPEG":      "not really a jpeg",
		"c.pdf":       "%PDF-1.4\n",
		"d.txt":       "notes",
		"e.xlsx":      "PK",
		"f.xls":       "x",
		"g.py":        "print(1)",
		"h.jpg":       "x",
		"i.png":       pngHeader,
		"noextension": "x",
	})
	if err := os.Mkdir(filepath.Join(dir, "nested.csv"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFiles(t, filepath.Join(dir, "nested.csv"), map[string]string{"inner.csv": "x"})

	got, err := Harvest(dir)
	if err != nil {
		t.Fatalf("Harvest: %v", err)
	}

	want := map[string]Kind{
		"Z_LAST.CSV": KindCSV,
		"b.JPEG":     KindImage,
		"c.pdf":      KindText,
		"d.txt":      KindText,
		"e.xlsx":     KindSpreadsheet,
		"f.xls":      KindSpreadsheet,
		"h.jpg":      KindImage,
		"i.png":      KindImage,
	}
	if len(got) != len(want) {
		t.Fatalf("got %d artifacts, want %d: %+v", len(got), len(want), got)
	}
	for i, a := range got {
		if i > 0 && got[i-1].Name >= a.Name {
			t.Errorf("Artifacts not sorted: %s before %s", got[i-1].Name, a.Name)
		}
		if want[a.Name] != a.Kind {
			t.Errorf("%s kind = %s, want %s", a.Name, a.Kind, want[a.Name])
		}
		if !filepath.IsAbs(a.Path) {
			t.Errorf("%s path %q is not absolute", a.Name, a.Path)
		}
		info, _ := os.Stat(a.Path)
		if info == nil || info.Size() != a.Size {
			t.Errorf("%s size = %d, mismatch", a.Name, a.Size)
		}
	}

	for _, a := range got {
		if a.Name == "i.png" && a.ContentType != "image/png" {
			t.Errorf("png content type = %q", a.ContentType)
		}
		if a.Name == "c.pdf" && !strings.HasPrefix(a.ContentType, "application/pdf") {
			t.Errorf("pdf content type = %q", a.ContentType)
		}
	}
}

func TestHarvest_Deterministic(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"b.csv": "1", "a.csv": "2", "c.txt": "3"})

	first, err := Harvest(dir)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Harvest(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("Repeated harvesting produced different results")
	}
}

func TestHarvest_RelativeDirResolvesAbsolute(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.csv": "1"})
	t.Chdir(dir)

	got, err := Harvest(".")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || !filepath.IsAbs(got[0].Path) {
		t.Errorf("Unexpected result %+v", got)
	}
}

func TestHarvest_EmptyAndMissing(t *testing.T) {
	got, err := Harvest(t.TempDir())
	if err != nil || len(got) != 0 {
		t.Errorf("Empty dir: got %v, %v", got, err)
	}

	_, err = Harvest(filepath.Join(t.TempDir(), "gone"))
	if !errors.Is(err, faults.ErrExecution) {
		t.Errorf("Missing dir: expected execution error, got %v", err)
	}
}

func TestSizeKB(t *testing.T) {
	a := Artifact{Size: 1536}
	if a.SizeKB() != 1.5 {
		t.Errorf("SizeKB() = %v, want 1.5", a.SizeKB())
	}
}
