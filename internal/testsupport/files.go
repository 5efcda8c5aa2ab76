package testsupport

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
)

// Creator describes one creator of a synthetic DataCite record. Affiliations
// may hold strings or map[string]any objects so tests can mix both shapes.
type Creator struct {
	Name         string
	GivenName    string
	FamilyName   string
	Affiliations []any
}

// Record renders a DataCite JSON line with the given DOI and creators.
func Record(t testing.TB, doi string, creators ...Creator) string {
	t.Helper()

	list := make([]map[string]any, 0, len(creators))
	for _, c := range creators {
		entry := map[string]any{"name": c.Name}
		if c.GivenName != "" {
			entry["givenName"] = c.GivenName
		}
		if c.FamilyName != "" {
			entry["familyName"] = c.FamilyName
		}
		if c.Affiliations != nil {
			entry["affiliation"] = c.Affiliations
		}
		list = append(list, entry)
	}
	payload := map[string]any{
		"id":   doi,
		"type": "dois",
		"attributes": map[string]any{
			"doi":      doi,
			"creators": list,
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	return string(data)
}

// WriteCorpusFile writes lines as a gzip-compressed JSON Lines file under dir
// and returns its path.
func WriteCorpusFile(t testing.TB, dir, name string, lines ...string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	if _, err := gz.Write([]byte(strings.Join(lines, "\n") + "\n")); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip %s: %v", path, err)
	}
	return path
}

// WriteLines writes raw lines to path, each followed by a newline.
func WriteLines(t testing.TB, path string, lines ...string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// ReadJSONLines decodes every line of a JSON Lines file into a map.
func ReadJSONLines(t testing.TB, path string) []map[string]any {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var out []map[string]any
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			t.Fatalf("decode %s line %q: %v", path, line, err)
		}
		out = append(out, record)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan %s: %v", path, err)
	}
	return out
}
