package reconcile

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"affilink/internal/registry"
)

// Names maps normalized organization identifiers to display names.
type Names map[string]string

// Lookup returns the display name of id, or "Unknown".
func (n Names) Lookup(id string) string {
	if name, ok := n[registry.NormalizeID(id)]; ok && name != "" {
		return name
	}
	return unknownName
}

// LoadNames reads a ROR data dump: a JSON array of organization records with
// id and names. The array is decoded one element at a time.
func LoadNames(path string) (Names, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(bufio.NewReaderSize(f, 1<<20))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, fmt.Errorf("%s: expected a JSON array of organizations", path)
	}

	names := make(Names)
	for i := 0; dec.More(); i++ {
		var org struct {
			ID    string          `json:"id"`
			Names []registry.Name `json:"names"`
		}
		if err := dec.Decode(&org); err != nil {
			return nil, fmt.Errorf("%s: organization %d: %w", path, i, err)
		}
		if org.ID == "" {
			continue
		}
		if name := registry.DisplayName(org.Names); name != "" {
			names[registry.NormalizeID(org.ID)] = name
		}
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return names, nil
}
