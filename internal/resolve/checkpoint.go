package resolve

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"affilink/internal/fingerprint"
	"affilink/internal/services"
)

// checkpoint is the in-memory view of matches.checkpoint.
type checkpoint struct {
	order    []fingerprint.Fingerprint
	statuses map[fingerprint.Fingerprint]checkpointRecord
	counts   Counts
	// tornBytes is the length of an unterminated final line, if any.
	tornBytes int64
	size      int64
}

func newCheckpoint() *checkpoint {
	return &checkpoint{statuses: make(map[fingerprint.Fingerprint]checkpointRecord)}
}

func (c *checkpoint) has(fp fingerprint.Fingerprint) bool {
	_, ok := c.statuses[fp]
	return ok
}

func (c *checkpoint) status(fp fingerprint.Fingerprint) (Status, bool) {
	rec, ok := c.statuses[fp]
	return rec.Status, ok
}

func (c *checkpoint) record(rec checkpointRecord) {
	if c.has(rec.Fingerprint) {
		return
	}
	c.order = append(c.order, rec.Fingerprint)
	c.statuses[rec.Fingerprint] = rec
	c.counts.add(rec.Status, rec.Reason)
}

// readCheckpoint parses the checkpoint at path. A missing file is an empty
// checkpoint. The final line may be unterminated (a write cut short by a
// crash); its length is reported in tornBytes and it is otherwise ignored.
// Any terminated line that does not parse is services.ErrCheckpointCorrupt.
func readCheckpoint(path string) (*checkpoint, error) {
	cp := newCheckpoint()
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cp, nil
		}
		return nil, services.Wrap(services.ErrCheckpointCorrupt, "resolve", "read checkpoint", path, err)
	}
	defer f.Close()

	reader := bufio.NewReaderSize(f, 1<<20)
	for lineNo := 1; ; lineNo++ {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] != '\n' {
			cp.tornBytes = int64(len(line))
			cp.size += int64(len(line))
			break
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, services.Wrap(services.ErrCheckpointCorrupt, "resolve", "read checkpoint", path, err)
		}
		cp.size += int64(len(line))
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		rec, err := parseCheckpointLine(trimmed)
		if err != nil {
			return nil, services.Wrap(services.ErrCheckpointCorrupt, "resolve", "read checkpoint",
				fmt.Sprintf("%s line %d", path, lineNo), err)
		}
		cp.record(rec)
	}
	return cp, nil
}

func parseCheckpointLine(line []byte) (checkpointRecord, error) {
	var raw struct {
		Fingerprint string `json:"fingerprint"`
		Status      Status `json:"status"`
		Reason      string `json:"reason"`
	}
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return checkpointRecord{}, err
	}
	fp, err := fingerprint.Parse(raw.Fingerprint)
	if err != nil {
		return checkpointRecord{}, err
	}
	rec := checkpointRecord{Fingerprint: fp, Status: raw.Status, Reason: raw.Reason}
	switch rec.Status {
	case StatusMatched:
		if rec.Reason != "" {
			return checkpointRecord{}, fmt.Errorf("matched entry carries reason %q", rec.Reason)
		}
	case StatusFailed:
		if rec.Reason == "" {
			return checkpointRecord{}, errors.New("failed entry has no reason")
		}
	default:
		return checkpointRecord{}, fmt.Errorf("unknown status %q", rec.Status)
	}
	return rec, nil
}

// Inspect reads the checkpoint at path without modifying it and returns its
// counts. It fails on a corrupt checkpoint just as a resumed run would.
func Inspect(path string) (Counts, int, error) {
	cp, err := readCheckpoint(path)
	if err != nil {
		return Counts{}, 0, err
	}
	return cp.counts, len(cp.order), nil
}
