package resolve

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"affilink/internal/fileutil"
	"affilink/internal/fingerprint"
	"affilink/internal/logging"
	"affilink/internal/services"
	"affilink/internal/workdir"
)

// prepareState returns the checkpoint a run starts from. Without resume the
// outcome streams and checkpoint are truncated. With resume the checkpoint is
// loaded, a torn tail is cut off, and both streams are trimmed to exactly one
// line per checkpointed fingerprint. A checkpointed fingerprint whose stream
// line is missing is dropped from the checkpoint so it is resolved again.
func prepareState(dir workdir.Dir, resume bool, logger *slog.Logger) (*checkpoint, error) {
	if !resume {
		for _, path := range []string{dir.Matches(), dir.FailedMatches(), dir.Checkpoint()} {
			if err := os.WriteFile(path, nil, 0o644); err != nil {
				return nil, services.Wrap(services.ErrOutput, "resolve", "truncate", path, err)
			}
		}
		return newCheckpoint(), nil
	}

	cp, err := readCheckpoint(dir.Checkpoint())
	if err != nil {
		return nil, err
	}
	if cp.tornBytes > 0 {
		logging.WarnWithContext(logger, "truncating torn checkpoint tail", "checkpoint_torn_tail",
			logging.Int64("bytes", cp.tornBytes),
			logging.String(logging.FieldImpact, "the interrupted outcome will be resolved again"),
		)
		if err := os.Truncate(dir.Checkpoint(), cp.size-cp.tornBytes); err != nil {
			return nil, services.Wrap(services.ErrOutput, "resolve", "truncate checkpoint", dir.Checkpoint(), err)
		}
	}

	present := make(map[fingerprint.Fingerprint]struct{}, len(cp.order))
	for _, stream := range []struct {
		path   string
		status Status
	}{
		{dir.Matches(), StatusMatched},
		{dir.FailedMatches(), StatusFailed},
	} {
		if err := repairStream(stream.path, stream.status, cp, present, logger); err != nil {
			return nil, err
		}
	}

	if len(present) == len(cp.order) {
		return cp, nil
	}

	kept := newCheckpoint()
	for _, fp := range cp.order {
		if _, ok := present[fp]; ok {
			kept.record(cp.statuses[fp])
		}
	}
	logging.WarnWithContext(logger, "checkpoint entries without outcome lines", "checkpoint_orphans",
		logging.Int("dropped", len(cp.order)-len(kept.order)),
		logging.String(logging.FieldImpact, "those fingerprints will be resolved again"),
	)
	err = fileutil.WriteAtomic(dir.Checkpoint(), func(w *bufio.Writer) error {
		enc := json.NewEncoder(w)
		for _, fp := range kept.order {
			if err := enc.Encode(kept.statuses[fp]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, services.Wrap(services.ErrOutput, "resolve", "rewrite checkpoint", dir.Checkpoint(), err)
	}
	return kept, nil
}

// repairStream keeps the first line for each fingerprint the checkpoint
// records with status, and drops everything else: lines written after the
// last checkpoint append, duplicates, lines belonging to the other stream and
// an unterminated tail. The file is rewritten only when something is dropped.
func repairStream(path string, status Status, cp *checkpoint, present map[fingerprint.Fingerprint]struct{}, logger *slog.Logger) error {
	keep := func(line []byte, seen map[fingerprint.Fingerprint]struct{}) bool {
		fp, err := streamFingerprint(line)
		if err != nil {
			return false
		}
		if st, ok := cp.status(fp); !ok || st != status {
			return false
		}
		if _, dup := seen[fp]; dup {
			return false
		}
		seen[fp] = struct{}{}
		return true
	}

	dropped := 0
	seen := make(map[fingerprint.Fingerprint]struct{})
	err := scanLines(path, func(line []byte, terminated bool) error {
		if !terminated || !keep(line, seen) {
			dropped++
		}
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return services.Wrap(services.ErrOutput, "resolve", "read outcomes", path, err)
	}
	for fp := range seen {
		present[fp] = struct{}{}
	}
	if dropped == 0 {
		return nil
	}

	logging.WarnWithContext(logger, "trimming outcome stream to checkpoint", "outcome_stream_repair",
		logging.String(logging.FieldFile, path),
		logging.Int("dropped", dropped),
		logging.String(logging.FieldImpact, "dropped outcomes will be resolved again"),
	)
	seen = make(map[fingerprint.Fingerprint]struct{})
	err = fileutil.WriteAtomic(path, func(w *bufio.Writer) error {
		return scanLines(path, func(line []byte, terminated bool) error {
			if !terminated || !keep(line, seen) {
				return nil
			}
			if _, err := w.Write(line); err != nil {
				return err
			}
			return w.WriteByte('\n')
		})
	})
	if err != nil {
		return services.Wrap(services.ErrOutput, "resolve", "rewrite outcomes", path, err)
	}
	return nil
}

func streamFingerprint(line []byte) (fingerprint.Fingerprint, error) {
	var probe struct {
		Fingerprint string `json:"fingerprint"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return 0, err
	}
	return fingerprint.Parse(probe.Fingerprint)
}

// scanLines calls fn for every non-blank line of path without its newline.
// terminated is false only for a final line with no trailing newline.
func scanLines(path string, fn func(line []byte, terminated bool) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	reader := bufio.NewReaderSize(f, 1<<20)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			terminated := line[len(line)-1] == '\n'
			trimmed := bytes.TrimRight(line, "\r\n")
			if len(bytes.TrimSpace(trimmed)) > 0 {
				if ferr := fn(trimmed, terminated); ferr != nil {
					return ferr
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read %s: %w", path, err)
		}
	}
}
