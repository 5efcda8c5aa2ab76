package resolve

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"affilink/internal/fingerprint"
	"affilink/internal/logging"
	"affilink/internal/services"
	"affilink/internal/testsupport"
	"affilink/internal/workdir"
)

func checkpointLine(text string, status Status, reason string) string {
	line := `{"fingerprint":"` + fingerprint.Of(text).String() + `","status":"` + string(status) + `"`
	if reason != "" {
		line += `,"reason":"` + reason + `"`
	}
	return line + "}"
}

func matchLine(text, org string) string {
	return `{"fingerprint":"` + fingerprint.Of(text).String() + `","affiliation":"` + text + `","organization_id":"` + org + `"}`
}

func failureLine(text, reason string) string {
	return `{"fingerprint":"` + fingerprint.Of(text).String() + `","affiliation":"` + text + `","reason":"` + reason + `","error":""}`
}

func newStateDir(t *testing.T) workdir.Dir {
	t.Helper()
	dir := workdir.New(filepath.Join(t.TempDir(), "work"))
	if err := dir.Ensure(); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	return dir
}

func TestParseCheckpointLine(t *testing.T) {
	fp := fingerprint.Of("x").String()
	tests := []struct {
		name string
		line string
		ok   bool
	}{
		{"matched", `{"fingerprint":"` + fp + `","status":"matched"}`, true},
		{"failed", `{"fingerprint":"` + fp + `","status":"failed","reason":"timeout"}`, true},
		{"failed without reason", `{"fingerprint":"` + fp + `","status":"failed"}`, false},
		{"matched with reason", `{"fingerprint":"` + fp + `","status":"matched","reason":"x"}`, false},
		{"unknown status", `{"fingerprint":"` + fp + `","status":"pending"}`, false},
		{"short fingerprint", `{"fingerprint":"abc","status":"matched"}`, false},
		{"unknown field", `{"fingerprint":"` + fp + `","status":"matched","extra":1}`, false},
		{"garbage", `{{`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseCheckpointLine([]byte(tt.line))
			if (err == nil) != tt.ok {
				t.Fatalf("parseCheckpointLine(%s) err=%v, want ok=%v", tt.line, err, tt.ok)
			}
		})
	}
}

func TestReadCheckpointReportsTornTail(t *testing.T) {
	dir := newStateDir(t)
	content := checkpointLine("A", StatusMatched, "") + "\n" + `{"fingerprint":"00`
	if err := os.WriteFile(dir.Checkpoint(), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cp, err := readCheckpoint(dir.Checkpoint())
	if err != nil {
		t.Fatalf("readCheckpoint: %v", err)
	}
	if len(cp.order) != 1 || cp.tornBytes != int64(len(`{"fingerprint":"00`)) || cp.size != int64(len(content)) {
		t.Fatalf("unexpected checkpoint: order=%d torn=%d size=%d", len(cp.order), cp.tornBytes, cp.size)
	}
}

func TestReadCheckpointRejectsCorruptMiddle(t *testing.T) {
	dir := newStateDir(t)
	testsupport.WriteLines(t, dir.Checkpoint(),
		checkpointLine("A", StatusMatched, ""),
		`{"fingerprint":"zz","status":"matched"}`,
		checkpointLine("B", StatusMatched, ""),
	)
	_, err := readCheckpoint(dir.Checkpoint())
	if !errors.Is(err, services.ErrCheckpointCorrupt) {
		t.Fatalf("expected ErrCheckpointCorrupt, got %v", err)
	}
	if !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("error should name the line: %v", err)
	}
}

func TestPrepareStateTruncatesTornTail(t *testing.T) {
	dir := newStateDir(t)
	testsupport.WriteLines(t, dir.Matches(), matchLine("A", "https://ror.org/0aaaaaaa1"))
	content := checkpointLine("A", StatusMatched, "") + "\n" + `{"fingerp`
	if err := os.WriteFile(dir.Checkpoint(), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cp, err := prepareState(dir, true, logging.NewNop())
	if err != nil {
		t.Fatalf("prepareState: %v", err)
	}
	if !cp.has(fingerprint.Of("A")) || len(cp.order) != 1 {
		t.Fatalf("unexpected checkpoint state: %+v", cp.order)
	}
	data, err := os.ReadFile(dir.Checkpoint())
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != checkpointLine("A", StatusMatched, "")+"\n" {
		t.Fatalf("torn tail not truncated: %q", data)
	}
}

func TestPrepareStateTrimsStreamsToCheckpoint(t *testing.T) {
	dir := newStateDir(t)
	testsupport.WriteLines(t, dir.Checkpoint(),
		checkpointLine("A", StatusMatched, ""),
		checkpointLine("B", StatusFailed, "no_match"),
	)
	testsupport.WriteLines(t, dir.Matches(),
		matchLine("A", "https://ror.org/0aaaaaaa1"),
		matchLine("A", "https://ror.org/0aaaaaaa1"),
		matchLine("C", "https://ror.org/0ccccccc3"),
	)
	testsupport.WriteLines(t, dir.FailedMatches(),
		failureLine("B", "no_match"),
	)
	f, err := os.OpenFile(dir.FailedMatches(), os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"fingerprint":"`); err != nil {
		t.Fatal(err)
	}
	f.Close()

	cp, err := prepareState(dir, true, logging.NewNop())
	if err != nil {
		t.Fatalf("prepareState: %v", err)
	}
	if len(cp.order) != 2 {
		t.Fatalf("expected 2 checkpoint entries, got %d", len(cp.order))
	}
	matches := testsupport.ReadJSONLines(t, dir.Matches())
	if len(matches) != 1 || matches[0]["fingerprint"] != fingerprint.Of("A").String() {
		t.Fatalf("matches not trimmed: %v", matches)
	}
	failures := testsupport.ReadJSONLines(t, dir.FailedMatches())
	if len(failures) != 1 || failures[0]["fingerprint"] != fingerprint.Of("B").String() {
		t.Fatalf("failures not trimmed: %v", failures)
	}
}

func TestPrepareStateDropsOrphanCheckpointEntries(t *testing.T) {
	dir := newStateDir(t)
	testsupport.WriteLines(t, dir.Checkpoint(),
		checkpointLine("A", StatusMatched, ""),
		checkpointLine("B", StatusFailed, "timeout"),
	)
	testsupport.WriteLines(t, dir.Matches(), matchLine("A", "https://ror.org/0aaaaaaa1"))

	cp, err := prepareState(dir, true, logging.NewNop())
	if err != nil {
		t.Fatalf("prepareState: %v", err)
	}
	if cp.has(fingerprint.Of("B")) || !cp.has(fingerprint.Of("A")) {
		t.Fatalf("orphan not dropped: %+v", cp.order)
	}
	counts, entries, err := Inspect(dir.Checkpoint())
	if err != nil || entries != 1 || counts.Matched != 1 || counts.Errors != 0 {
		t.Fatalf("rewritten checkpoint: counts=%+v entries=%d err=%v", counts, entries, err)
	}
}

func TestPrepareStateWithoutResumeTruncates(t *testing.T) {
	dir := newStateDir(t)
	testsupport.WriteLines(t, dir.Checkpoint(), checkpointLine("A", StatusMatched, ""))
	testsupport.WriteLines(t, dir.Matches(), matchLine("A", "https://ror.org/0aaaaaaa1"))

	cp, err := prepareState(dir, false, logging.NewNop())
	if err != nil {
		t.Fatalf("prepareState: %v", err)
	}
	if len(cp.order) != 0 {
		t.Fatalf("expected empty checkpoint")
	}
	for _, path := range []string{dir.Checkpoint(), dir.Matches(), dir.FailedMatches()} {
		info, err := os.Stat(path)
		if err != nil || info.Size() != 0 {
			t.Fatalf("%s not truncated: %v", path, err)
		}
	}
}

func TestGateHoldExtends(t *testing.T) {
	g := newGate()
	g.hold(0)
	if g.remaining() > 0 {
		t.Fatal("zero hold must not pause")
	}
	g.hold(time.Hour)
	g.hold(time.Minute)
	if r := g.remaining(); r < 59*time.Minute {
		t.Fatalf("shorter hold shortened the pause: %s", r)
	}
}
