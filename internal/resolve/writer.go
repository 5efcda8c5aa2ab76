package resolve

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"affilink/internal/fileutil"
	"affilink/internal/workdir"
)

// appendFile is an append-only JSON Lines file.
type appendFile struct {
	path string
	file *os.File
	buf  *bufio.Writer
	enc  *json.Encoder
}

func openAppend(path string) (*appendFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	buf := bufio.NewWriterSize(f, 64*1024)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	return &appendFile{path: path, file: f, buf: buf, enc: enc}, nil
}

// append writes one record and hands it to the kernel.
func (a *appendFile) append(v any) error {
	if err := a.enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", a.path, err)
	}
	if err := a.buf.Flush(); err != nil {
		return fmt.Errorf("write %s: %w", a.path, err)
	}
	return nil
}

func (a *appendFile) sync() error {
	if err := a.buf.Flush(); err != nil {
		return fmt.Errorf("write %s: %w", a.path, err)
	}
	if err := fileutil.Datasync(a.file); err != nil {
		return fmt.Errorf("sync %s: %w", a.path, err)
	}
	return nil
}

func (a *appendFile) close() error {
	syncErr := a.sync()
	closeErr := a.file.Close()
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

type writeRequest struct {
	outcome Outcome
	done    chan error
}

// writer is the single owner of the outcome streams and the checkpoint. All
// appends go through its goroutine, so the three files are never written
// concurrently and a checkpoint line always follows its stream line.
type writer struct {
	matches    *appendFile
	failures   *appendFile
	checkpoint *appendFile
	state      *checkpoint
	syncEvery  int
	onWritten  func(Outcome, Counts)

	requests chan writeRequest
	stopped  chan struct{}

	mu  sync.Mutex
	err error

	sinceSync int
	run       Counts
}

func openWriter(dir workdir.Dir, state *checkpoint, syncEvery int, onWritten func(Outcome, Counts)) (*writer, error) {
	w := &writer{
		state:     state,
		syncEvery: syncEvery,
		onWritten: onWritten,
		requests:  make(chan writeRequest),
		stopped:   make(chan struct{}),
	}
	var err error
	if w.matches, err = openAppend(dir.Matches()); err != nil {
		return nil, err
	}
	if w.failures, err = openAppend(dir.FailedMatches()); err != nil {
		w.matches.close()
		return nil, err
	}
	if w.checkpoint, err = openAppend(dir.Checkpoint()); err != nil {
		w.matches.close()
		w.failures.close()
		return nil, err
	}
	go w.loop()
	return w, nil
}

func (w *writer) loop() {
	defer close(w.stopped)
	for req := range w.requests {
		err := w.failure()
		if err == nil {
			if err = w.write(req.outcome); err != nil {
				w.fail(err)
			}
		}
		req.done <- err
	}
}

func (w *writer) write(o Outcome) error {
	if w.state.has(o.Fingerprint) {
		return nil
	}
	var err error
	switch o.Status {
	case StatusMatched:
		err = w.matches.append(MatchRecord{Fingerprint: o.Fingerprint, Affiliation: o.Affiliation, OrganizationID: o.OrganizationID})
	default:
		err = w.failures.append(FailureRecord{Fingerprint: o.Fingerprint, Affiliation: o.Affiliation, Reason: o.Reason, Error: o.Error})
	}
	if err != nil {
		return err
	}
	rec := checkpointRecord{Fingerprint: o.Fingerprint, Status: o.Status, Reason: o.Reason}
	if err := w.checkpoint.append(rec); err != nil {
		return err
	}
	w.state.record(rec)
	w.run.add(o.Status, o.Reason)

	w.sinceSync++
	if w.syncEvery > 0 && w.sinceSync >= w.syncEvery {
		if err := w.syncAll(); err != nil {
			return err
		}
	}
	if w.onWritten != nil {
		w.onWritten(o, w.run)
	}
	return nil
}

// syncAll persists the streams before the checkpoint so a durable checkpoint
// line never refers to a stream line that was lost.
func (w *writer) syncAll() error {
	w.sinceSync = 0
	for _, f := range []*appendFile{w.matches, w.failures, w.checkpoint} {
		if err := f.sync(); err != nil {
			return err
		}
	}
	return nil
}

// submit hands an outcome to the writer and blocks until it is written.
func (w *writer) submit(o Outcome) error {
	done := make(chan error, 1)
	w.requests <- writeRequest{outcome: o, done: done}
	return <-done
}

func (w *writer) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = err
	}
}

func (w *writer) failure() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// close stops the writer goroutine, syncs and closes every file. Callers
// must not submit after close.
func (w *writer) close() (Counts, error) {
	close(w.requests)
	<-w.stopped
	var firstErr error
	for _, f := range []*appendFile{w.matches, w.failures, w.checkpoint} {
		if err := f.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := w.failure(); err != nil {
		return w.run, err
	}
	return w.run, firstErr
}
