package bridge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type writeOp struct {
	apply func(*commandFile)
	reply chan error
}

// commandWriter serializes every mutation of commands.json through one
// goroutine, using read-modify-write with a temp-file-then-rename commit so
// concurrent submissions can never interleave partial JSON.
type commandWriter struct {
	path string
	ops  chan writeOp
	quit chan struct{}
	done chan struct{}
}

func newCommandWriter(path string) *commandWriter {
	w := &commandWriter{
		path: path,
		ops:  make(chan writeOp, 32),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *commandWriter) run() {
	defer close(w.done)
	for {
		select {
		case op := <-w.ops:
			op.reply <- w.modify(op.apply)
		case <-w.quit:
			return
		}
	}
}

func (w *commandWriter) submit(apply func(*commandFile)) error {
	op := writeOp{apply: apply, reply: make(chan error, 1)}
	select {
	case w.ops <- op:
	case <-w.done:
		return ErrNotRunning
	}
	select {
	case err := <-op.reply:
		return err
	case <-w.done:
		return ErrNotRunning
	}
}

// Append adds one command to the file.
func (w *commandWriter) Append(cmd Command) error {
	return w.submit(func(cf *commandFile) {
		cf.Commands = append(cf.Commands, cmd)
	})
}

// Remove deletes the commands with the given ids, if still present. Settled
// commands are pruned this way so the file stays bounded.
func (w *commandWriter) Remove(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	return w.submit(func(cf *commandFile) {
		kept := cf.Commands[:0]
		for _, c := range cf.Commands {
			if !drop[c.ID] {
				kept = append(kept, c)
			}
		}
		cf.Commands = kept
	})
}

// Close stops the writer goroutine; queued submissions fail with
// ErrNotRunning.
func (w *commandWriter) Close() {
	close(w.quit)
	<-w.done
}

func (w *commandWriter) modify(apply func(*commandFile)) error {
	var cf commandFile
	if data, err := os.ReadFile(w.path); err == nil && len(data) > 0 {
		// A corrupt file is unrecoverable either way; start over rather
		// than wedging every future submission.
		_ = json.Unmarshal(data, &cf)
	}

	apply(&cf)
	if cf.Commands == nil {
		cf.Commands = []Command{}
	}

	out, err := json.MarshalIndent(&cf, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding commands: %w", err)
	}
	return writeFileAtomic(w.path, out)
}

// writeFileAtomic writes data to a temp file in the same directory and
// renames it over path, so readers only ever observe complete content.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("committing %s: %w", filepath.Base(path), err)
	}
	return nil
}
