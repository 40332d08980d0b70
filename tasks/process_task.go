package tasks

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/palefire/troupnode/process"
)

// ProcessTask runs an external command to completion through a
// process.Launcher, capturing stdout/stderr into bounded ring buffers,
// grounded on troup/process.py's LocalProcess/SSHRemoteProcess wired
// through manager/manager.go's per-worker log capture.
type ProcessTask struct {
	id       string
	launcher process.Launcher
	spec     process.Spec

	Stdout *RingBuffer
	Stderr *RingBuffer

	mu     sync.Mutex
	handle process.Handle
}

// NewProcessTask builds a ProcessTask identified by id, launched via
// launcher with spec, capturing up to bufferLines of each stream.
func NewProcessTask(id string, launcher process.Launcher, spec process.Spec, bufferLines int) *ProcessTask {
	return &ProcessTask{
		id:       id,
		launcher: launcher,
		spec:     spec,
		Stdout:   NewRingBuffer(bufferLines),
		Stderr:   NewRingBuffer(bufferLines),
	}
}

func (t *ProcessTask) ID() string { return t.id }

func (t *ProcessTask) Run(ctx context.Context) (interface{}, error) {
	handle, err := t.launcher.Spawn(ctx, t.spec)
	if err != nil {
		return nil, fmt.Errorf("process task %s: spawn: %w", t.id, err)
	}
	t.mu.Lock()
	t.handle = handle
	t.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go drainLines(&wg, handle.Stdout(), t.Stdout)
	go drainLines(&wg, handle.Stderr(), t.Stderr)

	waited := make(chan error, 1)
	go func() { waited <- handle.Wait() }()

	var waitErr error
	select {
	case waitErr = <-waited:
	case <-ctx.Done():
		// TaskRun.stop() cancelled us: kill the process so handle.Wait()
		// (already racing above) returns instead of blocking forever.
		_ = handle.Kill()
		waitErr = <-waited
	}
	wg.Wait()

	if waitErr != nil {
		detail := joinLines(t.Stderr.Lines())
		if detail == "" {
			detail = waitErr.Error()
		}
		return nil, fmt.Errorf("process task %s: %s", t.id, detail)
	}
	return joinLines(t.Stdout.Lines()), nil
}

// joinLines reassembles scanner-split lines back into the newline-terminated
// text the process actually wrote, so a single-line "hi" becomes "hi\n".
func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// Stop sends an immediate kill to the underlying process. Matches
// troup/process.py's LocalProcess.kill — there is no graceful-signal
// variant.
func (t *ProcessTask) Stop(reason string) error {
	t.mu.Lock()
	h := t.handle
	t.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Kill()
}

func drainLines(wg *sync.WaitGroup, r io.Reader, into *RingBuffer) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		into.Append(scanner.Text())
	}
}

var _ Task = (*ProcessTask)(nil)
