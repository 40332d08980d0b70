// Package lockfile implements the single-node PID-based mutex and
// endpoint advertisement file, grounded on troup/process.py's
// LockFile/ProcessInfoFile (this_process_info_file /
// open_process_lock_file), adapted from its read/write-mode file
// object into a parse-on-open, rewrite-on-update flat file.
package lockfile

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"
)

// Info is the process-identifying content stored alongside the PID,
// generalized from troup/process.py's free-form "info" dict to this
// system's one concrete use: advertising a node's endpoint.
type Info struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
}

// File is a PID + JSON-info lock file at a fixed path, mirroring
// ProcessInfoFile's two-line format: PID on line one, JSON info on line
// two.
type File struct {
	path string
	pid  int
	info Info
}

// Acquire creates path exclusively, recording this process's PID and
// info. Fails if the file already exists — callers should inspect an
// existing file with Inspect before deciding whether the holder is
// still alive.
func Acquire(path string, info Info) (*File, error) {
	pid := os.Getpid()
	f := &File{path: path, pid: pid, info: info}
	if err := f.writeExclusive(); err != nil {
		return nil, fmt.Errorf("lockfile: acquire %s: %w", path, err)
	}
	return f, nil
}

func (f *File) writeExclusive() error {
	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("lock file already exists")
		}
		return err
	}
	defer fh.Close()
	return writeContent(fh, f.pid, f.info)
}

func writeContent(fh *os.File, pid int, info Info) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(fh, "%d\n%s\n", pid, data)
	return err
}

// Release removes the lock file. Only the process that Acquired it
// should call this.
func (f *File) Release() error {
	return os.Remove(f.path)
}

// Update rewrites the stored info (e.g. after the endpoint changes),
// keeping the same PID line.
func (f *File) Update(info Info) error {
	fh, err := os.OpenFile(f.path, os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer fh.Close()
	f.info = info
	return writeContent(fh, f.pid, info)
}

// Inspect reads an existing lock file at path without acquiring it,
// returning the recorded PID and Info. Returns an error if the file
// does not exist or is malformed.
func Inspect(path string) (pid int, info Info, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, Info{}, fmt.Errorf("lockfile: inspect %s: %w", path, err)
	}
	lines := strings.SplitN(string(raw), "\n", 2)
	if len(lines) < 2 {
		return 0, Info{}, fmt.Errorf("lockfile: malformed content in %s", path)
	}
	pid, err = strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, Info{}, fmt.Errorf("lockfile: malformed pid in %s: %w", path, err)
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &info); err != nil {
		return 0, Info{}, fmt.Errorf("lockfile: malformed info in %s: %w", path, err)
	}
	return pid, info, nil
}

// DefaultPath is the conventional lock file location, mirroring
// troup/process.py's /tmp-based single-node advertisement file.
func DefaultPath(product, nodeName string) string {
	return fmt.Sprintf("/tmp/%s.%s.node.lock", product, nodeName)
}

// LogLine formats a human-readable, timestamped status line for
// startup/shutdown logging around lock acquisition, using
// ncruces/go-strftime for the timestamp rather than a hand-rolled
// time.Format layout string.
func LogLine(action string, info Info) string {
	ts, err := strftime.Format("%Y-%m-%d %H:%M:%S", time.Now())
	if err != nil {
		ts = time.Now().Format(time.RFC3339)
	}
	return fmt.Sprintf("[%s] %s node=%s endpoint=%s", ts, action, info.Name, info.Endpoint)
}
