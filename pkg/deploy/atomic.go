package deploy

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/user"
	"strconv"
	"strings"

	"github.com/certfleet/certfleet/pkg/util"
)

// ErrVerifyMismatch reports that a destination file's content hash did not
// match the content that was supposed to be written.
var ErrVerifyMismatch = errors.New("post-write verification mismatch")

// Writer writes files such that a reader never observes a partially written
// file: full content goes to a temp file in the destination directory, then
// a rename makes it visible in one step.
type Writer struct {
	logger *slog.Logger
}

func NewWriter(logger *slog.Logger) *Writer {
	return &Writer{logger: logger}
}

// tempPath builds a same-directory sibling name unlikely to collide across
// processes. Same directory means same filesystem, which is what makes the
// rename atomic.
func tempPath(dst string) string {
	return fmt.Sprintf("%s.tmp.%d", dst, os.Getpid())
}

// Write atomically replaces dst with content at the given mode. When verify
// is set the destination is re-read afterwards and its hash compared against
// the intended content; a mismatch returns ErrVerifyMismatch. No temp file
// survives either outcome.
func (w *Writer) Write(dst string, content []byte, mode fs.FileMode, verify bool) error {
	if mode == 0 {
		mode = 0o600
	}
	tmp := tempPath(dst)

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing temp file: %w", err)
	}
	// Umask may have stripped bits at creation; the mode on the target is
	// part of the contract.
	if err := os.Chmod(tmp, mode); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("setting mode: %w", err)
	}

	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming into place: %w", err)
	}

	if verify {
		got, err := util.HashFile(dst)
		if err != nil {
			return fmt.Errorf("re-reading for verification: %w", err)
		}
		if got != util.HashContent(content) {
			return fmt.Errorf("%w: %s", ErrVerifyMismatch, dst)
		}
	}
	return nil
}

// SetOwner applies a "user:group" spec to path. It only attempts the change
// when the process is privileged; failures are reported to the caller, who
// logs them — ownership is independent of the content guarantee and never
// fails a deploy.
func (w *Writer) SetOwner(path, owner string) error {
	if owner == "" {
		return nil
	}
	if os.Geteuid() != 0 {
		w.logger.With("path", path, "owner", owner).Debug("not privileged, skipping ownership change")
		return nil
	}
	uid, gid, err := resolveOwner(owner)
	if err != nil {
		return err
	}
	if err := os.Chown(path, uid, gid); err != nil {
		return fmt.Errorf("chown %s: %w", path, err)
	}
	return nil
}

func resolveOwner(owner string) (int, int, error) {
	userName, groupName, _ := strings.Cut(owner, ":")

	u, err := user.Lookup(userName)
	if err != nil {
		return 0, 0, fmt.Errorf("looking up user %q: %w", userName, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, err
	}

	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, err
	}
	if groupName != "" {
		g, err := user.LookupGroup(groupName)
		if err != nil {
			return 0, 0, fmt.Errorf("looking up group %q: %w", groupName, err)
		}
		gid, err = strconv.Atoi(g.Gid)
		if err != nil {
			return 0, 0, err
		}
	}
	return uid, gid, nil
}
