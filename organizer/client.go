// Package organizer plans and executes the copy of finished downloads into
// the library layout. Downloads are copied, never moved: a torrent keeps
// seeding from its save path until the cleanup engine reclaims it, and a
// second request sharing the same handle can still organize. Planning is
// separated from execution so a plan can be inspected, logged, and
// partially retried.
package organizer

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
)

var logger = log.With().Str("component", "organizer").Logger()

const (
	// ActionCopy indicates that the file should be copied into the library.
	ActionCopy = "copy"
	// ActionSkip indicates that the file should be skipped.
	ActionSkip = "skip"
)

// PlanAction defines a single action to be taken on a file.
type PlanAction struct {
	File   string `json:"file"`
	Action string `json:"action"`
	Target string `json:"target,omitempty"`
}

// FailedCopy is a PlanAction that failed during execution. Err keeps the
// underlying error so callers can classify it; Reason is its rendering.
type FailedCopy struct {
	PlanAction
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// Metadata names the work a download directory belongs to.
type Metadata struct {
	Title  string
	Author string
}

var mediaExtensions = map[string]bool{
	".m4b":  true,
	".m4a":  true,
	".mp3":  true,
	".flac": true,
	".ogg":  true,
	".epub": true,
	".azw3": true,
	".mobi": true,
	".pdf":  true,
}

type Organizer struct {
	libraryRoot string
}

func New(libraryRoot string) *Organizer {
	return &Organizer{libraryRoot: libraryRoot}
}

// Plan walks the download path and maps every media file into
// <root>/<author>/<title>/. Non-media files get a skip action so the plan
// records the full directory contents.
func (o *Organizer) Plan(downloadPath string, meta Metadata) ([]PlanAction, error) {
	author := sanitizeComponent(meta.Author)
	if author == "" {
		author = "Unknown Author"
	}
	title := sanitizeComponent(meta.Title)
	if title == "" {
		return nil, fmt.Errorf("plan %s: empty title", downloadPath)
	}
	targetDir := filepath.Join(o.libraryRoot, author, title)

	info, err := os.Stat(downloadPath)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", downloadPath, err)
	}

	var plan []PlanAction
	addFile := func(path string) {
		action := PlanAction{File: path, Action: ActionSkip}
		if mediaExtensions[strings.ToLower(filepath.Ext(path))] {
			action.Action = ActionCopy
			action.Target = filepath.Join(targetDir, filepath.Base(path))
		}
		plan = append(plan, action)
	}

	if !info.IsDir() {
		addFile(downloadPath)
		return plan, nil
	}

	err = filepath.WalkDir(downloadPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			addFile(path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", downloadPath, err)
	}

	copies := 0
	for _, a := range plan {
		if a.Action == ActionCopy {
			copies++
		}
	}
	if copies == 0 {
		return nil, fmt.Errorf("plan %s: no media files found", downloadPath)
	}
	return plan, nil
}

// Execute performs the copy actions. Every failure is collected so one bad
// file does not hide the rest; skip actions are ignored.
func (o *Organizer) Execute(plan []PlanAction) []FailedCopy {
	var failed []FailedCopy
	for _, action := range plan {
		if action.Action != ActionCopy {
			continue
		}
		if err := copyFile(action.File, action.Target); err != nil {
			logger.Error().Err(err).Str("file", action.File).Str("target", action.Target).Msg("copy failed")
			failed = append(failed, FailedCopy{PlanAction: action, Reason: err.Error(), Err: err})
			continue
		}
		logger.Info().Str("file", action.File).Str("target", action.Target).Msg("copied")
	}
	return failed
}

// Organize plans and executes in one step, copying a download into the
// library. A partial failure reports the first failed file.
func (o *Organizer) Organize(downloadPath string, meta Metadata) error {
	plan, err := o.Plan(downloadPath, meta)
	if err != nil {
		return err
	}
	if failed := o.Execute(plan); len(failed) > 0 {
		return fmt.Errorf("organize %s: %d of %d copies failed, first %s: %w",
			downloadPath, len(failed), len(plan), failed[0].File, failed[0].Err)
	}
	return nil
}

// copyFile leaves src in place: the download client still owns it and keeps
// seeding from it until the cleanup engine deletes the handle.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// IsRetryable classifies filesystem errors from an organize attempt.
// Permission races and busy files clear up on their own; a missing source
// never will.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false
	}
	if errors.Is(err, fs.ErrPermission) {
		return true
	}
	for _, errno := range []syscall.Errno{syscall.EBUSY, syscall.EAGAIN, syscall.ETXTBSY, syscall.EINTR} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

func sanitizeComponent(s string) string {
	s = strings.TrimSpace(s)
	replacer := strings.NewReplacer("/", "-", "\\", "-", ":", " -", "\x00", "")
	s = replacer.Replace(s)
	return strings.Trim(s, ". ")
}
