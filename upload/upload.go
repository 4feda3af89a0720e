// Package upload sends batches of files to the ingestion endpoint.
// Each file succeeds or fails on its own; files with unsupported
// extensions are collected into one notice and never sent.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	. "github.com/stevegt/goadapt"
	"github.com/stevegt/ragchat/util"
	"golang.org/x/sync/errgroup"
)

// Stage is the ingestion stage a file is staged into.
type Stage string

const (
	Unstructured Stage = "UNSTRUCTURED_UPLOAD"
	Structured   Stage = "STRUCTURED_UPLOAD"
)

var stages = map[string]Stage{
	"pdf":  Unstructured,
	"csv":  Structured,
	"xlsx": Structured,
	"xls":  Structured,
}

// StageFor returns the stage for a file name.  ok is false for
// unsupported extensions.  Matching ignores case.
func StageFor(name string) (stage Stage, ok bool) {
	stage, ok = stages[util.Ext(name)]
	return
}

// Extensions returns the accepted extensions, sorted.
func Extensions() (exts []string) {
	for ext := range stages {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return
}

// Supported returns true if name has an accepted extension.
func Supported(name string) bool {
	_, ok := StageFor(name)
	return ok
}

// UnsupportedFileTypeError lists files skipped for their extension.
// It is a notice, not a failure.
type UnsupportedFileTypeError struct {
	Names []string
}

func (e *UnsupportedFileTypeError) Error() string {
	return fmt.Sprintf("ignored unsupported files: %s", strings.Join(e.Names, ", "))
}

// UploadError is the failure of one file.
type UploadError struct {
	Name string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload of %s failed: %v", e.Name, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// File is one file to upload.  Open is called once, when the upload
// starts.
type File struct {
	Name string
	Open func() (io.ReadCloser, error)
}

// FileFromPath returns a File reading from path.
func FileFromPath(path string) File {
	return File{
		Name: filepath.Base(path),
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}
}

// FileFromBytes returns a File with in-memory content.
func FileFromBytes(name string, data []byte) File {
	return File{
		Name: name,
		Open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil },
	}
}

// Uploader sends one file.
type Uploader interface {
	Upload(ctx context.Context, f File) error
}

// Status is the state of one file in a batch.
type Status string

const (
	Uploading Status = "uploading"
	Done      Status = "done"
	Failed    Status = "failed"
)

// Outcome reports the state of one file.  Err is an *UploadError
// when Status is Failed.
type Outcome struct {
	Name   string
	Status Status
	Err    error
}

// Report is the result of a batch.  Outcomes has one final entry per
// accepted file, in input order.  Ignored is nil if every file was
// accepted.
type Report struct {
	Outcomes []Outcome
	Ignored  *UnsupportedFileTypeError
}

// Failed returns the outcomes that failed.
func (r Report) Failed() (failed []Outcome) {
	for _, o := range r.Outcomes {
		if o.Status == Failed {
			failed = append(failed, o)
		}
	}
	return
}

// Classify splits files into accepted ones and the names of ignored
// ones.
func Classify(files []File) (accepted []File, ignored []string) {
	for _, f := range files {
		if Supported(f.Name) {
			accepted = append(accepted, f)
		} else {
			ignored = append(ignored, f.Name)
		}
	}
	return
}

// Batch uploads files concurrently.
type Batch struct {
	Uploader Uploader
	// Workers limits concurrent uploads; zero means one per file.
	Workers int
	// OnProgress, if set, is called as each file starts and ends.
	// It may be called from several goroutines at once.
	OnProgress func(Outcome)
}

// Run uploads the accepted files and waits for all of them.  A
// failure never stops the other files.
func (b *Batch) Run(ctx context.Context, files []File) (r Report) {
	accepted, ignored := Classify(files)
	if len(ignored) > 0 {
		r.Ignored = &UnsupportedFileTypeError{Names: ignored}
		Debug("upload: %v", r.Ignored)
	}
	r.Outcomes = make([]Outcome, len(accepted))

	var g errgroup.Group
	if b.Workers > 0 {
		g.SetLimit(b.Workers)
	}
	var mu sync.Mutex
	for i, f := range accepted {
		g.Go(func() error {
			b.progress(Outcome{Name: f.Name, Status: Uploading})
			out := Outcome{Name: f.Name, Status: Done}
			err := b.Uploader.Upload(ctx, f)
			if err != nil {
				out.Status = Failed
				out.Err = &UploadError{Name: f.Name, Err: err}
			}
			mu.Lock()
			r.Outcomes[i] = out
			mu.Unlock()
			b.progress(out)
			return nil
		})
	}
	g.Wait()
	return
}

func (b *Batch) progress(o Outcome) {
	if b.OnProgress != nil {
		b.OnProgress(o)
	}
}
