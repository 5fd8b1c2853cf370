// Package fileops reads and writes files on behalf of the agent. Every call
// is gated by a file_read or file_write grant; relative paths resolve
// against the project root.
package fileops

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mfateev/gatekeeper/internal/fault"
	"github.com/mfateev/gatekeeper/internal/permission"
)

// DefaultMaxReadBytes caps whole-file reads.
const DefaultMaxReadBytes = 1 << 20

// maxLineLength truncates very long lines in line-sliced reads.
const maxLineLength = 2000

// Authorizer grants or denies file requests. *permission.Engine implements it.
type Authorizer interface {
	Evaluate(ctx context.Context, req permission.Request) (permission.Grant, error)
}

// Options configures a Service.
type Options struct {
	Root         string
	Authorizer   Authorizer
	MaxReadBytes int64
	Logger       *zap.Logger
}

// ReadRequest reads a file, optionally a window of lines.
type ReadRequest struct {
	Path string `json:"path"`
	// Offset skips that many lines; Limit caps the lines returned. Both
	// zero reads the raw file up to the byte cap.
	Offset int `json:"offset,omitempty"`
	Limit  int `json:"limit,omitempty"`
	// SystemWide asks for access outside the project root.
	SystemWide    bool   `json:"system_wide,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ReadResult is the outcome of a read.
type ReadResult struct {
	Path          string `json:"path"`
	Content       string `json:"content"`
	Size          int64  `json:"size"`
	Lines         int    `json:"lines,omitempty"`
	Truncated     bool   `json:"truncated,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

// WriteRequest writes or appends to a file.
type WriteRequest struct {
	Path          string `json:"path"`
	Content       string `json:"content"`
	Append        bool   `json:"append,omitempty"`
	CreateDirs    bool   `json:"create_dirs,omitempty"`
	SystemWide    bool   `json:"system_wide,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// WriteResult is the outcome of a write.
type WriteResult struct {
	Path          string `json:"path"`
	BytesWritten  int    `json:"bytes_written"`
	Created       bool   `json:"created"`
	CorrelationID string `json:"correlation_id"`
}

// Stats counts file operations.
type Stats struct {
	Reads        int64 `json:"reads"`
	Writes       int64 `json:"writes"`
	Denied       int64 `json:"denied"`
	Failed       int64 `json:"failed"`
	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`
}

// Service performs grant-checked file access.
type Service struct {
	root     string
	auth     Authorizer
	maxBytes int64
	logger   *zap.Logger

	reads, writes, denied, failed atomic.Int64
	bytesRead, bytesWritten       atomic.Int64
}

// New creates a Service rooted at opts.Root.
func New(opts Options) (*Service, error) {
	if opts.Authorizer == nil {
		return nil, fault.New(fault.Validation, "", "file service requires an authorizer")
	}
	root := opts.Root
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, "", err, "resolve project root")
	}
	maxBytes := opts.MaxReadBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxReadBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{root: abs, auth: opts.Authorizer, maxBytes: maxBytes, logger: logger.Named("files")}, nil
}

// Root returns the absolute project root.
func (s *Service) Root() string {
	return s.root
}

func (s *Service) resolve(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(s.root, p)
}

func (s *Service) authorize(ctx context.Context, typ permission.Type, path string, systemWide bool, cid string) (string, error) {
	scope := permission.ProjectOnly
	if systemWide {
		scope = permission.SystemWide
	}
	grant, err := s.auth.Evaluate(ctx, permission.Request{
		Type:          typ,
		Scope:         scope,
		Target:        path,
		Description:   string(typ) + " " + path,
		CorrelationID: cid,
	})
	if err != nil {
		return cid, err
	}
	if !grant.Granted() {
		s.denied.Add(1)
		s.logger.Info("File access denied",
			zap.String("type", string(typ)),
			zap.String("path", path),
			zap.String("reason", grant.Reason),
			zap.String("correlation_id", grant.CorrelationID))
		return grant.CorrelationID, grant.DeniedError()
	}
	return grant.CorrelationID, nil
}

// Read returns a file's contents once file_read is granted.
func (s *Service) Read(ctx context.Context, req ReadRequest) (ReadResult, error) {
	if req.Path == "" {
		return ReadResult{}, fault.New(fault.Validation, req.CorrelationID, "path cannot be empty")
	}
	if req.Offset < 0 || req.Limit < 0 {
		return ReadResult{}, fault.New(fault.Validation, req.CorrelationID, "offset and limit must not be negative")
	}
	path := s.resolve(req.Path)
	cid, err := s.authorize(ctx, permission.FileRead, path, req.SystemWide, req.CorrelationID)
	if err != nil {
		return ReadResult{}, err
	}

	res, err := s.read(path, req)
	if err != nil {
		s.failed.Add(1)
		return ReadResult{}, fault.Wrap(fault.Internal, cid, err, "read "+path)
	}
	res.CorrelationID = cid
	s.reads.Add(1)
	s.bytesRead.Add(int64(len(res.Content)))
	return res, nil
}

func (s *Service) read(path string, req ReadRequest) (ReadResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return ReadResult{}, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return ReadResult{}, err
	}
	if info.IsDir() {
		return ReadResult{}, fmt.Errorf("%s is a directory", path)
	}
	res := ReadResult{Path: path, Size: info.Size()}

	if req.Offset == 0 && req.Limit == 0 {
		data, err := io.ReadAll(io.LimitReader(file, s.maxBytes+1))
		if err != nil {
			return ReadResult{}, err
		}
		if int64(len(data)) > s.maxBytes {
			data = data[:s.maxBytes]
			res.Truncated = true
		}
		res.Content = string(data)
		return res, nil
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), int(s.maxBytes))
	var sb strings.Builder
	lineNum := 0
	for lineNum < req.Offset && scanner.Scan() {
		lineNum++
	}
	for scanner.Scan() {
		if req.Limit > 0 && res.Lines >= req.Limit {
			res.Truncated = true
			break
		}
		line := scanner.Text()
		if len(line) > maxLineLength {
			line = line[:maxLineLength] + "... (truncated)"
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
		res.Lines++
	}
	if err := scanner.Err(); err != nil {
		return ReadResult{}, err
	}
	res.Content = sb.String()
	return res, nil
}

// Write replaces or appends to a file once file_write is granted.
// Replacement goes through a temp file and rename in the same directory.
func (s *Service) Write(ctx context.Context, req WriteRequest) (WriteResult, error) {
	if req.Path == "" {
		return WriteResult{}, fault.New(fault.Validation, req.CorrelationID, "path cannot be empty")
	}
	path := s.resolve(req.Path)
	cid, err := s.authorize(ctx, permission.FileWrite, path, req.SystemWide, req.CorrelationID)
	if err != nil {
		return WriteResult{}, err
	}

	created, err := s.write(path, req)
	if err != nil {
		s.failed.Add(1)
		return WriteResult{}, fault.Wrap(fault.Internal, cid, err, "write "+path)
	}
	s.writes.Add(1)
	s.bytesWritten.Add(int64(len(req.Content)))
	s.logger.Debug("File written",
		zap.String("path", path),
		zap.Int("bytes", len(req.Content)),
		zap.String("correlation_id", cid))
	return WriteResult{Path: path, BytesWritten: len(req.Content), Created: created, CorrelationID: cid}, nil
}

func (s *Service) write(path string, req WriteRequest) (bool, error) {
	dir := filepath.Dir(path)
	if req.CreateDirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, err
		}
	}

	mode := fs.FileMode(0o644)
	created := false
	info, err := os.Stat(path)
	switch {
	case err == nil:
		if info.IsDir() {
			return false, fmt.Errorf("%s is a directory", path)
		}
		mode = info.Mode().Perm()
	case errors.Is(err, fs.ErrNotExist):
		created = true
	default:
		return false, err
	}

	if req.Append {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, mode)
		if err != nil {
			return false, err
		}
		if _, err := f.WriteString(req.Content); err != nil {
			f.Close()
			return false, err
		}
		return created, f.Close()
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return false, err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(req.Content); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}
	return created, os.Rename(tmpName, path)
}

// Stats returns operation counters.
func (s *Service) Stats() Stats {
	return Stats{
		Reads:        s.reads.Load(),
		Writes:       s.writes.Load(),
		Denied:       s.denied.Load(),
		Failed:       s.failed.Load(),
		BytesRead:    s.bytesRead.Load(),
		BytesWritten: s.bytesWritten.Load(),
	}
}

// Probe checks that the project root is still a reachable directory.
func (s *Service) Probe() error {
	info, err := os.Stat(s.root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("project root %s is not a directory", s.root)
	}
	return nil
}
