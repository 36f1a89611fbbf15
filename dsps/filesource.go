package dsps

import (
	"bytes"
	"os"
	"path/filepath"
)

// FileSource is a ByteSource over a regular file.
type FileSource struct {
	Path string
	f    *os.File
}

func (s *FileSource) Open() error {
	f, err := os.Open(s.Path)
	if err != nil {
		return err
	}
	s.f = f
	return nil
}

func (s *FileSource) Read(p []byte) (int, error) { return s.f.Read(p) }

func (s *FileSource) Length() (int64, error) {
	info, err := os.Stat(s.Path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *FileSource) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// FileSink is a ByteSink creating a regular file under Dir. The name is
// flattened with filepath.Base so a peer-supplied header name can never
// escape the directory.
type FileSink struct {
	Dir  string
	Name string
	f    *os.File
}

func (s *FileSink) Open() error {
	f, err := os.Create(filepath.Join(s.Dir, filepath.Base(s.Name)))
	if err != nil {
		return err
	}
	s.f = f
	return nil
}

func (s *FileSink) Write(p []byte) (int, error) { return s.f.Write(p) }

func (s *FileSink) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// MemorySource is a ByteSource over an in-memory byte slice, for tests
// and hosts that already hold the payload.
type MemorySource struct {
	Data []byte
	r    *bytes.Reader
}

func (s *MemorySource) Open() error {
	s.r = bytes.NewReader(s.Data)
	return nil
}

func (s *MemorySource) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *MemorySource) Length() (int64, error)      { return int64(len(s.Data)), nil }
func (s *MemorySource) Close() error                { return nil }

// MemorySink is a ByteSink accumulating into memory.
type MemorySink struct {
	buf bytes.Buffer
}

func (s *MemorySink) Open() error                 { return nil }
func (s *MemorySink) Write(p []byte) (int, error) { return s.buf.Write(p) }
func (s *MemorySink) Close() error                { return nil }

// Bytes returns everything written so far.
func (s *MemorySink) Bytes() []byte { return s.buf.Bytes() }
