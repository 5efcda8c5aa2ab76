package corpus

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
)

// File is an open, decompressing corpus file.
type File struct {
	path   string
	file   *os.File
	gz     *gzip.Reader
	reader *bufio.Reader
	line   int
}

// Open opens path and prepares a gzip stream over it. A missing file or an
// invalid gzip header is reported immediately.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("decompress %s: %w", path, err)
	}
	return &File{
		path:   path,
		file:   f,
		gz:     gz,
		reader: bufio.NewReaderSize(gz, 256*1024),
	}, nil
}

// Path returns the file path.
func (f *File) Path() string { return f.path }

// Line returns the 1-based number of the line most recently returned by Next.
func (f *File) Line() int { return f.line }

// Next returns the next non-blank line without its terminator. It returns
// io.EOF at the end of the stream. Any other error means the compressed
// stream is damaged and the rest of the file cannot be read.
func (f *File) Next() ([]byte, error) {
	for {
		line, err := f.reader.ReadBytes('\n')
		if len(line) > 0 {
			f.line++
			trimmed := bytes.TrimSpace(line)
			if len(trimmed) > 0 {
				return trimmed, nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read %s: %w", f.path, err)
		}
	}
}

// Close releases the decompressor and the underlying file.
func (f *File) Close() error {
	gzErr := f.gz.Close()
	fileErr := f.file.Close()
	if gzErr != nil {
		return gzErr
	}
	return fileErr
}
