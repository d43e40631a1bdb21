package io

/*
ctissuers — active certificate issuer reports from Certificate Transparency search
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	goio "io"
	"os"
	"path/filepath"

	"github.com/zeebo/xxh3"
)

const (
	// DefaultBufferSize is the default buffer size for the report file.
	DefaultBufferSize = 64 * 1024

	// TempSuffix is appended to the destination while the report is being written.
	TempSuffix = ".tmp"
)

var (
	// ErrWriterClosed is returned when writing to a closed ReportWriter.
	ErrWriterClosed = errors.New("report writer closed")
)

// countingWriter tracks bytes handed to the underlying writer.
type countingWriter struct {
	w goio.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// ReportWriter writes a CSV report to <path>.tmp and renames it to path on Close,
// so a reader never observes a half-written report.
type ReportWriter struct {
	file      *os.File
	bufWriter *bufio.Writer
	csvWriter *csv.Writer
	digest    *xxh3.Hasher
	counter   *countingWriter

	filePath  string // temp path being written
	finalPath string

	rows   int
	closed bool
}

// ReportSummary describes a finalised report.
type ReportSummary struct {
	Path         string
	Rows         int
	BytesWritten int64
	Digest       string // xxh3 of the file contents, hex
}

// NewReportWriter creates the temp file for path and writes header as the first row.
// Rows are terminated with CRLF.
func NewReportWriter(path string, header []string, bufferSize int) (*ReportWriter, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	tmpPath := path + TempSuffix
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", tmpPath, err)
	}

	rw := &ReportWriter{
		file:      file,
		digest:    xxh3.New(),
		filePath:  tmpPath,
		finalPath: path,
	}
	rw.bufWriter = bufio.NewWriterSize(file, bufferSize)
	rw.counter = &countingWriter{w: goio.MultiWriter(rw.bufWriter, rw.digest)}
	rw.csvWriter = csv.NewWriter(rw.counter)
	rw.csvWriter.UseCRLF = true

	if err := rw.csvWriter.Write(header); err != nil {
		rw.Abort()
		return nil, fmt.Errorf("failed to write header to %s: %w", tmpPath, err)
	}
	return rw, nil
}

// WriteRow appends a single record. Fields are quoted according to standard CSV rules.
func (rw *ReportWriter) WriteRow(fields []string) error {
	if rw.closed {
		return ErrWriterClosed
	}
	if err := rw.csvWriter.Write(fields); err != nil {
		return fmt.Errorf("failed to write row to %s: %w", rw.filePath, err)
	}
	rw.rows++
	return nil
}

// Rows returns the number of data rows written so far (header excluded).
func (rw *ReportWriter) Rows() int {
	return rw.rows
}

// Close flushes, syncs and renames the temp file into place.
// On any failure the temp file is removed and the destination is left untouched.
func (rw *ReportWriter) Close() (*ReportSummary, error) {
	if rw.closed {
		return nil, ErrWriterClosed
	}
	rw.closed = true

	rw.csvWriter.Flush()
	if err := rw.csvWriter.Error(); err != nil {
		rw.discard()
		return nil, fmt.Errorf("failed to flush csv writer: %w", err)
	}
	if err := rw.bufWriter.Flush(); err != nil {
		rw.discard()
		return nil, fmt.Errorf("failed to flush buffer on close: %w", err)
	}
	if err := rw.file.Sync(); err != nil {
		rw.discard()
		return nil, fmt.Errorf("failed to sync %s: %w", rw.filePath, err)
	}
	if err := rw.file.Close(); err != nil {
		os.Remove(rw.filePath)
		return nil, fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(rw.filePath, rw.finalPath); err != nil {
		os.Remove(rw.filePath)
		return nil, fmt.Errorf("failed to rename %s to %s: %w", rw.filePath, rw.finalPath, err)
	}

	return &ReportSummary{
		Path:         rw.finalPath,
		Rows:         rw.rows,
		BytesWritten: rw.counter.n,
		Digest:       fmt.Sprintf("%016x", rw.digest.Sum64()),
	}, nil
}

// Abort closes and removes the temp file without touching the destination.
func (rw *ReportWriter) Abort() {
	if rw.closed {
		return
	}
	rw.closed = true
	rw.discard()
}

func (rw *ReportWriter) discard() {
	rw.file.Close()
	os.Remove(rw.filePath)
}
