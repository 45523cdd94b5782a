// Copyright 2018 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package chunkedfile provides utilities for testing that errors in
// Form text are reported at the appropriate lines.
//
// A chunked file consists of several chunks of Form text separated by
// "---" lines. Each chunk is parsed and checked on its own. Lines
// containing "###" are expectations of failure: the following text is
// a Go string literal denoting a regular expression that should match
// the failure message reported for that line. A chunk whose first line
// is a "#" comment takes that comment as its title.
//
// Example:
//
//	# forward reference
//	form bad(a0:L) {
//		t1:L = Strings.upper(t2) ### "undefined name t2"
//		t2:L = Strings.upper(a0)
//		return t1
//	}
//	---
//	form good(a0:L) {
//		return a0
//	}
//
// A client test parses each chunk, then calls chunk.GotError for each
// error that actually occurred. Any discrepancy between the actual and
// expected errors is reported using the client's reporter, which is
// typically a testing.T.
package chunkedfile // import "go.callform.net/internal/chunkedfile"

import (
	"fmt"
	"os"
	"regexp"
	"runtime"
	"strconv"
	"strings"
)

const debug = false

// A Chunk is a portion of a chunked file.
// It contains a set of expected errors.
type Chunk struct {
	Source   string // padded with newlines so that line numbers match the file
	Title    string // text of a leading comment line, if any
	filename string
	report   Reporter
	wantErrs map[int]*regexp.Regexp
}

// Reporter is implemented by *testing.T.
type Reporter interface {
	Errorf(format string, args ...interface{})
}

// Read parses a chunked file and returns its chunks.
// It reports failures using the reporter.
//
// Error messages of the form "file.form:line: ..." are prefixed
// by a newline so that the Go source position added by (*testing.T).Errorf
// appears on a separate line.
func Read(filename string, report Reporter) []Chunk {
	data, err := os.ReadFile(filename)
	if err != nil {
		report.Errorf("%s", err)
		return nil
	}
	eol := "\n"
	if runtime.GOOS == "windows" {
		eol = "\r\n"
	}
	return readBytes(filename, data, report, eol)
}

func readBytes(filename string, data []byte, report Reporter, eol string) (chunks []Chunk) {
	linenum := 1
	for i, text := range strings.Split(string(data), eol+"---"+eol) {
		if debug {
			fmt.Printf("chunk %d at line %d: %s\n", i, linenum, text)
		}
		chunk := Chunk{
			Source:   strings.Repeat("\n", linenum-1) + text,
			filename: filename,
			report:   report,
			wantErrs: make(map[int]*regexp.Regexp),
		}
		lines := strings.Split(text, "\n")
		if first := strings.TrimSpace(lines[0]); strings.HasPrefix(first, "#") && !strings.HasPrefix(first, "###") {
			chunk.Title = strings.TrimSpace(strings.TrimPrefix(first, "#"))
		}

		// Parse expectations of the form:
		// ### "expected error".
		for j := 0; j < len(lines); j, linenum = j+1, linenum+1 {
			line := lines[j]
			hashes := strings.Index(line, "###")
			if hashes < 0 {
				continue
			}
			rest := strings.TrimSpace(line[hashes+len("###"):])
			pattern, err := strconv.Unquote(rest)
			if err != nil {
				report.Errorf("\n%s:%d: not a quoted regexp: %s", filename, linenum, rest)
				continue
			}
			rx, err := regexp.Compile(pattern)
			if err != nil {
				report.Errorf("\n%s:%d: %v", filename, linenum, err)
				continue
			}
			chunk.wantErrs[linenum] = rx
		}
		linenum++ // the separator

		chunks = append(chunks, chunk)
	}
	return chunks
}

// GotError should be called by the client to report an error at a particular line.
// GotError reports unexpected errors to the chunk's reporter.
func (chunk *Chunk) GotError(linenum int, msg string) {
	if rx, ok := chunk.wantErrs[linenum]; ok {
		delete(chunk.wantErrs, linenum)
		if !rx.MatchString(msg) {
			chunk.report.Errorf("\n%s:%d: error %q does not match pattern %q", chunk.filename, linenum, msg, rx)
		}
	} else {
		chunk.report.Errorf("\n%s:%d: unexpected error: %v", chunk.filename, linenum, msg)
	}
}

// Done should be called by the client to indicate that the chunk has no more errors.
// Done reports expected errors that did not occur to the chunk's reporter.
func (chunk *Chunk) Done() {
	for linenum, rx := range chunk.wantErrs {
		chunk.report.Errorf("\n%s:%d: expected error matching %q", chunk.filename, linenum, rx)
	}
}
