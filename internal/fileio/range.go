// SPDX-License-Identifier: MIT

package fileio

import (
	"errors"
	"strconv"
	"strings"
)

// errUnsatisfiable triggers a 416 with "Content-Range: bytes */<size>".
var errUnsatisfiable = errors.New("unsatisfiable range")

type byteRange struct {
	start int64
	end   int64 // inclusive
}

func (r byteRange) length() int64 {
	return r.end - r.start + 1
}

// parseRange parses a single range spec of the forms "bytes=START-END",
// "bytes=START-" and "bytes=-SUFFIX". Multi-range specs are rejected and the
// end offset is clamped to size-1.
func parseRange(spec string, size int64) (*byteRange, error) {
	spec = strings.TrimSpace(spec)
	const prefix = "bytes="
	if !strings.HasPrefix(spec, prefix) {
		return nil, errUnsatisfiable
	}
	spec = spec[len(prefix):]
	if strings.Contains(spec, ",") {
		return nil, errUnsatisfiable
	}
	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return nil, errUnsatisfiable
	}
	startStr, endStr := strings.TrimSpace(spec[:dash]), strings.TrimSpace(spec[dash+1:])

	if startStr == "" {
		// Suffix form: last N bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return nil, errUnsatisfiable
		}
		if n > size {
			n = size
		}
		if size == 0 {
			return nil, errUnsatisfiable
		}
		return &byteRange{start: size - n, end: size - 1}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= size {
		return nil, errUnsatisfiable
	}
	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return nil, errUnsatisfiable
		}
		if end > size-1 {
			end = size - 1
		}
	}
	return &byteRange{start: start, end: end}, nil
}
