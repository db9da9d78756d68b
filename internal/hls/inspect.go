// SPDX-License-Identifier: MIT

package hls

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// playlistInfo summarizes a media playlist: segment count, summed EXTINF
// durations and whether the playlist is bounded by an ENDLIST marker.
type playlistInfo struct {
	Segments      int
	TotalDuration float64
	LastDuration  float64
	Ended         bool
}

// inspectPlaylist parses a playlist body into its summary. A cached
// index.m3u8 is only replayed when the parse succeeds and the playlist is
// bounded, so a torn or truncated file falls through to a fresh synthesis
// instead of being served to players.
func inspectPlaylist(body string) (*playlistInfo, error) {
	scanner := bufio.NewScanner(strings.NewReader(body))
	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != "#EXTM3U" {
		return nil, fmt.Errorf("missing #EXTM3U header")
	}

	info := &playlistInfo{}
	var (
		pending     float64
		havePending bool
	)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "#EXT-X-ENDLIST":
			info.Ended = true
		case strings.HasPrefix(line, "#EXTINF:"):
			raw := strings.TrimPrefix(line, "#EXTINF:")
			if i := strings.Index(raw, ","); i != -1 {
				raw = raw[:i]
			}
			d, err := strconv.ParseFloat(raw, 64)
			if err != nil || d < 0 {
				return nil, fmt.Errorf("invalid EXTINF duration %q", raw)
			}
			pending, havePending = d, true
		case strings.HasPrefix(line, "#"):
			// Other tags carry no timeline information here.
		default:
			if !havePending {
				return nil, fmt.Errorf("segment %q without a preceding EXTINF", line)
			}
			info.Segments++
			info.TotalDuration += pending
			info.LastDuration = pending
			pending, havePending = 0, false
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return info, nil
}
