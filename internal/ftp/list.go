// SPDX-License-Identifier: MIT

package ftp

import (
	"fmt"
	"net"
	"os"
	"path"
	"sort"
	"time"

	"github.com/gamelist1990/FileShare/internal/settings"
)

type listFormat int

const (
	listLong listFormat = iota
	listMachine
	listNames
)

func (s *session) handleList(arg string, format listFormat) {
	// Some clients pass ls-style flags; ignore them.
	if len(arg) > 0 && arg[0] == '-' {
		arg = ""
	}
	rel := s.resolveRel(arg)
	if rel != "" && !s.accessible(rel) {
		s.reply(550, "Directory not available")
		return
	}
	abs, err := s.engine.guard.Resolve(rel)
	if err != nil {
		s.reply(550, "Directory not available")
		return
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		s.reply(550, "Directory not available")
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	s.reply(150, "Opening data connection")
	err = s.withDataConn(func(conn net.Conn) error {
		for _, entry := range entries {
			name := entry.Name()
			if name == settings.StateDirName {
				continue
			}
			if s.engine.blocks.Blocked(path.Join(rel, name)) {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(conn, "%s\r\n", formatEntry(name, info, format)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.reply(426, "Transfer failed")
		return
	}
	s.reply(226, "Transfer complete")
}

func formatEntry(name string, info os.FileInfo, format listFormat) string {
	switch format {
	case listMachine:
		kind := "file"
		size := info.Size()
		if info.IsDir() {
			kind = "dir"
			size = 0
		}
		return fmt.Sprintf("type=%s;size=%d;modify=%s; %s",
			kind, size, info.ModTime().UTC().Format("20060102150405"), name)
	case listNames:
		return name
	default:
		return formatLongEntry(name, info)
	}
}

// formatLongEntry mimics "ls -l" closely enough for common clients.
func formatLongEntry(name string, info os.FileInfo) string {
	mode := "-rw-r--r--"
	links := 1
	if info.IsDir() {
		mode = "drwxr-xr-x"
		links = 2
	}
	mtime := info.ModTime()
	var stamp string
	if time.Since(mtime) > 180*24*time.Hour {
		stamp = mtime.Format("Jan _2  2006")
	} else {
		stamp = mtime.Format("Jan _2 15:04")
	}
	return fmt.Sprintf("%s %3d %-8s %-8s %12d %s %s", mode, links, "owner", "group", info.Size(), stamp, name)
}
