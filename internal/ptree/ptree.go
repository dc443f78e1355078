//go:build linux

// Package ptree inspects Linux process trees through /proc. It is used
// to measure the memory of a worker process together with anything the
// worker has spawned.
package ptree

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"strings"
)

var (
	errNoRSS  = errors.New("RssAnon was not found")
	procfs    = os.DirFS("/proc")
	rssAnonRE = regexp.MustCompile(`^RssAnon:\s*(\d+)\s+kB($|\s)`)
)

// RSSAnon returns the anonymous RSS of the single process `pid`.
func RSSAnon(pid int) (uint64, error) {
	f, err := procfs.Open(fmt.Sprintf("%d/status", pid))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scan := bufio.NewScanner(f)
	for scan.Scan() {
		if rss, ok := ParseRSSAnon(scan.Text()); ok {
			return rss, nil
		}
	}
	if scan.Err() != nil {
		return 0, scan.Err()
	}
	return 0, errNoRSS
}

// TreeRSSAnon returns the total anonymous RSS of the tree of processes
// rooted at `pid`.
//
// If the root pid is that of a kernel thread, as a special case, zero
// and no error are returned. Errors encountered while walking the
// children are ignored, since the tree can change while traversing it.
func TreeRSSAnon(pid int) (uint64, error) {
	total, err := RSSAnon(pid)
	if err != nil {
		if err == errNoRSS {
			// Kernel threads have no address space to measure.
			return 0, nil
		}
		return 0, err
	}

	WalkChildren(pid, func(pid int) {
		mem, err := RSSAnon(pid)
		if err != nil {
			return
		}
		total += mem
	})

	return total, nil
}

// WalkChildren calls walkFn for every descendant of the process `pid`,
// not including `pid` itself. Errors are ignored, since they may just
// be a consequence of the tree changing during traversal.
func WalkChildren(pid int, walkFn func(int)) {
	walkChildPids(pid, walkFn, map[int]bool{pid: true})
}

func walkChildPids(pid int, walkFn func(int), visited map[int]bool) {
	matches, err := fs.Glob(procfs, fmt.Sprintf("%d/task/*/children", pid))
	if err != nil {
		return
	}

	for _, filename := range matches {
		walkChildrenFile(filename, walkFn, visited)
	}
}

func walkChildrenFile(filename string, walkFn func(int), visited map[int]bool) {
	data, err := fs.ReadFile(procfs, filename)
	if err != nil {
		return
	}

	for _, pidStr := range strings.Fields(string(data)) {
		pid, err := strconv.Atoi(pidStr)
		if err != nil {
			continue
		}
		if visited[pid] {
			continue
		}

		walkFn(pid)
		visited[pid] = true
		walkChildPids(pid, walkFn, visited)
	}
}

// ParseRSSAnon parses an "RssAnon" line from /proc/*/status and returns
// the size in bytes. The whole line should be passed in, with or
// without the line ending. If the line isn't an RssAnon line, (0,
// false) is returned.
func ParseRSSAnon(s string) (uint64, bool) {
	m := rssAnonRE.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	kb, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return kb * 1024, true
}
