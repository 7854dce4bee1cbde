// Package procinfo resolves process names and parents from procfs.
package procinfo

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Root is the procfs mount point. Tests point it at a fixture tree.
var Root = "/proc"

// Name returns the command line name of pid, falling back to comm.
func Name(pid uint32) string {
	dir := filepath.Join(Root, strconv.FormatUint(uint64(pid), 10))
	if b, err := os.ReadFile(filepath.Join(dir, "cmdline")); err == nil && len(b) > 0 {
		if i := bytes.IndexByte(b, 0); i >= 0 {
			b = b[:i]
		}
		if len(b) > 0 {
			return string(b)
		}
	}
	if b, err := os.ReadFile(filepath.Join(dir, "comm")); err == nil {
		return strings.TrimSpace(string(b))
	}
	return ""
}

// PPid returns the parent of pid, or 0 when unknown.
func PPid(pid uint32) uint32 {
	b, err := os.ReadFile(filepath.Join(Root, strconv.FormatUint(uint64(pid), 10), "status"))
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(b), "\n") {
		v, ok := strings.CutPrefix(line, "PPid:")
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 32)
		if err != nil {
			return 0
		}
		return uint32(n)
	}
	return 0
}
