package engine

import (
	"regexp"
	"slices"
	"strings"

	"github.com/coffersTech/hilogd/internal/model"
)

// Filter selects records for one query or persistence session.
// It is compiled on first use and must not be shared between goroutines
// before Compile has run.
type Filter struct {
	Types  uint16
	Levels uint16

	BlackDomain bool
	Domains     []uint32

	BlackTag bool
	Tags     []string

	BlackPid bool
	Pids     []uint32

	// Regex is a glob-style pattern matched anywhere in the content.
	Regex string

	compiled bool
	re       *regexp.Regexp
}

// Compile prepares the content pattern. An invalid pattern falls back to a
// plain substring search.
func (f *Filter) Compile() {
	if f.compiled {
		return
	}
	f.compiled = true
	if f.Regex == "" {
		return
	}
	re, err := regexp.Compile(GlobToRegexp(f.Regex))
	if err == nil {
		f.re = re
	}
}

// Match reports whether r passes every clause of the filter.
func (f *Filter) Match(r *model.Record) bool {
	if f.Types&r.Type.Mask() == 0 {
		return false
	}
	if f.Levels&r.Level.Mask() == 0 {
		return false
	}
	if len(f.Domains) > 0 && matchDomain(f.Domains, r.Domain) == f.BlackDomain {
		return false
	}
	if len(f.Tags) > 0 && slices.Contains(f.Tags, r.Tag) == f.BlackTag {
		return false
	}
	if len(f.Pids) > 0 && slices.Contains(f.Pids, r.Pid) == f.BlackPid {
		return false
	}
	if f.Regex != "" {
		f.Compile()
		if f.re != nil {
			return f.re.MatchString(r.Content)
		}
		return strings.Contains(r.Content, f.Regex)
	}
	return true
}

// matchDomain treats an entry whose low byte is 0xFF as a wildcard over
// the sub-domains sharing its upper 24 bits.
func matchDomain(domains []uint32, d uint32) bool {
	for _, fd := range domains {
		if fd&0xFF == 0xFF {
			if fd>>8 == d>>8 {
				return true
			}
			continue
		}
		if fd == d {
			return true
		}
	}
	return false
}

// GlobToRegexp rewrites a glob-style pattern: '*' and '?' become wildcards,
// bracket classes are kept, everything else is literal.
func GlobToRegexp(glob string) string {
	var sb strings.Builder
	for _, c := range glob {
		switch c {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteByte('.')
		case '[', ']':
			sb.WriteRune(c)
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	return sb.String()
}
