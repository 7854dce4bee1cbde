package flowctrl

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"
)

// Quota file locations on the device image.
const (
	DefaultDomainQuotaFile = "/system/etc/hilog_domains.conf"
	DefaultProcQuotaFile   = "/system/etc/hilog_flowcontrol_quota.conf"
)

// procQuotaUnit scales the one digit quota class of the process file.
const procQuotaUnit = 2610

// DomainKey folds a domain into the subsystem key quotas are stored under.
func DomainKey(domain uint32) uint32 {
	return (domain & 0xFFFFF) >> 8
}

// ParseDomainQuotas reads "<domainId> <name> <quota>" lines. Blank lines,
// comments and malformed lines are skipped.
func ParseDomainQuotas(r io.Reader) (map[uint32]int, error) {
	out := make(map[uint32]int)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		domain, err := strconv.ParseUint(fields[0], 0, 32)
		if err != nil || domain == 0 {
			continue
		}
		quota, err := strconv.ParseInt(fields[2], 0, 32)
		if err != nil || quota <= 0 {
			continue
		}
		out[DomainKey(uint32(domain))] = int(quota)
	}
	return out, sc.Err()
}

// ParseProcQuotas reads "<procName> <hashName> <class>" lines, where the
// first character of class is a digit scaled by 2610 bytes.
func ParseProcQuotas(r io.Reader) (map[string]int, error) {
	out := make(map[string]int)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		class := fields[2][0]
		if class < '1' || class > '9' {
			continue
		}
		out[fields[0]] = int(class-'0') * procQuotaUnit
	}
	return out, sc.Err()
}

// LoadQuotaFiles reads both quota files. A missing file yields an empty
// table.
func LoadQuotaFiles(domainPath, procPath string) (map[uint32]int, map[string]int, error) {
	domains := map[uint32]int{}
	procs := map[string]int{}
	if f, err := os.Open(domainPath); err == nil {
		domains, err = ParseDomainQuotas(f)
		f.Close()
		if err != nil {
			return nil, nil, err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, nil, err
	}
	if f, err := os.Open(procPath); err == nil {
		procs, err = ParseProcQuotas(f)
		f.Close()
		if err != nil {
			return nil, nil, err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, nil, err
	}
	return domains, procs, nil
}
