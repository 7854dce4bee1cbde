package properties

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/coffersTech/hilogd/internal/model"
)

// Property keys read by the daemon.
const (
	KeyDebug          = "hilog.debug.on"
	KeyPersistDebug   = "persist.sys.hilog.debug.on"
	KeyPrivate        = "hilog.private.on"
	KeyDomainFlowCtrl = "hilog.flowctrl.domain.on"
	KeyProcFlowCtrl   = "hilog.flowctrl.proc.on"
	KeyKmsg           = "persist.sys.hilog.kmsg.on"
	KeyStats          = "persist.sys.hilog.stats"
	KeyStatsTag       = "persist.sys.hilog.stats.tag"
)

// BufferSizeKey names the capacity key of t, or the global key when t is nil.
func BufferSizeKey(t *model.LogType, persist bool) string {
	name := "global"
	if t != nil {
		name = t.String()
	}
	if persist {
		return "persist.sys.hilog.buffersize." + name
	}
	return "hilog.buffersize." + name
}

// DomainQuotaKey names the per-domain flow-control quota.
func DomainQuotaKey(domain uint32) string {
	return fmt.Sprintf("hilog.quota.domain.%x", domain)
}

// ProcQuotaKey names the per-process flow-control quota.
func ProcQuotaKey(procName string) string {
	return "hilog.quota.proc." + procName
}

// Bool reads a boolean property, falling back to def when absent or malformed.
func Bool(r Reader, key string, def bool) bool {
	v, ok := r.Get(key)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "on", "yes":
		return true
	case "false", "0", "off", "no":
		return false
	}
	return def
}

// Int reads an integer property, falling back to def.
func Int(r Reader, key string, def int64) int64 {
	v, ok := r.Get(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 0, 64)
	if err != nil {
		return def
	}
	return n
}

// IsDebug reports whether either debug switch is on.
func IsDebug(r Reader) bool {
	return Bool(r, KeyDebug, false) || Bool(r, KeyPersistDebug, false)
}

// SetBool stores a boolean property.
func SetBool(w ReadWriter, key string, on bool) error {
	return w.Set(key, strconv.FormatBool(on))
}

// SetBufferSize records a capacity for t under the transient or persist key.
func SetBufferSize(w ReadWriter, t model.LogType, size int64, persist bool) error {
	return w.Set(BufferSizeKey(&t, persist), strconv.FormatInt(size, 10))
}
