package protocol

import (
	"errors"
	"fmt"
)

// Code is a result code carried in MsgHeader.Err. Negative values are
// failures; the values are fixed by the wire protocol.
type Code int16

const (
	Success  Code = 0
	RetFail  Code = -1
	Continue Code = 1

	ErrLogLevelInvalid             Code = -2
	ErrLogTypeInvalid              Code = -3
	ErrInvalidRqstCmd              Code = -4
	ErrInvalidDomainStr            Code = -5
	ErrQueryTypeInvalid            Code = -8
	ErrLogPersistFileSizeInvalid   Code = -11
	ErrLogPersistFileNameInvalid   Code = -12
	ErrLogPersistCompressBufferExp Code = -13
	ErrLogPersistDirOpenFail       Code = -14
	ErrLogPersistCompressInitFail  Code = -15
	ErrLogPersistFileOpenFail      Code = -16
	ErrLogPersistJobidFail         Code = -18
	ErrDomainInvalid               Code = -19
	ErrMsgLenInvalid               Code = -21
	ErrLogPersistFilePathInvalid   Code = -25
	ErrLogPersistJobidInvalid      Code = -28
	ErrBuffSizeInvalid             Code = -30
	ErrCommandInvalid              Code = -31
	ErrLogPersistTaskExisted       Code = -32
	ErrLogFileNumInvalid           Code = -34
	ErrTooManyDomains              Code = -39
	ErrTooManyPids                 Code = -41
	ErrTooManyTags                 Code = -42
	ErrTagStrTooLong               Code = -43
	ErrRegexStrTooLong             Code = -44
	ErrFileNameTooLong             Code = -45
	ErrSocketReceiveRsp            Code = -49
	ErrPersistTaskEmpty            Code = -50
	ErrJobidNotExsist              Code = -60
	ErrTooManyJobs                 Code = -61
	ErrStatsNotEnable              Code = -62
	ErrNoRunningTask               Code = -63
	ErrNoPidPermission             Code = -64
)

var codeText = map[Code]string{
	RetFail:                        "operation failed",
	ErrLogLevelInvalid:             "invalid log level, valid levels are D/I/W/E/F",
	ErrLogTypeInvalid:              "invalid log type, valid types are app/core/init/kmsg/only_prerelease",
	ErrInvalidRqstCmd:              "invalid request command",
	ErrInvalidDomainStr:            "invalid domain string",
	ErrQueryTypeInvalid:            "kmsg logs can't be queried together with other types",
	ErrLogPersistFileSizeInvalid:   "invalid persist file size",
	ErrLogPersistFileNameInvalid:   `invalid persist file name, must not contain [\/:*?"<>|]`,
	ErrLogPersistCompressBufferExp: "compression buffer overflow",
	ErrLogPersistDirOpenFail:       "persist directory open failed",
	ErrLogPersistCompressInitFail:  "compression initialization failed",
	ErrLogPersistFileOpenFail:      "persist file open failed",
	ErrLogPersistJobidFail:         "persist job id does not exist",
	ErrDomainInvalid:               "invalid domain",
	ErrMsgLenInvalid:               "invalid message length",
	ErrLogPersistFilePathInvalid:   "invalid persist file path or directory does not exist",
	ErrLogPersistJobidInvalid:      "invalid job id",
	ErrBuffSizeInvalid:             "invalid buffer size",
	ErrCommandInvalid:              "commands can't be combined",
	ErrLogPersistTaskExisted:       "persist task already exists",
	ErrLogFileNumInvalid:           "invalid number of files",
	ErrTooManyDomains:              "too many domains",
	ErrTooManyPids:                 "too many pids",
	ErrTooManyTags:                 "too many tags",
	ErrTagStrTooLong:               "tag string too long",
	ErrRegexStrTooLong:             "regular expression too long",
	ErrFileNameTooLong:             "file name too long",
	ErrSocketReceiveRsp:            "receive response failed",
	ErrPersistTaskEmpty:            "no persist task",
	ErrJobidNotExsist:              "job id does not exist",
	ErrTooManyJobs:                 "too many jobs",
	ErrStatsNotEnable:              "statistics not enabled",
	ErrNoRunningTask:               "no running persist task",
	ErrNoPidPermission:             "permission denied for pid filter",
}

// Error implements error so codes can travel through normal error returns.
func (c Code) Error() string {
	if s, ok := codeText[c]; ok {
		return fmt.Sprintf("%s (%d)", s, int16(c))
	}
	return fmt.Sprintf("result code %d", int16(c))
}

// CodeOf maps err to the code sent to a client.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return RetFail
}
