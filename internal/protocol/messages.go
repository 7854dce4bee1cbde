// Package protocol defines the framed control protocol spoken on the output
// and control sockets: a MsgHeader followed by a packed little endian payload
// whose size must match the command's request type exactly.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/coffersTech/hilogd/internal/model"
)

// Version is the only message version understood.
const Version = 0

// Protocol limits.
const (
	MaxDomains    = 5
	MaxTags       = 10
	MaxPids       = 5
	MaxJobs       = 10
	MaxRegexLen   = 128
	MaxFileName   = 64
	MaxStreamName = 16
	MaxProcName   = 32
	MaxFilePath   = 100
)

// Cmd identifies a request or response payload.
type Cmd uint8

const (
	OutputRqst Cmd = iota + 1
	OutputRsp
	PersistStartRqst
	PersistStartRsp
	PersistStopRqst
	PersistStopRsp
	PersistQueryRqst
	PersistQueryRsp
	PersistRefreshRqst
	PersistRefreshRsp
	PersistClearRqst
	PersistClearRsp
	BufferSizeGetRqst
	BufferSizeGetRsp
	BufferSizeSetRqst
	BufferSizeSetRsp
	StatsQueryRqst
	StatsQueryRsp
	StatsClearRqst
	StatsClearRsp
	DomainFlowCtrlRqst
	DomainFlowCtrlRsp
	LogRemoveRqst
	LogRemoveRsp
	KmsgEnableRqst
	KmsgEnableRsp
	RspError
)

var cmdNames = map[Cmd]string{
	OutputRqst:         "OUTPUT_RQST",
	OutputRsp:          "OUTPUT_RSP",
	PersistStartRqst:   "PERSIST_START_RQST",
	PersistStartRsp:    "PERSIST_START_RSP",
	PersistStopRqst:    "PERSIST_STOP_RQST",
	PersistStopRsp:     "PERSIST_STOP_RSP",
	PersistQueryRqst:   "PERSIST_QUERY_RQST",
	PersistQueryRsp:    "PERSIST_QUERY_RSP",
	PersistRefreshRqst: "PERSIST_REFRESH_RQST",
	PersistRefreshRsp:  "PERSIST_REFRESH_RSP",
	PersistClearRqst:   "PERSIST_CLEAR_RQST",
	PersistClearRsp:    "PERSIST_CLEAR_RSP",
	BufferSizeGetRqst:  "BUFFERSIZE_GET_RQST",
	BufferSizeGetRsp:   "BUFFERSIZE_GET_RSP",
	BufferSizeSetRqst:  "BUFFERSIZE_SET_RQST",
	BufferSizeSetRsp:   "BUFFERSIZE_SET_RSP",
	StatsQueryRqst:     "STATS_QUERY_RQST",
	StatsQueryRsp:      "STATS_QUERY_RSP",
	StatsClearRqst:     "STATS_CLEAR_RQST",
	StatsClearRsp:      "STATS_CLEAR_RSP",
	DomainFlowCtrlRqst: "DOMAIN_FLOWCTRL_RQST",
	DomainFlowCtrlRsp:  "DOMAIN_FLOWCTRL_RSP",
	LogRemoveRqst:      "LOG_REMOVE_RQST",
	LogRemoveRsp:       "LOG_REMOVE_RSP",
	KmsgEnableRqst:     "KMSG_ENABLE_RQST",
	KmsgEnableRsp:      "KMSG_ENABLE_RSP",
	RspError:           "RSP_ERROR",
}

func (c Cmd) String() string {
	if s, ok := cmdNames[c]; ok {
		return s
	}
	return fmt.Sprintf("CMD(%d)", uint8(c))
}

// MsgHeader prefixes every message in both directions.
type MsgHeader struct {
	Ver uint8
	Cmd Cmd
	Err int16
	Len uint16
}

// HeaderSize is the encoded size of MsgHeader.
const HeaderSize = 6

// Filter is the query part shared by output and persist requests.
type Filter struct {
	HeadLines   uint16
	Types       uint16
	Levels      uint16
	BlackDomain bool
	DomainCount uint8
	Domains     [MaxDomains]uint32
	BlackTag    bool
	TagCount    uint8
	Tags        [MaxTags][model.MaxTagLen]byte
	BlackPid    bool
	PidCount    int32
	Pids        [MaxPids]uint32
	Regex       [MaxRegexLen]byte
	NoBlock     bool
	TailLines   uint16
}

// OutputRecord precedes the tag and content bytes of one streamed record.
// Len covers tag and content including their terminators.
type OutputRecord struct {
	Len     uint16
	Level   uint8
	Type    uint8
	Pid     uint32
	Tid     uint32
	Domain  uint32
	TvSec   uint32
	TvNsec  uint32
	MonoSec uint32
	TagLen  uint8
	End     bool
}

type PersistStart struct {
	Filter   Filter
	JobID    uint32
	FileSize uint32
	FileNum  uint16
	FileName [MaxFileName]byte
	Stream   [MaxStreamName]byte
}

type PersistStartResult struct {
	JobID uint32
}

// PersistJob selects one job, or all jobs when JobID is zero.
type PersistJob struct {
	JobID uint32
}

type PersistJobResult struct {
	JobNum uint8
	JobID  [MaxJobs]uint32
}

type Placeholder struct {
	Placeholder uint8
}

type PersistQueryResult struct {
	JobNum   uint8
	TaskInfo [MaxJobs]PersistStart
}

type BufferSizeGet struct {
	Types uint16
}

type BufferSizeGetResult struct {
	Size [model.TypeNum]uint32
}

type BufferSizeSet struct {
	Types uint16
	Size  int32
}

// BufferSizeSetResult holds the new size per type, or a negative Code.
type BufferSizeSetResult struct {
	Size [model.TypeNum]int32
}

type StatsQuery struct {
	Types       uint16
	DomainCount uint8
	Domains     [MaxDomains]uint32
}

type Switch struct {
	On bool
}

type LogRemove struct {
	Types uint16
}

// Stats is the wire form of one statistics entry.
type Stats struct {
	Lines         [model.LevelNum]uint32
	Len           [model.LevelNum]uint64
	Dropped       uint32
	FreqMax       float32
	FreqMaxSec    uint32
	FreqMaxNsec   uint32
	ThroughputMax float32
	TpMaxSec      uint32
	TpMaxNsec     uint32
}

// StatsSummary opens a STATS_QUERY_RSP. TypeNum type sections follow, then
// ProcNum process sections.
type StatsSummary struct {
	TsBeginSec   uint32
	TsBeginNsec  uint32
	DurationSec  uint32
	DurationNsec uint32
	TotalLines   [model.LevelNum]uint32
	TotalLens    [model.LevelNum]uint64
	FlowDropped  [model.TypeNum]uint32
	TypeNum      uint16
	ProcNum      uint16
}

// TypeSection is followed by DomainNum DomainSection entries.
type TypeSection struct {
	Type      uint16
	DomainNum uint16
}

// DomainSection is followed by TagNum TagStats entries.
type DomainSection struct {
	Domain uint32
	Stats  Stats
	TagNum uint16
}

type TagStats struct {
	Tag   [model.MaxTagLen]byte
	Stats Stats
}

// ProcSection is followed by TypeNum ProcTypeStats then TagNum TagStats.
type ProcSection struct {
	Pid     uint32
	Name    [MaxProcName]byte
	Stats   Stats
	TypeNum uint16
	TagNum  uint16
}

type ProcTypeStats struct {
	Type  uint16
	Stats Stats
}

var le = binary.LittleEndian

// Size returns the packed size of a payload value.
func Size(v any) int {
	return binary.Size(v)
}

// Marshal packs v.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(binary.Size(v))
	if err := binary.Write(&buf, le, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal unpacks b into v. len(b) must equal the packed size of v.
func Unmarshal(b []byte, v any) error {
	if len(b) != binary.Size(v) {
		return fmt.Errorf("unmarshal %T: %w", v, ErrMsgLenInvalid)
	}
	return binary.Read(bytes.NewReader(b), le, v)
}

// AppendHeader appends the encoded header.
func AppendHeader(dst []byte, h MsgHeader) []byte {
	dst = append(dst, h.Ver, uint8(h.Cmd))
	dst = le.AppendUint16(dst, uint16(h.Err))
	return le.AppendUint16(dst, h.Len)
}

// ReadHeader reads one MsgHeader.
func ReadHeader(r io.Reader) (MsgHeader, error) {
	var b [HeaderSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return MsgHeader{}, err
	}
	return MsgHeader{
		Ver: b[0],
		Cmd: Cmd(b[1]),
		Err: int16(le.Uint16(b[2:])),
		Len: le.Uint16(b[4:]),
	}, nil
}

// ReadPayload reads the hdr.Len payload bytes following a header.
func ReadPayload(r io.Reader, hdr MsgHeader) ([]byte, error) {
	b := make([]byte, hdr.Len)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// WriteMsg writes a header and packed payload in one call. A nil payload
// sends an empty body.
func WriteMsg(w io.Writer, cmd Cmd, code Code, payload any) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = Marshal(payload); err != nil {
			return err
		}
	}
	msg := AppendHeader(make([]byte, 0, HeaderSize+len(body)), MsgHeader{
		Ver: Version,
		Cmd: cmd,
		Err: int16(code),
		Len: uint16(len(body)),
	})
	msg = append(msg, body...)
	_, err := w.Write(msg)
	return err
}

// WriteError sends an RSP_ERROR frame carrying code.
func WriteError(w io.Writer, code Code) error {
	return WriteMsg(w, RspError, code, nil)
}

// ReadMsg reads a full message and unpacks the payload into v. A header
// with an error code is returned as that Code.
func ReadMsg(r io.Reader, want Cmd, v any) error {
	hdr, err := ReadHeader(r)
	if err != nil {
		return err
	}
	body, err := ReadPayload(r, hdr)
	if err != nil {
		return err
	}
	if hdr.Cmd == RspError || hdr.Err < 0 {
		return Code(hdr.Err)
	}
	if hdr.Cmd != want {
		return fmt.Errorf("unexpected response %s, want %s: %w", hdr.Cmd, want, ErrInvalidRqstCmd)
	}
	if v == nil {
		return nil
	}
	return Unmarshal(body, v)
}
