package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/coffersTech/hilogd/internal/codec"
	"github.com/coffersTech/hilogd/internal/collector"
	"github.com/coffersTech/hilogd/internal/engine"
	"github.com/coffersTech/hilogd/internal/model"
	"github.com/coffersTech/hilogd/internal/persist"
	"github.com/coffersTech/hilogd/internal/properties"
	"github.com/coffersTech/hilogd/internal/protocol"
	"github.com/coffersTech/hilogd/internal/storage"
)

// Persist request defaults and limits.
const (
	DefaultJobID         = 1
	DefaultKmsgJobID     = 2
	MinJobID             = 10
	DefaultFileSize      = 4 << 20
	MinFileSize          = 64 << 10
	MaxFileSize          = 512 << 20
	DefaultFileNum       = 10
	MinFileNum           = 2
	MaxFileNum           = 1000
	DefaultFileName      = "hilog"
	DefaultKmsgFileName  = "hilog_kmsg"
	invalidFileNameChars = `\/:*?"<>|`
)

// streamWait bounds one wait for new records in a streaming query.
const streamWait = time.Second

// Privileged uids may filter on any pid and see every process.
var privilegedUIDs = map[uint32]bool{
	0:    true, // root
	1036: true, // logd
	1201: true, // hiview
	2000: true, // shell
	3063: true, // profiler
}

// Credentials identify the peer of a control connection.
type Credentials struct {
	UID uint32
	PID uint32
}

// Privileged reports whether the peer may bypass the own-process rule.
func (c Credentials) Privileged() bool {
	return privilegedUIDs[c.UID]
}

// KmsgSwitch starts and stops kernel log ingestion.
type KmsgSwitch interface {
	Start(ctx context.Context) error
	Stop()
}

// Deps are the daemon components a Controller operates on.
type Deps struct {
	Main      *engine.Buffer
	Kmsg      *engine.Buffer
	Stats     *engine.Stats
	Collector *collector.Collector
	Persist   *persist.Manager
	Props     properties.ReadWriter
	KmsgCtl   KmsgSwitch
	PPid      func(pid uint32) uint32
	Logger    zerolog.Logger

	// PersistDirWait bounds the wait for the persistence directory.
	PersistDirWait time.Duration
}

// requestTypes gives the payload each request must carry.
var requestTypes = map[protocol.Cmd]any{
	protocol.OutputRqst:         protocol.Filter{},
	protocol.PersistStartRqst:   protocol.PersistStart{},
	protocol.PersistStopRqst:    protocol.PersistJob{},
	protocol.PersistQueryRqst:   protocol.Placeholder{},
	protocol.PersistRefreshRqst: protocol.PersistJob{},
	protocol.PersistClearRqst:   protocol.Placeholder{},
	protocol.BufferSizeGetRqst:  protocol.BufferSizeGet{},
	protocol.BufferSizeSetRqst:  protocol.BufferSizeSet{},
	protocol.StatsQueryRqst:     protocol.StatsQuery{},
	protocol.StatsClearRqst:     protocol.Placeholder{},
	protocol.DomainFlowCtrlRqst: protocol.Switch{},
	protocol.LogRemoveRqst:      protocol.LogRemove{},
	protocol.KmsgEnableRqst:     protocol.Switch{},
}

// OutputCmds is the allow-list of the output socket.
var OutputCmds = []protocol.Cmd{protocol.OutputRqst}

// ControlCmds is the allow-list of the control socket.
var ControlCmds = []protocol.Cmd{
	protocol.PersistStartRqst, protocol.PersistStopRqst, protocol.PersistQueryRqst,
	protocol.PersistRefreshRqst, protocol.PersistClearRqst,
	protocol.BufferSizeGetRqst, protocol.BufferSizeSetRqst,
	protocol.StatsQueryRqst, protocol.StatsClearRqst,
	protocol.DomainFlowCtrlRqst, protocol.LogRemoveRqst, protocol.KmsgEnableRqst,
}

// Controller serves the requests of one connection.
type Controller struct {
	conn    io.ReadWriter
	cred    Credentials
	deps    *Deps
	allowed map[protocol.Cmd]bool
	log     zerolog.Logger

	notify chan struct{}
}

// NewController binds a connection to the daemon components. Only the
// commands in allowed are served.
func NewController(conn io.ReadWriter, cred Credentials, deps *Deps, allowed []protocol.Cmd) *Controller {
	c := &Controller{
		conn:    conn,
		cred:    cred,
		deps:    deps,
		allowed: make(map[protocol.Cmd]bool, len(allowed)),
		log:     deps.Logger.With().Str("component", "controller").Uint32("peer_pid", cred.PID).Logger(),
		notify:  make(chan struct{}, 1),
	}
	for _, cmd := range allowed {
		c.allowed[cmd] = true
	}
	return c
}

// Serve handles requests until the peer closes the connection, a write
// fails or ctx is done. Request level failures are answered with an
// RSP_ERROR frame and do not end the connection.
func (c *Controller) Serve(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		hdr, err := protocol.ReadHeader(c.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		body, err := protocol.ReadPayload(c.conn, hdr)
		if err != nil {
			return err
		}

		err = c.dispatch(ctx, hdr, body)
		var code protocol.Code
		if errors.As(err, &code) {
			c.log.Debug().Stringer("cmd", hdr.Cmd).Int16("code", int16(code)).Msg("request rejected")
			if werr := protocol.WriteError(c.conn, code); werr != nil {
				return werr
			}
			continue
		}
		if err != nil {
			return err
		}
	}
}

// dispatch runs one request. Returned Codes are sent back to the peer;
// any other error ends the connection.
func (c *Controller) dispatch(ctx context.Context, hdr protocol.MsgHeader, body []byte) error {
	if !c.allowed[hdr.Cmd] {
		return protocol.ErrInvalidRqstCmd
	}
	if want := requestTypes[hdr.Cmd]; int(hdr.Len) != protocol.Size(want) {
		return protocol.ErrMsgLenInvalid
	}

	switch hdr.Cmd {
	case protocol.OutputRqst:
		var rq protocol.Filter
		if err := protocol.Unmarshal(body, &rq); err != nil {
			return err
		}
		return c.handleOutput(ctx, &rq)
	case protocol.PersistStartRqst:
		var rq protocol.PersistStart
		if err := protocol.Unmarshal(body, &rq); err != nil {
			return err
		}
		return c.handlePersistStart(ctx, &rq)
	case protocol.PersistStopRqst, protocol.PersistRefreshRqst:
		var rq protocol.PersistJob
		if err := protocol.Unmarshal(body, &rq); err != nil {
			return err
		}
		return c.handlePersistJobs(hdr.Cmd, rq.JobID)
	case protocol.PersistQueryRqst:
		return c.handlePersistQuery()
	case protocol.PersistClearRqst:
		if err := c.deps.Persist.Clear(); err != nil {
			return protocol.CodeOf(err)
		}
		return protocol.WriteMsg(c.conn, protocol.PersistClearRsp, protocol.Success, nil)
	case protocol.BufferSizeGetRqst:
		var rq protocol.BufferSizeGet
		if err := protocol.Unmarshal(body, &rq); err != nil {
			return err
		}
		return c.handleBufferSizeGet(rq.Types)
	case protocol.BufferSizeSetRqst:
		var rq protocol.BufferSizeSet
		if err := protocol.Unmarshal(body, &rq); err != nil {
			return err
		}
		return c.handleBufferSizeSet(&rq)
	case protocol.StatsQueryRqst:
		var rq protocol.StatsQuery
		if err := protocol.Unmarshal(body, &rq); err != nil {
			return err
		}
		return c.handleStatsQuery(&rq)
	case protocol.StatsClearRqst:
		if c.deps.Stats != nil {
			c.deps.Stats.Reset()
		}
		if c.deps.Collector != nil {
			c.deps.Collector.ClearDropped()
		}
		return protocol.WriteMsg(c.conn, protocol.StatsClearRsp, protocol.Success, nil)
	case protocol.DomainFlowCtrlRqst:
		var rq protocol.Switch
		if err := protocol.Unmarshal(body, &rq); err != nil {
			return err
		}
		return c.handleFlowCtrl(rq.On)
	case protocol.LogRemoveRqst:
		var rq protocol.LogRemove
		if err := protocol.Unmarshal(body, &rq); err != nil {
			return err
		}
		return c.handleLogRemove(rq.Types)
	case protocol.KmsgEnableRqst:
		var rq protocol.Switch
		if err := protocol.Unmarshal(body, &rq); err != nil {
			return err
		}
		return c.handleKmsgEnable(ctx, rq.On)
	}
	return protocol.ErrInvalidRqstCmd
}

func (c *Controller) bufferFor(types uint16) *engine.Buffer {
	if types == model.KmsgMask && c.deps.Kmsg != nil {
		return c.deps.Kmsg
	}
	return c.deps.Main
}

func (c *Controller) onNewData() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Controller) handleOutput(ctx context.Context, rq *protocol.Filter) error {
	if rq.PidCount > 0 && !c.cred.Privileged() {
		return protocol.ErrNoPidPermission
	}
	f, err := FilterFromWire(rq)
	if err != nil {
		return err
	}
	if !c.cred.Privileged() {
		f.BlackPid = false
		f.Pids = []uint32{c.cred.PID}
		if c.deps.PPid != nil {
			if ppid := c.deps.PPid(c.cred.PID); ppid != 0 {
				f.Pids = append(f.Pids, ppid)
			}
		}
	}

	buf := c.bufferFor(f.Types)
	id := buf.CreateReader(c.onNewData)
	defer buf.RemoveReader(id)

	if err := protocol.WriteMsg(c.conn, protocol.OutputRsp, protocol.Success, nil); err != nil {
		return err
	}

	head := int(rq.HeadLines)
	tail := int(rq.TailLines)
	if head > 0 {
		tail = 0
	}
	timer := time.NewTimer(streamWait)
	defer timer.Stop()
	for {
		if ctx.Err() != nil {
			return nil
		}
		rec, ok := buf.Query(&f, id, tail)
		if ok {
			if err := c.writeRecord(&rec); err != nil {
				return err
			}
			if head > 0 {
				if head--; head == 0 {
					return c.writeEnd()
				}
			}
			continue
		}
		if rq.NoBlock {
			return c.writeEnd()
		}
		timer.Reset(streamWait)
		select {
		case <-ctx.Done():
			return nil
		case <-c.notify:
		case <-timer.C:
			// An empty frame also tells us whether the peer is still there.
			if err := c.writeEmpty(); err != nil {
				return err
			}
		}
	}
}

func (c *Controller) writeRecord(r *model.Record) error {
	hdr := protocol.OutputRecord{
		Len:     uint16(r.TagLen() + r.Size()),
		Level:   uint8(r.Level),
		Type:    uint8(r.Type),
		Pid:     r.Pid,
		Tid:     r.Tid,
		Domain:  r.Domain,
		TvSec:   r.TvSec,
		TvNsec:  r.TvNsec,
		MonoSec: r.MonoSec,
		TagLen:  uint8(r.TagLen()),
	}
	head, err := protocol.Marshal(&hdr)
	if err != nil {
		return err
	}
	bufs := net.Buffers{head, append([]byte(r.Tag), 0), append([]byte(r.Content), 0)}
	_, err = bufs.WriteTo(c.conn)
	return err
}

func (c *Controller) writeEnd() error {
	return c.writeFrame(protocol.OutputRecord{End: true})
}

// writeEmpty sends a no-data frame: zero length, not the end.
func (c *Controller) writeEmpty() error {
	return c.writeFrame(protocol.OutputRecord{})
}

func (c *Controller) writeFrame(hdr protocol.OutputRecord) error {
	b, err := protocol.Marshal(&hdr)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(b)
	return err
}

func validFileName(name string) bool {
	return !strings.ContainsAny(name, invalidFileNameChars)
}

func (c *Controller) waitPersistDir(ctx context.Context) bool {
	dir := c.deps.Persist.Dir()
	wait := c.deps.PersistDirWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	deadline := time.Now().Add(wait)
	for {
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			return true
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return false
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (c *Controller) handlePersistStart(ctx context.Context, rq *protocol.PersistStart) error {
	if !c.waitPersistDir(ctx) {
		return protocol.ErrLogPersistDirOpenFail
	}
	f, err := FilterFromWire(&rq.Filter)
	if err != nil {
		return err
	}
	kmsg := f.Types == model.KmsgMask

	jobID := rq.JobID
	switch {
	case jobID == 0 && kmsg:
		jobID = DefaultKmsgJobID
	case jobID == 0:
		jobID = DefaultJobID
	case jobID < MinJobID:
		return protocol.ErrLogPersistJobidInvalid
	}

	fileSize := rq.FileSize
	if fileSize == 0 {
		fileSize = DefaultFileSize
	} else if fileSize < MinFileSize || fileSize > MaxFileSize {
		return protocol.ErrLogPersistFileSizeInvalid
	}

	fileName := codec.CString(rq.FileName[:])
	if !validFileName(fileName) {
		return protocol.ErrLogPersistFileNameInvalid
	}
	if fileName == "" {
		fileName = DefaultFileName
		if kmsg {
			fileName = DefaultKmsgFileName
		}
	}

	fileNum := uint32(rq.FileNum)
	if fileNum == 0 {
		fileNum = DefaultFileNum
	} else if fileNum < MinFileNum || fileNum > MaxFileNum {
		return protocol.ErrLogFileNumInvalid
	}

	if c.deps.Persist.Registry().Len() >= protocol.MaxJobs {
		return protocol.ErrTooManyJobs
	}

	start := persist.StartMsg{
		JobID:     jobID,
		FilePath:  filepath.Join(c.deps.Persist.Dir(), fileName),
		FileSize:  fileSize,
		FileNum:   fileNum,
		Algorithm: storage.ParseAlgorithm(codec.CString(rq.Stream[:])),
		Filter:    f,
	}
	if _, err := c.deps.Persist.StartJob(persist.RecoveryInfo{Start: start}, false); err != nil {
		c.log.Warn().Err(err).Uint32("job", jobID).Msg("persist start failed")
		return protocol.CodeOf(err)
	}
	return protocol.WriteMsg(c.conn, protocol.PersistStartRsp, protocol.Success, &protocol.PersistStartResult{JobID: jobID})
}

func (c *Controller) handlePersistJobs(cmd protocol.Cmd, id uint32) error {
	var (
		ids []uint32
		err error
		rsp protocol.Cmd
	)
	if cmd == protocol.PersistStopRqst {
		ids, err = c.deps.Persist.Stop(id)
		rsp = protocol.PersistStopRsp
	} else {
		ids, err = c.deps.Persist.Refresh(id)
		rsp = protocol.PersistRefreshRsp
	}
	if err != nil {
		return protocol.CodeOf(err)
	}
	var res protocol.PersistJobResult
	res.JobNum = uint8(copy(res.JobID[:], ids))
	return protocol.WriteMsg(c.conn, rsp, protocol.Success, &res)
}

// startToWire converts job parameters for a PERSIST_QUERY_RSP.
func startToWire(s *persist.StartMsg) protocol.PersistStart {
	w := protocol.PersistStart{
		Filter:   FilterToWire(&s.Filter),
		JobID:    s.JobID,
		FileSize: s.FileSize,
		FileNum:  uint16(s.FileNum),
	}
	codec.PutCString(w.FileName[:], filepath.Base(s.FilePath))
	codec.PutCString(w.Stream[:], s.Algorithm.String())
	return w
}

func (c *Controller) handlePersistQuery() error {
	starts, err := c.deps.Persist.Query()
	if err != nil {
		return protocol.CodeOf(err)
	}
	var res protocol.PersistQueryResult
	for i := range starts {
		if i == protocol.MaxJobs {
			break
		}
		res.TaskInfo[i] = startToWire(&starts[i])
		res.JobNum++
	}
	return protocol.WriteMsg(c.conn, protocol.PersistQueryRsp, protocol.Success, &res)
}

// selectTypes expands a request mask, falling back to def for zero.
func selectTypes(mask, def uint16) ([]model.LogType, error) {
	if mask == 0 {
		mask = def
	}
	types := model.TypesOf(mask & model.AllTypesMask)
	if len(types) == 0 {
		return nil, protocol.ErrLogTypeInvalid
	}
	return types, nil
}

func (c *Controller) bufferOfType(t model.LogType) *engine.Buffer {
	if t == model.TypeKmsg {
		if c.deps.Kmsg == nil {
			return nil
		}
		return c.deps.Kmsg
	}
	return c.deps.Main
}

func (c *Controller) handleBufferSizeGet(mask uint16) error {
	types, err := selectTypes(mask, model.DefaultTypesMask)
	if err != nil {
		return err
	}
	var res protocol.BufferSizeGetResult
	for _, t := range types {
		if buf := c.bufferOfType(t); buf != nil {
			res.Size[t] = uint32(buf.Capacity(t))
		}
	}
	return protocol.WriteMsg(c.conn, protocol.BufferSizeGetRsp, protocol.Success, &res)
}

func (c *Controller) handleBufferSizeSet(rq *protocol.BufferSizeSet) error {
	types, err := selectTypes(rq.Types, model.DefaultTypesMask)
	if err != nil {
		return err
	}
	var res protocol.BufferSizeSetResult
	for _, t := range types {
		buf := c.bufferOfType(t)
		if buf == nil {
			res.Size[t] = int32(protocol.ErrLogTypeInvalid)
			continue
		}
		if err := buf.SetCapacity(t, int64(rq.Size)); err != nil {
			res.Size[t] = int32(protocol.CodeOf(err))
			continue
		}
		res.Size[t] = rq.Size
		if c.deps.Props != nil {
			if err := properties.SetBufferSize(c.deps.Props, t, int64(rq.Size), true); err != nil {
				c.log.Warn().Err(err).Stringer("type", t).Msg("persist buffer size")
			}
		}
	}
	return protocol.WriteMsg(c.conn, protocol.BufferSizeSetRsp, protocol.Success, &res)
}

func (c *Controller) handleStatsQuery(rq *protocol.StatsQuery) error {
	if c.deps.Stats == nil || !c.deps.Stats.Enabled() {
		return protocol.ErrStatsNotEnable
	}
	if int(rq.DomainCount) > protocol.MaxDomains {
		return protocol.ErrTooManyDomains
	}
	snap := c.deps.Stats.Snapshot()
	var dropped [model.TypeNum]uint32
	if c.deps.Collector != nil {
		dropped = c.deps.Collector.Dropped()
	}
	body := encodeStats(&snap, dropped, rq, model.MonoNow())
	msg := protocol.AppendHeader(make([]byte, 0, protocol.HeaderSize+len(body)), protocol.MsgHeader{
		Ver: protocol.Version,
		Cmd: protocol.StatsQueryRsp,
		Len: uint16(len(body)),
	})
	_, err := c.conn.Write(append(msg, body...))
	return err
}

func (c *Controller) handleFlowCtrl(on bool) error {
	if c.deps.Props != nil {
		if err := properties.SetBool(c.deps.Props, properties.KeyDomainFlowCtrl, on); err != nil {
			return fmt.Errorf("set %s: %w", properties.KeyDomainFlowCtrl, protocol.RetFail)
		}
	}
	if c.deps.Collector != nil {
		c.deps.Collector.SetFlowControl(on)
	}
	return protocol.WriteMsg(c.conn, protocol.DomainFlowCtrlRsp, protocol.Success, nil)
}

func (c *Controller) handleLogRemove(mask uint16) error {
	types, err := selectTypes(mask, model.DefaultRemoveMask)
	if err != nil {
		return err
	}
	for _, t := range types {
		if buf := c.bufferOfType(t); buf != nil {
			n := buf.Delete(t)
			c.log.Debug().Stringer("type", t).Int64("bytes", n).Msg("buffer cleared")
		}
	}
	return protocol.WriteMsg(c.conn, protocol.LogRemoveRsp, protocol.Success, nil)
}

func (c *Controller) handleKmsgEnable(ctx context.Context, on bool) error {
	if c.deps.Props != nil {
		if err := properties.SetBool(c.deps.Props, properties.KeyKmsg, on); err != nil {
			return fmt.Errorf("set %s: %w", properties.KeyKmsg, protocol.RetFail)
		}
	}
	if c.deps.KmsgCtl != nil {
		if on {
			// The reader outlives this connection.
			if err := c.deps.KmsgCtl.Start(context.WithoutCancel(ctx)); err != nil {
				c.log.Warn().Err(err).Msg("start kmsg reader")
				return protocol.RetFail
			}
		} else {
			c.deps.KmsgCtl.Stop()
		}
	}
	return protocol.WriteMsg(c.conn, protocol.KmsgEnableRsp, protocol.Success, nil)
}
