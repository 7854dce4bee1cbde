package hilog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/coffersTech/hilogd/internal/codec"
	"github.com/coffersTech/hilogd/internal/model"
	"github.com/coffersTech/hilogd/internal/protocol"
)

// Daemon stream sockets.
const (
	DefaultOutputSocket  = "/dev/unix/socket/hilogOutput"
	DefaultControlSocket = "/dev/unix/socket/hilogControl"
)

// Query selects records for Output and persistence jobs. Zero Types and
// Levels select the daemon defaults.
type Query struct {
	Types       uint16
	Levels      uint16
	Domains     []uint32
	BlackDomain bool
	Tags        []string
	BlackTag    bool
	Pids        []uint32
	BlackPid    bool
	Regex       string

	// Head stops after that many records; Tail starts at the Tail-th newest.
	Head    uint16
	Tail    uint16
	NoBlock bool
}

func (q *Query) wire() (protocol.Filter, error) {
	switch {
	case len(q.Domains) > protocol.MaxDomains:
		return protocol.Filter{}, protocol.ErrTooManyDomains
	case len(q.Tags) > protocol.MaxTags:
		return protocol.Filter{}, protocol.ErrTooManyTags
	case len(q.Pids) > protocol.MaxPids:
		return protocol.Filter{}, protocol.ErrTooManyPids
	case len(q.Regex) >= protocol.MaxRegexLen:
		return protocol.Filter{}, protocol.ErrRegexStrTooLong
	}
	w := protocol.Filter{
		HeadLines:   q.Head,
		TailLines:   q.Tail,
		NoBlock:     q.NoBlock,
		Types:       q.Types,
		Levels:      q.Levels,
		BlackDomain: q.BlackDomain,
		BlackTag:    q.BlackTag,
		BlackPid:    q.BlackPid,
	}
	w.DomainCount = uint8(copy(w.Domains[:], q.Domains))
	for i, tag := range q.Tags {
		if len(tag) >= model.MaxTagLen {
			return protocol.Filter{}, protocol.ErrTagStrTooLong
		}
		codec.PutCString(w.Tags[i][:], tag)
	}
	w.TagCount = uint8(len(q.Tags))
	w.PidCount = int32(copy(w.Pids[:], q.Pids))
	codec.PutCString(w.Regex[:], q.Regex)
	return w, nil
}

// Client speaks the control protocol over one stream connection. Calls
// are serialized.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// DialClient connects to a daemon stream socket.
func DialClient(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// call sends req and decodes the reply into res. Daemon result codes are
// returned as protocol.Code errors.
func (c *Client) call(cmd protocol.Cmd, req, res any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := protocol.WriteMsg(c.conn, cmd, protocol.Success, req); err != nil {
		return err
	}
	return protocol.ReadMsg(c.conn, cmd+1, res)
}

// BufferSize returns the capacity of each selected type.
func (c *Client) BufferSize(types uint16) ([model.TypeNum]uint32, error) {
	var res protocol.BufferSizeGetResult
	err := c.call(protocol.BufferSizeGetRqst, &protocol.BufferSizeGet{Types: types}, &res)
	return res.Size, err
}

// SetBufferSize resizes the selected types. Each slot holds the new size
// or a negative result code.
func (c *Client) SetBufferSize(types uint16, size int32) ([model.TypeNum]int32, error) {
	var res protocol.BufferSizeSetResult
	err := c.call(protocol.BufferSizeSetRqst, &protocol.BufferSizeSet{Types: types, Size: size}, &res)
	return res.Size, err
}

func (c *Client) StatsClear() error {
	return c.call(protocol.StatsClearRqst, &protocol.Placeholder{}, nil)
}

// StatsSummary returns the head of a statistics report.
func (c *Client) StatsSummary(types uint16) (protocol.StatsSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sum protocol.StatsSummary
	if err := protocol.WriteMsg(c.conn, protocol.StatsQueryRqst, protocol.Success, &protocol.StatsQuery{Types: types}); err != nil {
		return sum, err
	}
	hdr, err := protocol.ReadHeader(c.conn)
	if err != nil {
		return sum, err
	}
	body, err := protocol.ReadPayload(c.conn, hdr)
	if err != nil {
		return sum, err
	}
	if hdr.Err < 0 {
		return sum, protocol.Code(hdr.Err)
	}
	n := protocol.Size(sum)
	if len(body) < n {
		return sum, fmt.Errorf("stats reply of %d bytes: %w", len(body), protocol.ErrMsgLenInvalid)
	}
	err = protocol.Unmarshal(body[:n], &sum)
	return sum, err
}

func (c *Client) LogRemove(types uint16) error {
	return c.call(protocol.LogRemoveRqst, &protocol.LogRemove{Types: types}, nil)
}

func (c *Client) SetFlowControl(on bool) error {
	return c.call(protocol.DomainFlowCtrlRqst, &protocol.Switch{On: on}, nil)
}

func (c *Client) SetKmsg(on bool) error {
	return c.call(protocol.KmsgEnableRqst, &protocol.Switch{On: on}, nil)
}

// PersistRequest describes a persistence job. Zero values take the
// daemon defaults.
type PersistRequest struct {
	JobID    uint32
	Query    Query
	FileName string
	Stream   string
	FileSize uint32
	FileNum  uint16
}

// PersistStart starts a job and returns its id.
func (c *Client) PersistStart(rq PersistRequest) (uint32, error) {
	f, err := rq.Query.wire()
	if err != nil {
		return 0, err
	}
	if len(rq.FileName) >= protocol.MaxFileName {
		return 0, protocol.ErrFileNameTooLong
	}
	w := protocol.PersistStart{Filter: f, JobID: rq.JobID, FileSize: rq.FileSize, FileNum: rq.FileNum}
	codec.PutCString(w.FileName[:], rq.FileName)
	codec.PutCString(w.Stream[:], rq.Stream)

	var res protocol.PersistStartResult
	err = c.call(protocol.PersistStartRqst, &w, &res)
	return res.JobID, err
}

func (c *Client) persistJobs(cmd protocol.Cmd, id uint32) ([]uint32, error) {
	var res protocol.PersistJobResult
	if err := c.call(cmd, &protocol.PersistJob{JobID: id}, &res); err != nil {
		return nil, err
	}
	return append([]uint32(nil), res.JobID[:min(int(res.JobNum), protocol.MaxJobs)]...), nil
}

// PersistStop stops job id, or every job for id 0.
func (c *Client) PersistStop(id uint32) ([]uint32, error) {
	return c.persistJobs(protocol.PersistStopRqst, id)
}

// PersistRefresh flushes job id, or every job for id 0.
func (c *Client) PersistRefresh(id uint32) ([]uint32, error) {
	return c.persistJobs(protocol.PersistRefreshRqst, id)
}

// PersistQuery lists the running jobs.
func (c *Client) PersistQuery() ([]PersistRequest, error) {
	var res protocol.PersistQueryResult
	if err := c.call(protocol.PersistQueryRqst, &protocol.Placeholder{}, &res); err != nil {
		return nil, err
	}
	out := make([]PersistRequest, 0, res.JobNum)
	for _, info := range res.TaskInfo[:min(int(res.JobNum), protocol.MaxJobs)] {
		out = append(out, PersistRequest{
			JobID:    info.JobID,
			Query:    Query{Types: info.Filter.Types, Levels: info.Filter.Levels},
			FileName: codec.CString(info.FileName[:]),
			Stream:   codec.CString(info.Stream[:]),
			FileSize: info.FileSize,
			FileNum:  info.FileNum,
		})
	}
	return out, nil
}

func (c *Client) PersistClear() error {
	return c.call(protocol.PersistClearRqst, &protocol.Placeholder{}, nil)
}

// Output streams matching records to fn until the daemon sends the end
// frame, fn returns an error, or ctx is done. A blocking query without
// Head only ends through fn or ctx. Cancelling ctx closes the connection.
func (c *Client) Output(ctx context.Context, q Query, fn func(model.Record) error) error {
	f, err := q.wire()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	if err := protocol.WriteMsg(c.conn, protocol.OutputRqst, protocol.Success, &f); err != nil {
		return ctxErr(ctx, err)
	}
	if err := protocol.ReadMsg(c.conn, protocol.OutputRsp, nil); err != nil {
		return ctxErr(ctx, err)
	}

	hdrBuf := make([]byte, protocol.Size(protocol.OutputRecord{}))
	body := make([]byte, 0, model.MaxTagLen+model.MaxLogLen)
	for {
		if _, err := io.ReadFull(c.conn, hdrBuf); err != nil {
			return ctxErr(ctx, err)
		}
		var h protocol.OutputRecord
		if err := protocol.Unmarshal(hdrBuf, &h); err != nil {
			return err
		}
		if h.End {
			return nil
		}
		if h.Len == 0 {
			// idle keep-alive
			continue
		}
		if int(h.TagLen) > int(h.Len) || int(h.Len) > cap(body) {
			return fmt.Errorf("record lengths tag %d total %d: %w", h.TagLen, h.Len, protocol.ErrMsgLenInvalid)
		}
		body = body[:h.Len]
		if _, err := io.ReadFull(c.conn, body); err != nil {
			return ctxErr(ctx, err)
		}
		r := model.Record{
			Type:    model.LogType(h.Type),
			Level:   model.Level(h.Level),
			Pid:     h.Pid,
			Tid:     h.Tid,
			Domain:  h.Domain,
			TvSec:   h.TvSec,
			TvNsec:  h.TvNsec,
			MonoSec: h.MonoSec,
			Tag:     codec.CString(body[:h.TagLen]),
			Content: codec.CString(body[h.TagLen:]),
		}
		if err := fn(r); err != nil {
			return err
		}
	}
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil && (errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)) {
		return ctx.Err()
	}
	return err
}
