// Package persist drains ring buffer readers into compressed, rotated log
// files and keeps enough metadata on disk to resume after a restart.
package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/coffersTech/hilogd/internal/engine"
	"github.com/coffersTech/hilogd/internal/model"
	"github.com/coffersTech/hilogd/internal/protocol"
	"github.com/coffersTech/hilogd/internal/storage"
)

// DefaultFlushInterval is how long staged bytes may wait when no new
// records arrive.
const DefaultFlushInterval = 5 * time.Second

// State is the lifecycle position of a Job.
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Job is one persistence task bound to a buffer reader.
type Job struct {
	start    StartMsg
	buf      *engine.Buffer
	registry *Registry
	log      zerolog.Logger
	interval time.Duration
	loc      *time.Location

	filter engine.Filter
	reader engine.ReaderID

	// mu guards the staging area, compressor and rotator.
	mu          sync.Mutex
	comp        storage.Compressor
	rotator     *Rotator
	staging     *Staging
	sinceRotate uint64
	line        []byte

	state    atomic.Int32
	notify   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// JobOptions carries the collaborators of a Job.
type JobOptions struct {
	Buffer        *engine.Buffer
	Registry      *Registry
	Logger        zerolog.Logger
	FlushInterval time.Duration
	Location      *time.Location
}

// NewJob builds an uninitialized job.
func NewJob(start StartMsg, opts JobOptions) *Job {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	j := &Job{
		start:    start,
		buf:      opts.Buffer,
		registry: opts.Registry,
		log:      opts.Logger.With().Uint32("job", start.JobID).Str("path", start.FilePath).Logger(),
		interval: opts.FlushInterval,
		loc:      opts.Location,
		filter:   start.Filter,
		notify:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	j.filter.Compile()
	return j
}

// ID returns the job id.
func (j *Job) ID() uint32 { return j.start.JobID }

// Params returns the parameters the job runs with.
func (j *Job) Params() StartMsg { return j.start }

// State returns the lifecycle state.
func (j *Job) State() State { return State(j.state.Load()) }

// Init registers the job and opens its files. With restore the rotation
// resumes at info.Index and bytes left in the staging file are flushed
// before the pull loop runs.
func (j *Job) Init(info RecoveryInfo, restore bool) error {
	dir := filepath.Dir(j.start.FilePath)
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		return protocol.ErrLogPersistFilePathInvalid
	}
	if err := j.registry.Add(j); err != nil {
		return err
	}

	comp, err := storage.NewCompressor(j.start.Algorithm)
	if err != nil {
		j.registry.Remove(j)
		return err
	}
	j.comp = comp

	info.Start = j.start
	j.rotator = NewRotator(j.start)
	if err := j.rotator.Init(info, restore); err != nil {
		j.registry.Remove(j)
		return err
	}

	j.staging, err = OpenStaging(StagingPath(dir, j.ID()), restore)
	if err != nil {
		j.rotator.Close()
		j.rotator.RemoveInfo()
		j.registry.Remove(j)
		return fmt.Errorf("%v: %w", err, protocol.ErrLogPersistFileOpenFail)
	}
	if restore && j.staging.Len() > 0 {
		j.log.Info().Int("bytes", j.staging.Len()).Msg("replaying staged bytes")
		j.mu.Lock()
		j.flushLocked()
		j.mu.Unlock()
	}

	j.reader = j.buf.CreateReader(j.onNewData)
	j.state.Store(int32(StateInitialized))
	return nil
}

func (j *Job) onNewData() {
	select {
	case j.notify <- struct{}{}:
	default:
	}
}

// Start spawns the pull loop. Later calls do nothing.
func (j *Job) Start() {
	if !j.state.CompareAndSwap(int32(StateInitialized), int32(StateRunning)) {
		return
	}
	j.wg.Add(1)
	go j.loop()
	j.log.Info().Str("alg", j.start.Algorithm.String()).Msg("persist job started")
}

func (j *Job) loop() {
	defer j.wg.Done()
	timer := time.NewTimer(j.interval)
	defer timer.Stop()

	for {
		select {
		case <-j.stopCh:
			return
		default:
		}

		if rec, ok := j.buf.Query(&j.filter, j.reader, 0); ok {
			j.write(&rec)
			continue
		}

		timer.Reset(j.interval)
		select {
		case <-j.stopCh:
			return
		case <-j.notify:
		case <-timer.C:
			j.Refresh()
		}
	}
}

func (j *Job) write(r *model.Record) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.line = AppendLine(j.line[:0], r, j.loc)
	line := j.line
	if len(line) > j.staging.Cap() {
		line = line[:j.staging.Cap()]
	}
	if j.staging.Write(line) {
		return
	}
	j.flushLocked()
	j.staging.Write(line)
}

// Refresh compresses and writes out everything staged so far.
func (j *Job) Refresh() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.staging != nil {
		j.flushLocked()
	}
}

func (j *Job) flushLocked() {
	if j.staging.Len() == 0 {
		return
	}
	defer j.staging.Reset()

	out, err := j.comp.Compress(j.staging.Bytes())
	if err != nil {
		j.log.Error().Err(err).Msg("compress staged bytes")
		return
	}
	if err := j.rotator.Input(out); err != nil {
		j.log.Error().Err(err).Msg("write compressed chunk")
		return
	}
	j.sinceRotate += uint64(len(out))
	if j.start.FileSize > 0 && j.sinceRotate >= uint64(j.start.FileSize) {
		j.rotator.FinishInput()
		j.sinceRotate = 0
	}
}

// halt stops the pull loop, flushes and releases the reader.
func (j *Job) halt() bool {
	stopped := false
	j.stopOnce.Do(func() {
		close(j.stopCh)
		j.wg.Wait()
		j.buf.RemoveReader(j.reader)
		j.mu.Lock()
		if j.staging != nil {
			j.flushLocked()
		}
		j.mu.Unlock()
		j.state.Store(int32(StateStopped))
		stopped = true
	})
	return stopped
}

// Stop ends the job for good: the staging and recovery files are deleted
// and the job leaves the registry.
func (j *Job) Stop() {
	if !j.halt() || j.staging == nil {
		return
	}
	j.mu.Lock()
	if err := j.staging.Remove(); err != nil {
		j.log.Warn().Err(err).Msg("remove staging file")
	}
	j.rotator.Close()
	if err := j.rotator.RemoveInfo(); err != nil {
		j.log.Warn().Err(err).Msg("remove recovery file")
	}
	j.staging = nil
	j.mu.Unlock()
	j.registry.Remove(j)
	j.log.Info().Msg("persist job stopped")
}

// Shutdown ends the job but leaves its recovery file so the next daemon
// start resumes it.
func (j *Job) Shutdown() {
	if !j.halt() || j.staging == nil {
		return
	}
	j.mu.Lock()
	j.staging.Close()
	j.rotator.Close()
	j.staging = nil
	j.mu.Unlock()
	j.registry.Remove(j)
}
