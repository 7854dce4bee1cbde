package persist

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/coffersTech/hilogd/internal/engine"
	"github.com/coffersTech/hilogd/internal/model"
	"github.com/coffersTech/hilogd/internal/protocol"
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Dir           string
	Main          *engine.Buffer
	Kmsg          *engine.Buffer
	Logger        zerolog.Logger
	FlushInterval time.Duration
	Location      *time.Location
	MaxJobs       int
}

// Manager owns the persistence jobs of the daemon.
type Manager struct {
	opts     ManagerOptions
	registry *Registry
	log      zerolog.Logger
}

// NewManager creates a manager writing under opts.Dir.
func NewManager(opts ManagerOptions) *Manager {
	return &Manager{
		opts:     opts,
		registry: NewRegistry(opts.MaxJobs),
		log:      opts.Logger.With().Str("component", "persist").Logger(),
	}
}

// Dir is the persistence directory.
func (m *Manager) Dir() string { return m.opts.Dir }

// Registry exposes the job registry.
func (m *Manager) Registry() *Registry { return m.registry }

func (m *Manager) bufferFor(types uint16) *engine.Buffer {
	if types == model.KmsgMask && m.opts.Kmsg != nil {
		return m.opts.Kmsg
	}
	return m.opts.Main
}

// StartJob initializes and starts a job. With restore it resumes from info.
func (m *Manager) StartJob(info RecoveryInfo, restore bool) (*Job, error) {
	j := NewJob(info.Start, JobOptions{
		Buffer:        m.bufferFor(info.Start.Filter.Types),
		Registry:      m.registry,
		Logger:        m.log,
		FlushInterval: m.opts.FlushInterval,
		Location:      m.opts.Location,
	})
	if err := j.Init(info, restore); err != nil {
		return nil, err
	}
	j.Start()
	return j, nil
}

// selectJobs resolves a request id: 0 selects every job.
func (m *Manager) selectJobs(id uint32) ([]*Job, error) {
	if id == 0 {
		jobs := m.registry.List()
		if len(jobs) == 0 {
			return nil, protocol.ErrPersistTaskEmpty
		}
		return jobs, nil
	}
	j, ok := m.registry.Get(id)
	if !ok {
		return nil, protocol.ErrJobidNotExsist
	}
	return []*Job{j}, nil
}

// Stop stops the selected jobs and returns their ids.
func (m *Manager) Stop(id uint32) ([]uint32, error) {
	jobs, err := m.selectJobs(id)
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, 0, len(jobs))
	for _, j := range jobs {
		j.Stop()
		ids = append(ids, j.ID())
	}
	return ids, nil
}

// Refresh flushes the selected jobs and returns their ids.
func (m *Manager) Refresh(id uint32) ([]uint32, error) {
	jobs, err := m.selectJobs(id)
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, 0, len(jobs))
	for _, j := range jobs {
		j.Refresh()
		ids = append(ids, j.ID())
	}
	return ids, nil
}

// Query returns the parameters of every running job.
func (m *Manager) Query() ([]StartMsg, error) {
	jobs := m.registry.List()
	if len(jobs) == 0 {
		return nil, protocol.ErrNoRunningTask
	}
	out := make([]StartMsg, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Params())
	}
	return out, nil
}

// Restore relaunches the jobs recorded in the persistence directory.
func (m *Manager) Restore() int {
	return Restore(m.opts.Dir, m.log, func(info RecoveryInfo) error {
		_, err := m.StartJob(info, true)
		return err
	})
}

// Clear removes persisted files that no running job writes to.
func (m *Manager) Clear() error {
	return Clear(m.opts.Dir, m.registry)
}

// Shutdown halts every job, keeping recovery files for the next start.
func (m *Manager) Shutdown() {
	for _, j := range m.registry.List() {
		j.Shutdown()
	}
}

// Restore scans dir for recovery files and calls start for each valid one.
// Files failing their checksum are skipped. It returns the number of jobs
// started.
func Restore(dir string, log zerolog.Logger, start func(RecoveryInfo) error) int {
	matches, err := filepath.Glob(filepath.Join(dir, auxPrefix+"*"+recoverySuffix))
	if err != nil {
		log.Error().Err(err).Msg("scan recovery files")
		return 0
	}
	started := 0
	for _, path := range matches {
		if filepath.Base(path) == "hilog.info" {
			continue
		}
		info, err := ReadRecoveryFile(path)
		if err != nil {
			log.Warn().Err(err).Str("file", path).Msg("skip recovery file")
			continue
		}
		if err := start(info); err != nil {
			log.Warn().Err(err).Uint32("job", info.Start.JobID).Msg("restore persist job")
			continue
		}
		log.Info().Uint32("job", info.Start.JobID).Uint32("index", info.Index).Msg("persist job restored")
		started++
	}
	return started
}

// Clear deletes the rotated log files in dir that do not belong to a job
// registered in r. Staging and recovery files are left alone.
func Clear(dir string, r *Registry) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return protocol.ErrLogPersistDirOpenFail
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, auxPrefix) {
			continue
		}
		path := filepath.Join(dir, name)
		if r.Owns(path) {
			continue
		}
		i := strings.LastIndex(strings.TrimSuffix(strings.TrimSuffix(name, ".gz"), ".zst"), ".")
		if i < 0 || !isRotatedName(name[i+1:]) {
			continue
		}
		os.Remove(path)
	}
	return nil
}
