package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/coffersTech/hilogd/internal/collector"
	"github.com/coffersTech/hilogd/internal/config"
	"github.com/coffersTech/hilogd/internal/engine"
	"github.com/coffersTech/hilogd/internal/flowctrl"
	"github.com/coffersTech/hilogd/internal/kmsg"
	"github.com/coffersTech/hilogd/internal/logging"
	"github.com/coffersTech/hilogd/internal/persist"
	"github.com/coffersTech/hilogd/internal/pkg/procinfo"
	"github.com/coffersTech/hilogd/internal/properties"
	"github.com/coffersTech/hilogd/internal/server"
)

func main() {
	cfg, err := config.FromArgs("hilogd", os.Args[1:])
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("configuration")
	}
	log := logging.New(cfg.Log)
	log.Info().Str("sockets", cfg.SocketDir).Str("persist_dir", cfg.PersistDir).Msg("hilogd starting")

	// 1. Properties and flow-control quotas
	props := properties.NewStore(cfg.Properties)
	if err := props.Load(); err != nil {
		log.Warn().Err(err).Str("path", cfg.Properties).Msg("properties not loaded, using defaults")
	}
	if properties.IsDebug(props) && log.GetLevel() > zerolog.DebugLevel {
		log = log.Level(zerolog.DebugLevel)
	}
	domainQuotas, procQuotas, err := flowctrl.LoadQuotaFiles(cfg.DomainQuotaFile, cfg.ProcQuotaFile)
	if err != nil {
		log.Warn().Err(err).Msg("quota files not loaded, flow control has no quotas")
	}
	flow := flowctrl.New(flowctrl.Options{
		Props:        props,
		DomainQuotas: domainQuotas,
		ProcQuotas:   procQuotas,
		ProcName:     procinfo.Name,
	})

	// 2. Buffers, statistics and collectors
	stats := engine.NewStats(
		properties.Bool(props, properties.KeyStats, false),
		properties.Bool(props, properties.KeyStatsTag, false),
		procinfo.Name,
	)
	mainBuf := engine.NewBuffer(cfg.SkipMode, stats)
	mainBuf.InitCapacities(props)
	kmsgBuf := engine.NewBuffer(cfg.KmsgSkipMode, stats)
	kmsgBuf.InitCapacities(props)

	coll := collector.New(collector.Options{Buffer: mainBuf, Flow: flow, Logger: log})
	kmsgColl := collector.New(collector.Options{Buffer: kmsgBuf, Logger: log})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kmsgReader := kmsg.NewReader(cfg.KmsgPath, kmsgColl, log)
	if properties.Bool(props, properties.KeyKmsg, false) {
		if err := kmsgReader.Start(ctx); err != nil {
			log.Warn().Err(err).Msg("kmsg reader not started")
		}
	}

	// 3. Resume persistence jobs left by the previous run
	if err := os.MkdirAll(cfg.PersistDir, 0o755); err != nil {
		log.Warn().Err(err).Str("dir", cfg.PersistDir).Msg("create persist dir")
	}
	jobs := persist.NewManager(persist.ManagerOptions{
		Dir:           cfg.PersistDir,
		Main:          mainBuf,
		Kmsg:          kmsgBuf,
		Logger:        log,
		FlushInterval: cfg.FlushInterval,
		Location:      cfg.Location(),
	})
	if n := jobs.Restore(); n > 0 {
		log.Info().Int("jobs", n).Msg("persistence jobs restored")
	}

	// 4. Sockets
	deps := &server.Deps{
		Main:           mainBuf,
		Kmsg:           kmsgBuf,
		Stats:          stats,
		Collector:      coll,
		Persist:        jobs,
		Props:          props,
		KmsgCtl:        kmsgReader,
		PPid:           procinfo.PPid,
		Logger:         log,
		PersistDirWait: cfg.PersistDirWait,
	}
	if err := os.MkdirAll(cfg.SocketDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.SocketDir).Msg("create socket dir")
	}
	input := server.NewInputServer(cfg.InputPath(), coll, log)
	if err := input.Listen(); err != nil {
		log.Fatal().Err(err).Str("socket", cfg.InputPath()).Msg("bind input socket")
	}
	output := server.NewControlServer(cfg.OutputPath(), server.OutputCmds, deps)
	control := server.NewControlServer(cfg.ControlPath(), server.ControlCmds, deps)
	for _, srv := range []*server.ControlServer{output, control} {
		if err := srv.Listen(); err != nil {
			log.Fatal().Err(err).Str("socket", srv.Addr()).Msg("bind control socket")
		}
	}

	go func() {
		if err := input.Serve(ctx); err != nil {
			log.Error().Err(err).Msg("input server stopped")
		}
	}()
	for _, srv := range []*server.ControlServer{output, control} {
		go func() {
			if err := srv.Serve(ctx); err != nil {
				log.Error().Err(err).Str("socket", srv.Addr()).Msg("control server stopped")
			}
		}()
	}
	log.Info().Msg("hilogd ready")

	// 5. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Stringer("signal", sig).Msg("shutting down")

	input.Close()
	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer stop()
	for _, srv := range []*server.ControlServer{output, control} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Str("socket", srv.Addr()).Msg("control server shutdown")
		}
	}
	cancel()
	kmsgReader.Stop()

	log.Info().Msg("flushing persistence jobs")
	jobs.Shutdown()
	log.Info().Msg("hilogd exited")
}
