package commands

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/teranos/crmpulse/am"
	"github.com/teranos/crmpulse/errors"
	"github.com/teranos/crmpulse/logger"
	"github.com/teranos/crmpulse/pulse/schedule"
)

// serveMetrics exposes /metrics and /healthz on addr. Returns nil when addr is empty.
func serveMetrics(addr string, metrics *schedule.Metrics, log *zap.SugaredLogger) *http.Server {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// The scheduler keeps running without its metrics endpoint
			log.Errorw("Metrics server failed", "addr", addr, logger.FieldError, err)
		}
	}()
	return srv
}

// watchConfig applies max_jobs_per_owner edits of the project am.toml to the
// running scheduler. Returns nil when there is no project config to watch.
func watchConfig(scheduler *schedule.Scheduler, log *zap.SugaredLogger) *am.ConfigWatcher {
	path := am.FindProjectConfig()
	if path == "" {
		return nil
	}

	watcher, err := am.NewConfigWatcher(path)
	if err != nil {
		log.Warnw("Config changes need a restart", "path", path, logger.FieldError, err)
		return nil
	}
	watcher.OnReload(func(cfg *am.Config) error {
		scheduler.SetMaxJobsPerOwner(cfg.Scheduler.MaxJobsPerOwner)
		return nil
	})
	watcher.Start()
	am.SetGlobalWatcher(watcher)
	return watcher
}
