// Package doctor validates a coordinator configuration against the host
// environment before startup.
package doctor

import (
	"fmt"
	"net"
	"os"

	"github.com/nebojsa-prodana/automation-client/internal/config"
	"github.com/nebojsa-prodana/automation-client/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Field    string `json:"field,omitempty"`
	Message  string `json:"message"`
}

// Doctor checks a loaded configuration.
type Doctor struct {
	cfg *config.Config
}

// New creates a Doctor for cfg.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks.
func (d *Doctor) Validate() *Result {
	r := &Result{}

	d.checkWorkerEntrypoint(r)
	d.checkHistoryPath(r)
	d.checkAPIListen(r)
	d.warnPoolSizing(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (r *Result) addError(category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (r *Result) addWarning(category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// checkWorkerEntrypoint verifies the worker binary exists and is executable.
func (d *Doctor) checkWorkerEntrypoint(r *Result) {
	path := d.cfg.Pool.WorkerEntrypoint
	info, err := os.Stat(path)
	if err != nil {
		r.addError("pool", "pool.worker_entrypoint", fmt.Sprintf("cannot stat %q: %v", path, err))
		return
	}
	if info.IsDir() {
		r.addError("pool", "pool.worker_entrypoint", fmt.Sprintf("%q is a directory", path))
		return
	}
	if info.Mode().Perm()&0o111 == 0 {
		r.addError("pool", "pool.worker_entrypoint", fmt.Sprintf("%q is not executable", path))
	}
}

// checkHistoryPath verifies the database location is usable.
func (d *Doctor) checkHistoryPath(r *Result) {
	if !d.cfg.History.Enabled {
		return
	}
	if err := storage.CheckLocalFilesystem(d.cfg.History.Path); err != nil {
		r.addError("history", "history.path", err.Error())
	}
}

// checkAPIListen verifies the listen address parses.
func (d *Doctor) checkAPIListen(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if _, _, err := net.SplitHostPort(d.cfg.API.Listen); err != nil {
		r.addError("api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
	}
	if d.cfg.API.AuthToken == "" {
		r.addWarning("api", "api.auth_token", "API is enabled without an auth token; anyone who can reach the listen address can submit work")
	}
}

// warnPoolSizing flags configurations likely to starve or thrash.
func (d *Doctor) warnPoolSizing(r *Result) {
	if d.cfg.Pool.NumWorkers > 32 {
		r.addWarning("pool", "pool.num_workers",
			fmt.Sprintf("%d worker processes is unusually high", d.cfg.Pool.NumWorkers))
	}
	if d.cfg.Pool.MaxConcurrentPerWorker > 64 {
		r.addWarning("pool", "pool.max_concurrent_per_worker",
			fmt.Sprintf("per-worker cap of %d defeats backpressure", d.cfg.Pool.MaxConcurrentPerWorker))
	}
}
