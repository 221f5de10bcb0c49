package scanning

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/Ullaakut/nmap/v3"

	"github.com/anstrom/portwatch/internal/errors"
	"github.com/anstrom/portwatch/internal/logging"
	"github.com/anstrom/portwatch/internal/metrics"
	"github.com/anstrom/portwatch/internal/profiles"
)

//go:generate mockgen -destination=mocks/mock_executor.go -package=mocks . Executor

const (
	// minScanRate matches the packet rate the watcher has always used.
	minScanRate = 10000

	hostStateUp = "up"
)

// Executor performs one blocking scan of one host. Implementations must
// honour ctx cancellation and report an unresponsive host as a snapshot
// with Reachable set to false, never as an error.
type Executor interface {
	Scan(ctx context.Context, profile profiles.HostProfile, opts Options) (*Snapshot, error)
}

// runner executes nmap with the given options. Swapped out in tests.
type runner func(ctx context.Context, options ...nmap.Option) (*nmap.Run, error)

// NmapExecutor runs scans through the nmap binary.
type NmapExecutor struct {
	run    runner
	logger *logging.Logger
	now    func() time.Time
}

// NewNmapExecutor creates an executor backed by nmap.
func NewNmapExecutor(logger *logging.Logger) *NmapExecutor {
	if logger == nil {
		logger = logging.Default()
	}
	e := &NmapExecutor{
		logger: logger.WithComponent("executor"),
		now:    time.Now,
	}
	e.run = e.runNmap
	return e
}

// Scan implements Executor.
func (e *NmapExecutor) Scan(ctx context.Context, profile profiles.HostProfile, opts Options) (*Snapshot, error) {
	mode := string(opts.Mode)
	start := e.now()
	defer func() {
		metrics.GetGlobalMetrics().RecordScanDuration(mode, time.Since(start))
	}()

	if err := profile.Validate(); err != nil {
		metrics.GetGlobalMetrics().IncrementScanErrors(mode, string(errors.CodeTargetInvalid))
		return nil, errors.WrapScanError(errors.CodeTargetInvalid, "invalid host profile", profile.Host, err)
	}

	scanCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	log := e.logger.WithHost(profile.Host)
	log.Debug("Starting scan", "ports", profile.Ports.String(), "scan_mode", mode)

	result, err := e.run(scanCtx, buildScanOptions(profile, opts)...)
	if err == nil && result == nil {
		err = errors.NewScanError(errors.CodeScanFailed, "scan backend returned no result", profile.Host)
	}
	if err != nil {
		scanErr, ok := err.(*errors.ScanError)
		if !ok {
			scanErr = classifyError(ctx, scanCtx, profile.Host, err)
		}
		if scanErr.Code == errors.CodeTimeout {
			scanErr = scanErr.WithContext("timeout", opts.Timeout.String())
		}
		log.WithError(scanErr).Debug("Scan failed", "code", scanErr.Code)
		metrics.GetGlobalMetrics().IncrementScanErrors(mode, string(scanErr.Code))
		metrics.GetGlobalMetrics().IncrementScansTotal(mode, "error")
		return nil, scanErr
	}

	snapshot := snapshotFromRun(profile.Host, e.now(), result)
	metrics.GetGlobalMetrics().IncrementScansTotal(mode, "success")
	e.logger.InfoScan("Scan completed", profile.Host,
		"reachable", snapshot.Reachable,
		"ports", len(snapshot.Ports),
		"duration", time.Since(start))

	return snapshot, nil
}

func (e *NmapExecutor) runNmap(ctx context.Context, options ...nmap.Option) (*nmap.Run, error) {
	scanner, err := nmap.NewScanner(ctx, options...)
	if err != nil {
		return nil, err
	}

	result, warnings, err := scanner.Run()
	if err != nil {
		return nil, err
	}
	if warnings != nil && len(*warnings) > 0 {
		e.logger.Warn("Scan completed with warnings", "warnings", *warnings)
	}
	return result, nil
}

// buildScanOptions creates nmap options for one host profile.
func buildScanOptions(profile profiles.HostProfile, opts Options) []nmap.Option {
	options := []nmap.Option{
		nmap.WithTargets(profile.Host),
		nmap.WithPorts(profile.Ports.String()),
		nmap.WithMinRate(minScanRate),
	}

	switch opts.Mode {
	case profiles.ModeVersion:
		options = append(options, nmap.WithServiceInfo())
	default:
		options = append(options, nmap.WithSYNScan())
	}

	if opts.BackendPath != "" {
		options = append(options, nmap.WithBinaryPath(opts.BackendPath))
	}

	return options
}

// classifyError maps a backend failure onto the scan error taxonomy.
// parent is the caller's context, scanCtx carries the per-scan timeout.
func classifyError(parent, scanCtx context.Context, host string, err error) *errors.ScanError {
	switch {
	case parent.Err() != nil:
		return errors.ErrScanCanceled(host, err)
	case stderrors.Is(scanCtx.Err(), context.DeadlineExceeded),
		stderrors.Is(err, nmap.ErrScanTimeout):
		return errors.ErrScanTimeout(host, err)
	case stderrors.Is(err, nmap.ErrNmapNotInstalled):
		return errors.WrapScanError(errors.CodeBackendMissing, "scan backend not found", host, err)
	default:
		return errors.ErrScanFailed(host, err)
	}
}

// snapshotFromRun converts nmap output into a snapshot. The host is
// reachable only if nmap reports it up. Closed ports are left out so that
// the snapshot holds only ports that were observed open or filtered.
func snapshotFromRun(host string, ts time.Time, run *nmap.Run) *Snapshot {
	if run == nil {
		return Unreachable(host, ts)
	}

	for i := range run.Hosts {
		h := &run.Hosts[i]
		if !strings.EqualFold(h.Status.State, hostStateUp) {
			continue
		}

		snapshot := &Snapshot{
			Host:      host,
			Timestamp: ts,
			Ports:     make(map[int]PortStatus, len(h.Ports)),
			Reachable: true,
		}
		for j := range h.Ports {
			p := &h.Ports[j]
			state := ParsePortState(p.State.State)
			if state == StateClosed {
				continue
			}
			snapshot.Ports[int(p.ID)] = NewPortStatus(state,
				serviceDescriptor(p.Service.Name, p.Service.Product, p.Service.Version))
		}
		return snapshot
	}

	return Unreachable(host, ts)
}

// serviceDescriptor joins the non-empty service fields with spaces.
func serviceDescriptor(parts ...string) string {
	fields := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			fields = append(fields, p)
		}
	}
	return strings.Join(fields, " ")
}
