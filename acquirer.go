package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-rod/rod/lib/launcher"
)

// LaunchAttempt records one acquisition strategy that was tried.
type LaunchAttempt struct {
	Strategy string
	Started  time.Time
	Duration time.Duration
	Err      error
}

type spawnedProcess interface {
	liveProcess
	Kill() error
}

type acquireStrategy struct {
	name string
	run  func(ctx context.Context) (*Session, error)
}

// Acquirer produces a connected Session, trying reuse, conflict resolution, a managed launch and
// finally a rod-managed launch. The function fields are replaced in tests.
type Acquirer struct {
	cfg     *Config
	prober  portProber
	procs   processTable
	poller  *Poller
	locate  func(override string) (*BrowserTarget, error)
	spawn   func(target *BrowserTarget, args []string) (spawnedProcess, error)
	connect func(ctx context.Context, controlURL string) (*Session, error)
	library func(ctx context.Context, target *BrowserTarget) (*Session, error)
	sleep   func(context.Context, time.Duration) error
	metrics *Metrics

	target   *BrowserTarget
	Attempts []LaunchAttempt
}

func NewAcquirer(cfg *Config, metrics *Metrics) *Acquirer {
	prober := NewProber(cfg.ProbeTimeout, cfg.BrowserIDs)
	a := &Acquirer{
		cfg:     cfg,
		prober:  prober,
		procs:   newOSProcesses(cfg.ProcessName),
		poller:  NewPoller(prober, cfg.DebugPort, cfg.PollAttempts, cfg.PollInterval, cfg.LivenessGraceTicks),
		locate:  NewLocator().Locate,
		sleep:   sleepCtx,
		metrics: metrics,
	}
	a.spawn = func(target *BrowserTarget, args []string) (spawnedProcess, error) {
		return startChild(target.Path, args, browserEnv())
	}
	a.connect = func(ctx context.Context, controlURL string) (*Session, error) {
		return connectBrowser(ctx, controlURL, cfg.Stealth)
	}
	a.library = a.launchWithRod
	return a
}

// Acquire runs the strategies in order and returns the first session obtained. ErrBrowserNotFound
// aborts immediately; otherwise a *LaunchError lists every failed attempt.
func (a *Acquirer) Acquire(ctx context.Context) (*Session, error) {
	a.Attempts = nil
	a.target = nil

	strategies := []acquireStrategy{
		{"reuse", a.reuse},
		{"conflict", a.resolveConflict},
		{"managed", a.managedLaunch},
		{"library", a.libraryLaunch},
	}

	for _, s := range strategies {
		started := time.Now()
		sess, err := s.run(ctx)
		a.Attempts = append(a.Attempts, LaunchAttempt{
			Strategy: s.name,
			Started:  started,
			Duration: time.Since(started),
			Err:      err,
		})

		if err == nil {
			sess.Strategy = s.name
			sess.Port = a.cfg.DebugPort
			if sess.Target == nil {
				sess.Target = a.target
			}
			a.metrics.LaunchAttempt(s.name, true)
			L_info(T("acquire_ok"), "strategy", s.name, "owned", sess.Owned)
			return sess, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrNotApplicable) {
			L_debug("acquire strategy skipped", "strategy", s.name, "reason", err)
			continue
		}

		a.metrics.LaunchAttempt(s.name, false)
		if errors.Is(err, ErrBrowserNotFound) {
			L_error(T("browser_not_found"))
			return nil, err
		}
		L_warn(T("acquire_failed"), "strategy", s.name, "error", err)
	}

	return nil, &LaunchError{Attempts: a.Attempts}
}

func (a *Acquirer) controlURL() string {
	return strconv.Itoa(a.cfg.DebugPort)
}

func (a *Acquirer) reuse(ctx context.Context) (*Session, error) {
	if !a.prober.Probe(ctx, a.cfg.DebugPort) {
		return nil, fmt.Errorf("nothing listening on port %d: %w", a.cfg.DebugPort, ErrNotApplicable)
	}

	L_info(T("acquire_reusing"), "port", a.cfg.DebugPort)
	sess, err := a.connect(ctx, a.controlURL())
	if err != nil {
		return nil, fmt.Errorf("attach to port %d: %w", a.cfg.DebugPort, err)
	}
	sess.Owned = false
	return sess, nil
}

// resolveConflict handles a browser that is running but not serving the debug port. It gets a
// grace period to come up, then every matching process is terminated.
func (a *Acquirer) resolveConflict(ctx context.Context) (*Session, error) {
	if !a.procs.Running() {
		return nil, fmt.Errorf("no browser process running: %w", ErrNotApplicable)
	}

	L_warn(T("conflict_detected"), "grace", a.cfg.ConflictGrace)
	if a.waitForPort(ctx, a.cfg.ConflictGrace) {
		sess, err := a.connect(ctx, a.controlURL())
		if err == nil {
			sess.Owned = false
			return sess, nil
		}
		L_warn("attach after grace period failed", "error", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	L_warn(T("conflict_terminating"))
	if err := a.procs.TerminateAll(); err != nil {
		L_warn("terminate browsers", "error", err)
	}
	removePIDFile(a.cfg.PIDFile)
	if a.cfg.ProfileDir != "" {
		if err := os.RemoveAll(a.cfg.ProfileDir); err != nil {
			L_warn("clear profile dir", "dir", a.cfg.ProfileDir, "error", err)
		}
	}

	return nil, fmt.Errorf("browser without debug port on %d terminated", a.cfg.DebugPort)
}

func (a *Acquirer) waitForPort(ctx context.Context, grace time.Duration) bool {
	step := 500 * time.Millisecond
	for waited := time.Duration(0); waited < grace; waited += step {
		if err := a.sleep(ctx, step); err != nil {
			return false
		}
		if a.prober.Probe(ctx, a.cfg.DebugPort) {
			return true
		}
	}
	return false
}

func (a *Acquirer) resolveTarget() (*BrowserTarget, error) {
	if a.target != nil {
		return a.target, nil
	}
	target, err := a.locate(a.cfg.ChromePath)
	if err != nil {
		return nil, err
	}
	L_info(T("browser_found"), "name", target.Name, "path", target.Path, "version", target.Version)
	a.target = target
	return target, nil
}

func (a *Acquirer) managedLaunch(ctx context.Context) (*Session, error) {
	target, err := a.resolveTarget()
	if err != nil {
		return nil, err
	}

	stopPreviousLaunch(a.cfg.PIDFile, browserNames(a.cfg, target))
	if err := prepareProfileDir(a.cfg.ProfileDir); err != nil {
		return nil, fmt.Errorf("prepare profile dir: %w", err)
	}

	args := launchFlags(a.cfg)
	L_debug("launch flags", "flags", strings.Join(args, " "))

	proc, err := a.spawn(target, args)
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", target.Path, err)
	}
	L_info(T("browser_spawned"), "pid", proc.Pid(), "port", a.cfg.DebugPort)

	if err := writePIDFile(a.cfg.PIDFile, proc.Pid()); err != nil {
		L_warn("write pid file", "file", a.cfg.PIDFile, "error", err)
	}

	fail := func(err error) (*Session, error) {
		if kerr := proc.Kill(); kerr != nil {
			L_debug("kill spawned browser", "pid", proc.Pid(), "error", kerr)
		}
		removePIDFile(a.cfg.PIDFile)
		return nil, err
	}

	if err := a.poller.WaitUntilReady(ctx, proc); err != nil {
		return fail(err)
	}

	sess, err := a.connect(ctx, a.controlURL())
	if err != nil {
		return fail(fmt.Errorf("attach to spawned browser: %w", err))
	}

	sess.Owned = true
	sess.PID = proc.Pid()
	sess.Target = target
	sess.process = proc
	sess.pidFile = a.cfg.PIDFile
	return sess, nil
}

func (a *Acquirer) libraryLaunch(ctx context.Context) (*Session, error) {
	target, err := a.resolveTarget()
	if err != nil {
		return nil, err
	}
	L_info(T("library_launching"), "path", target.Path)
	return a.library(ctx, target)
}

// launchWithRod lets rod's launcher own the process with its default profile and flags.
func (a *Acquirer) launchWithRod(ctx context.Context, target *BrowserTarget) (*Session, error) {
	// leakless deadlocks on windows (go-rod/rod#853)
	l := launcher.New().
		Context(ctx).
		Bin(target.Path).
		Headless(a.cfg.Headless).
		Leakless(runtime.GOOS != "windows")

	controlURL, err := l.Launch()
	if err != nil {
		if isProfileLockError(err) {
			return nil, fmt.Errorf("profile locked by a running browser: %w", err)
		}
		return nil, fmt.Errorf("rod launcher: %w", err)
	}

	sess, err := a.connect(ctx, controlURL)
	if err != nil {
		l.Kill()
		l.Cleanup()
		return nil, fmt.Errorf("attach to rod-launched browser: %w", err)
	}

	sess.Owned = true
	sess.PID = l.PID()
	sess.Target = target
	sess.launcher = l
	return sess, nil
}

// stopPreviousLaunch kills a browser an earlier run left behind, found through the PID marker. A pid
// that now belongs to something other than a browser is left alone.
func stopPreviousLaunch(pidFile string, names []string) {
	pid, err := readPIDFile(pidFile)
	if err != nil {
		return
	}
	if processAlive(pid) {
		if !isBrowserProcess(pid, names) {
			L_debug("pid marker points at a non-browser process, not killing", "pid", pid)
		} else if proc, err := os.FindProcess(pid); err == nil {
			L_warn("stopping browser left by a previous run", "pid", pid)
			if err := killProcess(proc); err != nil {
				L_debug("kill previous browser", "pid", pid, "error", err)
			}
		}
	}
	removePIDFile(pidFile)
}

// browserNames is every executable name a browser this run launched could show up as.
func browserNames(cfg *Config, target *BrowserTarget) []string {
	names := slices.Clone(cfg.ProcessName)
	if len(names) == 0 {
		names = defaultProcessNames()
	}
	if target != nil && target.Path != "" {
		names = append(names, filepath.Base(target.Path))
	}
	return names
}

// prepareProfileDir gives each managed launch an empty profile so nothing from a previous run
// can lock it.
func prepareProfileDir(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		L_warn("remove old profile dir", "dir", dir, "error", err)
		cleanupStaleLocks(dir)
	}
	return os.MkdirAll(dir, 0755)
}

func cleanupStaleLocks(profileDir string) {
	for _, lockFile := range []string{"SingletonLock", "SingletonCookie", "SingletonSocket"} {
		lockPath := filepath.Join(profileDir, lockFile)
		if _, err := os.Lstat(lockPath); err != nil {
			continue
		}
		if err := os.Remove(lockPath); err != nil {
			L_warn("failed to remove stale lock file", "file", lockPath, "error", err)
		} else {
			L_info("removed stale lock file", "file", lockPath)
		}
	}
}

var baseLaunchFlags = []string{
	"--no-sandbox",
	"--disable-setuid-sandbox",
	"--disable-gpu",
	"--disable-gpu-sandbox",
	"--disable-software-rasterizer",
	"--disable-dev-shm-usage",
	"--disable-extensions",
	"--disable-plugins",
	"--disable-default-apps",
	"--disable-sync",
	"--disable-translate",
	"--disable-logging",
	"--disable-background-networking",
	"--disable-component-update",
	"--disable-client-side-phishing-detection",
	"--disable-hang-monitor",
	"--disable-prompt-on-repost",
	"--disable-domain-reliability",
	"--disable-popup-blocking",
	"--disable-background-timer-throttling",
	"--disable-backgrounding-occluded-windows",
	"--disable-renderer-backgrounding",
	"--disable-ipc-flooding-protection",
	"--disable-features=AudioServiceOutOfProcess,TranslateUI,VizDisplayCompositor",
	"--memory-pressure-off",
	"--no-first-run",
	"--no-default-browser-check",
}

// launchFlags builds the managed-launch command line. Later duplicates of a flag name are dropped.
func launchFlags(cfg *Config) []string {
	all := []string{
		"--remote-debugging-port=" + strconv.Itoa(cfg.DebugPort),
	}
	if cfg.ProfileDir != "" {
		all = append(all, "--user-data-dir="+cfg.ProfileDir)
	}
	all = append(all, baseLaunchFlags...)
	if cfg.Headless {
		all = append(all, "--headless=new")
	}
	all = append(all, cfg.ExtraFlags...)

	seen := make(map[string]bool, len(all))
	out := make([]string, 0, len(all))
	for _, f := range all {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		name, _, _ := strings.Cut(f, "=")
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, f)
	}
	return out
}

// browserEnv is the spawned browser's environment; X11 display defaults to :0 on linux.
func browserEnv() []string {
	env := os.Environ()
	if runtime.GOOS == "linux" && os.Getenv("DISPLAY") == "" {
		env = append(env, "DISPLAY=:0")
	}
	return env
}
