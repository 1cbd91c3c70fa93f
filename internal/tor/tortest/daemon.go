package tortest

import (
	"crypto/rand"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// DaemonEnv selects the fake daemon behaviour when the test binary is
// re-executed as "tor".
const DaemonEnv = "TORPOOL_FAKE_TOR"

// Fake daemon behaviours.
const (
	// ModeServe opens the SOCKS and control ports, writes the cookie and
	// serves until SIGTERM.
	ModeServe = "serve"
	// ModeServeIgnoreTerm is ModeServe, but only SIGKILL stops it.
	ModeServeIgnoreTerm = "serve-ignore-term"
	// ModeServeWithChild is ModeServe after starting a child process that
	// inherits stdout and stderr and never exits on its own.
	ModeServeWithChild = "serve-with-child"
	// ModeExitWithChild starts such a child, then behaves like ModeExit.
	ModeExitWithChild = "exit-with-child"
	// ModeHang never opens the control port.
	ModeHang = "hang"
	// ModeHangIgnoreTerm never opens the control port and ignores SIGTERM.
	ModeHangIgnoreTerm = "hang-ignore-term"
	// ModeBindFailure prints tor's bind error and exits 1.
	ModeBindFailure = "bind-failure"
	// ModeExit prints an error and exits 1.
	ModeExit = "exit"

	modeChild = "child"
)

// PIDFileName is written into the data directory by every fake daemon so
// tests can check the process is gone after teardown.
const PIDFileName = "fake-tor.pid"

// ChildPIDFileName is written into the data directory by the child of
// ModeServeWithChild and ModeExitWithChild.
const ChildPIDFileName = "fake-tor-child.pid"

// DaemonEnvFor returns the environment entry selecting mode.
func DaemonEnvFor(mode string) string {
	return DaemonEnv + "=" + mode
}

// MaybeRunDaemon turns the current process into a fake tor daemon when
// DaemonEnv is set, and exits. Call it first thing in TestMain.
func MaybeRunDaemon() {
	mode := os.Getenv(DaemonEnv)
	if mode == "" {
		return
	}
	os.Exit(runDaemon(mode, os.Args[1:]))
}

func runDaemon(mode string, args []string) int {
	opts := parseArgs(args)
	dir := opts["--DataDirectory"]
	if mode == modeChild {
		writePID(dir, ChildPIDFileName)
		for {
			time.Sleep(time.Hour)
		}
	}

	fmt.Fprintf(os.Stderr, "[notice] fake tor starting in %s mode\n", mode)
	writePID(dir, PIDFileName)

	switch mode {
	case ModeServeWithChild, ModeExitWithChild:
		if err := startChild(dir); err != nil {
			fmt.Fprintf(os.Stderr, "[err] failed to start child: %v\n", err)
			return 1
		}
	}

	switch mode {
	case ModeServe, ModeServeWithChild:
		return serveDaemon(opts, false)
	case ModeServeIgnoreTerm:
		return serveDaemon(opts, true)
	case ModeHang:
		waitForSignal()
		return 0
	case ModeHangIgnoreTerm:
		signal.Ignore(syscall.SIGTERM)
		for {
			time.Sleep(time.Hour)
		}
	case ModeBindFailure:
		fmt.Fprintf(os.Stderr, "[warn] Could not bind to %s: Address already in use. Is Tor already running?\n",
			opts["--ControlPort"])
		return 1
	default:
		fmt.Fprintln(os.Stderr, "[err] Reading config failed--see warnings above.")
		return 1
	}
}

func serveDaemon(opts map[string]string, ignoreTerm bool) int {
	if ignoreTerm {
		signal.Ignore(syscall.SIGTERM)
	}

	// Like tor, the cookie is on disk before the control port accepts
	// connections.
	cookie := make([]byte, 32)
	_, _ = rand.Read(cookie) //nolint:errcheck // crypto/rand never fails on supported platforms
	if dir := opts["--DataDirectory"]; dir != "" {
		if err := os.WriteFile(filepath.Join(dir, cookieFileName), cookie, 0o600); err != nil {
			fmt.Fprintf(os.Stderr, "[err] failed to write cookie: %v\n", err)
			return 1
		}
	}

	control, err := ListenControl(opts["--ControlPort"], WithCookie(cookie))
	if err != nil {
		fmt.Fprintf(os.Stderr, "[warn] Could not bind to %s: %v\n", opts["--ControlPort"], err)
		return 1
	}
	defer control.Close()

	socksAddr, _, _ := strings.Cut(opts["--SocksPort"], " ")
	if socksAddr != "" {
		socks, err := ListenSOCKS(socksAddr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[warn] Could not bind to %s: %v\n", socksAddr, err)
			return 1
		}
		defer socks.Close()
	}

	fmt.Fprintln(os.Stderr, "[notice] Bootstrapped 100% (done): Done")
	if ignoreTerm {
		for {
			time.Sleep(time.Hour)
		}
	}
	waitForSignal()
	return 0
}

// startChild re-executes this binary as a long-lived child sharing the
// daemon's stdout and stderr.
func startChild(dir string) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	cmd := exec.Command(exe, "--DataDirectory", dir) //nolint:gosec // test binary
	cmd.Env = append(os.Environ(), DaemonEnvFor(modeChild))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Start()
}

func writePID(dir, name string) {
	if dir == "" {
		return
	}
	_ = os.WriteFile(filepath.Join(dir, name), []byte(strconv.Itoa(os.Getpid())), 0o600) //nolint:errcheck // diagnostics only
}

func waitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, os.Interrupt)
	<-ch
}

// parseArgs reads "--Key value" pairs.
func parseArgs(args []string) map[string]string {
	opts := make(map[string]string)
	for i := 0; i+1 < len(args); i += 2 {
		opts[args[i]] = args[i+1]
	}
	return opts
}
