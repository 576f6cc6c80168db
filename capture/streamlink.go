package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	defaultStartupWindow = 5 * time.Second
	defaultOutput        = "{streamer}/{date}_{time}_{id}.ts"
)

// readyMarkers are streamlink log lines that mean the stream was opened and
// output is being written; seeing one ends the startup window early.
var readyMarkers = []string{"writing output to", "opening stream:"}

// Streamlink launches streamlink processes.
type Streamlink struct {
	// Binary is the streamlink executable (name on PATH or absolute path).
	Binary string
	// DataDir is the root for relative output paths.
	DataDir string
	// TwitchOAuth, when set, is sent as the Twitch API Authorization header.
	TwitchOAuth string
	DisableAds  bool
	// StartupWindow is how long a freshly started process may fail and still
	// be reported as a LaunchError instead of an unexpected exit.
	StartupWindow time.Duration
	TailLines     int
	TailLineBytes int
}

// TargetURL turns a bare Twitch login into a channel URL; URLs pass through.
func TargetURL(target string) string {
	if strings.Contains(target, "://") {
		return target
	}
	return "https://www.twitch.tv/" + strings.TrimPrefix(target, "twitch.tv/")
}

// ExpandOutput fills {streamer}, {date}, {time} and {id} in an output template.
func ExpandOutput(tmpl string, opts Options, now time.Time) string {
	if tmpl == "" {
		tmpl = defaultOutput
	}
	r := strings.NewReplacer(
		"{streamer}", sanitize(opts.StreamerID),
		"{date}", now.UTC().Format("2006-01-02"),
		"{time}", now.UTC().Format("150405"),
		"{id}", strconv.FormatInt(opts.RecordingID, 10),
	)
	return r.Replace(tmpl)
}

func sanitize(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

func (s *Streamlink) args(url, out string, opts Options) []string {
	quality := opts.Quality
	if quality == "" {
		quality = "best"
	}
	args := []string{"--loglevel", "info", "--force", "--output", out}
	if s.TwitchOAuth != "" {
		args = append(args, "--twitch-api-header", "Authorization=OAuth "+s.TwitchOAuth)
	}
	if s.DisableAds {
		args = append(args, "--twitch-disable-ads")
	}
	args = append(args, opts.ExtraArgs...)
	return append(args, url, quality)
}

// Start spawns streamlink for target and waits for the startup window.
// The process is not bound to ctx; ctx only bounds the startup wait.
func (s *Streamlink) Start(ctx context.Context, target string, opts Options) (Handle, error) {
	url := TargetURL(target)
	out := ExpandOutput(opts.OutputTemplate, opts, time.Now())
	if !filepath.IsAbs(out) && s.DataDir != "" {
		out = filepath.Join(s.DataDir, out)
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return nil, &LaunchError{Target: target, Reason: "create output dir", Err: err}
	}

	bin := s.Binary
	if bin == "" {
		bin = "streamlink"
	}
	p := &process{
		id:   uuid.NewString(),
		out:  out,
		tail: NewTail(s.TailLines, s.TailLineBytes),
		done: make(chan struct{}),
	}
	ready := make(chan struct{})
	var readyOnce sync.Once
	p.tail.onLine = func(line string) {
		lower := strings.ToLower(line)
		for _, m := range readyMarkers {
			if strings.Contains(lower, m) {
				readyOnce.Do(func() { close(ready) })
				return
			}
		}
	}

	p.cmd = exec.Command(bin, s.args(url, out, opts)...)
	p.cmd.Stdout = p.tail
	p.cmd.Stderr = p.tail
	// own process group so Stop reaches ffmpeg children too
	p.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := p.cmd.Start(); err != nil {
		reason := "start process"
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			reason = "capture binary not found"
		}
		return nil, &LaunchError{Target: target, Reason: reason, Err: err}
	}
	go p.wait()

	window := s.StartupWindow
	if window <= 0 {
		window = defaultStartupWindow
	}
	timer := time.NewTimer(window)
	defer timer.Stop()

	select {
	case <-p.done:
		exit := p.Exit()
		return nil, &LaunchError{Target: target, Reason: fmt.Sprintf("exited during startup (code %d)", exit.ExitCode), Tail: exit.Tail}
	case <-ready:
	case <-timer.C:
	case <-ctx.Done():
		p.Stop(time.Second)
		return nil, &LaunchError{Target: target, Reason: "startup aborted", Err: ctx.Err()}
	}
	slog.Info("capture process started", slog.String("component", "capture"), slog.String("target", url), slog.Int("pid", p.PID()), slog.String("output", out))
	return p, nil
}

type process struct {
	id   string
	out  string
	cmd  *exec.Cmd
	tail *Tail

	stopOnce sync.Once
	done     chan struct{}
	mu       sync.Mutex
	exit     ExitInfo
}

func (p *process) ID() string            { return p.id }
func (p *process) OutputPath() string    { return p.out }
func (p *process) Done() <-chan struct{} { return p.done }

func (p *process) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *process) Exit() ExitInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

func (p *process) wait() {
	err := p.cmd.Wait()
	info := ExitInfo{HandleID: p.id, ExitedAt: time.Now().UTC()}
	if st := p.cmd.ProcessState; st != nil {
		info.ExitCode = st.ExitCode()
		if ws, ok := st.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			info.Signaled = true
		}
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		info.Err = err.Error()
	}
	info.Tail = p.tail.Last(20)

	p.mu.Lock()
	p.exit = info
	p.mu.Unlock()
	close(p.done)
}

func (p *process) Stop(grace time.Duration) {
	p.stopOnce.Do(func() {
		pid := p.PID()
		if pid <= 0 {
			return
		}
		select {
		case <-p.done:
			return
		default:
		}
		_ = syscall.Kill(-pid, syscall.SIGTERM)
		go func() {
			select {
			case <-p.done:
			case <-time.After(grace):
				slog.Warn("capture process ignored SIGTERM; killing", slog.String("component", "capture"), slog.Int("pid", pid), slog.Duration("grace", grace))
				_ = syscall.Kill(-pid, syscall.SIGKILL)
			}
		}()
	})
}
