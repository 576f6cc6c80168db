package capture

import (
	"errors"
	"os"
	"os/exec"
	"strings"
)

// FailureKind groups capture failures for metrics and failure reasons.
type FailureKind int

const (
	FailureUnknown FailureKind = iota
	// FailureAuth covers rejected or missing credentials and subscriber-only streams.
	FailureAuth
	// FailureOffline means the channel had no playable stream.
	FailureOffline
	// FailureNetwork covers connection errors and upstream 5xx responses.
	FailureNetwork
	// FailureMissingBinary means the capture tool could not be executed.
	FailureMissingBinary
)

// String returns the label used for metrics.
func (k FailureKind) String() string {
	switch k {
	case FailureAuth:
		return "auth"
	case FailureOffline:
		return "offline"
	case FailureNetwork:
		return "network"
	case FailureMissingBinary:
		return "missing_binary"
	default:
		return "unknown"
	}
}

// ClassifyOutput inspects the diagnostic tail of a capture process.
//
// Server errors are checked before auth patterns because streamlink reports
// both as HTTP status codes in the same message format.
func ClassifyOutput(tail string) FailureKind {
	lower := strings.ToLower(tail)
	if lower == "" {
		return FailureUnknown
	}

	serverPatterns := []string{"500 server error", "502 server error", "503 server error", "504 server error", "bad gateway", "service unavailable", "gateway timeout"}
	for _, p := range serverPatterns {
		if strings.Contains(lower, p) {
			return FailureNetwork
		}
	}

	authPatterns := []string{
		"401 client error",
		"403 client error",
		"unauthorized",
		"invalid oauth",
		"authentication required",
		"subscriber-only",
		"subscribers-only",
		"access denied",
	}
	for _, p := range authPatterns {
		if strings.Contains(lower, p) {
			return FailureAuth
		}
	}

	offlinePatterns := []string{
		"no playable streams found",
		"no plugin can handle url",
		"stream is offline",
		"404 client error",
		"channel does not exist",
	}
	for _, p := range offlinePatterns {
		if strings.Contains(lower, p) {
			return FailureOffline
		}
	}

	networkPatterns := []string{
		"connection reset",
		"connection refused",
		"timed out",
		"timeout",
		"name resolution",
		"no route to host",
		"network is unreachable",
		"broken pipe",
		"unable to open url",
	}
	for _, p := range networkPatterns {
		if strings.Contains(lower, p) {
			return FailureNetwork
		}
	}
	return FailureUnknown
}

// ClassifyLaunchError returns the failure kind of an error from Launcher.Start.
func ClassifyLaunchError(err error) FailureKind {
	var le *LaunchError
	if !errors.As(err, &le) {
		return FailureUnknown
	}
	if errors.Is(le.Err, exec.ErrNotFound) || errors.Is(le.Err, os.ErrNotExist) {
		return FailureMissingBinary
	}
	return ClassifyOutput(le.Tail)
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
