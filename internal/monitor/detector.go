package monitor

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// EscapeDetector scans guest code and captured output for patterns that
// suggest an attempt to leave the jail or tamper with the result protocol.
// Findings are informational: they are logged and counted, never enforced.
type EscapeDetector struct {
	patterns []DetectionPattern
}

// DetectionPattern defines a suspicious pattern to match. An empty Languages
// list applies the pattern to every guest language.
type DetectionPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
	Languages   []string
}

// Severity levels for detected threats.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Detection represents a detected suspicious pattern.
type Detection struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// NewEscapeDetector creates a detector with default patterns.
func NewEscapeDetector() *EscapeDetector {
	return &EscapeDetector{
		patterns: defaultPatterns(),
	}
}

func (p DetectionPattern) appliesTo(language string) bool {
	if len(p.Languages) == 0 {
		return true
	}
	for _, l := range p.Languages {
		if l == language {
			return true
		}
	}
	return false
}

// AnalyzeCode checks submitted code for suspicious patterns before execution.
func (d *EscapeDetector) AnalyzeCode(language, code string) []Detection {
	if d == nil {
		return nil
	}
	var detections []Detection

	lines := strings.Split(code, "\n")
	for i, line := range lines {
		for _, p := range d.patterns {
			if !p.appliesTo(language) || !p.Regex.MatchString(line) {
				continue
			}
			detections = append(detections, Detection{
				Pattern:  p.Name,
				Severity: p.Severity.String(),
				Detail:   p.Description,
				Line:     i + 1,
			})

			log.Warn().
				Str("pattern", p.Name).
				Str("language", language).
				Str("severity", p.Severity.String()).
				Int("line", i+1).
				Msg("suspicious pattern in guest code")
		}
	}

	return detections
}

// AnalyzeOutput checks execution output for signs of a successful escape or
// of the guest printing more than one result marker.
func (d *EscapeDetector) AnalyzeOutput(output, marker string) []Detection {
	if d == nil {
		return nil
	}
	var detections []Detection

	outputPatterns := []struct {
		name   string
		substr string
		sev    Severity
	}{
		{"kernel_leak", "Linux version", SeverityHigh},
		{"root_access", "root:x:0:0", SeverityCritical},
		{"docker_socket", "docker.sock", SeverityCritical},
		{"jail_config_leak", "nsjail", SeverityMedium},
	}

	for _, p := range outputPatterns {
		if strings.Contains(output, p.substr) {
			detections = append(detections, Detection{
				Pattern:  p.name,
				Severity: p.sev.String(),
				Detail:   "suspicious content in output: " + p.name,
			})
		}
	}

	if marker != "" && strings.Count(output, marker) > 1 {
		detections = append(detections, Detection{
			Pattern:  "marker_forgery",
			Severity: SeverityHigh.String(),
			Detail:   "result marker printed more than once",
		})
	}

	return detections
}

var (
	python = []string{"python"}
	js     = []string{"javascript"}
)

func defaultPatterns() []DetectionPattern {
	return []DetectionPattern{
		{
			Name:        "proc_self_access",
			Description: "Accessing /proc/self for process info",
			Regex:       regexp.MustCompile(`/proc/self/(root|exe|fd|ns|maps|status|mem)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "container_breakout",
			Description: "Attempting container breakout via cgroup",
			Regex:       regexp.MustCompile(`/sys/fs/cgroup|notify_on_release|release_agent`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "host_socket_access",
			Description: "Attempting to reach a container engine socket",
			Regex:       regexp.MustCompile(`/var/run/docker|/run/containerd|docker\.sock`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "program_file_read",
			Description: "Reading the program file to learn the result marker",
			Regex:       regexp.MustCompile(`/volume\b|__file__|__filename|process\.argv`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "marker_lookup",
			Description: "Referencing the result marker namespace",
			Regex:       regexp.MustCompile(`__SAFE_EVAL_|__safe_eval_`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "metadata_service",
			Description: "Attempting to reach cloud metadata service",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "python_process_spawn",
			Description: "Spawning host processes from Python",
			Regex:       regexp.MustCompile(`\b(subprocess|os\.system|os\.popen|os\.exec[lv]p?e?|pty\.spawn)\b`),
			Severity:    SeverityMedium,
			Languages:   python,
		},
		{
			Name:        "python_native_access",
			Description: "Loading native code or raw memory from Python",
			Regex:       regexp.MustCompile(`\b(ctypes|cffi|mmap)\b`),
			Severity:    SeverityHigh,
			Languages:   python,
		},
		{
			Name:        "python_introspection_escape",
			Description: "Walking object internals to reach builtins",
			Regex:       regexp.MustCompile(`__subclasses__|__globals__|__builtins__|__code__`),
			Severity:    SeverityMedium,
			Languages:   python,
		},
		{
			Name:        "node_process_spawn",
			Description: "Spawning host processes from Node",
			Regex:       regexp.MustCompile(`child_process|process\.binding|worker_threads`),
			Severity:    SeverityMedium,
			Languages:   js,
		},
		{
			Name:        "node_native_access",
			Description: "Loading native addons from Node",
			Regex:       regexp.MustCompile(`process\.dlopen|\.node['"]\)|require\(['"]v8['"]\)`),
			Severity:    SeverityHigh,
			Languages:   js,
		},
		{
			Name:        "reverse_shell",
			Description: "Potential reverse shell command",
			Regex:       regexp.MustCompile(`(?i)(nc|ncat|netcat|socat)\s+.*-[elp]|/dev/tcp/|bash\s+-i\s+>&`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "ptrace_attempt",
			Description: "Attempting to use ptrace for debugging/injection",
			Regex:       regexp.MustCompile(`(?i)(ptrace|process_vm_readv|process_vm_writev|PTRACE_ATTACH)`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "kernel_exploit",
			Description: "Potential kernel exploitation attempt",
			Regex:       regexp.MustCompile(`(?i)(dirty.?cow|dirty.?pipe|userfaultfd)`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "crypto_miner",
			Description: "Potential cryptocurrency mining",
			Regex:       regexp.MustCompile(`(?i)(stratum\+tcp|xmrig|minerd|cryptonight|hashrate)`),
			Severity:    SeverityMedium,
		},
	}
}
