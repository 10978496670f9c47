package monitor

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestAnalyzeCode(t *testing.T) {
	d := NewEscapeDetector()

	tests := []struct {
		name         string
		language     string
		code         string
		wantMinCount int // minimum number of detections
		wantPattern  string
	}{
		{"proc_self_root", "python", `f = open("/proc/self/root/etc/passwd")`, 1, "proc_self_access"},
		{"cgroup breakout", "python", `open("/sys/fs/cgroup/notify_on_release")`, 1, "container_breakout"},
		{"docker socket", "javascript", `fs.readFileSync("/var/run/docker.sock")`, 1, "host_socket_access"},
		{"program file", "python", `src = open(__file__).read()`, 1, "program_file_read"},
		{"volume listing", "javascript", `fs.readdirSync("/volume")`, 1, "program_file_read"},
		{"marker namespace", "python", `print("__SAFE_EVAL_" + "0" * 64)`, 1, "marker_lookup"},
		{"metadata service", "javascript", `fetch("http://169.254.169.254/latest/meta-data/")`, 1, "metadata_service"},
		{"python subprocess", "python", `import subprocess`, 1, "python_process_spawn"},
		{"python ctypes", "python", `import ctypes`, 1, "python_native_access"},
		{"python subclasses", "python", `().__class__.__base__.__subclasses__()`, 1, "python_introspection_escape"},
		{"node child_process", "javascript", `require("child_process").execSync("id")`, 1, "node_process_spawn"},
		{"node dlopen", "javascript", `process.dlopen(module, "/tmp/x.node")`, 1, "node_native_access"},
		{"ptrace", "python", `libc.ptrace(PTRACE_ATTACH, pid, 0, 0)`, 1, "ptrace_attempt"},
		{"crypto miner", "javascript", `connect("stratum+tcp://pool.mining.com")`, 1, "crypto_miner"},
		{"clean python", "python", `return a + b`, 0, ""},
		{"clean javascript", "javascript", `return items.map(x => x * 2)`, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dets := d.AnalyzeCode(tt.language, tt.code)
			if len(dets) < tt.wantMinCount {
				t.Errorf("got %d detections, want >= %d", len(dets), tt.wantMinCount)
				return
			}
			if tt.wantMinCount == 0 && len(dets) != 0 {
				t.Errorf("expected no detections, got %v", dets)
			}
			if tt.wantPattern != "" {
				found := false
				for _, det := range dets {
					if det.Pattern == tt.wantPattern {
						found = true
						break
					}
				}
				if !found {
					t.Errorf("pattern %q not found in detections: %v", tt.wantPattern, dets)
				}
			}
		})
	}
}

func TestAnalyzeCodeLanguageScoped(t *testing.T) {
	d := NewEscapeDetector()

	// subprocess is only meaningful to the Python guest.
	for _, det := range d.AnalyzeCode("javascript", `const subprocess = 1`) {
		if det.Pattern == "python_process_spawn" {
			t.Fatalf("python pattern matched javascript code: %v", det)
		}
	}
}

func TestAnalyzeCodeLineNumbers(t *testing.T) {
	d := NewEscapeDetector()
	code := strings.Join([]string{"x = 1", "y = 2", "import ctypes"}, "\n")

	dets := d.AnalyzeCode("python", code)
	if len(dets) != 1 {
		t.Fatalf("got %d detections, want 1: %v", len(dets), dets)
	}
	if dets[0].Line != 3 {
		t.Errorf("line = %d, want 3", dets[0].Line)
	}
}

func TestAnalyzeOutput(t *testing.T) {
	d := NewEscapeDetector()
	marker := "__SAFE_EVAL_" + strings.Repeat("ab", 32)

	tests := []struct {
		name         string
		output       string
		wantMinCount int
		wantPattern  string
	}{
		{"root access", "root:x:0:0:root:/root:/bin/bash", 1, "root_access"},
		{"docker socket", "found: /var/run/docker.sock", 1, "docker_socket"},
		{"kernel banner", "Linux version 6.1.0", 1, "kernel_leak"},
		{"forged marker", marker + `{"returnValue": 1}` + "\n" + marker + `{"returnValue": 2}`, 1, "marker_forgery"},
		{"single marker", "hello\n" + marker + `{"returnValue": 42}`, 0, ""},
		{"clean output", "hello world\n42\n", 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dets := d.AnalyzeOutput(tt.output, marker)
			if len(dets) < tt.wantMinCount {
				t.Errorf("got %d detections, want >= %d", len(dets), tt.wantMinCount)
				return
			}
			if tt.wantMinCount == 0 && len(dets) != 0 {
				t.Errorf("expected no detections, got %v", dets)
			}
			if tt.wantPattern != "" {
				found := false
				for _, det := range dets {
					if det.Pattern == tt.wantPattern {
						found = true
					}
				}
				if !found {
					t.Errorf("pattern %q not found in %v", tt.wantPattern, dets)
				}
			}
		})
	}
}

func TestNilDetector(t *testing.T) {
	var d *EscapeDetector
	if dets := d.AnalyzeCode("python", "import ctypes"); dets != nil {
		t.Errorf("nil detector returned %v", dets)
	}
	if dets := d.AnalyzeOutput("root:x:0:0", ""); dets != nil {
		t.Errorf("nil detector returned %v", dets)
	}
}

func TestSeverityString(t *testing.T) {
	tests := []struct {
		sev  Severity
		want string
	}{
		{SeverityLow, "low"},
		{SeverityMedium, "medium"},
		{SeverityHigh, "high"},
		{SeverityCritical, "critical"},
		{Severity(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.sev.String(); got != tt.want {
				t.Errorf("Severity(%d).String() = %q, want %q", tt.sev, got, tt.want)
			}
		})
	}
}

func TestMetricsRecorders(t *testing.T) {
	m := NewMetrics()

	m.RecordExecution("python", "success", 0.2)
	m.RecordExecution("python", "timeout", 10)
	m.RecordCleanupFailure("remove_image")
	m.RecordCleanupFailure("remove_image")
	m.SessionStarted()
	m.SessionStarted()
	m.SessionEnded()
	m.SetPoolIdle("javascript", 3)

	if got := testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("python", "success")); got != 1 {
		t.Errorf("executions success = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CleanupFailures.WithLabelValues("remove_image")); got != 2 {
		t.Errorf("cleanup failures = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Errorf("active sessions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PoolIdleSessions.WithLabelValues("javascript")); got != 3 {
		t.Errorf("pool idle = %v, want 3", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordExecution("python", "success", 1)
	m.RecordProvision("python", "fresh", 1)
	m.RecordError("timeout")
	m.RecordSecurityEvent("marker_lookup")
	m.RecordCleanupFailure("stop_container")
	m.ObserveEngine("build", 1)
	m.SetPoolIdle("python", 0)
	m.SessionStarted()
	m.SessionEnded()
	m.ObserveSizes(1, 1)
}
