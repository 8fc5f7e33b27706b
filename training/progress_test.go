package training

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

// TestProgressBar tests the basic progress bar output
func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar("Epoch 1/3 (Training)", 4)
	pb.SetOutput(&buf)

	for i := 1; i <= 4; i++ {
		pb.Update(i, map[string]float64{"loss": 1.0 - float64(i)*0.1, ScoreAccuracy: float64(i) * 0.2})
	}
	pb.Finish()

	out := buf.String()
	if strings.Count(out, "\r") != 5 {
		t.Errorf("Expected 5 redraws, got %d in %q", strings.Count(out, "\r"), out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Error("Expected Finish to end the line")
	}
	if !strings.Contains(out, "4/4") || !strings.Contains(out, "100%") {
		t.Errorf("Expected a completed bar, got %q", out)
	}
}

// TestProgressBarFormatting tests metric formatting
func TestProgressBarFormatting(t *testing.T) {
	tests := []struct {
		metrics map[string]float64
		want    []string
	}{
		{map[string]float64{"loss": 1.234}, []string{"loss=1.2340"}},
		{map[string]float64{ScoreAccuracy: 0.5}, []string{"acc=50.00%"}},
		{map[string]float64{"val_accuracy": 0.934}, []string{"val_accuracy=93.40%"}},
		{map[string]float64{"lr": 0.001, "loss": 0.5}, []string{"loss=0.5000", "lr=0.0010"}},
	}
	for _, tt := range tests {
		pb := NewProgressBar("Format", 2)
		pb.Update(1, tt.metrics)
		line := pb.line()
		for _, w := range tt.want {
			if !strings.Contains(line, w) {
				t.Errorf("Expected %q in %q", w, line)
			}
		}
	}

	// keys are sorted so the line is stable between renders
	pb := NewProgressBar("Order", 1)
	pb.Update(1, map[string]float64{"z": 1, "a": 2})
	line := pb.line()
	if strings.Index(line, "a=") > strings.Index(line, "z=") {
		t.Errorf("Expected sorted metrics in %q", line)
	}
}

func TestFormatHelpers(t *testing.T) {
	durations := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00"},
		{65 * time.Second, "01:05"},
		{12*time.Minute + 3*time.Second, "12:03"},
	}
	for _, tt := range durations {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v): expected %s, got %s", tt.d, tt.want, got)
		}
	}

	counts := []struct {
		n    int64
		want string
	}{
		{999, "999"},
		{1500, "1.5K"},
		{2_300_000, "2.3M"},
	}
	for _, tt := range counts {
		if got := formatParameterCount(tt.n); got != tt.want {
			t.Errorf("formatParameterCount(%d): expected %s, got %s", tt.n, tt.want, got)
		}
	}
}

func TestPrintModelSummary(t *testing.T) {
	f := newFixture(t, 4, 4)
	var buf bytes.Buffer
	PrintModelSummary(&buf, "SideClassifier", f.model)

	out := buf.String()
	for _, want := range []string{"SideClassifier(", "# group backbone", "# group head", "Total parameters"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in summary:\n%s", want, out)
		}
	}
}

// BenchmarkProgressBar benchmarks progress bar rendering
func BenchmarkProgressBar(b *testing.B) {
	var buf bytes.Buffer
	pb := NewProgressBar("Benchmark", b.N)
	pb.SetOutput(&buf)
	metrics := map[string]float64{
		"loss": 0.5,
		"acc":  0.8,
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pb.Update(i+1, metrics)
	}
}
