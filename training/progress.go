package training

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/go-fgp/models"
)

// ProgressBar provides PyTorch-style training progress visualization
type ProgressBar struct {
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	showRate    bool
	showETA     bool
	metrics     map[string]float64
	out         io.Writer
}

// NewProgressBar creates a new progress bar writing to stdout
func NewProgressBar(description string, total int) *ProgressBar {
	return &ProgressBar{
		description: description,
		total:       total,
		current:     0,
		startTime:   time.Now(),
		width:       40, // Character width of progress bar
		showRate:    true,
		showETA:     true,
		metrics:     make(map[string]float64),
		out:         os.Stdout,
	}
}

// SetOutput redirects the bar, e.g. to stderr or a buffer
func (pb *ProgressBar) SetOutput(w io.Writer) {
	pb.out = w
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	pb.metrics = metrics
	pb.render()
}

// UpdateMetrics updates metrics without advancing progress
func (pb *ProgressBar) UpdateMetrics(metrics map[string]float64) {
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out) // New line after completion
}

// line builds the current progress line without the leading carriage return
func (pb *ProgressBar) line() string {
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			totalTime := time.Duration(float64(elapsed) / percentage)
			eta = totalTime - elapsed
		}
	}

	line := fmt.Sprintf("%s: %3.0f%%|%s| %d/%d",
		pb.description,
		percentage*100,
		bar,
		pb.current,
		pb.total,
	)

	if pb.showETA && eta > 0 {
		line += fmt.Sprintf(" [%s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		line += fmt.Sprintf(" [%s<00:00", formatDuration(elapsed))
	}

	if pb.showRate && rate > 0 {
		line += fmt.Sprintf(", %.2fbatch/s", rate)
	}

	// sorted so the line does not jitter between renders
	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := pb.metrics[key]
		if key == ScoreAccuracy || strings.Contains(key, "accuracy") {
			line += fmt.Sprintf(", %s=%.2f%%", key, value*100)
		} else {
			line += fmt.Sprintf(", %s=%.4f", key, value)
		}
	}

	return line + "]"
}

// render draws the progress bar; the carriage return overwrites the previous line
func (pb *ProgressBar) render() {
	fmt.Fprint(pb.out, "\r"+pb.line())
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}

// PrintModelSummary writes a PyTorch-style parameter listing grouped by learning-rate group
func PrintModelSummary(w io.Writer, name string, model models.Classifier) {
	fmt.Fprintf(w, "%s(\n", name)

	var total, trainable int64
	for _, g := range model.ParameterGroups() {
		var groupCount int64
		for _, p := range g.Params {
			n := int64(len(p.Data))
			groupCount += n
			if p.RequiresGrad {
				trainable += n
			}
			fmt.Fprintf(w, "  (%s): %v\n", p.Name, p.Shape)
		}
		total += groupCount
		fmt.Fprintf(w, "  # group %s: %s parameters\n", g.Name, formatParameterCount(groupCount))
	}
	fmt.Fprintf(w, ")\n")

	fmt.Fprintf(w, "Total parameters: %s\n", formatParameterCount(total))
	fmt.Fprintf(w, "Trainable parameters: %s\n", formatParameterCount(trainable))
	fmt.Fprintf(w, "Non-trainable parameters: %s\n", formatParameterCount(total-trainable))
	fmt.Fprintf(w, "Params size (MB): %.3f\n", float64(total*4)/1024/1024) // 4 bytes per float32
}
