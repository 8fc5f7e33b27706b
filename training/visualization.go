package training

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	TrainingCurves       PlotType = "training_curves"
	IndicatorCurves      PlotType = "indicator_curves"
	LearningRateSchedule PlotType = "learning_rate_schedule"
	ConfusionMatrixPlot  PlotType = "confusion_matrix"
)

// PlotData is the JSON description of one plot, rendered to PNG by RenderPNG
type PlotData struct {
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`

	Series []SeriesData `json:"series"`
	Config PlotConfig   `json:"config"`

	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name string      `json:"name"`
	Type string      `json:"type"` // "line", "heatmap"
	Data []DataPoint `json:"data"`
}

// DataPoint is one point; Z carries the cell value of a heatmap
type DataPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z,omitempty"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel string `json:"x_axis_label"`
	YAxisLabel string `json:"y_axis_label"`
	ShowLegend bool   `json:"show_legend"`
	ShowGrid   bool   `json:"show_grid"`
	Width      int    `json:"width"`  // points
	Height     int    `json:"height"` // points
}

func defaultPlotConfig(xLabel, yLabel string) PlotConfig {
	return PlotConfig{
		XAxisLabel: xLabel,
		YAxisLabel: yLabel,
		ShowLegend: true,
		ShowGrid:   true,
		Width:      576,
		Height:     360,
	}
}

// lineSeries converts a curve, leaving out epochs without a value
func lineSeries(s Series) SeriesData {
	out := SeriesData{Name: s.Name, Type: "line"}
	for i, v := range s.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out.Data = append(out.Data, DataPoint{X: float64(s.Epochs[i]), Y: v})
	}
	return out
}

// GenerateTrainingCurvesPlot describes the training and validation loss per epoch
func GenerateTrainingCurvesPlot(h *History, modelName string) PlotData {
	train, val := h.LossSeries()
	return PlotData{
		PlotType:  TrainingCurves,
		Title:     "Loss",
		Timestamp: time.Now(),
		ModelName: modelName,
		Series:    []SeriesData{lineSeries(train), lineSeries(val)},
		Config:    defaultPlotConfig("Epoch", "Loss"),
	}
}

// GenerateIndicatorPlot describes the indicator metric per epoch
func GenerateIndicatorPlot(h *History, modelName string) PlotData {
	train, val := h.IndicatorSeries()
	pd := PlotData{
		PlotType:  IndicatorCurves,
		Title:     "Indicator: " + h.Indicator,
		Timestamp: time.Now(),
		ModelName: modelName,
		Series:    []SeriesData{lineSeries(train), lineSeries(val)},
		Config:    defaultPlotConfig("Epoch", h.Indicator),
	}
	if best, ok := bestValidated(h); ok {
		pd.Metrics = map[string]interface{}{"best_epoch": best.Epoch, "best_" + h.Indicator: best.ValIndicator(h.Indicator)}
	}
	return pd
}

// GenerateLearningRateSchedulePlot describes the learning rate at the end of each epoch
func GenerateLearningRateSchedulePlot(h *History, modelName string) PlotData {
	s := Series{Name: "lr"}
	for _, r := range h.Records {
		s.Epochs = append(s.Epochs, r.Epoch)
		s.Values = append(s.Values, r.LR)
	}
	return PlotData{
		PlotType:  LearningRateSchedule,
		Title:     "Learning Rate",
		Timestamp: time.Now(),
		ModelName: modelName,
		Series:    []SeriesData{lineSeries(s)},
		Config:    defaultPlotConfig("Epoch", "Learning rate"),
	}
}

// GenerateConfusionMatrixPlot describes a confusion matrix as a heatmap with
// X the predicted class, Y the true class and Z the count
func GenerateConfusionMatrixPlot(cm *ConfusionMatrix, modelName string) PlotData {
	series := SeriesData{Name: "confusion", Type: "heatmap"}
	for i := 0; i < cm.NumClasses; i++ {
		for j := 0; j < cm.NumClasses; j++ {
			series.Data = append(series.Data, DataPoint{X: float64(j), Y: float64(i), Z: cm.Matrix.At(i, j)})
		}
	}
	return PlotData{
		PlotType:  ConfusionMatrixPlot,
		Title:     "Confusion Matrix",
		Timestamp: time.Now(),
		ModelName: modelName,
		Series:    []SeriesData{series},
		Config:    defaultPlotConfig("Predicted", "True"),
		Metrics: map[string]interface{}{
			ScoreAccuracy: cm.GetAccuracy(),
			ScoreKappa:    cm.QuadraticWeightedKappa(),
		},
	}
}

func bestValidated(h *History) (EpochRecord, bool) {
	var best EpochRecord
	found := false
	for _, r := range h.Records {
		v := r.ValIndicator(h.Indicator)
		if math.IsNaN(v) {
			continue
		}
		if !found || v > best.ValIndicator(h.Indicator) {
			best, found = r, true
		}
	}
	return best, found
}

// ToJSON converts plot data to JSON format
func (pd PlotData) ToJSON() (string, error) {
	jsonData, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal plot data: %w", err)
	}
	return string(jsonData), nil
}

// SaveJSON writes the plot description to path
func (pd PlotData) SaveJSON(path string) error {
	data, err := pd.ToJSON()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		return fmt.Errorf("failed to write plot data %s: %w", path, err)
	}
	return nil
}

// RenderPNG draws the line series of pd with gonum/plot and saves them to path.
// Heatmap series are not rendered.
func (pd PlotData) RenderPNG(path string) error {
	p := plot.New()
	p.Title.Text = pd.Title
	p.X.Label.Text = pd.Config.XAxisLabel
	p.Y.Label.Text = pd.Config.YAxisLabel
	if pd.Config.ShowGrid {
		p.Add(plotter.NewGrid())
	}

	var lines []any
	for _, s := range pd.Series {
		if s.Type != "line" || len(s.Data) == 0 {
			continue
		}
		xys := make(plotter.XYs, len(s.Data))
		for i, pt := range s.Data {
			xys[i].X = pt.X
			xys[i].Y = pt.Y
		}
		if pd.Config.ShowLegend {
			lines = append(lines, s.Name)
		}
		lines = append(lines, xys)
	}
	if len(lines) == 0 {
		return fmt.Errorf("plot %q has no line data to render", pd.Title)
	}
	if err := plotutil.AddLinePoints(p, lines...); err != nil {
		return fmt.Errorf("failed to add plot lines: %w", err)
	}

	width, height := pd.Config.Width, pd.Config.Height
	if width <= 0 || height <= 0 {
		width, height = 576, 360
	}
	if err := p.Save(vg.Points(float64(width)), vg.Points(float64(height)), path); err != nil {
		return fmt.Errorf("failed to save plot %s: %w", path, err)
	}
	return nil
}
