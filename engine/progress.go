package engine

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/bibin-skaria/peel/inspector"
)

// Stage names reported by the tracker
const (
	StageProbe  = "probe"
	StageSelect = "select"
	StageLayers = "layers"
	StageMerge  = "merge"
)

// ProgressTracker follows one inspection through its stages. It is safe for
// concurrent use; layer events arrive from parallel walkers.
type ProgressTracker struct {
	mutex           sync.RWMutex
	stages          map[string]*StageProgress
	order           []string
	completedStages int
	startTime       time.Time
	output          io.Writer
	image           string
	verbose         bool
}

// StageProgress represents progress for a single stage
type StageProgress struct {
	Name         string        `json:"name"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      *time.Time    `json:"end_time,omitempty"`
	Duration     time.Duration `json:"duration"`
	Progress     float64       `json:"progress"`
	Status       StageStatus   `json:"status"`
	Operations   int           `json:"operations"`
	CompletedOps int           `json:"completed_operations"`
	Error        string        `json:"error,omitempty"`
}

// StageStatus represents the status of a stage
type StageStatus string

const (
	StageStatusRunning   StageStatus = "running"
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
	StageStatusSkipped   StageStatus = "skipped"
)

// NewProgressTracker writes progress lines to output when verbose is set.
// output may be nil.
func NewProgressTracker(image string, output io.Writer, verbose bool) *ProgressTracker {
	return &ProgressTracker{
		stages:    make(map[string]*StageProgress),
		startTime: time.Now(),
		output:    output,
		image:     image,
		verbose:   verbose,
	}
}

// StartStage starts tracking a stage. expectedOps may be 0 when unknown.
func (p *ProgressTracker) StartStage(name string, expectedOps int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if _, exists := p.stages[name]; !exists {
		p.order = append(p.order, name)
	}
	p.stages[name] = &StageProgress{
		Name:       name,
		StartTime:  time.Now(),
		Status:     StageStatusRunning,
		Operations: expectedOps,
	}
	p.printf("%s: started", name)
}

// SkipStage records a stage that did not run.
func (p *ProgressTracker) SkipStage(name, reason string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if _, exists := p.stages[name]; !exists {
		p.order = append(p.order, name)
	}
	now := time.Now()
	p.stages[name] = &StageProgress{Name: name, StartTime: now, EndTime: &now, Status: StageStatusSkipped}
	p.printf("%s: skipped (%s)", name, reason)
}

// LayerDone counts one finished layer against the layers stage.
func (p *ProgressTracker) LayerDone(ev inspector.LayerEvent) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	stage, exists := p.stages[StageLayers]
	if !exists {
		return
	}
	stage.CompletedOps++
	if ev.Total > 0 {
		stage.Operations = ev.Total
		stage.Progress = float64(stage.CompletedOps) / float64(ev.Total) * 100.0
	}
	stage.Duration = time.Since(stage.StartTime)

	short := ev.Digest
	if len(short) > 19 {
		short = short[:19]
	}
	p.printf("%s: [%d/%d] %s %d files (%s)", StageLayers, stage.CompletedOps, stage.Operations, short, ev.Files, ev.Backend)
}

// CompleteStage marks a stage finished; err is nil on success.
func (p *ProgressTracker) CompleteStage(name string, err error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	stage, exists := p.stages[name]
	if !exists {
		return
	}
	endTime := time.Now()
	stage.EndTime = &endTime
	stage.Duration = endTime.Sub(stage.StartTime)

	if err == nil {
		stage.Status = StageStatusCompleted
		stage.Progress = 100.0
		p.completedStages++
		p.printf("%s: completed in %s", name, stage.Duration.Round(time.Millisecond))
		return
	}
	stage.Status = StageStatusFailed
	stage.Error = err.Error()
	p.printf("%s: failed: %v", name, err)
}

// GetStageProgress returns a copy of a stage, or nil.
func (p *ProgressTracker) GetStageProgress(name string) *StageProgress {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if stage, exists := p.stages[name]; exists {
		stageCopy := *stage
		return &stageCopy
	}
	return nil
}

// GetSummary returns the stages in the order they started.
func (p *ProgressTracker) GetSummary() ProgressSummary {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	summary := ProgressSummary{
		Image:           p.image,
		StartTime:       p.startTime,
		Duration:        time.Since(p.startTime),
		TotalStages:     len(p.order),
		CompletedStages: p.completedStages,
		Stages:          make([]StageProgress, 0, len(p.order)),
	}
	for _, name := range p.order {
		stage := p.stages[name]
		if stage.Status == StageStatusFailed {
			summary.FailedStages++
		}
		summary.Stages = append(summary.Stages, *stage)
	}
	return summary
}

// ProgressSummary represents a summary of one inspection
type ProgressSummary struct {
	Image           string          `json:"image"`
	StartTime       time.Time       `json:"start_time"`
	Duration        time.Duration   `json:"duration"`
	TotalStages     int             `json:"total_stages"`
	CompletedStages int             `json:"completed_stages"`
	FailedStages    int             `json:"failed_stages"`
	Stages          []StageProgress `json:"stages"`
}

// Slowest returns stage names ordered by duration, longest first.
func (s ProgressSummary) Slowest() []string {
	stages := append([]StageProgress(nil), s.Stages...)
	sort.SliceStable(stages, func(i, j int) bool { return stages[i].Duration > stages[j].Duration })
	names := make([]string, len(stages))
	for i, st := range stages {
		names[i] = st.Name
	}
	return names
}

// printf must be called with the mutex held.
func (p *ProgressTracker) printf(format string, args ...interface{}) {
	if !p.verbose || p.output == nil {
		return
	}
	fmt.Fprintf(p.output, "[%s] %s\n", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}
