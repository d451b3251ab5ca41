package planner

import (
	"fmt"
	"math"
	"sort"
)

// TimelineEntry places one task on one simulated worker, in minutes from start.
type TimelineEntry struct {
	WorkerID string  `json:"workerId"`
	TaskID   string  `json:"taskId"`
	StartMin float64 `json:"startMin"`
	EndMin   float64 `json:"endMin"`
}

// Timeline is the simulated schedule of a plan.
type Timeline struct {
	Entries         []TimelineEntry `json:"entries"`
	MakespanMinutes float64         `json:"makespanMinutes"`
	WorkersUsed     int             `json:"workersUsed"`
}

// EstimateTimeline simulates greedy list scheduling. Each round takes the
// ready tasks longest first and places every one on the worker where it can
// start earliest, start being the later of the worker becoming free and the
// task's dependencies finishing. Ties go to the lowest worker index. The
// simulation stops early if a round finds nothing ready, so tasks caught in
// a cycle are left out. A workerCount below 1 is treated as 1.
func EstimateTimeline(tasks []SubTask, workerCount int) Timeline {
	if len(tasks) == 0 {
		return Timeline{Entries: []TimelineEntry{}}
	}
	if workerCount < 1 {
		workerCount = 1
	}

	g := BuildGraph(tasks)

	workerFreeAt := make([]float64, workerCount)
	workerNames := make([]string, workerCount)
	for i := range workerNames {
		workerNames[i] = fmt.Sprintf("worker-%d", i+1)
	}

	entries := []TimelineEntry{}
	completed := make(map[string]bool, g.Len())
	finishAt := make(map[string]float64, g.Len())

	for len(completed) < g.Len() {
		ready := g.Ready(completed)
		if len(ready) == 0 {
			break
		}

		sort.SliceStable(ready, func(i, j int) bool {
			di, _ := g.Duration(ready[i])
			dj, _ := g.Duration(ready[j])
			return di > dj
		})

		for _, id := range ready {
			duration, _ := g.Duration(id)

			var depReadyAt float64
			for _, dep := range g.Dependencies(id) {
				depReadyAt = math.Max(depReadyAt, finishAt[dep])
			}

			best, bestStart := 0, math.Inf(1)
			for w := 0; w < workerCount; w++ {
				start := math.Max(workerFreeAt[w], depReadyAt)
				if start < bestStart {
					best, bestStart = w, start
				}
			}

			end := bestStart + duration
			entries = append(entries, TimelineEntry{
				WorkerID: workerNames[best],
				TaskID:   id,
				StartMin: bestStart,
				EndMin:   end,
			})
			workerFreeAt[best] = end
			finishAt[id] = end
			completed[id] = true
		}
	}

	used := make(map[string]bool)
	var makespan float64
	for _, e := range entries {
		makespan = math.Max(makespan, e.EndMin)
		used[e.WorkerID] = true
	}

	return Timeline{
		Entries:         entries,
		MakespanMinutes: makespan,
		WorkersUsed:     len(used),
	}
}
