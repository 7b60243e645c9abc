// Package proctree sums resource usage over a traced process and its
// descendants.
package proctree

import (
	"errors"
	"fmt"
)

// MaxDepth is the number of tree levels summed by Aggregate, the traced
// process being level 1. Processes further down the tree are not counted.
const MaxDepth = 2

// Unlimited may be passed to AggregateDepth to walk the whole subtree.
const Unlimited = -1

// ErrProcessExited reports that the traced process is no longer present in
// the process table.
var ErrProcessExited = errors.New("traced process exited")

// Entry is one row of the OS process table.
type Entry struct {
	PID         int32
	PPID        int32
	Name        string
	CPUPercent  float64
	MemoryBytes uint64
}

// Usage is the summed usage of a process and the descendants counted for it.
type Usage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Processes   int     `json:"processes"`
}

// Aggregate sums the usage of pid and its direct children.
func Aggregate(pid int32, table []Entry) (Usage, error) {
	return AggregateDepth(pid, table, MaxDepth)
}

// AggregateDepth sums the usage of the first depth levels of the tree rooted
// at pid. A depth of 1 or less counts pid alone; a negative depth includes
// every descendant.
func AggregateDepth(pid int32, table []Entry, depth int) (Usage, error) {
	var (
		root     *Entry
		children = make(map[int32][]int, len(table))
	)
	for i := range table {
		e := &table[i]
		if e.PID == pid && root == nil {
			root = e
			continue
		}
		children[e.PPID] = append(children[e.PPID], i)
	}
	if root == nil {
		return Usage{}, fmt.Errorf("pid %d: %w", pid, ErrProcessExited)
	}

	usage := Usage{
		CPUPercent:  nonNegative(root.CPUPercent),
		MemoryBytes: root.MemoryBytes,
		Processes:   1,
	}

	visited := map[int32]struct{}{pid: {}}
	frontier := []int32{pid}
	for level := 2; len(frontier) > 0 && (depth < 0 || level <= depth); level++ {
		var next []int32
		for _, parent := range frontier {
			for _, idx := range children[parent] {
				child := &table[idx]
				if _, seen := visited[child.PID]; seen {
					continue
				}
				visited[child.PID] = struct{}{}
				usage.CPUPercent += nonNegative(child.CPUPercent)
				usage.MemoryBytes += child.MemoryBytes
				usage.Processes++
				next = append(next, child.PID)
			}
		}
		frontier = next
	}

	return usage, nil
}

// Descendants returns the pids counted by AggregateDepth, excluding pid
// itself, in breadth-first order.
func Descendants(pid int32, table []Entry, depth int) []int32 {
	children := make(map[int32][]int32, len(table))
	for _, e := range table {
		if e.PID == pid {
			continue
		}
		children[e.PPID] = append(children[e.PPID], e.PID)
	}

	var out []int32
	visited := map[int32]struct{}{pid: {}}
	frontier := []int32{pid}
	for level := 2; len(frontier) > 0 && (depth < 0 || level <= depth); level++ {
		var next []int32
		for _, parent := range frontier {
			for _, child := range children[parent] {
				if _, seen := visited[child]; seen {
					continue
				}
				visited[child] = struct{}{}
				out = append(out, child)
				next = append(next, child)
			}
		}
		frontier = next
	}
	return out
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
