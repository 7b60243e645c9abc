package proctree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// P(10) -> {A(11), B(12)}, A -> C(13), C -> D(14).
func sampleTable() []Entry {
	return []Entry{
		{PID: 1, PPID: 0, Name: "init", CPUPercent: 50, MemoryBytes: 1 << 30},
		{PID: 10, PPID: 1, Name: "P", CPUPercent: 5, MemoryBytes: 500},
		{PID: 11, PPID: 10, Name: "A", CPUPercent: 3, MemoryBytes: 300},
		{PID: 12, PPID: 10, Name: "B", CPUPercent: 2, MemoryBytes: 200},
		{PID: 13, PPID: 11, Name: "C", CPUPercent: 100, MemoryBytes: 100},
		{PID: 14, PPID: 13, Name: "D", CPUPercent: 1000, MemoryBytes: 1000},
	}
}

func TestAggregateStopsAtMaxDepth(t *testing.T) {
	t.Parallel()

	table := []Entry{
		{PID: 100, CPUPercent: 5, MemoryBytes: 50},
		{PID: 101, PPID: 100, CPUPercent: 3, MemoryBytes: 30},
		{PID: 102, PPID: 100, CPUPercent: 2, MemoryBytes: 20},
		{PID: 103, PPID: 101, CPUPercent: 100, MemoryBytes: 1000},
	}

	usage, err := Aggregate(100, table)
	require.NoError(t, err)

	assert.InDelta(t, 10.0, usage.CPUPercent, 1e-9)
	assert.Equal(t, uint64(100), usage.MemoryBytes)
	assert.Equal(t, 3, usage.Processes)
}

func TestAggregateIgnoresUnrelatedProcesses(t *testing.T) {
	t.Parallel()

	usage, err := Aggregate(12, sampleTable())
	require.NoError(t, err)

	assert.InDelta(t, 2.0, usage.CPUPercent, 1e-9)
	assert.Equal(t, uint64(200), usage.MemoryBytes)
	assert.Equal(t, 1, usage.Processes)
}

func TestAggregateDepthVariants(t *testing.T) {
	t.Parallel()

	table := sampleTable()
	cases := []struct {
		name      string
		depth     int
		cpu       float64
		processes int
	}{
		{name: "self", depth: 1, cpu: 5, processes: 1},
		{name: "zero means self", depth: 0, cpu: 5, processes: 1},
		{name: "children", depth: 2, cpu: 10, processes: 3},
		{name: "grandchildren", depth: 3, cpu: 110, processes: 4},
		{name: "unlimited", depth: Unlimited, cpu: 1110, processes: 5},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			usage, err := AggregateDepth(10, table, tc.depth)
			require.NoError(t, err)
			assert.InDelta(t, tc.cpu, usage.CPUPercent, 1e-9)
			assert.Equal(t, tc.processes, usage.Processes)
		})
	}
}

func TestAggregateMissingProcess(t *testing.T) {
	t.Parallel()

	_, err := Aggregate(4242, sampleTable())
	require.ErrorIs(t, err, ErrProcessExited)
}

func TestAggregateClampsNegativeCPU(t *testing.T) {
	t.Parallel()

	table := []Entry{
		{PID: 1, CPUPercent: -3, MemoryBytes: 1},
		{PID: 2, PPID: 1, CPUPercent: 4, MemoryBytes: 1},
	}
	usage, err := Aggregate(1, table)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, usage.CPUPercent, 1e-9)
}

func TestAggregateToleratesCycles(t *testing.T) {
	t.Parallel()

	table := []Entry{
		{PID: 1, PPID: 2, CPUPercent: 1},
		{PID: 2, PPID: 1, CPUPercent: 1},
	}
	usage, err := AggregateDepth(1, table, Unlimited)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, usage.CPUPercent, 1e-9)
	assert.Equal(t, 2, usage.Processes)
}

func TestDescendants(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []int32{11, 12}, Descendants(10, sampleTable(), MaxDepth))
	assert.Equal(t, []int32{11, 12, 13, 14}, Descendants(10, sampleTable(), Unlimited))
	assert.Empty(t, Descendants(14, sampleTable(), MaxDepth))
}
