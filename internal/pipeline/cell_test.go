package pipeline

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatestValueCellEmpty(t *testing.T) {
	t.Parallel()

	var cell LatestValueCell[RangeReading]
	_, ok := cell.Read()
	assert.False(t, ok)
}

func TestLatestValueCellOverwrites(t *testing.T) {
	t.Parallel()

	var cell LatestValueCell[int]
	cell.Write(1)
	cell.Write(2)
	cell.Write(3)

	v, ok := cell.Read()
	require.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestLatestValueCellReadsAreNeverOlder(t *testing.T) {
	t.Parallel()

	const writes = 10000
	var cell LatestValueCell[int]

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= writes; i++ {
			cell.Write(i)
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := 0
			for last < writes {
				v, ok := cell.Read()
				if !ok {
					continue
				}
				if v < last {
					assert.Failf(t, "stale read", "read %d after %d", v, last)
					return
				}
				last = v
			}
		}()
	}
	wg.Wait()
}

func TestLatestValueCellSliceSnapshot(t *testing.T) {
	t.Parallel()

	var cell LatestValueCell[DetectionSet]
	set := DetectionSet{{ClassName: "person", Confidence: 0.9}}
	cell.Write(set)

	// a later write does not change what an earlier reader holds
	got, _ := cell.Read()
	cell.Write(DetectionSet{})
	assert.Equal(t, "person", got[0].ClassName)
}
