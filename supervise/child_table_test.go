package supervise

import (
	"context"
	"errors"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func tableSpec(id string) ChildSpec {
	return NewChildSpec(id, func(ctx context.Context) (ChildHandle, error) {
		return nil, nil
	})
}

func TestChildTable_AddGetRemove(t *testing.T) {
	tbl := newChildTable()

	rec, err := tbl.add(tableSpec("a"))
	assert.NilError(t, err)
	assert.Equal(t, rec.status, StatusStopped)
	assert.Equal(t, tbl.get("a"), rec)

	_, err = tbl.add(tableSpec("a"))
	assert.ErrorIs(t, err, ErrChildAlreadyPresent)

	tbl.remove("a")
	assert.Assert(t, tbl.get("a") == nil)
	// removing twice is harmless
	tbl.remove("a")
}

func TestChildTable_OrderSurvivesRemoval(t *testing.T) {
	tbl := newChildTable()
	for _, id := range []string{"a", "b", "c", "d"} {
		_, err := tbl.add(tableSpec(id))
		assert.NilError(t, err)
	}

	tbl.remove("b")
	assert.DeepEqual(t, ids(tbl.list()), []string{"a", "c", "d"})
	assert.DeepEqual(t, ids(tbl.after("a")), []string{"c", "d"})
	assert.DeepEqual(t, ids(tbl.after("c")), []string{"d"})
	assert.Equal(t, len(tbl.after("d")), 0)
	assert.Equal(t, len(tbl.after("ghost")), 0)

	// a re-added id goes to the end of the registration order
	_, err := tbl.add(tableSpec("b"))
	assert.NilError(t, err)
	assert.DeepEqual(t, ids(tbl.list()), []string{"a", "c", "d", "b"})
}

func TestChildRecordSnapshotCopiesStamps(t *testing.T) {
	tbl := newChildTable()
	rec, err := tbl.add(tableSpec("a"))
	assert.NilError(t, err)
	rec.lastErr = errors.New("crashed")
	rec.restartStamps = []time.Time{time.Now()}

	snap := rec.snapshot()
	assert.Equal(t, snap.Spec.ID, "a")
	assert.Error(t, snap.LastErr, "crashed")

	snap.RestartStamps[0] = time.Time{}
	assert.Assert(t, !rec.restartStamps[0].IsZero())
}

func TestReversed(t *testing.T) {
	tbl := newChildTable()
	for _, id := range []string{"a", "b", "c"} {
		_, err := tbl.add(tableSpec(id))
		assert.NilError(t, err)
	}

	assert.DeepEqual(t, ids(reversed(tbl.list())), []string{"c", "b", "a"})
	// the table itself is untouched
	assert.DeepEqual(t, ids(tbl.list()), []string{"a", "b", "c"})
}
