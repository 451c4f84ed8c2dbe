package supervise

import (
	"time"
)

// childRecord is the mutable supervision record for one registered child.
// All access goes through the owning supervisor's mutex.
type childRecord struct {
	spec          ChildSpec
	handle        ChildHandle
	status        ChildStatus
	restartCount  int
	restartStamps []time.Time
	lastErr       error
}

func (r *childRecord) snapshot() ChildState {
	stamps := make([]time.Time, len(r.restartStamps))
	copy(stamps, r.restartStamps)
	return ChildState{
		Spec:          r.spec,
		Handle:        r.handle,
		Status:        r.status,
		RestartCount:  r.restartCount,
		RestartStamps: stamps,
		LastErr:       r.lastErr,
	}
}

// childTable is an arena of child records with a stable integer index per
// child and a name lookup. Removal tombstones the slot instead of splicing
// so indexes held across unlocks stay valid and registration order is
// preserved for the lifetime of the supervisor.
type childTable struct {
	records []*childRecord
	index   map[string]int
}

func newChildTable() *childTable {
	return &childTable{index: make(map[string]int)}
}

func (t *childTable) add(spec ChildSpec) (*childRecord, error) {
	if _, ok := t.index[spec.ID]; ok {
		return nil, AlreadyPresentError{ID: spec.ID}
	}
	rec := &childRecord{spec: spec, status: StatusStopped}
	t.records = append(t.records, rec)
	t.index[spec.ID] = len(t.records) - 1
	return rec, nil
}

func (t *childTable) get(id string) *childRecord {
	idx, ok := t.index[id]
	if !ok {
		return nil
	}
	return t.records[idx]
}

func (t *childTable) remove(id string) {
	idx, ok := t.index[id]
	if !ok {
		return
	}
	t.records[idx] = nil
	delete(t.index, id)
}

// list returns the live records in registration order.
func (t *childTable) list() []*childRecord {
	out := make([]*childRecord, 0, len(t.records))
	for _, rec := range t.records {
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out
}

// after returns the live records registered strictly after [id], in
// registration order.
func (t *childTable) after(id string) []*childRecord {
	idx, ok := t.index[id]
	if !ok {
		return nil
	}
	out := make([]*childRecord, 0, len(t.records))
	for i := idx + 1; i < len(t.records); i++ {
		if t.records[i] != nil {
			out = append(out, t.records[i])
		}
	}
	return out
}

// ids maps records to their child ids.
func ids(recs []*childRecord) []string {
	out := make([]string, len(recs))
	for i, rec := range recs {
		out[i] = rec.spec.ID
	}
	return out
}

// reversed returns a reversed copy; the table itself keeps registration
// order.
func reversed(recs []*childRecord) []*childRecord {
	out := make([]*childRecord, len(recs))
	for i, rec := range recs {
		out[len(recs)-1-i] = rec
	}
	return out
}
