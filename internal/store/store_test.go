package store

import (
	"testing"
	"time"

	"github.com/nugget/signalk-server/internal/model"
)

const testSelf = "vessels.urn:mrn:signalk:uuid:c0d79334-4e25-4245-8892-54e8ccc8021d"

func mustValidate(t *testing.T, d model.Delta, now time.Time) model.NormalizedDelta {
	t.Helper()
	nd, err := model.Validate(d, now, "test")
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	return nd
}

func TestSelfPrefixInvariant(t *testing.T) {
	s := New(testSelf)
	if s.SelfURN() != testSelf {
		t.Fatalf("SelfURN() = %q, want %q", s.SelfURN(), testSelf)
	}

	nd := mustValidate(t, model.Delta{Updates: []model.Update{{
		SourceRef: "nmea0183.GP",
		Values:    []model.PathValue{{Path: "navigation.speedOverGround", Value: 3.85}},
	}}}, time.Now())
	if err := s.ApplyDelta(nd); err != nil {
		t.Fatalf("ApplyDelta() error: %v", err)
	}

	full, err := s.SnapshotFull()
	if err != nil {
		t.Fatalf("SnapshotFull() error: %v", err)
	}
	self, _ := full["self"].(string)
	if self[:8] != "vessels." {
		t.Errorf("self = %q must start with vessels.", self)
	}
	vessels := full["vessels"].(map[string]any)
	for k := range vessels {
		if len(k) >= 8 && k[:8] == "vessels." {
			t.Errorf("vessel key %q must not carry the vessels. prefix", k)
		}
	}
}

func TestS2DeltaApply(t *testing.T) {
	s := New(testSelf)
	ts := time.Date(2024, 1, 17, 10, 30, 0, 500_000_000, time.UTC)
	nd := mustValidate(t, model.Delta{
		Context: model.SelfContext,
		Updates: []model.Update{{
			SourceRef: "nmea0183.GP",
			Timestamp: &ts,
			Values:    []model.PathValue{{Path: "navigation.speedOverGround", Value: 3.85}},
		}},
	}, time.Now())
	if err := s.ApplyDelta(nd); err != nil {
		t.Fatalf("ApplyDelta() error: %v", err)
	}

	v, ok := s.GetPath(model.SelfContext, "navigation.speedOverGround")
	if !ok {
		t.Fatal("GetPath() not found")
	}
	m := v.(map[string]any)
	if m["value"] != 3.85 {
		t.Errorf("value = %v, want 3.85", m["value"])
	}
	if m["$source"] != "nmea0183.GP" {
		t.Errorf("$source = %v, want nmea0183.GP", m["$source"])
	}
	if m["timestamp"] != "2024-01-17T10:30:00.500Z" {
		t.Errorf("timestamp = %v, want 2024-01-17T10:30:00.500Z", m["timestamp"])
	}
	values := m["values"].(map[string]any)
	if len(values) != 1 {
		t.Fatalf("values = %v, want 1 entry", values)
	}
}

func TestS3MultiSourcePreservation(t *testing.T) {
	s := New(testSelf)
	ts1 := time.Date(2024, 1, 17, 10, 30, 0, 500_000_000, time.UTC)
	ts2 := time.Date(2024, 1, 17, 10, 29, 59, 0, time.UTC)

	must := func(d model.Delta) {
		nd := mustValidate(t, d, time.Now())
		if err := s.ApplyDelta(nd); err != nil {
			t.Fatalf("ApplyDelta() error: %v", err)
		}
	}

	must(model.Delta{Updates: []model.Update{{SourceRef: "nmea0183.GP", Timestamp: &ts1, Values: []model.PathValue{{Path: "navigation.speedOverGround", Value: 3.85}}}}})
	must(model.Delta{Updates: []model.Update{{SourceRef: "n2k.115", Timestamp: &ts2, Values: []model.PathValue{{Path: "navigation.speedOverGround", Value: 3.82}}}}})

	v, ok := s.GetPath(model.SelfContext, "navigation.speedOverGround")
	if !ok {
		t.Fatal("GetPath() not found")
	}
	m := v.(map[string]any)
	if m["value"] != 3.85 || m["$source"] != "nmea0183.GP" {
		t.Errorf("primary = %v/%v, want 3.85/nmea0183.GP (later timestamp wins)", m["value"], m["$source"])
	}
	values := m["values"].(map[string]any)
	if len(values) != 2 {
		t.Fatalf("values = %v, want 2 entries", values)
	}

	if !s.HasSource("nmea0183.GP") || !s.HasSource("n2k.115") {
		t.Error("sources index missing an observed $source")
	}
}

func TestSourcesMonotonic(t *testing.T) {
	s := New(testSelf)
	nd := mustValidate(t, model.Delta{Updates: []model.Update{{SourceRef: "a.b.c", Values: []model.PathValue{{Path: "x.y", Value: 1}}}}}, time.Now())
	if err := s.ApplyDelta(nd); err != nil {
		t.Fatal(err)
	}

	// Remove the only value — leaf disappears, but the sources index
	// entry must survive: it is monotonic and never removed.
	nd2 := mustValidate(t, model.Delta{Updates: []model.Update{{SourceRef: "a.b.c", Values: []model.PathValue{{Path: "x.y", Value: nil}}}}}, time.Now())
	if err := s.ApplyDelta(nd2); err != nil {
		t.Fatal(err)
	}

	if !s.HasSource("a.b.c") {
		t.Error("sources index must retain a.b.c after the value was removed")
	}
	if _, ok := s.GetPath(model.SelfContext, "x.y"); ok {
		t.Error("leaf should have been pruned after its only value was removed")
	}
}

func TestNullValuePrunesEmptyParents(t *testing.T) {
	s := New(testSelf)
	nd := mustValidate(t, model.Delta{Updates: []model.Update{{SourceRef: "src", Values: []model.PathValue{{Path: "a.b.c", Value: 1}}}}}, time.Now())
	if err := s.ApplyDelta(nd); err != nil {
		t.Fatal(err)
	}

	nd2 := mustValidate(t, model.Delta{Updates: []model.Update{{SourceRef: "src", Values: []model.PathValue{{Path: "a.b.c", Value: nil}}}}}, time.Now())
	if err := s.ApplyDelta(nd2); err != nil {
		t.Fatal(err)
	}

	if _, ok := s.GetPath(model.SelfContext, "a"); ok {
		t.Error("empty interior ancestor should have been pruned")
	}
}

func TestMetaUpdateDoesNotChangePrimary(t *testing.T) {
	s := New(testSelf)
	nd := mustValidate(t, model.Delta{Updates: []model.Update{{SourceRef: "src", Values: []model.PathValue{{Path: "environment.water.temperature", Value: 288.15}}}}}, time.Now())
	if err := s.ApplyDelta(nd); err != nil {
		t.Fatal(err)
	}

	metaDelta := model.Delta{Updates: []model.Update{{SourceRef: "src", Values: []model.PathValue{{
		Path:  "environment.water.temperature",
		Value: map[string]any{"meta": map[string]any{"units": "K"}},
	}}}}}
	nd2 := mustValidate(t, metaDelta, time.Now())
	if err := s.ApplyDelta(nd2); err != nil {
		t.Fatal(err)
	}

	v, ok := s.GetPath(model.SelfContext, "environment.water.temperature")
	if !ok {
		t.Fatal("leaf missing after meta update")
	}
	m := v.(map[string]any)
	if m["value"] != 288.15 {
		t.Errorf("value = %v, want unchanged 288.15", m["value"])
	}
	meta, ok := m["meta"].(map[string]any)
	if !ok || meta["units"] != "K" {
		t.Errorf("meta = %v, want units=K", m["meta"])
	}
}

func TestInvalidDeltaContextRejected(t *testing.T) {
	s := New(testSelf)
	nd := model.NormalizedDelta{Context: model.AllVesselsContext, Updates: []model.NormalizedUpdate{{
		SourceRef: "src", Timestamp: time.Now(), Values: []model.PathValue{{Path: "a.b", Value: 1}},
	}}}
	if err := s.ApplyDelta(nd); err == nil {
		t.Error("ApplyDelta(vessels.*) = nil error, want ErrInvalidContext")
	}
}

func TestSnapshotInitialModes(t *testing.T) {
	s := New(testSelf)
	nd := mustValidate(t, model.Delta{Updates: []model.Update{{SourceRef: "src", Values: []model.PathValue{
		{Path: "navigation.position", Value: map[string]any{"latitude": 1.0}},
		{Path: "navigation.speedOverGround", Value: 3.0},
	}}}}, time.Now())
	if err := s.ApplyDelta(nd); err != nil {
		t.Fatal(err)
	}

	other := mustValidate(t, model.Delta{Context: "vessels.urn:other", Updates: []model.Update{{SourceRef: "src", Values: []model.PathValue{
		{Path: "navigation.position", Value: map[string]any{"latitude": 2.0}},
	}}}}, time.Now())
	if err := s.ApplyDelta(other); err != nil {
		t.Fatal(err)
	}

	if got := s.SnapshotInitial(SnapshotNone, nil); got != nil {
		t.Errorf("SnapshotNone = %v, want nil", got)
	}

	selfDeltas := s.SnapshotInitial(SnapshotSelf, nil)
	if len(selfDeltas) != 2 {
		t.Fatalf("SnapshotSelf len = %d, want 2", len(selfDeltas))
	}
	for _, d := range selfDeltas {
		if d.Context != model.SelfContext {
			t.Errorf("SnapshotSelf context = %q, want vessels.self", d.Context)
		}
	}

	allDeltas := s.SnapshotInitial(SnapshotAll, nil)
	if len(allDeltas) != 3 {
		t.Fatalf("SnapshotAll len = %d, want 3", len(allDeltas))
	}
}

type fixedFilter struct{ path string }

func (f fixedFilter) Matches(_, path string) bool { return path == f.path }

func TestSnapshotInitialSubscribedFiltersByPath(t *testing.T) {
	s := New(testSelf)
	nd := mustValidate(t, model.Delta{Updates: []model.Update{{SourceRef: "src", Values: []model.PathValue{
		{Path: "navigation.position", Value: 1},
		{Path: "navigation.speedOverGround", Value: 2},
	}}}}, time.Now())
	if err := s.ApplyDelta(nd); err != nil {
		t.Fatal(err)
	}

	got := s.SnapshotInitial(SnapshotSubscribed, fixedFilter{path: "navigation.position"})
	if len(got) != 1 || got[0].Updates[0].Values[0].Path != "navigation.position" {
		t.Fatalf("subscribed snapshot = %+v, want only navigation.position", got)
	}
}

func TestResourceBudgetExceeded(t *testing.T) {
	s := New(testSelf)
	s.SetMaxSnapshotNodes(1)

	nd := mustValidate(t, model.Delta{Updates: []model.Update{{SourceRef: "src", Values: []model.PathValue{
		{Path: "a.b", Value: 1},
		{Path: "c.d", Value: 2},
	}}}}, time.Now())
	if err := s.ApplyDelta(nd); err != nil {
		t.Fatal(err)
	}

	if _, err := s.SnapshotFull(); err == nil {
		t.Error("SnapshotFull() with exceeded budget = nil error, want ErrResourceExceeded")
	}
}

func TestPruneStaleSources(t *testing.T) {
	s := New(testSelf)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetNowFunc(func() time.Time { return now })

	old := now.Add(-2 * time.Hour)
	fresh := now.Add(-time.Minute)

	must := func(ref model.SourceRef, ts time.Time, path model.Path, v any) {
		nd := mustValidate(t, model.Delta{Updates: []model.Update{{SourceRef: ref, Timestamp: &ts, Values: []model.PathValue{{Path: path, Value: v}}}}}, now)
		if err := s.ApplyDelta(nd); err != nil {
			t.Fatal(err)
		}
	}

	must("stale.src", old, "navigation.speedOverGround", 1.0)
	must("fresh.src", fresh, "navigation.speedOverGround", 2.0)
	must("stale.only", old, "navigation.courseOverGroundTrue", 0.5)

	evicted := s.PruneStaleSources(time.Hour)
	if evicted != 2 {
		t.Fatalf("evicted = %d, want 2", evicted)
	}

	v, ok := s.GetPath(model.SelfContext, "navigation.speedOverGround")
	if !ok {
		t.Fatal("speedOverGround leaf should survive (fresh.src remains)")
	}
	m := v.(map[string]any)
	values := m["values"].(map[string]any)
	if len(values) != 1 {
		t.Errorf("values = %v, want 1 surviving entry", values)
	}

	if _, ok := s.GetPath(model.SelfContext, "navigation.courseOverGroundTrue"); ok {
		t.Error("courseOverGroundTrue leaf should have been pruned entirely (its only source went stale)")
	}

	if !s.HasSource("stale.src") || !s.HasSource("stale.only") {
		t.Error("pruning must never remove entries from the sources index")
	}
}
