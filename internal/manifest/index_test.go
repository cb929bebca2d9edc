package manifest

import "testing"

func TestStaticIndexSegmentsIntersecting(t *testing.T) {
	t.Parallel()

	idx := &StaticIndex{
		Segments: []Segment{
			{Time: 0, Duration: 4},
			{Time: 4, Duration: 4},
			{Time: 8, Duration: 4},
		},
	}

	got := idx.SegmentsIntersecting(3, 9)
	if len(got) != 3 {
		t.Fatalf("got %d segments, want 3: %v", len(got), got)
	}
	if got[0].Time != 0 || got[2].Time != 8 {
		t.Errorf("unexpected segments: %v", got)
	}
}

func TestStaticIndexFinished(t *testing.T) {
	t.Parallel()
	idx := &StaticIndex{}
	if !idx.IsFinished() {
		t.Error("static index should always be finished")
	}
}

func TestNumberedIndexGeneratesConsecutiveSegments(t *testing.T) {
	t.Parallel()

	idx := NewNumberedIndex(0, 2, nil)
	got := idx.SegmentsIntersecting(1, 7)

	want := []float64{0, 2, 4, 6}
	if len(got) != len(want) {
		t.Fatalf("got %d segments, want %d: %v", len(got), len(want), got)
	}
	for i, w := range want {
		if got[i].Time != w {
			t.Errorf("segment %d time = %v, want %v", i, got[i].Time, w)
		}
	}
}

func TestTimelineIndexWithRepeat(t *testing.T) {
	t.Parallel()

	idx := NewTimelineIndex([]TimelineEntry{
		{Start: 0, Duration: 2, Repeat: 2}, // 0, 2, 4
		{Start: 6, Duration: 3, Repeat: 0}, // 6
	}, nil)

	got := idx.SegmentsIntersecting(0, 9)
	want := []float64{0, 2, 4, 6}
	if len(got) != len(want) {
		t.Fatalf("got %d segments, want %d: %v", len(got), len(want), got)
	}
	for i, w := range want {
		if got[i].Time != w {
			t.Errorf("segment %d time = %v, want %v", i, got[i].Time, w)
		}
	}
}

func TestDynamicIndexNotFinishedUntilMarked(t *testing.T) {
	t.Parallel()

	idx := NewNumberedIndex(0, 2, nil)
	if idx.IsFinished() {
		t.Error("live index should not start finished")
	}
	idx.SetFinished(true)
	if !idx.IsFinished() {
		t.Error("SetFinished(true) should mark finished")
	}
}

func TestRepresentationDecipherability(t *testing.T) {
	t.Parallel()

	r := NewRepresentation("v0", 1_000_000, "avc1.4d401e", "video/mp4", []string{"cdn-a.example.com"})
	if !r.Decipherable() {
		t.Fatal("representation should be decipherable by default")
	}
	r.SetDecipherable(false)
	if r.Decipherable() {
		t.Error("SetDecipherable(false) should stick")
	}
}

func TestManifestDuration(t *testing.T) {
	t.Parallel()

	end := 120.0
	m := New([]*Period{{ID: 0, Start: 0, End: &end}})
	d, finite := m.Duration()
	if !finite || d != 120 {
		t.Errorf("Duration() = (%v, %v), want (120, true)", d, finite)
	}

	live := New([]*Period{{ID: 0, Start: 0, End: nil}})
	if _, finite := live.Duration(); finite {
		t.Error("open-ended period should report an infinite duration")
	}
}
