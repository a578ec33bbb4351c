package voiceprint

import (
	"math"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

// вектор единичной длины с заданным косинусом к [1, 0]
func vectorWithCosine(cos float64) []float32 {
	sin := math.Sqrt(1 - cos*cos)
	return []float32{float32(cos), float32(sin)}
}

func TestAddAndFindByName(t *testing.T) {
	store := newTestStore(t)

	vp, err := store.Add("Иван", []float32{1, 0}, "recording")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if vp.ID == "" || vp.SeenCount != 1 {
		t.Fatalf("unexpected voiceprint: %+v", vp)
	}

	found := store.FindByName("иван")
	if found == nil || found.ID != vp.ID {
		t.Fatalf("case-insensitive lookup failed: %+v", found)
	}
	if store.FindByName("Пётр") != nil {
		t.Fatal("unexpected match for unknown name")
	}
	if store.Count() != 1 {
		t.Fatalf("expected 1 voiceprint, got %d", store.Count())
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	first, err := store.Add("Анна", []float32{1, 0}, "recording")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := store.Add("Борис", []float32{0, 1}, "import"); err != nil {
		t.Fatalf("add: %v", err)
	}

	reopened, err := NewStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Count() != 2 {
		t.Fatalf("expected 2 voiceprints after reopen, got %d", reopened.Count())
	}
	got, err := reopened.Get(first.ID)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Name != "Анна" || got.Embedding[0] != 1 {
		t.Fatalf("voiceprint corrupted on reload: %+v", got)
	}

	infos := reopened.Infos()
	if len(infos) != 2 {
		t.Fatalf("expected 2 infos, got %d", len(infos))
	}
}

func TestUpdateEmbeddingAveraging(t *testing.T) {
	store := newTestStore(t)

	vp, err := store.Add("Иван", []float32{1, 0}, "recording")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.UpdateEmbedding(vp.ID, []float32{0, 1}); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := store.Get(vp.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SeenCount != 2 {
		t.Fatalf("expected seenCount 2, got %d", got.SeenCount)
	}
	// Среднее [1,0] и [0,1] после нормализации: обе компоненты ~0.707
	want := float32(math.Sqrt2 / 2)
	for i, x := range got.Embedding {
		if math.Abs(float64(x-want)) > 1e-4 {
			t.Fatalf("component %d = %v, want %v", i, x, want)
		}
	}
}

func TestUpdateEmbeddingSizeMismatch(t *testing.T) {
	store := newTestStore(t)
	vp, err := store.Add("Иван", []float32{1, 0}, "recording")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.UpdateEmbedding(vp.ID, []float32{1, 0, 0}); err == nil {
		t.Fatal("expected size mismatch error")
	}
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	vp, err := store.Add("Иван", []float32{1, 0}, "recording")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.Delete(vp.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if store.Count() != 0 {
		t.Fatalf("expected empty store, got %d", store.Count())
	}
	if err := store.Delete(vp.ID); err == nil {
		t.Fatal("expected error on repeated delete")
	}
}

func TestMatcherConfidenceTiers(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Add("Иван", []float32{1, 0}, "recording"); err != nil {
		t.Fatalf("add: %v", err)
	}
	m := NewMatcher(store)

	cases := []struct {
		cos  float64
		want string
	}{
		{1.0, "high"},
		{0.8, "medium"},
		{0.6, "low"},
	}
	for _, tc := range cases {
		match := m.FindBestMatch(vectorWithCosine(tc.cos))
		if match == nil {
			t.Fatalf("cos=%.2f: expected match", tc.cos)
		}
		if match.Confidence != tc.want {
			t.Fatalf("cos=%.2f: confidence %q, want %q", tc.cos, match.Confidence, tc.want)
		}
	}

	if m.FindBestMatch(vectorWithCosine(0)) != nil {
		t.Fatal("orthogonal vector must not match")
	}
}

func TestMatchWithAutoUpdateRefreshesHighConfidence(t *testing.T) {
	store := newTestStore(t)
	vp, err := store.Add("Иван", []float32{1, 0}, "recording")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	m := NewMatcher(store)

	match := m.MatchWithAutoUpdate(vectorWithCosine(0.9))
	if match == nil || match.Confidence != "high" {
		t.Fatalf("expected high-confidence match, got %+v", match)
	}

	got, err := store.Get(vp.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SeenCount != 2 {
		t.Fatalf("embedding not refreshed: seenCount=%d", got.SeenCount)
	}
}

func TestMatchWithAutoUpdateSkipsMediumConfidence(t *testing.T) {
	store := newTestStore(t)
	vp, err := store.Add("Иван", []float32{1, 0}, "recording")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	m := NewMatcher(store)

	// Средний уровень только сообщает совпадение, вектор не трогает
	match := m.MatchWithAutoUpdate(vectorWithCosine(0.75))
	if match == nil || match.Confidence != "medium" {
		t.Fatalf("expected medium match, got %+v", match)
	}
	got, _ := store.Get(vp.ID)
	if got.SeenCount != 1 {
		t.Fatalf("medium match must not refresh: seenCount=%d", got.SeenCount)
	}
}
