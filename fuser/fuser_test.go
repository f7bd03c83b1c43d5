package fuser

import "testing"

func metaResolver(metas map[string]MemoryMeta) func(string) (MemoryMeta, bool) {
	return func(id string) (MemoryMeta, bool) {
		m, ok := metas[id]
		return m, ok
	}
}

func TestFuseUnionsBothLists(t *testing.T) {
	lexical := []LexicalHit{{ID: "a", Score: 5.0}, {ID: "b", Score: 3.0}}
	vector := []VectorHit{{ID: "b", Similarity: 0.9}, {ID: "c", Similarity: 0.8}}
	metas := map[string]MemoryMeta{
		"a": {ID: "a", AgeDays: 0, AccessCount: 0},
		"b": {ID: "b", AgeDays: 0, AccessCount: 0},
		"c": {ID: "c", AgeDays: 0, AccessCount: 0},
	}
	out := Fuse(lexical, vector, metaResolver(metas), DefaultConfig())
	if len(out) != 3 {
		t.Fatalf("expected 3 fused results, got %d", len(out))
	}
	// b appears in both lists at good ranks, should rank first.
	if out[0].ID != "b" {
		t.Errorf("expected b to rank first (present in both lists), got %s", out[0].ID)
	}
}

func TestFuseDropsUnresolvableIDs(t *testing.T) {
	lexical := []LexicalHit{{ID: "a", Score: 1.0}}
	vector := []VectorHit{{ID: "ghost", Similarity: 0.99}}
	metas := map[string]MemoryMeta{"a": {ID: "a"}}
	out := Fuse(lexical, vector, metaResolver(metas), DefaultConfig())
	if len(out) != 1 || out[0].ID != "a" {
		t.Errorf("expected only resolvable id 'a', got %v", out)
	}
}

func TestTimeDecayMonotonicallyDecreasesScore(t *testing.T) {
	lexical := []LexicalHit{{ID: "a", Score: 1.0}}
	young := map[string]MemoryMeta{"a": {ID: "a", AgeDays: 0, AccessCount: 0}}
	old := map[string]MemoryMeta{"a": {ID: "a", AgeDays: 60, AccessCount: 0}}

	youngOut := Fuse(lexical, nil, metaResolver(young), DefaultConfig())
	oldOut := Fuse(lexical, nil, metaResolver(old), DefaultConfig())

	if oldOut[0].Final >= youngOut[0].Final {
		t.Errorf("expected older memory to score lower: young=%f old=%f", youngOut[0].Final, oldOut[0].Final)
	}
}

func TestAccessBoostIncreasesScore(t *testing.T) {
	lexical := []LexicalHit{{ID: "a", Score: 1.0}}
	noAccess := map[string]MemoryMeta{"a": {ID: "a", AccessCount: 0}}
	manyAccess := map[string]MemoryMeta{"a": {ID: "a", AccessCount: 100}}

	base := Fuse(lexical, nil, metaResolver(noAccess), DefaultConfig())
	boosted := Fuse(lexical, nil, metaResolver(manyAccess), DefaultConfig())

	if boosted[0].Final <= base[0].Final {
		t.Errorf("expected access boost to raise score: base=%f boosted=%f", base[0].Final, boosted[0].Final)
	}
}

func TestRRFScoreIsBounded(t *testing.T) {
	lexical := []LexicalHit{{ID: "a", Score: 1.0}}
	vector := []VectorHit{{ID: "a", Similarity: 1.0}}
	metas := map[string]MemoryMeta{"a": {ID: "a", AgeDays: 0, AccessCount: 0}}
	out := Fuse(lexical, vector, metaResolver(metas), DefaultConfig())
	// rank 1 in both lists, no decay/boost: rrf = 2/(K+1), the maximum attainable.
	maxRRF := 2.0 / (RRFK + 1)
	if out[0].Final > maxRRF+1e-9 {
		t.Errorf("expected final <= %f, got %f", maxRRF, out[0].Final)
	}
	if out[0].Final <= 0 {
		t.Errorf("expected final > 0, got %f", out[0].Final)
	}
}
