package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/clawinfra/satchel/internal/clock"
	"github.com/clawinfra/satchel/internal/resource"
	"github.com/clawinfra/satchel/internal/security"
	"github.com/clawinfra/satchel/internal/storage"
	"github.com/clawinfra/satchel/internal/transport"
	"github.com/clawinfra/satchel/internal/types"
)

var engineEpoch = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

// fakeRemote scripts server verdicts. Rejections are keyed by entity
// id; changes are filtered by the requested baseline like a real
// server would.
type fakeRemote struct {
	mu         sync.Mutex
	clk        clock.Clock
	batches    [][]*types.Entity
	fetches    []time.Time
	rejections map[string]transport.Rejection
	changes    []*types.Entity
	upsertErr  error
	fetchErr   error
	onFetch    func()
}

var _ transport.Remote = (*fakeRemote)(nil)

func newFakeRemote(clk clock.Clock) *fakeRemote {
	return &fakeRemote{clk: clk, rejections: make(map[string]transport.Rejection)}
}

func (r *fakeRemote) UpsertBatch(ctx context.Context, batch []*types.Entity) (*transport.BatchResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.upsertErr != nil {
		return nil, r.upsertErr
	}
	kept := make([]*types.Entity, len(batch))
	for i, ent := range batch {
		kept[i] = ent.Clone()
	}
	r.batches = append(r.batches, kept)

	out := &transport.BatchResult{}
	for _, ent := range batch {
		if rej, ok := r.rejections[ent.ID]; ok {
			out.Rejected = append(out.Rejected, rej)
			continue
		}
		out.Accepted = append(out.Accepted, ent.ID)
	}
	return out, nil
}

func (r *fakeRemote) FetchChangesSince(ctx context.Context, since time.Time, typeNames []string) (*transport.ChangeSet, error) {
	r.mu.Lock()
	hook := r.onFetch
	r.mu.Unlock()
	if hook != nil {
		hook()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fetchErr != nil {
		return nil, r.fetchErr
	}
	r.fetches = append(r.fetches, since)
	set := &transport.ChangeSet{ServerTime: r.clk.Now()}
	for _, ent := range r.changes {
		if !since.IsZero() && !ent.LastModified.After(since) {
			continue
		}
		set.Entities = append(set.Entities, ent.Clone())
	}
	return set, nil
}

func (r *fakeRemote) batchIDs() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]string, len(r.batches))
	for i, batch := range r.batches {
		for _, ent := range batch {
			out[i] = append(out[i], ent.ID)
		}
	}
	return out
}

func newTestEngine(t *testing.T, cfg Config, deps Deps) (*Engine, *fakeRemote, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(engineEpoch)
	remote := newFakeRemote(clk)
	if deps.Store == nil {
		deps.Store = storage.NewMemStore()
	}
	deps.Remote = remote
	deps.Clock = clk
	eng := New(cfg, deps, nil)
	if err := eng.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return eng, remote, clk
}

func mkEnt(id, typeName, payload string) *types.Entity {
	return &types.Entity{
		ID:       id,
		Type:     typeName,
		Priority: types.PriorityMedium,
		Payload:  json.RawMessage(payload),
	}
}

func TestPutBumpsVersionAndMarksDirty(t *testing.T) {
	eng, _, _ := newTestEngine(t, Config{}, Deps{})
	ctx := context.Background()

	if err := eng.Put(ctx, mkEnt("a1", "assignment", `{"q":1}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := eng.Get("a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 1 || !got.Dirty() {
		t.Fatalf("want version 1 dirty, got version %d dirty %v", got.Version, got.Dirty())
	}

	if err := eng.Put(ctx, mkEnt("a1", "assignment", `{"q":2}`)); err != nil {
		t.Fatalf("second put: %v", err)
	}
	got, _ = eng.Get("a1")
	if got.Version != 2 {
		t.Fatalf("want version 2 after second put, got %d", got.Version)
	}

	// returned copies must not alias the mirror
	got.Payload[0] = 'X'
	again, _ := eng.Get("a1")
	if again.Payload[0] == 'X' {
		t.Fatal("Get returned an aliased payload")
	}
}

func TestPutValidation(t *testing.T) {
	eng, _, _ := newTestEngine(t, Config{}, Deps{})
	ctx := context.Background()

	if err := eng.Put(ctx, &types.Entity{Type: "assignment"}); !types.IsValidation(err) {
		t.Fatalf("empty id: want validation error, got %v", err)
	}
	if err := eng.Put(ctx, &types.Entity{ID: "a1"}); !types.IsValidation(err) {
		t.Fatalf("empty type: want validation error, got %v", err)
	}
}

func TestFullSyncUploadsAndDownloads(t *testing.T) {
	eng, remote, clk := newTestEngine(t, Config{}, Deps{})
	ctx := context.Background()

	if err := eng.Put(ctx, mkEnt("a1", "assignment", `{"q":1}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := eng.Put(ctx, mkEnt("a2", "assignment", `{"q":2}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	remote.changes = []*types.Entity{{
		ID: "r1", Type: "lesson", Version: 3,
		Payload:      json.RawMessage(`{"title":"waves"}`),
		LastModified: engineEpoch,
	}}

	clk.Advance(time.Minute)
	res, err := eng.FullSync(ctx)
	if err != nil {
		t.Fatalf("full sync: %v", err)
	}
	if res.Uploaded != 2 || res.Downloaded != 1 || len(res.Conflicts) != 0 {
		t.Fatalf("want 2/1/0, got %d/%d/%d", res.Uploaded, res.Downloaded, len(res.Conflicts))
	}

	for _, id := range []string{"a1", "a2"} {
		got, err := eng.Get(id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if got.Dirty() {
			t.Fatalf("%s still dirty after accepted upload", id)
		}
	}
	if got, err := eng.Get("r1"); err != nil || got.Version != 3 {
		t.Fatalf("downloaded entity missing: %v", err)
	}

	st := eng.Status()
	if st.Checkpoint.FullSyncs != 1 || !st.Checkpoint.LastFullSync.Equal(clk.Now()) {
		t.Fatalf("checkpoint not advanced: %+v", st.Checkpoint)
	}
}

func TestUploadBatchesHighestPriorityFirst(t *testing.T) {
	eng, remote, clk := newTestEngine(t, Config{BatchSize: 2}, Deps{})
	ctx := context.Background()

	put := func(id string, pri types.Priority) {
		ent := mkEnt(id, "assignment", `{}`)
		ent.Priority = pri
		if err := eng.Put(ctx, ent); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
		clk.Advance(time.Second)
	}
	put("l1", types.PriorityLow)
	put("m1", types.PriorityMedium)
	put("c1", types.PriorityCritical)
	put("h1", types.PriorityHigh)
	put("m2", types.PriorityMedium)

	if _, err := eng.FullSync(ctx); err != nil {
		t.Fatalf("full sync: %v", err)
	}

	want := [][]string{{"c1", "h1"}, {"m1", "m2"}, {"l1"}}
	got := remote.batchIDs()
	if len(got) != len(want) {
		t.Fatalf("want %d batches, got %d", len(want), len(got))
	}
	for i := range want {
		if len(got[i]) != len(want[i]) {
			t.Fatalf("batch %d: want %v, got %v", i, want[i], got[i])
		}
		for j := range want[i] {
			if got[i][j] != want[i][j] {
				t.Fatalf("batch %d: want %v, got %v", i, want[i], got[i])
			}
		}
	}
}

func TestDeltaSyncIsIdempotent(t *testing.T) {
	eng, remote, clk := newTestEngine(t, Config{}, Deps{})
	ctx := context.Background()

	if err := eng.Put(ctx, mkEnt("a1", "assignment", `{"q":1}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	remote.changes = []*types.Entity{{
		ID: "r1", Type: "lesson", Version: 1,
		Payload:      json.RawMessage(`{}`),
		LastModified: engineEpoch,
	}}

	clk.Advance(time.Minute)
	if _, err := eng.FullSync(ctx); err != nil {
		t.Fatalf("full sync: %v", err)
	}

	clk.Advance(time.Minute)
	first, err := eng.DeltaSync(ctx)
	if err != nil {
		t.Fatalf("first delta: %v", err)
	}
	clk.Advance(time.Minute)
	second, err := eng.DeltaSync(ctx)
	if err != nil {
		t.Fatalf("second delta: %v", err)
	}

	for i, res := range []*Result{first, second} {
		if res.Uploaded != 0 || res.Downloaded != 0 || len(res.Conflicts) != 0 {
			t.Fatalf("delta %d not idempotent: %d/%d/%d", i+1, res.Uploaded, res.Downloaded, len(res.Conflicts))
		}
	}

	// each pass fetches from the previous server checkpoint
	if len(remote.fetches) != 3 {
		t.Fatalf("want 3 fetches, got %d", len(remote.fetches))
	}
	if !remote.fetches[0].IsZero() {
		t.Fatalf("full sync should fetch from zero, got %v", remote.fetches[0])
	}
	if !remote.fetches[1].Equal(engineEpoch.Add(time.Minute)) {
		t.Fatalf("first delta baseline wrong: %v", remote.fetches[1])
	}
	if !remote.fetches[2].Equal(engineEpoch.Add(2 * time.Minute)) {
		t.Fatalf("second delta baseline wrong: %v", remote.fetches[2])
	}

	st := eng.Status()
	if st.Checkpoint.FullSyncs != 1 || st.Checkpoint.DeltaSyncs != 2 {
		t.Fatalf("checkpoint counters wrong: %+v", st.Checkpoint)
	}
}

func TestServerClockAheadAdoptsClean(t *testing.T) {
	eng, remote, clk := newTestEngine(t, Config{}, Deps{})
	ctx := context.Background()

	// the server stamps its copies an hour past the device clock
	remote.changes = []*types.Entity{{
		ID: "r1", Type: "lesson", Version: 2,
		Payload:      json.RawMessage(`{"title":"tides"}`),
		LastModified: engineEpoch.Add(time.Hour),
	}}

	clk.Advance(time.Minute)
	if _, err := eng.FullSync(ctx); err != nil {
		t.Fatalf("full sync: %v", err)
	}
	got, err := eng.Get("r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Dirty() {
		t.Fatal("unchanged server copy reads as dirty; it would re-upload forever")
	}

	clk.Advance(time.Minute)
	res, err := eng.DeltaSync(ctx)
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	if res.Uploaded != 0 || res.Downloaded != 0 || len(res.Conflicts) != 0 {
		t.Fatalf("delta after skewed download not idempotent: %d/%d/%d",
			res.Uploaded, res.Downloaded, len(res.Conflicts))
	}
}

func TestEditDuringServerClockSkewStillUploads(t *testing.T) {
	eng, remote, clk := newTestEngine(t, Config{}, Deps{})
	ctx := context.Background()

	remote.changes = []*types.Entity{{
		ID: "r1", Type: "lesson", Version: 2,
		Payload:      json.RawMessage(`{"title":"tides"}`),
		LastModified: engineEpoch.Add(time.Hour),
	}}
	clk.Advance(time.Minute)
	if _, err := eng.FullSync(ctx); err != nil {
		t.Fatalf("full sync: %v", err)
	}

	// the device clock still trails the server stamp when the user edits
	clk.Advance(time.Minute)
	if err := eng.Put(ctx, mkEnt("r1", "lesson", `{"title":"tides v2"}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := eng.Get("r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Dirty() {
		t.Fatal("local edit invisible to upload eligibility")
	}

	remote.mu.Lock()
	remote.changes = nil
	remote.mu.Unlock()

	clk.Advance(time.Minute)
	res, err := eng.DeltaSync(ctx)
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	if res.Uploaded != 1 || len(res.Conflicts) != 0 {
		t.Fatalf("want the edit uploaded cleanly, got %d uploads %d conflicts",
			res.Uploaded, len(res.Conflicts))
	}
	got, _ = eng.Get("r1")
	if got.Dirty() {
		t.Fatal("acknowledged edit should be clean")
	}
	if string(got.Payload) != `{"title":"tides v2"}` {
		t.Fatalf("edit lost after sync: %s", got.Payload)
	}
}

func TestDeltaWithoutBaselineRunsFull(t *testing.T) {
	eng, remote, _ := newTestEngine(t, Config{}, Deps{})

	res, err := eng.DeltaSync(context.Background())
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	if res.Mode != ModeFull {
		t.Fatalf("want fallback to full mode, got %s", res.Mode)
	}
	if len(remote.fetches) != 1 || !remote.fetches[0].IsZero() {
		t.Fatalf("want one fetch from zero, got %v", remote.fetches)
	}
}

func TestRejectionResolvesLatestWins(t *testing.T) {
	eng, remote, clk := newTestEngine(t, Config{}, Deps{})
	ctx := context.Background()

	if err := eng.Put(ctx, mkEnt("g1", "grade", `{"score":60}`)); err != nil {
		t.Fatalf("put: %v", err)
	}

	server := &types.Entity{
		ID: "g1", Type: "grade", Version: 5,
		Payload:      json.RawMessage(`{"score":90}`),
		LastModified: engineEpoch.Add(time.Minute), // newer than the local edit
	}
	remote.rejections["g1"] = transport.Rejection{EntityID: "g1", Reason: "version conflict", Server: server}

	clk.Advance(2 * time.Minute)
	res, err := eng.FullSync(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(res.Conflicts) != 1 || len(res.Unresolved) != 0 {
		t.Fatalf("want 1 resolved conflict, got %d/%d", len(res.Conflicts), len(res.Unresolved))
	}
	rec := res.Conflicts[0]
	if rec.Winner != WinnerRemote || rec.Type != ConflictVersion {
		t.Fatalf("want remote version win, got %s %s", rec.Winner, rec.Type)
	}

	got, err := eng.Get("g1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got.Payload, server.Payload) {
		t.Fatalf("mirror did not adopt server payload: %s", got.Payload)
	}
	if got.Dirty() {
		t.Fatal("adopted server copy should be clean")
	}
	if got.ConflictCount != 1 {
		t.Fatalf("want conflict count 1, got %d", got.ConflictCount)
	}
}

func TestRejectionLocalNewerStaysDirty(t *testing.T) {
	eng, remote, clk := newTestEngine(t, Config{}, Deps{})
	ctx := context.Background()

	clk.Advance(time.Hour) // local edit is the newer copy
	if err := eng.Put(ctx, mkEnt("g1", "grade", `{"score":60}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	remote.rejections["g1"] = transport.Rejection{
		EntityID: "g1", Reason: "version conflict",
		Server: &types.Entity{
			ID: "g1", Type: "grade", Version: 5,
			Payload:      json.RawMessage(`{"score":90}`),
			LastModified: engineEpoch,
		},
	}

	res, err := eng.FullSync(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Conflicts[0].Winner != WinnerLocal {
		t.Fatalf("want local win, got %s", res.Conflicts[0].Winner)
	}

	got, _ := eng.Get("g1")
	if !got.Dirty() {
		t.Fatal("winning local copy must stay dirty for re-upload")
	}

	// with the rejection cleared the local copy goes up on the next pass
	remote.mu.Lock()
	delete(remote.rejections, "g1")
	remote.mu.Unlock()
	res, err = eng.FullSync(ctx)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if res.Uploaded != 1 {
		t.Fatalf("want re-upload of local winner, got %d", res.Uploaded)
	}
}

func TestTeacherAuthorityIndependentOfPath(t *testing.T) {
	reg := resource.NewRegistry(&resource.Definition{Name: "grade", DefaultPolicy: "teacher_authority"})
	server := &types.Entity{
		ID: "g1", Type: "grade", Version: 2,
		Role:         types.RoleSubjectTeacher,
		Payload:      json.RawMessage(`{"score":95}`),
		LastModified: engineEpoch, // older than the student edit
	}

	// path 1: the server rejects the student upload
	byRejection, remote, clk := newTestEngine(t, Config{}, Deps{Registry: reg})
	ctx := context.Background()
	clk.Advance(time.Minute)
	student := mkEnt("g1", "grade", `{"score":40}`)
	student.Role = types.RoleStudent
	if err := byRejection.Put(ctx, student); err != nil {
		t.Fatalf("put: %v", err)
	}
	remote.rejections["g1"] = transport.Rejection{EntityID: "g1", Reason: "conflict", Server: server}
	res, err := byRejection.FullSync(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}

	// path 2: the same server copy arrives over the live feed
	byFeed, _, clk2 := newTestEngine(t, Config{}, Deps{Registry: reg})
	clk2.Advance(time.Minute)
	if err := byFeed.Put(ctx, student); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := byFeed.ApplyChange(ctx, types.ChangeEvent{Op: types.ChangeUpdate, Entity: *server}); err != nil {
		t.Fatalf("apply change: %v", err)
	}

	if res.Conflicts[0].Winner != WinnerRemote || res.Conflicts[0].Type != ConflictAuthority {
		t.Fatalf("rejection path: want remote authority win, got %s %s",
			res.Conflicts[0].Winner, res.Conflicts[0].Type)
	}
	a, _ := byRejection.Get("g1")
	b, _ := byFeed.Get("g1")
	if !bytes.Equal(a.Payload, b.Payload) {
		t.Fatalf("paths diverged: %s vs %s", a.Payload, b.Payload)
	}
	if !bytes.Equal(a.Payload, server.Payload) {
		t.Fatalf("teacher copy should win, got %s", a.Payload)
	}
}

func TestMergePolicyCombinesFields(t *testing.T) {
	reg := resource.NewRegistry(&resource.Definition{
		Name:          "note",
		DefaultPolicy: "merge",
		MergeFields:   []string{"annotations", "stars"},
	})
	eng, remote, clk := newTestEngine(t, Config{}, Deps{Registry: reg})
	ctx := context.Background()

	clk.Advance(time.Minute) // local copy is newer
	if err := eng.Put(ctx, mkEnt("n1", "note", `{"text":"local","annotations":["mine"]}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	remote.rejections["n1"] = transport.Rejection{
		EntityID: "n1", Reason: "conflict",
		Server: &types.Entity{
			ID: "n1", Type: "note", Version: 4,
			Payload:      json.RawMessage(`{"text":"remote","stars":3}`),
			LastModified: engineEpoch,
		},
	}

	res, err := eng.FullSync(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Conflicts[0].Winner != WinnerMerged {
		t.Fatalf("want merged, got %s", res.Conflicts[0].Winner)
	}

	got, _ := eng.Get("n1")
	var doc map[string]any
	if err := json.Unmarshal(got.Payload, &doc); err != nil {
		t.Fatalf("merged payload invalid: %v", err)
	}
	if doc["text"] != "local" {
		t.Fatalf("newer copy's field lost: %v", doc["text"])
	}
	if doc["stars"] != float64(3) {
		t.Fatalf("merge field from older copy lost: %v", doc["stars"])
	}
	if got.Version != 5 {
		t.Fatalf("want version past both copies, got %d", got.Version)
	}
	if !got.Dirty() {
		t.Fatal("merged entity must stay dirty so the merge syncs up")
	}
}

func TestManualReviewDefersUntilResolved(t *testing.T) {
	reg := resource.NewRegistry(&resource.Definition{Name: "story", DefaultPolicy: "manual_review", Cultural: true})
	eng, remote, clk := newTestEngine(t, Config{}, Deps{Registry: reg})
	ctx := context.Background()

	clk.Advance(time.Minute)
	if err := eng.Put(ctx, mkEnt("s1", "story", `{"body":"local telling"}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	serverPayload := json.RawMessage(`{"body":"elder telling"}`)
	remote.rejections["s1"] = transport.Rejection{
		EntityID: "s1", Reason: "conflict",
		Server: &types.Entity{
			ID: "s1", Type: "story", Version: 2,
			Payload: serverPayload, LastModified: engineEpoch,
		},
	}

	res, err := eng.FullSync(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(res.Unresolved) != 1 || res.Unresolved[0].Type != ConflictCultural {
		t.Fatalf("cultural conflict must surface unresolved, got %+v", res.Unresolved)
	}
	if got, _ := eng.Get("s1"); !got.RequiresReview {
		t.Fatal("entity should be flagged for review")
	}
	if n := len(eng.PendingReviews()); n != 1 {
		t.Fatalf("want 1 pending review, got %d", n)
	}

	// flagged entities sit out sync passes
	remote.mu.Lock()
	delete(remote.rejections, "s1")
	remote.mu.Unlock()
	res, err = eng.FullSync(ctx)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if res.Uploaded != 0 {
		t.Fatalf("review-flagged entity must not upload, got %d", res.Uploaded)
	}

	if err := eng.ResolveReview(ctx, "s1", WinnerRemote); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got, _ := eng.Get("s1")
	if !bytes.Equal(got.Payload, serverPayload) {
		t.Fatalf("reviewer chose remote, payload is %s", got.Payload)
	}
	if got.RequiresReview || !got.Dirty() {
		t.Fatal("resolved entity should be unflagged and dirty")
	}
	if n := len(eng.PendingReviews()); n != 0 {
		t.Fatalf("want 0 pending reviews, got %d", n)
	}

	if err := eng.ResolveReview(ctx, "s1", WinnerRemote); !errors.Is(err, ErrNoPendingReview) {
		t.Fatalf("want ErrNoPendingReview, got %v", err)
	}
}

func TestRejectionWithoutServerCopyParks(t *testing.T) {
	eng, remote, _ := newTestEngine(t, Config{}, Deps{})
	ctx := context.Background()

	if err := eng.Put(ctx, mkEnt("a1", "assignment", `{}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	remote.rejections["a1"] = transport.Rejection{EntityID: "a1", Reason: "forbidden"}

	res, err := eng.FullSync(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(res.Unresolved) != 1 || res.Unresolved[0].Winner != WinnerPending {
		t.Fatalf("outright rejection must park for review, got %+v", res.Unresolved)
	}
	if got, _ := eng.Get("a1"); !got.RequiresReview {
		t.Fatal("entity should be flagged for review")
	}
}

func TestTombstonePropagation(t *testing.T) {
	eng, remote, clk := newTestEngine(t, Config{}, Deps{})
	ctx := context.Background()

	if err := eng.Put(ctx, mkEnt("a1", "assignment", `{}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	clk.Advance(time.Second)
	if err := eng.Delete(ctx, "a1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := eng.Get("a1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted entity visible: %v", err)
	}
	if err := eng.Delete(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}

	if _, err := eng.FullSync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	batches := remote.batchIDs()
	if len(batches) != 1 || len(batches[0]) != 1 {
		t.Fatalf("tombstone not uploaded: %v", batches)
	}
	remote.mu.Lock()
	uploaded := remote.batches[0][0]
	remote.mu.Unlock()
	if !uploaded.Deleted {
		t.Fatal("uploaded entity should carry the deleted flag")
	}
}

func TestRemoteTombstoneRemovesCleanLocal(t *testing.T) {
	eng, remote, clk := newTestEngine(t, Config{}, Deps{})
	ctx := context.Background()

	remote.changes = []*types.Entity{{
		ID: "r1", Type: "lesson", Version: 1,
		Payload: json.RawMessage(`{}`), LastModified: engineEpoch,
	}}
	clk.Advance(time.Minute)
	if _, err := eng.FullSync(ctx); err != nil {
		t.Fatalf("seed sync: %v", err)
	}
	if _, err := eng.Get("r1"); err != nil {
		t.Fatalf("entity missing after seed: %v", err)
	}

	remote.mu.Lock()
	remote.changes = []*types.Entity{{
		ID: "r1", Type: "lesson", Version: 2, Deleted: true,
		LastModified: engineEpoch.Add(2 * time.Minute),
	}}
	remote.mu.Unlock()
	clk.Advance(2 * time.Minute)
	res, err := eng.DeltaSync(ctx)
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	if res.Downloaded != 1 {
		t.Fatalf("want tombstone counted, got %d", res.Downloaded)
	}
	if _, err := eng.Get("r1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("tombstoned entity still visible: %v", err)
	}
}

func TestApplyChangeWarmsCache(t *testing.T) {
	var warmed []string
	eng, _, _ := newTestEngine(t, Config{}, Deps{
		Warm: func(ctx context.Context, e *types.Entity) { warmed = append(warmed, e.ID) },
	})
	ctx := context.Background()

	ev := types.ChangeEvent{Op: types.ChangeInsert, Entity: types.Entity{
		ID: "l1", Type: "lesson", Version: 1,
		Payload: json.RawMessage(`{"title":"tides"}`), LastModified: engineEpoch,
	}}
	if err := eng.ApplyChange(ctx, ev); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, err := eng.Get("l1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Dirty() {
		t.Fatal("feed-applied entity should be clean")
	}
	if len(warmed) != 1 || warmed[0] != "l1" {
		t.Fatalf("cache not warmed: %v", warmed)
	}

	del := types.ChangeEvent{Op: types.ChangeDelete, Entity: types.Entity{
		ID: "l1", Type: "lesson", Version: 2,
		LastModified: engineEpoch.Add(time.Second),
	}}
	if err := eng.ApplyChange(ctx, del); err != nil {
		t.Fatalf("apply delete: %v", err)
	}
	if _, err := eng.Get("l1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("feed delete not applied: %v", err)
	}
}

func TestPauseBlocksSync(t *testing.T) {
	eng, _, _ := newTestEngine(t, Config{}, Deps{})
	ctx := context.Background()

	eng.Pause()
	if _, err := eng.FullSync(ctx); !errors.Is(err, ErrPaused) {
		t.Fatalf("want ErrPaused, got %v", err)
	}
	eng.Resume()
	if _, err := eng.FullSync(ctx); err != nil {
		t.Fatalf("sync after resume: %v", err)
	}
}

func TestConcurrentSyncRejected(t *testing.T) {
	eng, remote, _ := newTestEngine(t, Config{}, Deps{})
	ctx := context.Background()

	var inner error
	remote.onFetch = func() {
		_, inner = eng.DeltaSync(ctx)
	}
	if _, err := eng.FullSync(ctx); err != nil {
		t.Fatalf("outer sync: %v", err)
	}
	if !errors.Is(inner, ErrSyncActive) {
		t.Fatalf("want ErrSyncActive for overlapping sync, got %v", inner)
	}
}

func TestSyncFailureRecordsError(t *testing.T) {
	eng, remote, _ := newTestEngine(t, Config{}, Deps{})
	ctx := context.Background()

	remote.fetchErr = &types.TransientError{Op: "fetch", Err: errors.New("timeout")}
	if _, err := eng.FullSync(ctx); err == nil {
		t.Fatal("want sync error")
	}
	st := eng.Status()
	if st.Checkpoint.LastError == "" || st.Checkpoint.FullSyncs != 0 {
		t.Fatalf("failure not recorded: %+v", st.Checkpoint)
	}
	if !st.Checkpoint.LastFullSync.IsZero() {
		t.Fatal("failed pass must not advance the checkpoint")
	}

	remote.mu.Lock()
	remote.fetchErr = nil
	remote.mu.Unlock()
	if _, err := eng.FullSync(ctx); err != nil {
		t.Fatalf("recovery sync: %v", err)
	}
	st = eng.Status()
	if st.Checkpoint.LastError != "" || st.Checkpoint.FullSyncs != 1 {
		t.Fatalf("recovery not recorded: %+v", st.Checkpoint)
	}
}

func TestEncryptedPayloadRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{7}, 32)
	enc, err := security.NewAEAD(key)
	if err != nil {
		t.Fatalf("aead: %v", err)
	}
	eng, remote, clk := newTestEngine(t, Config{EncryptPayloads: true}, Deps{Encryptor: enc})
	ctx := context.Background()

	plain := json.RawMessage(`{"secret":"marks"}`)
	if err := eng.Put(ctx, mkEnt("g1", "grade", string(plain))); err != nil {
		t.Fatalf("put: %v", err)
	}

	ct, err := enc.Encrypt([]byte(`{"title":"served sealed"}`))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	sealed, err := json.Marshal(sealedPayload{Ciphertext: ct})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	remote.changes = []*types.Entity{{
		ID: "l1", Type: "lesson", Version: 1,
		Payload: sealed, LastModified: engineEpoch,
	}}

	clk.Advance(time.Minute)
	if _, err := eng.FullSync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	remote.mu.Lock()
	wire := remote.batches[0][0].Payload
	remote.mu.Unlock()
	if bytes.Contains(wire, []byte("secret")) {
		t.Fatal("payload left the device in plaintext")
	}
	var sp sealedPayload
	if err := json.Unmarshal(wire, &sp); err != nil || len(sp.Ciphertext) == 0 {
		t.Fatalf("wire payload not sealed: %s", wire)
	}
	pt, err := enc.Decrypt(sp.Ciphertext)
	if err != nil || !bytes.Equal(pt, plain) {
		t.Fatalf("sealed payload does not round-trip: %s (%v)", pt, err)
	}

	got, err := eng.Get("l1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got.Payload, []byte(`{"title":"served sealed"}`)) {
		t.Fatalf("downloaded payload not unsealed: %s", got.Payload)
	}
}

func TestLoadRestoresMirrorAndCheckpoint(t *testing.T) {
	store := storage.NewMemStore()
	eng, remote, clk := newTestEngine(t, Config{}, Deps{Store: store})
	ctx := context.Background()

	if err := eng.Put(ctx, mkEnt("a1", "assignment", `{"q":1}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	remote.rejections["a1"] = transport.Rejection{EntityID: "a1", Reason: "forbidden"}
	clk.Advance(time.Minute)
	if _, err := eng.FullSync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	clk2 := clock.NewFake(engineEpoch.Add(time.Hour))
	restored := New(Config{}, Deps{Store: store, Remote: remote, Clock: clk2}, nil)
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	got, err := restored.Get("a1")
	if err != nil {
		t.Fatalf("entity lost across restart: %v", err)
	}
	if !got.RequiresReview {
		t.Fatal("review flag lost across restart")
	}
	if n := len(restored.PendingReviews()); n != 1 {
		t.Fatalf("want 1 pending review after restart, got %d", n)
	}
	st := restored.Status()
	if st.Checkpoint.FullSyncs != 1 || st.Checkpoint.LastFullSync.IsZero() {
		t.Fatalf("checkpoint lost across restart: %+v", st.Checkpoint)
	}
}

func TestListFiltersByType(t *testing.T) {
	eng, _, _ := newTestEngine(t, Config{}, Deps{})
	ctx := context.Background()

	for _, ent := range []*types.Entity{
		mkEnt("a1", "assignment", `{}`),
		mkEnt("a2", "assignment", `{}`),
		mkEnt("l1", "lesson", `{}`),
	} {
		if err := eng.Put(ctx, ent); err != nil {
			t.Fatalf("put %s: %v", ent.ID, err)
		}
	}
	if err := eng.Delete(ctx, "a2"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	all := eng.List("")
	if len(all) != 2 {
		t.Fatalf("want 2 live entities, got %d", len(all))
	}
	assignments := eng.List("assignment")
	if len(assignments) != 1 || assignments[0].ID != "a1" {
		t.Fatalf("type filter wrong: %+v", assignments)
	}
}
