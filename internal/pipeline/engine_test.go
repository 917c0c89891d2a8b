package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"intakeline/internal/config"
	"intakeline/internal/db"
	"intakeline/internal/domain"
	"intakeline/internal/migrate"
	"intakeline/internal/stage"
)

func newTestEngine(t *testing.T) (*Engine, *sql.DB) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(conn, *config.Default()), conn
}

func mustCreate(t *testing.T, e *Engine, opts CreateOptions) domain.Request {
	t.Helper()
	if opts.ActorID == "" {
		opts.ActorID = "tester"
	}
	r, err := e.CreateRequest(context.Background(), opts)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	return r
}

func mustTransition(t *testing.T, e *Engine, id string, to stage.Stage) domain.Request {
	t.Helper()
	r, err := e.Transition(context.Background(), TransitionOptions{ID: id, To: to, ActorID: "tester"})
	if err != nil {
		t.Fatalf("transition %s -> %s: %v", id, to, err)
	}
	return r
}

func mustEstimate(t *testing.T, e *Engine, id string, points int) domain.Request {
	t.Helper()
	r, err := e.SubmitEstimate(context.Background(), EstimateOptions{
		ID:          id,
		StoryPoints: points,
		Confidence:  stage.ConfidenceHigh,
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("estimate %s: %v", id, err)
	}
	return r
}

// toReady drives a fresh request to the ready stage with an estimate.
func toReady(t *testing.T, e *Engine, id string, points int) domain.Request {
	t.Helper()
	mustTransition(t, e, id, stage.Estimation)
	mustEstimate(t, e, id, points)
	return mustTransition(t, e, id, stage.Ready)
}

func seedClient(t *testing.T, e *Engine) string {
	t.Helper()
	c := domain.Client{
		ID:        uuid.NewString(),
		Name:      "Acme",
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertClient(context.Background(), c); err != nil {
		t.Fatalf("insert client: %v", err)
	}
	return c.ID
}

func TestCreateRequestDefaults(t *testing.T) {
	e, _ := newTestEngine(t)
	r := mustCreate(t, e, CreateOptions{Title: "Fix login"})
	if r.RequestNumber != "REQ-0001" {
		t.Errorf("request number = %q, want REQ-0001", r.RequestNumber)
	}
	if r.Stage != stage.InTreatment {
		t.Errorf("stage = %s, want in_treatment", r.Stage)
	}
	if r.Type != stage.TypeOther || r.Priority != stage.PriorityMedium {
		t.Errorf("defaults: type=%s priority=%s", r.Type, r.Priority)
	}
	if r.RequesterID != "tester" {
		t.Errorf("requester = %q, want actor fallback", r.RequesterID)
	}
	r2 := mustCreate(t, e, CreateOptions{Title: "Second"})
	if r2.RequestNumber != "REQ-0002" {
		t.Errorf("second number = %q, want REQ-0002", r2.RequestNumber)
	}
}

func TestCreateRequestValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.CreateRequest(context.Background(), CreateOptions{ActorID: "tester"}); err == nil {
		t.Error("expected error for missing title")
	}
	bogus := uuid.NewString()
	_, err := e.CreateRequest(context.Background(), CreateOptions{Title: "x", ClientID: &bogus, ActorID: "tester"})
	if err == nil {
		t.Error("expected error for unknown client")
	}
}

func TestLegalLifecycle(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	r := mustCreate(t, e, CreateOptions{Title: "Add search", Type: stage.TypeFeature})

	r = mustTransition(t, e, r.ID, stage.Estimation)
	if r.Stage != stage.Estimation {
		t.Fatalf("stage = %s", r.Stage)
	}
	r = mustEstimate(t, e, r.ID, 5)
	if r.StoryPoints == nil || *r.StoryPoints != 5 {
		t.Fatalf("story points = %v", r.StoryPoints)
	}
	if r.Stage != stage.Estimation {
		t.Fatalf("estimate moved the stage to %s", r.Stage)
	}
	if r.EstimatorID == nil || *r.EstimatorID != "tester" {
		t.Errorf("estimator = %v", r.EstimatorID)
	}
	r = mustTransition(t, e, r.ID, stage.Ready)

	res, err := e.Convert(ctx, ConvertOptions{ID: r.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if res.Destination != stage.DestinationTicket {
		t.Fatalf("destination = %s, want ticket for 5 points", res.Destination)
	}
	if res.EntityNum != "TKT-0001" {
		t.Errorf("ticket number = %q", res.EntityNum)
	}
	if !res.Request.IsConverted || res.Request.ConvertedID == nil || *res.Request.ConvertedID != res.EntityID {
		t.Errorf("converted flags not set: %+v", res.Request)
	}

	tk, err := e.Repo.GetTicket(ctx, res.EntityID)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if tk.StoryPoints == nil || *tk.StoryPoints != 5 {
		t.Errorf("ticket points = %v", tk.StoryPoints)
	}

	history, err := e.Repo.RequestHistory(ctx, r.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var types []string
	for _, evt := range history {
		types = append(types, evt.Type)
	}
	want := []string{"request.created", "request.stage_changed", "request.estimated", "request.stage_changed", "request.converted"}
	if len(types) != len(want) {
		t.Fatalf("history = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("history[%d] = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestIllegalTransitions(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	r := mustCreate(t, e, CreateOptions{Title: "x"})

	_, err := e.Transition(ctx, TransitionOptions{ID: r.ID, To: stage.Ready, ActorID: "tester"})
	var it *InvalidTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("in_treatment -> ready: got %v", err)
	}

	_, err = e.Transition(ctx, TransitionOptions{ID: r.ID, To: stage.InTreatment, ActorID: "tester"})
	if !errors.As(err, &it) {
		t.Fatalf("same-stage transition: got %v", err)
	}
}

func TestReadyRequiresEstimate(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	r := mustCreate(t, e, CreateOptions{Title: "x"})
	mustTransition(t, e, r.ID, stage.Estimation)

	_, err := e.Transition(ctx, TransitionOptions{ID: r.ID, To: stage.Ready, ActorID: "tester"})
	var me *MissingEstimationError
	if !errors.As(err, &me) {
		t.Fatalf("expected MissingEstimationError, got %v", err)
	}
}

func TestEstimateGuards(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	r := mustCreate(t, e, CreateOptions{Title: "x"})

	_, err := e.SubmitEstimate(ctx, EstimateOptions{ID: r.ID, StoryPoints: 3, ActorID: "tester"})
	var ws *WrongStageError
	if !errors.As(err, &ws) {
		t.Fatalf("estimate outside estimation: got %v", err)
	}

	mustTransition(t, e, r.ID, stage.Estimation)
	_, err = e.SubmitEstimate(ctx, EstimateOptions{ID: r.ID, StoryPoints: -1, ActorID: "tester"})
	var ie *InvalidEstimateError
	if !errors.As(err, &ie) {
		t.Fatalf("negative points: got %v", err)
	}
	_, err = e.SubmitEstimate(ctx, EstimateOptions{ID: r.ID, StoryPoints: 3, Confidence: "certain", ActorID: "tester"})
	if !errors.As(err, &ie) {
		t.Fatalf("bad confidence: got %v", err)
	}

	r2, err := e.SubmitEstimate(ctx, EstimateOptions{ID: r.ID, StoryPoints: 0, ActorID: "tester"})
	if err != nil {
		t.Fatalf("zero points should be allowed: %v", err)
	}
	if r2.StoryPoints == nil || *r2.StoryPoints != 0 {
		t.Errorf("points = %v", r2.StoryPoints)
	}
}

func TestReestimationReset(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	r := mustCreate(t, e, CreateOptions{Title: "x"})
	toReady(t, e, r.ID, 8)

	back := mustTransition(t, e, r.ID, stage.Estimation)
	if back.StoryPoints != nil || back.Confidence != nil || back.EstimatedAt != nil || back.EstimationNotes != nil {
		t.Fatalf("estimate not cleared: %+v", back)
	}

	_, err := e.Transition(ctx, TransitionOptions{ID: r.ID, To: stage.Ready, ActorID: "tester"})
	var me *MissingEstimationError
	if !errors.As(err, &me) {
		t.Fatalf("ready after reset without estimate: got %v", err)
	}
}

func TestHoldAndResume(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	r := mustCreate(t, e, CreateOptions{Title: "x"})

	held, err := e.Hold(ctx, r.ID, "waiting on client", "tester")
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	if held.Stage != stage.OnHold || held.HoldReason == nil || *held.HoldReason != "waiting on client" || held.HoldStartedAt == nil {
		t.Fatalf("hold fields: %+v", held)
	}

	resumed, err := e.Resume(ctx, r.ID, "tester")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Stage != stage.InTreatment || resumed.HoldReason != nil || resumed.HoldStartedAt != nil {
		t.Fatalf("resume did not clear hold fields: %+v", resumed)
	}
}

func TestCancelIsTerminal(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	r := mustCreate(t, e, CreateOptions{Title: "x"})

	cancelled, err := e.Cancel(ctx, r.ID, "duplicate", "tester")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !cancelled.IsCancelled || cancelled.CancelledReason == nil || *cancelled.CancelledReason != "duplicate" {
		t.Fatalf("cancel fields: %+v", cancelled)
	}

	var an *AlreadyCancelledError
	if _, err := e.Transition(ctx, TransitionOptions{ID: r.ID, To: stage.Estimation, ActorID: "tester"}); !errors.As(err, &an) {
		t.Errorf("transition after cancel: got %v", err)
	}
	if _, err := e.Cancel(ctx, r.ID, "", "tester"); !errors.As(err, &an) {
		t.Errorf("double cancel: got %v", err)
	}
	if _, err := e.Convert(ctx, ConvertOptions{ID: r.ID, ActorID: "tester"}); !errors.As(err, &an) {
		t.Errorf("convert after cancel: got %v", err)
	}
	pm := "pm-1"
	if _, err := e.AssignPM(ctx, r.ID, &pm, "tester"); !errors.As(err, &an) {
		t.Errorf("assign after cancel: got %v", err)
	}
}

func TestConvertExactlyOnce(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	r := mustCreate(t, e, CreateOptions{Title: "x"})
	toReady(t, e, r.ID, 3)

	if _, err := e.Convert(ctx, ConvertOptions{ID: r.ID, ActorID: "tester"}); err != nil {
		t.Fatalf("first convert: %v", err)
	}

	var ac *AlreadyConvertedError
	if _, err := e.Convert(ctx, ConvertOptions{ID: r.ID, ActorID: "tester"}); !errors.As(err, &ac) {
		t.Fatalf("second convert: got %v", err)
	}
	if _, err := e.Cancel(ctx, r.ID, "", "tester"); !errors.As(err, &ac) {
		t.Errorf("cancel after convert: got %v", err)
	}
	title := "new title"
	if _, err := e.UpdateRequest(ctx, UpdateOptions{ID: r.ID, Title: &title, ActorID: "tester"}); !errors.As(err, &ac) {
		t.Errorf("update after convert: got %v", err)
	}
}

func TestConvertPreconditions(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	r := mustCreate(t, e, CreateOptions{Title: "x"})
	mustTransition(t, e, r.ID, stage.Estimation)

	var ws *WrongStageError
	if _, err := e.Convert(ctx, ConvertOptions{ID: r.ID, ActorID: "tester"}); !errors.As(err, &ws) {
		t.Fatalf("convert outside ready: got %v", err)
	}
	if _, err := e.Convert(ctx, ConvertOptions{ID: uuid.NewString(), ActorID: "tester"}); err == nil {
		t.Error("convert missing request succeeded")
	}
}

func TestConvertRouting(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	clientID := seedClient(t, e)

	// Change requests route to tickets regardless of size.
	cr := mustCreate(t, e, CreateOptions{Title: "cr", Type: stage.TypeChangeRequest})
	toReady(t, e, cr.ID, 13)
	res, err := e.Convert(ctx, ConvertOptions{ID: cr.ID, ActorID: "tester"})
	if err != nil || res.Destination != stage.DestinationTicket {
		t.Fatalf("change_request routing: %v %v", res.Destination, err)
	}

	// A large feature without a client cannot become a project.
	big := mustCreate(t, e, CreateOptions{Title: "big", Type: stage.TypeFeature})
	toReady(t, e, big.ID, 13)
	var mc *MissingClientError
	if _, err := e.Convert(ctx, ConvertOptions{ID: big.ID, ActorID: "tester"}); !errors.As(err, &mc) {
		t.Fatalf("project without client: got %v", err)
	}

	// With a client it becomes a project.
	withClient := mustCreate(t, e, CreateOptions{Title: "big2", Type: stage.TypeFeature, ClientID: &clientID})
	toReady(t, e, withClient.ID, 13)
	res, err = e.Convert(ctx, ConvertOptions{ID: withClient.ID, ActorID: "tester"})
	if err != nil || res.Destination != stage.DestinationProject {
		t.Fatalf("large feature routing: %v %v", res.Destination, err)
	}
	if res.EntityNum != "PRJ-0001" {
		t.Errorf("project number = %q", res.EntityNum)
	}
	p, err := e.Repo.GetProject(ctx, res.EntityID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if p.FromRequestID == nil || *p.FromRequestID != withClient.ID {
		t.Errorf("project origin = %v", p.FromRequestID)
	}

	// The caller can override routing.
	forced := mustCreate(t, e, CreateOptions{Title: "forced", Type: stage.TypeFeature})
	toReady(t, e, forced.ID, 13)
	res, err = e.Convert(ctx, ConvertOptions{ID: forced.ID, Destination: stage.DestinationTicket, ActorID: "tester"})
	if err != nil || res.Destination != stage.DestinationTicket {
		t.Fatalf("override routing: %v %v", res.Destination, err)
	}
}

func TestConvertConcurrent(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	r := mustCreate(t, e, CreateOptions{Title: "race"})
	toReady(t, e, r.ID, 2)

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			var err error
			// Retry transient store contention; the compare-and-set
			// decides the winner.
			for attempt := 0; attempt < 100; attempt++ {
				_, err = e.Convert(ctx, ConvertOptions{ID: r.ID, ActorID: "tester"})
				var ac *AlreadyConvertedError
				if err == nil || errors.As(err, &ac) {
					break
				}
				time.Sleep(10 * time.Millisecond)
			}
			results <- err
		}()
	}
	var wins, losses int
	for i := 0; i < 2; i++ {
		err := <-results
		var ac *AlreadyConvertedError
		switch {
		case err == nil:
			wins++
		case errors.As(err, &ac):
			losses++
		default:
			t.Fatalf("unexpected convert error: %v", err)
		}
	}
	if wins != 1 || losses != 1 {
		t.Fatalf("wins=%d losses=%d, want exactly one of each", wins, losses)
	}

	var tickets int
	if err := e.DB.QueryRowContext(ctx, `SELECT count(*) FROM tickets WHERE from_request_id=?`, r.ID).Scan(&tickets); err != nil {
		t.Fatal(err)
	}
	if tickets != 1 {
		t.Fatalf("ticket rows = %d, want 1", tickets)
	}
}

func TestBulkTransitionPartialFailure(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	a := mustCreate(t, e, CreateOptions{Title: "a"})
	b := mustCreate(t, e, CreateOptions{Title: "b"})
	c := mustCreate(t, e, CreateOptions{Title: "c"})
	if _, err := e.Cancel(ctx, c.ID, "", "tester"); err != nil {
		t.Fatal(err)
	}
	missing := uuid.NewString()

	res := e.BulkTransition(ctx, BulkTransitionOptions{
		IDs:     []string{a.ID, b.ID, a.ID, missing, c.ID},
		To:      stage.Estimation,
		ActorID: "tester",
	})
	if len(res.Succeeded) != 2 {
		t.Fatalf("succeeded = %v", res.Succeeded)
	}
	if res.Succeeded[0] != a.ID || res.Succeeded[1] != b.ID {
		t.Errorf("order not preserved: %v", res.Succeeded)
	}
	if len(res.Failed) != 2 {
		t.Fatalf("failed = %v", res.Failed)
	}
	for _, f := range res.Failed {
		if f.ID != missing && f.ID != c.ID {
			t.Errorf("unexpected failure for %s: %s", f.ID, f.Reason)
		}
		if f.Reason == "" {
			t.Errorf("failure for %s has no reason", f.ID)
		}
	}

	// The duplicate was applied once: a sits in estimation, not bounced.
	got, err := e.Repo.GetRequest(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Stage != stage.Estimation {
		t.Errorf("a.stage = %s", got.Stage)
	}
}

func TestBulkAssign(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	a := mustCreate(t, e, CreateOptions{Title: "a"})
	b := mustCreate(t, e, CreateOptions{Title: "b"})
	if _, err := e.Cancel(ctx, b.ID, "", "tester"); err != nil {
		t.Fatal(err)
	}

	pm := "pm-7"
	res := e.BulkAssign(ctx, BulkAssignOptions{IDs: []string{a.ID, b.ID}, AssignedPMID: &pm, ActorID: "tester"})
	if len(res.Succeeded) != 1 || res.Succeeded[0] != a.ID {
		t.Fatalf("succeeded = %v", res.Succeeded)
	}
	if len(res.Failed) != 1 || res.Failed[0].ID != b.ID {
		t.Fatalf("failed = %v", res.Failed)
	}
	got, _ := e.Repo.GetRequest(ctx, a.ID)
	if got.AssignedPMID == nil || *got.AssignedPMID != pm {
		t.Errorf("pm = %v", got.AssignedPMID)
	}
}

func TestStaleRequests(t *testing.T) {
	e, _ := newTestEngine(t)
	base := time.Now().UTC()
	e.Now = func() time.Time { return base }

	fresh := mustCreate(t, e, CreateOptions{Title: "fresh"})
	old := mustCreate(t, e, CreateOptions{Title: "old"})
	_ = fresh

	// Jump the clock past the in_treatment threshold for one request
	// by backdating its stage entry.
	e.Now = func() time.Time { return base.Add(72 * time.Hour) }
	if _, err := e.DB.Exec(`UPDATE requests SET stage_entered_at=? WHERE id=?`,
		base.Format(time.RFC3339), old.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := e.DB.Exec(`UPDATE requests SET stage_entered_at=? WHERE id=?`,
		base.Add(71*time.Hour).Format(time.RFC3339), fresh.ID); err != nil {
		t.Fatal(err)
	}

	stale, err := e.StaleRequests(context.Background())
	if err != nil {
		t.Fatalf("stale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != old.ID {
		t.Fatalf("stale = %+v", stale)
	}
	if stale[0].HoursInStage != 72 {
		t.Errorf("hours in stage = %d, want 72", stale[0].HoursInStage)
	}
}

func TestHoldRequiresReason(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	r := mustCreate(t, e, CreateOptions{Title: "blocked work"})

	if _, err := e.Hold(ctx, r.ID, "", "tester"); err == nil {
		t.Fatal("hold with empty reason succeeded")
	} else {
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("hold error = %v, want ValidationError", err)
		}
	}
	if _, err := e.Transition(ctx, TransitionOptions{ID: r.ID, To: stage.OnHold, ActorID: "tester"}); err == nil {
		t.Fatal("transition to on_hold with empty reason succeeded")
	}

	cur, err := e.Repo.GetRequest(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cur.Stage != stage.InTreatment || cur.HoldReason != nil || cur.HoldStartedAt != nil {
		t.Fatalf("request mutated by rejected hold: %+v", cur)
	}
}

func TestBulkTransitionLeavesReadyAlone(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	ready := mustCreate(t, e, CreateOptions{Title: "estimated"})
	toReady(t, e, ready.ID, 8)
	held := mustCreate(t, e, CreateOptions{Title: "parked"})
	if _, err := e.Hold(ctx, held.ID, "waiting", "tester"); err != nil {
		t.Fatalf("hold: %v", err)
	}

	res := e.BulkTransition(ctx, BulkTransitionOptions{
		IDs:     []string{ready.ID, held.ID},
		To:      stage.Estimation,
		ActorID: "tester",
	})
	if len(res.Succeeded) != 1 || res.Succeeded[0] != held.ID {
		t.Fatalf("succeeded = %v", res.Succeeded)
	}
	if len(res.Failed) != 1 || res.Failed[0].ID != ready.ID {
		t.Fatalf("failed = %+v", res.Failed)
	}
	if !strings.Contains(res.Failed[0].Reason, "invalid transition") {
		t.Fatalf("failure reason = %q", res.Failed[0].Reason)
	}

	cur, err := e.Repo.GetRequest(ctx, ready.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cur.Stage != stage.Ready {
		t.Fatalf("stage = %s, want ready untouched", cur.Stage)
	}
	if cur.StoryPoints == nil || *cur.StoryPoints != 8 {
		t.Fatalf("story points = %v, want estimate preserved", cur.StoryPoints)
	}
}

func TestRequestNumbersAreSequential(t *testing.T) {
	e, _ := newTestEngine(t)
	for i, want := range []string{"REQ-0001", "REQ-0002", "REQ-0003"} {
		r := mustCreate(t, e, CreateOptions{Title: fmt.Sprintf("request %d", i)})
		if r.RequestNumber != want {
			t.Fatalf("request %d number = %q, want %q", i, r.RequestNumber, want)
		}
	}
}
