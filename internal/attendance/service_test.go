package attendance

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/attendance/internal/clock"
	"github.com/hitoshi/attendance/internal/geo"
	"github.com/hitoshi/attendance/internal/model"
	"github.com/hitoshi/attendance/internal/repository/memory"
	"github.com/hitoshi/attendance/internal/security"
	"github.com/hitoshi/attendance/internal/session"
)

// --- モック定義 ---

// mockMetrics はMetricsCollectorのテスト用モック。
type mockMetrics struct {
	mu         sync.Mutex
	attendance map[string]int
	started    []bool
	proximity  int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{attendance: make(map[string]int)}
}

func (m *mockMetrics) RecordSessionStarted(closedPrevious bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, closedPrevious)
}

func (m *mockMetrics) RecordAttendance(operation, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attendance[operation+"/"+outcome]++
}

func (m *mockMetrics) ObserveProximity(float64, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proximity++
}

func (m *mockMetrics) RecordQueueEnqueued(string) {}

func (m *mockMetrics) RecordQueueResult(string, string) {}

func (m *mockMetrics) RecordReplayLatency(time.Duration) {}

func (m *mockMetrics) RecordHTTPStatus(int) {}

func (m *mockMetrics) count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attendance[key]
}

// --- ヘルパー ---

var t0 = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

const participant = "participant-1"

type fixture struct {
	svc      *Service
	sessions *memory.SessionStore
	meetings *memory.MeetingStore
	clock    *clock.Fake
	metrics  *mockMetrics
	logs     *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	clk := clock.NewFake(t0)
	sessions := memory.NewSessionStore()
	meetings := memory.NewMeetingStore()
	meetings.Put(&model.Meeting{
		ID:           "meeting-nyc",
		Name:         "NYC Courthouse",
		Address:      "60 Centre St",
		Lat:          40.7128,
		Lng:          -74.0060,
		RadiusMeters: 100,
		IsActive:     true,
	})
	mm := newMockMetrics()
	machine := session.NewMachine(meetings, clk, logger, session.Config{})
	svc := NewService(sessions, meetings, machine, geo.NewVerifier(geo.Config{}), security.NewNotesSanitizer(0), clk, mm, logger)
	return &fixture{svc: svc, sessions: sessions, meetings: meetings, clock: clk, metrics: mm, logs: &buf}
}

func (f *fixture) start(t *testing.T) *model.Session {
	t.Helper()
	res, err := f.svc.StartSession(context.Background(), StartRequest{ParticipantID: participant, MeetingID: "meeting-nyc"})
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	return res.Session
}

func (f *fixture) events(t *testing.T, sessionID string) []*model.SessionEvent {
	t.Helper()
	events, err := f.sessions.ListEvents(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	return events
}

func ptr(v float64) *float64 { return &v }

func discardTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func nearSample() model.LocationSample {
	return model.LocationSample{Lat: 40.7128, Lng: -74.0061, Accuracy: ptr(10)}
}

func farSample() model.LocationSample {
	return model.LocationSample{Lat: 40.7589, Lng: -73.9851, Accuracy: ptr(10)}
}

// --- テスト ---

// TestService_CheckIn_WithinRange は会場付近でのチェックインが成功することを検証する。
func TestService_CheckIn_WithinRange(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)

	res, err := f.svc.CheckIn(context.Background(), CheckRequest{SessionID: s.ID, ParticipantID: participant, Sample: nearSample()})
	if err != nil {
		t.Fatalf("CheckIn() error = %v", err)
	}
	if res.Outcome != OutcomeSuccess {
		t.Errorf("Outcome = %q, want %q", res.Outcome, OutcomeSuccess)
	}
	if !res.Proximity.WithinRange || res.Proximity.Confidence <= 0.9 {
		t.Errorf("Proximity = %+v, want within range with confidence > 0.9", res.Proximity)
	}
	if res.Session.Status != model.SessionStatusCheckedIn {
		t.Errorf("Status = %q, want %q", res.Session.Status, model.SessionStatusCheckedIn)
	}
	events := f.events(t, s.ID)
	if len(events) != 1 || events[0].Type != model.EventTypeCheckIn {
		t.Fatalf("events = %+v, want one check_in", events)
	}
	if !events[0].ClientTimestamp.Equal(t0) {
		t.Errorf("ClientTimestamp = %v, want server time %v", events[0].ClientTimestamp, t0)
	}
	if got := f.metrics.count("check_in/success"); got != 1 {
		t.Errorf("check_in/success = %d, want 1", got)
	}
}

// TestService_CheckIn_OutOfRange は会場から離れた位置でのチェックインが拒否され、状態が変わらないことを検証する。
func TestService_CheckIn_OutOfRange(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)

	res, err := f.svc.CheckIn(context.Background(), CheckRequest{SessionID: s.ID, ParticipantID: participant, Sample: farSample()})
	if !model.IsKind(err, model.KindOutOfRange) {
		t.Fatalf("CheckIn() error = %v, want out_of_range", err)
	}
	if res.Outcome != OutcomeOutOfRange {
		t.Errorf("Outcome = %q, want %q", res.Outcome, OutcomeOutOfRange)
	}
	if res.Proximity == nil || res.Proximity.WithinRange || res.Proximity.DistanceMeters < 5000 {
		t.Errorf("Proximity = %+v, want far out of range", res.Proximity)
	}

	stored, _ := f.sessions.FindByID(context.Background(), s.ID)
	if stored.Status != model.SessionStatusActive {
		t.Errorf("Status = %q, want unchanged %q", stored.Status, model.SessionStatusActive)
	}
	if n := len(f.events(t, s.ID)); n != 0 {
		t.Errorf("events = %d, want 0", n)
	}
	if !strings.Contains(f.logs.String(), "ジオフェンス外のため拒否しました") {
		t.Error("out of range rejection should be logged")
	}
	if got := f.metrics.count("check_in/out_of_range"); got != 1 {
		t.Errorf("check_in/out_of_range = %d, want 1", got)
	}
}

// TestService_CheckIn_Validation は座標と精度の検証がセッション参照より先に行われることを検証する。
func TestService_CheckIn_Validation(t *testing.T) {
	tests := []struct {
		name   string
		sample model.LocationSample
	}{
		{name: "latitude out of range", sample: model.LocationSample{Lat: 91, Lng: 0}},
		{name: "longitude out of range", sample: model.LocationSample{Lat: 0, Lng: -181}},
		{name: "accuracy above max", sample: model.LocationSample{Lat: 40.7128, Lng: -74.0060, Accuracy: ptr(5000)}},
		{name: "negative accuracy", sample: model.LocationSample{Lat: 40.7128, Lng: -74.0060, Accuracy: ptr(-1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			res, err := f.svc.CheckIn(context.Background(), CheckRequest{SessionID: "missing", ParticipantID: participant, Sample: tt.sample})
			if !model.IsKind(err, model.KindValidation) {
				t.Fatalf("CheckIn() error = %v, want validation", err)
			}
			if res.Outcome != OutcomeValidationFailed {
				t.Errorf("Outcome = %q, want %q", res.Outcome, OutcomeValidationFailed)
			}
			if res.Proximity != nil {
				t.Error("Proximity should not be evaluated on validation failure")
			}
		})
	}
}

// TestService_CheckIn_NotFound は存在しないセッションと他人のセッションがNotFoundになることを検証する。
func TestService_CheckIn_NotFound(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)

	for _, req := range []CheckRequest{
		{SessionID: "missing", ParticipantID: participant, Sample: nearSample()},
		{SessionID: s.ID, ParticipantID: "someone-else", Sample: nearSample()},
	} {
		res, err := f.svc.CheckIn(context.Background(), req)
		if !model.IsKind(err, model.KindNotFound) {
			t.Errorf("CheckIn(%s, %s) error = %v, want not_found", req.SessionID, req.ParticipantID, err)
			continue
		}
		if res.Outcome != OutcomeNotFound {
			t.Errorf("Outcome = %q, want %q", res.Outcome, OutcomeNotFound)
		}
	}
}

// TestService_CheckIn_WrongState はactive以外のセッションへのチェックインが競合エラーになり、状態を変えないことを検証する。
func TestService_CheckIn_WrongState(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)
	ctx := context.Background()

	if _, err := f.svc.CheckIn(ctx, CheckRequest{SessionID: s.ID, ParticipantID: participant, Sample: nearSample()}); err != nil {
		t.Fatalf("first CheckIn() error = %v", err)
	}
	res, err := f.svc.CheckIn(ctx, CheckRequest{SessionID: s.ID, ParticipantID: participant, Sample: nearSample()})
	if !model.IsKind(err, model.KindConflict) {
		t.Fatalf("second CheckIn() error = %v, want conflict", err)
	}
	if res.Outcome != OutcomeStateConflict {
		t.Errorf("Outcome = %q, want %q", res.Outcome, OutcomeStateConflict)
	}
	if n := len(f.events(t, s.ID)); n != 1 {
		t.Errorf("events = %d, want 1", n)
	}
}

// TestService_CheckIn_ReplayIsIdempotent は再生されたチェックインが重複イベントを作らないことを検証する。
func TestService_CheckIn_ReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)
	ctx := context.Background()
	req := CheckRequest{SessionID: s.ID, ParticipantID: participant, Sample: nearSample(), Replay: true}

	first, err := f.svc.CheckIn(ctx, req)
	if err != nil {
		t.Fatalf("first CheckIn() error = %v", err)
	}
	if first.AlreadyApplied {
		t.Error("first replay should apply the check-in")
	}

	second, err := f.svc.CheckIn(ctx, req)
	if err != nil {
		t.Fatalf("second CheckIn() error = %v", err)
	}
	if !second.AlreadyApplied || second.Outcome != OutcomeSuccess {
		t.Errorf("second = %+v, want already applied success", second)
	}

	checkIns := 0
	for _, e := range f.events(t, s.ID) {
		if e.Type == model.EventTypeCheckIn {
			checkIns++
		}
	}
	if checkIns != 1 {
		t.Errorf("check_in events = %d, want 1", checkIns)
	}
}

// TestService_CheckIn_Concurrent は同一セッションへの並行チェックインのうち1件だけが成功することを検証する。
func TestService_CheckIn_Concurrent(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)

	const workers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes, conflicts := 0, 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CheckIn(context.Background(), CheckRequest{SessionID: s.ID, ParticipantID: participant, Sample: nearSample()})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case model.IsKind(err, model.KindConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 || conflicts != workers-1 {
		t.Errorf("successes = %d, conflicts = %d, want 1 and %d", successes, conflicts, workers-1)
	}
	if n := len(f.events(t, s.ID)); n != 1 {
		t.Errorf("events = %d, want 1", n)
	}
	if n := f.svc.locks.size(); n != 0 {
		t.Errorf("lock entries = %d, want 0 after all requests", n)
	}
}

// TestService_CheckIn_LenientMeeting はジオフェンス緩和設定のミーティングで範囲外チェックインが受け付けられることを検証する。
func TestService_CheckIn_LenientMeeting(t *testing.T) {
	f := newFixture(t)
	f.meetings.Put(&model.Meeting{
		ID: "meeting-test", Name: "Rehearsal", Lat: 40.7128, Lng: -74.0060,
		RadiusMeters: 100, IsActive: true, GeofenceLenient: true,
	})
	ctx := context.Background()
	started, err := f.svc.StartSession(ctx, StartRequest{ParticipantID: participant, MeetingID: "meeting-test"})
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	res, err := f.svc.CheckIn(ctx, CheckRequest{SessionID: started.Session.ID, ParticipantID: participant, Sample: farSample()})
	if err != nil {
		t.Fatalf("CheckIn() error = %v", err)
	}
	if !res.Lenient || res.Proximity.WithinRange {
		t.Errorf("result = %+v, want lenient out-of-range acceptance", res)
	}

	// チェックアウトには緩和を適用しない
	_, err = f.svc.CheckOut(ctx, CheckRequest{SessionID: started.Session.ID, ParticipantID: participant, Sample: farSample()})
	if !model.IsKind(err, model.KindOutOfRange) {
		t.Errorf("CheckOut() error = %v, want out_of_range", err)
	}
}

// TestService_CheckOut_Completes はチェックアウトでcompletedになり、詳細に所要時間が含まれることを検証する。
func TestService_CheckOut_Completes(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)
	ctx := context.Background()

	if _, err := f.svc.CheckIn(ctx, CheckRequest{SessionID: s.ID, ParticipantID: participant, Sample: nearSample()}); err != nil {
		t.Fatalf("CheckIn() error = %v", err)
	}
	f.clock.Advance(90 * time.Minute)
	res, err := f.svc.CheckOut(ctx, CheckRequest{SessionID: s.ID, ParticipantID: participant, Sample: nearSample()})
	if err != nil {
		t.Fatalf("CheckOut() error = %v", err)
	}
	if res.Session.Status != model.SessionStatusCompleted {
		t.Errorf("Status = %q, want %q", res.Session.Status, model.SessionStatusCompleted)
	}

	details, err := f.svc.GetSessionDetails(ctx, s.ID, participant)
	if err != nil {
		t.Fatalf("GetSessionDetails() error = %v", err)
	}
	if len(details.Events) != 2 {
		t.Fatalf("events = %d, want 2", len(details.Events))
	}
	if details.DurationMinutes == nil || *details.DurationMinutes != 90 {
		t.Errorf("DurationMinutes = %v, want 90", details.DurationMinutes)
	}
	if details.CheckInTime == nil || !details.CheckInTime.Equal(t0) {
		t.Errorf("CheckInTime = %v, want %v", details.CheckInTime, t0)
	}
}

// TestService_CheckOut_RequiresCheckedIn はチェックイン前のチェックアウトが競合エラーになることを検証する。
func TestService_CheckOut_RequiresCheckedIn(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)

	_, err := f.svc.CheckOut(context.Background(), CheckRequest{SessionID: s.ID, ParticipantID: participant, Sample: nearSample()})
	if !model.IsKind(err, model.KindConflict) {
		t.Errorf("CheckOut() error = %v, want conflict", err)
	}
}

// TestService_StartSession_ClosesCheckedIn はチェックイン済みセッションがある状態での開始が既存セッションを終了させることを検証する。
func TestService_StartSession_ClosesCheckedIn(t *testing.T) {
	f := newFixture(t)
	first := f.start(t)
	ctx := context.Background()

	if _, err := f.svc.CheckIn(ctx, CheckRequest{SessionID: first.ID, ParticipantID: participant, Sample: nearSample()}); err != nil {
		t.Fatalf("CheckIn() error = %v", err)
	}
	f.clock.Advance(time.Minute)

	res, err := f.svc.StartSession(ctx, StartRequest{ParticipantID: participant, MeetingID: "meeting-nyc"})
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if res.ClosedPreviousID() != first.ID {
		t.Errorf("ClosedPreviousID() = %q, want %q", res.ClosedPreviousID(), first.ID)
	}
	if res.Session.Status != model.SessionStatusActive {
		t.Errorf("new Status = %q, want %q", res.Session.Status, model.SessionStatusActive)
	}

	prior, _ := f.sessions.FindByID(ctx, first.ID)
	if prior.Status != model.SessionStatusEnded {
		t.Errorf("prior Status = %q, want %q", prior.Status, model.SessionStatusEnded)
	}
	events := f.events(t, first.ID)
	if len(events) != 2 || events[1].Type != model.EventTypeStatusChange {
		t.Fatalf("prior events = %+v, want check_in then status_change", events)
	}
	if events[1].Notes != session.SupersededReason {
		t.Errorf("status_change Notes = %q, want %q", events[1].Notes, session.SupersededReason)
	}
	if n := f.sessions.LiveCount(participant); n != 1 {
		t.Errorf("LiveCount() = %d, want 1", n)
	}
	if len(f.metrics.started) != 2 || !f.metrics.started[1] {
		t.Errorf("started metrics = %v, want second start to record closed previous", f.metrics.started)
	}
}

// TestService_StartSession_MeetingErrors はミーティング不在と非アクティブのエラー分類を検証する。
func TestService_StartSession_MeetingErrors(t *testing.T) {
	f := newFixture(t)
	f.meetings.Put(&model.Meeting{ID: "meeting-off", Lat: 1, Lng: 1, IsActive: false})
	ctx := context.Background()

	_, err := f.svc.StartSession(ctx, StartRequest{ParticipantID: participant, MeetingID: "missing"})
	if !model.IsKind(err, model.KindNotFound) {
		t.Errorf("missing meeting error = %v, want not_found", err)
	}
	_, err = f.svc.StartSession(ctx, StartRequest{ParticipantID: participant, MeetingID: "meeting-off"})
	if !model.IsKind(err, model.KindConflict) {
		t.Errorf("inactive meeting error = %v, want conflict", err)
	}
	if n := f.sessions.LiveCount(participant); n != 0 {
		t.Errorf("LiveCount() = %d, want 0", n)
	}
}

// TestService_StartSession_WithSessionID は指定IDでの開始が冪等であることを検証する。
func TestService_StartSession_WithSessionID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := uuid.New().String()
	req := StartRequest{ParticipantID: participant, MeetingID: "meeting-nyc", SessionID: id}

	first, err := f.svc.StartSession(ctx, req)
	if err != nil {
		t.Fatalf("first StartSession() error = %v", err)
	}
	if first.Session.ID != id {
		t.Errorf("Session.ID = %q, want %q", first.Session.ID, id)
	}

	second, err := f.svc.StartSession(ctx, req)
	if err != nil {
		t.Fatalf("second StartSession() error = %v", err)
	}
	if !second.AlreadyApplied || second.ClosedPrevious != nil {
		t.Errorf("second = %+v, want already applied without closing", second)
	}

	_, err = f.svc.StartSession(ctx, StartRequest{ParticipantID: participant, MeetingID: "meeting-nyc", SessionID: "not-a-uuid"})
	if !model.IsKind(err, model.KindValidation) {
		t.Errorf("invalid session id error = %v, want validation", err)
	}
}

// TestService_GeneralSession は一般セッションの開始、再利用、位置確認の拒否を検証する。
func TestService_GeneralSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.StartSession(ctx, StartRequest{ParticipantID: participant, Notes: "<b>walk-in</b>"})
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if !first.Session.IsGeneral() || first.Session.Destination.Name != session.GeneralDestinationName {
		t.Errorf("session = %+v, want general session", first.Session)
	}
	if first.Session.Notes != "walk-in" {
		t.Errorf("Notes = %q, want markup stripped", first.Session.Notes)
	}

	second, err := f.svc.StartGeneralSession(ctx, StartRequest{ParticipantID: participant})
	if err != nil {
		t.Fatalf("StartGeneralSession() error = %v", err)
	}
	if !second.Reused || second.Session.ID != first.Session.ID {
		t.Errorf("second = %+v, want reuse of %s", second, first.Session.ID)
	}

	_, err = f.svc.CheckIn(ctx, CheckRequest{SessionID: first.Session.ID, ParticipantID: participant, Sample: nearSample()})
	if !model.IsKind(err, model.KindConflict) {
		t.Errorf("CheckIn() on general session error = %v, want conflict", err)
	}
}

// TestService_EndSession は手動終了で理由がメモとイベントに残ることを検証する。
func TestService_EndSession(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)
	ctx := context.Background()

	res, err := f.svc.EndSession(ctx, EndRequest{SessionID: s.ID, ParticipantID: participant, Reason: "left early"})
	if err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if res.Session.Status != model.SessionStatusEnded {
		t.Errorf("Status = %q, want %q", res.Session.Status, model.SessionStatusEnded)
	}
	if !strings.HasSuffix(res.Session.Notes, "Ended: left early") {
		t.Errorf("Notes = %q, want end reason appended", res.Session.Notes)
	}
	if res.Event.Type != model.EventTypeStatusChange || res.Event.Notes != "left early" {
		t.Errorf("Event = %+v, want status_change with reason", res.Event)
	}

	_, err = f.svc.EndSession(ctx, EndRequest{SessionID: s.ID, ParticipantID: participant})
	if !model.IsKind(err, model.KindConflict) {
		t.Errorf("second EndSession() error = %v, want conflict", err)
	}

	replay, err := f.svc.EndSession(ctx, EndRequest{SessionID: s.ID, ParticipantID: participant, Replay: true})
	if err != nil {
		t.Fatalf("replayed EndSession() error = %v", err)
	}
	if !replay.AlreadyApplied {
		t.Error("replayed end on ended session should be a no-op")
	}
	if n := len(f.events(t, s.ID)); n != 1 {
		t.Errorf("events = %d, want 1", n)
	}
}

// TestService_GetActiveSessionAndHistory は進行中セッションと履歴の取得を検証する。
func TestService_GetActiveSessionAndHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	active, err := f.svc.GetActiveSession(ctx, participant)
	if err != nil || active != nil {
		t.Fatalf("GetActiveSession() = %v, %v, want nil, nil", active, err)
	}

	var last *model.Session
	for i := 0; i < 3; i++ {
		last = f.start(t)
		f.clock.Advance(time.Minute)
	}

	active, err = f.svc.GetActiveSession(ctx, participant)
	if err != nil {
		t.Fatalf("GetActiveSession() error = %v", err)
	}
	if active == nil || active.ID != last.ID {
		t.Errorf("active = %v, want %s", active, last.ID)
	}

	history, err := f.svc.GetHistory(ctx, participant, 0, 0)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) != 3 || history[0].ID != last.ID {
		t.Errorf("history = %d sessions (first %v), want 3 newest first", len(history), history)
	}

	page, err := f.svc.GetHistory(ctx, participant, 1, 1)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(page) != 1 || page[0].ID == last.ID {
		t.Errorf("page = %v, want second newest only", page)
	}
}

// TestService_GetStatistics は期間内セッションの集計を検証する。
func TestService_GetStatistics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	completed := f.start(t)
	if _, err := f.svc.CheckIn(ctx, CheckRequest{SessionID: completed.ID, ParticipantID: participant, Sample: nearSample()}); err != nil {
		t.Fatalf("CheckIn() error = %v", err)
	}
	f.clock.Advance(60 * time.Minute)
	if _, err := f.svc.CheckOut(ctx, CheckRequest{SessionID: completed.ID, ParticipantID: participant, Sample: nearSample()}); err != nil {
		t.Fatalf("CheckOut() error = %v", err)
	}
	f.clock.Advance(time.Minute)
	ended := f.start(t)
	if _, err := f.svc.EndSession(ctx, EndRequest{SessionID: ended.ID, ParticipantID: participant, Reason: "cancelled"}); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}

	stats, err := f.svc.GetStatistics(ctx, participant, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("GetStatistics() error = %v", err)
	}
	if stats.TotalSessions != 2 || stats.Completed != 1 || stats.Ended != 1 {
		t.Errorf("stats = %+v, want 2 total, 1 completed, 1 ended", stats)
	}
	if stats.CompletionRate != 0.5 {
		t.Errorf("CompletionRate = %v, want 0.5", stats.CompletionRate)
	}
	if stats.AverageDurationMinutes != 60 {
		t.Errorf("AverageDurationMinutes = %v, want 60", stats.AverageDurationMinutes)
	}

	_, err = f.svc.GetStatistics(ctx, participant, t0, t0.Add(-time.Hour))
	if !model.IsKind(err, model.KindValidation) {
		t.Errorf("reversed range error = %v, want validation", err)
	}
}

// TestService_StartSession_ConcurrentSameParticipant は同じ参加者の同時開始でも進行中セッションが1件に保たれ、
// 置き換えられたセッションがそれぞれ1件のSTATUS_CHANGEで終了することを検証する。
func TestService_StartSession_ConcurrentSameParticipant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 別プロセスを想定し、ロックを共有しない2つ目のServiceも同じストアに書き込む
	other := NewService(f.sessions, f.meetings, session.NewMachine(f.meetings, f.clock, discardTestLogger(), session.Config{}),
		geo.NewVerifier(geo.Config{}), security.NewNotesSanitizer(0), f.clock, nil, discardTestLogger())
	services := []*Service{f.svc, other}

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	var started int
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(svc *Service) {
			defer wg.Done()
			_, err := svc.StartSession(ctx, StartRequest{ParticipantID: participant, MeetingID: "meeting-nyc"})
			if err != nil {
				if !model.IsKind(err, model.KindConflict) {
					t.Errorf("StartSession() error = %v, want nil or conflict", err)
				}
				return
			}
			mu.Lock()
			started++
			mu.Unlock()
		}(services[i%len(services)])
	}
	wg.Wait()

	if started == 0 {
		t.Fatal("no session was started")
	}
	all, err := f.sessions.ListHistory(ctx, participant, 100, 0)
	if err != nil {
		t.Fatalf("ListHistory() error = %v", err)
	}
	if len(all) != started {
		t.Fatalf("sessions = %d, want %d", len(all), started)
	}

	active := 0
	for _, s := range all {
		events := f.events(t, s.ID)
		switch s.Status {
		case model.SessionStatusActive:
			active++
			if len(events) != 0 {
				t.Errorf("active session %s events = %+v, want none", s.ID, events)
			}
		case model.SessionStatusEnded:
			changes := 0
			for _, e := range events {
				if e.Type == model.EventTypeStatusChange {
					changes++
				}
			}
			if changes != 1 {
				t.Errorf("ended session %s has %d status_change events, want 1", s.ID, changes)
			}
		default:
			t.Errorf("session %s status = %q, want active or ended", s.ID, s.Status)
		}
	}
	if active != 1 {
		t.Errorf("active sessions = %d, want 1", active)
	}
	if n := f.sessions.LiveCount(participant); n != 1 {
		t.Errorf("LiveCount() = %d, want 1", n)
	}
}

// TestService_FindNearbyMeetings は半径内の受付中ミーティングだけが近い順に返ることを検証する。
func TestService_FindNearbyMeetings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// meeting-nyc (40.7128, -74.0060) に加えて配置する
	f.meetings.Put(&model.Meeting{ID: "meeting-times-sq", Name: "Times Square", Lat: 40.7580, Lng: -73.9855, IsActive: true})
	f.meetings.Put(&model.Meeting{ID: "meeting-brooklyn", Name: "Brooklyn", Lat: 40.6782, Lng: -73.9442, RadiusMeters: 250, IsActive: true})
	f.meetings.Put(&model.Meeting{ID: "meeting-closed", Name: "Closed", Lat: 40.7129, Lng: -74.0061, IsActive: false})
	f.meetings.Put(&model.Meeting{ID: "meeting-boston", Name: "Boston", Lat: 42.3601, Lng: -71.0589, IsActive: true})

	got, err := f.svc.FindNearbyMeetings(ctx, 40.7128, -74.0061, 10)
	if err != nil {
		t.Fatalf("FindNearbyMeetings() error = %v", err)
	}
	var ids []string
	for _, m := range got {
		ids = append(ids, m.Meeting.ID)
	}
	want := []string{"meeting-nyc", "meeting-times-sq", "meeting-brooklyn"}
	if strings.Join(ids, ",") != strings.Join(want, ",") {
		t.Fatalf("meetings = %v, want %v", ids, want)
	}

	if got[0].DistanceKm != 0.01 {
		t.Errorf("nyc DistanceKm = %v, want 0.01", got[0].DistanceKm)
	}
	if got[1].DistanceKm < 5.0 || got[1].DistanceKm > 5.5 {
		t.Errorf("times square DistanceKm = %v, want about 5.2", got[1].DistanceKm)
	}
	// 半径未設定のミーティングは既定の半径を返す
	if got[1].RadiusMeters != geo.DefaultRadiusMeters {
		t.Errorf("RadiusMeters = %v, want default %v", got[1].RadiusMeters, geo.DefaultRadiusMeters)
	}
	if got[2].RadiusMeters != 250 {
		t.Errorf("RadiusMeters = %v, want 250", got[2].RadiusMeters)
	}
	for i := 1; i < len(got); i++ {
		if got[i].DistanceKm < got[i-1].DistanceKm {
			t.Errorf("results not sorted by distance: %v", ids)
		}
	}
}

func TestService_FindNearbyMeetings_RadiusAndValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.meetings.Put(&model.Meeting{ID: "meeting-times-sq", Name: "Times Square", Lat: 40.7580, Lng: -73.9855, IsActive: true})

	// 既定半径（5km）ではタイムズスクエアは含まれない
	got, err := f.svc.FindNearbyMeetings(ctx, 40.7128, -74.0061, 0)
	if err != nil {
		t.Fatalf("FindNearbyMeetings() error = %v", err)
	}
	if len(got) != 1 || got[0].Meeting.ID != "meeting-nyc" {
		t.Errorf("default radius results = %+v, want only meeting-nyc", got)
	}

	// 該当なしは空の結果
	none, err := f.svc.FindNearbyMeetings(ctx, 35.6812, 139.7671, 1)
	if err != nil || len(none) != 0 {
		t.Errorf("FindNearbyMeetings(tokyo) = %v, %v; want empty", none, err)
	}

	tests := []struct {
		name     string
		lat, lng float64
		radius   float64
	}{
		{"latitude out of range", 91, 0, 1},
		{"longitude out of range", 0, 181, 1},
		{"nan latitude", math.NaN(), 0, 1},
		{"negative radius", 40.7128, -74.0061, -1},
		{"nan radius", 40.7128, -74.0061, math.NaN()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.FindNearbyMeetings(ctx, tt.lat, tt.lng, tt.radius)
			if !model.IsKind(err, model.KindValidation) {
				t.Errorf("error = %v, want validation", err)
			}
		})
	}
}
