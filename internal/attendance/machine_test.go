package attendance

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"scriptcustody/internal/fault"
	"scriptcustody/internal/qr"
)

// memStore mirrors the repository's atomicity guarantees in memory.
type memStore struct {
	mu    sync.Mutex
	rows  map[string]*Record // by id
	byKey map[string]string  // session:student -> id
	seq   int
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]*Record), byKey: make(map[string]string)}
}

func (s *memStore) InsertIfAbsent(_ context.Context, rec Record) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rec.SessionID + ":" + rec.StudentID
	if id, ok := s.byKey[key]; ok {
		return *s.rows[id], false, nil
	}
	s.seq++
	rec.ID = fmt.Sprintf("rec-%d", s.seq)
	rec.CreatedAt = rec.EntryTime
	s.rows[rec.ID] = &rec
	s.byKey[key] = rec.ID
	return rec, true, nil
}

func (s *memStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *memStore) TransitionExit(_ context.Context, id string, at time.Time, submitted bool) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	if !ok || rec.Status != StatusPresent {
		return nil, nil
	}
	rec.ExitTime = &at
	if submitted {
		rec.Status = StatusSubmitted
		rec.SubmissionTime = &at
	} else {
		rec.Status = StatusLeft
	}
	cp := *rec
	return &cp, nil
}

func (s *memStore) TransitionSubmission(_ context.Context, id string, at time.Time) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	if !ok || (rec.Status != StatusPresent && rec.Status != StatusLeft) {
		return nil, nil
	}
	rec.Status = StatusSubmitted
	rec.SubmissionTime = &at
	cp := *rec
	return &cp, nil
}

func (s *memStore) ListBySession(_ context.Context, sessionID string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, rec := range s.rows {
		if rec.SessionID == sessionID {
			out = append(out, *rec)
		}
	}
	return out, nil
}

// fakeRoster maps index numbers to student ids for one session.
type fakeRoster struct {
	sessionID string
	students  map[string]string // indexNumber -> studentID
}

func (r *fakeRoster) OnRoster(_ context.Context, sessionID, studentID string) (bool, error) {
	if sessionID != r.sessionID {
		return false, nil
	}
	for _, id := range r.students {
		if id == studentID {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeRoster) ResolveIndexNumber(_ context.Context, sessionID, indexNumber string) (string, error) {
	if sessionID != r.sessionID {
		return "", nil
	}
	return r.students[indexNumber], nil
}

// captureSink records emitted audit events.
type captureSink struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (s *captureSink) Emit(_ context.Context, evt AuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func newTestMachine() (*Machine, *memStore, *captureSink) {
	store := newMemStore()
	roster := &fakeRoster{
		sessionID: "sess-1",
		students:  map[string]string{"4012345": "stu-1", "4012346": "stu-2"},
	}
	sink := &captureSink{}
	return NewMachine(store, roster, sink), store, sink
}

func TestRecordEntry(t *testing.T) {
	ctx := context.Background()

	t.Run("first entry creates present record", func(t *testing.T) {
		m, _, sink := newTestMachine()
		res, err := m.RecordEntry(ctx, "sess-1", "stu-1", MethodQRScan, nil)
		if err != nil {
			t.Fatalf("RecordEntry: %v", err)
		}
		if res.AlreadyRecorded {
			t.Error("first entry flagged as duplicate")
		}
		if res.Record.Status != StatusPresent {
			t.Errorf("status: got %q, want %q", res.Record.Status, StatusPresent)
		}
		if len(sink.events) != 1 || sink.events[0].ToStatus != StatusPresent {
			t.Errorf("audit events: got %+v", sink.events)
		}
	})

	t.Run("duplicate entry is idempotent", func(t *testing.T) {
		m, _, sink := newTestMachine()
		first, _ := m.RecordEntry(ctx, "sess-1", "stu-1", MethodQRScan, nil)
		second, err := m.RecordEntry(ctx, "sess-1", "stu-1", MethodManualEntry, nil)
		if err != nil {
			t.Fatalf("duplicate RecordEntry: %v", err)
		}
		if !second.AlreadyRecorded {
			t.Error("duplicate entry not flagged")
		}
		if second.Record.ID != first.Record.ID {
			t.Errorf("duplicate returned a different record: %s vs %s", second.Record.ID, first.Record.ID)
		}
		if second.Record.EntryTime != first.Record.EntryTime {
			t.Error("entry time changed on duplicate scan")
		}
		if len(sink.events) != 1 {
			t.Errorf("audit events after duplicate: got %d, want 1", len(sink.events))
		}
	})

	t.Run("off-roster student rejected without a record", func(t *testing.T) {
		m, store, _ := newTestMachine()
		_, err := m.RecordEntry(ctx, "sess-1", "stu-99", MethodQRScan, nil)
		if code := fault.CodeOf(err); code != fault.CodeNotExpected {
			t.Errorf("code: got %q, want %q", code, fault.CodeNotExpected)
		}
		if len(store.rows) != 0 {
			t.Error("rejected entry must not create a record")
		}
	})

	t.Run("unknown method rejected", func(t *testing.T) {
		m, _, _ := newTestMachine()
		_, err := m.RecordEntry(ctx, "sess-1", "stu-1", "TELEPATHY", nil)
		if code := fault.CodeOf(err); code != fault.CodeBadInput {
			t.Errorf("code: got %q, want %q", code, fault.CodeBadInput)
		}
	})
}

func TestRecordExit(t *testing.T) {
	ctx := context.Background()

	t.Run("exit without submission", func(t *testing.T) {
		m, _, _ := newTestMachine()
		res, _ := m.RecordEntry(ctx, "sess-1", "stu-1", MethodQRScan, nil)

		rec, err := m.RecordExit(ctx, res.Record.ID, false)
		if err != nil {
			t.Fatalf("RecordExit: %v", err)
		}
		if rec.Status != StatusLeft {
			t.Errorf("status: got %q, want %q", rec.Status, StatusLeft)
		}
		if rec.ExitTime == nil || rec.SubmissionTime != nil {
			t.Errorf("timestamps wrong: exit=%v submission=%v", rec.ExitTime, rec.SubmissionTime)
		}
	})

	t.Run("exit with submission goes straight to submitted", func(t *testing.T) {
		m, _, _ := newTestMachine()
		res, _ := m.RecordEntry(ctx, "sess-1", "stu-1", MethodQRScan, nil)

		rec, err := m.RecordExit(ctx, res.Record.ID, true)
		if err != nil {
			t.Fatalf("RecordExit: %v", err)
		}
		if rec.Status != StatusSubmitted {
			t.Errorf("status: got %q, want %q", rec.Status, StatusSubmitted)
		}
		if rec.ExitTime == nil || rec.SubmissionTime == nil {
			t.Error("both exit and submission times must be stamped")
		}
	})

	t.Run("duplicate exit is benign", func(t *testing.T) {
		m, _, sink := newTestMachine()
		res, _ := m.RecordEntry(ctx, "sess-1", "stu-1", MethodQRScan, nil)
		first, err := m.RecordExit(ctx, res.Record.ID, false)
		if err != nil {
			t.Fatalf("first RecordExit: %v", err)
		}
		before := len(sink.events)

		second, err := m.RecordExit(ctx, res.Record.ID, false)
		if err != nil {
			t.Fatalf("duplicate RecordExit: %v", err)
		}
		if second.Status != StatusLeft {
			t.Errorf("status: got %q, want %q", second.Status, StatusLeft)
		}
		if second.ExitTime == nil || !second.ExitTime.Equal(*first.ExitTime) {
			t.Error("duplicate exit changed the exit time")
		}
		if len(sink.events) != before {
			t.Error("duplicate exit emitted an audit event")
		}
	})

	t.Run("duplicate exit after submission is benign", func(t *testing.T) {
		m, _, _ := newTestMachine()
		res, _ := m.RecordEntry(ctx, "sess-1", "stu-1", MethodQRScan, nil)
		if _, err := m.RecordExit(ctx, res.Record.ID, true); err != nil {
			t.Fatalf("RecordExit: %v", err)
		}

		rec, err := m.RecordExit(ctx, res.Record.ID, false)
		if err != nil {
			t.Fatalf("duplicate RecordExit: %v", err)
		}
		if rec.Status != StatusSubmitted {
			t.Errorf("status: got %q, want %q", rec.Status, StatusSubmitted)
		}
	})

	t.Run("exit with submission after leaving is a state conflict", func(t *testing.T) {
		m, _, _ := newTestMachine()
		res, _ := m.RecordEntry(ctx, "sess-1", "stu-1", MethodQRScan, nil)
		if _, err := m.RecordExit(ctx, res.Record.ID, false); err != nil {
			t.Fatalf("RecordExit: %v", err)
		}

		_, err := m.RecordExit(ctx, res.Record.ID, true)
		if code := fault.CodeOf(err); code != fault.CodeInvalidState {
			t.Errorf("code: got %q, want %q", code, fault.CodeInvalidState)
		}
	})

	t.Run("exit for unknown record", func(t *testing.T) {
		m, _, _ := newTestMachine()
		_, err := m.RecordExit(ctx, "rec-nope", false)
		if code := fault.CodeOf(err); code != fault.CodeNotEntered {
			t.Errorf("code: got %q, want %q", code, fault.CodeNotEntered)
		}
	})
}

func TestRecordSubmission(t *testing.T) {
	ctx := context.Background()

	t.Run("submission from present", func(t *testing.T) {
		m, _, _ := newTestMachine()
		res, _ := m.RecordEntry(ctx, "sess-1", "stu-1", MethodQRScan, nil)

		rec, err := m.RecordSubmission(ctx, res.Record.ID)
		if err != nil {
			t.Fatalf("RecordSubmission: %v", err)
		}
		if rec.Status != StatusSubmitted || rec.SubmissionTime == nil {
			t.Errorf("got status %q, submission %v", rec.Status, rec.SubmissionTime)
		}
	})

	t.Run("late submission after leaving", func(t *testing.T) {
		m, _, _ := newTestMachine()
		res, _ := m.RecordEntry(ctx, "sess-1", "stu-1", MethodQRScan, nil)
		_, _ = m.RecordExit(ctx, res.Record.ID, false)

		rec, err := m.RecordSubmission(ctx, res.Record.ID)
		if err != nil {
			t.Fatalf("RecordSubmission after exit: %v", err)
		}
		if rec.Status != StatusSubmitted {
			t.Errorf("status: got %q, want %q", rec.Status, StatusSubmitted)
		}
	})

	t.Run("duplicate submission is benign", func(t *testing.T) {
		m, _, sink := newTestMachine()
		res, _ := m.RecordEntry(ctx, "sess-1", "stu-1", MethodQRScan, nil)
		first, _ := m.RecordSubmission(ctx, res.Record.ID)
		before := len(sink.events)

		second, err := m.RecordSubmission(ctx, res.Record.ID)
		if err != nil {
			t.Fatalf("duplicate RecordSubmission: %v", err)
		}
		if second.SubmissionTime == nil || !second.SubmissionTime.Equal(*first.SubmissionTime) {
			t.Error("duplicate submission changed the submission time")
		}
		if len(sink.events) != before {
			t.Error("duplicate submission emitted an audit event")
		}
	})
}

func TestIngestStudentScan(t *testing.T) {
	ctx := context.Background()

	t.Run("resolves index number", func(t *testing.T) {
		m, _, _ := newTestMachine()
		res, err := m.IngestStudentScan(ctx, "sess-1", qr.Payload{Type: qr.TypeStudent, IndexNumber: "4012345"}, nil)
		if err != nil {
			t.Fatalf("IngestStudentScan: %v", err)
		}
		if res.Record.StudentID != "stu-1" {
			t.Errorf("student: got %q, want stu-1", res.Record.StudentID)
		}
		if res.Record.VerificationMethod != MethodQRScan {
			t.Errorf("method: got %q, want %q", res.Record.VerificationMethod, MethodQRScan)
		}
	})

	t.Run("unknown index number", func(t *testing.T) {
		m, _, _ := newTestMachine()
		_, err := m.IngestStudentScan(ctx, "sess-1", qr.Payload{Type: qr.TypeStudent, IndexNumber: "9999999"}, nil)
		if code := fault.CodeOf(err); code != fault.CodeNotExpected {
			t.Errorf("code: got %q, want %q", code, fault.CodeNotExpected)
		}
	})

	t.Run("batch payload rejected", func(t *testing.T) {
		m, _, _ := newTestMachine()
		_, err := m.IngestStudentScan(ctx, "sess-1", qr.Payload{Type: qr.TypeExamBatch, ID: "batch-1"}, nil)
		if code := fault.CodeOf(err); code != fault.CodeInvalidQR {
			t.Errorf("code: got %q, want %q", code, fault.CodeInvalidQR)
		}
	})
}

func TestConcurrentEntryScans(t *testing.T) {
	ctx := context.Background()
	m, store, sink := newTestMachine()

	var wg sync.WaitGroup
	created := make([]bool, 8)
	for i := range created {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.RecordEntry(ctx, "sess-1", "stu-1", MethodQRScan, nil)
			if err != nil {
				t.Errorf("concurrent RecordEntry: %v", err)
				return
			}
			created[i] = !res.AlreadyRecorded
		}(i)
	}
	wg.Wait()

	n := 0
	for _, c := range created {
		if c {
			n++
		}
	}
	if n != 1 {
		t.Errorf("creations: got %d, want exactly 1", n)
	}
	if len(store.rows) != 1 {
		t.Errorf("records: got %d, want 1", len(store.rows))
	}
	if len(sink.events) != 1 {
		t.Errorf("audit events: got %d, want 1", len(sink.events))
	}
}
