package custody

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"scriptcustody/internal/fault"
	"scriptcustody/internal/session"
)

// memTransfers mirrors the repository's one-PENDING-per-batch guarantee.
type memTransfers struct {
	mu   sync.Mutex
	rows map[string]*Transfer
	seq  int
}

func newMemTransfers() *memTransfers {
	return &memTransfers{rows: make(map[string]*Transfer)}
}

func (s *memTransfers) InsertPending(_ context.Context, t Transfer) (Transfer, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.rows {
		if existing.BatchID == t.BatchID && existing.Status == StatusPending {
			return Transfer{}, false, nil
		}
	}
	s.seq++
	t.ID = fmt.Sprintf("tr-%d", s.seq)
	s.rows[t.ID] = &t
	return t, true, nil
}

func (s *memTransfers) Get(_ context.Context, id string) (*Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *memTransfers) LatestSettled(_ context.Context, batchID string) (*Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *Transfer
	for _, t := range s.rows {
		if t.BatchID != batchID || (t.Status != StatusConfirmed && t.Status != StatusResolved) {
			continue
		}
		if latest == nil || (t.RespondedAt != nil && latest.RespondedAt != nil && t.RespondedAt.After(*latest.RespondedAt)) {
			latest = t
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *memTransfers) TransitionRespond(_ context.Context, id string, received int, status string, at time.Time) (*Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.rows[id]
	if !ok || t.Status != StatusPending {
		return nil, nil
	}
	t.ScriptsReceived = &received
	t.Status = status
	t.RespondedAt = &at
	cp := *t
	return &cp, nil
}

func (s *memTransfers) TransitionResolve(_ context.Context, id, notes string, at time.Time) (*Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.rows[id]
	if !ok || t.Status != StatusDiscrepancy {
		return nil, nil
	}
	t.Status = StatusResolved
	t.ResolutionNotes = &notes
	t.RespondedAt = &at
	cp := *t
	return &cp, nil
}

func (s *memTransfers) ListByBatch(_ context.Context, batchID string) ([]Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Transfer
	for _, t := range s.rows {
		if t.BatchID == batchID {
			out = append(out, *t)
		}
	}
	return out, nil
}

// memSessions holds one batch and records status writes. failStatus
// makes every status write fail.
type memSessions struct {
	mu         sync.Mutex
	sessions   map[string]*session.ExamSession
	failStatus error
}

func (s *memSessions) Get(_ context.Context, id string) (*session.ExamSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (s *memSessions) SetStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failStatus != nil {
		return s.failStatus
	}
	if sess, ok := s.sessions[id]; ok {
		sess.Status = status
	}
	return nil
}

func newTestCustody() (*Machine, *memSessions) {
	sessions := &memSessions{sessions: map[string]*session.ExamSession{
		"batch-1": {
			ID: "batch-1", BatchCode: "CSM281-A", CourseCode: "CSM 281",
			LecturerID: "lect-1", OriginHandlerID: "handler-1",
			Status: session.StatusInProgress,
		},
	}}
	return NewMachine(newMemTransfers(), sessions), sessions
}

func TestInitiate(t *testing.T) {
	ctx := context.Background()

	t.Run("origin handler opens a transfer", func(t *testing.T) {
		m, sessions := newTestCustody()
		tr, err := m.Initiate(ctx, "batch-1", "handler-1", "handler-2", 120, nil)
		if err != nil {
			t.Fatalf("Initiate: %v", err)
		}
		if tr.Status != StatusPending {
			t.Errorf("status: got %q, want %q", tr.Status, StatusPending)
		}
		if got := sessions.sessions["batch-1"].Status; got != session.StatusInTransit {
			t.Errorf("batch status: got %q, want %q", got, session.StatusInTransit)
		}
	})

	t.Run("non-holder cannot initiate", func(t *testing.T) {
		m, _ := newTestCustody()
		_, err := m.Initiate(ctx, "batch-1", "handler-9", "handler-2", 120, nil)
		if code := fault.CodeOf(err); code != fault.CodeNotAuthorized {
			t.Errorf("code: got %q, want %q", code, fault.CodeNotAuthorized)
		}
	})

	t.Run("one pending transfer per batch", func(t *testing.T) {
		m, _ := newTestCustody()
		if _, err := m.Initiate(ctx, "batch-1", "handler-1", "handler-2", 120, nil); err != nil {
			t.Fatalf("first Initiate: %v", err)
		}
		_, err := m.Initiate(ctx, "batch-1", "handler-1", "handler-3", 120, nil)
		if code := fault.CodeOf(err); code != fault.CodeInvalidState {
			t.Errorf("code: got %q, want %q", code, fault.CodeInvalidState)
		}
	})

	t.Run("self-transfer rejected", func(t *testing.T) {
		m, _ := newTestCustody()
		_, err := m.Initiate(ctx, "batch-1", "handler-1", "handler-1", 120, nil)
		if code := fault.CodeOf(err); code != fault.CodeBadInput {
			t.Errorf("code: got %q, want %q", code, fault.CodeBadInput)
		}
	})

	t.Run("unknown batch", func(t *testing.T) {
		m, _ := newTestCustody()
		_, err := m.Initiate(ctx, "batch-404", "handler-1", "handler-2", 120, nil)
		if code := fault.CodeOf(err); code != fault.CodeNotFound {
			t.Errorf("code: got %q, want %q", code, fault.CodeNotFound)
		}
	})

	t.Run("zero scripts is a valid transfer", func(t *testing.T) {
		m, _ := newTestCustody()
		tr, err := m.Initiate(ctx, "batch-1", "handler-1", "handler-2", 0, nil)
		if err != nil {
			t.Fatalf("Initiate: %v", err)
		}
		if tr.ScriptsExpected != 0 {
			t.Errorf("scripts expected: got %d, want 0", tr.ScriptsExpected)
		}
		if _, err := m.Respond(ctx, tr.ID, "handler-2", 0); err != nil {
			t.Fatalf("Respond: %v", err)
		}
	})

	t.Run("failed status write still reports the transfer", func(t *testing.T) {
		m, sessions := newTestCustody()
		sessions.failStatus = errors.New("db down")

		tr, err := m.Initiate(ctx, "batch-1", "handler-1", "handler-2", 120, nil)
		if err == nil {
			t.Fatal("expected error from failed status write")
		}
		if tr.ID == "" {
			t.Fatal("created transfer id lost in the error path")
		}
		if !fault.Retryable(err) {
			t.Error("status write failure should be retryable")
		}
		// The PENDING row exists; the receiver can still respond.
		sessions.failStatus = nil
		if _, err := m.Respond(ctx, tr.ID, "handler-2", 120); err != nil {
			t.Errorf("Respond after recovery: %v", err)
		}
	})
}

func TestRespond(t *testing.T) {
	ctx := context.Background()

	t.Run("matching count confirms and moves custody", func(t *testing.T) {
		m, sessions := newTestCustody()
		tr, _ := m.Initiate(ctx, "batch-1", "handler-1", "handler-2", 120, nil)

		updated, err := m.Respond(ctx, tr.ID, "handler-2", 120)
		if err != nil {
			t.Fatalf("Respond: %v", err)
		}
		if updated.Status != StatusConfirmed {
			t.Errorf("status: got %q, want %q", updated.Status, StatusConfirmed)
		}
		holder, err := m.CurrentHandler(ctx, "batch-1")
		if err != nil {
			t.Fatalf("CurrentHandler: %v", err)
		}
		if holder != "handler-2" {
			t.Errorf("holder: got %q, want handler-2", holder)
		}
		if got := sessions.sessions["batch-1"].Status; got != session.StatusSubmitted {
			t.Errorf("batch status: got %q, want %q", got, session.StatusSubmitted)
		}
	})

	t.Run("receiver is lecturer settles WITH_LECTURER", func(t *testing.T) {
		m, sessions := newTestCustody()
		tr, _ := m.Initiate(ctx, "batch-1", "handler-1", "lect-1", 120, nil)
		if _, err := m.Respond(ctx, tr.ID, "lect-1", 120); err != nil {
			t.Fatalf("Respond: %v", err)
		}
		if got := sessions.sessions["batch-1"].Status; got != session.StatusWithLecturer {
			t.Errorf("batch status: got %q, want %q", got, session.StatusWithLecturer)
		}
	})

	t.Run("count mismatch reports discrepancy, custody stays", func(t *testing.T) {
		m, _ := newTestCustody()
		tr, _ := m.Initiate(ctx, "batch-1", "handler-1", "handler-2", 120, nil)

		updated, err := m.Respond(ctx, tr.ID, "handler-2", 118)
		if err != nil {
			t.Fatalf("Respond: %v", err)
		}
		if updated.Status != StatusDiscrepancy {
			t.Errorf("status: got %q, want %q", updated.Status, StatusDiscrepancy)
		}
		holder, _ := m.CurrentHandler(ctx, "batch-1")
		if holder != "handler-1" {
			t.Errorf("holder after discrepancy: got %q, want handler-1", holder)
		}
	})

	t.Run("only the designated receiver responds", func(t *testing.T) {
		m, _ := newTestCustody()
		tr, _ := m.Initiate(ctx, "batch-1", "handler-1", "handler-2", 120, nil)
		_, err := m.Respond(ctx, tr.ID, "handler-3", 120)
		if code := fault.CodeOf(err); code != fault.CodeNotAuthorized {
			t.Errorf("code: got %q, want %q", code, fault.CodeNotAuthorized)
		}
	})

	t.Run("responding twice is a state conflict", func(t *testing.T) {
		m, _ := newTestCustody()
		tr, _ := m.Initiate(ctx, "batch-1", "handler-1", "handler-2", 120, nil)
		if _, err := m.Respond(ctx, tr.ID, "handler-2", 120); err != nil {
			t.Fatalf("first Respond: %v", err)
		}
		_, err := m.Respond(ctx, tr.ID, "handler-2", 120)
		if code := fault.CodeOf(err); code != fault.CodeInvalidState {
			t.Errorf("code: got %q, want %q", code, fault.CodeInvalidState)
		}
	})
}

func TestResolve(t *testing.T) {
	ctx := context.Background()

	discrepant := func(t *testing.T, m *Machine) Transfer {
		t.Helper()
		tr, err := m.Initiate(ctx, "batch-1", "handler-1", "handler-2", 120, nil)
		if err != nil {
			t.Fatalf("Initiate: %v", err)
		}
		tr, err = m.Respond(ctx, tr.ID, "handler-2", 118)
		if err != nil {
			t.Fatalf("Respond: %v", err)
		}
		return tr
	}

	t.Run("receiver resolves with notes, custody settles", func(t *testing.T) {
		m, _ := newTestCustody()
		tr := discrepant(t, m)

		updated, err := m.Resolve(ctx, tr.ID, "handler-2", "handler", "two scripts found in second envelope")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if updated.Status != StatusResolved {
			t.Errorf("status: got %q, want %q", updated.Status, StatusResolved)
		}
		holder, _ := m.CurrentHandler(ctx, "batch-1")
		if holder != "handler-2" {
			t.Errorf("holder after resolution: got %q, want handler-2", holder)
		}
	})

	t.Run("admin may resolve", func(t *testing.T) {
		m, _ := newTestCustody()
		tr := discrepant(t, m)
		if _, err := m.Resolve(ctx, tr.ID, "admin-1", "admin", "recount verified"); err != nil {
			t.Fatalf("admin Resolve: %v", err)
		}
	})

	t.Run("notes required", func(t *testing.T) {
		m, _ := newTestCustody()
		tr := discrepant(t, m)
		_, err := m.Resolve(ctx, tr.ID, "handler-2", "handler", "")
		if code := fault.CodeOf(err); code != fault.CodeBadInput {
			t.Errorf("code: got %q, want %q", code, fault.CodeBadInput)
		}
	})

	t.Run("uninvolved handler cannot resolve", func(t *testing.T) {
		m, _ := newTestCustody()
		tr := discrepant(t, m)
		_, err := m.Resolve(ctx, tr.ID, "handler-9", "handler", "notes")
		if code := fault.CodeOf(err); code != fault.CodeNotAuthorized {
			t.Errorf("code: got %q, want %q", code, fault.CodeNotAuthorized)
		}
	})

	t.Run("resolving a confirmed transfer is a state conflict", func(t *testing.T) {
		m, _ := newTestCustody()
		tr, _ := m.Initiate(ctx, "batch-1", "handler-1", "handler-2", 120, nil)
		if _, err := m.Respond(ctx, tr.ID, "handler-2", 120); err != nil {
			t.Fatalf("Respond: %v", err)
		}
		_, err := m.Resolve(ctx, tr.ID, "handler-2", "handler", "notes")
		if code := fault.CodeOf(err); code != fault.CodeInvalidState {
			t.Errorf("code: got %q, want %q", code, fault.CodeInvalidState)
		}
	})
}

func TestCustodyChain(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestCustody()

	// handler-1 -> handler-2 -> lect-1, each leg confirmed.
	tr1, err := m.Initiate(ctx, "batch-1", "handler-1", "handler-2", 120, nil)
	if err != nil {
		t.Fatalf("leg 1 Initiate: %v", err)
	}
	if _, err := m.Respond(ctx, tr1.ID, "handler-2", 120); err != nil {
		t.Fatalf("leg 1 Respond: %v", err)
	}

	// Spread RespondedAt so LatestSettled ordering is unambiguous.
	m.now = func() time.Time { return time.Now().Add(time.Minute) }

	tr2, err := m.Initiate(ctx, "batch-1", "handler-2", "lect-1", 120, nil)
	if err != nil {
		t.Fatalf("leg 2 Initiate: %v", err)
	}
	if _, err := m.Respond(ctx, tr2.ID, "lect-1", 120); err != nil {
		t.Fatalf("leg 2 Respond: %v", err)
	}

	holder, err := m.CurrentHandler(ctx, "batch-1")
	if err != nil {
		t.Fatalf("CurrentHandler: %v", err)
	}
	if holder != "lect-1" {
		t.Errorf("holder: got %q, want lect-1", holder)
	}

	history, err := m.History(ctx, "batch-1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Errorf("history length: got %d, want 2", len(history))
	}
}
