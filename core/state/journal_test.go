package state

import (
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenJournal(filepath.Join(t.TempDir(), "history", "journal.db"), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

// TestJournalSession 完整会话的记录与读取
func TestJournalSession(t *testing.T) {
	j := openTestJournal(t)

	id, err := j.StartSession(JobInfo{Input: "/in", OutputRoot: "/out", Format: "jpg", Workers: 2}, 3)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := j.RecordFile("/in/a.png", "/out/a.jpg", StatusCompleted, nil); err != nil {
		t.Fatalf("RecordFile: %v", err)
	}
	if err := j.RecordFile("/in/b.png", "/out/b.jpg", StatusFailed, errors.New("decode failed")); err != nil {
		t.Fatalf("RecordFile: %v", err)
	}
	if err := j.RecordFile("/in/c.png", "/out/c.jpg", StatusSkipped, nil); err != nil {
		t.Fatalf("RecordFile: %v", err)
	}
	if err := j.FinishSession("failed", "1 of 3 files failed"); err != nil {
		t.Fatalf("FinishSession: %v", err)
	}

	session, err := j.GetSession(id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session.Completed != 1 || session.Failed != 1 || session.Skipped != 1 || session.TotalFiles != 3 {
		t.Errorf("counts = %+v", session)
	}
	if session.State != "failed" || session.EndTime.IsZero() || session.Job.Format != "jpg" {
		t.Errorf("session = %+v", session)
	}

	files, err := j.SessionFiles(id)
	if err != nil {
		t.Fatalf("SessionFiles: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("files = %d, want 3", len(files))
	}
	if files[1].Status != StatusFailed || files[1].ErrorMessage != "decode failed" {
		t.Errorf("failed record = %+v", files[1])
	}
}

// TestJournalListNewestFirst 会话按时间倒序
func TestJournalListNewestFirst(t *testing.T) {
	j := openTestJournal(t)
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := j.StartSession(JobInfo{Format: "webp"}, 0)
		if err != nil {
			t.Fatalf("StartSession: %v", err)
		}
		if err := j.FinishSession("completed", ""); err != nil {
			t.Fatalf("FinishSession: %v", err)
		}
		ids = append(ids, id)
	}

	sessions, err := j.ListSessions(2)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != ids[2] || sessions[1].ID != ids[1] {
		t.Errorf("sessions = %v, ids = %v", sessionIDs(sessions), ids)
	}
}

func sessionIDs(sessions []*SessionInfo) []string {
	out := make([]string, len(sessions))
	for i, s := range sessions {
		out[i] = s.ID
	}
	return out
}

// TestJournalWithoutSession 没有活动会话时拒绝写入
func TestJournalWithoutSession(t *testing.T) {
	j := openTestJournal(t)
	if err := j.RecordFile("a", "b", StatusCompleted, nil); !errors.Is(err, ErrNoSession) {
		t.Errorf("RecordFile err = %v", err)
	}
	if err := j.FinishSession("completed", ""); !errors.Is(err, ErrNoSession) {
		t.Errorf("FinishSession err = %v", err)
	}
	if _, err := j.SessionFiles("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("SessionFiles err = %v", err)
	}
}
