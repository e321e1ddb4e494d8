package classify

import "testing"

func TestClassifyFirstPacket(t *testing.T) {
	s := NewSequenceState(false, 0)
	result := s.Classify(42)
	if result.Tag != First {
		t.Fatalf("got %v, want First", result.Tag)
	}
	head, ok := s.HeadSeq()
	if !ok || head != 42 {
		t.Fatalf("head = (%d, %v), want (42, true)", head, ok)
	}
}

func TestClassifyAcceptNewSequential(t *testing.T) {
	s := NewSequenceState(false, 0)
	s.Classify(1)
	result := s.Classify(2)
	if result.Tag != AcceptNew {
		t.Fatalf("got %v, want AcceptNew", result.Tag)
	}
}

func TestClassifyFillMissing(t *testing.T) {
	s := NewSequenceState(false, 0)
	s.Classify(1)
	result := s.Classify(5)
	if result.Tag != FillMissing {
		t.Fatalf("got %v, want FillMissing", result.Tag)
	}
	if result.FilledCount != 3 {
		t.Fatalf("filled count = %d, want 3", result.FilledCount)
	}
	if s.MissingCount() != 3 {
		t.Fatalf("missing count = %d, want 3", s.MissingCount())
	}
}

func TestClassifyDelayedRecovery(t *testing.T) {
	s := NewSequenceState(false, 0)
	s.Classify(1)
	s.Classify(5)
	result := s.Classify(3)
	if result.Tag != DelayedRecovery {
		t.Fatalf("got %v, want DelayedRecovery", result.Tag)
	}
	if s.MissingCount() != 2 {
		t.Fatalf("missing count = %d, want 2", s.MissingCount())
	}
}

func TestClassifyDuplicateOfHead(t *testing.T) {
	s := NewSequenceState(false, 0)
	s.Classify(1)
	s.Classify(2)
	result := s.Classify(2)
	if result.Tag != Duplicate {
		t.Fatalf("got %v, want Duplicate", result.Tag)
	}
}

func TestClassifyDuplicateBackwardNeverMissing(t *testing.T) {
	s := NewSequenceState(false, 0)
	s.Classify(10)
	s.Classify(9) // backward, never missing
	result := s.Classify(9)
	if result.Tag != Duplicate {
		t.Fatalf("got %v, want Duplicate", result.Tag)
	}
}

func TestClassifyOutOfWindowAtHalfRollover(t *testing.T) {
	s := NewSequenceState(false, 0)
	s.Classify(0)
	result := s.Classify(HalfRollover)
	if result.Tag != OutOfWindow {
		t.Fatalf("got %v, want OutOfWindow at exact half-rollover midpoint", result.Tag)
	}
}

func TestClassifyWrapsAroundRollover(t *testing.T) {
	s := NewSequenceState(false, 0)
	s.Classify(65534)
	result := s.Classify(0)
	if result.Tag != FillMissing && result.Tag != AcceptNew {
		t.Fatalf("got %v, want a forward classification across rollover", result.Tag)
	}
	head, _ := s.HeadSeq()
	if head != 0 {
		t.Fatalf("head = %d, want 0 after wraparound", head)
	}
}

func TestClassifyBatchingAcceptsResendUnderCap(t *testing.T) {
	s := NewSequenceState(true, 3)
	s.Classify(1)
	s.Classify(2)

	for i := 0; i < 2; i++ {
		result := s.Classify(2)
		if result.Tag != AcceptNew {
			t.Fatalf("resend %d: got %v, want AcceptNew under batch cap", i, result.Tag)
		}
	}
	result := s.Classify(2)
	if result.Tag != Duplicate {
		t.Fatalf("resend beyond cap: got %v, want Duplicate", result.Tag)
	}
}

func TestWindowSizeBoundedByReplayBuffer(t *testing.T) {
	s := NewSequenceState(false, 0)
	for i := uint16(0); i < ReplayBufferSize+50; i++ {
		s.Classify(i)
	}
	if s.WindowSize() > ReplayBufferSize {
		t.Fatalf("window size = %d, want <= %d", s.WindowSize(), ReplayBufferSize)
	}
}

func TestClassifyTotalityAllPairsReturnExactlyOneTag(t *testing.T) {
	seqs := []uint16{0, 1, 2, 5, 100, HalfRollover - 1, HalfRollover, HalfRollover + 1, 65534, 65535}
	for _, head := range seqs {
		for _, next := range seqs {
			s := NewSequenceState(false, 0)
			s.Classify(head)
			result := s.Classify(next)
			switch result.Tag {
			case First, AcceptNew, FillMissing, DelayedRecovery, Duplicate, OutOfWindow:
			default:
				t.Fatalf("head=%d next=%d: unrecognized tag %v", head, next, result.Tag)
			}
		}
	}
}
