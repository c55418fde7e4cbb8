package proposal

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"TwinGovernance/internal/member"
	"TwinGovernance/internal/notify"
)

type fakeExecutor struct {
	calls atomic.Int32
	ids   chan string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{ids: make(chan string, 16)}
}

func (e *fakeExecutor) Execute(_ context.Context, proposalID string) {
	e.calls.Add(1)
	e.ids <- proposalID
}

func (e *fakeExecutor) waitForCall(t *testing.T) string {
	t.Helper()
	select {
	case id := <-e.ids:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("expected execution to be triggered")
		return ""
	}
}

func TestCastVoteThreshold(t *testing.T) {
	store := NewMemoryStore()
	sink := notify.NewMemorySink()
	executor := newFakeExecutor()
	coordinator := NewCoordinator(store, sink, executor)
	newStoredProposal(t, store, "p-1", "general", 3)

	result, err := coordinator.CastVote(context.Background(), "p-1", "0xaaa", "", ChoiceYes, false)
	if err != nil {
		t.Fatalf("first vote: %v", err)
	}
	if !result.Accepted || result.Triggered {
		t.Fatalf("one of three votes must not trigger: %+v", result)
	}
	if result.Proposal.Status != StatusPending {
		t.Fatalf("expected pending, got %s", result.Proposal.Status)
	}

	result, err = coordinator.CastVote(context.Background(), "p-1", "0xbbb", "", ChoiceYes, false)
	if err != nil {
		t.Fatalf("second vote: %v", err)
	}
	if !result.Triggered {
		t.Fatal("two of three yes votes must trigger execution")
	}
	if result.Proposal.Status != StatusExecuting {
		t.Fatalf("expected executing, got %s", result.Proposal.Status)
	}
	if id := executor.waitForCall(t); id != "p-1" {
		t.Fatalf("executor received wrong proposal: %s", id)
	}
}

func TestCastVoteRecordsVoterName(t *testing.T) {
	store := NewMemoryStore()
	coordinator := NewCoordinator(store, notify.NewMemorySink(), newFakeExecutor())
	newStoredProposal(t, store, "p-1", "general", 5)

	result, err := coordinator.CastVote(context.Background(), "p-1", "0xaaa", "Alice", ChoiceYes, false)
	if err != nil {
		t.Fatalf("named vote: %v", err)
	}
	if result.Proposal.Votes[0].VoterName != "Alice" {
		t.Fatalf("voter name must be persisted with the vote: %+v", result.Proposal.Votes[0])
	}

	// 未提供名字时回落到由地址推导的展示名。
	result, err = coordinator.CastVote(context.Background(), "p-1", "0xbbb", "", ChoiceYes, false)
	if err != nil {
		t.Fatalf("unnamed vote: %v", err)
	}
	want := member.GenerateDisplayName("0xbbb")
	if result.Proposal.Votes[1].VoterName != want {
		t.Fatalf("expected generated name %q, got %q", want, result.Proposal.Votes[1].VoterName)
	}
}

func TestCastVoteNoVotesNeverTrigger(t *testing.T) {
	store := NewMemoryStore()
	coordinator := NewCoordinator(store, notify.NewMemorySink(), newFakeExecutor())
	newStoredProposal(t, store, "p-1", "general", 2)

	result, err := coordinator.CastVote(context.Background(), "p-1", "0xaaa", "", ChoiceNo, false)
	if err != nil {
		t.Fatalf("vote: %v", err)
	}
	result, err = coordinator.CastVote(context.Background(), "p-1", "0xbbb", "", ChoiceNo, false)
	if err != nil {
		t.Fatalf("vote: %v", err)
	}
	if result.Triggered || result.Proposal.Status != StatusPending {
		t.Fatalf("no votes must never flip status: %+v", result.Proposal)
	}
	if result.Proposal.NoVotes() != 2 {
		t.Fatalf("expected 2 no votes, got %d", result.Proposal.NoVotes())
	}
}

func TestCastVoteDuplicateIgnored(t *testing.T) {
	store := NewMemoryStore()
	coordinator := NewCoordinator(store, notify.NewMemorySink(), newFakeExecutor())
	newStoredProposal(t, store, "p-1", "general", 5)

	if _, err := coordinator.CastVote(context.Background(), "p-1", "0xaaa", "", ChoiceYes, false); err != nil {
		t.Fatalf("vote: %v", err)
	}
	result, err := coordinator.CastVote(context.Background(), "p-1", "0xAAA", "", ChoiceNo, false)
	if err != nil {
		t.Fatalf("duplicate vote: %v", err)
	}
	if result.Accepted {
		t.Fatal("duplicate vote must be silently ignored")
	}
	if len(result.Proposal.Votes) != 1 || result.Proposal.Votes[0].Choice != ChoiceYes {
		t.Fatalf("original vote must stand: %+v", result.Proposal.Votes)
	}
}

func TestCastVoteAfterClose(t *testing.T) {
	store := NewMemoryStore()
	coordinator := NewCoordinator(store, notify.NewMemorySink(), newFakeExecutor())
	newStoredProposal(t, store, "p-1", "general", 3)

	_, err := store.Update(context.Background(), "p-1", func(p *Proposal) error {
		p.Status = StatusExecuting
		return nil
	})
	if err != nil {
		t.Fatalf("seed status: %v", err)
	}

	result, err := coordinator.CastVote(context.Background(), "p-1", "0xccc", "", ChoiceYes, false)
	if err != nil {
		t.Fatalf("late vote: %v", err)
	}
	if result.Accepted {
		t.Fatal("votes on non-pending proposals must be ignored")
	}
	if len(result.Proposal.Votes) != 0 {
		t.Fatalf("late vote must not be recorded: %+v", result.Proposal.Votes)
	}
}

func TestCastVoteConcurrentSingleTrigger(t *testing.T) {
	store := NewMemoryStore()
	executor := newFakeExecutor()
	coordinator := NewCoordinator(store, notify.NewMemorySink(), executor)
	newStoredProposal(t, store, "p-1", "general", 5)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			voter := fmt.Sprintf("0x%040d", n)
			if _, err := coordinator.CastVote(context.Background(), "p-1", voter, "", ChoiceYes, false); err != nil {
				t.Errorf("vote %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	executor.waitForCall(t)
	// 给潜在的重复触发留出窗口。
	time.Sleep(50 * time.Millisecond)
	if calls := executor.calls.Load(); calls != 1 {
		t.Fatalf("execution must trigger exactly once, got %d", calls)
	}

	final, err := store.Get(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != StatusExecuting {
		t.Fatalf("expected executing, got %s", final.Status)
	}
	// 第三票翻转状态，其后的投票被静默丢弃。
	if final.YesVotes() != 3 {
		t.Fatalf("expected exactly 3 recorded votes, got %d", final.YesVotes())
	}
}
