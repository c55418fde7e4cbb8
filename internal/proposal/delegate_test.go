package proposal

import (
	"context"
	"strings"
	"testing"

	"TwinGovernance/internal/member"
	"TwinGovernance/internal/notify"
)

func newDelegateFixture(t *testing.T, totalMembers int) (*MemoryStore, *member.MemoryDirectory, *DelegateVoter, *notify.MemorySink, *fakeExecutor) {
	t.Helper()
	store := NewMemoryStore()
	sink := notify.NewMemorySink()
	executor := newFakeExecutor()
	coordinator := NewCoordinator(store, sink, executor)
	directory := member.NewMemoryDirectory(member.NewSessionRegistry())
	voter := NewDelegateVoter(store, directory, coordinator, sink)
	newStoredProposal(t, store, "p-1", "general", totalMembers)
	return store, directory, voter, sink, executor
}

func TestDelegateVotesWithinCap(t *testing.T) {
	store, directory, voter, sink, executor := newDelegateFixture(t, 3)

	directory.AddMember("general", "0xaaa", "Alice")
	directory.AddMember("general", "0xbbb", "Bob")
	directory.AddMember("general", "0xccc", "Carol")
	directory.SetProfile(member.DelegateProfile{Owner: "0xbbb", Enabled: true, AutonomousCapUSD: 5000})

	// 提案人的票已在创建流程落下，这里手工补上。
	if _, err := store.Update(context.Background(), "p-1", func(p *Proposal) error {
		p.Votes = append(p.Votes, Vote{Voter: "0xaaa", Choice: ChoiceYes})
		return nil
	}); err != nil {
		t.Fatalf("seed proposer vote: %v", err)
	}

	if err := voter.Run(context.Background(), "p-1"); err != nil {
		t.Fatalf("delegate run: %v", err)
	}

	final, _ := store.Get(context.Background(), "p-1")
	if final.YesVotes() != 2 {
		t.Fatalf("expected delegate to add second yes vote, got %d", final.YesVotes())
	}
	var delegated bool
	for _, v := range final.Votes {
		if v.Voter == "0xbbb" && v.Delegated {
			delegated = true
			if v.VoterName != "Bob" {
				t.Fatalf("delegate vote must carry the member's display name: %+v", v)
			}
		}
	}
	if !delegated {
		t.Fatal("delegate vote must be marked as delegated")
	}

	// 两票已过三人阈值，执行被触发。
	if id := executor.waitForCall(t); id != "p-1" {
		t.Fatalf("unexpected execution target: %s", id)
	}

	notices := sink.Notices(notify.TypeSystemNotice)
	found := false
	for _, text := range notices {
		if strings.Contains(text, "delegate voted yes") && strings.Contains(text, "Bob") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected delegate vote notice, got %v", notices)
	}
}

func TestDelegateDefersAboveCap(t *testing.T) {
	store, directory, voter, sink, _ := newDelegateFixture(t, 3)

	directory.AddMember("general", "0xbbb", "Bob")
	directory.SetProfile(member.DelegateProfile{Owner: "0xbbb", Enabled: true, AutonomousCapUSD: 100})

	if err := voter.Run(context.Background(), "p-1"); err != nil {
		t.Fatalf("delegate run: %v", err)
	}

	final, _ := store.Get(context.Background(), "p-1")
	if final.YesVotes() != 0 {
		t.Fatalf("delegate above cap must not vote, got %d yes votes", final.YesVotes())
	}

	notices := sink.Notices(notify.TypeSystemNotice)
	found := false
	for _, text := range notices {
		if strings.Contains(text, "exceeds its") && strings.Contains(text, "autonomy cap") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected deferral notice, got %v", notices)
	}
}

func TestDelegateOnlyVotesForAbsentMembers(t *testing.T) {
	store := NewMemoryStore()
	sink := notify.NewMemorySink()
	executor := newFakeExecutor()
	coordinator := NewCoordinator(store, sink, executor)
	sessions := member.NewSessionRegistry()
	directory := member.NewMemoryDirectory(sessions)
	voter := NewDelegateVoter(store, directory, coordinator, sink)
	newStoredProposal(t, store, "p-1", "general", 7)

	// 0xbbb 在线，0xccc 离开，两人都启用了足额的代理配置。
	directory.AddMember("general", "0xbbb", "Bob")
	directory.AddMember("general", "0xccc", "Carol")
	directory.SetProfile(member.DelegateProfile{Owner: "0xbbb", Enabled: true, AutonomousCapUSD: 5000})
	directory.SetProfile(member.DelegateProfile{Owner: "0xccc", Enabled: true, AutonomousCapUSD: 5000})
	sessions.Authenticate("0xbbb")
	sessions.Authenticate("0xccc")
	sessions.SetStatus("0xccc", member.StatusAway)

	if err := voter.Run(context.Background(), "p-1"); err != nil {
		t.Fatalf("delegate run: %v", err)
	}

	final, _ := store.Get(context.Background(), "p-1")
	if final.HasVoted("0xbbb") {
		t.Fatalf("delegate must not vote for an online member: %+v", final.Votes)
	}
	if !final.HasVoted("0xccc") {
		t.Fatalf("delegate must vote for an away member: %+v", final.Votes)
	}
}

func TestDelegateSkipsMembersWithoutProfile(t *testing.T) {
	store, directory, voter, _, _ := newDelegateFixture(t, 4)

	directory.AddMember("general", "0xbbb", "Bob")
	directory.AddMember("general", "0xccc", "Carol")
	directory.SetProfile(member.DelegateProfile{Owner: "0xccc", Enabled: false, AutonomousCapUSD: 9999})

	if err := voter.Run(context.Background(), "p-1"); err != nil {
		t.Fatalf("delegate run: %v", err)
	}

	final, _ := store.Get(context.Background(), "p-1")
	if len(final.Votes) != 0 {
		t.Fatalf("disabled or missing delegates must not vote: %+v", final.Votes)
	}
}

func TestDelegateStopsWhenProposalLeavesPending(t *testing.T) {
	store, directory, voter, _, _ := newDelegateFixture(t, 5)

	directory.AddMember("general", "0xbbb", "Bob")
	directory.SetProfile(member.DelegateProfile{Owner: "0xbbb", Enabled: true, AutonomousCapUSD: 5000})

	if _, err := store.Update(context.Background(), "p-1", func(p *Proposal) error {
		p.Status = StatusExecuted
		return nil
	}); err != nil {
		t.Fatalf("seed status: %v", err)
	}

	if err := voter.Run(context.Background(), "p-1"); err != nil {
		t.Fatalf("delegate run: %v", err)
	}

	final, _ := store.Get(context.Background(), "p-1")
	if len(final.Votes) != 0 {
		t.Fatalf("delegates must not vote on closed proposals: %+v", final.Votes)
	}
}

func TestDelegateUnknownProposalIsNotRequeued(t *testing.T) {
	_, _, voter, _, _ := newDelegateFixture(t, 3)
	if err := voter.Run(context.Background(), "missing"); err != nil {
		t.Fatalf("unknown proposal must be dropped, got %v", err)
	}
}
