package msglog

import "testing"

func TestAppendCoalescesConsecutiveAssistant(t *testing.T) {
	l := New()
	l.Append(RoleAssistant, "olhando o ")
	l.Append(RoleAssistant, "gráfico agora")
	entries := l.Entries()
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].Text != "olhando o gráfico agora" {
		t.Fatalf("Text = %q, want concatenation", entries[0].Text)
	}
}

func TestUserEntryBreaksMergeChain(t *testing.T) {
	l := New()
	l.Append(RoleAssistant, "primeira fala")
	l.Append(RoleUser, "uma pergunta")
	l.Append(RoleAssistant, "segunda fala")
	entries := l.Entries()
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	if entries[2].Role != RoleAssistant || entries[2].Text != "segunda fala" {
		t.Fatalf("last entry = %+v, want fresh assistant row", entries[2])
	}
}

func TestLogNeverExceedsMaxEntries(t *testing.T) {
	l := New()
	texts := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for i, text := range texts {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		l.Append(role, text)
		if n := len(l.Entries()); n > MaxEntries {
			t.Fatalf("len(entries) = %d after append %d, want <= %d", n, i, MaxEntries)
		}
	}
	entries := l.Entries()
	if len(entries) != MaxEntries {
		t.Fatalf("len(entries) = %d, want %d", len(entries), MaxEntries)
	}
	if entries[len(entries)-1].Text != "h" {
		t.Fatalf("newest entry = %q, want %q", entries[len(entries)-1].Text, "h")
	}
}

func TestCommitInterim(t *testing.T) {
	l := New()
	l.SetInterim("oportun")
	l.SetInterim("oportunidade de compra")
	l.CommitInterim()
	if got := l.Interim(); got != "" {
		t.Fatalf("Interim() = %q after commit, want empty", got)
	}
	entries := l.Entries()
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].Role != RoleUser || entries[0].Text != "oportunidade de compra" {
		t.Fatalf("entry = %+v, want committed user transcript", entries[0])
	}
}

func TestCommitInterimBlankIsNoop(t *testing.T) {
	l := New()
	l.SetInterim("   ")
	l.CommitInterim()
	if n := len(l.Entries()); n != 0 {
		t.Fatalf("len(entries) = %d, want 0", n)
	}
}

func TestChangeHookFires(t *testing.T) {
	l := New()
	calls := 0
	l.SetChangeHook(func() { calls++ })
	l.Append(RoleUser, "oi")
	l.SetInterim("algo")
	l.SetInterim("algo") // unchanged, no hook
	l.Reset()
	if calls != 3 {
		t.Fatalf("change hook calls = %d, want 3", calls)
	}
}
