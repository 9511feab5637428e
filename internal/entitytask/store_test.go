package entitytask

import (
	"fmt"
	"sync"
	"testing"

	"github.com/inkwell-labs/inkd/internal/domain"
)

func TestStore_GetReturnsDefaults(t *testing.T) {
	s := NewStore[string](StoreOptions{})

	st := s.Get("doc-1")
	if st.Messages == nil {
		t.Error("Expected empty message slice, got nil")
	}
	if len(st.Messages) != 0 {
		t.Errorf("Expected no messages, got %d", len(st.Messages))
	}
	if st.IsLoading || st.IsStreaming || st.IsSaving {
		t.Error("Expected all flags false on a fresh entity")
	}
	if st.TaskID != "" || st.Error != "" {
		t.Errorf("Expected empty task id and error, got %q and %q", st.TaskID, st.Error)
	}
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := NewStore[string](StoreOptions{})
	s.Update("doc-1", func(st *State[string]) {
		st.Messages = append(st.Messages, domain.NewChatMessage(domain.RoleUser, "hello"))
	})

	st := s.Get("doc-1")
	st.Messages[0].Content = "mutated"
	st.Messages = append(st.Messages, domain.NewChatMessage(domain.RoleUser, "extra"))

	fresh := s.Get("doc-1")
	if len(fresh.Messages) != 1 {
		t.Fatalf("Expected 1 message after mutating a copy, got %d", len(fresh.Messages))
	}
	if fresh.Messages[0].Content != "hello" {
		t.Errorf("Expected stored message untouched, got %q", fresh.Messages[0].Content)
	}
}

func TestStore_CrossEntityIsolation(t *testing.T) {
	s := NewStore[string](StoreOptions{})
	s.Update("doc-1", func(st *State[string]) {
		st.IsLoading = true
		st.LatestResponse = "partial"
	})

	other := s.Get("doc-2")
	if other.IsLoading || other.LatestResponse != "" {
		t.Errorf("Expected doc-2 untouched by doc-1 update, got loading=%v response=%q", other.IsLoading, other.LatestResponse)
	}
}

func TestStore_NotifiesOnChange(t *testing.T) {
	s := NewStore[string](StoreOptions{})
	calls := 0
	unsub := s.Subscribe("doc-1", func() { calls++ })
	defer unsub()

	s.Update("doc-1", func(st *State[string]) { st.IsLoading = true })
	if calls != 1 {
		t.Fatalf("Expected 1 notification after Update, got %d", calls)
	}

	s.TryUpdate("doc-1", func(st *State[string]) bool { return false })
	if calls != 1 {
		t.Errorf("Expected no notification for a rejected TryUpdate, got %d", calls)
	}

	s.TryUpdate("doc-1", func(st *State[string]) bool {
		st.IsLoading = false
		return true
	})
	if calls != 2 {
		t.Errorf("Expected notification for an accepted TryUpdate, got %d", calls)
	}

	s.Update("doc-2", func(st *State[string]) { st.IsLoading = true })
	if calls != 2 {
		t.Errorf("Expected no notification for another entity, got %d", calls)
	}
}

func TestStore_UnsubscribeKeepsState(t *testing.T) {
	s := NewStore[string](StoreOptions{})
	calls := 0
	unsub := s.Subscribe("doc-1", func() { calls++ })

	s.Update("doc-1", func(st *State[string]) { st.LatestResponse = "draft one" })
	unsub()
	s.Update("doc-1", func(st *State[string]) { st.Error = "late failure" })

	if calls != 1 {
		t.Errorf("Expected no notifications after unsubscribe, got %d", calls)
	}
	st := s.Get("doc-1")
	if st.LatestResponse != "draft one" || st.Error != "late failure" {
		t.Errorf("Expected state to survive unsubscribe, got response=%q error=%q", st.LatestResponse, st.Error)
	}
}

func TestStore_Reset(t *testing.T) {
	s := NewStore[string](StoreOptions{})
	s.Update("doc-1", func(st *State[string]) {
		st.Messages = append(st.Messages, domain.NewChatMessage(domain.RoleUser, "hello"))
		st.LatestResponse = "partial"
		st.Error = "boom"
		st.Settings = domain.InferenceSettings{ModelID: "m1"}
	})

	notified := false
	unsub := s.Subscribe("doc-1", func() { notified = true })
	defer unsub()

	s.Reset("doc-1", nil)

	st := s.Get("doc-1")
	if len(st.Messages) != 0 || st.LatestResponse != "" || st.Error != "" {
		t.Errorf("Expected defaults after reset, got %+v", st)
	}
	if !st.Settings.IsZero() {
		t.Errorf("Expected settings cleared, got %+v", st.Settings)
	}
	if !notified {
		t.Error("Expected reset to notify listeners")
	}
}

func TestStore_ResetWithOverrides(t *testing.T) {
	s := NewStore[string](StoreOptions{})
	s.Reset("doc-1", func(st *State[string]) {
		st.Settings = domain.InferenceSettings{ProviderID: "anthropic"}
	})

	st := s.Get("doc-1")
	if st.Settings.ProviderID != "anthropic" {
		t.Errorf("Expected override applied on reset, got %q", st.Settings.ProviderID)
	}
}

func TestStore_Remove(t *testing.T) {
	s := NewStore[string](StoreOptions{})
	s.Update("doc-1", func(st *State[string]) { st.LatestResponse = "kept" })
	if s.Len() != 1 {
		t.Fatalf("Expected 1 entity, got %d", s.Len())
	}

	s.Remove("doc-1")
	if s.Len() != 0 {
		t.Errorf("Expected 0 entities after remove, got %d", s.Len())
	}
	if st := s.Get("doc-1"); st.LatestResponse != "" {
		t.Errorf("Expected fresh defaults after remove, got %q", st.LatestResponse)
	}
}

func TestStore_IdleCapEvictsOldest(t *testing.T) {
	s := NewStore[string](StoreOptions{MaxIdle: 2})
	for i := 1; i <= 4; i++ {
		id := fmt.Sprintf("doc-%d", i)
		s.Update(id, func(st *State[string]) { st.LatestResponse = id })
	}

	if s.Len() != 2 {
		t.Fatalf("Expected idle cap to hold 2 entities, got %d", s.Len())
	}
	if st := s.Get("doc-1"); st.LatestResponse != "" {
		t.Errorf("Expected doc-1 evicted, got %q", st.LatestResponse)
	}
	if st := s.Get("doc-4"); st.LatestResponse != "doc-4" {
		t.Errorf("Expected doc-4 retained, got %q", st.LatestResponse)
	}
}

func TestStore_PinnedEntitiesSurviveCap(t *testing.T) {
	s := NewStore[string](StoreOptions{MaxIdle: 2})

	unsub := s.Subscribe("doc-sub", func() {})
	defer unsub()
	s.Update("doc-sub", func(st *State[string]) { st.LatestResponse = "subscribed" })
	s.Update("doc-busy", func(st *State[string]) {
		st.IsLoading = true
		st.LatestResponse = "busy"
	})

	for i := 1; i <= 5; i++ {
		s.Get(fmt.Sprintf("idle-%d", i))
	}

	if st := s.Get("doc-sub"); st.LatestResponse != "subscribed" {
		t.Errorf("Expected subscribed entity to survive the cap, got %q", st.LatestResponse)
	}
	if st := s.Get("doc-busy"); st.LatestResponse != "busy" {
		t.Errorf("Expected loading entity to survive the cap, got %q", st.LatestResponse)
	}
}

func TestStore_UnpinnedEntityJoinsIdlePool(t *testing.T) {
	s := NewStore[string](StoreOptions{MaxIdle: 1})

	s.Update("doc-1", func(st *State[string]) {
		st.IsLoading = true
		st.LatestResponse = "pinned"
	})
	s.Get("doc-2")
	s.Get("doc-3")
	if st := s.Get("doc-1"); st.LatestResponse != "pinned" {
		t.Fatalf("Expected pinned entity retained, got %q", st.LatestResponse)
	}

	// Clearing the flag makes doc-1 idle; the next idle touch evicts it.
	s.Update("doc-1", func(st *State[string]) { st.IsLoading = false })
	s.Get("doc-4")

	if st := s.Get("doc-1"); st.LatestResponse != "" {
		t.Errorf("Expected doc-1 evicted once unpinned, got %q", st.LatestResponse)
	}
}

func TestStore_ConcurrentUpdates(t *testing.T) {
	s := NewStore[string](StoreOptions{})
	var wg sync.WaitGroup

	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				s.Update("doc-1", func(st *State[string]) {
					st.Messages = append(st.Messages, domain.NewChatMessage(domain.RoleUser, fmt.Sprintf("g%d-%d", g, i)))
				})
				s.Get("doc-1")
			}
		}(g)
	}
	wg.Wait()

	if got := len(s.Get("doc-1").Messages); got != 500 {
		t.Errorf("Expected 500 messages after concurrent updates, got %d", got)
	}
}
