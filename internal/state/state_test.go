package state

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ocrdrop/internal/models"
)

func processing(id string) models.ImageRecord {
	return models.ImageRecord{ID: id, Name: id + ".png", IsProcessing: true, PreviewURL: models.PreviewURL(id)}
}

func TestIntakeKeepsDropOrderAndUniqueIDs(t *testing.T) {
	s := Reduce(State{}, Intake{Records: []models.ImageRecord{processing("a"), processing("b"), processing("a")}})
	require.Len(t, s.Records, 2)
	assert.Equal(t, "a", s.Records[0].ID)
	assert.Equal(t, "b", s.Records[1].ID)

	s = Reduce(s, Intake{Records: []models.ImageRecord{processing("b"), processing("c")}})
	require.Len(t, s.Records, 3)
	assert.Equal(t, "c", s.Records[2].ID)
}

func TestReduceDoesNotMutateInput(t *testing.T) {
	before := Reduce(State{}, Intake{Records: []models.ImageRecord{processing("a")}})
	after := Reduce(before, ChunkAppended{ID: "a", Text: "hello"})

	assert.Equal(t, "", before.Records[0].Text)
	assert.Equal(t, "hello", after.Records[0].Text)
}

func TestTextFrozenAfterTerminal(t *testing.T) {
	s := Reduce(State{}, Intake{Records: []models.ImageRecord{processing("a"), processing("b")}})
	s = Reduce(s, ChunkAppended{ID: "a", Text: "# Title"})
	s = Reduce(s, Completed{ID: "a"})
	s = Reduce(s, ChunkAppended{ID: "a", Text: " more"})
	s = Reduce(s, Failed{ID: "a", Message: "late"})

	a, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, "# Title", a.Text)
	assert.False(t, a.IsProcessing)
	assert.Empty(t, a.Error)

	s = Reduce(s, ChunkAppended{ID: "b", Text: "partial"})
	s = Reduce(s, Failed{ID: "b"})
	s = Reduce(s, Completed{ID: "b"})
	s = Reduce(s, ChunkAppended{ID: "b", Text: " ignored"})
	b, _ := s.Get("b")
	assert.False(t, b.IsProcessing)
	assert.Equal(t, models.ErrorMessage, b.Error)
	assert.Equal(t, "partial", b.Text)
}

func TestRemoveClearsSelectionOnlyForThatRecord(t *testing.T) {
	s := Reduce(State{}, Intake{Records: []models.ImageRecord{processing("a"), processing("b"), processing("c")}})
	s = Reduce(s, Selected{ID: "b"})
	assert.Equal(t, "b", s.Selected)

	s = Reduce(s, Removed{ID: "a"})
	assert.Equal(t, "b", s.Selected)
	require.Len(t, s.Records, 2)

	s = Reduce(s, Removed{ID: "b"})
	assert.Empty(t, s.Selected)
	require.Len(t, s.Records, 1)
	assert.Equal(t, "c", s.Records[0].ID)
	assert.True(t, s.Records[0].IsProcessing)
}

func TestSelectUnknownIgnored(t *testing.T) {
	s := Reduce(State{}, Intake{Records: []models.ImageRecord{processing("a")}})
	s = Reduce(s, Selected{ID: "missing"})
	assert.Empty(t, s.Selected)
	s = Reduce(s, Selected{ID: "a"})
	s = Reduce(s, Deselected{})
	assert.Empty(t, s.Selected)
	_, ok := s.SelectedRecord()
	assert.False(t, ok)
}

func TestStoreNotifiesEveryMutation(t *testing.T) {
	store := NewStore()
	_, version, updates, cancel := store.Subscribe()
	defer cancel()
	assert.Zero(t, version)

	assert.True(t, store.Dispatch(Intake{Records: []models.ImageRecord{processing("a")}}))
	for i := 0; i < 5; i++ {
		assert.True(t, store.Dispatch(ChunkAppended{ID: "a", Text: fmt.Sprint(i)}))
	}
	assert.True(t, store.Dispatch(Completed{ID: "a"}))
	assert.False(t, store.Dispatch(ChunkAppended{ID: "a", Text: "x"}), "no-op must not notify")

	var got []Kind
	var last Update
	for len(got) < 7 {
		select {
		case upd := <-updates:
			got = append(got, upd.Event.Kind())
			assert.Equal(t, last.Version+1, upd.Version)
			last = upd
		case <-time.After(time.Second):
			t.Fatalf("missing updates, got %v", got)
		}
	}
	assert.Equal(t, KindIntake, got[0])
	assert.Equal(t, KindCompleted, got[6])
	rec, _ := last.State.Get("a")
	assert.Equal(t, "01234", rec.Text)
}

func TestStoreDropsLaggingSubscriber(t *testing.T) {
	store := NewStore()
	store.buffer = 2
	_, _, updates, cancel := store.Subscribe()
	defer cancel()

	store.Dispatch(Intake{Records: []models.ImageRecord{processing("a")}})
	store.Dispatch(ChunkAppended{ID: "a", Text: "1"})
	store.Dispatch(ChunkAppended{ID: "a", Text: "2"})

	n := 0
	for range updates {
		n++
	}
	assert.Equal(t, 2, n, "channel should close after buffer overflow")
}

func TestStoreSettled(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Settled(context.Background()))

	store.Dispatch(Intake{Records: []models.ImageRecord{processing("a"), processing("b")}})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		store.Dispatch(Completed{ID: "a"})
		store.Dispatch(Failed{ID: "b"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, store.Settled(ctx))
	wg.Wait()

	snap, version := store.Snapshot()
	assert.Equal(t, uint64(3), version)
	assert.Zero(t, snap.Processing())
}

func TestStoreSettledHonoursContext(t *testing.T) {
	store := NewStore()
	store.Dispatch(Intake{Records: []models.ImageRecord{processing("a")}})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, store.Settled(ctx), context.DeadlineExceeded)
}
