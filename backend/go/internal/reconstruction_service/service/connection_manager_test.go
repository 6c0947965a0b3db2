package service

import (
	"SceneGen/backend/go/internal/models"
	"SceneGen/backend/go/internal/reconstruction_service/store"
	"SceneGen/backend/go/pkg/logger"
	"testing"
)

func TestConnectionManagerFansOutPerTask(t *testing.T) {
	st := store.New()
	cm := NewConnectionManager(8, logger.Nop())
	st.Subscribe(cm)

	a, _ := st.Create(models.TaskKindSingleImage, models.TaskInput{Sources: []string{"a.png"}})
	b, _ := st.Create(models.TaskKindSingleImage, models.TaskInput{Sources: []string{"b.png"}})
	subA1, subA2, subB := cm.Add(a), cm.Add(a), cm.Add(b)

	st.UpdateStatus(a, models.TaskStatusValidating, "")
	for _, sub := range []*Subscription{subA1, subA2} {
		e := <-sub.C
		if e.TaskID != a || e.Status != models.TaskStatusValidating {
			t.Errorf("event = %+v", e)
		}
	}
	select {
	case e := <-subB.C:
		t.Errorf("subscriber of %s got %+v", b, e)
	default:
	}

	cm.Remove(subA1)
	cm.Remove(subA1)
	if _, ok := <-subA1.C; ok {
		t.Error("channel still open after Remove")
	}
	if cm.Count(a) != 1 {
		t.Errorf("Count() = %d, want 1", cm.Count(a))
	}
}

func TestConnectionManagerDropsSlowSubscriber(t *testing.T) {
	st := store.New()
	cm := NewConnectionManager(1, logger.Nop())
	st.Subscribe(cm)
	id, _ := st.Create(models.TaskKindSingleImage, models.TaskInput{Sources: []string{"a.png"}})
	sub := cm.Add(id)

	st.UpdateStatus(id, models.TaskStatusValidating, "")
	st.UpdateStatus(id, models.TaskStatusProcessing, "")

	if e := <-sub.C; e.Status != models.TaskStatusValidating {
		t.Errorf("first event = %+v", e)
	}
	if _, ok := <-sub.C; ok {
		t.Error("slow subscriber was not dropped")
	}
	if cm.Count(id) != 0 {
		t.Errorf("Count() = %d", cm.Count(id))
	}
}

func TestConnectionManagerClosesOnDelete(t *testing.T) {
	st := store.New()
	cm := NewConnectionManager(4, logger.Nop())
	st.Subscribe(cm)
	id, _ := st.Create(models.TaskKindSingleImage, models.TaskInput{Sources: []string{"a.png"}})
	sub := cm.Add(id)

	st.Delete(id)
	if e := <-sub.C; e.Type != models.TaskEventDeleted {
		t.Errorf("event = %+v", e)
	}
	if _, ok := <-sub.C; ok {
		t.Error("channel open after delete")
	}
}
