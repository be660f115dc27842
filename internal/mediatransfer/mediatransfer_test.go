package mediatransfer

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/audiocloud-domaind/internal/db"
	"github.com/snarg/audiocloud-domaind/internal/domain"
	"github.com/snarg/audiocloud-domaind/internal/mediastore"
)

type fakeRouter struct {
	mu      sync.Mutex
	tasks   []domain.AppTaskId
	updates []domain.MediaObject
}

func (f *fakeRouter) TasksForObject(domain.ObjectId) []domain.AppTaskId {
	return f.tasks
}

func (f *fakeRouter) RouteMediaUpdate(_ domain.AppTaskId, updates map[domain.ObjectId]domain.MediaObject) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, obj := range updates {
		f.updates = append(f.updates, obj)
	}
}

func (f *fakeRouter) last() (domain.MediaObject, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.updates) == 0 {
		return domain.MediaObject{}, false
	}
	return f.updates[len(f.updates)-1], true
}

func openDb(t *testing.T) *db.Db {
	t.Helper()
	d, err := db.Open(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for condition")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStartDownloadCompletesAndRoutesToOwningTasks(t *testing.T) {
	database := openDb(t)
	store, err := mediastore.New(mediastore.Config{MediaRoot: t.TempDir()}, zerolog.Nop())
	if err != nil {
		t.Fatalf("mediastore.New() error = %v", err)
	}
	taskId := domain.AppTaskId{AppId: "app1", TaskId: "task1"}
	router := &fakeRouter{tasks: []domain.AppTaskId{taskId}}
	coord := New(database, store, router, zerolog.Nop())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("clip bytes"))
	}))
	defer srv.Close()

	obj := coord.StartDownload("app1", "obj1", domain.TransferSpec{URL: srv.URL})
	if obj.Download.State.Value.Kind != domain.MediaUploading {
		t.Errorf("StartDownload() initial kind = %v, want MediaUploading (in-flight)", obj.Download.State.Value.Kind)
	}

	waitFor(t, func() bool {
		got, ok := coord.Get("obj1")
		return ok && got.Download.State.Value.Kind == domain.MediaCompleted
	})

	final, ok := coord.Get("obj1")
	if !ok {
		t.Fatal("Get() after completion: not found")
	}
	if final.Path == "" {
		t.Error("final MediaObject.Path is empty, want a local path after download")
	}

	waitFor(t, func() bool {
		last, ok := router.last()
		return ok && last.Download.State.Value.Kind == domain.MediaCompleted
	})
}

func TestStartUploadFailureRecordsFailedState(t *testing.T) {
	database := openDb(t)
	store, err := mediastore.New(mediastore.Config{MediaRoot: t.TempDir()}, zerolog.Nop())
	if err != nil {
		t.Fatalf("mediastore.New() error = %v", err)
	}
	router := &fakeRouter{}
	coord := New(database, store, router, zerolog.Nop())

	// No local file exists for "missing", so the upload fails immediately
	// with MediaNotReady.
	coord.StartUpload("app1", "missing", domain.TransferSpec{URL: "http://unused"})

	waitFor(t, func() bool {
		got, ok := coord.Get("missing")
		return ok && got.Upload.State.Value.Kind == domain.MediaFailed
	})
}
