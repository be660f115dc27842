package mediastore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/snarg/audiocloud-domaind/internal/domain"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	store, err := New(Config{MediaRoot: t.TempDir()}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	appId := domain.AppId("app1")
	objId := domain.ObjectId("obj1")

	if _, ok := store.Local(appId, objId); ok {
		t.Fatal("Local() ok before any download")
	}

	var received []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Write([]byte("hello media"))
		case http.MethodPut:
			buf := make([]byte, 1024)
			n, _ := r.Body.Read(buf)
			received = buf[:n]
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	var progressed []float64
	progress := func(f float64) { progressed = append(progressed, f) }

	if err := store.Download(context.Background(), appId, objId, domain.TransferSpec{URL: srv.URL}, progress); err != nil {
		t.Fatalf("Download() error: %v", err)
	}

	path, ok := store.Local(appId, objId)
	if !ok {
		t.Fatal("Local() not ok after download")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if string(data) != "hello media" {
		t.Errorf("downloaded data = %q, want %q", data, "hello media")
	}
	if filepath.Base(path) != string(objId) {
		t.Errorf("downloaded path base = %q, want %q", filepath.Base(path), objId)
	}

	if err := store.Upload(context.Background(), appId, objId, domain.TransferSpec{URL: srv.URL}, progress); err != nil {
		t.Fatalf("Upload() error: %v", err)
	}
	if string(received) != "hello media" {
		t.Errorf("uploaded data = %q, want %q", received, "hello media")
	}
	if len(progressed) == 0 {
		t.Error("expected at least one progress callback")
	}
}

func TestLocalStoreUploadMissingIsMediaNotReady(t *testing.T) {
	store, err := New(Config{MediaRoot: t.TempDir()}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	err = store.Upload(context.Background(), "app1", "missing", domain.TransferSpec{URL: "http://unused"}, nil)
	de, ok := domain.AsError(err)
	if !ok || de.Kind != domain.ErrMediaNotReady {
		t.Fatalf("Upload() error = %v, want MediaNotReady", err)
	}
}
