// Package mediatransfer implements the media-transfer coordination loop
// that SPEC_FULL.md §4.12 layers over internal/mediastore: it drives
// Upload()/Download() transfers in the background, persists MediaObject
// transfer state to Db as it progresses, and fans every change out to the
// tasks whose spec currently references the object — the missing link
// between a REST-triggered transfer and TaskMedia.WaitingForMedia/
// ReadyForEngine actually observing it (spec.md §8 Scenario 6). Grounded
// on the teacher's internal/storage/uploader.go progress-reporting shape,
// reused here to drive state transitions instead of just a callback.
package mediatransfer

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/audiocloud-domaind/internal/db"
	"github.com/snarg/audiocloud-domaind/internal/domain"
	"github.com/snarg/audiocloud-domaind/internal/mediastore"
)

// progressThrottle bounds how often an in-flight transfer's progress is
// persisted and fanned out, so a fast local transfer doesn't hammer Db.
const progressThrottle = 200 * time.Millisecond

// TaskRouter is the collaborator Coordinator asks which tasks reference an
// object, and notifies when that object's state changes. Implemented by
// internal/tasksupervisor.Supervisor.
type TaskRouter interface {
	TasksForObject(id domain.ObjectId) []domain.AppTaskId
	RouteMediaUpdate(taskId domain.AppTaskId, updates map[domain.ObjectId]domain.MediaObject)
}

// Coordinator is the media-transfer driver: the REST handler (internal/api)
// calls StartUpload/StartDownload, Coordinator runs the transfer against
// mediastore.MediaStore in the background and keeps Db's media_info bucket
// and every referencing task's Actor in sync with its progress.
type Coordinator struct {
	db     *db.Db
	store  mediastore.MediaStore
	router TaskRouter
	log    zerolog.Logger
}

func New(database *db.Db, store mediastore.MediaStore, router TaskRouter, log zerolog.Logger) *Coordinator {
	return &Coordinator{db: database, store: store, router: router, log: log.With().Str("component", "mediatransfer").Logger()}
}

// Get returns the persisted MediaObject for id, if any.
func (c *Coordinator) Get(id domain.ObjectId) (domain.MediaObject, bool) {
	var obj domain.MediaObject
	if err := c.db.Get(db.BucketMediaInfo, string(id), &obj); err != nil {
		return domain.MediaObject{}, false
	}
	return obj, true
}

func (c *Coordinator) load(id domain.ObjectId) domain.MediaObject {
	if obj, ok := c.Get(id); ok {
		return obj
	}
	return domain.MediaObject{Id: id}
}

// persist writes obj to Db and fans the new state out to every task
// currently referencing it (spec §4.10 persistence + §2 "events flow
// back" dataflow, generalized here from instance/engine events to media).
func (c *Coordinator) persist(obj domain.MediaObject) domain.MediaObject {
	if err := c.db.Put(db.BucketMediaInfo, string(obj.Id), obj); err != nil {
		c.log.Warn().Err(err).Str("object", string(obj.Id)).Msg("persist failed")
	}
	updates := map[domain.ObjectId]domain.MediaObject{obj.Id: obj}
	for _, taskId := range c.router.TasksForObject(obj.Id) {
		c.router.RouteMediaUpdate(taskId, updates)
	}
	return obj
}

// StartUpload begins an upload transfer in the background and returns the
// MediaObject's state immediately after admission (Uploading{0}), per
// spec §4.2's MediaObject.upload state machine. The ctx passed to the
// background transfer is detached from the caller's request context: an
// upload is keyed by object, not by the requesting connection, so it must
// outlive the HTTP round trip that started it.
func (c *Coordinator) StartUpload(appId domain.AppId, id domain.ObjectId, spec domain.TransferSpec) domain.MediaObject {
	obj := c.load(id)
	obj.Upload.Spec = &spec
	domain.Set(&obj.Upload.State, domain.MediaTransferState{Kind: domain.MediaUploading})
	obj = c.persist(obj)

	go c.runUpload(id, appId, spec)
	return obj
}

func (c *Coordinator) runUpload(id domain.ObjectId, appId domain.AppId, spec domain.TransferSpec) {
	ctx := context.Background()
	var lastReport time.Time
	progress := func(fraction float64) {
		if fraction < 1 && time.Since(lastReport) < progressThrottle {
			return
		}
		lastReport = time.Now()
		obj := c.load(id)
		domain.Set(&obj.Upload.State, domain.MediaTransferState{Kind: domain.MediaUploading, Progress: fraction})
		c.persist(obj)
	}

	err := c.store.Upload(ctx, appId, id, spec, progress)
	obj := c.load(id)
	if err != nil {
		c.log.Warn().Err(err).Str("object", string(id)).Msg("upload failed")
		domain.Set(&obj.Upload.State, domain.MediaTransferState{
			Kind: domain.MediaFailed, Retry: obj.Upload.State.Value.Retry + 1,
		})
		c.persist(obj)
		return
	}
	domain.Set(&obj.Upload.State, domain.MediaTransferState{Kind: domain.MediaCompleted, Progress: 1})
	c.persist(obj)
}

// StartDownload mirrors StartUpload; on success the object's local Path is
// set from the store, so TaskMedia.ReadyForEngine/WaitingForMedia observe
// the newly-local file on the task's next reconciliation tick (spec.md §8
// Scenario 6: media arrives late).
func (c *Coordinator) StartDownload(appId domain.AppId, id domain.ObjectId, spec domain.TransferSpec) domain.MediaObject {
	obj := c.load(id)
	obj.Download.Spec = &spec
	domain.Set(&obj.Download.State, domain.MediaTransferState{Kind: domain.MediaUploading})
	obj = c.persist(obj)

	go c.runDownload(id, appId, spec)
	return obj
}

func (c *Coordinator) runDownload(id domain.ObjectId, appId domain.AppId, spec domain.TransferSpec) {
	ctx := context.Background()
	var lastReport time.Time
	progress := func(fraction float64) {
		if fraction < 1 && time.Since(lastReport) < progressThrottle {
			return
		}
		lastReport = time.Now()
		obj := c.load(id)
		domain.Set(&obj.Download.State, domain.MediaTransferState{Kind: domain.MediaUploading, Progress: fraction})
		c.persist(obj)
	}

	err := c.store.Download(ctx, appId, id, spec, progress)
	obj := c.load(id)
	if err != nil {
		c.log.Warn().Err(err).Str("object", string(id)).Msg("download failed")
		domain.Set(&obj.Download.State, domain.MediaTransferState{
			Kind: domain.MediaFailed, Retry: obj.Download.State.Value.Retry + 1,
		})
		c.persist(obj)
		return
	}
	if path, ok := c.store.Local(appId, id); ok {
		obj.Path = path
	}
	domain.Set(&obj.Download.State, domain.MediaTransferState{Kind: domain.MediaCompleted, Progress: 1})
	c.persist(obj)
}
