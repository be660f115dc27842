// Package api: the media-transfer trigger surface supplementing spec §6
// (SPEC_FULL.md §4.12/§9 Open Question 3) — upload/download of a
// MediaObject is kicked off here and driven to completion by
// internal/mediatransfer.Coordinator, which fans state changes back to
// every task referencing the object.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/audiocloud-domaind/internal/domain"
	"github.com/snarg/audiocloud-domaind/internal/wireformat"
)

// MediaCoordinator is the subset of *mediatransfer.Coordinator the REST
// handlers drive.
type MediaCoordinator interface {
	Get(id domain.ObjectId) (domain.MediaObject, bool)
	StartUpload(appId domain.AppId, id domain.ObjectId, spec domain.TransferSpec) domain.MediaObject
	StartDownload(appId domain.AppId, id domain.ObjectId, spec domain.TransferSpec) domain.MediaObject
}

// MediaHandler serves the /v1/media/* routes.
type MediaHandler struct {
	coord MediaCoordinator
}

func NewMediaHandler(coord MediaCoordinator) *MediaHandler {
	return &MediaHandler{coord: coord}
}

func (h *MediaHandler) Routes(r chi.Router) {
	r.Route("/media/{app_id}/{object_id}", func(r chi.Router) {
		r.Get("/", h.get)
		r.Post("/upload", h.upload)
		r.Post("/download", h.download)
	})
}

func mediaIdsFromPath(r *http.Request) (domain.AppId, domain.ObjectId) {
	return domain.AppId(chi.URLParam(r, "app_id")), domain.ObjectId(chi.URLParam(r, "object_id"))
}

func (h *MediaHandler) get(w http.ResponseWriter, r *http.Request) {
	_, objId := mediaIdsFromPath(r)
	obj, ok := h.coord.Get(objId)
	if !ok {
		WriteDomainError(w, r, domain.NewMediaNotReady([]domain.ObjectId{objId}))
		return
	}
	WriteOk(w, r, obj)
}

func (h *MediaHandler) upload(w http.ResponseWriter, r *http.Request) {
	appId, objId := mediaIdsFromPath(r)
	var spec domain.TransferSpec
	if err := wireformat.DecodeRequest(r, &spec); err != nil {
		WriteDomainError(w, r, domain.NewSerialization(err.Error()))
		return
	}
	obj := h.coord.StartUpload(appId, objId, spec)
	WriteOk(w, r, obj)
}

func (h *MediaHandler) download(w http.ResponseWriter, r *http.Request) {
	appId, objId := mediaIdsFromPath(r)
	var spec domain.TransferSpec
	if err := wireformat.DecodeRequest(r, &spec); err != nil {
		WriteDomainError(w, r, domain.NewSerialization(err.Error()))
		return
	}
	obj := h.coord.StartDownload(appId, objId, spec)
	WriteOk(w, r, obj)
}
