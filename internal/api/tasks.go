// Package api implements the REST task-control surface of spec §6:
// create/read/modify/delete of tasks and their transport commands. Routes,
// content negotiation and the If-Match revision header follow spec.md
// verbatim; the chi handler shape and route registration style are
// adapted from the teacher's internal/api/systems.go and calls.go.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/audiocloud-domaind/internal/domain"
	"github.com/snarg/audiocloud-domaind/internal/wireformat"
)

// TaskSupervisor is the subset of *tasksupervisor.Supervisor the REST
// handlers drive.
type TaskSupervisor interface {
	CreateTask(ctx context.Context, id domain.AppTaskId, spec domain.TaskSpec, reservations []domain.ReservationWindow, security map[domain.SecureKey]domain.Permissions) (*domain.Task, error)
	Get(id domain.AppTaskId) (*domain.Task, bool)
	List() []*domain.Task
	ModifyTask(ctx context.Context, id domain.AppTaskId, spec domain.TaskSpec, expectedRevision uint64) (*domain.Task, error)
	DeleteTask(id domain.AppTaskId, expectedRevision uint64) error
	SetDesiredPlayState(id domain.AppTaskId, desired domain.DesiredTaskPlayState) error
	CancelRender(id domain.AppTaskId) error
	Seek(ctx context.Context, id domain.AppTaskId, position uint64) error
	PermissionsFor(taskId domain.AppTaskId, key domain.SecureKey) (domain.Permissions, bool)
}

// TasksHandler serves the /v1/tasks/* routes.
type TasksHandler struct {
	sup TaskSupervisor
}

func NewTasksHandler(sup TaskSupervisor) *TasksHandler {
	return &TasksHandler{sup: sup}
}

func (h *TasksHandler) Routes(r chi.Router) {
	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Route("/{app_id}/{task_id}", func(r chi.Router) {
			r.Get("/", h.get)
			r.Get("/status", h.status)
			r.Post("/modify", h.modify)
			r.Delete("/", h.deleteTask)
			r.Post("/transport/{cmd}", h.transport)
		})
	})
}

func taskIdFromPath(r *http.Request) domain.AppTaskId {
	return domain.AppTaskId{
		AppId:  domain.AppId(chi.URLParam(r, "app_id")),
		TaskId: domain.TaskId(chi.URLParam(r, "task_id")),
	}
}

// taskSummary is the wire shape of spec's TaskSummaryList entries: enough
// to list tasks without the full spec/security payload.
type taskSummary struct {
	Id       domain.AppTaskId `json:"id" msgpack:"id"`
	Revision uint64           `json:"revision" msgpack:"revision"`
	EngineId domain.EngineId  `json:"engine_id" msgpack:"engine_id"`
}

func (h *TasksHandler) list(w http.ResponseWriter, r *http.Request) {
	tasks := h.sup.List()
	out := make([]taskSummary, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskSummary{Id: t.Id, Revision: t.Revision, EngineId: t.EngineId})
	}
	WriteOk(w, r, out)
}

type createTaskRequest struct {
	Spec         domain.TaskSpec                      `json:"spec" msgpack:"spec"`
	Reservations []domain.ReservationWindow            `json:"reservations" msgpack:"reservations"`
	Security     map[domain.SecureKey]domain.Permissions `json:"security" msgpack:"security"`
}

func (h *TasksHandler) create(w http.ResponseWriter, r *http.Request) {
	appId := domain.AppId(r.URL.Query().Get("app_id"))
	taskId := domain.TaskId(r.URL.Query().Get("task_id"))

	var body createTaskRequest
	if err := wireformat.DecodeRequest(r, &body); err != nil {
		WriteDomainError(w, r, domain.NewSerialization(err.Error()))
		return
	}

	id := domain.AppTaskId{AppId: appId, TaskId: taskId}
	t, err := h.sup.CreateTask(r.Context(), id, body.Spec, body.Reservations, body.Security)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteCreated(w, r, t)
}

func (h *TasksHandler) get(w http.ResponseWriter, r *http.Request) {
	id := taskIdFromPath(r)
	t, ok := h.sup.Get(id)
	if !ok {
		WriteDomainError(w, r, domain.NewTaskNotFound(id))
		return
	}
	WriteOk(w, r, t)
}

// status is the supplemented lightweight polling endpoint (SPEC_FULL.md
// §6): just TaskState, for clients that don't want a socket.
func (h *TasksHandler) status(w http.ResponseWriter, r *http.Request) {
	id := taskIdFromPath(r)
	t, ok := h.sup.Get(id)
	if !ok {
		WriteDomainError(w, r, domain.NewTaskNotFound(id))
		return
	}
	WriteOk(w, r, t.State)
}

type modifyTaskRequest struct {
	ModifySpec domain.TaskSpec `json:"modify_spec" msgpack:"modify_spec"`
}

func (h *TasksHandler) modify(w http.ResponseWriter, r *http.Request) {
	id := taskIdFromPath(r)
	if !h.checkPermission(w, r, id, func(p domain.Permissions) bool { return p.ModifySpec }) {
		return
	}

	rev, err := parseRevision(r)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	var body modifyTaskRequest
	if err := wireformat.DecodeRequest(r, &body); err != nil {
		WriteDomainError(w, r, domain.NewSerialization(err.Error()))
		return
	}

	t, err := h.sup.ModifyTask(r.Context(), id, body.ModifySpec, rev)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteOk(w, r, t)
}

func (h *TasksHandler) deleteTask(w http.ResponseWriter, r *http.Request) {
	id := taskIdFromPath(r)
	if !h.checkPermission(w, r, id, func(p domain.Permissions) bool { return p.ModifySpec }) {
		return
	}

	rev, err := parseRevision(r)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if err := h.sup.DeleteTask(id, rev); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteNoContent(w, r)
}

// transport dispatches the render/play/seek/cancel/stop sub-commands of
// spec §6's single transport route.
func (h *TasksHandler) transport(w http.ResponseWriter, r *http.Request) {
	id := taskIdFromPath(r)
	if !h.checkPermission(w, r, id, func(p domain.Permissions) bool { return p.Transport }) {
		return
	}

	t, ok := h.sup.Get(id)
	if !ok {
		WriteDomainError(w, r, domain.NewTaskNotFound(id))
		return
	}
	rev, err := parseRevision(r)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if t.Revision != rev {
		WriteDomainError(w, r, domain.NewRevisionConflict(t.Revision, rev))
		return
	}

	cmd := chi.URLParam(r, "cmd")
	switch cmd {
	case "play":
		var body struct {
			PlayId domain.PlayId `json:"play_id" msgpack:"play_id"`
		}
		if err := wireformat.DecodeRequest(r, &body); err != nil {
			WriteDomainError(w, r, domain.NewSerialization(err.Error()))
			return
		}
		if err := h.sup.SetDesiredPlayState(id, domain.DesirePlay(body.PlayId)); err != nil {
			WriteDomainError(w, r, err)
			return
		}
	case "render":
		var body struct {
			RenderId domain.RenderId `json:"render_id" msgpack:"render_id"`
		}
		if err := wireformat.DecodeRequest(r, &body); err != nil {
			WriteDomainError(w, r, domain.NewSerialization(err.Error()))
			return
		}
		if err := h.sup.SetDesiredPlayState(id, domain.DesireRender(body.RenderId)); err != nil {
			WriteDomainError(w, r, err)
			return
		}
	case "stop":
		if err := h.sup.SetDesiredPlayState(id, domain.DesireStopped()); err != nil {
			WriteDomainError(w, r, err)
			return
		}
	case "cancel":
		if err := h.sup.CancelRender(id); err != nil {
			WriteDomainError(w, r, err)
			return
		}
	case "seek":
		var body struct {
			Position uint64 `json:"position" msgpack:"position"`
		}
		if err := wireformat.DecodeRequest(r, &body); err != nil {
			WriteDomainError(w, r, domain.NewSerialization(err.Error()))
			return
		}
		if err := h.sup.Seek(r.Context(), id, body.Position); err != nil {
			WriteDomainError(w, r, err)
			return
		}
	default:
		WriteDomainError(w, r, domain.NewNotImplemented("transport/"+cmd, "unknown transport command"))
		return
	}

	after, ok := h.sup.Get(id)
	if !ok {
		WriteDomainError(w, r, domain.NewTaskNotFound(id))
		return
	}
	WriteOk(w, r, after.State)
}

// checkPermission enforces the supplemented per-task SecureKey permission
// check (SPEC_FULL.md §6): a task with no Security configured grants every
// capability, matching the REST surface's "task control defaults open,
// narrows only if the task names keys" design. When Security is set, the
// caller must present a matching X-Secure-Key header.
func (h *TasksHandler) checkPermission(w http.ResponseWriter, r *http.Request, id domain.AppTaskId, allowed func(domain.Permissions) bool) bool {
	t, ok := h.sup.Get(id)
	if !ok {
		WriteDomainError(w, r, domain.NewTaskNotFound(id))
		return false
	}
	if len(t.Security) == 0 {
		return true
	}

	key := domain.SecureKey(r.Header.Get("X-Secure-Key"))
	perms, ok := h.sup.PermissionsFor(id, key)
	if !ok || !allowed(perms) {
		WriteDomainError(w, r, domain.NewAuthorizationDenied("transport_or_modify_spec"))
		return false
	}
	return true
}
