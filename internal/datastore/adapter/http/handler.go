// Package http exposes the connector's operations over a small REST surface:
// lookup, runQuery, commit, allocateIds, reserveIds and flush, plus health
// and reset endpoints for the emulator use case.
package http

import (
	"github.com/gofiber/fiber/v2"

	"gcloud-connector/internal/datastore/domain/model"
	"gcloud-connector/internal/datastore/domain/repository"
	"gcloud-connector/internal/datastore/usecase"
	"gcloud-connector/internal/shared/errors"
	"gcloud-connector/internal/shared/logger"
)

// Resetter is implemented by backends that can be wiped wholesale. Only the
// in-memory emulator backend does; against real storage reset returns 501.
type Resetter interface {
	Reset()
}

type Handler struct {
	backend repository.Backend
	selects *usecase.SelectCommand
	inserts *usecase.InsertCommand
	updates *usecase.UpdateCommand
	deletes *usecase.DeleteCommand
	log     logger.Logger
}

func NewHandler(
	backend repository.Backend,
	selects *usecase.SelectCommand,
	inserts *usecase.InsertCommand,
	updates *usecase.UpdateCommand,
	deletes *usecase.DeleteCommand,
	log logger.Logger,
) *Handler {
	if log == nil {
		log = logger.NewLogger()
	}
	return &Handler{
		backend: backend,
		selects: selects,
		inserts: inserts,
		updates: updates,
		deletes: deletes,
		log:     log,
	}
}

// RegisterRoutes mounts the API under /v1.
func (h *Handler) RegisterRoutes(router fiber.Router) {
	v1 := router.Group("/v1")
	v1.Post("/lookup", h.Lookup)
	v1.Post("/runQuery", h.RunQuery)
	v1.Post("/commit", h.Commit)
	v1.Post("/allocateIds", h.AllocateIDs)
	v1.Post("/reserveIds", h.ReserveIDs)
	v1.Post("/flush", h.Flush)
	v1.Post("/reset", h.Reset)
	router.Get("/health", h.Health)
}

func (h *Handler) respondError(c *fiber.Ctx, err error) error {
	if appErr, ok := err.(*errors.AppError); ok {
		return c.Status(appErr.HTTPCode).JSON(fiber.Map{
			"error": appErr,
		})
	}
	h.log.WithComponent("http").Error("Unhandled request error: ", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": fiber.Map{"type": errors.ErrorTypeInternal, "message": "internal error"},
	})
}

type lookupRequest struct {
	Keys []KeyDTO `json:"keys"`
}

type lookupResponse struct {
	Found   []EntityDTO `json:"found"`
	Missing []KeyDTO    `json:"missing"`
}

// Lookup fetches entities by key, reporting misses separately.
func (h *Handler) Lookup(c *fiber.Ctx) error {
	var req lookupRequest
	if err := c.BodyParser(&req); err != nil {
		return h.respondError(c, errors.NewValidationError("malformed lookup request").WithCause(err))
	}
	if len(req.Keys) == 0 {
		return h.respondError(c, errors.NewValidationError("lookup requires at least one key"))
	}

	keys := make([]model.Key, len(req.Keys))
	for i, dto := range req.Keys {
		key, err := dto.toModel()
		if err != nil {
			return h.respondError(c, err)
		}
		if key.Incomplete() {
			return h.respondError(c, errors.NewValidationError("lookup keys must be complete").
				WithCause(errors.ErrIncompleteKey))
		}
		keys[i] = key
	}

	entities, err := h.backend.GetMulti(c.Context(), keys)
	if err != nil {
		return h.respondError(c, err)
	}

	resp := lookupResponse{Found: []EntityDTO{}, Missing: []KeyDTO{}}
	for i, e := range entities {
		if e == nil {
			resp.Missing = append(resp.Missing, req.Keys[i])
			continue
		}
		dto, err := entityToDTO(e)
		if err != nil {
			return h.respondError(c, err)
		}
		resp.Found = append(resp.Found, dto)
	}
	return c.JSON(resp)
}

type runQueryRequest struct {
	Query QueryDTO `json:"query"`
}

type runQueryResponse struct {
	Entities []EntityDTO `json:"entities,omitempty"`
	Count    *int64      `json:"count,omitempty"`
}

// RunQuery executes a query and returns entities, projection rows or a count.
func (h *Handler) RunQuery(c *fiber.Ctx) error {
	var req runQueryRequest
	if err := c.BodyParser(&req); err != nil {
		return h.respondError(c, errors.NewValidationError("malformed query request").WithCause(err))
	}
	q, err := req.Query.toModel()
	if err != nil {
		return h.respondError(c, err)
	}

	result, err := h.selects.Execute(c.Context(), q)
	if err != nil {
		return h.respondError(c, err)
	}

	if q.Aggregation == model.AggregationCount {
		return c.JSON(runQueryResponse{Count: &result.Count})
	}

	resp := runQueryResponse{Entities: make([]EntityDTO, len(result.Entities))}
	for i, e := range result.Entities {
		dto, err := entityToDTO(e)
		if err != nil {
			return h.respondError(c, err)
		}
		resp.Entities[i] = dto
	}
	return c.JSON(resp)
}

type mutationDTO struct {
	Insert *EntityDTO `json:"insert,omitempty"`
	Update *EntityDTO `json:"update,omitempty"`
	Delete *KeyDTO    `json:"delete,omitempty"`
}

type commitRequest struct {
	Mutations []mutationDTO `json:"mutations"`
}

type commitResponse struct {
	Keys    []KeyDTO `json:"keys,omitempty"`
	Deleted int64    `json:"deleted"`
}

// Commit applies a mutation list: inserts as one atomic batch, updates one by
// one, deletes by key.
func (h *Handler) Commit(c *fiber.Ctx) error {
	var req commitRequest
	if err := c.BodyParser(&req); err != nil {
		return h.respondError(c, errors.NewValidationError("malformed commit request").WithCause(err))
	}
	if len(req.Mutations) == 0 {
		return h.respondError(c, errors.NewValidationError("commit requires at least one mutation"))
	}

	var inserts []*model.Entity
	var updates []*model.Entity
	var deleteKeys []model.Key
	for _, mutation := range req.Mutations {
		set := 0
		if mutation.Insert != nil {
			set++
			e, err := mutation.Insert.toModel()
			if err != nil {
				return h.respondError(c, err)
			}
			inserts = append(inserts, e)
		}
		if mutation.Update != nil {
			set++
			e, err := mutation.Update.toModel()
			if err != nil {
				return h.respondError(c, err)
			}
			updates = append(updates, e)
		}
		if mutation.Delete != nil {
			set++
			key, err := mutation.Delete.toModel()
			if err != nil {
				return h.respondError(c, err)
			}
			deleteKeys = append(deleteKeys, key)
		}
		if set != 1 {
			return h.respondError(c, errors.NewValidationError(
				"each mutation must carry exactly one of insert, update or delete"))
		}
	}

	resp := commitResponse{}
	if len(inserts) > 0 {
		keys, err := h.inserts.Execute(c.Context(), inserts)
		if err != nil {
			return h.respondError(c, err)
		}
		for _, key := range keys {
			resp.Keys = append(resp.Keys, keyToDTO(key))
		}
	}
	for _, e := range updates {
		if err := h.updates.Execute(c.Context(), e); err != nil {
			return h.respondError(c, err)
		}
		resp.Keys = append(resp.Keys, keyToDTO(e.Key))
	}
	for _, key := range deleteKeys {
		q := model.NewQuery(key.Namespace, key.Kind())
		filter := model.Where(model.KeyProperty, model.OperatorEqual, key)
		q.Filter = &filter
		result, err := h.deletes.Execute(c.Context(), q, "")
		if err != nil {
			return h.respondError(c, err)
		}
		resp.Deleted += result.Deleted
	}
	return c.JSON(resp)
}

type allocateIDsRequest struct {
	Namespace string `json:"namespace,omitempty"`
	Kind      string `json:"kind"`
	Count     int    `json:"count"`
}

type allocateIDsResponse struct {
	IDs []int64 `json:"ids"`
}

func (h *Handler) AllocateIDs(c *fiber.Ctx) error {
	var req allocateIDsRequest
	if err := c.BodyParser(&req); err != nil {
		return h.respondError(c, errors.NewValidationError("malformed allocateIds request").WithCause(err))
	}
	if req.Kind == "" {
		return h.respondError(c, errors.NewValidationError("allocateIds requires a kind"))
	}
	if req.Count <= 0 {
		req.Count = 1
	}

	ids, err := h.backend.AllocateIDs(c.Context(), req.Namespace, req.Kind, req.Count)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(allocateIDsResponse{IDs: ids})
}

type reserveIDsRequest struct {
	Namespace string  `json:"namespace,omitempty"`
	Kind      string  `json:"kind"`
	IDs       []int64 `json:"ids"`
}

func (h *Handler) ReserveIDs(c *fiber.Ctx) error {
	var req reserveIDsRequest
	if err := c.BodyParser(&req); err != nil {
		return h.respondError(c, errors.NewValidationError("malformed reserveIds request").WithCause(err))
	}
	if req.Kind == "" || len(req.IDs) == 0 {
		return h.respondError(c, errors.NewValidationError("reserveIds requires a kind and ids"))
	}

	if err := h.backend.ReserveIDs(c.Context(), req.Namespace, req.Kind, req.IDs); err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(fiber.Map{"reserved": len(req.IDs)})
}

type flushRequest struct {
	Namespace string `json:"namespace,omitempty"`
	Kind      string `json:"kind"`
}

func (h *Handler) Flush(c *fiber.Ctx) error {
	var req flushRequest
	if err := c.BodyParser(&req); err != nil {
		return h.respondError(c, errors.NewValidationError("malformed flush request").WithCause(err))
	}
	if req.Kind == "" {
		return h.respondError(c, errors.NewValidationError("flush requires a kind"))
	}

	flushed, err := h.deletes.Flush(c.Context(), req.Namespace, req.Kind)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(fiber.Map{"flushed": flushed})
}

// Reset wipes the whole backend when it supports it.
func (h *Handler) Reset(c *fiber.Ctx) error {
	resetter, ok := h.backend.(Resetter)
	if !ok {
		return h.respondError(c, errors.NewNotSupportedError("this backend cannot be reset"))
	}
	resetter.Reset()
	return c.JSON(fiber.Map{"status": "reset"})
}

func (h *Handler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}
