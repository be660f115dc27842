package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/audiocloud-domaind/internal/domain"
	"github.com/snarg/audiocloud-domaind/internal/wireformat"
)

// WriteOk writes a 200 response using content negotiated from the Accept
// header (spec §6: REST bodies follow the same JSON/MsgPack negotiation
// as the WebSocket transport).
func WriteOk(w http.ResponseWriter, r *http.Request, v any) {
	if err := wireformat.WriteResponse(w, r, http.StatusOK, v); err != nil {
		writeInternalError(w, r)
	}
}

// WriteCreated writes a 201 response.
func WriteCreated(w http.ResponseWriter, r *http.Request, v any) {
	if err := wireformat.WriteResponse(w, r, http.StatusCreated, v); err != nil {
		writeInternalError(w, r)
	}
}

// WriteNoContent writes a bodyless 204, for deletes.
func WriteNoContent(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// WriteDomainError maps a domain.Error onto the wire error body and the
// status column of spec §7's error taxonomy. Non-domain errors fall back
// to a generic 500.
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	de, ok := domain.AsError(err)
	if !ok {
		writeInternalError(w, r)
		return
	}
	body := wireformat.ErrorBodyFrom(de)
	_ = wireformat.WriteResponse(w, r, de.Kind.HTTPStatus(), body)
}

func writeInternalError(w http.ResponseWriter, r *http.Request) {
	_ = wireformat.WriteResponse(w, r, http.StatusInternalServerError, wireformat.ErrorBody{Kind: "InternalError"})
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request) {
	_ = wireformat.WriteResponse(w, r, http.StatusUnauthorized, wireformat.ErrorBody{Kind: string(domain.ErrAuthorizationDenied)})
}

func writeRateLimited(w http.ResponseWriter, r *http.Request) {
	_ = wireformat.WriteResponse(w, r, http.StatusTooManyRequests, wireformat.ErrorBody{Kind: "RateLimited"})
}

// PathString reads a chi URL param as a plain string.
func PathString(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// parseRevision parses the If-Match header as the uint64 revision spec §6
// requires for modify/delete/transport requests, accepting the integer
// either quoted ("3") or bare (3) and returning RevisionMalformed when
// absent or unparsable.
func parseRevision(r *http.Request) (uint64, error) {
	raw := r.Header.Get("If-Match")
	if len(raw) >= 2 && strings.HasPrefix(raw, `"`) && strings.HasSuffix(raw, `"`) {
		raw = raw[1 : len(raw)-1]
	}
	if raw == "" {
		return 0, domain.NewRevisionMalformed("")
	}
	rev, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, domain.NewRevisionMalformed(raw)
	}
	return rev, nil
}
