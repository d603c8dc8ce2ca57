// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package testcoord

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/btcsuite/btcjoin/coordinator"
	"github.com/go-chi/chi/v5"
)

// APIPrefix is where NewHandler mounts the API.
const APIPrefix = "/api/v1"

// NewHandler serves client over the JSON API coordinator.HTTPClient
// speaks.
func NewHandler(client coordinator.Client) http.Handler {
	r := chi.NewRouter()

	r.Route(APIPrefix+"/rounds", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			rounds, err := client.Rounds(req.Context())
			respond(w, rounds, err)
		})

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, req *http.Request) {
				id, err := coordinator.ParseRoundID(
					chi.URLParam(req, "id"),
				)
				if err != nil {
					respond(w, nil, coordinator.NewError(
						coordinator.ErrRoundNotFound, "%v",
						err,
					))
					return
				}

				status, err := client.RoundStatus(req.Context(), id)
				respond(w, status, err)
			})

			r.Post("/inputs", call(client.RegisterInput))
			r.Post("/unregister", exec(client.Unregister))
			r.Post("/confirmations", call(client.ConfirmConnection))
			r.Post("/outputs", exec(client.RegisterOutput))
			r.Post("/change", exec(client.RegisterChange))
			r.Post("/ready", exec(client.ReadyToSign))
			r.Post("/signatures", exec(client.SubmitSignature))
		})
	})

	return r
}

// call adapts a request/response method to a handler.
func call[Req, Resp any](f func(context.Context, *Req) (Resp,
	error)) http.HandlerFunc {

	return func(w http.ResponseWriter, r *http.Request) {
		var req Req
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respond(w, nil, coordinator.NewError(
				coordinator.ErrInternal, "bad request: %v", err,
			))
			return
		}

		resp, err := f(r.Context(), &req)
		respond(w, resp, err)
	}
}

// exec adapts a method without response body to a handler.
func exec[Req any](f func(context.Context, *Req) error) http.HandlerFunc {
	return call(func(ctx context.Context, req *Req) (struct{}, error) {
		return struct{}{}, f(ctx, req)
	})
}

func respond(w http.ResponseWriter, v interface{}, err error) {
	w.Header().Set("Content-Type", "application/json")

	if err != nil {
		cerr := &coordinator.Error{}
		if !errors.As(err, &cerr) {
			cerr = coordinator.NewError(
				coordinator.ErrInternal, "%v", err,
			)
		}

		w.WriteHeader(statusCode(cerr.Code))
		_ = json.NewEncoder(w).Encode(cerr)
		return
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

func statusCode(code coordinator.ErrorCode) int {
	switch code {
	case coordinator.ErrRoundNotFound, coordinator.ErrAliceNotFound:
		return http.StatusNotFound

	case coordinator.ErrWrongPhase, coordinator.ErrRoundFull:
		return http.StatusConflict

	case coordinator.ErrInputBanned:
		return http.StatusForbidden

	case coordinator.ErrInternal:
		return http.StatusInternalServerError

	default:
		return http.StatusBadRequest
	}
}
