package opshttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/keithlinneman/csloader/internal/injector"
	"github.com/keithlinneman/csloader/internal/log"
	"github.com/keithlinneman/csloader/internal/manifest"
)

// api serves the operator endpoints that expose loader state.
type api struct {
	logger   log.Logger
	injector Runner
	manifest ManifestSource
}

type errorResponse struct {
	Error string `json:"error"`
}

type manifestResponse struct {
	Name         string         `json:"name,omitempty"`
	Meta         manifest.Meta  `json:"meta"`
	LoadedAt     time.Time      `json:"loaded_at"`
	Declarations int            `json:"declarations"`
	Resources    map[string]int `json:"resources"`
}

// handleInject runs one injection pass. The run outlives the request so a
// client hanging up cannot cut a pass short halfway through a document.
// The server write deadline is lifted for this response since a run has no
// upper bound; a client that gives up anyway can read the outcome from
// GET /-/inject/last.
func (a *api) handleInject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		log.FromContext(ctx).Debug(ctx, "cannot lift write deadline for injection run", "error", err.Error())
	}
	info, err := a.injector.TryInsert(context.WithoutCancel(ctx))
	switch {
	case errors.Is(err, injector.ErrRunInProgress):
		a.writeJSON(ctx, w, http.StatusConflict, errorResponse{Error: err.Error()})
	case err != nil:
		log.FromContext(ctx).Warn(ctx, "injection run via ops endpoint failed", "run_id", info.ID)
		a.writeJSON(ctx, w, http.StatusBadGateway, info)
	default:
		a.writeJSON(ctx, w, http.StatusOK, info)
	}
}

func (a *api) handleLastRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	info, ok := a.injector.Last()
	if !ok {
		a.writeJSON(ctx, w, http.StatusNotFound, errorResponse{Error: "no run has finished"})
		return
	}
	a.writeJSON(ctx, w, http.StatusOK, info)
}

func (a *api) handleManifest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snap, ok := a.manifest.Get()
	if !ok || snap.Manifest == nil {
		a.writeJSON(ctx, w, http.StatusServiceUnavailable, errorResponse{Error: "no active manifest"})
		return
	}
	resp := manifestResponse{
		Name:         snap.Manifest.Name,
		Meta:         snap.Meta,
		LoadedAt:     snap.LoadedAt,
		Declarations: len(snap.Manifest.ContentScripts),
		Resources:    map[string]int{},
	}
	for _, d := range snap.Manifest.ContentScripts {
		resp.Resources[string(injector.KindStyle)] += len(d.CSS)
		resp.Resources[string(injector.KindScript)] += len(d.JS)
	}
	a.writeJSON(ctx, w, http.StatusOK, resp)
}

func (a *api) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
