package api

import (
	"context"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/starfederation/datastar-go/datastar"
)

// RegisterEvents registers the change stream.
func (h *Handler) RegisterEvents(api huma.API) {
	huma.Get(api, "/api/v1/events", h.Events, huma.OperationTags("events"))
}

// Events streams style and data changes as Datastar signal patches.
func (h *Handler) Events(ctx context.Context, input *struct{}) (*huma.StreamResponse, error) {
	return &huma.StreamResponse{
		Body: func(humaCtx huma.Context) {
			r, w := humago.Unwrap(humaCtx)
			sse := datastar.NewSSE(w, r)
			ch := h.svc.Bus.Subscribe()
			defer h.svc.Bus.Unsubscribe(ch)

			h.patchCounts(sse, nil)
			done := humaCtx.Context().Done()
			for {
				select {
				case <-done:
					return
				case ev := <-ch:
					h.patchCounts(sse, map[string]any{
						"resource": ev.Resource,
						"action":   ev.Action,
						"id":       ev.ID,
					})
				}
			}
		},
	}, nil
}

func (h *Handler) patchCounts(sse *datastar.ServerSentEventGenerator, last map[string]any) {
	signals := map[string]any{
		"styles": len(h.svc.Styles.List()),
		"data":   len(h.svc.Data.Names()),
	}
	if last != nil {
		signals["lastEvent"] = last
	}
	if err := sse.MarshalAndPatchSignals(signals); err != nil {
		h.svc.Log.Debugf("events stream: %v", err)
	}
}
