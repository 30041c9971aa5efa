package router

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(ctx *fasthttp.RequestCtx, status int, v any) error {
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	return json.NewEncoder(ctx).Encode(v)
}

func WriteJSONError(ctx *fasthttp.RequestCtx, status int, message string) {
	_ = WriteJSON(ctx, status, map[string]string{"error": message})
}
