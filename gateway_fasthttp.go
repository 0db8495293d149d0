package netcall

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/valyala/fasthttp"
)

const gatewayPathPrefix = "/rpc/"

// HandleFastHTTP implements the gateway for valyala/fasthttp.
func (g *Gateway) HandleFastHTTP(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	if !strings.HasPrefix(path, gatewayPathPrefix) {
		ctx.Error("not found", http.StatusNotFound)
		return
	}
	if !ctx.IsPost() {
		ctx.Error("method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := path[len(gatewayPathPrefix):]
	args, err := decodeGatewayArgs(ctx.PostBody())
	if err != nil {
		ctx.Error("request body must be a JSON array", http.StatusBadRequest)
		return
	}
	result, err := g.Client.Call(name, args...)
	ctx.SetContentType("application/json")
	if err != nil {
		ctx.SetStatusCode(statusForError(err))
		body, _ := json.Marshal(gatewayResult{Error: excFromError(err)})
		ctx.SetBody(body)
		return
	}
	body, err := json.Marshal(gatewayResult{Result: result})
	if err != nil {
		ctx.Error(err.Error(), http.StatusInternalServerError)
		return
	}
	ctx.SetBody(body)
}
