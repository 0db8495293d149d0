// gateway.go

// Gateway exposes registered procedures to plain HTTP peers: POST
// /rpc/:name with a JSON array of arguments invokes the procedure
// through an attached Client and returns the result as JSON. Values
// cross the RPC leg through the client's configured serializer; the
// HTTP leg is always JSON.

package netcall

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Gateway bridges HTTP requests to RPC calls on a Client.
type Gateway struct {
	Client *Client
	router *httprouter.Router
}

// NewGateway returns a Gateway invoking procedures through c.
func NewGateway(c *Client) *Gateway {
	g := &Gateway{Client: c}
	g.router = httprouter.New()
	g.router.POST("/rpc/:name", g.handleCall)
	return g
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

type gatewayResult struct {
	Result interface{}      `json:"result,omitempty"`
	Error  *RemoteException `json:"error,omitempty"`
}

// statusForError maps the RPC error taxonomy onto HTTP status codes.
func statusForError(err error) int {
	switch errors.Cause(err).(type) {
	case NoSuchMethodError:
		return http.StatusNotFound
	case TimeoutError:
		return http.StatusGatewayTimeout
	case TransportError:
		return http.StatusBadGateway
	case SerializationError:
		return http.StatusBadRequest
	case SessionBusyError:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decodeGatewayArgs parses the request body as a JSON argument array.
// An empty body means no arguments.
func decodeGatewayArgs(body []byte) (args []interface{}, err error) {
	if len(body) == 0 {
		return nil, nil
	}
	err = json.Unmarshal(body, &args)
	return
}

func (g *Gateway) handleCall(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	args, err := decodeGatewayArgs(body)
	if err != nil {
		http.Error(w, "request body must be a JSON array", http.StatusBadRequest)
		return
	}
	name := ps.ByName("name")
	result, err := g.Client.Call(name, args...)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(statusForError(err))
		if encErr := json.NewEncoder(w).Encode(gatewayResult{Error: excFromError(err)}); encErr != nil {
			log.WithError(encErr).Debug("netcall: gateway error encode failed")
		}
		return
	}
	if err = json.NewEncoder(w).Encode(gatewayResult{Result: result}); err != nil {
		log.WithError(err).WithField("proc", name).Debug("netcall: gateway response write failed")
	}
}
