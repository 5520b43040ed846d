package kit

import (
	"encoding/json"
	"errors"
	"net/http"
)

// ErrBadRequest marks decode failures answered with 400.
var ErrBadRequest = errors.New("bad request")

// HTTPHandler serves an Endpoint. decode builds the request from r; its
// errors answer 400, endpoint errors 422. The response is JSON.
func HTTPHandler(endpoint Endpoint, decode func(*http.Request) (any, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithTransport(r.Context(), "http")
		if id := r.Header.Get("X-Request-Id"); id != "" {
			ctx = WithRequestID(ctx, id)
		}
		if id := r.Header.Get("X-Session-Id"); id != "" {
			ctx = WithSessionID(ctx, id)
		}

		req, err := decode(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err)
			return
		}
		resp, err := endpoint(ctx, req)
		if err != nil {
			status := http.StatusUnprocessableEntity
			if errors.Is(err, ErrBadRequest) {
				status = http.StatusBadRequest
			}
			WriteError(w, status, err)
			return
		}
		WriteJSON(w, http.StatusOK, resp)
	})
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError writes {"error": msg}.
func WriteError(w http.ResponseWriter, status int, err error) {
	WriteJSON(w, status, map[string]string{"error": err.Error()})
}
