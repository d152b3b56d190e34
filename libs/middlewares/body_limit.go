package middlewares

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// BodyLimitMiddleware caps request bodies at maxBytes.
//
// A declared Content-Length over the cap is answered with 413 before the handler runs.
// Chunked bodies are cut off while the handler reads them, which fails its JSON decode.
func BodyLimitMiddleware(maxBytes int64, logger *zap.Logger) func(http.Handler) http.Handler {
	message := fmt.Sprintf("request body exceeds %d bytes", maxBytes)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				logger.Warn("request body too large",
					zap.String("request_id", GetRequestID(r.Context())),
					zap.String("path", r.URL.Path),
					zap.Int64("content_length", r.ContentLength),
					zap.Int64("limit", maxBytes),
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusRequestEntityTooLarge)
				json.NewEncoder(w).Encode(map[string]string{"error": message})
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
