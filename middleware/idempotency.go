package middleware

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"loyaltyd/models"
)

// ContextKeyIDKey stores the idempotency key associated with the request.
type ContextKeyIDKey string

const contextKeyIdempotency ContextKeyIDKey = "idempotency-key"

// WithIdempotency ensures requests carrying the same Idempotency-Key header
// are executed once; replays receive the stored response verbatim. The key row
// is inserted before the handler runs, so the primary key arbitrates between
// concurrent duplicates: exactly one request executes, the loser replays the
// stored response or reports the in-flight original.
func WithIdempotency(db *gorm.DB, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		reservation := models.IdempotencyKey{
			Key:       key,
			RequestID: uuid.NewString(),
			Method:    r.Method,
			Path:      r.URL.Path,
			CreatedAt: time.Now(),
		}
		if err := db.Create(&reservation).Error; err != nil {
			var record models.IdempotencyKey
			if lookupErr := db.First(&record, "key = ?", key).Error; lookupErr != nil {
				next.ServeHTTP(w, r)
				return
			}
			if record.Status == 0 {
				writeConflict(w)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(record.Status)
			_, _ = io.WriteString(w, record.Response)
			return
		}

		recorder := &responseRecorder{ResponseWriter: w}
		ctx := context.WithValue(r.Context(), contextKeyIdempotency, key)
		next.ServeHTTP(recorder, r.WithContext(ctx))

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		_ = db.Model(&models.IdempotencyKey{}).
			Where("key = ?", key).
			Updates(map[string]interface{}{"status": status, "response": recorder.buf}).Error
	})
}

func writeConflict(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusConflict)
	_, _ = io.WriteString(w, SerializeResponse(map[string]string{
		"code":    "idempotency_in_flight",
		"message": "a request with this idempotency key is still executing",
	}))
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    string
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf += string(b)
	return rr.ResponseWriter.Write(b)
}

// SerializeResponse renders the payload saved as the idempotent response.
func SerializeResponse(v any) string {
	data, _ := json.Marshal(v)
	return string(data)
}
