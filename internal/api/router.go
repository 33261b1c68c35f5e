package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/almasraf/blocking-service/internal/handler"
	"github.com/almasraf/blocking-service/internal/infrastructure/auth"
	"github.com/almasraf/blocking-service/internal/infrastructure/redis"
	"github.com/almasraf/blocking-service/internal/models"
	"github.com/almasraf/blocking-service/internal/repository"
	service "github.com/almasraf/blocking-service/internal/services"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func init() {
	prometheus.MustRegister(RequestCounter, RequestDuration)
}

func SetupRouter(
	h *handler.Handler,
	permissionService service.PermissionService,
	userRepo repository.UserRepository,
	redisClient redis.RedisClient,
	jwtSecret string,
) *mux.Router {
	r := mux.NewRouter()
	r.Use(metricsMiddleware)

	r.HandleFunc("/login", h.Login).Methods("POST")
	r.Handle("/metrics", promhttp.Handler())

	authed := r.NewRoute().Subrouter()
	authed.Use(auth.AuthMiddleware(redisClient, jwtSecret))
	authed.Use(activityMiddleware(userRepo))

	authed.HandleFunc("/transactions/escalated", h.ListEscalated).Methods("GET")
	authed.HandleFunc("/transactions/stats", h.Stats).Methods("GET")
	authed.HandleFunc("/transactions/mine", h.MyTransactions).Methods("GET")
	authed.HandleFunc("/transactions/{id:[0-9]+}", h.GetTransaction).Methods("GET")
	authed.HandleFunc("/transactions/{id:[0-9]+}/flows", h.FlowHistory).Methods("GET")

	gate := func(permission string, next http.HandlerFunc) http.Handler {
		return auth.RequirePermission(permissionService, permission)(next)
	}

	authed.Handle("/transactions/{id:[0-9]+}/approve", gate(models.PermApproveTransactions, h.Approve)).Methods("POST")
	authed.Handle("/transactions/{id:[0-9]+}/reject", gate(models.PermApproveTransactions, h.Reject)).Methods("POST")
	authed.Handle("/transactions/{id:[0-9]+}/escalate", gate(models.PermEscalateTransactions, h.Escalate)).Methods("POST")
	authed.Handle("/transactions", gate(models.PermManageTransactions, h.ListTransactions)).Methods("GET")
	authed.Handle("/transactions/{id:[0-9]+}", gate(models.PermManageTransactions, h.Delete)).Methods("DELETE")
	authed.Handle("/transactions/{id:[0-9]+}/flows", gate(models.PermManageTransactions, h.AppendFlow)).Methods("POST")
	authed.Handle("/transactions/ingest", gate(models.PermManageTransactions, h.Ingest)).Methods("POST")
	authed.Handle("/users/{id:[0-9]+}/permissions/sync", gate(models.PermManageUsers, h.SyncUserPermissions)).Methods("POST")
	authed.Handle("/users/{id:[0-9]+}/permissions", gate(models.PermManageUsers, h.UserPermissions)).Methods("GET")

	return r
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		endpoint := r.URL.Path
		method := r.Method

		recorder := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		status := fmt.Sprintf("%d", recorder.status)
		RequestCounter.WithLabelValues(method, endpoint, status).Inc()
		RequestDuration.WithLabelValues(method, endpoint).Observe(time.Since(start).Seconds())
	})
}

// activityMiddleware marks the caller online after each authenticated
// request. Failures only get logged.
func activityMiddleware(userRepo repository.UserRepository) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
			if userID, ok := r.Context().Value("user_id").(int64); ok {
				if err := userRepo.TouchActivity(r.Context(), userID, models.ActivityOnline); err != nil {
					slog.Error("failed to touch user activity", "user_id", userID, "error", err)
				}
			}
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}
