package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/bloomware/voicechat/backend/internal/handler/chat"
	"github.com/bloomware/voicechat/backend/internal/handler/gateway"
	"github.com/bloomware/voicechat/backend/internal/handler/tools"
	"github.com/bloomware/voicechat/backend/pkg/utils"
)

// Routes 路由依赖，均已构建完成。
type Routes struct {
	Gateway *gateway.Gateway
	Chats   *chat.Handler
	Tools   *tools.Handler
	Logger  zerolog.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(routes Routes) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(routes.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
		if routes.Tools != nil {
			routes.Tools.RegisterRoutes(api)
		}
		if routes.Chats != nil {
			routes.Chats.RegisterRoutes(api)
		}
	})

	if routes.Gateway != nil {
		routes.Gateway.RegisterRoutes(r)
	}

	return r
}

// requestLogger 访问日志，WebSocket 连接在升级结束后才记录。
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("took", time.Since(start)).
				Msg("http request")
		})
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
