package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/mem"

	"foundrygate/internal/chat"
	"foundrygate/internal/sse"
	"foundrygate/pkg/types"
)

// ControlPlane is the slice of the CLI wrapper the read-only endpoints
// consume directly. Listings bypass the residency controller so they never
// queue behind a load in flight.
type ControlPlane interface {
	ListCatalog(ctx context.Context) ([]types.CatalogModel, error)
	ListCached(ctx context.Context) ([]types.CacheEntry, error)
	ServiceStatus(ctx context.Context) (string, error)
	RemoveCached(ctx context.Context, modelID string) (string, error)
}

// Residency serializes loads against the engine's single model slot.
type Residency interface {
	EnsureResident(ctx context.Context, alias, modelID string, ch sse.Sender) (string, error)
	Resident() (alias, modelID string, ok bool)
}

// Downloads runs pull jobs sequentially and retains their lifetime state.
type Downloads interface {
	Run(ctx context.Context, aliases []string, ch sse.Sender) error
	Jobs() []types.DownloadJobStatus
}

// Chat relays completions through the engine's OpenAI-compatible surface.
type Chat interface {
	Stream(ctx context.Context, sessionID, alias, message string, ch sse.Sender) error
}

// Services bundles the collaborators required by the HTTP API layer.
type Services struct {
	Control   ControlPlane
	Residency Residency
	Downloads Downloads
	Chat      Chat
	Sessions  *chat.SessionStore
}

// lazyStream defers the SSE handshake until the first event. Failures
// before any frame was written can then fall back to a plain JSON error
// with a real status code; failures after that become a terminal error
// frame on the stream.
type lazyStream struct {
	w        http.ResponseWriter
	endpoint string
	stream   *sse.Stream
}

func (l *lazyStream) Send(v any) error {
	if l.stream == nil {
		s, err := sse.Open(l.w, l.endpoint)
		if err != nil {
			return err
		}
		l.stream = s
	}
	return l.stream.Send(v)
}

func (l *lazyStream) opened() bool { return l.stream != nil }

// NewMux builds the chi router serving the gateway API.
func NewMux(svc Services) http.Handler {
	start := time.Now()

	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// Compression for JSON endpoints; SSE responses opt out via their
	// content type.
	r.Use(middleware.Compress(5))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}

	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		entries, err := svc.Control.ListCached(r.Context())
		if err != nil {
			writeJSONError(w, mapError(err), err.Error())
			return
		}
		if entries == nil {
			entries = []types.CacheEntry{}
		}
		writeJSON(w, types.CachedModelsResponse{Models: entries})
	})

	r.Get("/server-models", func(w http.ResponseWriter, r *http.Request) {
		models, err := svc.Control.ListCatalog(r.Context())
		if err != nil {
			writeJSONError(w, mapError(err), err.Error())
			return
		}
		if models == nil {
			models = []types.CatalogModel{}
		}
		writeJSON(w, types.CatalogResponse{Models: models})
	})

	r.Get("/load", func(w http.ResponseWriter, r *http.Request) {
		modelID := strings.TrimSpace(r.URL.Query().Get("modelId"))
		if modelID == "" {
			writeJSONError(w, http.StatusBadRequest, "modelId is required")
			return
		}
		alias := strings.TrimSpace(r.URL.Query().Get("alias"))
		if alias == "" {
			alias = modelID
		}
		lvl := requestLogLevel(r)
		reqStart := time.Now()
		if lvl >= LevelInfo {
			if e := infoLog(r); e != nil {
				e.Str("alias", alias).Str("model_id", modelID).Msg("load start")
			}
		}
		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		stream := &lazyStream{w: w, endpoint: "load"}
		if _, err := svc.Residency.EnsureResident(ctx, alias, modelID, stream); err != nil {
			if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
				return
			}
			if stream.opened() {
				_ = stream.Send(types.LoadEvent{Error: err.Error()})
			} else {
				writeJSONError(w, mapError(err), err.Error())
			}
			if lvl >= LevelError {
				if e := errorLog(r); e != nil {
					e.Str("alias", alias).Dur("dur", time.Since(reqStart)).Err(err).Msg("load end")
				}
			}
			return
		}
		if lvl >= LevelInfo {
			if e := infoLog(r); e != nil {
				e.Str("alias", alias).Dur("dur", time.Since(reqStart)).Msg("load end")
			}
		}
	})

	r.Get("/download", func(w http.ResponseWriter, r *http.Request) {
		aliases := splitAliases(r.URL.Query().Get("aliases"))
		if len(aliases) == 0 {
			writeJSONError(w, http.StatusBadRequest, "aliases is required")
			return
		}
		lvl := requestLogLevel(r)
		reqStart := time.Now()
		if lvl >= LevelInfo {
			if e := infoLog(r); e != nil {
				e.Strs("aliases", aliases).Msg("download start")
			}
		}
		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		stream := &lazyStream{w: w, endpoint: "download"}
		if err := svc.Downloads.Run(ctx, aliases, stream); err != nil {
			// Run only fails on cancellation; the client is gone.
			return
		}
		if lvl >= LevelInfo {
			if e := infoLog(r); e != nil {
				e.Strs("aliases", aliases).Dur("dur", time.Since(reqStart)).Msg("download end")
			}
		}
	})

	r.Get("/chat", func(w http.ResponseWriter, r *http.Request) {
		message := r.URL.Query().Get("message")
		if strings.TrimSpace(message) == "" {
			writeJSONError(w, http.StatusBadRequest, "message is required")
			return
		}
		model := strings.TrimSpace(r.URL.Query().Get("model"))
		if model == "" {
			writeJSONError(w, http.StatusBadRequest, "model is required")
			return
		}
		session := r.URL.Query().Get("session")
		lvl := requestLogLevel(r)
		reqStart := time.Now()
		if lvl >= LevelInfo {
			if e := infoLog(r); e != nil {
				e.Str("model", model).Msg("chat start")
			}
		}
		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		stream := &lazyStream{w: w, endpoint: "chat"}
		if err := svc.Chat.Stream(ctx, session, model, message, stream); err != nil {
			if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
				return
			}
			if stream.opened() {
				_ = stream.Send(types.ChatEvent{Error: err.Error()})
			} else {
				writeJSONError(w, mapError(err), err.Error())
			}
			if lvl >= LevelError {
				if e := errorLog(r); e != nil {
					e.Str("model", model).Dur("dur", time.Since(reqStart)).Err(err).Msg("chat end")
				}
			}
			return
		}
		if lvl >= LevelInfo {
			if e := infoLog(r); e != nil {
				e.Str("model", model).Dur("dur", time.Since(reqStart)).Msg("chat end")
			}
		}
	})

	r.Get("/chat/history", func(w http.ResponseWriter, r *http.Request) {
		session := svc.Sessions.Resolve(r.URL.Query().Get("session"))
		msgs := svc.Sessions.History(session)
		if msgs == nil {
			msgs = []types.ChatMessage{}
		}
		writeJSON(w, types.ChatHistoryResponse{Session: session, Messages: msgs})
	})

	r.Post("/chat/session", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, types.NewSessionResponse{SessionID: svc.Sessions.NewSession()})
	})

	r.Post("/cache-remove", func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req types.CacheRemoveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		modelID := strings.TrimSpace(req.ModelID)
		if modelID == "" {
			alias := strings.TrimSpace(req.Alias)
			if alias == "" {
				writeJSONError(w, http.StatusBadRequest, "modelId or alias is required")
				return
			}
			entries, err := svc.Control.ListCached(r.Context())
			if err != nil {
				writeJSONError(w, mapError(err), err.Error())
				return
			}
			for _, e := range entries {
				if e.Alias == alias || e.ModelID == alias {
					modelID = e.ModelID
					break
				}
			}
			if modelID == "" {
				writeJSONError(w, http.StatusNotFound, "model not found in cache: "+alias)
				return
			}
		}
		warning, err := svc.Control.RemoveCached(r.Context(), modelID)
		if err != nil {
			writeJSONError(w, mapError(err), err.Error())
			return
		}
		if e := infoLog(r); e != nil {
			e.Str("model_id", modelID).Msg("cache remove")
		}
		writeJSON(w, types.CacheRemoveResponse{Removed: modelID, Warning: warning})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		resp := types.StatusResponse{
			Downloads:     svc.Downloads.Jobs(),
			UptimeSeconds: int64(time.Since(start).Seconds()),
		}
		if resp.Downloads == nil {
			resp.Downloads = []types.DownloadJobStatus{}
		}
		sctx, cancel := context.WithTimeout(r.Context(), statusProbeTimeout)
		defer cancel()
		if url, err := svc.Control.ServiceStatus(sctx); err == nil {
			resp.ServiceURL = url
		}
		if alias, modelID, ok := svc.Residency.Resident(); ok {
			resp.ResidentAlias = alias
			resp.ResidentModelID = modelID
		}
		if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
			resp.HostMemoryTotalMB = vm.Total / (1 << 20)
			resp.HostMemoryAvailableMB = vm.Available / (1 << 20)
		}
		writeJSON(w, resp)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		rctx, cancel := context.WithTimeout(r.Context(), statusProbeTimeout)
		defer cancel()
		if _, err := svc.Control.ServiceStatus(rctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("engine unreachable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)

	return r
}

// statusProbeTimeout bounds the CLI round-trip behind /status and /readyz
// so a hung engine cannot wedge the health surface.
const statusProbeTimeout = 5 * time.Second

// splitAliases parses the comma-separated aliases query parameter.
func splitAliases(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// writeJSON writes v as a JSON response body.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}
