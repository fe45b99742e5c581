// Copyright 2025 AxonFlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"axonflow/gateway/audit"
	"axonflow/gateway/cost"
	"axonflow/gateway/llm"
	"axonflow/gateway/shared/logger"
)

// ServerOptions wires the HTTP surface. Pipeline is the only hard
// requirement; admin routes mount only when their collaborator and a
// JWT secret are present.
type ServerOptions struct {
	Pipeline    *Pipeline
	Registry    *Registry
	Permissions PermissionStore
	Providers   *llm.Manager
	Audit       audit.Logger
	Costs       *cost.Tracker
	Pools       *PoolManager
	Limiter     AgentLimiter

	Addr        string
	TLSCertFile string
	TLSKeyFile  string
	CORSOrigins []string

	// JWTSecret signs admin bearer tokens. Empty disables /admin.
	JWTSecret []byte
	TokenTTL  time.Duration

	MetricsEnabled bool
	MetricsPath    string

	Logger *logger.Logger
}

// Server hosts the ingress contract and the management API. It is a
// thin shell: decode, call the pipeline or a collaborator, encode. HTTP
// status mapping lives here, not in the core.
type Server struct {
	opts   ServerOptions
	router *mux.Router
	http   *http.Server
	log    *logger.Logger
}

// NewServer builds the router. Call Start to begin serving.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Pipeline == nil {
		return nil, NewConfigError("server requires a pipeline")
	}
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = logger.New("server")
	}

	s := &Server{
		opts:   opts,
		router: mux.NewRouter(),
		log:    opts.Logger,
	}
	s.routes()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           c.Handler(s.router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until the listener fails or Shutdown runs. It returns
// the ListenAndServe error, with http.ErrServerClosed filtered out.
func (s *Server) Start() error {
	s.log.Info("", "", "listening", map[string]interface{}{"addr": s.opts.Addr})
	var err error
	if s.opts.TLSCertFile != "" && s.opts.TLSKeyFile != "" {
		err = s.http.ListenAndServeTLS(s.opts.TLSCertFile, s.opts.TLSKeyFile)
	} else {
		err = s.http.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.healthHandler).Methods("GET")
	if s.opts.MetricsEnabled {
		s.router.Handle(s.opts.MetricsPath, promhttp.Handler()).Methods("GET")
	}

	s.router.HandleFunc("/api/query", s.queryHandler).Methods("POST")

	if len(s.opts.JWTSecret) == 0 {
		return
	}
	admin := s.router.PathPrefix("/admin").Subrouter()
	admin.Use(s.adminAuth)

	if s.opts.Registry != nil {
		admin.HandleFunc("/agents", s.listAgentsHandler).Methods("GET")
		admin.HandleFunc("/agents", s.registerAgentHandler).Methods("POST")
		admin.HandleFunc("/agents/{id}", s.getAgentHandler).Methods("GET")
		admin.HandleFunc("/agents/{id}", s.revokeAgentHandler).Methods("DELETE")
		admin.HandleFunc("/agents/{id}/rotate-key", s.rotateKeyHandler).Methods("POST")
		admin.HandleFunc("/agents/{id}/database", s.updateDatabaseHandler).Methods("PUT")
	}
	if s.opts.Permissions != nil {
		admin.HandleFunc("/agents/{id}/permissions", s.listPermissionsHandler).Methods("GET")
		admin.HandleFunc("/agents/{id}/permissions", s.setPermissionHandler).Methods("PUT")
		admin.HandleFunc("/agents/{id}/permissions", s.revokePermissionHandler).Methods("DELETE")
	}
	if s.opts.Limiter != nil {
		admin.HandleFunc("/agents/{id}/rate-limit/reset", s.resetRateLimitHandler).Methods("POST")
	}
	if s.opts.Providers != nil {
		admin.HandleFunc("/providers", s.listProvidersHandler).Methods("GET")
		admin.HandleFunc("/providers", s.registerProviderHandler).Methods("POST")
		admin.HandleFunc("/providers/{id}", s.updateProviderHandler).Methods("PUT")
		admin.HandleFunc("/providers/{id}", s.removeProviderHandler).Methods("DELETE")
		admin.HandleFunc("/providers/{id}/history", s.providerHistoryHandler).Methods("GET")
		admin.HandleFunc("/providers/{id}/rollback", s.rollbackProviderHandler).Methods("POST")
		admin.HandleFunc("/failover-groups", s.listGroupsHandler).Methods("GET")
		admin.HandleFunc("/failover-groups/{agent_id}", s.setGroupHandler).Methods("PUT")
		admin.HandleFunc("/failover-groups/{agent_id}", s.removeGroupHandler).Methods("DELETE")
	}
	if s.opts.Audit != nil {
		admin.HandleFunc("/audit", s.searchAuditHandler).Methods("GET")
	}
	if s.opts.Costs != nil {
		admin.HandleFunc("/costs", s.aggregateCostsHandler).Methods("GET")
		admin.HandleFunc("/costs/stream", s.streamCostsHandler).Methods("GET")
	}
}

// adminAuth requires a bearer token signed with the admin secret and an
// admin role claim.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, found := strings.CutPrefix(header, "Bearer ")
		if !found || raw == "" {
			writeJSONError(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return s.opts.JWTSecret, nil
		})
		if err != nil || !token.Valid {
			writeJSONError(w, "invalid token", http.StatusUnauthorized)
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok || claims["role"] != "admin" {
			writeJSONError(w, "admin role required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IssueAdminToken mints an HMAC admin token, used by operator tooling
// and tests.
func IssueAdminToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  subject,
		"role": "admin",
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	})
	return token.SignedString(secret)
}

// httpStatusFor maps the error taxonomy onto HTTP statuses.
func httpStatusFor(kind ErrorKind) int {
	switch kind {
	case KindAuth, KindRevoked:
		return http.StatusUnauthorized
	case KindPermissionDenied, KindBlocked:
		return http.StatusForbidden
	case KindParse, KindGeneration, KindSchemaUnknown, KindExecute, KindConfig:
		return http.StatusBadRequest
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindPoolTimeout, KindConnect:
		return http.StatusServiceUnavailable
	case KindProviderUnavailable:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
