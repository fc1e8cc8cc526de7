package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	chathandler "github.com/zhouzirui/flow/backend/internal/handler/chat"
	wshandler "github.com/zhouzirui/flow/backend/internal/handler/ws"
	middlewarePkg "github.com/zhouzirui/flow/backend/internal/middleware"
	flowservice "github.com/zhouzirui/flow/backend/internal/service/flow"
)

// NewRouter wires HTTP routes to the aggregation service.
func NewRouter(flowSvc *flowservice.Service) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)
	r.Use(middlewarePkg.Session)

	chatHandler := chathandler.New(flowSvc)
	wsHandler := wshandler.New(flowSvc)

	r.Route("/api", func(api chi.Router) {
		chatHandler.RegisterRoutes(api)
		wsHandler.RegisterRoutes(api)
	})

	return r
}
