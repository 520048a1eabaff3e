package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"bms-simulator/bms"
)

// NewRouter wires the /ecu routes onto a gin engine.
func NewRouter(sim *bms.Simulation) *gin.Engine {
	h := NewECUHandler(sim)

	router := gin.New()
	router.Use(gin.Recovery())

	ecu := router.Group("/ecu")
	{
		ecu.POST("/start", h.Start)
		ecu.POST("/stop", h.Stop)
		ecu.GET("/status", h.Status)
		ecu.GET("/state/:field", h.State)
		ecu.GET("/cell/:id/voltage", h.GetCellVoltage)
		ecu.PUT("/cell/:id/voltage", h.PutCellVoltage)
		ecu.GET("/cell/:id/temperature", h.GetCellTemperature)
		ecu.PUT("/cell/:id/temperature", h.PutCellTemperature)
		ecu.POST("/charge", h.Charge)
		ecu.POST("/balance", h.Balance)
		ecu.GET("/faults", h.Faults)
		ecu.POST("/dtc/clear", h.ClearDTC)
	}
	router.GET("/health", h.Health)

	return router
}

// Server runs the HTTP binding with graceful shutdown.
type Server struct {
	srv    *http.Server
	logger *bms.Logger
}

func NewServer(addr string, sim *bms.Simulation, logger *bms.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:    addr,
			Handler: NewRouter(sim),
		},
		logger: logger,
	}
}

// Start serves in a background goroutine until Stop.
func (s *Server) Start() {
	go func() {
		s.logger.Infof("HTTP server listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("HTTP server failed: %v", err)
		}
	}()
}

// Stop drains in-flight requests, bounded at 5 seconds.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warnf("HTTP shutdown incomplete: %v", err)
	}
}
