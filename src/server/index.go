package server

// Server: read API over the latest optimization outcome, plus a trigger to re-run the sweep
// on the loaded series with a caller-supplied grid. Nothing is persisted.

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"mrs/src/columnar"
	"mrs/src/optimize"
	"mrs/src/series"
	"mrs/src/trades"
)

var errNoOutcome = errors.New("no optimization results yet")

type Server struct {
	prices  series.Series
	opt     *optimize.Optimizer
	hub     *Hub
	log     *zap.Logger
	running atomic.Bool

	mu      sync.RWMutex
	outcome *optimize.Outcome
}

// New serves prices through opt. The optimizer's progress callback is taken over by the
// server's websocket hub.
func New(prices series.Series, opt *optimize.Optimizer, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{prices: prices, opt: opt, hub: NewHub(log), log: log}
	opt.OnProgress(s.hub.Broadcast)
	return s
}

func (s *Server) Hub() *Hub { return s.hub }

// SetOutcome publishes out as the current result set.
func (s *Server) SetOutcome(out optimize.Outcome) {
	s.mu.Lock()
	s.outcome = &out
	s.mu.Unlock()
}

func (s *Server) current() (*optimize.Outcome, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.outcome, s.outcome != nil
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	r.GET("/healthz", s.handleHealth)
	api := r.Group("/api")
	{
		api.GET("/leaderboard", s.handleLeaderboard)
		api.GET("/best", s.handleBest)
		api.GET("/trades", s.handleTrades)
		api.GET("/trades/summary", s.handleTradeSummary)
		api.GET("/series", s.handleSeries)
		api.POST("/optimize", s.handleOptimize)
	}
	r.GET("/ws/progress", s.hub.serve)
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.log.Info("http server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// ===================== handlers =====================

func (s *Server) handleHealth(c *gin.Context) {
	_, ready := s.current()
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"ready":     ready,
		"running":   s.running.Load(),
		"days":      s.prices.Len(),
		"clients":   s.hub.Clients(),
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleLeaderboard(c *gin.Context) {
	out, ok := s.requireOutcome(c)
	if !ok {
		return
	}
	entries := out.Leaderboard
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		entries = optimize.Report{Leaderboard: entries}.Top(n)
	}
	c.JSON(http.StatusOK, gin.H{"run_id": out.RunID, "leaderboard": entries, "skipped": out.Skipped})
}

func (s *Server) handleBest(c *gin.Context) {
	out, ok := s.requireOutcome(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"run_id":         out.RunID,
		"search":         out.Best,
		"final_params":   out.Final.Params,
		"final_summary":  out.Final.Summary,
		"outperformance": out.Final.Summary.Outperformance(),
	})
}

func (s *Server) handleTrades(c *gin.Context) {
	out, ok := s.requireOutcome(c)
	if !ok {
		return
	}
	list := out.Trades
	if side := c.Query("side"); side != "" {
		list = lo.Filter(list, func(t trades.Trade, _ int) bool { return strings.EqualFold(string(t.Side), side) })
	}
	if list == nil {
		list = []trades.Trade{}
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleTradeSummary(c *gin.Context) {
	out, ok := s.requireOutcome(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, out.TradeSummary)
}

// seriesRow joins the signal and simulation record of one day for charting.
type seriesRow struct {
	Date          string  `json:"date"`
	Close         float64 `json:"close"`
	Mean          float64 `json:"mean"`
	UpperBand     float64 `json:"upper_band"`
	LowerBand     float64 `json:"lower_band"`
	ZScore        float64 `json:"z_score"`
	RawSignal     int     `json:"raw_signal"`
	EntryMarker   bool    `json:"entry_marker"`
	Position      float64 `json:"position"`
	NetReturn     float64 `json:"net_return"`
	Equity        float64 `json:"equity"`
	BuyHoldEquity float64 `json:"buy_hold_equity"`
	Drawdown      float64 `json:"drawdown"`
}

// handleSeries returns JSON rows, or an Arrow IPC stream when the client asks for one.
func (s *Server) handleSeries(c *gin.Context) {
	out, ok := s.requireOutcome(c)
	if !ok {
		return
	}
	res := out.Final
	if strings.Contains(c.GetHeader("Accept"), columnar.ContentType) {
		c.Header("Content-Type", columnar.ContentType)
		c.Status(http.StatusOK)
		if err := columnar.Encode(c.Writer, res); err != nil {
			s.log.Error("arrow series encode", zap.Error(err))
			_ = c.Error(err)
		}
		return
	}
	if len(res.Signals) != len(res.Series) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": columnar.ErrMisaligned.Error()})
		return
	}
	rows := make([]seriesRow, len(res.Series))
	for i, sim := range res.Series {
		sig := res.Signals[i]
		rows[i] = seriesRow{
			Date:          sim.Date.Format("2006-01-02"),
			Close:         sim.Close,
			Mean:          sig.Mean,
			UpperBand:     sig.UpperBand,
			LowerBand:     sig.LowerBand,
			ZScore:        sig.ZScore,
			RawSignal:     sig.RawSignal,
			EntryMarker:   sig.EntryMarker,
			Position:      sim.Position,
			NetReturn:     sim.NetReturn,
			Equity:        sim.Equity,
			BuyHoldEquity: sim.BuyHoldEquity,
			Drawdown:      sim.Drawdown,
		}
	}
	c.JSON(http.StatusOK, gin.H{"run_id": out.RunID, "params": res.Params, "rows": rows})
}

// handleOptimize runs a fresh sweep over the loaded prices. One sweep at a time.
func (s *Server) handleOptimize(c *gin.Context) {
	var g optimize.Grid
	if err := c.ShouldBindJSON(&g); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if g.Size() == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "grid needs at least one window, z_entry and z_exit"})
		return
	}
	if !s.running.CompareAndSwap(false, true) {
		c.JSON(http.StatusConflict, gin.H{"error": "an optimization is already running"})
		return
	}
	defer s.running.Store(false)

	out, err := s.opt.Optimize(s.prices, g)
	switch {
	case errors.Is(err, optimize.ErrNoValidConfiguration):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "run_id": out.RunID, "skipped": out.Skipped})
		return
	case err != nil:
		s.log.Error("optimize request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.SetOutcome(out)
	c.JSON(http.StatusOK, gin.H{
		"run_id":        out.RunID,
		"evaluated":     len(out.Leaderboard),
		"skipped":       len(out.Skipped),
		"best":          out.Best,
		"final_summary": out.Final.Summary,
		"trades":        len(out.Trades),
		"elapsed_ms":    out.Elapsed.Milliseconds(),
	})
}

func (s *Server) requireOutcome(c *gin.Context) (*optimize.Outcome, bool) {
	out, ok := s.current()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": errNoOutcome.Error()})
	}
	return out, ok
}
