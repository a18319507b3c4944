package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"marketfeed/book"
	"marketfeed/candles"
	appconfig "marketfeed/config"
	"marketfeed/feed"
	"marketfeed/logger"
)

// Server hosts the Gin-powered health and inspection API. It is a read-only
// surface over the feed client, the orderbook mirror and the candle
// aggregator, intended for operators and external liveness probes.
type Server struct {
	cfg        appconfig.DashboardConfig
	log        *logger.Log
	client     *feed.Client
	books      *book.Manager
	aggregator *candles.Aggregator
	httpServer *http.Server
	started    time.Time
}

// NewServer constructs a dashboard server when the dashboard feature is
// enabled. When the dashboard is disabled the returned server will be nil.
func NewServer(cfg appconfig.DashboardConfig, client *feed.Client, books *book.Manager, aggregator *candles.Aggregator) *Server {
	if !cfg.Enabled {
		return nil
	}
	cfg.Address = normalizeAddress(cfg.Address)
	return &Server{
		cfg:        cfg,
		log:        logger.GetLogger(),
		client:     client,
		books:      books,
		aggregator: aggregator,
		started:    time.Now(),
	}
}

// Run starts the dashboard HTTP server and blocks until the provided context
// is cancelled or the underlying HTTP server exits with an error.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	s.log.WithComponent("dashboard").WithFields(logger.Fields{"address": s.cfg.Address}).Info("dashboard listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

// Address reports the network address the dashboard server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", s.handleHealth)
	router.GET("/api/feed", s.handleFeed)
	router.GET("/api/orderbooks", s.handleOrderbooks)
	router.GET("/api/orderbooks/:symbol", s.handleOrderbook)
	router.GET("/api/orderbooks/:symbol/liquidity", s.handleLiquidity)
	router.GET("/api/candles/:symbol/:timeframe", s.handleCandles)

	return router, nil
}

// handleHealth is the liveness probe: 200 while the feed is connected or
// still retrying, 503 once the connection has permanently failed.
func (s *Server) handleHealth(c *gin.Context) {
	state := s.client.State()
	status := http.StatusOK
	if state == feed.StateFailed {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"state":  state.String(),
		"uptime": time.Since(s.started).String(),
	})
}

func (s *Server) handleFeed(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connection":    s.client.Stats(),
		"subscriptions": s.client.Subscriptions(),
	})
}

func (s *Server) handleOrderbooks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"stats":  s.books.Statistics(),
		"health": s.books.HealthBySymbol(),
	})
}

func (s *Server) handleOrderbook(c *gin.Context) {
	symbol := c.Param("symbol")
	snapshot, ok := s.books.GetSnapshot(symbol)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "symbol not tracked"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) handleLiquidity(c *gin.Context) {
	symbol := c.Param("symbol")
	size, side, err := parseLiquidityQuery(c.Query("size"), c.Query("side"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.books.GetBook(symbol) == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "symbol not tracked"})
		return
	}
	c.JSON(http.StatusOK, s.books.AnalyzeLiquidity(symbol, size, side))
}

func (s *Server) handleCandles(c *gin.Context) {
	symbol := c.Param("symbol")
	timeframe := c.Param("timeframe")
	if _, ok := appconfig.ValidTimeframes[timeframe]; !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown timeframe"})
		return
	}

	count := 50
	if v := c.Query("count"); v != "" {
		if parsed, err := parseCount(v); err == nil {
			count = parsed
		}
	}

	payload := gin.H{
		"completed": s.aggregator.GetCandles(symbol, timeframe, count),
	}
	if current := s.aggregator.GetCurrentCandle(symbol, timeframe); current != nil {
		payload["current"] = current
	}
	c.JSON(http.StatusOK, payload)
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
