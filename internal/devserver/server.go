// Package devserver is a local stand-in for a paid API: it gates routes
// behind x402 challenges, settles them with opaque single-use proofs and
// accepts resource registrations. It backs the end-to-end tests and the
// devserver command.
package devserver

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	x402 "github.com/x402-foundation/paidfetch"
	"github.com/x402-foundation/paidfetch/pkg/config"
	"github.com/x402-foundation/paidfetch/pkg/logger"
)

// DefaultWalletAddress is reported as the payer of every settlement
const DefaultWalletAddress = "11111111111111111111111111111111"

// Options configures the server
type Options struct {
	PayTo       string
	Networks    []string
	Amount      decimal.Decimal
	Description string
	// ResourceRootURL prefixes the request path in the advertised resource;
	// empty uses the request's own origin
	ResourceRootURL string
	OutputSchema    map[string]interface{}
	SettlementPath  string
	RegisterPath    string
	ProofTTL        time.Duration
	Logger          logger.Logger
}

// Option is the type for the options for the Server.
type Option func(*Options)

func WithPayTo(payTo string) Option {
	return func(o *Options) {
		o.PayTo = payTo
	}
}

// WithNetworks sets the offered networks, in challenge order
func WithNetworks(networks ...string) Option {
	return func(o *Options) {
		o.Networks = networks
	}
}

// WithAmount sets the price in whole token units (ex: 0.01 for 1 cent)
func WithAmount(amount decimal.Decimal) Option {
	return func(o *Options) {
		o.Amount = amount
	}
}

func WithDescription(description string) Option {
	return func(o *Options) {
		o.Description = description
	}
}

func WithResourceRootURL(root string) Option {
	return func(o *Options) {
		o.ResourceRootURL = root
	}
}

// WithOutputSchema sets the discovery schema advertised with each requirement
func WithOutputSchema(schema map[string]interface{}) Option {
	return func(o *Options) {
		o.OutputSchema = schema
	}
}

func WithSettlementPath(path string) Option {
	return func(o *Options) {
		o.SettlementPath = path
	}
}

func WithRegisterPath(path string) Option {
	return func(o *Options) {
		o.RegisterPath = path
	}
}

func WithProofTTL(ttl time.Duration) Option {
	return func(o *Options) {
		o.ProofTTL = ttl
	}
}

func WithLogger(l logger.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// SettleRecord is a settle request as the server received it
type SettleRecord struct {
	Requirement map[string]interface{} `json:"requirement"`
	X402Version int                    `json:"x402Version"`
	Metadata    map[string]interface{} `json:"metadata"`
	Request     struct {
		Method string `json:"method"`
		URL    string `json:"url"`
	} `json:"request"`
	Header http.Header `json:"-"`
}

// Registration is a resource registration as the server received it
type Registration struct {
	ResourceURL    string                 `json:"resourceUrl" binding:"required"`
	Response       interface{}            `json:"response"`
	FacilitatorURL string                 `json:"facilitatorUrl"`
	PayTo          string                 `json:"payTo"`
	Metadata       map[string]interface{} `json:"metadata"`
	Authorization  string                 `json:"-"`
}

// Server is the mock paid API
type Server struct {
	opts   Options
	engine *gin.Engine
	ledger *ledger

	mu             sync.Mutex
	settles        []SettleRecord
	registrations  []Registration
	failSettlement int
}

// New creates a server with its routes installed
func New(opts ...Option) *Server {
	options := Options{
		Networks:       []string{x402.NetworkSolana, "base"},
		Amount:         decimal.RequireFromString("0.001"),
		Description:    "devserver paid resource",
		SettlementPath: config.DefaultSettlementPath,
		RegisterPath:   config.DefaultRegisterPath,
		ProofTTL:       5 * time.Minute,
		PayTo:          DefaultWalletAddress,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Logger == nil {
		options.Logger = logger.NoopLogger{}
	}

	s := &Server{
		opts:   options,
		ledger: newLedger(options.ProofTTL),
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.POST(options.SettlementPath, s.handleSettle)
	engine.POST(options.RegisterPath, s.handleRegister)

	paid := engine.Group("/paid", s.paywall())
	paid.Any("/*path", s.handleResource)

	s.engine = engine
	return s
}

// Handler returns the HTTP handler serving every route
func (s *Server) Handler() http.Handler {
	return s.engine
}

// FailSettlements makes the settle endpoint answer with status until
// called again with 0.
func (s *Server) FailSettlements(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSettlement = status
}

// Settles returns the settle requests received so far
func (s *Server) Settles() []SettleRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SettleRecord(nil), s.settles...)
}

// Registrations returns the registrations received so far
func (s *Server) Registrations() []Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Registration(nil), s.registrations...)
}

func (s *Server) handleResource(c *gin.Context) {
	body, _ := io.ReadAll(c.Request.Body)
	c.JSON(http.StatusOK, gin.H{
		"path":   c.Param("path"),
		"method": c.Request.Method,
		"query":  c.Request.URL.Query(),
		"body":   string(body),
	})
}

func (s *Server) handleSettle(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var record SettleRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid settle request: " + err.Error()})
		return
	}
	record.Header = c.Request.Header.Clone()

	s.mu.Lock()
	s.settles = append(s.settles, record)
	failStatus := s.failSettlement
	s.mu.Unlock()

	if failStatus != 0 {
		c.JSON(failStatus, gin.H{"error": "settlement declined"})
		return
	}

	key := settlementKey(raw, c.GetHeader("Authorization"))
	status, cached, done := s.ledger.checkAndMark(key)
	switch status {
	case statusCached:
		c.JSON(http.StatusOK, cached)
		return
	case statusInFlight:
		result, err := s.ledger.waitForResult(c.Request.Context(), key, done)
		if err != nil || result == nil {
			c.JSON(http.StatusConflict, gin.H{"error": "concurrent settlement did not complete"})
			return
		}
		c.JSON(http.StatusOK, result)
		return
	}

	network, _ := record.Requirement["network"].(string)
	if _, ok := supportedNetworks[network]; !ok {
		s.ledger.fail(key, done)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unsupported network: " + network})
		return
	}

	resource, _ := record.Requirement["resource"].(string)
	settlement := &Settlement{
		Proof:         "proof-" + uuid.NewString(),
		AttemptID:     uuid.NewString(),
		WalletAddress: DefaultWalletAddress,
		Network:       network,
		Resource:      resource,
		IssuedAt:      time.Now(),
	}
	s.ledger.complete(key, settlement, done)

	s.opts.Logger.Info("devserver issued payment proof", map[string]any{
		"network":    network,
		"attempt_id": settlement.AttemptID,
		"resource":   resource,
	})
	c.JSON(http.StatusOK, settlement)
}

func (s *Server) handleRegister(c *gin.Context) {
	var reg Registration
	if err := c.ShouldBindJSON(&reg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	reg.Authorization = c.GetHeader("Authorization")

	s.mu.Lock()
	s.registrations = append(s.registrations, reg)
	s.mu.Unlock()

	c.JSON(http.StatusCreated, gin.H{"registered": reg.ResourceURL})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.opts.Logger.Debug("devserver request", map[string]any{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
	}
}
