package devserver

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	x402 "github.com/x402-foundation/paidfetch"
)

const x402Version = 1

type networkConfig struct {
	assetAddress string
	decimals     int32
	tokenName    string
}

var supportedNetworks = map[string]networkConfig{
	"solana": {
		assetAddress: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		decimals:     6,
		tokenName:    "USDC",
	},
	"solana-devnet": {
		assetAddress: "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
		decimals:     6,
		tokenName:    "USDC",
	},
	"base": {
		assetAddress: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		decimals:     6,
		tokenName:    "USD Coin",
	},
	"base-sepolia": {
		assetAddress: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		decimals:     6,
		tokenName:    "USDC",
	},
}

// requirement is the challenge entry the paywall offers
type requirement struct {
	Scheme            string                 `json:"scheme"`
	Network           string                 `json:"network"`
	MaxAmountRequired string                 `json:"maxAmountRequired"`
	Resource          string                 `json:"resource"`
	Description       string                 `json:"description,omitempty"`
	MimeType          string                 `json:"mimeType,omitempty"`
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds"`
	Asset             string                 `json:"asset"`
	OutputSchema      map[string]interface{} `json:"outputSchema,omitempty"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// paymentResponse is returned base64-encoded in X-PAYMENT-RESPONSE
type paymentResponse struct {
	Success   bool   `json:"success"`
	Network   string `json:"network"`
	Payer     string `json:"payer"`
	AttemptID string `json:"attemptId"`
}

// AmountToAssetUnits converts a human-readable amount into base units using the token's decimals.
func AmountToAssetUnits(amount decimal.Decimal, decimals int32) string {
	return amount.Shift(decimals).Truncate(0).String()
}

// requirements builds the accepts list for a resource, in offer order
func (s *Server) requirements(resource string) []requirement {
	out := make([]requirement, 0, len(s.opts.Networks))
	for _, network := range s.opts.Networks {
		netCfg, ok := supportedNetworks[network]
		if !ok {
			continue
		}
		out = append(out, requirement{
			Scheme:            x402.SchemeExact,
			Network:           network,
			MaxAmountRequired: AmountToAssetUnits(s.opts.Amount, netCfg.decimals),
			Resource:          resource,
			Description:       s.opts.Description,
			MimeType:          "application/json",
			PayTo:             s.opts.PayTo,
			MaxTimeoutSeconds: 60,
			Asset:             netCfg.assetAddress,
			OutputSchema:      s.opts.OutputSchema,
			Extra:             map[string]interface{}{"name": netCfg.tokenName},
		})
	}
	return out
}

// paywall gates the route behind a payment proof issued by the settle
// endpoint. Proofs are single use.
func (s *Server) paywall() gin.HandlerFunc {
	return func(c *gin.Context) {
		resource := s.opts.ResourceRootURL + c.Request.URL.Path
		if s.opts.ResourceRootURL == "" {
			resource = requestOrigin(c.Request) + c.Request.URL.Path
		}
		accepts := s.requirements(resource)

		proof := c.GetHeader(x402.HeaderPayment)
		if proof == "" {
			s.challenge(c, accepts, "X-PAYMENT header is required")
			return
		}

		record, err := s.ledger.redeem(proof, c.GetHeader(x402.HeaderPaymentAttemptID))
		if err != nil {
			s.opts.Logger.Info("devserver rejected payment", map[string]any{
				"path":  c.Request.URL.Path,
				"error": err,
			})
			s.challenge(c, accepts, err.Error())
			return
		}

		encoded, err := json.Marshal(paymentResponse{
			Success:   true,
			Network:   record.Network,
			Payer:     record.WalletAddress,
			AttemptID: record.AttemptID,
		})
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":       err.Error(),
				"x402Version": x402Version,
			})
			return
		}
		c.Header("X-PAYMENT-RESPONSE", base64.StdEncoding.EncodeToString(encoded))
		c.Next()
	}
}

func (s *Server) challenge(c *gin.Context, accepts []requirement, reason string) {
	userAgent := c.GetHeader("User-Agent")
	acceptHeader := c.GetHeader("Accept")
	if strings.Contains(acceptHeader, "text/html") && strings.Contains(userAgent, "Mozilla") {
		c.Abort()
		c.Data(http.StatusPaymentRequired, "text/html", []byte(getPaywallHtml()))
		return
	}

	c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
		"error":       reason,
		"accepts":     accepts,
		"x402Version": x402Version,
	})
}

// getPaywallHtml is the page shown to browsers instead of the JSON challenge
func getPaywallHtml() string {
	return "<html><body>Payment Required</body></html>"
}

func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
