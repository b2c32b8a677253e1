package edgeguard

import (
	"errors"
	"math"
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/oarkflow/log"
	"github.com/valyala/fasthttp"
)

// Gateway adapts the admission pipeline to the HTTP edge: it derives the
// client key, applies the static allow/deny lists, asks the pipeline for a
// decision, and forwards ALLOW'd requests upstream.
type Gateway struct {
	pipeline *Pipeline
	resolver *ClientKeyResolver
	allow    []*net.IPNet
	deny     []*net.IPNet

	upstream       string
	client         *fasthttp.Client
	forwardTimeout time.Duration

	logger *log.Logger
}

func NewGateway(cfg *Config, pipeline *Pipeline, logger *log.Logger) *Gateway {
	return &Gateway{
		pipeline: pipeline,
		resolver: NewClientKeyResolver(cfg.TrustedProxyCIDRs),
		allow:    parseCIDRs(cfg.AllowCIDRs),
		deny:     parseCIDRs(cfg.DenyCIDRs),
		upstream: cfg.Upstream,
		client: &fasthttp.Client{
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		forwardTimeout: 30 * time.Second,
		logger:         logger,
	}
}

// Middleware returns the fiber handler that runs the admission pipeline on
// every request.
func (g *Gateway) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		clientKey := g.resolver.Resolve(c.IP(), c.Get("X-Real-IP"), c.Get("X-Forwarded-For"))

		if ipInNets(clientKey, g.deny) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "denied",
				"type":  "deny_list",
			})
		}
		if ipInNets(clientKey, g.allow) {
			return c.Next()
		}

		req := &Request{
			ClientKey:   clientKey,
			Method:      c.Method(),
			Path:        c.Path(),
			HeaderCount: len(c.GetReqHeaders()),
			BodySize:    len(c.Body()),
			Timestamp:   time.Now(),
		}
		decision, err := g.pipeline.Decide(c.UserContext(), req)
		if err != nil {
			if errors.Is(err, ErrInvalidRequest) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": err.Error(),
					"type":  "invalid_request",
				})
			}
			g.logger.Error().Err(err).Msg("admission pipeline failed")
			return c.Next() // fail open toward availability
		}

		switch decision.Action {
		case ActionRateLimit:
			setRetryAfter(c, decision.RetryAfter)
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": decision.Reason,
				"type":  "rate_limit",
			})
		case ActionBlock:
			setRetryAfter(c, decision.RetryAfter)
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error":         decision.Reason,
				"type":          "block",
				"blocked_until": time.Now().Add(decision.RetryAfter).Format(time.RFC3339),
			})
		}
		return c.Next()
	}
}

// Forward proxies an admitted request to the configured upstream.
func (g *Gateway) Forward(c *fiber.Ctx) error {
	if g.upstream == "" {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "no upstream configured"})
	}
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	c.Request().CopyTo(req)
	req.SetRequestURI(g.upstream + string(c.Request().RequestURI()))
	req.Header.Set("X-Forwarded-For", c.IP())

	if err := g.client.DoTimeout(req, c.Response(), g.forwardTimeout); err != nil {
		g.logger.Warn().Err(err).Str("upstream", g.upstream).Msg("upstream request failed")
		c.Response().Reset()
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream unavailable"})
	}
	return nil
}

func setRetryAfter(c *fiber.Ctx, d time.Duration) {
	if d <= 0 {
		return
	}
	secs := int64(math.Ceil(d.Seconds()))
	c.Set(fiber.HeaderRetryAfter, strconv.FormatInt(secs, 10))
}
