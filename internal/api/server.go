// Package api serves the attention kernel over HTTP. Results are kept in an
// in-memory store so clients can fetch or delete them by id.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/samcharles93/flashmha/internal/attention"
	"github.com/samcharles93/flashmha/internal/logger"
	"github.com/samcharles93/flashmha/internal/tensor"
	"github.com/samcharles93/flashmha/internal/version"
)

// DefaultMaxElements caps the size of a single tensor in a request.
const DefaultMaxElements = 1 << 22

const (
	// bytesPerElement bounds the JSON text of one float32 and its comma.
	bytesPerElement = 24
	// requestOverhead covers the non-tensor fields of a request body.
	requestOverhead = 64 << 10
)

type Server struct {
	store    *ResultStore
	defaults attention.Config
	log      logger.Logger
	clock    func() time.Time

	// MaxElements bounds B·S·H·D per request.
	MaxElements int
}

// NewServer returns a server computing with defaults unless a request
// overrides block sizes, causality or scale.
func NewServer(store *ResultStore, defaults attention.Config, log logger.Logger) *Server {
	if store == nil {
		store = NewResultStore()
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Server{
		store:       store,
		defaults:    defaults,
		log:         log,
		clock:       time.Now,
		MaxElements: DefaultMaxElements,
	}
}

// BodyLimit is the largest POST /v1/attention body accepted: three tensors
// of MaxElements values plus the remaining fields.
func (s *Server) BodyLimit() int64 {
	return 3*int64(s.MaxElements)*bytesPerElement + requestOverhead
}

// Register adds the routes to e. The body limit is taken from MaxElements
// at this point, so set it first.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/health", s.handleHealth)
	e.POST("/v1/attention", s.handleCreate, middleware.BodyLimit(s.BodyLimit()))
	e.GET("/v1/attention/:id", s.handleGet)
	e.DELETE("/v1/attention/:id", s.handleDelete)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: version.String(),
		Results: s.store.Len(),
	})
}

func (s *Server) handleCreate(c *echo.Context) error {
	req, err := decodeJSON[AttentionRequest](c.Request().Body)
	if errors.Is(err, echo.ErrStatusRequestEntityTooLarge) {
		return err
	}
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	q, k, v, cfg, err := s.prepare(&req)
	if err != nil {
		return writeFailure(c, err)
	}

	kern, err := attention.New(cfg)
	if err != nil {
		return writeFailure(c, err)
	}
	ctx := logger.WithContext(c.Request().Context(), s.log)
	start := s.clock()
	out, stats, err := kern.Forward(ctx, q, k, v)
	if err != nil {
		s.log.Warn("attention request failed", "shape", req.Shape.String(), "error", err)
		return writeFailure(c, err)
	}
	elapsed := s.clock().Sub(start)

	res := AttentionResult{
		ID:        newResultID(),
		Object:    "attention.result",
		CreatedAt: start.Unix(),
		Shape:     req.Shape,
		DType:     q.DType.String(),
		Causal:    cfg.Causal,
		Scale:     cfg.SoftmaxScale(req.Shape.Dim),
		BlockM:    cfg.BlockM,
		BlockN:    cfg.BlockN,
		Output:    out.Float32(),
		Stats:     stats,
		ElapsedMS: float64(elapsed) / float64(time.Millisecond),
		Stored:    req.Store == nil || *req.Store,
	}
	if res.Stored {
		s.store.Save(res)
	}
	s.log.Info("attention computed", "id", res.ID, "shape", req.Shape.String(), "dtype", res.DType,
		"causal", res.Causal, "elapsed", elapsed)
	return c.JSON(http.StatusOK, res)
}

// prepare validates a request and builds the kernel inputs.
func (s *Server) prepare(req *AttentionRequest) (q, k, v *tensor.Tensor, cfg attention.Config, err error) {
	if err := req.Shape.Validate(); err != nil {
		return nil, nil, nil, cfg, fmt.Errorf("shape: %w", err)
	}
	n := req.Shape.Elements()
	if s.MaxElements > 0 && n > s.MaxElements {
		return nil, nil, nil, cfg, newInvalidRequest(fmt.Sprintf("shape %s has %d elements, limit is %d", req.Shape, n, s.MaxElements))
	}

	dtype := tensor.F32
	if req.DType != "" {
		if dtype, err = tensor.ParseDType(req.DType); err != nil {
			return nil, nil, nil, cfg, newInvalidRequest(err.Error())
		}
	}

	inputs := make([]*tensor.Tensor, 3)
	for i, in := range []struct {
		name string
		data []float32
	}{{"q", req.Q}, {"k", req.K}, {"v", req.V}} {
		if len(in.data) != n {
			return nil, nil, nil, cfg, newInvalidRequest(fmt.Sprintf("%s has %d values, shape %s needs %d", in.name, len(in.data), req.Shape, n))
		}
		if inputs[i], err = tensor.FromFloat32(req.Shape, dtype, in.data); err != nil {
			return nil, nil, nil, cfg, err
		}
	}

	cfg = s.defaults
	if req.BlockM != 0 {
		cfg.BlockM = req.BlockM
	}
	if req.BlockN != 0 {
		cfg.BlockN = req.BlockN
	}
	cfg.Causal = req.Causal
	cfg.Scale = req.Scale
	cfg.Log2Scaled = false
	return inputs[0], inputs[1], inputs[2], cfg, nil
}

func (s *Server) handleGet(c *echo.Context) error {
	res, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "attention result not found")
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleDelete(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, "attention result not found")
	}
	return c.JSON(http.StatusOK, DeleteResult{ID: id, Object: "attention.result.deleted", Deleted: true})
}
