// Package api is the HTTP ingress: direct intent submission, the
// matchmaker's authorization callback, fill status reads, the matchmaker
// solution intake and the admin surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/memswap/solver/internal/intent"
	"github.com/memswap/solver/internal/matchmaker"
	"github.com/memswap/solver/internal/metrics"
	"github.com/memswap/solver/internal/queue"
	"github.com/memswap/solver/internal/solver"
	"github.com/memswap/solver/internal/status"
)

var protocols = []intent.Protocol{intent.ERC20, intent.ERC721}

// SolutionStore resolves a matchmaker callback uuid to the cached job.
type SolutionStore interface {
	Get(ctx context.Context, uuid string) ([]byte, error)
}

// Handler wires the solver routes onto a gin engine.
type Handler struct {
	codec  *intent.Codec
	queues map[intent.Protocol]*queue.Queue
	cache  SolutionStore
	board  *status.Board
	met    *metrics.Set
	log    *zap.Logger
}

func NewHandler(codec *intent.Codec, queues map[intent.Protocol]*queue.Queue, cache SolutionStore, board *status.Board, met *metrics.Set, log *zap.Logger) *Handler {
	return &Handler{
		codec:  codec,
		queues: queues,
		cache:  cache,
		board:  board,
		met:    met,
		log:    log.Named("api"),
	}
}

// Register mounts the solver routes.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.GET("/lives", handleLives)
	for _, p := range protocols {
		g := rg.Group("/" + p.String())
		g.POST("/intents", h.handleIntent(p))
		g.POST("/authorizations", h.handleAuthorization(p))
		if p == intent.ERC721 {
			g.GET("/intents/:hash/status", h.handleIntentStatus)
		}
	}
}

func handleLives(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"alive": true})
}

type intentRequest struct {
	Intent             *intent.Intent `json:"intent"`
	ApprovalTxOrTxHash hexutil.Bytes  `json:"approvalTxOrTxHash,omitempty"`
}

func (h *Handler) handleIntent(p intent.Protocol) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req intentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed body"})
			return
		}
		if req.Intent == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "intent is required"})
			return
		}
		job := &solver.Job{Protocol: p, Intent: req.Intent}
		attachApproval(job, req.ApprovalTxOrTxHash)
		h.acceptJob(c, job, "api")
	}
}

type authorizationRequest struct {
	UUID               string                `json:"uuid,omitempty"`
	Intent             *intent.Intent        `json:"intent,omitempty"`
	ApprovalTxOrTxHash hexutil.Bytes         `json:"approvalTxOrTxHash,omitempty"`
	Authorization      *intent.Authorization `json:"authorization"`
}

func (h *Handler) handleAuthorization(p intent.Protocol) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req authorizationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed body"})
			return
		}
		if req.Authorization == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "authorization is required"})
			return
		}
		if (req.UUID == "") == (req.Intent == nil) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "body must carry exactly one of uuid or intent"})
			return
		}
		if req.UUID != "" && len(req.ApprovalTxOrTxHash) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "uuid is incompatible with approvalTxOrTxHash"})
			return
		}

		var job *solver.Job
		if req.UUID != "" {
			payload, err := h.cache.Get(c.Request.Context(), req.UUID)
			if err != nil {
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown or expired uuid"})
				return
			}
			job, err = solver.DecodeJob(payload)
			if err != nil {
				h.log.Warn("cached solution undecodable", zap.String("uuid", req.UUID), zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "cached solution undecodable"})
				return
			}
		} else {
			job = &solver.Job{Protocol: p, Intent: req.Intent}
			attachApproval(job, req.ApprovalTxOrTxHash)
		}
		job.Authorization = req.Authorization
		h.acceptJob(c, job, "authorization")
	}
}

// attachApproval splits the combined wire field: a 32-byte blob is a
// transaction hash, anything longer is the raw signed transaction.
func attachApproval(job *solver.Job, blob hexutil.Bytes) {
	if len(blob) == 0 {
		return
	}
	if len(blob) == common.HashLength {
		hash := common.BytesToHash(blob)
		job.ApprovalTxHash = &hash
		return
	}
	job.ApprovalTxRaw = blob
}

// acceptJob validates the remaining window, enqueues and answers with the
// intent hash. A deduplicated enqueue is reported, not an error.
func (h *Handler) acceptJob(c *gin.Context, job *solver.Job, source string) {
	intentHash, err := h.codec.IntentHash(job.Protocol, job.Intent)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "intent not hashable"})
		return
	}
	ttl := time.Until(time.Unix(int64(job.Intent.EndTime), 0))
	if ttl <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "intent expired"})
		return
	}
	q, ok := h.queues[job.Protocol]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unsupported protocol"})
		return
	}
	id, err := job.ID(h.codec)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job not hashable"})
		return
	}
	payload, err := job.Encode()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "encode job"})
		return
	}
	accepted, err := q.Enqueue(c.Request.Context(), id, payload, queue.Options{TTL: ttl, MaxAttempts: solver.SolveAttempts})
	if err != nil {
		h.log.Error("enqueue failed", zap.String("intent", intentHash.Hex()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
		return
	}
	if accepted && h.met != nil {
		h.met.IntentsSeen.WithLabelValues(job.Protocol.String(), source).Inc()
	}
	c.JSON(http.StatusOK, gin.H{"intentHash": intentHash.Hex(), "accepted": accepted})
}

func (h *Handler) handleIntentStatus(c *gin.Context) {
	blob, err := hexutil.Decode(c.Param("hash"))
	if err != nil || len(blob) != common.HashLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed intent hash"})
		return
	}
	entry, err := h.board.Get(c.Request.Context(), common.BytesToHash(blob))
	if errors.Is(err, status.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown intent"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status read failed"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

// ── Matchmaker intake ──

// SolutionIntake scores a posted bid; satisfied by submitter.Service.
type SolutionIntake interface {
	Accept(ctx context.Context, p intent.Protocol, sol *matchmaker.Solution) (uint64, error)
}

// MatchmakerHandler wires the matchmaker routes onto a gin engine.
type MatchmakerHandler struct {
	intake SolutionIntake
	log    *zap.Logger
}

func NewMatchmakerHandler(intake SolutionIntake, log *zap.Logger) *MatchmakerHandler {
	return &MatchmakerHandler{intake: intake, log: log.Named("api.matchmaker")}
}

// Register mounts the matchmaker routes.
func (h *MatchmakerHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/lives", handleLives)
	for _, p := range protocols {
		rg.POST("/"+p.String()+"/solutions", h.handleSolution(p))
	}
}

func (h *MatchmakerHandler) handleSolution(p intent.Protocol) gin.HandlerFunc {
	return func(c *gin.Context) {
		var sol matchmaker.Solution
		if err := c.ShouldBindJSON(&sol); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed body"})
			return
		}
		targetBlock, err := h.intake.Accept(c.Request.Context(), p, &sol)
		if err != nil {
			h.log.Warn("solution rejected", zap.String("uuid", sol.UUID), zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"uuid": sol.UUID, "targetBlock": targetBlock})
	}
}

// ── Admin ──

// Admin exposes queue inspection and the metrics registry.
type Admin struct {
	queues []*queue.Queue
	met    *metrics.Set
	log    *zap.Logger
}

func NewAdmin(met *metrics.Set, log *zap.Logger, queues ...*queue.Queue) *Admin {
	return &Admin{queues: queues, met: met, log: log.Named("api.admin")}
}

// Register mounts the admin routes.
func (a *Admin) Register(rg *gin.RouterGroup) {
	rg.GET("/queues", a.handleQueues)
	rg.GET("/queues/:name/jobs", a.handleJobs)
	if a.met != nil {
		rg.GET("/metrics", gin.WrapH(a.met.Handler()))
	}
}

func (a *Admin) handleQueues(c *gin.Context) {
	out := make([]*queue.Stats, 0, len(a.queues))
	for _, q := range a.queues {
		stats, err := q.Stats(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "stats read failed"})
			return
		}
		out = append(out, stats)
	}
	c.JSON(http.StatusOK, out)
}

type jobView struct {
	ID          string          `json:"id"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"maxAttempts"`
	Payload     json.RawMessage `json:"payload"`
}

func (a *Admin) handleJobs(c *gin.Context) {
	name := c.Param("name")
	var target *queue.Queue
	for _, q := range a.queues {
		if q.Name() == name {
			target = q
			break
		}
	}
	if target == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown queue"})
		return
	}
	limit := 20
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	jobs, err := target.Peek(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "peek failed"})
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, jobView{
			ID:          j.ID,
			Attempt:     j.Attempt,
			MaxAttempts: j.MaxAttempts,
			Payload:     json.RawMessage(j.Payload),
		})
	}
	c.JSON(http.StatusOK, views)
}
