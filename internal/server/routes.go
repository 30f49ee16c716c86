package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/b0ase/path402/apps/minesim/internal/mining"
)

func (s *Server) registerRoutes(r *gin.Engine) {
	r.NoMethod(func(c *gin.Context) {
		writeError(c, http.StatusMethodNotAllowed, "Method Not Allowed")
	})
	r.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, "Not Found")
	})

	r.GET("/", s.handleDashboard)
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	r.POST("/heartbeat", s.handleHeartbeat)

	m := r.Group("/mining")
	{
		m.GET("/status", s.handleStatus)
		m.POST("/start", s.handleStart)
		m.GET("/check-inactivity", s.requireSecret, s.handleCheckInactivity)
		m.POST("/reset", s.requireSecret, s.handleReset)
		m.GET("/projection", s.handleProjection)
		m.GET("/stream", s.handleStream)
	}
}

func writeJSON(c *gin.Context, v interface{}) {
	c.JSON(http.StatusOK, v)
}

func writeError(c *gin.Context, code int, msg string) {
	c.JSON(code, gin.H{"success": false, "error": msg})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, mining.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, mining.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, mining.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err. Server-side failures get a generic body; the detail
// goes to the request log.
func fail(c *gin.Context, err error) {
	failWith(c, statusFor(err), err)
}

func failWith(c *gin.Context, code int, err error) {
	c.Error(err)
	if code >= http.StatusInternalServerError {
		writeError(c, code, "Internal Server Error")
		return
	}
	writeError(c, code, err.Error())
}

// number renders a decimal as a bare JSON number.
func number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

type deviceRequest struct {
	DeviceID string `json:"deviceId"`
}

func bindDevice(c *gin.Context) (string, bool) {
	var req deviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request body")
		return "", false
	}
	return req.DeviceID, true
}

// requireSecret checks "Authorization: Bearer <secret>". An unset secret
// rejects every request.
func (s *Server) requireSecret(c *gin.Context) {
	secret := s.secret.Load()
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if secret == "" || !ok || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
		log.Warnf("Rejected %s from %s: bad or missing bearer secret", c.Request.URL.Path, c.ClientIP())
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		c.Abort()
		return
	}
	c.Next()
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status":  "ok",
		"version": s.opts.Version,
	}
	if s.daemon != nil {
		resp["uptime_ms"] = s.daemon.Uptime().Milliseconds()
		resp["store"] = s.daemon.StoreBackend()
		resp["sweeper"] = s.daemon.SweeperStats()
	}
	writeJSON(c, resp)
}

type statusResponse struct {
	Success          bool        `json:"success"`
	DeviceID         string      `json:"deviceId"`
	Balance          json.Number `json:"balance"`
	IsMining         bool        `json:"isMining"`
	IsMiningPaused   bool        `json:"isMiningPaused"`
	LastUpdateTime   int64       `json:"lastUpdateTime"`
	LastActive       int64       `json:"lastActive"`
	PeriodsElapsed   int64       `json:"periodsElapsed"`
	IncrementApplied json.Number `json:"incrementApplied"`
}

func (s *Server) handleStatus(c *gin.Context) {
	res, err := s.miner.Status(c.Request.Context(), c.Query("deviceId"))
	if err != nil {
		fail(c, err)
		return
	}
	rec := res.Record
	writeJSON(c, statusResponse{
		Success:          true,
		DeviceID:         rec.DeviceID,
		Balance:          number(rec.Balance),
		IsMining:         rec.IsMining,
		IsMiningPaused:   rec.IsMiningPaused,
		LastUpdateTime:   millis(rec.LastUpdateTime),
		LastActive:       millis(rec.LastActive),
		PeriodsElapsed:   res.PeriodsElapsed,
		IncrementApplied: number(res.IncrementApplied),
	})
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	id, ok := bindDevice(c)
	if !ok {
		return
	}
	if err := s.miner.Heartbeat(c.Request.Context(), id); err != nil {
		code := statusFor(err)
		if errors.Is(err, mining.ErrNotFound) {
			// Heartbeats never create records; an unknown device is a server-side failure.
			code = http.StatusInternalServerError
		}
		failWith(c, code, err)
		return
	}
	writeJSON(c, gin.H{"success": true})
}

func (s *Server) handleStart(c *gin.Context) {
	id, ok := bindDevice(c)
	if !ok {
		return
	}
	if _, err := s.miner.Start(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, gin.H{"success": true})
}

func (s *Server) handleCheckInactivity(c *gin.Context) {
	res, err := s.sweepFn(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, gin.H{
		"success":  true,
		"checked":  res.Checked,
		"paused":   res.Paused,
		"resumed":  res.Resumed,
		"credited": res.Credited,
		"failed":   res.Failed,
	})
}

func (s *Server) handleReset(c *gin.Context) {
	id, ok := bindDevice(c)
	if !ok {
		return
	}
	rec, err := s.miner.Reset(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, gin.H{
		"success":  true,
		"deviceId": rec.DeviceID,
		"balance":  number(rec.Balance),
		"isMining": rec.IsMining,
	})
}

type projectionResponse struct {
	Success        bool        `json:"success"`
	DeviceID       string      `json:"deviceId"`
	Balance        json.Number `json:"balance"`
	IsMining       bool        `json:"isMining"`
	IsMiningPaused bool        `json:"isMiningPaused"`
	Accruing       bool        `json:"accruing"`
	PendingPeriods int64       `json:"pendingPeriods"`
	PendingReward  json.Number `json:"pendingReward"`
	NextAccrualAt  int64       `json:"nextAccrualAt"`
	TimeLeftMs     int64       `json:"timeLeftMs"`
	InactiveForMs  int64       `json:"inactiveForMs"`
	PausesAt       int64       `json:"pausesAt"`
	ServerTime     int64       `json:"serverTime"`
}

func (s *Server) handleProjection(c *gin.Context) {
	res, err := s.miner.Projection(c.Request.Context(), c.Query("deviceId"))
	if err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, projectionFrom(res))
}

func projectionFrom(res mining.ProjectionResult) projectionResponse {
	rec, p := res.Record, res.Projection
	return projectionResponse{
		Success:        true,
		DeviceID:       rec.DeviceID,
		Balance:        number(rec.Balance),
		IsMining:       rec.IsMining,
		IsMiningPaused: rec.IsMiningPaused,
		Accruing:       p.Accruing,
		PendingPeriods: p.PendingPeriods,
		PendingReward:  number(p.PendingReward),
		NextAccrualAt:  millis(p.NextAccrualAt),
		TimeLeftMs:     p.TimeLeft.Milliseconds(),
		InactiveForMs:  p.InactiveFor.Milliseconds(),
		PausesAt:       millis(p.PausesAt),
		ServerTime:     millis(res.At),
	}
}
