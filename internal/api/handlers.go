package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailsync/internal/actions"
	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// statusOf maps domain errors onto HTTP statuses.
func statusOf(err error) int {
	switch {
	case errors.Is(err, actions.ErrUnknownAction), errors.Is(err, actions.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, sync.ErrAccountNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	}

	switch sync.KindOf(err) {
	case sync.KindNotFound:
		return http.StatusNotFound
	case sync.KindAuth:
		// the mailbox needs re-authorising; the caller's own token is fine
		return http.StatusConflict
	case sync.KindRateLimit:
		return http.StatusTooManyRequests
	case sync.KindTransient, sync.KindCursorInvalid:
		return http.StatusBadGateway
	case sync.KindProviderUnsupported:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// syncAccount runs one sync cycle for an account the caller owns.
func (s *Server) syncAccount(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	acct, err := s.deps.Store.GetAccount(ctx, id)
	if err == nil && acct.UserID != auth.UserID(c) {
		err = store.ErrNotFound
	}
	if err != nil {
		s.fail(c, err)
		return
	}

	res := s.deps.Runner.SyncAccount(ctx, id)
	if !res.OK() {
		c.JSON(statusOf(res.Err), res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) syncUser(c *gin.Context) {
	results, err := s.deps.Manager.SyncUser(c.Request.Context(), auth.UserID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	if results == nil {
		results = []sync.Result{}
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) duplicates(c *gin.Context) {
	groups, err := s.deps.Duplicates.Scan(c.Request.Context(), auth.UserID(c))
	if err != nil {
		s.fail(c, err)
		return
	}

	extras := 0
	for _, g := range groups {
		extras += len(g.Extras())
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups, "removable": extras})
}

func (s *Server) runAction(c *gin.Context) {
	var req actions.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	out, err := s.deps.Actions.Do(c.Request.Context(), auth.UserID(c), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) listRules(c *gin.Context) {
	rules, err := s.deps.Store.ListRules(c.Request.Context(), auth.UserID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

type ruleRequest struct {
	Name   string           `json:"name"`
	Type   model.RuleType   `json:"type" binding:"required"`
	Value  string           `json:"value" binding:"required"`
	Action model.RuleAction `json:"action" binding:"required"`
}

func (s *Server) createRule(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rule := &model.Rule{
		UserID: auth.UserID(c),
		Name:   req.Name,
		Type:   req.Type,
		Value:  req.Value,
		Action: req.Action,
	}
	if !rule.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown rule type or action"})
		return
	}

	if err := s.deps.Store.CreateRule(c.Request.Context(), rule); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (s *Server) deleteRule(c *gin.Context) {
	if err := s.deps.Store.DeleteRule(c.Request.Context(), auth.UserID(c), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) newsletters(c *gin.Context) {
	items, err := s.deps.Insights.Newsletters(c.Request.Context(), auth.UserID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"newsletters": items})
}

func (s *Server) storage(c *gin.Context) {
	items, err := s.deps.Insights.Storage(c.Request.Context(), auth.UserID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": items})
}

func (s *Server) analytics(c *gin.Context) {
	a, err := s.deps.Insights.Analytics(c.Request.Context(), auth.UserID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) stats(c *gin.Context) {
	counts, err := s.deps.Store.CountUserMessages(c.Request.Context(), auth.UserID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (s *Server) getMessage(c *gin.Context) {
	msgs, err := s.deps.Store.GetMessages(c.Request.Context(), auth.UserID(c), []string{c.Param("id")})
	if err != nil {
		s.fail(c, err)
		return
	}
	if len(msgs) == 0 {
		s.fail(c, store.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, msgs[0])
}
