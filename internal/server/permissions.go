package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/avauthz/groupd/internal/graph"
	"github.com/avauthz/groupd/internal/naming"
)

// checkPermissionRequest is the POST /permissions/check body. Context
// carries additional attributes that grant conditions may reference.
type checkPermissionRequest struct {
	User       string                 `json:"user" binding:"required"`
	Permission string                 `json:"permission" binding:"required"`
	Argument   string                 `json:"argument"`
	Context    map[string]interface{} `json:"context"`
}

func (s *Server) handleListPermissions(c *gin.Context) {
	snap := s.store.Snapshot()

	seen := make(map[string]struct{})
	var permissions []string
	for _, g := range snap.AllGrants() {
		if _, ok := seen[g.Permission]; ok {
			continue
		}
		seen[g.Permission] = struct{}{}
		permissions = append(permissions, g.Permission)
	}

	c.JSON(http.StatusOK, gin.H{
		"version":     snap.Version(),
		"permissions": permissions,
	})
}

func (s *Server) handleGetPermission(c *gin.Context) {
	name, err := naming.ValidatePermissionName(c.Param("name"))
	if err != nil {
		s.respondError(c, graph.NewValidationError("GetPermission", c.Param("name"), err))
		return
	}

	snap := s.store.Snapshot()
	var grants []graph.Grant
	for _, g := range snap.AllGrants() {
		if g.Permission == name {
			grants = append(grants, g)
		}
	}
	if len(grants) == 0 {
		s.respondError(c, graph.NewNotFoundError("GetPermission", "permission "+name))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"permission": name,
		"grants":     grants,
	})
}

func (s *Server) handleCheckPermission(c *gin.Context) {
	var req checkPermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, graph.NewValidationError("CheckPermission", "", err))
		return
	}

	decision, err := s.resolver.HasPermission(
		c.Request.Context(), req.User, req.Permission, req.Argument, req.Context)
	if err != nil {
		s.respondError(c, err)
		return
	}

	resp := gin.H{
		"user":       req.User,
		"permission": req.Permission,
		"argument":   req.Argument,
		"granted":    decision.Granted,
	}
	if decision.Granted {
		resp["grant"] = decision.Grant
		resp["provenance"] = decision.Provenance
	}
	c.JSON(http.StatusOK, resp)
}

// handleStats reports entity counts, the current snapshot version, and
// closure cache statistics.
func (s *Server) handleStats(c *gin.Context) {
	snap := s.store.Snapshot()
	users, groups, memberships, grants := snap.Counts()
	hits, misses, size := s.closures.Stats()

	c.JSON(http.StatusOK, gin.H{
		"version":     snap.Version(),
		"users":       users,
		"groups":      groups,
		"memberships": memberships,
		"grants":      grants,
		"closureCache": gin.H{
			"hits":   hits,
			"misses": misses,
			"size":   size,
		},
	})
}
