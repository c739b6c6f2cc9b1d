package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/avauthz/groupd/internal/graph"
	"github.com/avauthz/groupd/internal/naming"
)

// createUserRequest is the POST /users body.
type createUserRequest struct {
	Name string `json:"name" binding:"required"`
}

func (s *Server) handleListUsers(c *gin.Context) {
	snap := s.store.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"version": snap.Version(),
		"users":   snap.Users(),
	})
}

func (s *Server) handleCreateUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, graph.NewValidationError("CreateUser", "", err))
		return
	}

	name, err := naming.ValidateEntityName(req.Name)
	if err != nil {
		s.respondError(c, graph.NewValidationError("CreateUser", req.Name, err))
		return
	}

	if err := s.store.AddUser(c.Request.Context(), name); err != nil {
		s.respondError(c, err)
		return
	}

	u, _ := s.store.Snapshot().User(name)
	c.JSON(http.StatusCreated, u)
}

func (s *Server) handleGetUser(c *gin.Context) {
	name := c.Param("name")
	snap := s.store.Snapshot()

	u, ok := snap.User(name)
	if !ok {
		s.respondError(c, graph.NewNotFoundError("GetUser", "user "+name))
		return
	}

	cl, err := s.closures.MembershipClosure(c.Request.Context(), graph.UserRef(name))
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user":        u,
		"memberships": snap.ContainersOf(graph.UserRef(name)),
		"groups":      cl.Groups(),
	})
}

func (s *Server) handleDeleteUser(c *gin.Context) {
	if err := s.store.DeleteUser(c.Request.Context(), c.Param("name")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSetUserDisabled(disabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		if err := s.store.SetUserDisabled(c.Request.Context(), name, disabled); err != nil {
			s.respondError(c, err)
			return
		}
		u, _ := s.store.Snapshot().User(name)
		c.JSON(http.StatusOK, u)
	}
}

func (s *Server) handleListUserPermissions(c *gin.Context) {
	name := c.Param("name")

	if _, ok := s.store.Snapshot().User(name); !ok {
		s.respondError(c, graph.NewNotFoundError("ListPermissions", "user "+name))
		return
	}

	perms, err := s.resolver.ListPermissions(c.Request.Context(), name)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user":        name,
		"permissions": perms,
	})
}
