package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/avauthz/groupd/internal/graph"
	"github.com/avauthz/groupd/internal/naming"
)

// createGroupRequest is the POST /groups body.
type createGroupRequest struct {
	Name string `json:"name" binding:"required"`
}

// addMembershipRequest is the POST /groups/:name/members body. Member
// is a "kind:name" reference such as "user:alice" or "group:eng".
type addMembershipRequest struct {
	Member string `json:"member" binding:"required"`
	Role   string `json:"role"`
}

// addGrantRequest is the POST /groups/:name/grants body.
type addGrantRequest struct {
	Permission string `json:"permission" binding:"required"`
	ArgPattern string `json:"argPattern"`
	Condition  string `json:"condition"`
}

func (s *Server) handleListGroups(c *gin.Context) {
	snap := s.store.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"version": snap.Version(),
		"groups":  snap.Groups(),
	})
}

func (s *Server) handleCreateGroup(c *gin.Context) {
	var req createGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, graph.NewValidationError("CreateGroup", "", err))
		return
	}

	name, err := naming.ValidateEntityName(req.Name)
	if err != nil {
		s.respondError(c, graph.NewValidationError("CreateGroup", req.Name, err))
		return
	}

	if err := s.store.AddGroup(c.Request.Context(), name); err != nil {
		s.respondError(c, err)
		return
	}

	g, _ := s.store.Snapshot().Group(name)
	c.JSON(http.StatusCreated, g)
}

func (s *Server) handleGetGroup(c *gin.Context) {
	name := c.Param("name")
	snap := s.store.Snapshot()

	g, ok := snap.Group(name)
	if !ok {
		s.respondError(c, graph.NewNotFoundError("GetGroup", "group "+name))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"group":       g,
		"members":     snap.MembersOf(name),
		"memberships": snap.ContainersOf(graph.GroupRef(name)),
		"grants":      snap.GrantsOf(name),
	})
}

func (s *Server) handleDeleteGroup(c *gin.Context) {
	if err := s.store.DeleteGroup(c.Request.Context(), c.Param("name")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSetGroupDisabled(disabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		if err := s.store.SetGroupDisabled(c.Request.Context(), name, disabled); err != nil {
			s.respondError(c, err)
			return
		}
		g, _ := s.store.Snapshot().Group(name)
		c.JSON(http.StatusOK, g)
	}
}

func (s *Server) handleListEffectiveMembers(c *gin.Context) {
	group := c.Param("name")

	users, err := s.resolver.ListEffectiveMembers(c.Request.Context(), group)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"group":   group,
		"members": users,
	})
}

func (s *Server) handleAddMembership(c *gin.Context) {
	group := c.Param("name")

	var req addMembershipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, graph.NewValidationError("AddMembership", "", err))
		return
	}

	member, err := graph.ParseRef(req.Member)
	if err != nil {
		s.respondError(c, graph.NewValidationError("AddMembership", req.Member, err))
		return
	}
	role := req.Role
	if role == "" {
		role = string(graph.RoleMember)
	}

	if err := s.store.AddMembership(c.Request.Context(), member, group, graph.Role(role)); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"member": member,
		"group":  group,
		"role":   role,
	})
}

func (s *Server) handleRemoveMembership(c *gin.Context) {
	group := c.Param("name")

	kind, err := graph.ParseKind(c.Param("kind"))
	if err != nil {
		s.respondError(c, graph.NewValidationError("RemoveMembership", c.Param("kind"), err))
		return
	}
	member := graph.Ref{Kind: kind, Name: c.Param("member")}

	if err := s.store.RemoveMembership(c.Request.Context(), member, group); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListGrants(c *gin.Context) {
	group := c.Param("name")
	snap := s.store.Snapshot()

	if _, ok := snap.Group(group); !ok {
		s.respondError(c, graph.NewNotFoundError("ListGrants", "group "+group))
		return
	}

	// Inherited grants come from the permission closure; direct grants
	// from the snapshot.
	cl, err := s.closures.PermissionClosure(c.Request.Context(), group)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"group":     group,
		"direct":    snap.GrantsOf(group),
		"inherited": cl.Grants,
	})
}

func (s *Server) handleAddGrant(c *gin.Context) {
	group := c.Param("name")

	var req addGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, graph.NewValidationError("AddGrant", "", err))
		return
	}

	permission, err := naming.ValidatePermissionName(req.Permission)
	if err != nil {
		s.respondError(c, graph.NewValidationError("AddGrant", req.Permission, err))
		return
	}

	if err := s.store.AddGrant(c.Request.Context(), group, permission, req.ArgPattern, req.Condition); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"group":      group,
		"permission": permission,
		"argPattern": req.ArgPattern,
	})
}

func (s *Server) handleRemoveGrant(c *gin.Context) {
	group := c.Param("name")
	permission := c.Query("permission")
	argPattern := c.Query("argPattern")

	if permission == "" {
		s.respondError(c, graph.NewValidationError("RemoveGrant", group, naming.ErrInvalidPermission))
		return
	}

	if err := s.store.RemoveGrant(c.Request.Context(), group, permission, argPattern); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
