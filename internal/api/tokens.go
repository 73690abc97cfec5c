package api

import (
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"

	"attendance-engine/internal/auth"
)

type tokenRequest struct {
	Subject string   `json:"subject" binding:"required"`
	Role    string   `json:"role" binding:"required"`
	Classes []string `json:"classes"`
}

var mintableRoles = []string{auth.RoleLecturer, auth.RoleStudent, auth.RoleDevice}

// IssueToken lets an admin mint bearer tokens for lecturers, students and classroom devices.
func IssueToken(key, issuer string, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req tokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !slices.Contains(mintableRoles, req.Role) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "role must be lecturer, student or device"})
			return
		}
		if req.Role == auth.RoleLecturer && len(req.Classes) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "lecturer tokens need at least one class"})
			return
		}

		tok, exp, err := auth.Issue(req.Subject, req.Role, req.Classes, issuer, key, ttl)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sign token"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"access_token": tok,
			"token_type":   "Bearer",
			"expires_at":   exp,
		})
	}
}
