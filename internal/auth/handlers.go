package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jimdaga/colloquium/internal/models"
	"gorm.io/gorm"
)

const devTokenTTL = 12 * time.Hour

// HandleDevLogin issues a token for an existing account by email. It is only
// mounted in development, where no identity provider is running.
func HandleDevLogin(db *gorm.DB, secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Email string `json:"email" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "email is required"})
			return
		}

		var user models.User
		err := db.WithContext(c.Request.Context()).Where("email = ?", req.Email).First(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && user.IsBot()) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown account"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up account"})
			return
		}

		now := time.Now()
		db.Model(&user).Update("last_login_at", now)

		token, err := IssueToken(secret, Identity{UserID: user.ID, Email: user.Email, Role: user.Role}, devTokenTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sign token"})
			return
		}

		slog.Info("Development login", "user_id", user.ID, "role", user.Role)
		c.JSON(http.StatusOK, gin.H{"token": token, "expiresAt": now.Add(devTokenTTL)})
	}
}

// HandleMe returns the caller's identity
func HandleMe(c *gin.Context) {
	id, ok := IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": id.UserID, "email": id.Email, "role": id.Role})
}
