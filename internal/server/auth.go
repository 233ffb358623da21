package server

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/safar/market-orders/internal/apperr"
	"github.com/safar/market-orders/internal/models"
)

const (
	contextUserIDKey = "user_id"
	contextRoleKey   = "role"

	// RoleAdmin is marketplace staff; they may act on any order.
	RoleAdmin = "admin"
)

// AuthRequired accepts HS256 bearer tokens carrying user_id and role claims.
// Tokens are issued by the account service.
func (s *Server) AuthRequired() gin.HandlerFunc {
	key := []byte(s.cfg.JWTSecret)
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)

	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		parts := strings.Fields(header)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		claims := jwt.MapClaims{}
		if _, err := parser.ParseWithClaims(parts[1], claims, func(*jwt.Token) (any, error) {
			return key, nil
		}); err != nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		userID := claimString(claims["user_id"])
		if userID == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Set(contextUserIDKey, userID)
		c.Set(contextRoleKey, claimString(claims["role"]))
		c.Next()
	}
}

// claimString accepts string and numeric ids.
func claimString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return ""
	}
}

func currentUser(c *gin.Context) string {
	return c.GetString(contextUserIDKey)
}

func isAdmin(c *gin.Context) bool {
	return c.GetString(contextRoleKey) == RoleAdmin
}

type party int

const (
	partyBuyer party = 1 << iota
	partySeller
)

// authorize checks that the caller is one of the allowed parties of o.
// Strangers get not found so order ids cannot be enumerated.
func authorize(c *gin.Context, o *models.Order, allowed party) error {
	if isAdmin(c) {
		return nil
	}
	user := currentUser(c)
	isBuyer := user == o.BuyerID
	isSeller := user == o.SellerID
	if !isBuyer && !isSeller {
		return apperr.NotFound("order", o.ID.String())
	}
	if (isBuyer && allowed&partyBuyer != 0) || (isSeller && allowed&partySeller != 0) {
		return nil
	}
	return ErrForbidden
}
