package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	contextKeyClaims = "auth_claims"
	bearerPrefix     = "Bearer "
)

// apiClaims carries the caller identity extracted from a bearer token.
type apiClaims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

func (claims *apiClaims) hasRole(role string) bool {
	for _, candidate := range claims.Roles {
		if candidate == role {
			return true
		}
	}
	return false
}

// authMiddleware validates HS256 bearer tokens and stores the claims on the
// request context. The token subject is the credit account's user id.
func authMiddleware(signingKey []byte, issuer string) gin.HandlerFunc {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		claims := &apiClaims{}
		_, err := parser.ParseWithClaims(strings.TrimPrefix(header, bearerPrefix), claims, func(*jwt.Token) (any, error) {
			return signingKey, nil
		})
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid token"))
			return
		}
		if strings.TrimSpace(claims.Subject) == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "token subject is empty"))
			return
		}
		ctx.Set(contextKeyClaims, claims)
		ctx.Next()
	}
}

// requireRole gates admin-only routes.
func requireRole(role string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := getClaims(ctx)
		if claims == nil || !claims.hasRole(role) {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", fmt.Sprintf("%s role required", role)))
			return
		}
		ctx.Next()
	}
}

func getClaims(ctx *gin.Context) *apiClaims {
	claimsValue, ok := ctx.Get(contextKeyClaims)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*apiClaims)
	return claims
}
