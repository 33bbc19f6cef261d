package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/MarkoPoloResearchLab/sketchcredits/pkg/credits"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	claimsContextKey   = "auth_claims"
	bearerPrefix       = "Bearer "
	signingMethodHS256 = "HS256"
)

// Claims are the session claims issued by the identity collaborator. The
// privileged flag drives the balance-guard debit bypass and gates admin
// routes.
type Claims struct {
	Privileged bool `json:"privileged"`
	jwt.RegisteredClaims
}

func authMiddleware(signingKey []byte, issuer string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		claims := &Claims{}
		token, err := jwt.ParseWithClaims(
			strings.TrimPrefix(header, bearerPrefix),
			claims,
			func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
				}
				return signingKey, nil
			},
			jwt.WithIssuer(issuer),
			jwt.WithValidMethods([]string{signingMethodHS256}),
		)
		if err != nil || !token.Valid || strings.TrimSpace(claims.Subject) == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session"))
			return
		}
		ctx.Set(claimsContextKey, claims)
		ctx.Next()
	}
}

func requirePrivileged(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil || !claims.Privileged {
		ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "admin access required"))
		return
	}
	ctx.Next()
}

func getClaims(ctx *gin.Context) *Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*Claims)
	return claims
}

func actorFromClaims(claims *Claims) (credits.Actor, error) {
	userID, err := credits.NewUserID(claims.Subject)
	if err != nil {
		return credits.Actor{}, err
	}
	return credits.Actor{UserID: userID, Privileged: claims.Privileged}, nil
}
