/**
 * @description
 * This file contains custom middleware for the HTTP router. The wallet auth
 * middleware validates the session JWT minted at wallet connect time and puts
 * the authenticated Flow address on the request context.
 *
 * @dependencies
 * - context, net/http, strings: Standard Go libraries.
 * - github.com/golang-jwt/jwt/v5: For session token validation.
 */

package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AddressContextKey is a custom type for the context key to avoid collisions.
type AddressContextKey string

const userAddressKey AddressContextKey = "userAddress"

// WalletAuthMiddleware creates a middleware that validates wallet session
// JWTs. The session service signs HS256 tokens whose subject is the user's
// Flow account address.
func WalletAuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(secret), nil
			})
			if err != nil {
				http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
				return
			}
			if !token.Valid {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				http.Error(w, "Invalid token claims", http.StatusUnauthorized)
				return
			}

			address, ok := claims["sub"].(string)
			if !ok || !strings.HasPrefix(address, "0x") {
				http.Error(w, "Wallet address not found in token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), userAddressKey, address)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUserAddress retrieves the authenticated Flow address from the request
// context. Handlers should use this to identify the caller.
func GetUserAddress(ctx context.Context) (string, bool) {
	address, ok := ctx.Value(userAddressKey).(string)
	return address, ok
}
