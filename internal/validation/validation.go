// Package validation provides input validation for transaction hashes and
// addresses, plus gin middleware that rejects malformed URL params before
// any handler (or network call) runs.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

var (
	// txHashRegex validates transaction hashes: 0x + 64 hex chars
	txHashRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
	// ethAddressRegex validates Ethereum addresses: 0x + 40 hex chars
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
)

// IsValidTxHash checks if a string is a well-formed transaction hash.
func IsValidTxHash(hash string) bool {
	return txHashRegex.MatchString(hash)
}

// IsValidEthAddress checks if a string is a valid Ethereum address.
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// SanitizeAddress normalizes an Ethereum address to lowercase 0x-prefixed form.
func SanitizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasPrefix(addr, "0x") && len(addr) == 40 {
		addr = "0x" + addr
	}
	return addr
}

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// HashParamMiddleware validates the :hash URL parameter on routes that use
// it. Malformed hashes are rejected with 400 before any chain lookup.
func HashParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		hash := c.Param("hash")
		if hash != "" && !IsValidTxHash(hash) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_hash",
				"message": "hash must be a valid transaction hash (0x + 64 hex chars)",
			})
			return
		}
		c.Next()
	}
}

// AddressParamMiddleware validates the :address URL parameter.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.Param("address")
		if addr != "" && !IsValidEthAddress(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "address must be a valid Ethereum address (0x + 40 hex chars)",
			})
			return
		}
		c.Next()
	}
}
