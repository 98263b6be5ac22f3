/*
Copyright 2024 Innsync Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package middleware

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	"github.com/gin-gonic/gin"
	"github.com/innsync/innsync/config"
)

const (
	KeyHeader    = "X-Innsync-Key"
	DeviceHeader = "X-Innsync-Device"
)

// limitKey buckets requests per device. Front-desk tablets usually share the
// hotel's public address, so the client IP is only the fallback.
func limitKey(c *gin.Context) string {
	if device := c.GetHeader(DeviceHeader); device != "" {
		return "device:" + device
	}
	return "ip:" + c.ClientIP()
}

// RateLimitMiddleware throttles each device with a Tollbooth token bucket.
// Without a configured limit every request passes.
func RateLimitMiddleware(conf *config.Configuration) gin.HandlerFunc {
	rl := conf.RateLimit
	if rl.RequestsPerSecond == nil || rl.Burst == nil {
		return func(c *gin.Context) { c.Next() }
	}

	ttl := time.Hour
	if rl.CleanupIntervalSec != nil {
		ttl = time.Duration(*rl.CleanupIntervalSec) * time.Second
	}
	lmt := tollbooth.NewLimiter(*rl.RequestsPerSecond, &limiter.ExpirableOptions{DefaultExpirationTTL: ttl})
	lmt.SetBurst(*rl.Burst)

	return func(c *gin.Context) {
		if limited := tollbooth.LimitByKeys(lmt, []string{limitKey(c)}); limited != nil {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(limited.StatusCode, gin.H{"error": limited.Message})
			return
		}
		c.Next()
	}
}

// authorize decides whether a request carrying key may reach the sync routes.
func authorize(server config.ServerConfig, key string) (int, string) {
	if !server.Secure {
		return http.StatusOK, ""
	}
	if server.SecretKey == "" {
		return http.StatusInternalServerError, "Secret key is not configured"
	}
	if key == "" {
		return http.StatusUnauthorized, "Authentication required. Use " + KeyHeader + " header"
	}
	if subtle.ConstantTimeCompare([]byte(server.SecretKey), []byte(key)) != 1 {
		return http.StatusUnauthorized, "Invalid secret key"
	}
	return http.StatusOK, ""
}

// SecretKeyAuthMiddleware guards every route except the health check when the
// server runs in secure mode.
func SecretKeyAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/" {
			c.Next()
			return
		}

		conf, err := config.Fetch()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Secret key is not configured"})
			return
		}
		if status, msg := authorize(conf.Server, c.GetHeader(KeyHeader)); status != http.StatusOK {
			c.AbortWithStatusJSON(status, gin.H{"error": msg})
			return
		}
		c.Next()
	}
}
