package middleware

import (
	"errors"
	"net/http"
	"strings"

	"storeflow/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cast"
)

// Context keys set by AuthMiddleware.
const (
	ContextStoreID     = "store_id"
	ContextUserID      = "user_id"
	ContextRoles       = "roles"
	ContextPermissions = "permissions"
)

// AdminClaims is the token issued to store admins and API clients.
// store_id scopes every request to one tenant.
type AdminClaims struct {
	StoreID     interface{} `json:"store_id"`
	UserID      interface{} `json:"user_id,omitempty"`
	Roles       interface{} `json:"roles,omitempty"`
	Permissions interface{} `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

func parseAdminToken(token, secret string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuedAt())
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// AuthMiddleware enforces Authorization: Bearer <jwt> on admin routes.
// On success it injects store_id, user_id, roles and permissions into gin.Context.
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	secret := ""
	var rbac config.RBACConfig
	if cfg != nil {
		secret = cfg.JWT.Secret
		rbac = cfg.Security.RBAC
	}
	return func(c *gin.Context) {
		ah := c.GetHeader("Authorization")
		if !strings.HasPrefix(strings.ToLower(ah), "bearer ") {
			unauthorized(c, "missing bearer token")
			return
		}
		token := strings.TrimSpace(ah[len("Bearer "):])
		if token == "" || secret == "" {
			unauthorized(c, "invalid token or server misconfig")
			return
		}
		claims, err := parseAdminToken(token, secret)
		if err != nil {
			unauthorized(c, err.Error())
			return
		}

		storeID, err := cast.ToUintE(claims.StoreID)
		if err != nil || storeID == 0 {
			unauthorized(c, "token carries no store_id")
			return
		}
		c.Set(ContextStoreID, storeID)

		uid := claims.UserID
		if uid == nil && claims.Subject != "" {
			uid = claims.Subject
		}
		if n, err := cast.ToUintE(uid); err == nil && n > 0 {
			c.Set(ContextUserID, n)
		}

		roles := normalizeStringList(claims.Roles)
		if len(roles) > 0 {
			c.Set(ContextRoles, roles)
		}

		perms := normalizeStringList(claims.Permissions)
		if rbac.Enabled {
			for _, role := range roles {
				for _, p := range rbac.Roles[role] {
					if s := strings.TrimSpace(p); s != "" {
						perms = append(perms, s)
					}
				}
			}
		} else {
			// 未开启 RBAC 时 owner 拥有全部权限
			for _, role := range roles {
				if role == "owner" || role == "admin" {
					perms = append(perms, "*")
				}
			}
		}
		perms = dedupeStrings(perms)
		if len(perms) > 0 {
			c.Set(ContextPermissions, perms)
		}

		c.Next()
	}
}

// StoreID returns the tenant resolved by AuthMiddleware.
func StoreID(c *gin.Context) (uint, error) {
	v, ok := c.Get(ContextStoreID)
	if !ok {
		return 0, errors.New("store_id not in context")
	}
	id, ok := v.(uint)
	if !ok || id == 0 {
		return 0, errors.New("store_id not in context")
	}
	return id, nil
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "Unauthorized",
		"message": msg,
	})
}

func normalizeStringList(v interface{}) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		return normalizeStringList(strings.Split(t, ","))
	default:
		list, err := cast.ToStringSliceE(t)
		if err != nil {
			return nil
		}
		out := make([]string, 0, len(list))
		for _, s := range list {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
}

func dedupeStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
