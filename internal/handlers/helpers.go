package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

func getInt64FromCtx(c *gin.Context, key string) (int64, bool) {
	v, ok := c.Get(key)
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		return int64(t), true
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

func getCaller(c *gin.Context) (identityID int64, roleID int) {
	if id, ok := getInt64FromCtx(c, "identity_id"); ok {
		identityID = id
	}
	if id, ok := getInt64FromCtx(c, "role_id"); ok {
		roleID = int(id)
	}
	return
}
