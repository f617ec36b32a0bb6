package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"hasirumitra/internal/services"
)

type AdminHandler struct {
	auth *services.AuthService
}

func NewAdminHandler(auth *services.AuthService) *AdminHandler {
	return &AdminHandler{auth: auth}
}

func (h *AdminHandler) identityIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid identity id"})
		return 0, false
	}
	return id, true
}

func (h *AdminHandler) writeAdminError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, services.ErrIdentityNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "identity not found"})
	case errors.Is(err, services.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable, please retry"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "operation failed"})
	}
}

// @Summary      List identities
// @Tags         Admin
// @Produce      json
// @Param        limit   query     int  false  "Page size"
// @Param        offset  query     int  false  "Offset"
// @Success      200     {object}  map[string]interface{}
// @Failure      403     {object}  map[string]string
// @Router       /admin/identities [get]
func (h *AdminHandler) ListIdentities(c *gin.Context) {
	_, roleID := getCaller(c)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	list, total, err := h.auth.ListIdentities(c.Request.Context(), roleID, limit, offset)
	if err != nil {
		h.writeAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": list, "total": total})
}

// @Summary      Get identity by id
// @Tags         Admin
// @Produce      json
// @Param        id   path      int  true  "Identity ID"
// @Success      200  {object}  models.Identity
// @Failure      404  {object}  map[string]string
// @Router       /admin/identities/{id} [get]
func (h *AdminHandler) GetIdentity(c *gin.Context) {
	_, roleID := getCaller(c)
	id, ok := h.identityIDParam(c)
	if !ok {
		return
	}

	identity, err := h.auth.GetIdentity(c.Request.Context(), roleID, id)
	if err != nil {
		h.writeAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, identity)
}

// @Summary      Deactivate identity
// @Description  Blocks login for the identity; the verified flag is untouched
// @Tags         Admin
// @Produce      json
// @Param        id   path      int  true  "Identity ID"
// @Success      200  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /admin/identities/{id}/deactivate [post]
func (h *AdminHandler) Deactivate(c *gin.Context) {
	_, roleID := getCaller(c)
	id, ok := h.identityIDParam(c)
	if !ok {
		return
	}

	if err := h.auth.SetActive(c.Request.Context(), roleID, id, false); err != nil {
		h.writeAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "identity deactivated"})
}

// @Summary      Reactivate identity
// @Tags         Admin
// @Produce      json
// @Param        id   path      int  true  "Identity ID"
// @Success      200  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /admin/identities/{id}/reactivate [post]
func (h *AdminHandler) Reactivate(c *gin.Context) {
	_, roleID := getCaller(c)
	id, ok := h.identityIDParam(c)
	if !ok {
		return
	}

	if err := h.auth.SetActive(c.Request.Context(), roleID, id, true); err != nil {
		h.writeAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "identity reactivated"})
}
