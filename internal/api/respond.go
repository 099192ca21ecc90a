package api

import (
	"errors"
	"log"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/zulandar/nestwatch/internal/device"
	"github.com/zulandar/nestwatch/internal/privacy"
	"github.com/zulandar/nestwatch/internal/session"
)

var (
	validatorsOnce sync.Once
	validatorsErr  error
)

// registerValidators adds the deviceid tag to gin's validator engine.
func registerValidators() error {
	validatorsOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			validatorsErr = errors.New("unexpected validator engine")
			return
		}
		validatorsErr = v.RegisterValidation("deviceid", func(fl validator.FieldLevel) bool {
			return device.ValidateID(fl.Field().String()) == nil
		})
	})
	return validatorsErr
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
}

// refused reports a business refusal with its machine-readable reason.
func refused(c *gin.Context, status int, r session.Refusal) {
	c.JSON(status, gin.H{"error": r.Message(), "reason": string(r)})
}

// fail maps err onto a status code. Storage failures are logged and hidden.
func fail(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, device.ErrInvalidDeviceID),
		errors.Is(err, device.ErrInvalidSettings),
		errors.Is(err, privacy.ErrInvalidMinutes),
		errors.Is(err, session.ErrParentRequired):
		badRequest(c, err.Error())
	case errors.Is(err, device.ErrAdminLocked), errors.Is(err, privacy.ErrNotAllowed):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, device.ErrNotFound):
		notFound(c)
	default:
		log.Printf("api: %s: %v", op, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// actorFrom reads the X-Actor header. A missing header means a parent.
func actorFrom(c *gin.Context) (device.Actor, bool) {
	actor, err := device.ParseActor(c.GetHeader("X-Actor"))
	if err != nil {
		badRequest(c, err.Error())
		return "", false
	}
	return actor, true
}
