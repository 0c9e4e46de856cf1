package handler

import (
	"fmt"

	"github.com/gin-gonic/gin"

	medilink_errors "medilink-signal/pkg/errors"
)

// fail hands err to middleware.ErrorHandler.
func fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

func badRequest(c *gin.Context, err error) {
	fail(c, fmt.Errorf("%w: %v", medilink_errors.ErrInvalidInput, err))
}
