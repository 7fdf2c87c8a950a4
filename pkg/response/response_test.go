package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "secureconnect-callcore/pkg/errors"
)

func render(t *testing.T, fn func(c *gin.Context)) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Set("request_id", "req-1")

	fn(c)

	var body Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestSuccess(t *testing.T) {
	w, body := render(t, func(c *gin.Context) { Success(c, http.StatusCreated, gin.H{"id": "call-1"}) })

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, body.Success)
	assert.Equal(t, "req-1", body.Meta.RequestID)
}

func TestFromError_AppError(t *testing.T) {
	w, body := render(t, func(c *gin.Context) { FromError(c, apperrors.BusyError("call-9")) })

	assert.Equal(t, http.StatusConflict, w.Code)
	require.NotNil(t, body.Error)
	assert.Equal(t, "CALL_BUSY", body.Error.Code)
	assert.Equal(t, "call-9", body.Error.SessionID)
}

func TestFromError_PlainErrorIsHidden(t *testing.T) {
	w, body := render(t, func(c *gin.Context) { FromError(c, errors.New("dial tcp 10.0.0.3:5432: refused")) })

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", body.Error.Code)
	assert.NotContains(t, body.Error.Message, "10.0.0.3")
}
