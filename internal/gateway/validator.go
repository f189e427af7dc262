package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/liteclaw/clawgate/internal/gateway/protocol"
)

var paramsValidator = validator.New()

// CustomValidator implements Echo's Validator interface.
type CustomValidator struct {
	validator *validator.Validate
}

// NewCustomValidator creates a new custom validator.
func NewCustomValidator() *CustomValidator {
	return &CustomValidator{validator: paramsValidator}
}

// Validate validates the request body.
func (cv *CustomValidator) Validate(i interface{}) error {
	if err := cv.validator.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// BindParams decodes RPC params into dst and validates its struct tags.
// Failures map to INVALID_PARAMS. Missing params decode as an empty object.
func BindParams(params json.RawMessage, dst interface{}) error {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return protocol.Errorf(protocol.ErrorCodeInvalidParams, "invalid params: %v", err)
	}
	if err := paramsValidator.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Namespace()+" "+fe.Tag())
			}
			return protocol.NewError(protocol.ErrorCodeInvalidParams, "invalid params: "+strings.Join(fields, ", ")).
				WithDetails(map[string]interface{}{"fields": fields})
		}
		return protocol.Errorf(protocol.ErrorCodeInvalidParams, "invalid params: %v", err)
	}
	return nil
}
