package http

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/layer-3/notary/core"
)

var registerOnce sync.Once

// registerValidators adds the eth_addr and fingerprint tags to gin's validator
func registerValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("eth_addr", func(fl validator.FieldLevel) bool {
			return common.IsHexAddress(fl.Field().String())
		})
		_ = v.RegisterValidation("fingerprint", func(fl validator.FieldLevel) bool {
			_, err := core.NormalizeFingerprint(fl.Field().String())
			return err == nil
		})
	})
}

// bindingError turns a gin binding failure into a validation error
func bindingError(err error) error {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		msgs := make([]string, 0, len(ve))
		for _, fe := range ve {
			msgs = append(msgs, fieldError(fe))
		}
		return fmt.Errorf("%w: %s", core.ErrInvalidRequest, strings.Join(msgs, "; "))
	}
	return fmt.Errorf("%w: malformed body", core.ErrInvalidRequest)
}

func fieldError(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "eth_addr":
		return field + " must be a 0x-prefixed 20-byte hex address"
	case "fingerprint":
		return field + " must be a 64 character hex SHA-256 digest"
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed validation (%s)", field, fe.Tag())
	}
}
