package api

import (
	"chatrelay/internal/content"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateSendMessage checks a REST send request after defaults were applied.
func ValidateSendMessage(req SendMessageRequest) error {
	if err := validate.Struct(req); err != nil {
		return err
	}
	if err := content.ValidateUsername(req.Sender); err != nil {
		return err
	}
	return content.ValidateChannel(req.Channel)
}
