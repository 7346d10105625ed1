package service

import (
	"net/url"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	entrans "github.com/go-playground/validator/v10/translations/en"

	perr "shutter/internal/platform/errors"
	"shutter/internal/services/jobs/domain"
)

// newValidator builds the request validator with english messages
func newValidator() (*validator.Validate, ut.Translator) {
	v := validator.New(validator.WithRequiredStructEnabled())
	enLoc := en.New()
	uni := ut.New(enLoc, enLoc)
	trans, _ := uni.GetTranslator("en")
	_ = entrans.RegisterDefaultTranslations(v, trans)
	return v, trans
}

// validateRequest runs struct validation and folds the field errors into a
// single validation error
func (s *Service) validateRequest(req *domain.ScreenshotRequest) error {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if ok := asValidationErrors(err, &verrs); ok {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fe.Translate(s.trans))
			}
			return perr.Validationf("invalid request: %s", strings.Join(msgs, "; "))
		}
		return perr.Validationf("invalid request: %v", err)
	}
	if (req.Format == domain.FormatJPEG || req.Format == domain.FormatWebP) && req.Quality == 0 {
		return perr.Validationf("quality required for %s output", req.Format)
	}
	return nil
}

// validateWebhookURL applies the outbound URL rules: http(s) only, plain
// http only toward loopback, bounded length
func validateWebhookURL(raw string) error {
	if raw == "" {
		return nil
	}
	if len(raw) > 2048 {
		return perr.Validationf("webhook url exceeds 2048 characters")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return perr.Validationf("webhook url is not parsable")
	}
	switch u.Scheme {
	case "https":
	case "http":
		host := u.Hostname()
		if host != "localhost" && host != "127.0.0.1" && host != "::1" {
			return perr.Validationf("plain http webhook urls are only allowed toward loopback")
		}
	default:
		return perr.Validationf("webhook url scheme %q is not allowed", u.Scheme)
	}
	return nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = verrs
	}
	return ok
}
