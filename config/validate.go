package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/language"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("bcp47_language_tag", validateBCP47) //nolint:errcheck // registration only errors on a bad tag name
	v.RegisterStructValidation(validateAuth, Auth{})
	return v
}

func validateBCP47(fl validator.FieldLevel) bool {
	_, err := language.Parse(fl.Field().String())
	return err == nil
}

// validateAuth enforces that exactly one auth scheme is configured.
func validateAuth(sl validator.StructLevel) {
	auth := sl.Current().Interface().(Auth)
	set := 0
	if auth.Basic != nil {
		set++
	}
	if auth.Negotiate != nil {
		set++
	}
	if auth.Kerberos != nil {
		set++
	}
	if set != 1 {
		sl.ReportError(auth, "Auth", "Auth", "exactly_one_auth_scheme", "")
	}
}

// Validate runs struct-tag and cross-field validation on c. It is called
// automatically by Load, but embedders constructing a Config directly
// should call it themselves before using the config to connect.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
