package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	if err := v.RegisterValidation("fileurl", isFileURL); err != nil {
		panic(err)
	}
	return v
}

// isFileURL accepts paths under /uploads/ and absolute http(s) URLs.
func isFileURL(fl validator.FieldLevel) bool {
	raw := fl.Field().String()
	if strings.HasPrefix(raw, "/uploads/") {
		return !strings.Contains(raw, "..")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}

var errEmptyFrame = errors.New("empty frame")

// decodeEnvelope parses and validates one inbound frame.
func decodeEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if len(payload) == 0 {
		return env, errEmptyFrame
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return env, fmt.Errorf("malformed frame: %w", err)
	}
	if err := validate.Struct(env); err != nil {
		return env, describeValidation(err)
	}
	return env, nil
}

// decodePayload unmarshals env.Data into out and validates it.
func decodePayload(env Envelope, out any) error {
	data := env.Data
	if len(data) == 0 || string(data) == "null" {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("malformed %s payload: %w", env.Event, err)
	}
	if err := validate.Struct(out); err != nil {
		return describeValidation(err)
	}
	return nil
}

func describeValidation(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "required", "required_without":
			parts = append(parts, fe.Field()+" is required")
		case "max":
			parts = append(parts, fmt.Sprintf("%s exceeds %s characters", fe.Field(), fe.Param()))
		case "oneof":
			parts = append(parts, fmt.Sprintf("unknown %s %q", fe.Field(), fe.Value()))
		case "fileurl":
			parts = append(parts, fe.Field()+" must be an /uploads/ path or an http(s) URL")
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return errors.New(strings.Join(parts, "; "))
}
