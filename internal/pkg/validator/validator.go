package validator

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()

	// Use JSON tag names in error messages
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	registerCustomValidations()
}

func registerCustomValidations() {
	// Video duration in seconds
	validate.RegisterValidation("video_duration", func(fl validator.FieldLevel) bool {
		d := fl.Field().Int()
		return d == 5 || d == 8
	})

	// Output quality
	validate.RegisterValidation("video_quality", func(fl validator.FieldLevel) bool {
		q := fl.Field().String()
		return q == "720p" || q == "1080p"
	})

	// Aspect ratio
	validate.RegisterValidation("aspect_ratio", func(fl validator.FieldLevel) bool {
		ar := fl.Field().String()
		validRatios := []string{"16:9", "9:16", "1:1", ""}
		for _, r := range validRatios {
			if ar == r {
				return true
			}
		}
		return false
	})
}

// Validate validates a struct and returns a map of field errors
func Validate(s interface{}) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	errors := make(map[string]string)
	for _, err := range err.(validator.ValidationErrors) {
		field := err.Field()
		switch err.Tag() {
		case "required":
			errors[field] = "This field is required"
		case "min":
			errors[field] = "Value is too short (min: " + err.Param() + ")"
		case "max":
			errors[field] = "Value is too long (max: " + err.Param() + ")"
		case "video_duration":
			errors[field] = "Invalid duration. Must be 5 or 8 seconds"
		case "video_quality":
			errors[field] = "Invalid quality. Must be: 720p or 1080p"
		case "aspect_ratio":
			errors[field] = "Invalid aspect ratio. Must be: 16:9, 9:16 or 1:1"
		default:
			errors[field] = "Invalid value"
		}
	}

	return errors
}
